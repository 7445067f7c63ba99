package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoIncludes)

	_, err = New(Config{Includes: []string{"data/[a-"}})
	var perr *PatternError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "data/[a-", perr.Pattern)
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = New(Config{Includes: []string{"**"}, MinSize: "ten"})
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = New(Config{Includes: []string{"**"}, MinSize: "2KB", MaxSize: "1KB"})
	assert.Error(t, err)

	_, err = New(Config{Includes: []string{"**"}, ModifiedAfter: "yesterday"})
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestMatcher_Match(t *testing.T) {
	m, err := New(Config{
		Includes: []string{"data/**/*.parquet", "logs/*.log"},
		Excludes: []string{"**/tmp/**"},
	})
	require.NoError(t, err)

	tests := []struct {
		key  string
		want bool
	}{
		{"data/2024/01/a.parquet", true},
		{"data/a.parquet", true},
		{"data/2024/tmp/a.parquet", false},
		{"data/2024/a.csv", false},
		{"logs/app.log", true},
		{"logs/nested/app.log", false},
		{"data/.cache/a.parquet", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Match(tt.key), tt.key)
	}
}

func TestMatcher_IncludeHidden(t *testing.T) {
	m, err := New(Config{Includes: []string{"**"}, IncludeHidden: true})
	require.NoError(t, err)
	assert.True(t, m.Match(".env"))
	assert.True(t, m.Match("a/.git/config"))
}

func TestMatcher_Accept(t *testing.T) {
	m, err := New(Config{
		Includes:      []string{"**"},
		MinSize:       "1KiB",
		MaxSize:       "1MB",
		ModifiedAfter: "2024-01-01",
	})
	require.NoError(t, err)

	recent := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	old := time.Date(2023, 12, 31, 23, 59, 0, 0, time.UTC)

	assert.True(t, m.Accept("a", 1024, recent))
	assert.True(t, m.Accept("a", 1_000_000, recent))
	assert.False(t, m.Accept("a", 1023, recent))
	assert.False(t, m.Accept("a", 1_000_001, recent))
	assert.False(t, m.Accept("a", 2048, old))
	assert.False(t, m.Accept(".hidden", 2048, recent))
}

func TestMatcher_Prefixes(t *testing.T) {
	m, err := New(Config{Includes: []string{"data/2024/**", "data/**/*.csv", "logs/app-{a,b}/*.log"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"data/", "logs/"}, m.Prefixes())

	full, err := New(Config{Includes: []string{"**/*.json", "logs/**"}})
	require.NoError(t, err)
	assert.Equal(t, []string{""}, full.Prefixes())
}

func TestDerivePrefix(t *testing.T) {
	tests := map[string]string{
		"data/2024/**/*.parquet": "data/2024/",
		"*.json":                 "",
		"logs/app-{a,b}/*.log":   "logs/",
		"exact/path/file.txt":    "exact/path/file.txt",
		"data/[0-9]*/*.csv":      "data/",
		"data/2024-*":            "data/",
		`data/file\*.txt`:        "data/file*.txt",
		`data/\[backup\]/*.log`:  "data/[backup]/",
		"":                       "",
	}
	for pattern, want := range tests {
		assert.Equal(t, want, DerivePrefix(pattern), pattern)
	}
}

func TestDerivePrefixes(t *testing.T) {
	assert.Nil(t, DerivePrefixes(nil))
	assert.Equal(t, []string{"data/2024/", "data/2025/"}, DerivePrefixes([]string{"data/2025/**", "data/2024/**"}))
	assert.Equal(t, []string{"data/"}, DerivePrefixes([]string{"data/2024/**", "data/**"}))
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"1KB", 1000, false},
		{"1kib", 1024, false},
		{"1.5 MiB", 1572864, false},
		{"2G", 2 * GB, false},
		{"", 0, true},
		{"MB", 0, true},
		{"10XB", 0, true},
		{"99999999999TB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSize)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-01-15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), d)

	d, err = ParseDate("2024-01-15T10:30:00+05:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 5, 30, 0, 0, time.UTC), d)

	_, err = ParseDate("15/01/2024")
	assert.ErrorIs(t, err, ErrInvalidDate)
}
