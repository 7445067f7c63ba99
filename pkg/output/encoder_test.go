package output

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/taskd/pkg/plugin"
)

func TestRegisterEncoders(t *testing.T) {
	c := NewCatalog()
	assert.Equal(t, []string{CSVClassname, JSONLClassname, YAMLClassname}, c.IDs())
	assert.Error(t, RegisterEncoders(c), "duplicate registration is rejected")
}

func TestPooledEncoders(t *testing.T) {
	root := map[string]any{
		"encoders": map[string]any{
			"jsonl": map[string]any{"classname": "output.JSONLEncoder"},
			"csv":   map[string]any{"classname": "CSVEncoder", "delimiter": "|"},
			"yaml":  map[string]any{"classname": "YAMLEncoder"},
		},
		"plugin": map[string]any{"search_paths": []string{"output"}},
	}

	f := plugin.NewPooledFactory(NewCatalog(), plugin.PoolConfig{MaxSize: 2}, nil)
	require.NoError(t, f.Configure(root, "encoders"))
	t.Cleanup(f.Close)
	assert.Equal(t, []string{"csv", "jsonl", "yaml"}, f.Names())

	var buf bytes.Buffer
	err := f.Run(context.Background(), "csv", func(enc Encoder) error {
		if err := enc.Open(&buf, 3, "file"); err != nil {
			return err
		}
		if err := enc.WriteObject(context.Background(), sampleObject); err != nil {
			return err
		}
		return enc.Finish()
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "logs/2024/app.log|2048|e1|")

	ext, err := plugin.Call(context.Background(), f, "yaml", func(enc Encoder) (string, error) {
		return enc.Extension(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "yaml", ext)

	stats, ok := f.Stats("csv")
	require.True(t, ok)
	assert.Equal(t, int32(0), stats.Acquired)
}
