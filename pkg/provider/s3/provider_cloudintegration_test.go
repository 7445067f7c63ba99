//go:build cloudintegration

package s3_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/taskd/pkg/provider"
	"github.com/3leaps/taskd/pkg/provider/s3"
	"github.com/3leaps/taskd/test/cloudtest"
)

func TestProvider_ListAgainstMoto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutObject(t, ctx, bucket, "logs/a.log", []byte("hello"))
	cloudtest.PutObject(t, ctx, bucket, "logs/b.log", []byte("hi"))
	cloudtest.PutObject(t, ctx, bucket, "other/c.log", []byte("x"))

	p, err := s3.New(ctx, cloudtest.ProviderConfig(bucket))
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	res, err := p.List(ctx, provider.ListOptions{Prefix: "logs/"})
	require.NoError(t, err)
	require.Len(t, res.Objects, 2)
	assert.Equal(t, "logs/a.log", res.Objects[0].Key)
	assert.Equal(t, int64(5), res.Objects[0].Size)
	assert.NotEmpty(t, res.Objects[0].ETag)
	assert.NotContains(t, res.Objects[0].ETag, `"`)
	assert.False(t, res.IsTruncated)
}

func TestProvider_WalkPagesAgainstMoto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	for i := 0; i < 7; i++ {
		cloudtest.PutObject(t, ctx, bucket, fmt.Sprintf("data/%02d.bin", i), []byte{byte(i)})
	}

	p, err := s3.New(ctx, cloudtest.ProviderConfig(bucket))
	require.NoError(t, err)

	pages, total := 0, 0
	err = provider.Walk(ctx, p, "data/", 3, func(page []provider.ObjectSummary) error {
		pages++
		total += len(page)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
	assert.Equal(t, 7, total)
}

func TestProvider_MissingBucketAgainstMoto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	p, err := s3.New(ctx, cloudtest.ProviderConfig("taskd-no-such-bucket"))
	require.NoError(t, err)

	_, err = p.List(ctx, provider.ListOptions{})
	require.Error(t, err)
	assert.True(t, provider.IsBucketNotFound(err), "got %v", err)
}
