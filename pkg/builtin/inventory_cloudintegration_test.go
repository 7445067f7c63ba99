//go:build cloudintegration

package builtin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/taskd/pkg/job"
	"github.com/3leaps/taskd/pkg/output"
	"github.com/3leaps/taskd/test/cloudtest"
)

func TestInventory_S3AgainstMoto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutObject(t, ctx, bucket, "logs/2024/a.log", []byte("hello"))
	cloudtest.PutObject(t, ctx, bucket, "logs/2024/b.txt", []byte("skip"))
	cloudtest.PutObject(t, ctx, bucket, "other/c.log", []byte("elsewhere"))

	cfg := cloudtest.ProviderConfig(bucket)
	h := newHarness(t, map[string]any{
		"inv": map[string]any{
			"classname": "Inventory",
			"provider":  "s3",
			"s3": map[string]any{
				"bucket":            cfg.Bucket,
				"region":            cfg.Region,
				"endpoint":          cfg.Endpoint,
				"access_key_id":     cfg.AccessKeyID,
				"secret_access_key": cfg.SecretAccessKey,
				"force_path_style":  true,
			},
			"match": map[string]any{"include": []string{"logs/**/*.log"}},
		},
	}, nil)

	j := h.run(t, "inv", nil)
	require.Equal(t, job.StateCompleted, j.State(), "err: %v", j.Err())

	recs := recordTypes(t, readArtifact(t, h, j))
	require.Len(t, recs[output.TypeObject], 1)
	var obj output.ObjectRecord
	require.NoError(t, json.Unmarshal(recs[output.TypeObject][0].Data, &obj))
	assert.Equal(t, "logs/2024/a.log", obj.Key)
	assert.Equal(t, int64(5), obj.Size)
}
