//go:build cloudintegration

package s3_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/framefarm/pkg/provider"
	"github.com/3leaps/framefarm/pkg/provider/s3"
	"github.com/3leaps/framefarm/pkg/publish"
	"github.com/3leaps/framefarm/test/cloudtest"
)

func newMotoProvider(t *testing.T, ctx context.Context, bucket string) *s3.Provider {
	t.Helper()
	p, err := s3.New(ctx, s3.Config{
		Bucket:          bucket,
		Endpoint:        cloudtest.Endpoint,
		Region:          cloudtest.Region,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProvider_PutAndHead_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	p := newMotoProvider(t, ctx, bucket)

	body := "v 0 0 0\nv 1 0 0\n"
	require.NoError(t, p.PutObject(ctx, "scan/Frame_3.obj", strings.NewReader(body), int64(len(body))))

	meta, err := p.Head(ctx, "scan/Frame_3.obj")
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), meta.Size)
	assert.Equal(t, s3.DefaultContentType, meta.ContentType)

	_, err = p.Head(ctx, "scan/Frame_4.obj")
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_MissingBucket_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	p := newMotoProvider(t, ctx, "framefarm-missing-bucket")
	err := p.PutObject(ctx, "Frame_1.obj", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, provider.ErrBucketNotFound)
}

func TestPublish_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	p := newMotoProvider(t, ctx, bucket)

	local := filepath.Join(t.TempDir(), "Frame_12.obj")
	require.NoError(t, os.WriteFile(local, []byte("v 1 2 3\n"), 0644))

	target, err := publish.ParseURI("s3://" + bucket + "/models")
	require.NoError(t, err)

	uri, err := publish.New(target, p, nil).Publish(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, "s3://"+bucket+"/models/Frame_12.obj", uri)
	assert.Equal(t, []byte("v 1 2 3\n"), cloudtest.GetObject(t, ctx, bucket, "models/Frame_12.obj"))
}
