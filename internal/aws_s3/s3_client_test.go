package aws_s3

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DrAndri/webstore-scraper/config"
	"github.com/DrAndri/webstore-scraper/internal/model"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	key  string
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = *in.Key
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

var ts = time.UnixMilli(1709294400000)

func TestSnapshotsKey(t *testing.T) {
	assert.Equal(t, "snapshots/tolvutek/1709294400000/snapshots.json", SnapshotsKey("snapshots", "Tolvutek", ts))
	assert.Equal(t, "a/b/elko-lindir/1709294400000/snapshots.json", SnapshotsKey("/a/b/", "Elko Lindir", ts))
	assert.Equal(t, "elko/1709294400000/snapshots.json", SnapshotsKey("", "elko", ts))
}

func TestWriteSnapshots(t *testing.T) {
	fake := &fakePutter{}
	bc := &S3BucketClient{
		client: fake,
		cfg:    &config.S3Config{BucketName: "prices", Region: "eu-west-1", KeyPrefix: "snapshots"},
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	snaps := []model.ProductSnapshot{{Sku: "AB-1", Price: 1000, URL: "https://shop.is/vara/AB-1"}}

	link := bc.WriteSnapshots(context.Background(), "elko", ts, snaps)
	assert.Equal(t, "https://prices.s3.eu-west-1.amazonaws.com/snapshots/elko/1709294400000/snapshots.json", link)
	var decoded []model.ProductSnapshot
	require.NoError(t, json.Unmarshal(fake.body, &decoded))
	assert.Equal(t, snaps, decoded)

	fake.err = errors.New("access denied")
	assert.Empty(t, bc.WriteSnapshots(context.Background(), "elko", ts, snaps))
}
