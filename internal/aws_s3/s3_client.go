package aws_s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/DrAndri/webstore-scraper/config"
	"github.com/DrAndri/webstore-scraper/internal/model"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BucketClient archives the raw snapshots of a run. WriteSnapshots returns
// the object link, or "" when nothing was written.
type BucketClient interface {
	WriteSnapshots(ctx context.Context, store string, timestamp time.Time, snapshots []model.ProductSnapshot) string
}

type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3BucketClient struct {
	client putter
	cfg    *config.S3Config
	log    *slog.Logger
}

func NewS3BucketClient(cfg *config.S3Config, log *slog.Logger) *S3BucketClient {
	log.Info("connecting to s3...")
	ctx := context.Background()

	s3Config, err := awsCfg.LoadDefaultConfig(ctx,
		awsCfg.WithCredentialsProvider(crd.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, "")),
		awsCfg.WithRegion(cfg.Region),
		awsCfg.WithBaseEndpoint(cfg.AwsBaseEndpoint))
	if err != nil {
		log.Error("failed to load s3 config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// LocalStack does not support `virtual host addressing style` that uses s3 by default.
	// For test purposes use configuration with disabled 'virtual hosted bucket addressing'.
	var s3client *s3.Client
	if cfg.AwsAccessKey == "test" {
		log.Warn("test configuration for s3")
		s3client = s3.NewFromConfig(s3Config, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	} else {
		s3client = s3.NewFromConfig(s3Config)
	}
	log.Info("connected to s3")

	return &S3BucketClient{
		client: s3client,
		cfg:    cfg,
		log:    log,
	}
}

func (bc *S3BucketClient) WriteSnapshots(ctx context.Context, store string, timestamp time.Time,
	snapshots []model.ProductSnapshot) string {
	s3Key := SnapshotsKey(bc.cfg.KeyPrefix, store, timestamp)
	body, err := json.Marshal(snapshots)
	if err != nil {
		bc.log.Error("marshaling failed.", slog.String("err", err.Error()))
		return ""
	}

	_, err = bc.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bc.cfg.BucketName,
		Key:         &s3Key,
		Body:        bytes.NewReader(body),
		ContentType: strPtr("application/json"),
	})
	if err != nil {
		bc.log.Error("failed to save snapshots to s3.", slog.String("store", store), slog.String("err", err.Error()))
		return ""
	}
	bc.log.Debug("snapshots saved to s3.", slog.String("key", s3Key))

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bc.cfg.BucketName, bc.cfg.Region, s3Key)
}

// SnapshotsKey builds <prefix>/<store>/<unix ms>/snapshots.json.
func SnapshotsKey(prefix, store string, timestamp time.Time) string {
	name := strings.Join(strings.Fields(strings.ToLower(store)), "-")
	key := fmt.Sprintf("%s/%d/snapshots.json", name, timestamp.UnixMilli())
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

func strPtr(s string) *string { return &s }

// NopBucketClient is used when no bucket is configured.
type NopBucketClient struct{}

func (NopBucketClient) WriteSnapshots(context.Context, string, time.Time, []model.ProductSnapshot) string {
	return ""
}
