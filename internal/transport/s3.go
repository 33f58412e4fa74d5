package transport

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// putObjectAPI is the slice of the S3 client the sender needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sender drops each batch into a bucket as a gzipped JSON object, for
// devices that hand off to a bucket instead of talking to a collector.
type S3Sender struct {
	client putObjectAPI
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Sender wraps an existing client.
func NewS3Sender(client putObjectAPI, bucket, prefix string) *S3Sender {
	return &S3Sender{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// NewS3SenderFromEnv loads AWS credentials and region the standard way.
func NewS3SenderFromEnv(ctx context.Context, region, bucket, prefix string) (*S3Sender, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3Sender(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// Post ignores url; the object lands under <prefix>/<yyyy>/<mm>/<dd>/<uuid>.json.gz.
func (s *S3Sender) Post(ctx context.Context, _ string, body []byte) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return fmt.Errorf("gzip batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("gzip batch: %w", err)
	}

	key := s.objectKey()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Sender) objectKey() string {
	now := s.now().UTC()
	return path.Join(s.prefix, now.Format("2006"), now.Format("01"), now.Format("02"), uuid.NewString()+".json.gz")
}
