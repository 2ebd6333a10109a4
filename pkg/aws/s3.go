package aws

import (
	"bytes"
	"context"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore uploads documents and hands out time-limited download links.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key, contentType string, body []byte) error
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

type S3Client struct {
	client    *s3.Client
	presigner *s3.PresignClient
}

// NewS3Client creates a new S3 client from AWS config.
func NewS3Client(cfg sdkaws.Config) *S3Client {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		// LocalStack needs path-style addressing when an endpoint override is set.
		o.UsePathStyle = cfg.BaseEndpoint != nil
	})
	return &S3Client{client: client, presigner: s3.NewPresignClient(client)}
}

func (c *S3Client) Put(ctx context.Context, bucket, key, contentType string, body []byte) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      sdkaws.String(bucket),
		Key:         sdkaws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: sdkaws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignGet generates a presigned GET URL for the provided bucket/key.
func (c *S3Client) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	presigned, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: sdkaws.String(bucket),
		Key:    sdkaws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign get object: %w", err)
	}
	return presigned.URL, nil
}
