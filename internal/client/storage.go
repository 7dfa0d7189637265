package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/renderfleet/api/internal/config"
)

// StorageClient defines the object storage operations the orchestrator needs.
// Workers write their own chunk outputs; the orchestrator copies, deletes,
// and snapshots through this interface.
type StorageClient interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	HeadSize(ctx context.Context, key string) (int64, error)
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	GetPublicURL(key string) string
	BucketName() string
}

// S3Client implements StorageClient against any S3-compatible endpoint
// (AWS S3, Cloudflare R2, MinIO).
type S3Client struct {
	s3Client   *s3.Client
	presigner  *s3.PresignClient
	bucketName string
	publicURL  string
}

// NewS3Client creates a storage client from config.
func NewS3Client(cfg *config.StorageConfig) (*S3Client, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.BucketName == "" {
		return nil, fmt.Errorf("storage configuration incomplete")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg)

	return &S3Client{
		s3Client:   s3Client,
		presigner:  s3.NewPresignClient(s3Client),
		bucketName: cfg.BucketName,
		publicURL:  cfg.PublicURL,
	}, nil
}

// Upload writes an object and returns its public URL.
func (c *S3Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return c.GetPublicURL(key), nil
}

// Copy duplicates an object within the bucket.
func (c *S3Client) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := c.s3Client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucketName),
		CopySource: aws.String(c.bucketName + "/" + srcKey),
		Key:        aws.String(dstKey),
	})
	if err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// Delete removes a single object.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under the prefix and returns the total
// bytes freed.
func (c *S3Client) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	var freed int64
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucketName),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return freed, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if err := c.Delete(ctx, aws.ToString(obj.Key)); err != nil {
				return freed, err
			}
			freed += aws.ToInt64(obj.Size)
		}
	}
	return freed, nil
}

// HeadSize returns the stored size of an object in bytes.
func (c *S3Client) HeadSize(ctx context.Context, key string) (int64, error) {
	out, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to head %s: %w", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// GetSignedURL generates a presigned URL for temporary access.
func (c *S3Client) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	presignedReq, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return presignedReq.URL, nil
}

// GetPublicURL returns the public URL for a key.
func (c *S3Client) GetPublicURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", c.bucketName, key)
}

// BucketName returns the configured bucket.
func (c *S3Client) BucketName() string {
	return c.bucketName
}

// IsConfigured returns true if the client has valid configuration.
func (c *S3Client) IsConfigured() bool {
	return c.s3Client != nil && c.bucketName != ""
}
