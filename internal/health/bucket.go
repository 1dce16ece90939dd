package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// HeadBucketAPI is the subset of the S3 client used by BucketChecker.
type HeadBucketAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// BucketChecker verifies that the DSAR export bucket exists and the
// configured credentials can reach it.
type BucketChecker struct {
	client HeadBucketAPI
	bucket string
}

// NewBucketChecker creates a checker for bucket.
func NewBucketChecker(client HeadBucketAPI, bucket string) *BucketChecker {
	return &BucketChecker{client: client, bucket: bucket}
}

// HealthCheck issues a HeadBucket request.
func (b *BucketChecker) HealthCheck(ctx context.Context) error {
	if b.bucket == "" {
		return errors.New("export bucket not configured")
	}
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return fmt.Errorf("export bucket %s unreachable: %w", b.bucket, err)
	}
	return nil
}
