package health

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
)

func TestWithTimeout(t *testing.T) {
	slow := CheckerFunc(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	err := WithTimeout(slow, 10*time.Millisecond).HealthCheck(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("HealthCheck() = %v, want deadline exceeded", err)
	}

	ok := CheckerFunc(func(context.Context) error { return nil })
	if err := WithTimeout(ok, time.Second).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}
}

func TestDBChecker_Creation(t *testing.T) {
	db := &sql.DB{}
	if checker := NewDBChecker(db); checker.db != db {
		t.Error("expected checker db to match provided db")
	}
}

func TestRedisChecker_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 50 * time.Millisecond})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := NewRedisChecker(client).HealthCheck(ctx); err == nil {
		t.Error("expected an error for an unreachable Redis")
	}
}

type fakeHeadBucket struct {
	err    error
	bucket string
}

func (f *fakeHeadBucket) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.bucket = aws.ToString(in.Bucket)
	return &s3.HeadBucketOutput{}, f.err
}

func TestBucketChecker(t *testing.T) {
	tests := []struct {
		name    string
		bucket  string
		err     error
		wantErr string
	}{
		{"reachable", "autocash-exports", nil, ""},
		{"missing bucket name", "", nil, "not configured"},
		{"head fails", "autocash-exports", errors.New("403 Forbidden"), "unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeHeadBucket{err: tt.err}
			err := NewBucketChecker(fake, tt.bucket).HealthCheck(context.Background())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("HealthCheck() = %v", err)
				}
				if fake.bucket != tt.bucket {
					t.Errorf("HeadBucket called for %q, want %q", fake.bucket, tt.bucket)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("HealthCheck() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
