package artifact

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

var _ Store = (*S3)(nil)

// S3 stores artifacts in a bucket. References have the form s3://bucket/key.
type S3 struct {
	client     s3iface.S3API
	bucketName string
}

// NewS3 creates an S3 store using the default AWS credential chain.
func NewS3(bucketName, region string) (*S3, error) {
	sess, err := session.NewSession(aws.NewConfig().WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return NewS3WithClient(s3.New(sess), bucketName), nil
}

func NewS3WithClient(client s3iface.S3API, bucketName string) *S3 {
	return &S3{client: client, bucketName: bucketName}
}

func (s *S3) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}
	if _, err := s.client.PutObjectWithContext(ctx, input); err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucketName, key), nil
}
