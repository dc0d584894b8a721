// Package blobstore stores capture images in an S3-compatible bucket.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/woundscan/internal/config"
	"github.com/example/woundscan/internal/imageprocessor"
	"github.com/example/woundscan/internal/logging"
)

// TransformSpec is applied to an image before it is stored.
type TransformSpec struct {
	MaxSide   int
	MaxPixels int
}

// UploadResult describes a stored image.
type UploadResult struct {
	DeliveryURL  string
	CanonicalURL string
	StorageID    string
	Width        int
	Height       int
	Format       string
}

// BlobInfo is an entry of a namespace listing.
type BlobInfo struct {
	StorageID    string
	LastModified time.Time
}

// S3API is the subset of the S3 client the store needs.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store uploads, lists and deletes images under namespace prefixes of one bucket.
type S3Store struct {
	client        S3API
	bucket        string
	publicBaseURL string
	logger        *zap.Logger
	newID         func() string
}

// NewS3Client builds an S3 client from configuration. Static credentials are used when an
// access key is configured, otherwise the default AWS credential chain applies.
func NewS3Client(ctx context.Context, cfg config.BlobConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// NewS3Store returns a store writing to bucket. publicBaseURL prefixes delivery URLs; when
// empty, the virtual-hosted bucket URL is used.
func NewS3Store(client S3API, bucket, publicBaseURL string, logger *zap.Logger) *S3Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publicBaseURL == "" {
		publicBaseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	return &S3Store{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger,
		newID:         func() string { return uuid.NewString() },
	}
}

// Upload applies transform to raw and writes the result under namespace.
func (s *S3Store) Upload(ctx context.Context, namespace string, raw []byte, transform TransformSpec) (*UploadResult, error) {
	bounded, err := imageprocessor.BoundLongestSide(raw, transform.MaxSide, transform.MaxPixels)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/%s.%s", strings.Trim(namespace, "/"), s.newID(), bounded.Format)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(bounded.Data),
		ContentType: aws.String(bounded.ContentType()),
	})
	if err != nil {
		wrapped := logging.NewOperationError("blobstore.upload", "", err)
		s.logger.Error("failed to put object", zap.Error(wrapped), zap.String("key", key))
		return nil, wrapped
	}

	return &UploadResult{
		DeliveryURL:  s.publicBaseURL + "/" + key,
		CanonicalURL: fmt.Sprintf("s3://%s/%s", s.bucket, key),
		StorageID:    key,
		Width:        bounded.Width,
		Height:       bounded.Height,
		Format:       bounded.Format,
	}, nil
}

// Delete removes the object stored under storageID.
func (s *S3Store) Delete(ctx context.Context, storageID string) error {
	if storageID == "" {
		return errors.New("empty storage id")
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storageID),
	})
	if err != nil {
		return logging.NewOperationError("blobstore.delete", "", err)
	}
	return nil
}

// List returns objects of namespace last modified before olderThan.
func (s *S3Store) List(ctx context.Context, namespace string, olderThan time.Time) ([]BlobInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(strings.Trim(namespace, "/") + "/"),
	})

	var out []BlobInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, logging.NewOperationError("blobstore.list", "", err)
		}
		for _, obj := range page.Contents {
			modified := aws.ToTime(obj.LastModified)
			if !modified.Before(olderThan) {
				continue
			}
			out = append(out, BlobInfo{StorageID: aws.ToString(obj.Key), LastModified: modified})
		}
	}
	return out, nil
}
