package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"k8s.io/klog/v2"
)

// S3Blobstore keeps artifacts in an S3 (or S3-compatible) bucket, keyed by hash.
type S3Blobstore struct {
	Bucket string
	Client *s3.Client
}

var _ Blobstore = (*S3Blobstore)(nil)

// NewS3Blobstore builds a client from the default AWS configuration chain.
// A non-empty endpoint selects an S3-compatible server with path-style addressing.
func NewS3Blobstore(ctx context.Context, bucket, endpoint string) (*S3Blobstore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Blobstore{Bucket: bucket, Client: client}, nil
}

func (s *S3Blobstore) url(info BlobInfo) string {
	return "s3://" + s.Bucket + "/" + info.Hash
}

func (s *S3Blobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		return err
	}
	s3URL := s.url(info)

	_, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(info.Hash),
	})
	if err == nil {
		log.Info("artifact already exists in S3", "url", s3URL)
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return fmt.Errorf("checking for object %q: %w", s3URL, err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	log.Info("uploading artifact to S3", "source", sourcePath, "destination", s3URL)
	startedAt := time.Now()
	if _, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(info.Hash),
		Body:   src,
	}); err != nil {
		return fmt.Errorf("uploading to S3 %q: %w", s3URL, err)
	}
	log.Info("uploaded artifact to S3", "url", s3URL, "duration", time.Since(startedAt))
	return nil
}

func (s *S3Blobstore) Download(ctx context.Context, info BlobInfo, destinationPath string) error {
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		return err
	}
	s3URL := s.url(info)
	log.Info("downloading artifact from S3", "source", s3URL, "destination", destinationPath)

	startedAt := time.Now()
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(info.Hash),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return fmt.Errorf("artifact %q: %w", s3URL, os.ErrNotExist)
		}
		return fmt.Errorf("getting object from S3 %q: %w", s3URL, err)
	}
	defer out.Body.Close()

	n, err := writeToFile(ctx, out.Body, destinationPath)
	if err != nil {
		return fmt.Errorf("downloading from S3: %w", err)
	}

	log.Info("downloaded artifact from S3", "source", s3URL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}
