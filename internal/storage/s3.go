package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/doc-extract/backend/internal/models"
)

// S3Config configures an S3-compatible bucket (AWS, R2, MinIO).
type S3Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Store implements Store on top of an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string

	mu    sync.RWMutex
	files map[string]*models.FileInfo
}

// NewS3Store builds a client with static credentials and an optional custom
// endpoint.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg := aws.Config{
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		Region:      region,
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		files:  make(map[string]*models.FileInfo),
	}, nil
}

// ObjectKey returns the key a payload id is stored under.
func (s *S3Store) ObjectKey(id string) string {
	return path.Join(s.prefix, "uploads", id)
}

// Save uploads the payload.
func (s *S3Store) Save(ctx context.Context, id, name, contentType string, r io.Reader) (*models.FileInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := s.ObjectKey(id)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"filename": name},
	})
	if err != nil {
		return nil, fmt.Errorf("putting object %s: %w", key, err)
	}

	info := &models.FileInfo{
		ID:          id,
		Name:        name,
		Size:        int64(len(data)),
		ContentType: contentType,
		UploadedAt:  time.Now(),
		Location:    key,
	}

	s.mu.Lock()
	s.files[id] = info
	s.mu.Unlock()

	return info, nil
}

// Get returns metadata recorded at save time.
func (s *S3Store) Get(id string) (*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return info, nil
}

// Open streams the object body.
func (s *S3Store) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.ObjectKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("getting object: %w", err)
	}
	return out.Body, nil
}

// Delete removes the object. Missing objects are not an error.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.ObjectKey(id)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting object: %w", err)
	}

	s.mu.Lock()
	delete(s.files, id)
	s.mu.Unlock()
	return nil
}

// Exists reports whether the object is present in the bucket.
func (s *S3Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.ObjectKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
