// Package storage issues presigned URLs for call recordings in an
// S3-compatible bucket (Cloudflare R2 in production).
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

var (
	ErrIncompleteConfig   = errors.New("storage configuration incomplete")
	ErrUnsupportedContent = errors.New("unsupported recording content type")
)

// allowed recording container types and their file extensions
var recordingTypes = map[string]string{
	"audio/webm": ".webm",
	"video/webm": ".webm",
	"audio/ogg":  ".ogg",
	"audio/mp4":  ".m4a",
	"video/mp4":  ".mp4",
}

// Config locates the bucket. Endpoint is empty for AWS S3.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PresignTTL      time.Duration
}

// Upload is a presigned PUT for one recording
type Upload struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RecordingStore presigns recording uploads and downloads
type RecordingStore struct {
	presigner *s3.PresignClient
	bucket    string
	ttl       time.Duration
	now       func() time.Time
}

// NewRecordingStore creates a store using the AWS SDK v2 S3 client
func NewRecordingStore(cfg Config) (*RecordingStore, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.Bucket == "" {
		return nil, ErrIncompleteConfig
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}

	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}

	return &RecordingStore{
		presigner: s3.NewPresignClient(s3.New(opts)),
		bucket:    cfg.Bucket,
		ttl:       cfg.PresignTTL,
		now:       time.Now,
	}, nil
}

// RecordingKey builds the object key for a call recording of owner
func RecordingKey(owner string, callID uuid.UUID, contentType string) (string, error) {
	ext, ok := recordingTypes[normalizeContentType(contentType)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedContent, contentType)
	}
	return path.Join("recordings", owner, callID.String()+ext), nil
}

// PresignUpload returns a PUT URL for the recording of callID
func (s *RecordingStore) PresignUpload(ctx context.Context, owner string, callID uuid.UUID, contentType string) (*Upload, error) {
	key, err := RecordingKey(owner, callID, contentType)
	if err != nil {
		return nil, err
	}

	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(normalizeContentType(contentType)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.ttl
	})
	if err != nil {
		return nil, fmt.Errorf("presign PUT %s: %w", key, err)
	}

	return &Upload{
		Key:       key,
		URL:       req.URL,
		Method:    req.Method,
		ExpiresAt: s.now().Add(s.ttl),
	}, nil
}

// PresignDownload returns a GET URL for an uploaded recording
func (s *RecordingStore) PresignDownload(ctx context.Context, key string) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.ttl
	})
	if err != nil {
		return "", fmt.Errorf("presign GET %s: %w", key, err)
	}
	return req.URL, nil
}

func normalizeContentType(ct string) string {
	ct, _, _ = strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}
