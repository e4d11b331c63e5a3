package services

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxImageSize = 5 << 20
	presignExpiry       = 5 * time.Minute
)

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// S3API is the part of the S3 client BlobStore uses
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Presigner issues pre-signed upload URLs
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Config holds what NewS3Client needs
type S3Config struct {
	Region    string
	AccessKey string
	SecretKey string
	// Endpoint points at an S3 compatible server instead of AWS
	Endpoint string
}

// NewS3Client builds an S3 client, with static credentials when they are set
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// BlobStore uploads images and hands back their public URL
type BlobStore struct {
	client     S3API
	presigner  Presigner
	bucket     string
	publicBase string
	maxSize    int
}

// NewBlobStore creates a blob store over bucket. publicBase is the URL prefix
// objects are served from.
func NewBlobStore(client S3API, presigner Presigner, bucket, publicBase string, maxSize int) *BlobStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxImageSize
	}
	return &BlobStore{
		client:     client,
		presigner:  presigner,
		bucket:     bucket,
		publicBase: strings.TrimSuffix(publicBase, "/"),
		maxSize:    maxSize,
	}
}

// UploadImage stores data under folder and returns its public URL. Oversized
// and non image payloads are rejected before anything is sent.
func (b *BlobStore) UploadImage(ctx context.Context, data []byte, folder string) (string, error) {
	if len(data) > b.maxSize {
		return "", ErrImageTooLarge
	}
	contentType := http.DetectContentType(data)
	ext, ok := imageExtensions[contentType]
	if !ok {
		return "", ErrUnsupportedImage
	}

	key := fmt.Sprintf("%s/%s%s", strings.Trim(folder, "/"), uuid.New().String(), ext)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}

	log.Debug().Str("key", key).Int("size", len(data)).Msg("Image uploaded")
	return b.publicBase + "/" + key, nil
}

// UploadTarget is a pre-signed upload the client performs itself
type UploadTarget struct {
	UploadURL string `json:"upload_url"`
	PublicURL string `json:"public_url"`
	ExpiresIn int    `json:"expires_in"`
}

// PresignUpload returns a pre-signed PUT for an image of contentType in folder
func (b *BlobStore) PresignUpload(ctx context.Context, folder, contentType string) (*UploadTarget, error) {
	ext, ok := imageExtensions[contentType]
	if !ok {
		return nil, ErrUnsupportedImage
	}
	if b.presigner == nil {
		return nil, fmt.Errorf("pre-signed uploads are not configured")
	}

	key := fmt.Sprintf("%s/%s%s", strings.Trim(folder, "/"), uuid.New().String(), ext)
	request, err := b.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = presignExpiry
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate pre-signed URL: %w", err)
	}
	return &UploadTarget{
		UploadURL: request.URL,
		PublicURL: b.publicBase + "/" + key,
		ExpiresIn: int(presignExpiry.Seconds()),
	}, nil
}
