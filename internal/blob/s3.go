package blob

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hbomb79/Melody/pkg/logger"
)

var log = logger.Get("Blob")

// S3Store stores objects in an S3-compatible bucket (such as Cloudflare R2)
// using path-style addressing against a custom endpoint.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	config    Config
	now       func() time.Time
}

func NewS3Store(ctx context.Context, config Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(config.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 client config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(config.Endpoint)
		o.UsePathStyle = true
		// R2 rejects the default trailing CRC checksums
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	if config.PublicBaseURL == "" {
		config.PublicBaseURL = config.Endpoint
	}

	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		config:    config,
		now:       time.Now,
	}, nil
}

// Put uploads the data under a freshly generated key derived from the name
// and returns the durable URL of the new object.
func (store *S3Store) Put(ctx context.Context, name string, contentType string, data []byte) (string, error) {
	key := ObjectKey(store.now(), name)
	_, err := store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(store.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object '%s': %w", key, err)
	}

	log.Emit(logger.NEW, "Stored object %s (%d bytes)\n", key, len(data))
	return ObjectURL(store.config.PublicBaseURL, store.config.Bucket, key), nil
}

// Delete removes the object referenced by a URL previously returned from Put.
func (store *S3Store) Delete(ctx context.Context, objectURL string) error {
	key, err := KeyFromURL(objectURL)
	if err != nil {
		return err
	}

	if _, err := store.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(store.config.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete object '%s': %w", key, err)
	}

	log.Emit(logger.REMOVE, "Deleted object %s\n", key)
	return nil
}

// SignedURL returns a time limited GET URL for the object referenced by a
// URL previously returned from Put.
func (store *S3Store) SignedURL(ctx context.Context, objectURL string) (string, error) {
	key, err := KeyFromURL(objectURL)
	if err != nil {
		return "", err
	}

	req, err := store.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.config.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(store.config.SignedURLTTL()))
	if err != nil {
		return "", fmt.Errorf("failed to presign object '%s': %w", key, err)
	}

	return req.URL, nil
}
