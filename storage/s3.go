package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "rental_hunter/config"
)

// ObjectPutter is the slice of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver stores raw result pages in S3-compatible storage so parser
// regressions can be replayed against what the site actually served.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	now    func() time.Time
}

// NewS3Archiver builds a client for AWS S3 or, with an endpoint, for an
// S3-compatible service such as R2 or DO Spaces.
func NewS3Archiver(ctx context.Context, cfg appconfig.S3Config) (*S3Archiver, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return NewS3ArchiverWithClient(client, cfg.Bucket), nil
}

func NewS3ArchiverWithClient(client ObjectPutter, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, now: time.Now}
}

// ArchiveKey is raw/<site>/yyyy/mm/dd/<sha256 of body>.html, so identical
// pages fetched on the same day share one object.
func ArchiveKey(site string, at time.Time, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("raw/%s/%s/%s.html", site, at.UTC().Format("2006/01/02"), hex.EncodeToString(sum[:]))
}

func (a *S3Archiver) ArchivePage(ctx context.Context, site, url string, body []byte) (string, error) {
	key := ArchiveKey(site, a.now(), body)
	if err := a.upload(ctx, key, bytes.NewReader(body), "text/html; charset=utf-8", url); err != nil {
		return "", err
	}
	return key, nil
}

func (a *S3Archiver) upload(ctx context.Context, key string, data io.Reader, contentType, sourceURL string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{"source-url": sourceURL},
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
