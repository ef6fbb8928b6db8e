// Package objectstore wires the S3 client used for artifacts: sessions,
// presigned download links and artifact downloads.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Settings locate and authenticate against an S3-compatible service
type Settings struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewSession builds a path-style session with static credentials
func NewSession(settings Settings) (*session.Session, error) {
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(settings.Endpoint),
		Region:           aws.String(settings.Region),
		Credentials:      credentials.NewStaticCredentials(settings.AccessKey, settings.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return sess, nil
}

// Presigner signs GET links for objects in one bucket
type Presigner struct {
	client *s3.S3
	bucket string
}

func NewPresigner(client *s3.S3, bucket string) *Presigner {
	return &Presigner{client: client, bucket: bucket}
}

// PresignGet returns a URL that downloads key until ttl elapses
func (p *Presigner) PresignGet(key string, ttl time.Duration) (string, error) {
	req, _ := p.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("failed to presign s3://%s/%s: %w", p.bucket, key, err)
	}
	return url, nil
}

// Fetcher downloads artifacts with concurrent ranged GETs
type Fetcher struct {
	downloader *s3manager.Downloader
	bucket     string
}

func NewFetcher(sess *session.Session, bucket string) *Fetcher {
	return &Fetcher{downloader: s3manager.NewDownloader(sess), bucket: bucket}
}

// Download writes the object at key into w and returns its size
func (f *Fetcher) Download(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	n, err := f.downloader.DownloadWithContext(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return n, fmt.Errorf("failed to download s3://%s/%s: %w", f.bucket, key, err)
	}
	return n, nil
}
