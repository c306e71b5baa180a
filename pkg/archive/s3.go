// Package archive snapshots every generated artifact to an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Options configures the archive bucket. Endpoint may be a bare host:port for
// S3-compatible stores; path-style addressing is used whenever Endpoint is set.
type Options struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Snapshot identifies the artifact being archived.
type Snapshot struct {
	TaskID string
	Round  int
	RunID  string
	HTML   string
}

type Client struct {
	api    *s3.Client
	bucket string
}

func New(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &Client{api: client, bucket: opts.Bucket}, nil
}

// Key is the object key for a snapshot: <task>/round-<n>/<run>/index.html.
func Key(s Snapshot) string {
	return fmt.Sprintf("%s/round-%d/%s/index.html", s.TaskID, s.Round, s.RunID)
}

// Put uploads the snapshot with a SHA-256 checksum and returns its key.
func (c *Client) Put(ctx context.Context, s Snapshot) (string, error) {
	if c == nil {
		return "", errors.New("nil archive client")
	}

	body := []byte(s.HTML)
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	key := Key(s)
	size := int64(len(body))

	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(c.bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(body),
		ContentLength:     &size,
		ContentType:       aws.String("text/html; charset=utf-8"),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(checksum),
		Metadata: map[string]string{
			"sha256": digest,
			"task":   s.TaskID,
			"round":  fmt.Sprint(s.Round),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}
