package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Client wraps the AWS SDK v2 S3 client for S3-compatible object stores.
type Client struct {
	api *s3.Client
}

// Options selects the object store endpoint and credentials.
type Options struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	DisableTLS     bool
	ForcePathStyle bool
}

// OptionsFromEnv reads S3_ENDPOINT, S3_ACCESS_KEY, S3_SECRET_KEY, S3_REGION
// (default us-east-1), S3_DISABLE_TLS and S3_FORCE_PATH_STYLE (default true).
func OptionsFromEnv() Options {
	opts := Options{
		Endpoint:       strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
		Region:         os.Getenv("S3_REGION"),
		AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		SecretKey:      os.Getenv("S3_SECRET_KEY"),
		ForcePathStyle: true,
	}
	opts.DisableTLS, _ = strconv.ParseBool(os.Getenv("S3_DISABLE_TLS"))
	if v := strings.TrimSpace(os.Getenv("S3_FORCE_PATH_STYLE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			opts.ForcePathStyle = parsed
		}
	}
	return opts
}

// New builds a Client. Endpoint may be host:port or a full URL.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("S3_ENDPOINT is required")
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	endpoint := opts.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if opts.DisableTLS {
			scheme = "http"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	cfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, err
	}

	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.ForcePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &Client{api: api}, nil
}

// PutObject uploads r to bucket/key. sha256 is the hex digest of the body;
// the store verifies it and keeps it as object metadata.
func (c *Client) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string, meta map[string]string) error {
	if c == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(sha256)
	if err != nil {
		return err
	}

	metadata := map[string]string{"sha256": sha256}
	for k, v := range meta {
		metadata[k] = v
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &bucket,
		Key:               &key,
		Body:              r,
		ContentLength:     &size,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata:          metadata,
	})
	return err
}

// HeadBucket checks that bucket exists and is reachable with the configured credentials.
func (c *Client) HeadBucket(ctx context.Context, bucket string) error {
	if c == nil {
		return errors.New("nil client")
	}
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &bucket})
	return err
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
