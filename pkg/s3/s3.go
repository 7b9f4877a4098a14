package s3

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client uploads snapshot artifacts to a single bucket of an S3-compatible store.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
}

// NewClientFromEnv initialises a Client from the environment.
//
// Required environment variables:
//   - S3_ENDPOINT: host:port or full URL of the S3 endpoint.
//   - S3_BUCKET: bucket receiving snapshot artifacts.
//   - S3_ACCESS_KEY / S3_SECRET_KEY: static credentials.
//
// Optional environment variables:
//   - S3_REGION (default "us-east-1").
//   - S3_PREFIX (default "llvm-snapshots").
//   - S3_DISABLE_TLS (bool; default false) to toggle TLS usage.
//   - S3_FORCE_PATH_STYLE (bool; default true).
func NewClientFromEnv() (*Client, error) {
	endpoint := strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	bucket := strings.TrimSpace(os.Getenv("S3_BUCKET"))
	accessKey := os.Getenv("S3_ACCESS_KEY")
	secretKey := os.Getenv("S3_SECRET_KEY")

	var errs []error
	if endpoint == "" {
		errs = append(errs, errors.New("S3_ENDPOINT is required"))
	}
	if bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET is required"))
	}
	if accessKey == "" || secretKey == "" {
		errs = append(errs, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	disableTLS, _ := strconv.ParseBool(os.Getenv("S3_DISABLE_TLS"))
	forcePathStyle := true
	if v := strings.TrimSpace(os.Getenv("S3_FORCE_PATH_STYLE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			forcePathStyle = parsed
		}
	}
	prefix, ok := os.LookupEnv("S3_PREFIX")
	if !ok {
		prefix = "llvm-snapshots"
	}

	return New(context.Background(), Options{
		Endpoint:       endpoint,
		Region:         os.Getenv("S3_REGION"),
		Bucket:         bucket,
		Prefix:         prefix,
		AccessKey:      accessKey,
		SecretKey:      secretKey,
		DisableTLS:     disableTLS,
		ForcePathStyle: forcePathStyle,
	})
}

// Options configure New.
type Options struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	DisableTLS     bool
	ForcePathStyle bool
}

// New builds a Client from explicit options.
func New(ctx context.Context, o Options) (*Client, error) {
	if o.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if o.Region == "" {
		o.Region = "us-east-1"
	}
	endpoint := o.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if o.DisableTLS {
			scheme = "http"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	cfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(o.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")),
		// Must stay a BuildableClient so AWS_CA_BUNDLE can extend its transport.
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(5*time.Minute)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(opts *s3.Options) {
		opts.HTTPClient = tracedHTTPClient(cfg.HTTPClient)
		opts.UsePathStyle = o.ForcePathStyle
		if endpoint != "" {
			opts.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &Client{
		api:     client,
		presign: s3.NewPresignClient(client),
		bucket:  o.Bucket,
		prefix:  strings.Trim(o.Prefix, "/"),
	}, nil
}

// tracedHTTPClient wraps the transport resolved by config loading with otelhttp.
func tracedHTTPClient(c aws.HTTPClient) aws.HTTPClient {
	bc, ok := c.(*awshttp.BuildableClient)
	if !ok {
		return c
	}
	return &http.Client{
		Timeout:   bc.GetTimeout(),
		Transport: otelhttp.NewTransport(bc.GetTransport()),
	}
}

// Bucket returns the target bucket.
func (c *Client) Bucket() string { return c.bucket }

// Key joins the configured prefix with the given path elements.
func (c *Client) Key(elem ...string) string {
	return path.Join(append([]string{c.prefix}, elem...)...)
}

// PutObject uploads r to key with checksum metadata.
func (c *Client) PutObject(ctx context.Context, key string, r io.Reader, size int64, sha256Hex string) error {
	if c == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(sha256Hex)
	if err != nil {
		return err
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &c.bucket,
		Key:               &key,
		Body:              r,
		ContentLength:     &size,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata: map[string]string{
			"sha256": sha256Hex,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// PutFile uploads a local file to key and returns its hex SHA-256.
func (c *Client) PutFile(ctx context.Context, key, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", filePath, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	digest := hex.EncodeToString(h.Sum(nil))
	if err := c.PutObject(ctx, key, f, size, digest); err != nil {
		return "", err
	}
	return digest, nil
}

// PresignGet generates a presigned GET URL for key valid for ttl.
func (c *Client) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}

	return req.URL, nil
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
