package sessioncache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrBlobNotFound = errors.New("session blob not found")

// BlobStore mirrors the session state to object storage so a fresh host can
// resume the session without local disk state.
type BlobStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// S3Config points at an S3-compatible endpoint. Credentials are read from
// files so they can be mounted as secrets.
type S3Config struct {
	Endpoint      string
	Bucket        string
	Prefix        string
	AccessKeyFile string
	SecretKeyFile string
	Region        string
}

const blobObjectName = "session.json"

type S3Store struct {
	client *minio.Client
	bucket string
	key    string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" || cfg.AccessKeyFile == "" || cfg.SecretKeyFile == "" {
		return nil, fmt.Errorf("missing blob configuration")
	}

	creds, err := fileCredentials(cfg.AccessKeyFile, cfg.SecretKeyFile)
	if err != nil {
		return nil, err
	}

	host, secure := splitEndpoint(cfg.Endpoint)
	if host == "" {
		return nil, fmt.Errorf("invalid blob endpoint: %q", cfg.Endpoint)
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "eightsleep"
	}
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		key:    path.Join(prefix, blobObjectName),
	}, nil
}

func (s *S3Store) Load(ctx context.Context) ([]byte, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, s.key, minio.StatObjectOptions{}); err != nil {
		return nil, mapBlobError(err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapBlobError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read session blob: %w", mapBlobError(err))
	}
	return data, nil
}

func (s *S3Store) Save(ctx context.Context, data []byte) error {
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	_, err := s.client.PutObject(ctx, s.bucket, s.key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return mapBlobError(err)
	}
	return nil
}

func mapBlobError(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrBlobNotFound
	}
	return err
}

// splitEndpoint accepts either a bare host:port (TLS assumed) or a full
// http(s) URL, as minio wants the scheme separated out.
func splitEndpoint(endpoint string) (host string, secure bool) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, true
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false
	}
	return u.Host, u.Scheme != "http"
}

func fileCredentials(accessKeyFile, secretKeyFile string) (*credentials.Credentials, error) {
	accessKey, err := os.ReadFile(accessKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read blob access key: %w", err)
	}
	secretKey, err := os.ReadFile(secretKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read blob secret key: %w", err)
	}
	return credentials.NewStaticV4(
		strings.TrimSpace(string(accessKey)),
		strings.TrimSpace(string(secretKey)),
		"",
	), nil
}
