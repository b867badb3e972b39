// Package backup copies the local store to S3-compatible object storage so a
// device can be restored with its unsynced changes intact.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dmitrijs2005/possync/internal/cryptox"
	"github.com/dmitrijs2005/possync/internal/filex"
	"github.com/dmitrijs2005/possync/internal/logging"
)

const (
	contentType       = "application/vnd.sqlite3"
	sealedContentType = "application/octet-stream"
	sealedSuffix      = ".enc"
)

var ErrNotConfigured = errors.New("backup bucket is not configured")

type S3Config struct {
	Bucket    string `json:"bucket" yaml:"bucket"`
	Region    string `json:"region" yaml:"region"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	// Passphrase seals snapshots before upload when set.
	Passphrase string `json:"passphrase" yaml:"passphrase"`
}

// NewS3Client builds a client for cfg. Static credentials are used when
// given, otherwise the default AWS chain. A custom endpoint switches to
// path-style addressing, which MinIO and most S3 clones expect.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Putter is the part of *s3.Client used for uploads.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Snapshot writes a consistent copy of db into dir and returns its path.
func Snapshot(ctx context.Context, db *sql.DB, dir string, at time.Time) (string, error) {
	dir, err := filex.EnsureSubDir(dir, "")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fileName(at))
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("failed to snapshot database: %w", err)
	}
	return path, nil
}

func fileName(at time.Time) string {
	return at.UTC().Format("20060102T150405Z") + ".db"
}

// Key is the object key of a snapshot taken at at on a device.
func Key(deviceID string, at time.Time) string {
	return "backups/" + deviceID + "/" + fileName(at)
}

type Result struct {
	Key  string
	Size int64
}

type Service struct {
	db       *sql.DB
	putter   Putter
	bucket   string
	deviceID string
	dir      string
	log      logging.Logger

	passphrase []byte
}

// New returns a backup service. dir holds snapshots while they upload.
func New(db *sql.DB, putter Putter, bucket, deviceID, dir string, log logging.Logger) *Service {
	if log == nil {
		log = logging.Nop()
	}
	return &Service{
		db:       db,
		putter:   putter,
		bucket:   bucket,
		deviceID: deviceID,
		dir:      dir,
		log:      logging.ForModule(log, "backup"),
	}
}

// WithPassphrase makes Run seal snapshots with passphrase. An empty
// passphrase uploads them as plain SQLite files.
func (s *Service) WithPassphrase(passphrase string) *Service {
	s.passphrase = []byte(passphrase)
	return s
}

// Run snapshots the store, uploads the snapshot and removes the local copy.
func (s *Service) Run(ctx context.Context, at time.Time) (*Result, error) {
	if s.bucket == "" || s.putter == nil {
		return nil, ErrNotConfigured
	}

	path, err := Snapshot(ctx, s.db, s.dir, at)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			s.log.Warn(ctx, "failed to remove snapshot", "path", path, "error", err)
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	key, ctype := Key(s.deviceID, at), contentType
	if len(s.passphrase) > 0 {
		if data, err = cryptox.Seal(data, s.passphrase); err != nil {
			return nil, fmt.Errorf("failed to seal snapshot: %w", err)
		}
		key, ctype = key+sealedSuffix, sealedContentType
	}

	size := int64(len(data))
	_, err = s.putter.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(ctype),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload snapshot: %w", err)
	}

	s.log.Info(ctx, "backup uploaded", "bucket", s.bucket, "key", key, "size", size, "sealed", len(s.passphrase) > 0)
	return &Result{Key: key, Size: size}, nil
}
