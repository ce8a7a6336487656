package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"github.com/rthomas/spiceai/dataconnector"
	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/secrets"
	"github.com/rthomas/spiceai/spec"
)

const (
	SourceFile = "file"
	SourceS3   = "s3"
)

// ErrUnsupportedSource is returned for model sources with no loader
var ErrUnsupportedSource = stderrors.New("unsupported model source")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectGetter is the subset of the S3 client used to fetch artifacts
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Factory builds the client for one load
type S3Factory func(ctx context.Context, cfg dataconnector.S3ClientConfig) (ObjectGetter, error)

// Loader copies model artifacts into a local cache directory
type Loader struct {
	cacheDir string
	newS3    S3Factory
	logger   *slog.Logger
	now      func() time.Time
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithLogger sets the loader's logger
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithS3Factory overrides how S3 clients are built
func WithS3Factory(f S3Factory) LoaderOption {
	return func(l *Loader) {
		if f != nil {
			l.newS3 = f
		}
	}
}

// NewLoader creates a loader caching artifacts under cacheDir
func NewLoader(cacheDir string, opts ...LoaderOption) *Loader {
	l := &Loader{
		cacheDir: cacheDir,
		newS3: func(ctx context.Context, cfg dataconnector.S3ClientConfig) (ObjectGetter, error) {
			client, err := dataconnector.NewS3Client(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load materializes m into the cache. Artifacts ending in .zst are stored
// decompressed. The secret is the one registered for the model's source.
func (l *Loader) Load(ctx context.Context, m spec.Model, secret secrets.Secret) (*Model, error) {
	src, name, err := l.open(ctx, m, secret)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var r io.Reader = src
	if strings.HasSuffix(name, ".zst") {
		dec, err := zstd.NewReader(src)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "open zstd stream for "+m.Name)
		}
		defer dec.Close()
		r = dec
		name = strings.TrimSuffix(name, ".zst")
	}

	if err := os.MkdirAll(l.cacheDir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "create cache dir")
	}

	out := newModel(m)
	out.Path = filepath.Join(l.cacheDir, unsafeChars.ReplaceAllString(m.Name, "_")+"-"+unsafeChars.ReplaceAllString(name, "_"))
	out.SHA256, out.Size, err = writeFile(out.Path, r)
	if err != nil {
		return nil, errors.WrapTransient(err, "Loader", "Load", "write "+m.Name)
	}
	if want := m.Params["sha256"]; want != "" && !strings.EqualFold(want, out.SHA256) {
		_ = os.Remove(out.Path)
		return nil, errors.WrapInvalid(fmt.Errorf("sha256 mismatch: want %s, got %s", want, out.SHA256),
			"Loader", "Load", "verify "+m.Name)
	}
	out.LoadedAt = l.now()

	l.logger.Debug("model artifact cached", "model", m.Name, "path", out.Path, "bytes", out.Size)
	return out, nil
}

// open returns the artifact stream and its base name
func (l *Loader) open(ctx context.Context, m spec.Model, secret secrets.Secret) (io.ReadCloser, string, error) {
	switch m.Source() {
	case SourceFile:
		p := m.Path()
		if p == "" {
			return nil, "", errors.WrapInvalid(fmt.Errorf("empty path in %q", m.From), "Loader", "open", "resolve "+m.Name)
		}
		if !filepath.IsAbs(p) && m.BaseDir != "" {
			p = filepath.Join(m.BaseDir, p)
		}
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, "", errors.WrapInvalid(err, "Loader", "open", "open "+m.Name)
			}
			return nil, "", errors.WrapTransient(err, "Loader", "open", "open "+m.Name)
		}
		return f, filepath.Base(p), nil

	case SourceS3:
		bucket, key, _ := strings.Cut(m.Path(), "/")
		if bucket == "" || key == "" {
			return nil, "", errors.WrapInvalid(fmt.Errorf("want s3://bucket/key, got %q", m.From), "Loader", "open", "resolve "+m.Name)
		}
		client, err := l.newS3(ctx, dataconnector.S3ConfigFrom(secret, m.Params))
		if err != nil {
			return nil, "", errors.WrapTransient(err, "Loader", "open", "create s3 client")
		}
		obj, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, "", errors.WrapTransient(err, "Loader", "open", fmt.Sprintf("get s3://%s/%s", bucket, key))
		}
		return obj.Body, path.Base(key), nil

	default:
		return nil, "", errors.WrapInvalid(fmt.Errorf("%w: %s", ErrUnsupportedSource, m.Source()), "Loader", "open", "resolve "+m.Name)
	}
}

// writeFile copies r into path through a temp file and returns its digest and size
func writeFile(path string, r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
