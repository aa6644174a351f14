package evidence

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

// BlobStore holds raw artifact bytes. Keys are content-addressed, so a Put of
// an existing key is a successful no-op.
type BlobStore interface {
	// Put stores data under key and returns its storage location.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get reads the bytes at a location returned by Put.
	Get(ctx context.Context, location string) ([]byte, error)
}

// NewBlobStore builds the backend named by cfg.Backend.
func NewBlobStore(ctx context.Context, cfg config.EvidenceConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "", "local":
		return NewFileBlobStore(cfg.Dir)
	case "gcs":
		return NewGCSBlobStore(ctx, cfg.Bucket, cfg.CredentialsFile)
	default:
		return nil, eris.Errorf("evidence: unknown blob backend %q", cfg.Backend)
	}
}

// FileBlobStore keeps blobs under a local directory.
type FileBlobStore struct {
	root string
}

// NewFileBlobStore creates root if needed.
func NewFileBlobStore(root string) (*FileBlobStore, error) {
	if root == "" {
		return nil, eris.New("evidence: blob directory is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: resolve blob directory %s", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, eris.Wrapf(err, "evidence: create blob directory %s", abs)
	}
	return &FileBlobStore{root: abs}, nil
}

// Put implements BlobStore. Writes go through a temp file and rename.
func (s *FileBlobStore) Put(_ context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrapf(err, "evidence: create blob dir for %s", key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", eris.Wrapf(err, "evidence: create temp blob for %s", key)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", eris.Wrapf(err, "evidence: write blob %s", key)
	}
	if err := tmp.Close(); err != nil {
		return "", eris.Wrapf(err, "evidence: close blob %s", key)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", eris.Wrapf(err, "evidence: rename blob %s", key)
	}
	return path, nil
}

// Get implements BlobStore.
func (s *FileBlobStore) Get(_ context.Context, location string) ([]byte, error) {
	rel, err := filepath.Rel(s.root, location)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, eris.Errorf("evidence: location %s is outside %s", location, s.root)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: read blob %s", location)
	}
	return data, nil
}

// GCSBlobStore keeps blobs in a Cloud Storage bucket.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
}

// NewGCSBlobStore opens a storage client. An empty credentialsFile uses
// application default credentials.
func NewGCSBlobStore(ctx context.Context, bucket, credentialsFile string) (*GCSBlobStore, error) {
	if bucket == "" {
		return nil, eris.New("evidence: gcs bucket is empty")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, eris.Wrapf(err, "evidence: credentials file %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: create gcs client")
	}
	return &GCSBlobStore{client: client, bucket: bucket}, nil
}

// Put implements BlobStore. The write is conditional on the object not
// existing, so a precondition failure means the blob is already stored.
func (s *GCSBlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	location := "gs://" + s.bucket + "/" + key
	obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", classifyGCS(err, "write "+location)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return location, nil
		}
		return "", classifyGCS(err, "close "+location)
	}
	return location, nil
}

// Get implements BlobStore.
func (s *GCSBlobStore) Get(ctx context.Context, location string) ([]byte, error) {
	key, ok := strings.CutPrefix(location, "gs://"+s.bucket+"/")
	if !ok {
		return nil, eris.Errorf("evidence: location %s is not in bucket %s", location, s.bucket)
	}
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, classifyGCS(err, "open "+location)
	}
	defer r.Close() //nolint:errcheck
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classifyGCS(err, "read "+location)
	}
	return data, nil
}

// Close releases the storage client.
func (s *GCSBlobStore) Close() error {
	return s.client.Close()
}

// classifyGCS marks throttling and server errors as transient.
func classifyGCS(err error, action string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && resilience.IsTransientHTTPStatus(gerr.Code) {
		return resilience.NewTransientError(eris.Wrapf(err, "evidence: gcs %s", action), gerr.Code)
	}
	return eris.Wrapf(err, "evidence: gcs %s", action)
}
