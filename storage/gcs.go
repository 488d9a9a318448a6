package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore keeps artifacts in a Cloud Storage bucket under prefix. Artifacts
// are uploaded under a generation prefix first; the manifest object written
// last is the commit point.
type GCSStore struct {
	client *gcs.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewGCSStore creates a client for bucket.
func NewGCSStore(ctx context.Context, bucket, prefix string, logger *zap.Logger, opts ...option.ClientOption) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs store: empty bucket name")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append(opts, option.WithScopes(gcs.ScopeReadWrite))
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("gcs-store"),
	}, nil
}

func (s *GCSStore) object(parts ...string) string {
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *GCSStore) Save(ctx context.Context, a *Artifacts) error {
	if err := a.validate(); err != nil {
		return err
	}
	blobs, manifest, err := encode(a)
	if err != nil {
		return err
	}
	gen := generationPrefix + a.Manifest.Generation
	for _, key := range Keys {
		if err := s.upload(ctx, s.object(gen, fileNames[key]), blobs[key]); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}
	if err := s.upload(ctx, s.object(manifestFile), manifest); err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}
	s.prune(ctx, gen)
	s.logger.Info("artifacts saved",
		zap.String("bucket", s.bucket),
		zap.String("generation", a.Manifest.Generation))
	return nil
}

func (s *GCSStore) Load(ctx context.Context) (*Artifacts, error) {
	manifest, err := s.download(ctx, s.object(manifestFile))
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, notFound(keyManifest)
	}
	if err != nil {
		return nil, fmt.Errorf("download manifest: %w", err)
	}
	m, err := decodeManifest(manifest)
	if err != nil {
		return nil, err
	}

	gen := generationPrefix + m.Generation
	blobs := make(map[string][]byte, len(Keys))
	for _, key := range Keys {
		b, err := s.download(ctx, s.object(gen, fileNames[key]))
		if errors.Is(err, gcs.ErrObjectNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", key, err)
		}
		blobs[key] = b
	}
	return decode(manifest, blobs)
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) upload(ctx context.Context, name string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if strings.HasSuffix(name, ".json") {
		w.ContentType = "application/json"
	} else {
		w.ContentType = "application/vnd.apache.arrow.stream"
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (s *GCSStore) download(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()
	return io.ReadAll(r)
}

// prune deletes objects of generations other than keep.
func (s *GCSStore) prune(ctx context.Context, keep string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	keepPrefix := s.object(keep) + "/"
	it := s.client.Bucket(s.bucket).Objects(ctx, &gcs.Query{Prefix: s.object(generationPrefix)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return
		}
		if err != nil {
			s.logger.Warn("list old generations", zap.Error(err))
			return
		}
		if strings.HasPrefix(attrs.Name, keepPrefix) {
			continue
		}
		if err := s.client.Bucket(s.bucket).Object(attrs.Name).Delete(ctx); err != nil {
			s.logger.Warn("delete old artifact", zap.String("object", attrs.Name), zap.Error(err))
		}
	}
}
