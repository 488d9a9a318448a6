package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	manifestFile     = "manifest.json"
	generationPrefix = "gen-"
)

// fileNames maps artifact keys to file names inside a generation directory.
var fileNames = map[string]string{
	KeyScaler:    KeyScaler + ".json",
	KeyClusterer: KeyClusterer + ".json",
	KeyTable:     KeyTable + ".arrows",
}

// FileStore keeps artifacts on local disk. Each save writes a new generation
// directory and then renames manifest.json into place, which is the commit
// point. Older generations are removed after the commit.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory %q: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger.Named("file-store")}, nil
}

func (s *FileStore) Save(ctx context.Context, a *Artifacts) error {
	if err := a.validate(); err != nil {
		return err
	}
	blobs, manifest, err := encode(a)
	if err != nil {
		return err
	}

	gen := generationPrefix + a.Manifest.Generation
	genDir := filepath.Join(s.dir, gen)
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		return fmt.Errorf("create generation directory: %w", err)
	}
	for _, key := range Keys {
		if err := ctx.Err(); err != nil {
			_ = os.RemoveAll(genDir)
			return err
		}
		if err := writeFileSync(filepath.Join(genDir, fileNames[key]), blobs[key]); err != nil {
			_ = os.RemoveAll(genDir)
			return fmt.Errorf("write %s: %w", key, err)
		}
	}

	tmp := filepath.Join(s.dir, manifestFile+".tmp")
	if err := writeFileSync(tmp, manifest); err != nil {
		_ = os.RemoveAll(genDir)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, manifestFile)); err != nil {
		_ = os.RemoveAll(genDir)
		return fmt.Errorf("commit manifest: %w", err)
	}

	s.prune(gen)
	s.logger.Info("artifacts saved",
		zap.String("generation", a.Manifest.Generation),
		zap.String("dir", genDir))
	return nil
}

func (s *FileStore) Load(ctx context.Context) (*Artifacts, error) {
	manifest, err := os.ReadFile(filepath.Join(s.dir, manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(keyManifest)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	m, err := decodeManifest(manifest)
	if err != nil {
		return nil, err
	}
	genDir := filepath.Join(s.dir, generationPrefix+m.Generation)

	blobs := make(map[string][]byte, len(Keys))
	for _, key := range Keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := os.ReadFile(filepath.Join(genDir, fileNames[key]))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		blobs[key] = b
	}
	return decode(manifest, blobs)
}

func (s *FileStore) Close() error {
	return nil
}

// prune removes generation directories other than keep.
func (s *FileStore) prune(keep string) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("list store directory", zap.Error(err))
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keep || !strings.HasPrefix(e.Name(), generationPrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Warn("remove old generation", zap.String("generation", e.Name()), zap.Error(err))
		}
	}
}

func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
