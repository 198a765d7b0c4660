package vision

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BerylCAtieno/upload-insights-api/internal/storage"
)

// ObjectSource is the read side of the object store.
type ObjectSource interface {
	List(ctx context.Context, prefix string) ([]storage.Object, error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

// ModelKey is where the latest model for a category is published.
func ModelKey(folder, category string) string {
	return storage.Key(folder, category+"_latest"+ModelFileSuffix)
}

// SyncModels copies published model files under prefix into dir, returning
// the number of files written.
func SyncModels(ctx context.Context, src ObjectSource, prefix, dir string) (int, error) {
	objs, err := src.List(ctx, strings.TrimSuffix(prefix, "/")+"/")
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create model dir: %w", err)
	}

	n := 0
	for _, obj := range objs {
		name := path.Base(obj.Key)
		if !strings.HasSuffix(name, ModelFileSuffix) {
			continue
		}
		if err := copyObject(ctx, src, obj.Key, filepath.Join(dir, name)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func copyObject(ctx context.Context, src ObjectSource, key, dst string) error {
	rc, err := src.Download(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".model-*")
	if err != nil {
		return fmt.Errorf("create temp model: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return fmt.Errorf("copy model %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
