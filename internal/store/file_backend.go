package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Rajchodisetti/marketcache/internal/observ"
)

const fileExt = ".json"

// FileBackend stores one JSON file per key under dir. File names are the
// base64url key so any key is a safe name. The directory is created on the
// first save.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+fileExt)
}

// LoadAll reads every entry file. Unreadable or corrupt files are skipped
// with a warning.
func (b *FileBackend) LoadAll(ctx context.Context) ([]*Entry, error) {
	files, err := os.ReadDir(b.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read persist dir: %w", err)
	}

	entries := make([]*Entry, 0, len(files))
	for _, f := range files {
		if ctx.Err() != nil {
			return entries, ctx.Err()
		}
		if f.IsDir() || !strings.HasSuffix(f.Name(), fileExt) {
			continue
		}
		e, err := readEntry(filepath.Join(b.dir, f.Name()))
		if err != nil {
			observ.Warn("tiered_store_load_skipped", map[string]any{"file": f.Name(), "error": err})
			observ.IncCounter("tiered_store_load_skipped_total", nil)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func readEntry(path string) (*Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeEntry(b)
}

// Save writes each entry to a temp file and renames it into place.
func (b *FileBackend) Save(ctx context.Context, entries []*Entry) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("create persist dir: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if err := b.writeEntry(e); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", e.Key, err))
		}
	}
	return errors.Join(errs...)
}

func (b *FileBackend) writeEntry(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	target := b.path(e.Key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func (b *FileBackend) Delete(ctx context.Context, keys []string) error {
	var errs []error
	for _, k := range keys {
		if err := os.Remove(b.path(k)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *FileBackend) Close() error { return nil }
