// Package filestore implements the portable dualstore backend as plain
// record files under a single directory.
//
// The layout is deliberately boring: one file per key, key segments as
// subdirectories, bytes stored verbatim. A checkout can carry the directory
// anywhere (including through version control), which is the whole point of
// the portable side of the dual store.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/epistemd/pkg/dualstore"
)

const recordExt = ".json"

// Store is a dualstore.Backend over a directory of record files.
type Store struct {
	root string
}

// Open creates the root directory if needed and returns the store.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating record directory: %w", err)
	}
	return &Store{root: root}, nil
}

// Name implements dualstore.Backend.
func (s *Store) Name() string { return "filestore" }

// Put implements dualstore.Backend. Writes are atomic: the record lands in a
// temp file first and is renamed into place, so a crash mid-write never
// leaves a torn record behind.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*")
	if err != nil {
		return fmt.Errorf("creating temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming record into place: %w", err)
	}
	return nil
}

// Get implements dualstore.Backend.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	value, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, dualstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading record %q: %w", key, err)
	}
	return value, nil
}

// List implements dualstore.Backend.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), recordExt) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), recordExt)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking record directory: %w", err)
	}
	return keys, nil
}

// Delete implements dualstore.Backend. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing record %q: %w", key, err)
	}
	return nil
}

// Close implements dualstore.Backend.
func (s *Store) Close() error { return nil }

// pathFor maps a key to its file path, rejecting keys that would escape the
// root directory.
func (s *Store) pathFor(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty key")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("invalid key %q", key)
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(key)+recordExt), nil
}
