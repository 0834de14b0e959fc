// Package storage persists sealed report artifacts.
package storage

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const fsScheme = "fs://"

// FS stores objects as files under Root. Locators have the form fs://<key>.
type FS struct {
	Root string
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("empty object key")
	}
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != strings.TrimPrefix(key, "/") || strings.Contains(clean, "..") {
		return "", errors.Errorf("invalid object key %q", key)
	}
	return clean, nil
}

// KeyOf extracts the object key from a locator.
func KeyOf(locator string) (string, error) {
	if !strings.HasPrefix(locator, fsScheme) {
		return "", errors.Errorf("unsupported locator %q", locator)
	}
	return cleanKey(strings.TrimPrefix(locator, fsScheme))
}

func (s FS) path(key string) string {
	return filepath.Join(s.Root, filepath.FromSlash(key))
}

// Put writes data under key. The file appears atomically.
func (s FS) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", errors.Wrap(err, "create object directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", errors.Wrap(err, "create temp object")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "write object")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "sync object")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "close object")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", errors.Wrap(err, "publish object")
	}
	return fsScheme + key, nil
}

func (s FS) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := KeyOf(locator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, errors.Wrapf(err, "read object %s", key)
	}
	return data, nil
}

func (s FS) Exists(ctx context.Context, locator string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key, err := KeyOf(locator)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(key))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, errors.Wrapf(err, "stat object %s", key)
	}
}
