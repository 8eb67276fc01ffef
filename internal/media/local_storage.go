package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage writes files under a directory that the service also serves
// at BaseURL.
type LocalStorage struct {
	basePath string
	baseURL  string
}

func NewLocalStorage(basePath, baseURL string) (*LocalStorage, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, fmt.Errorf("local media path is empty")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create local media directory: %w", err)
	}
	return &LocalStorage{basePath: basePath, baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/")}, nil
}

// Root is the directory files are written to.
func (l *LocalStorage) Root() string {
	return l.basePath
}

func (l *LocalStorage) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	fullPath := filepath.Join(l.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(file, body); err != nil {
		file.Close()
		os.Remove(fullPath)
		return fmt.Errorf("write file: %w", err)
	}
	return file.Close()
}

func (l *LocalStorage) PublicURL(key string) string {
	return l.baseURL + "/" + filepath.ToSlash(key)
}
