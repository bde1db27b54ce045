// Package artifact stores diagnostic screenshots taken when a query fails.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

type Store interface {
	SaveScreenshot(ctx context.Context, label string, png []byte) (string, error)
}

type LocalStore struct {
	fs      afero.Fs
	rootDir string
	baseURL string
}

func NewLocalStore(fsys afero.Fs, rootDir, baseURL string) (*LocalStore, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	root := strings.TrimSpace(rootDir)
	if root == "" {
		return nil, errors.New("artifact root dir is required")
	}
	if err := fsys.MkdirAll(filepath.Join(root, "screenshots"), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directories: %w", err)
	}

	prefix := strings.TrimSpace(baseURL)
	if prefix == "" {
		prefix = "/artifacts"
	}
	if !strings.HasPrefix(prefix, "/") && !strings.Contains(prefix, "://") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")

	return &LocalStore{fs: fsys, rootDir: root, baseURL: prefix}, nil
}

// SaveScreenshot writes png under screenshots/ and returns the URL it is
// served at.
func (s *LocalStore) SaveScreenshot(ctx context.Context, label string, png []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if len(png) == 0 {
		return "", errors.New("screenshot is empty")
	}

	name := fmt.Sprintf("%s-%d.png", sanitizeLabel(label), time.Now().UTC().UnixNano())
	relative := filepath.ToSlash(filepath.Join("screenshots", name))
	path := filepath.Join(s.rootDir, relative)
	tmpPath := path + ".tmp"

	if err := afero.WriteFile(s.fs, tmpPath, png, 0o644); err != nil {
		return "", fmt.Errorf("write artifact tmp: %w", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		_ = s.fs.Remove(tmpPath)
		return "", fmt.Errorf("commit artifact: %w", err)
	}

	return s.baseURL + "/" + relative, nil
}

// Handler serves stored artifacts relative to the root directory.
func (s *LocalStore) Handler() http.Handler {
	return http.FileServer(afero.NewHttpFs(afero.NewReadOnlyFs(s.fs)).Dir(s.rootDir))
}

func RootDirFromEnv(value string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return filepath.Join(os.TempDir(), "notebook-relay-artifacts")
}

func sanitizeLabel(label string) string {
	label = strings.TrimSpace(label)
	label = strings.ReplaceAll(label, "/", "_")
	label = strings.ReplaceAll(label, "\\", "_")
	label = strings.ReplaceAll(label, "..", "_")
	if label == "" {
		return "screenshot"
	}
	return label
}
