// Package profile manages scratch Chrome profile directories seeded from a
// template profile.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const DefaultPrefix = "notebook-relay-profile-"

// Chrome refuses to start when it finds another instance's singleton
// markers in the profile.
var skippedNames = map[string]bool{
	"SingletonLock":   true,
	"SingletonSocket": true,
	"SingletonCookie": true,
}

var ErrTemplateMissing = errors.New("profile template does not exist")

// CookiesFile is an optional cookie export kept next to the profile data.
const CookiesFile = "cookies.json"

// Cookie is one entry of CookiesFile. Both the WebDriver export (expiry)
// and the browser extension export (expirationDate) are understood.
type Cookie struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Domain         string  `json:"domain"`
	Path           string  `json:"path"`
	Secure         bool    `json:"secure"`
	HTTPOnly       bool    `json:"httpOnly"`
	SameSite       string  `json:"sameSite"`
	Expiry         float64 `json:"expiry"`
	ExpirationDate float64 `json:"expirationDate"`
}

// Expires returns the expiry in seconds since the epoch, zero for a
// session cookie.
func (c Cookie) Expires() float64 {
	if c.Expiry > 0 {
		return c.Expiry
	}
	return c.ExpirationDate
}

type Options struct {
	// Template is copied into every scratch directory. Empty means start
	// from an empty profile.
	Template string
	Root     string
	Prefix   string
}

type Store struct {
	fs       afero.Fs
	template string
	root     string
	prefix   string
	log      *zap.Logger
}

func NewStore(fsys afero.Fs, opts Options, log *zap.Logger) *Store {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if log == nil {
		log = zap.NewNop()
	}
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		root = os.TempDir()
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		fs:       fsys,
		template: strings.TrimSpace(opts.Template),
		root:     root,
		prefix:   prefix,
		log:      log.Named("profile"),
	}
}

// Scratch is a profile directory owned by exactly one session.
type Scratch struct {
	store *Store
	Dir   string
}

// Allocate creates a fresh scratch directory and seeds it from the template.
// Nothing is left on disk when it fails.
func (s *Store) Allocate() (*Scratch, error) {
	if s.template != "" {
		info, err := s.fs.Stat(s.template)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrTemplateMissing, s.template)
			}
			return nil, fmt.Errorf("stat profile template: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("profile template %s is not a directory", s.template)
		}
	}

	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("create profile root: %w", err)
	}
	dir, err := afero.TempDir(s.fs, s.root, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("create scratch profile: %w", err)
	}

	if s.template != "" {
		copied, err := copyTree(s.fs, s.template, dir)
		if err != nil {
			if removeErr := s.fs.RemoveAll(dir); removeErr != nil {
				s.log.Error("remove partial scratch profile", zap.String("dir", dir), zap.Error(removeErr))
			}
			return nil, fmt.Errorf("seed scratch profile: %w", err)
		}
		s.log.Info("scratch profile seeded", zap.String("dir", dir), zap.String("template", s.template), zap.Int("entries", copied))
	} else {
		s.log.Info("scratch profile created", zap.String("dir", dir))
	}

	return &Scratch{store: s, Dir: dir}, nil
}

func (sc *Scratch) Remove() error {
	return sc.store.Remove(sc.Dir)
}

// Remove deletes a scratch directory. A directory that is already gone is
// not an error.
func (s *Store) Remove(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove scratch profile %s: %w", dir, err)
	}
	return nil
}

// Cookies reads CookiesFile from a scratch directory. found is false when the
// profile has none.
func (s *Store) Cookies(dir string) (cookies []Cookie, found bool, err error) {
	path := filepath.Join(dir, CookiesFile)
	raw, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return nil, true, fmt.Errorf("decode %s: %w", path, err)
	}
	return cookies, true, nil
}

// Exists reports whether dir is still on disk.
func (s *Store) Exists(dir string) bool {
	ok, err := afero.DirExists(s.fs, dir)
	return err == nil && ok
}

// Sweep removes scratch directories under the root left behind by an
// earlier process.
func (s *Store) Sweep() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list profile root: %w", err)
	}

	var removed []string
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), s.prefix) {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())
		if err := s.fs.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		removed = append(removed, dir)
	}
	return removed, errors.Join(errs...)
}

// copyTree copies src into the existing directory dst, keeping symlinks as
// symlinks. It returns the number of entries written.
func copyTree(fsys afero.Fs, src, dst string) (int, error) {
	copied := 0
	err := afero.Walk(fsys, src, func(path string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if skippedNames[info.Name()] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		mode := info.Mode()

		switch {
		case mode&fs.ModeSymlink != 0:
			if err := copySymlink(fsys, path, target); err != nil {
				return err
			}
		case mode.IsDir():
			if err := fsys.MkdirAll(target, mode.Perm()|0o700); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
		case mode.IsRegular():
			if err := copyFile(fsys, path, target, mode.Perm()); err != nil {
				return err
			}
		default:
			// Sockets, pipes and devices are runtime state.
			return nil
		}
		copied++
		return nil
	})
	return copied, err
}

func copySymlink(fsys afero.Fs, src, dst string) error {
	reader, ok := fsys.(afero.LinkReader)
	if !ok {
		return fmt.Errorf("read link %s: %w", src, afero.ErrNoReadlink)
	}
	linker, ok := fsys.(afero.Linker)
	if !ok {
		return fmt.Errorf("create link %s: %w", dst, afero.ErrNoSymlink)
	}
	target, err := reader.ReadlinkIfPossible(src)
	if err != nil {
		return fmt.Errorf("read link %s: %w", src, err)
	}
	if err := linker.SymlinkIfPossible(target, dst); err != nil {
		return fmt.Errorf("create link %s: %w", dst, err)
	}
	return nil
}

func copyFile(fsys afero.Fs, src, dst string, perm fs.FileMode) error {
	in, err := fsys.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := fsys.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
