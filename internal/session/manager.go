// Package session owns the single browser session of the process.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VenkatGGG/notebook-relay/internal/browser"
	"github.com/VenkatGGG/notebook-relay/internal/metrics"
	"github.com/VenkatGGG/notebook-relay/internal/poll"
	"github.com/VenkatGGG/notebook-relay/internal/profile"
)

var (
	ErrAlreadyActive   = errors.New("session already active")
	ErrNoActiveSession = errors.New("no active session")
	ErrSetupFailed     = errors.New("session setup failed")
	ErrCleanupFailed   = errors.New("session cleanup failed")
	ErrInvalidTarget   = errors.New("target url is required")
)

// SetupError reports the setup stage that failed. It matches ErrSetupFailed
// and unwraps to the cause.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("session setup failed at %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

func (e *SetupError) Is(target error) bool { return target == ErrSetupFailed }

type Session struct {
	ID         string    `json:"id"`
	TargetURL  string    `json:"target_url"`
	ProfileDir string    `json:"profile_dir"`
	Backend    string    `json:"backend"`
	CreatedAt  time.Time `json:"created_at"`
	// Live is set on sessions returned by Create and Status. A copy kept by a
	// caller does not change when the session is closed later.
	Live bool `json:"live"`
}

// Profiles hands out scratch profile directories.
type Profiles interface {
	Allocate() (*profile.Scratch, error)
	Remove(dir string) error
	Cookies(dir string) ([]profile.Cookie, bool, error)
}

type Options struct {
	// Launch is used for every session; UserDataDir is filled in per session.
	Launch          browser.LaunchOptions
	PageLoadTimeout time.Duration
	ReadyTimeout    time.Duration
	ReadyInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageLoadTimeout <= 0 {
		o.PageLoadTimeout = 200 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 30 * time.Second
	}
	if o.ReadyInterval <= 0 {
		o.ReadyInterval = 250 * time.Millisecond
	}
	return o
}

type live struct {
	session Session
	browser browser.Browser
}

// Manager serializes create, close and every use of the live browser.
type Manager struct {
	mu          sync.Mutex
	launcher    browser.Launcher
	profiles    Profiles
	opts        Options
	log         *zap.Logger
	metrics     *metrics.Recorder
	current     *live
	lastProfile string
}

func NewManager(launcher browser.Launcher, profiles Profiles, opts Options, log *zap.Logger, rec *metrics.Recorder) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		launcher: launcher,
		profiles: profiles,
		opts:     opts.withDefaults(),
		log:      log.Named("session"),
		metrics:  rec,
	}
}

// Create launches a browser on a fresh scratch profile and opens targetURL.
// On failure nothing is left running and the profile is deleted.
func (m *Manager) Create(ctx context.Context, targetURL string) (Session, error) {
	targetURL = strings.TrimSpace(targetURL)
	if targetURL == "" {
		return Session{}, ErrInvalidTarget
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.metrics.Setup("already_active")
		return Session{}, ErrAlreadyActive
	}
	m.removeLastProfile()

	scratch, err := m.profiles.Allocate()
	if err != nil {
		m.metrics.Setup("failed")
		return Session{}, &SetupError{Stage: "profile", Err: err}
	}

	id := newSessionID()
	log := m.log.With(zap.String("session_id", id), zap.String("profile_dir", scratch.Dir))

	var b browser.Browser
	committed := false
	defer func() {
		if committed {
			return
		}
		if b != nil {
			if err := b.Close(); err != nil {
				m.cleanupFailed(log, "browser", err)
			}
		}
		if err := m.profiles.Remove(scratch.Dir); err != nil {
			m.lastProfile = scratch.Dir
			m.cleanupFailed(log, "profile", err)
		}
	}()

	fail := func(stage string, err error) (Session, error) {
		m.metrics.Setup("failed")
		setupErr := &SetupError{Stage: stage, Err: err}
		log.Error("session setup failed", zap.String("stage", stage), zap.Error(err))
		return Session{}, setupErr
	}

	launchOpts := m.opts.Launch
	launchOpts.UserDataDir = scratch.Dir
	b, err = m.launcher.Launch(ctx, launchOpts)
	if err != nil {
		return fail("launch", err)
	}
	log.Info("browser launched", zap.String("backend", m.launcher.Name()))

	m.seedCookies(ctx, b, scratch.Dir, log)

	navCtx, cancel := context.WithTimeout(ctx, m.opts.PageLoadTimeout)
	err = b.Navigate(navCtx, targetURL)
	cancel()
	if err != nil {
		return fail("navigate", err)
	}

	ready := poll.Spec{Site: "ready", Interval: m.opts.ReadyInterval, Timeout: m.opts.ReadyTimeout}
	if err := poll.Until(ctx, ready, b.BodyPresent); err != nil {
		return fail("ready", err)
	}
	m.logConsole(ctx, b, log)

	created := Session{
		ID:         id,
		TargetURL:  targetURL,
		ProfileDir: scratch.Dir,
		Backend:    m.launcher.Name(),
		CreatedAt:  time.Now().UTC(),
		Live:       true,
	}
	m.current = &live{session: created, browser: b}
	m.lastProfile = scratch.Dir
	committed = true

	m.metrics.Setup("ok")
	m.metrics.SessionActive(true)
	log.Info("session ready", zap.String("target_url", targetURL))
	return created, nil
}

// Close tears down the live session if there is one and retries deletion of
// the last known profile. It never fails; cleanup errors are logged.
// The result reports whether a live session was closed.
func (m *Manager) Close(_ context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	closed := false
	if m.current != nil {
		log := m.log.With(zap.String("session_id", m.current.session.ID))
		if err := m.current.browser.Close(); err != nil {
			m.cleanupFailed(log, "browser", err)
		} else {
			log.Info("browser closed")
		}
		m.current = nil
		closed = true
		m.metrics.SessionActive(false)
	}
	m.removeLastProfile()

	m.metrics.Close(closed)
	return closed
}

// Run calls fn with the live session while holding the manager lock.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, s Session, page browser.Page) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ErrNoActiveSession
	}
	return fn(ctx, m.current.session, m.current.browser)
}

func (m *Manager) Status() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return m.current.session, true
}

// seedCookies sets the cookies exported in the profile before the target is
// opened. Every failure is logged and skipped; the profile's own cookie store
// stays the primary source of the signed-in state.
func (m *Manager) seedCookies(ctx context.Context, b browser.Browser, dir string, log *zap.Logger) {
	cookies, found, err := m.profiles.Cookies(dir)
	if err != nil {
		log.Warn("cookies file unreadable, continuing without it", zap.Error(err))
		return
	}
	if !found {
		log.Debug("no cookies file in profile")
		return
	}

	set := 0
	for _, c := range cookies {
		if strings.TrimSpace(c.Domain) == "" {
			log.Warn("cookie without domain skipped", zap.String("cookie", c.Name))
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		err := b.SetCookie(ctx, browser.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
			Expires:  c.Expires(),
		})
		if err != nil {
			log.Warn("cookie not set", zap.String("cookie", c.Name), zap.Error(err))
			continue
		}
		set++
	}
	log.Info("cookies seeded from profile", zap.Int("set", set), zap.Int("total", len(cookies)))
}

// logConsole records what the page logged while loading.
func (m *Manager) logConsole(ctx context.Context, b browser.Browser, log *zap.Logger) {
	entries, err := b.ConsoleLog(ctx)
	if err != nil {
		log.Warn("initial console log unavailable", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		log.Info("no initial browser console entries")
		return
	}
	for _, e := range entries {
		log.Info("browser console",
			zap.String("level", e.Level),
			zap.String("source", e.Source),
			zap.String("text", e.Text),
			zap.Time("timestamp", e.Timestamp),
		)
	}
}

// removeLastProfile must be called with mu held.
func (m *Manager) removeLastProfile() {
	if m.lastProfile == "" {
		return
	}
	dir := m.lastProfile
	if err := m.profiles.Remove(dir); err != nil {
		m.cleanupFailed(m.log.With(zap.String("profile_dir", dir)), "profile", err)
		return
	}
	m.log.Info("scratch profile removed", zap.String("profile_dir", dir))
	m.lastProfile = ""
}

func (m *Manager) cleanupFailed(log *zap.Logger, resource string, err error) {
	m.metrics.CleanupFailure(resource)
	log.Error("cleanup failed",
		zap.String("resource", resource),
		zap.Error(fmt.Errorf("%w: %w", ErrCleanupFailed, err)),
	)
}

func newSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
