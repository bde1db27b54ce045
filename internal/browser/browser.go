// Package browser is the remote browser control capability used by the
// session manager and the query executor. Elements are addressed by an XPath
// query and their position in the document-ordered match set.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoSuchElement    = errors.New("no such element")
	ErrStaleElement     = errors.New("stale element reference")
	ErrClickIntercepted = errors.New("element click intercepted")
	ErrNotInteractable  = errors.New("element not interactable")
)

// maxConsoleEntries bounds the console entries a backend buffers between
// reads; the oldest are dropped first.
const maxConsoleEntries = 500

// Element identifies the Index-th node matched by Query at lookup time.
type Element struct {
	Query string
	Index int
}

func (e Element) String() string {
	return fmt.Sprintf("%s[%d]", e.Query, e.Index)
}

type ElementState struct {
	Tag       string
	AriaLabel string
	Text      string
	Displayed bool
	Enabled   bool
}

func (s ElementState) Interactable() bool {
	return s.Displayed && s.Enabled
}

// Page is a single open tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	BodyPresent(ctx context.Context) (bool, error)
	Find(ctx context.Context, query string) ([]Element, error)
	Describe(ctx context.Context, el Element) (ElementState, error)
	// Type clears the element and inserts text at its caret.
	Type(ctx context.Context, el Element, text string) error
	ScrollIntoView(ctx context.Context, el Element) error
	// Click performs a pointer click at the element's center and returns
	// ErrClickIntercepted when another element would receive it.
	Click(ctx context.Context, el Element) error
	ScriptClick(ctx context.Context, el Element) error
	XPathOf(ctx context.Context, el Element) (string, error)
	// TextAt returns the rendered text of the first node matched by the
	// relative query evaluated against el.
	TextAt(ctx context.Context, el Element, relative string) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Cookie is a cookie to seed into the browser before the target page loads.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	SameSite string
	// Expires is in seconds since the epoch; zero makes a session cookie.
	Expires float64
}

// ConsoleEntry is a console message or browser log line of the page.
type ConsoleEntry struct {
	Level     string
	Source    string
	Text      string
	Timestamp time.Time
}

type Browser interface {
	Page
	SetCookie(ctx context.Context, cookie Cookie) error
	// ConsoleLog returns the console entries collected since the previous
	// call, starting with what the page logged while loading.
	ConsoleLog(ctx context.Context) ([]ConsoleEntry, error)
	Close() error
}

type Launcher interface {
	Name() string
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

type LaunchOptions struct {
	Bin         string
	Headless    bool
	Width       int
	Height      int
	UserAgent   string
	ExtraFlags  []string
	UserDataDir string
}

type chromeSwitch struct {
	name  string
	value string
}

// switches lists the command line switches shared by every backend. Headless
// mode and the profile directory are set by each backend through its own API.
func (o LaunchOptions) switches() []chromeSwitch {
	width, height := o.Width, o.Height
	if width <= 0 {
		width = 1920
	}
	if height <= 0 {
		height = 1080
	}

	out := []chromeSwitch{
		{name: "no-sandbox"},
		{name: "disable-dev-shm-usage"},
		{name: "disable-gpu"},
		{name: "disable-extensions"},
		{name: "disable-blink-features", value: "AutomationControlled"},
		{name: "window-size", value: fmt.Sprintf("%d,%d", width, height)},
	}
	if ua := strings.TrimSpace(o.UserAgent); ua != "" {
		out = append(out, chromeSwitch{name: "user-agent", value: ua})
	}
	for _, raw := range o.ExtraFlags {
		name, value, _ := strings.Cut(strings.TrimLeft(strings.TrimSpace(raw), "-"), "=")
		if name == "" {
			continue
		}
		out = append(out, chromeSwitch{name: name, value: value})
	}
	return out
}
