package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"go.uber.org/zap"

	"github.com/VenkatGGG/notebook-relay/internal/cdp"
	"github.com/VenkatGGG/notebook-relay/internal/poll"
)

const (
	devtoolsDialInterval    = 250 * time.Millisecond
	devtoolsDialAttempts    = 20
	defaultNavigateDeadline = 200 * time.Second
)

// DevToolsLauncher spawns Chrome with the rod launcher and drives it through
// the internal DevTools protocol client.
type DevToolsLauncher struct {
	log *zap.Logger
}

func NewDevToolsLauncher(log *zap.Logger) *DevToolsLauncher {
	if log == nil {
		log = zap.NewNop()
	}
	return &DevToolsLauncher{log: log.Named("devtools")}
}

func (l *DevToolsLauncher) Name() string { return "devtools" }

func (l *DevToolsLauncher) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	ln := launcher.New().
		NoSandbox(true).
		Delete("enable-automation").
		Delete("no-startup-window")
	if opts.Headless {
		ln = ln.Set(flags.Headless, "new")
	} else {
		ln = ln.Headless(false)
	}
	if opts.Bin != "" {
		ln = ln.Bin(opts.Bin)
	}
	if opts.UserDataDir != "" {
		ln = ln.UserDataDir(opts.UserDataDir)
	}
	for _, sw := range opts.switches() {
		if sw.value == "" {
			ln = ln.Set(flags.Flag(sw.name))
			continue
		}
		ln = ln.Set(flags.Flag(sw.name), sw.value)
	}

	controlURL, err := ln.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	l.log.Info("chrome launched", zap.String("control_url", controlURL), zap.Int("pid", ln.PID()))

	baseURL, err := cdp.BaseURLFromWebSocket(controlURL)
	if err != nil {
		ln.Kill()
		return nil, err
	}

	var client *cdp.Client
	dial := func() error {
		c, err := cdp.Dial(ctx, baseURL)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		client = c
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(devtoolsDialInterval), devtoolsDialAttempts),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		l.log.Debug("devtools endpoint not ready", zap.Error(err), zap.Duration("retry_in", wait))
	}
	if err := backoff.RetryNotify(dial, policy, notify); err != nil {
		ln.Kill()
		return nil, fmt.Errorf("attach to chrome: %w", err)
	}

	return newController(&devtoolsDriver{client: client, launcher: ln}, l.log), nil
}

type devtoolsDriver struct {
	client   *cdp.Client
	launcher *launcher.Launcher
}

// navigate returns once the new document has left the loading state.
func (d *devtoolsDriver) navigate(ctx context.Context, url string) error {
	if err := d.client.Navigate(ctx, url); err != nil {
		return err
	}
	timeout := defaultNavigateDeadline
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return poll.Until(ctx, poll.Spec{Site: "navigate", Interval: 100 * time.Millisecond, Timeout: timeout}, func(ctx context.Context) (bool, error) {
		state, err := d.client.ReadyState(ctx)
		if err != nil {
			return false, err
		}
		return state == "interactive" || state == "complete", nil
	})
}

func (d *devtoolsDriver) evaluate(ctx context.Context, expression string, out any) error {
	return d.client.Evaluate(ctx, expression, out)
}

func (d *devtoolsDriver) insertText(ctx context.Context, text string) error {
	return d.client.InsertText(ctx, text)
}

func (d *devtoolsDriver) click(ctx context.Context, x, y float64) error {
	return d.client.Click(ctx, x, y)
}

func (d *devtoolsDriver) screenshot(ctx context.Context) ([]byte, error) {
	return d.client.CaptureScreenshot(ctx)
}

func (d *devtoolsDriver) setCookie(ctx context.Context, cookie Cookie) error {
	return d.client.SetCookie(ctx, cdp.Cookie{
		Name:     cookie.Name,
		Value:    cookie.Value,
		Domain:   cookie.Domain,
		Path:     cookie.Path,
		Secure:   cookie.Secure,
		HTTPOnly: cookie.HTTPOnly,
		SameSite: cookie.SameSite,
		Expires:  cookie.Expires,
	})
}

func (d *devtoolsDriver) consoleLog(ctx context.Context) ([]ConsoleEntry, error) {
	entries, err := d.client.ConsoleEntries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ConsoleEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ConsoleEntry{Level: e.Level, Source: e.Source, Text: e.Text, Timestamp: e.Timestamp})
	}
	return out, nil
}

// close shuts the protocol connection and kills the process; the profile
// directory belongs to the caller and is left in place.
func (d *devtoolsDriver) close() error {
	err := d.client.Close()
	d.launcher.Kill()
	if err != nil {
		return fmt.Errorf("close devtools connection: %w", err)
	}
	return nil
}
