package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ChromedpLauncher spawns and drives Chrome with chromedp.
type ChromedpLauncher struct {
	log *zap.Logger
}

func NewChromedpLauncher(log *zap.Logger) *ChromedpLauncher {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChromedpLauncher{log: log.Named("chromedp")}
}

func (l *ChromedpLauncher) Name() string { return "chromedp" }

func (l *ChromedpLauncher) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("enable-automation", false))
	if opts.Headless {
		allocOpts = append(allocOpts, chromedp.Flag("headless", "new"))
	} else {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}
	if opts.Bin != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.Bin))
	}
	if opts.UserDataDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.UserDataDir))
	}
	for _, sw := range opts.switches() {
		var value any = true
		if sw.value != "" {
			value = sw.value
		}
		allocOpts = append(allocOpts, chromedp.Flag(sw.name, value))
	}

	sugar := l.log.Sugar()
	// The browser outlives the request that created it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Warnf),
	)

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()

	select {
	case err := <-started:
		if err != nil {
			tabCancel()
			allocCancel()
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
	case <-ctx.Done():
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", ctx.Err())
	}
	l.log.Info("chrome launched")

	drv := &chromedpDriver{tabCtx: tabCtx, tabCancel: tabCancel, allocCancel: allocCancel}
	// chromedp enables the Runtime and Log domains when it attaches.
	chromedp.ListenTarget(tabCtx, drv.onEvent)
	return newController(drv, l.log), nil
}

type chromedpDriver struct {
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc

	mu      sync.Mutex
	console []ConsoleEntry
}

func (d *chromedpDriver) onEvent(ev any) {
	var entry ConsoleEntry
	switch ev := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		parts := make([]string, 0, len(ev.Args))
		for _, arg := range ev.Args {
			parts = append(parts, consoleArgText([]byte(arg.Value), arg.Description))
		}
		entry = ConsoleEntry{Level: string(ev.Type), Source: "console-api", Text: strings.Join(parts, " ")}
		if ev.Timestamp != nil {
			entry.Timestamp = ev.Timestamp.Time().UTC()
		}
	case *cdplog.EventEntryAdded:
		if ev.Entry == nil {
			return
		}
		entry = ConsoleEntry{Level: string(ev.Entry.Level), Source: string(ev.Entry.Source), Text: ev.Entry.Text}
		if ev.Entry.Timestamp != nil {
			entry.Timestamp = ev.Entry.Timestamp.Time().UTC()
		}
	default:
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.console) >= maxConsoleEntries {
		d.console = d.console[1:]
	}
	d.console = append(d.console, entry)
}

// run executes actions on the tab and aborts them when ctx ends, without
// tearing down the tab itself.
func (d *chromedpDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (d *chromedpDriver) navigate(ctx context.Context, url string) error {
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *chromedpDriver) evaluate(ctx context.Context, expression string, out any) error {
	if out == nil {
		var discard json.RawMessage
		out = &discard
	}
	return d.run(ctx, chromedp.Evaluate(expression, out))
}

func (d *chromedpDriver) insertText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	return d.run(ctx, input.InsertText(text))
}

func (d *chromedpDriver) click(ctx context.Context, x, y float64) error {
	return d.run(ctx, chromedp.MouseClickXY(x, y))
}

func (d *chromedpDriver) screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *chromedpDriver) setCookie(ctx context.Context, cookie Cookie) error {
	action := network.SetCookie(cookie.Name, cookie.Value).
		WithDomain(cookie.Domain).
		WithPath(cookie.Path).
		WithSecure(cookie.Secure).
		WithHTTPOnly(cookie.HTTPOnly)
	if cookie.SameSite != "" {
		action = action.WithSameSite(network.CookieSameSite(cookie.SameSite))
	}
	if cookie.Expires > 0 {
		expires := cdptypes.TimeSinceEpoch(time.Unix(0, int64(cookie.Expires*float64(time.Second))))
		action = action.WithExpires(&expires)
	}
	return d.run(ctx, action)
}

func (d *chromedpDriver) consoleLog(context.Context) ([]ConsoleEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.console
	d.console = nil
	return out, nil
}

// close asks the browser to exit, then waits for the allocator to reap it.
func (d *chromedpDriver) close() error {
	err := chromedp.Cancel(d.tabCtx)
	d.tabCancel()
	d.allocCancel()
	if err != nil {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}
