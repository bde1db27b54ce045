// Package query drives the notebook UI of the live session: it submits a
// query and scrapes the newest response out of the page.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VenkatGGG/notebook-relay/internal/artifact"
	"github.com/VenkatGGG/notebook-relay/internal/browser"
	"github.com/VenkatGGG/notebook-relay/internal/lease"
	"github.com/VenkatGGG/notebook-relay/internal/metrics"
	"github.com/VenkatGGG/notebook-relay/internal/poll"
	"github.com/VenkatGGG/notebook-relay/internal/session"
)

// Runner runs fn against the live session. *session.Manager implements it.
type Runner interface {
	Run(ctx context.Context, fn func(ctx context.Context, s session.Session, page browser.Page) error) error
}

type Options struct {
	Selectors        Selectors
	PageLoadTimeout  time.Duration
	ReadyTimeout     time.Duration
	InputTimeout     time.Duration
	SubmitTimeout    time.Duration
	ResponseTimeout  time.Duration
	ResponseInterval time.Duration
	ElementInterval  time.Duration
	ClickableTimeout time.Duration
	// ScrollSettle is waited after scrolling the newest response into view.
	// Zero disables the pause.
	ScrollSettle time.Duration
	// ClaimTTL bounds how long an execution's claims outlive a crash. It
	// defaults to the worst-case execution plus a minute.
	ClaimTTL time.Duration
	// NotebookLease also claims the target notebook, so replicas sharing a
	// Redis store never drive the same notebook at once.
	NotebookLease      bool
	FailureScreenshots bool
}

func (o Options) withDefaults() Options {
	o.Selectors = o.Selectors.WithDefaults()
	if o.PageLoadTimeout <= 0 {
		o.PageLoadTimeout = 200 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 30 * time.Second
	}
	if o.InputTimeout <= 0 {
		o.InputTimeout = 30 * time.Second
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 30 * time.Second
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 60 * time.Second
	}
	if o.ResponseInterval <= 0 {
		o.ResponseInterval = time.Second
	}
	if o.ElementInterval <= 0 {
		o.ElementInterval = 250 * time.Millisecond
	}
	if o.ClickableTimeout <= 0 {
		o.ClickableTimeout = 30 * time.Second
	}
	if o.ScrollSettle < 0 {
		o.ScrollSettle = 0
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = o.PageLoadTimeout + o.ReadyTimeout + o.InputTimeout + o.SubmitTimeout +
			o.ResponseTimeout + o.ClickableTimeout + o.ScrollSettle + time.Minute
	}
	return o
}

type Request struct {
	TargetURL string
	Query     string
}

type Result struct {
	Message          string         `json:"message"`
	InitialCount     int            `json:"initial_count"`
	FinalCount       int            `json:"final_count"`
	QuerySubmitted   string         `json:"query_submitted"`
	NewButtonDetails map[string]any `json:"new_button_details"`
	// ExtractedResponseText is nil when the response text could not be read.
	ExtractedResponseText *string `json:"extracted_response_text"`
}

type PageInfo struct {
	Title string `json:"page_title"`
	URL   string `json:"current_url"`
}

type Executor struct {
	sessions  Runner
	leases    lease.Store
	artifacts artifact.Store
	opts      Options
	log       *zap.Logger
	metrics   *metrics.Recorder
}

func NewExecutor(sessions Runner, leases lease.Store, artifacts artifact.Store, opts Options, log *zap.Logger, rec *metrics.Recorder) *Executor {
	if leases == nil {
		leases = lease.NewLocalStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		sessions:  sessions,
		leases:    leases,
		artifacts: artifacts,
		opts:      opts.withDefaults(),
		log:       log.Named("query"),
		metrics:   rec,
	}
}

// Execute submits req.Query on the live session and returns the newest
// response. A second execution while one is in flight fails with ErrBusy.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	req.TargetURL = strings.TrimSpace(req.TargetURL)
	if req.TargetURL == "" || strings.TrimSpace(req.Query) == "" {
		return Result{}, fmt.Errorf("%w: notebook url and query are required", ErrInvalidRequest)
	}

	execID := "exec_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	log := e.log.With(zap.String("execution_id", execID), zap.String("target_url", req.TargetURL))

	release, err := e.acquire(ctx, execID, req.TargetURL, log)
	if err != nil {
		e.metrics.Query(outcome(err))
		return Result{}, err
	}
	defer release()

	var result Result
	err = e.sessions.Run(ctx, func(ctx context.Context, s session.Session, page browser.Page) error {
		var runErr error
		result, runErr = e.run(ctx, log.With(zap.String("session_id", s.ID)), page, req)
		return runErr
	})
	e.metrics.Query(outcome(err))
	if err != nil {
		log.Warn("query failed", zap.Error(err))
		return Result{}, err
	}
	log.Info("query completed",
		zap.Int("initial_count", result.InitialCount),
		zap.Int("final_count", result.FinalCount),
		zap.Bool("text_extracted", result.ExtractedResponseText != nil),
	)
	return result, nil
}

// Capture reports the title and URL of the live page.
func (e *Executor) Capture(ctx context.Context) (PageInfo, error) {
	var info PageInfo
	err := e.sessions.Run(ctx, func(ctx context.Context, _ session.Session, page browser.Page) error {
		title, err := page.Title(ctx)
		if err != nil {
			return err
		}
		current, err := page.CurrentURL(ctx)
		if err != nil {
			return err
		}
		info = PageInfo{Title: title, URL: current}
		return nil
	})
	return info, err
}

func (e *Executor) acquire(ctx context.Context, execID, target string, log *zap.Logger) (func(), error) {
	scopes := []lease.Scope{lease.Relay}
	if e.opts.NotebookLease {
		scopes = append(scopes, lease.Notebook(target))
	}

	claims, err := lease.Take(ctx, e.leases, execID, e.opts.ClaimTTL, log, scopes...)
	if err != nil {
		var taken *lease.TakenError
		if errors.As(err, &taken) {
			return nil, fmt.Errorf("%w: %s is in use", ErrBusy, taken.Scope)
		}
		return nil, fmt.Errorf("claim execution: %w", err)
	}
	return claims.Release, nil
}

func (e *Executor) run(ctx context.Context, log *zap.Logger, page browser.Page, req Request) (Result, error) {
	sel := e.opts.Selectors

	if err := e.ensureOnTarget(ctx, log, page, req.TargetURL); err != nil {
		return Result{}, err
	}

	input, err := e.waitInteractable(ctx, page, "input", sel.Input, e.opts.InputTimeout, nil)
	if err != nil {
		return Result{}, e.elementNotFound(ctx, log, page, "input", err)
	}
	if err := page.Type(ctx, input, req.Query); err != nil {
		return Result{}, fmt.Errorf("enter query: %w", err)
	}
	log.Info("query entered")

	baseline, err := page.Find(ctx, sel.ResponseAffordance)
	if err != nil {
		return Result{}, fmt.Errorf("count response affordances: %w", err)
	}
	initial := len(baseline)

	submit := func(ctx context.Context, el browser.Element) error {
		return e.click(ctx, page, el).err
	}
	if _, err := e.waitInteractable(ctx, page, "submit", sel.Submit, e.opts.SubmitTimeout, submit); err != nil {
		return Result{}, e.elementNotFound(ctx, log, page, "submit", err)
	}
	submittedAt := time.Now()
	log.Info("query submitted", zap.Int("initial_count", initial))

	var current []browser.Element
	wait := poll.Spec{Site: "response", Interval: e.opts.ResponseInterval, Timeout: e.opts.ResponseTimeout}
	err = poll.Until(ctx, wait, func(ctx context.Context) (bool, error) {
		found, err := page.Find(ctx, sel.ResponseAffordance)
		if err != nil {
			return false, err
		}
		current = found
		return len(found) > initial, nil
	})
	if err != nil {
		if !errors.Is(err, poll.ErrTimeout) {
			return Result{}, fmt.Errorf("wait for response: %w", err)
		}
		stepErr := &StepError{Kind: ErrResponseTimeout, Site: "response", Err: err}
		stepErr.ScreenshotURL = e.captureFailure(ctx, log, page, "response_timeout")
		return Result{}, stepErr
	}
	e.metrics.ResponseWait(time.Since(submittedAt))

	final := len(current)
	log.Info("new response detected", zap.Int("initial_count", initial), zap.Int("final_count", final))

	// The UI appends responses, so the last match is taken as the newest.
	newest := current[final-1]
	result := Result{
		InitialCount:     initial,
		FinalCount:       final,
		QuerySubmitted:   req.Query,
		NewButtonDetails: map[string]any{},
	}
	message := fmt.Sprintf("Query submitted, new response detected. Response affordance count changed from %d to %d.", initial, final)
	result.Message = message + e.inspectNewest(ctx, log, page, newest, &result)
	return result, nil
}

func (e *Executor) ensureOnTarget(ctx context.Context, log *zap.Logger, page browser.Page, target string) error {
	current, err := page.CurrentURL(ctx)
	if err == nil && strings.Contains(current, target) {
		log.Debug("already on target page", zap.String("current_url", current))
		return nil
	}
	if err != nil {
		log.Warn("read current url failed, navigating", zap.Error(err))
	}

	navCtx, cancel := context.WithTimeout(ctx, e.opts.PageLoadTimeout)
	err = page.Navigate(navCtx, target)
	cancel()
	if err != nil {
		return &StepError{Kind: ErrNavigationTimeout, Site: "navigate", Err: err}
	}

	ready := poll.Spec{Site: "ready", Interval: e.opts.ElementInterval, Timeout: e.opts.ReadyTimeout}
	if err := poll.Until(ctx, ready, page.BodyPresent); err != nil {
		return &StepError{Kind: ErrNavigationTimeout, Site: "ready", Err: err}
	}
	log.Info("navigated to target page", zap.String("previous_url", current))
	return nil
}

// waitInteractable polls for the first displayed and enabled match of query.
// When act is set the element only counts once act succeeds on it.
func (e *Executor) waitInteractable(ctx context.Context, page browser.Page, site, query string, timeout time.Duration, act func(context.Context, browser.Element) error) (browser.Element, error) {
	var found browser.Element
	spec := poll.Spec{Site: site, Interval: e.opts.ElementInterval, Timeout: timeout}
	err := poll.Until(ctx, spec, func(ctx context.Context) (bool, error) {
		elements, err := page.Find(ctx, query)
		if err != nil {
			return false, err
		}
		if len(elements) == 0 {
			return false, fmt.Errorf("%w: %s", browser.ErrNoSuchElement, query)
		}
		var lastErr error
		for _, el := range elements {
			state, err := page.Describe(ctx, el)
			if err != nil {
				lastErr = err
				continue
			}
			if !state.Interactable() {
				lastErr = fmt.Errorf("%w: %s", browser.ErrNotInteractable, el)
				continue
			}
			if act != nil {
				if err := act(ctx, el); err != nil {
					lastErr = err
					continue
				}
			}
			found = el
			return true, nil
		}
		return false, lastErr
	})
	return found, err
}

func (e *Executor) elementNotFound(ctx context.Context, log *zap.Logger, page browser.Page, site string, err error) error {
	if !errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("wait for %s: %w", site, err)
	}
	stepErr := &StepError{Kind: ErrElementNotFound, Site: site, Err: err}

	current, _ := page.CurrentURL(ctx)
	title, _ := page.Title(ctx)
	stepErr.Blocker, stepErr.BlockerDetail = classifyBlocker(current, title)
	if stepErr.Blocker != "" {
		log.Warn("page blocker detected", zap.String("blocker", stepErr.Blocker), zap.String("current_url", current))
	}
	stepErr.ScreenshotURL = e.captureFailure(ctx, log, page, site+"_not_found")
	return stepErr
}

// captureFailure saves a screenshot of the page when enabled and returns its
// URL, or "" when none was stored.
func (e *Executor) captureFailure(ctx context.Context, log *zap.Logger, page browser.Page, label string) string {
	if !e.opts.FailureScreenshots || e.artifacts == nil {
		return ""
	}
	shot, err := page.Screenshot(ctx)
	if err != nil {
		log.Warn("failure screenshot failed", zap.Error(err))
		return ""
	}
	url, err := e.artifacts.SaveScreenshot(ctx, label, shot)
	if err != nil {
		log.Warn("store failure screenshot failed", zap.Error(err))
		return ""
	}
	log.Info("failure screenshot stored", zap.String("url", url))
	return url
}

// inspectNewest runs the non-fatal extraction steps against the newest
// response affordance, recording every failure in the result details. It
// returns the suffix for the result message.
func (e *Executor) inspectNewest(ctx context.Context, log *zap.Logger, page browser.Page, el browser.Element, result *Result) string {
	details := result.NewButtonDetails

	state, err := page.Describe(ctx, el)
	if err != nil {
		e.stepFailed(log, details, "describe", err)
	} else {
		details["aria_label"] = state.AriaLabel
		details["text_content"] = state.Text
	}

	if path, err := page.XPathOf(ctx, el); err != nil {
		e.stepFailed(log, details, "xpath", err)
	} else {
		details["xpath"] = path
	}

	displayed, clickable := false, false
	scrolled := true
	if err := page.ScrollIntoView(ctx, el); err != nil {
		e.stepFailed(log, details, "scroll", err)
		scrolled = false
	} else if err := poll.Sleep(ctx, e.opts.ScrollSettle); err != nil {
		e.stepFailed(log, details, "scroll", err)
		scrolled = false
	}
	if scrolled {
		spec := poll.Spec{Site: "clickable", Interval: e.opts.ElementInterval, Timeout: e.opts.ClickableTimeout}
		err := poll.Until(ctx, spec, func(ctx context.Context) (bool, error) {
			st, err := page.Describe(ctx, el)
			if err != nil {
				if errors.Is(err, browser.ErrStaleElement) {
					return false, poll.Permanent(err)
				}
				return false, err
			}
			displayed = st.Displayed
			return st.Interactable(), nil
		})
		if err != nil {
			e.stepFailed(log, details, "clickable", err)
		} else {
			clickable = true
		}
	}
	details["is_displayed_after_scroll"] = displayed
	details["is_clickable_after_scroll"] = clickable

	text, err := page.TextAt(ctx, el, e.opts.Selectors.ResponseText)
	if err != nil {
		extractErr := fmt.Errorf("%w: %w", ErrExtractionFailed, err)
		details["extraction_error"] = extractErr.Error()
		e.metrics.ExtractionFailure("text")
		log.Warn("response text extraction failed", zap.Error(extractErr))
		result.ExtractedResponseText = nil
	} else {
		text = strings.TrimSpace(text)
		result.ExtractedResponseText = &text
	}

	if !displayed || !clickable {
		return " Scrolled to the newest response but did not click it because it was not visible and clickable."
	}

	clicked := e.click(ctx, page, el)
	details["click_strategy"] = clicked.strategy
	switch {
	case clicked.err != nil:
		details["error"] = "click failed: " + clicked.err.Error()
		e.metrics.ExtractionFailure("click")
		log.Warn("click on newest response failed", zap.Error(clicked.err))
		return " Newest response inspected and scrolled into view, but the click failed."
	case clicked.intercepted != nil:
		details["error"] = "click intercepted (resolved with script click): " + clicked.intercepted.Error()
		return " Newest response inspected, scrolled into view and clicked (via script)."
	default:
		return " Newest response inspected, scrolled into view and clicked."
	}
}

func (e *Executor) stepFailed(log *zap.Logger, details map[string]any, step string, err error) {
	details[step+"_error"] = err.Error()
	e.metrics.ExtractionFailure(step)
	log.Warn("extraction step failed", zap.String("step", step), zap.Error(err))
}

type clickStrategy struct {
	name  string
	click func(ctx context.Context, page browser.Page, el browser.Element) error
}

// clickStrategies run in order. The next strategy is only tried when the
// previous one was intercepted by another element.
var clickStrategies = []clickStrategy{
	{name: "native", click: func(ctx context.Context, page browser.Page, el browser.Element) error {
		return page.Click(ctx, el)
	}},
	{name: "script", click: func(ctx context.Context, page browser.Page, el browser.Element) error {
		return page.ScriptClick(ctx, el)
	}},
}

type clickResult struct {
	strategy    string
	intercepted error
	err         error
}

func (e *Executor) click(ctx context.Context, page browser.Page, el browser.Element) clickResult {
	var res clickResult
	for i, strategy := range clickStrategies {
		res.strategy = strategy.name
		err := strategy.click(ctx, page, el)
		if err == nil {
			res.err = nil
			return res
		}
		res.err = fmt.Errorf("%s click: %w", strategy.name, err)
		if !errors.Is(err, browser.ErrClickIntercepted) || i == len(clickStrategies)-1 {
			return res
		}
		res.intercepted = err
	}
	return res
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, session.ErrNoActiveSession):
		return "no_active_session"
	case errors.Is(err, ErrNavigationTimeout):
		return "navigation_timeout"
	case errors.Is(err, ErrElementNotFound):
		return "element_not_found"
	case errors.Is(err, ErrResponseTimeout):
		return "response_timeout"
	default:
		return "failed"
	}
}
