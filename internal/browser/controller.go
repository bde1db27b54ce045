package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// driver is the protocol surface a backend has to provide. Everything else
// is expressed as page scripts by Controller.
type driver interface {
	navigate(ctx context.Context, url string) error
	evaluate(ctx context.Context, expression string, out any) error
	insertText(ctx context.Context, text string) error
	click(ctx context.Context, x, y float64) error
	screenshot(ctx context.Context) ([]byte, error)
	setCookie(ctx context.Context, cookie Cookie) error
	consoleLog(ctx context.Context) ([]ConsoleEntry, error)
	close() error
}

// Controller implements Browser on top of a backend driver.
type Controller struct {
	drv driver
	log *zap.Logger
}

func newController(drv driver, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{drv: drv, log: log}
}

func (c *Controller) Navigate(ctx context.Context, url string) error {
	if err := c.drv.navigate(ctx, url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (c *Controller) CurrentURL(ctx context.Context) (string, error) {
	res, err := c.run(ctx, pageValueScript("location.href"))
	if err != nil {
		return "", fmt.Errorf("read current url: %w", err)
	}
	return res.Value, nil
}

func (c *Controller) Title(ctx context.Context) (string, error) {
	res, err := c.run(ctx, pageValueScript("document.title"))
	if err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return res.Value, nil
}

func (c *Controller) BodyPresent(ctx context.Context) (bool, error) {
	res, err := c.run(ctx, bodyScript())
	if err != nil {
		return false, err
	}
	return res.Displayed, nil
}

func (c *Controller) Find(ctx context.Context, query string) ([]Element, error) {
	res, err := c.run(ctx, countScript(query))
	if err != nil {
		return nil, fmt.Errorf("find %q: %w", query, err)
	}
	elements := make([]Element, 0, res.Count)
	for i := 0; i < res.Count; i++ {
		elements = append(elements, Element{Query: query, Index: i})
	}
	return elements, nil
}

func (c *Controller) Describe(ctx context.Context, el Element) (ElementState, error) {
	res, err := c.run(ctx, describeScript(el))
	if err != nil {
		return ElementState{}, fmt.Errorf("describe %s: %w", el, err)
	}
	return ElementState{
		Tag:       res.Tag,
		AriaLabel: res.AriaLabel,
		Text:      res.Text,
		Displayed: res.Displayed,
		Enabled:   res.Enabled,
	}, nil
}

func (c *Controller) Type(ctx context.Context, el Element, text string) error {
	if _, err := c.run(ctx, clearAndFocusScript(el)); err != nil {
		return fmt.Errorf("focus %s: %w", el, err)
	}
	if err := c.drv.insertText(ctx, text); err != nil {
		return fmt.Errorf("type into %s: %w", el, err)
	}
	return nil
}

func (c *Controller) ScrollIntoView(ctx context.Context, el Element) error {
	if _, err := c.run(ctx, scrollScript(el)); err != nil {
		return fmt.Errorf("scroll %s: %w", el, err)
	}
	return nil
}

func (c *Controller) Click(ctx context.Context, el Element) error {
	res, err := c.run(ctx, clickPointScript(el))
	if err != nil {
		return fmt.Errorf("click %s: %w", el, err)
	}
	if err := c.drv.click(ctx, res.X, res.Y); err != nil {
		return fmt.Errorf("click %s: %w", el, err)
	}
	c.log.Debug("pointer click dispatched",
		zap.String("element", el.String()),
		zap.Float64("x", res.X),
		zap.Float64("y", res.Y),
	)
	return nil
}

func (c *Controller) ScriptClick(ctx context.Context, el Element) error {
	if _, err := c.run(ctx, scriptClickScript(el)); err != nil {
		return fmt.Errorf("script click %s: %w", el, err)
	}
	return nil
}

func (c *Controller) XPathOf(ctx context.Context, el Element) (string, error) {
	res, err := c.run(ctx, xpathScript(el))
	if err != nil {
		return "", fmt.Errorf("xpath of %s: %w", el, err)
	}
	return res.Value, nil
}

func (c *Controller) TextAt(ctx context.Context, el Element, relative string) (string, error) {
	res, err := c.run(ctx, relativeTextScript(el, relative))
	if err != nil {
		return "", fmt.Errorf("text at %s relative to %s: %w", relative, el, err)
	}
	return res.Text, nil
}

func (c *Controller) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := c.drv.screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return data, nil
}

func (c *Controller) SetCookie(ctx context.Context, cookie Cookie) error {
	if strings.TrimSpace(cookie.Domain) == "" {
		return fmt.Errorf("set cookie %s: domain is required", cookie.Name)
	}
	if cookie.Path == "" {
		cookie.Path = "/"
	}
	if err := c.drv.setCookie(ctx, cookie); err != nil {
		return fmt.Errorf("set cookie %s: %w", cookie.Name, err)
	}
	return nil
}

func (c *Controller) ConsoleLog(ctx context.Context) ([]ConsoleEntry, error) {
	entries, err := c.drv.consoleLog(ctx)
	if err != nil {
		return nil, fmt.Errorf("read console log: %w", err)
	}
	return entries, nil
}

func (c *Controller) Close() error {
	return c.drv.close()
}

func (c *Controller) run(ctx context.Context, script string) (scriptResult, error) {
	var res scriptResult
	if err := c.drv.evaluate(ctx, script, &res); err != nil {
		return scriptResult{}, err
	}
	if !res.OK {
		return res, scriptError(res)
	}
	return res, nil
}

func scriptError(res scriptResult) error {
	var base error
	switch res.Error {
	case "stale":
		base = ErrStaleElement
	case "not_found":
		base = ErrNoSuchElement
	case "intercepted":
		base = ErrClickIntercepted
	case "not_interactable":
		base = ErrNotInteractable
	default:
		if res.Error == "" {
			return errors.New("page script failed")
		}
		return errors.New(res.Error)
	}
	if res.Detail != "" {
		return fmt.Errorf("%w: %s", base, res.Detail)
	}
	return base
}
