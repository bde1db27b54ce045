package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// Client is a connection to one page target. A single reader goroutine owns
// the socket and hands replies to the waiting Call by id, so a caller giving
// up on a reply never tears the connection down.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Int64
	stop   context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending map[int64]chan envelope
	enabled map[string]bool
	console []ConsoleEntry
	readErr error
}

type targetResponse struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type envelope struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// MouseEvent mirrors the parameters of Input.dispatchMouseEvent.
type MouseEvent struct {
	Type       string
	X          float64
	Y          float64
	Button     string
	ClickCount int
}

// ConsoleEntry is one console API call or browser log entry of the page.
type ConsoleEntry struct {
	Level     string
	Source    string
	Text      string
	Timestamp time.Time
}

// Cookie mirrors the parameters of Network.setCookie.
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

const (
	defaultCallTimeout = 20 * time.Second
	writeTimeout       = 10 * time.Second
	closeTimeout       = 5 * time.Second
	maxConsoleEntries  = 500
)

// BaseURLFromWebSocket turns a browser debugger URL such as
// ws://127.0.0.1:9222/devtools/browser/<id> into its HTTP endpoint base.
func BaseURLFromWebSocket(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse debugger url: %w", err)
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported debugger url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", errors.New("debugger url has no host")
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

// Dial attaches to the first page target of the browser behind baseURL,
// opening a blank one when the browser has none.
func Dial(ctx context.Context, baseURL string) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		trimmed = "http://127.0.0.1:9222"
	}
	trimmed = strings.TrimSuffix(trimmed, "/")

	targets, err := fetchTargets(ctx, http.MethodGet, trimmed+"/json/list")
	if err != nil {
		return nil, err
	}

	var pageSocketURL string
	for _, target := range targets {
		if target.Type == "page" && strings.TrimSpace(target.WebSocketDebuggerURL) != "" {
			pageSocketURL = target.WebSocketDebuggerURL
			break
		}
	}
	if pageSocketURL == "" {
		created, err := fetchTargets(ctx, http.MethodPut, trimmed+"/json/new?about:blank")
		if err != nil {
			return nil, fmt.Errorf("no page target websocket found: %w", err)
		}
		if len(created) == 0 || strings.TrimSpace(created[0].WebSocketDebuggerURL) == "" {
			return nil, fmt.Errorf("no page target websocket found")
		}
		pageSocketURL = created[0].WebSocketDebuggerURL
	}

	conn, _, err := websocket.Dial(ctx, pageSocketURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial cdp websocket: %w", err)
	}
	conn.SetReadLimit(32 << 20)

	return newClient(conn), nil
}

func newClient(conn *websocket.Conn) *Client {
	readCtx, stop := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		stop:    stop,
		done:    make(chan struct{}),
		pending: make(map[int64]chan envelope),
		enabled: make(map[string]bool),
	}
	go c.readLoop(readCtx)
	return c
}

// fetchTargets reads /json/list (an array) or /json/new (a single object).
func fetchTargets(ctx context.Context, method, targetURL string) ([]targetResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build target request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query cdp target endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdp target endpoint returned status %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode cdp target response: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var single targetResponse
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("decode cdp target response: %w", err)
		}
		return []targetResponse{single}, nil
	}
	var targets []targetResponse
	if err := json.Unmarshal(raw, &targets); err != nil {
		return nil, fmt.Errorf("decode cdp target response: %w", err)
	}
	return targets, nil
}

func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "closing")
	c.stop()
	select {
	case <-c.done:
	case <-time.After(closeTimeout):
	}
	return err
}

// Navigate starts a navigation and fails when the browser reports a network
// level error for it. It does not wait for the load to finish.
func (c *Client) Navigate(ctx context.Context, targetURL string) error {
	if err := c.enable(ctx, "Page"); err != nil {
		return err
	}
	var response struct {
		FrameID   string `json:"frameId"`
		ErrorText string `json:"errorText"`
	}
	if err := c.Call(ctx, "Page.navigate", map[string]any{"url": targetURL}, &response); err != nil {
		return err
	}
	if strings.TrimSpace(response.ErrorText) != "" {
		return fmt.Errorf("navigate to %s: %s", targetURL, response.ErrorText)
	}
	return nil
}

func (c *Client) ReadyState(ctx context.Context) (string, error) {
	return c.EvaluateString(ctx, "document.readyState")
}

func (c *Client) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	if err := c.enable(ctx, "Page"); err != nil {
		return nil, err
	}
	var response struct {
		Data string `json:"data"`
	}
	if err := c.Call(ctx, "Page.captureScreenshot", map[string]any{"format": "png"}, &response); err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(response.Data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return decoded, nil
}

func (c *Client) EvaluateString(ctx context.Context, expression string) (string, error) {
	value, err := c.EvaluateAny(ctx, expression)
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", nil
	}
	return fmt.Sprint(value), nil
}

func (c *Client) EvaluateAny(ctx context.Context, expression string) (any, error) {
	var value any
	if err := c.Evaluate(ctx, expression, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// Evaluate runs expression in the page and decodes its JSON value into out.
// A thrown exception is returned as an error.
func (c *Client) Evaluate(ctx context.Context, expression string, out any) error {
	if err := c.enable(ctx, "Runtime"); err != nil {
		return err
	}
	var response struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := c.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	}, &response); err != nil {
		return err
	}
	if details := response.ExceptionDetails; details != nil {
		message := strings.TrimSpace(details.Text)
		if details.Exception != nil && strings.TrimSpace(details.Exception.Description) != "" {
			message = strings.TrimSpace(details.Exception.Description)
		}
		return fmt.Errorf("evaluate: %s", message)
	}
	if out == nil || len(response.Result.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(response.Result.Value, out); err != nil {
		return fmt.Errorf("decode evaluate result: %w", err)
	}
	return nil
}

func (c *Client) InsertText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	if err := c.Call(ctx, "Input.insertText", map[string]any{"text": text}, nil); err != nil {
		return fmt.Errorf("insert text: %w", err)
	}
	return nil
}

func (c *Client) DispatchMouseEvent(ctx context.Context, event MouseEvent) error {
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		return errors.New("mouse event type is required")
	}
	button := strings.TrimSpace(event.Button)
	if button == "" {
		button = "none"
	}

	payload := map[string]any{
		"type":   eventType,
		"x":      event.X,
		"y":      event.Y,
		"button": button,
	}
	if event.ClickCount > 0 {
		payload["clickCount"] = event.ClickCount
	}
	return c.Call(ctx, "Input.dispatchMouseEvent", payload, nil)
}

// Click presses and releases the left button at the given viewport point.
func (c *Client) Click(ctx context.Context, x, y float64) error {
	for _, eventType := range []string{"mouseMoved", "mousePressed", "mouseReleased"} {
		event := MouseEvent{Type: eventType, X: x, Y: y}
		if eventType != "mouseMoved" {
			event.Button = "left"
			event.ClickCount = 1
		}
		if err := c.DispatchMouseEvent(ctx, event); err != nil {
			return fmt.Errorf("dispatch %s: %w", eventType, err)
		}
	}
	return nil
}

// SetCookie stores a cookie in the browser for its domain; the page does
// not have to be on that domain.
func (c *Client) SetCookie(ctx context.Context, cookie Cookie) error {
	params := map[string]any{
		"name":   cookie.Name,
		"value":  cookie.Value,
		"domain": cookie.Domain,
		"path":   cookie.Path,
	}
	if cookie.Secure {
		params["secure"] = true
	}
	if cookie.HTTPOnly {
		params["httpOnly"] = true
	}
	if cookie.SameSite != "" {
		params["sameSite"] = cookie.SameSite
	}
	if cookie.Expires > 0 {
		params["expires"] = cookie.Expires
	}
	var response struct {
		Success *bool `json:"success"`
	}
	if err := c.Call(ctx, "Network.setCookie", params, &response); err != nil {
		return fmt.Errorf("set cookie %s: %w", cookie.Name, err)
	}
	if response.Success != nil && !*response.Success {
		return fmt.Errorf("set cookie %s: rejected by browser", cookie.Name)
	}
	return nil
}

// ConsoleEntries enables console reporting and returns the entries collected
// since the previous call. Enabling the Log domain replays what the browser
// logged before, so the first call also sees the page's early output.
func (c *Client) ConsoleEntries(ctx context.Context) ([]ConsoleEntry, error) {
	for _, domain := range []string{"Runtime", "Log"} {
		if err := c.enable(ctx, domain); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.console
	c.console = nil
	return out, nil
}

func (c *Client) enable(ctx context.Context, domain string) error {
	c.mu.Lock()
	done := c.enabled[domain]
	c.mu.Unlock()
	if done {
		return nil
	}
	if err := c.Call(ctx, domain+".enable", nil, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.enabled[domain] = true
	c.mu.Unlock()
	return nil
}

// Call sends one command and waits for its reply. When ctx ends first the
// reply is dropped on arrival and the connection stays usable.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	requestID := c.nextID.Add(1)
	reply := make(chan envelope, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return fmt.Errorf("cdp %s: connection closed: %w", method, err)
	}
	c.pending[requestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	payload := map[string]any{
		"id":     requestID,
		"method": method,
	}
	if params != nil {
		payload["params"] = params
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode cdp request: %w", err)
	}
	if err := c.write(ctx, raw); err != nil {
		return fmt.Errorf("write cdp request: %w", err)
	}

	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	select {
	case env := <-reply:
		if env.Error != nil {
			return fmt.Errorf("cdp %s failed (%d): %s", method, env.Error.Code, env.Error.Message)
		}
		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("decode %s response: %w", method, err)
			}
		}
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("cdp %s: %w", method, waitCtx.Err())
	case <-c.done:
		return fmt.Errorf("cdp %s: connection closed: %w", method, c.closedErr())
	}
}

// write detaches from ctx cancellation once started: the websocket library
// closes the connection when a write's context ends mid-frame.
func (c *Client) write(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, raw)
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		return errors.New("reader stopped")
	}
	return c.readErr
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		_, message, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		if env.ID == 0 {
			c.handleEvent(env)
			continue
		}

		c.mu.Lock()
		reply, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if ok {
			reply <- env
		}
	}
}

func (c *Client) handleEvent(env envelope) {
	var entry ConsoleEntry
	switch env.Method {
	case "Runtime.consoleAPICalled":
		var params struct {
			Type      string  `json:"type"`
			Timestamp float64 `json:"timestamp"`
			Args      []struct {
				Value       json.RawMessage `json:"value"`
				Description string          `json:"description"`
			} `json:"args"`
		}
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return
		}
		parts := make([]string, 0, len(params.Args))
		for _, arg := range params.Args {
			parts = append(parts, remoteValueText(arg.Value, arg.Description))
		}
		entry = ConsoleEntry{
			Level:     params.Type,
			Source:    "console-api",
			Text:      strings.Join(parts, " "),
			Timestamp: time.UnixMilli(int64(params.Timestamp)).UTC(),
		}
	case "Log.entryAdded":
		var params struct {
			Entry struct {
				Source    string  `json:"source"`
				Level     string  `json:"level"`
				Text      string  `json:"text"`
				Timestamp float64 `json:"timestamp"`
			} `json:"entry"`
		}
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return
		}
		entry = ConsoleEntry{
			Level:     params.Entry.Level,
			Source:    params.Entry.Source,
			Text:      params.Entry.Text,
			Timestamp: time.UnixMilli(int64(params.Entry.Timestamp)).UTC(),
		}
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.console) >= maxConsoleEntries {
		c.console = c.console[1:]
	}
	c.console = append(c.console, entry)
}

func remoteValueText(value json.RawMessage, description string) string {
	if len(value) == 0 {
		return description
	}
	var text string
	if err := json.Unmarshal(value, &text); err == nil {
		return text
	}
	return string(value)
}
