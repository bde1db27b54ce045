package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type fakeRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// fakeDevTools serves the /json endpoints and a single page websocket whose
// replies are produced by handle.
type fakeDevTools struct {
	t        *testing.T
	server   *httptest.Server
	noPages  bool
	handle   func(req fakeRequest) (any, *responseError)
	events   func(req fakeRequest) []map[string]any
	mu       sync.Mutex
	received []fakeRequest
	created  int
}

func newFakeDevTools(t *testing.T, noPages bool, handle func(req fakeRequest) (any, *responseError)) *fakeDevTools {
	t.Helper()
	return newEmittingDevTools(t, noPages, handle, nil)
}

// newEmittingDevTools also sends the events returned by events ahead of the
// reply to each request.
func newEmittingDevTools(t *testing.T, noPages bool, handle func(req fakeRequest) (any, *responseError), events func(req fakeRequest) []map[string]any) *fakeDevTools {
	t.Helper()
	fake := &fakeDevTools{t: t, noPages: noPages, handle: handle, events: events}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		targets := []targetResponse{{ID: "worker", Type: "service_worker"}}
		if !fake.noPages {
			targets = append(targets, targetResponse{ID: "page-1", Type: "page", WebSocketDebuggerURL: fake.wsURL()})
		}
		_ = json.NewEncoder(w).Encode(targets)
	})
	mux.HandleFunc("/json/new", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		fake.mu.Lock()
		fake.created++
		fake.mu.Unlock()
		_ = json.NewEncoder(w).Encode(targetResponse{ID: "page-new", Type: "page", WebSocketDebuggerURL: fake.wsURL()})
	})
	mux.HandleFunc("/devtools/page/1", fake.serveSocket)
	fake.server = httptest.NewServer(mux)
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeDevTools) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/devtools/page/1"
}

func (f *fakeDevTools) requests() []fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeRequest(nil), f.received...)
}

func (f *fakeDevTools) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req fakeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, req)
		f.mu.Unlock()

		// An unrelated event first, to exercise id matching.
		event, _ := json.Marshal(map[string]any{"method": "Page.frameNavigated", "params": map[string]any{}})
		if err := conn.Write(ctx, websocket.MessageText, event); err != nil {
			return
		}
		if f.events != nil {
			for _, extra := range f.events(req) {
				payload, _ := json.Marshal(extra)
				if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
					return
				}
			}
		}

		reply := map[string]any{"id": req.ID}
		result, respErr := f.handle(req)
		if respErr != nil {
			reply["error"] = respErr
		} else {
			if result == nil {
				result = map[string]any{}
			}
			reply["result"] = result
		}
		payload, _ := json.Marshal(reply)
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return
		}
	}
}

func evaluateReply(value any) map[string]any {
	return map[string]any{"result": map[string]any{"type": "object", "value": value}}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBaseURLFromWebSocket(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"ws://127.0.0.1:9222/devtools/browser/abc": "http://127.0.0.1:9222",
		"wss://example.com/devtools/browser/abc":   "https://example.com",
		"http://localhost:9222":                    "http://localhost:9222",
	}
	for input, want := range cases {
		got, err := BaseURLFromWebSocket(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got)
	}

	_, err := BaseURLFromWebSocket("ftp://example.com")
	assert.Error(t, err)
	_, err = BaseURLFromWebSocket("ws:///devtools")
	assert.Error(t, err)
}

func TestEvaluateDecodesValueAndSkipsEvents(t *testing.T) {
	t.Parallel()

	fake := newFakeDevTools(t, false, func(req fakeRequest) (any, *responseError) {
		if req.Method == "Runtime.evaluate" {
			return evaluateReply(map[string]any{"ok": true, "count": 3}), nil
		}
		return nil, nil
	})

	ctx := testContext(t)
	client, err := Dial(ctx, fake.server.URL)
	require.NoError(t, err)
	defer client.Close()

	var out struct {
		OK    bool `json:"ok"`
		Count int  `json:"count"`
	}
	require.NoError(t, client.Evaluate(ctx, "({ok: true, count: 3})", &out))
	assert.True(t, out.OK)
	assert.Equal(t, 3, out.Count)

	// Runtime is enabled only once.
	require.NoError(t, client.Evaluate(ctx, "1", nil))
	enables := 0
	for _, req := range fake.requests() {
		if req.Method == "Runtime.enable" {
			enables++
		}
	}
	assert.Equal(t, 1, enables)
}

func TestCallSurvivesAbandonedReply(t *testing.T) {
	t.Parallel()

	fake := newFakeDevTools(t, false, func(req fakeRequest) (any, *responseError) {
		if req.Method != "Runtime.evaluate" {
			return nil, nil
		}
		if req.Params["expression"] == "slow()" {
			time.Sleep(300 * time.Millisecond)
			return evaluateReply("late"), nil
		}
		return evaluateReply("fresh"), nil
	})

	ctx := testContext(t)
	client, err := Dial(ctx, fake.server.URL)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Evaluate(ctx, "warmup()", nil))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	var value string
	err = client.Evaluate(short, "slow()", &value)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The late reply is discarded and the connection keeps working.
	require.NoError(t, client.Evaluate(ctx, "next()", &value))
	assert.Equal(t, "fresh", value)
}

func TestCallFailsOnceConnectionDrops(t *testing.T) {
	t.Parallel()

	fake := newFakeDevTools(t, false, func(req fakeRequest) (any, *responseError) { return nil, nil })

	ctx := testContext(t)
	client, err := Dial(ctx, fake.server.URL)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	err = client.Call(ctx, "Page.enable", nil, nil)
	assert.Error(t, err)
}

func TestConsoleEntriesCollectsLogEvents(t *testing.T) {
	t.Parallel()

	fake := newEmittingDevTools(t, false,
		func(req fakeRequest) (any, *responseError) { return nil, nil },
		func(req fakeRequest) []map[string]any {
			switch req.Method {
			case "Runtime.enable":
				return []map[string]any{{
					"method": "Runtime.consoleAPICalled",
					"params": map[string]any{
						"type":      "warning",
						"timestamp": 1700000000000.0,
						"args": []any{
							map[string]any{"type": "string", "value": "quota low:"},
							map[string]any{"type": "number", "value": 3},
							map[string]any{"type": "object", "description": "Object"},
						},
					},
				}}
			case "Log.enable":
				return []map[string]any{{
					"method": "Log.entryAdded",
					"params": map[string]any{"entry": map[string]any{
						"source": "network", "level": "error", "text": "Failed to load resource", "timestamp": 1700000000500.0,
					}},
				}}
			}
			return nil
		})

	ctx := testContext(t)
	client, err := Dial(ctx, fake.server.URL)
	require.NoError(t, err)
	defer client.Close()

	entries, err := client.ConsoleEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "warning", entries[0].Level)
	assert.Equal(t, "console-api", entries[0].Source)
	assert.Equal(t, "quota low: 3 Object", entries[0].Text)
	assert.Equal(t, int64(1700000000000), entries[0].Timestamp.UnixMilli())
	assert.Equal(t, ConsoleEntry{
		Level:     "error",
		Source:    "network",
		Text:      "Failed to load resource",
		Timestamp: time.UnixMilli(1700000000500).UTC(),
	}, entries[1])

	// Entries are handed out once.
	entries, err = client.ConsoleEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSetCookieSendsParameters(t *testing.T) {
	t.Parallel()

	fake := newFakeDevTools(t, false, func(req fakeRequest) (any, *responseError) {
		if req.Method == "Network.setCookie" && req.Params["name"] == "rejected" {
			return map[string]any{"success": false}, nil
		}
		return map[string]any{"success": true}, nil
	})

	ctx := testContext(t)
	client, err := Dial(ctx, fake.server.URL)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetCookie(ctx, Cookie{
		Name: "SID", Value: "abc", Domain: ".example.com", Path: "/", Secure: true, HTTPOnly: true, Expires: 1900000000,
	}))
	err = client.SetCookie(ctx, Cookie{Name: "rejected", Value: "x", Domain: "example.com", Path: "/"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")

	var params map[string]any
	for _, req := range fake.requests() {
		if req.Method == "Network.setCookie" && req.Params["name"] == "SID" {
			params = req.Params
		}
	}
	require.NotNil(t, params)
	assert.Equal(t, ".example.com", params["domain"])
	assert.Equal(t, true, params["secure"])
	assert.Equal(t, true, params["httpOnly"])
	assert.Equal(t, float64(1900000000), params["expires"])
	assert.NotContains(t, params, "sameSite")
}

func TestEvaluateReturnsException(t *testing.T) {
	t.Parallel()

	fake := newFakeDevTools(t, false, func(req fakeRequest) (any, *responseError) {
		if req.Method == "Runtime.evaluate" {
			return map[string]any{
				"result": map[string]any{"type": "object"},
				"exceptionDetails": map[string]any{
					"text":      "Uncaught",
					"exception": map[string]any{"description": "TypeError: boom"},
				},
			}, nil
		}
		return nil, nil
	})

	ctx := testContext(t)
	client, err := Dial(ctx, fake.server.URL)
	require.NoError(t, err)
	defer client.Close()

	err = client.Evaluate(ctx, "boom()", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TypeError: boom")
}

func TestCallReturnsProtocolError(t *testing.T) {
	t.Parallel()

	fake := newFakeDevTools(t, false, func(req fakeRequest) (any, *responseError) {
		return nil, &responseError{Code: -32000, Message: "no such method"}
	})

	ctx := testContext(t)
	client, err := Dial(ctx, fake.server.URL)
	require.NoError(t, err)
	defer client.Close()

	err = client.Call(ctx, "Bogus.method", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such method")
}

func TestNavigateReportsErrorText(t *testing.T) {
	t.Parallel()

	fake := newFakeDevTools(t, false, func(req fakeRequest) (any, *responseError) {
		if req.Method == "Page.navigate" {
			return map[string]any{"frameId": "f1", "errorText": "net::ERR_NAME_NOT_RESOLVED"}, nil
		}
		return nil, nil
	})

	ctx := testContext(t)
	client, err := Dial(ctx, fake.server.URL)
	require.NoError(t, err)
	defer client.Close()

	err = client.Navigate(ctx, "https://nowhere.invalid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR_NAME_NOT_RESOLVED")
}

func TestClickDispatchesMouseSequence(t *testing.T) {
	t.Parallel()

	fake := newFakeDevTools(t, false, func(req fakeRequest) (any, *responseError) { return nil, nil })

	ctx := testContext(t)
	client, err := Dial(ctx, fake.server.URL)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Click(ctx, 10, 20))

	var types []string
	for _, req := range fake.requests() {
		if req.Method != "Input.dispatchMouseEvent" {
			continue
		}
		types = append(types, req.Params["type"].(string))
		assert.Equal(t, float64(10), req.Params["x"])
		assert.Equal(t, float64(20), req.Params["y"])
	}
	assert.Equal(t, []string{"mouseMoved", "mousePressed", "mouseReleased"}, types)
}

func TestCaptureScreenshotDecodesPNG(t *testing.T) {
	t.Parallel()

	png := []byte{0x89, 'P', 'N', 'G'}
	fake := newFakeDevTools(t, false, func(req fakeRequest) (any, *responseError) {
		if req.Method == "Page.captureScreenshot" {
			return map[string]any{"data": base64.StdEncoding.EncodeToString(png)}, nil
		}
		return nil, nil
	})

	ctx := testContext(t)
	client, err := Dial(ctx, fake.server.URL)
	require.NoError(t, err)
	defer client.Close()

	got, err := client.CaptureScreenshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, png, got)
}

func TestDialOpensPageWhenNoneExists(t *testing.T) {
	t.Parallel()

	fake := newFakeDevTools(t, true, func(req fakeRequest) (any, *responseError) {
		return evaluateReply("complete"), nil
	})

	ctx := testContext(t)
	client, err := Dial(ctx, fake.server.URL)
	require.NoError(t, err)
	defer client.Close()

	state, err := client.ReadyState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "complete", state)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.created)
}
