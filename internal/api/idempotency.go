package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VenkatGGG/notebook-relay/internal/idempotency"
	"github.com/VenkatGGG/notebook-relay/internal/poll"
	"github.com/VenkatGGG/notebook-relay/pkg/httpx"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"

	defaultDuplicateWait = 4 * time.Second
	duplicateInterval    = 100 * time.Millisecond
)

// withIdempotency replays the stored response for a repeated Idempotency-Key
// on route. The key is bound to the named query parameters; reusing it with
// other values is rejected. Only 2xx responses are stored, so a failed query
// can be retried with the same key.
func (s *Server) withIdempotency(route string, params []string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if s.idempotency == nil || key == "" {
			next(w, r)
			return
		}

		call := idempotency.Call{Route: route, Key: key}
		values := r.URL.Query()
		for _, name := range params {
			call.Params = append(call.Params, strings.TrimSpace(values.Get(name)))
		}

		holder := "idem-" + strings.ReplaceAll(uuid.NewString(), "-", "")
		state, stored, err := s.idempotency.Begin(r.Context(), call, holder, s.idempotencyLock)
		if err != nil {
			writeIdempotencyError(w, err)
			return
		}
		switch state {
		case idempotency.Replay:
			writeIdempotentResponse(w, stored)
			return
		case idempotency.Pending:
			stored, ok, err := s.waitForIdempotentResponse(r.Context(), call)
			switch {
			case err != nil:
				writeIdempotencyError(w, err)
			case ok:
				writeIdempotentResponse(w, stored)
			default:
				httpx.WriteError(w, http.StatusConflict, "request_in_progress", "another request with this idempotency key is still in progress")
			}
			return
		}

		rec := httptest.NewRecorder()
		next(rec, r)

		result := rec.Result()
		defer result.Body.Close()
		body, _ := io.ReadAll(result.Body)

		var keep *idempotency.Response
		if result.StatusCode >= 200 && result.StatusCode < 300 {
			keep = &idempotency.Response{
				Status:      result.StatusCode,
				ContentType: result.Header.Get("Content-Type"),
				Body:        bytes.Clone(body),
			}
		}
		if err := s.idempotency.Finish(context.Background(), call, holder, keep, s.idempotencyTTL); err != nil {
			s.log.Warn("idempotency finish failed", zap.String("route", route), zap.Error(err))
		}
		copyResponse(w, result.Header, result.StatusCode, body)
	}
}

func (s *Server) waitForIdempotentResponse(ctx context.Context, call idempotency.Call) (idempotency.Response, bool, error) {
	var resp idempotency.Response
	err := poll.Until(ctx, poll.Spec{Site: "idempotent response", Interval: duplicateInterval, Timeout: s.duplicateWait},
		func(ctx context.Context) (bool, error) {
			found, ok, err := s.idempotency.Lookup(ctx, call)
			if err != nil {
				return false, poll.Permanent(err)
			}
			resp = found
			return ok, nil
		})
	switch {
	case err == nil:
		return resp, true, nil
	case errors.Is(err, idempotency.ErrKeyReused):
		return idempotency.Response{}, false, err
	default:
		return idempotency.Response{}, false, nil
	}
}

func writeIdempotencyError(w http.ResponseWriter, err error) {
	if errors.Is(err, idempotency.ErrKeyReused) {
		httpx.WriteError(w, http.StatusUnprocessableEntity, "idempotency_key_reused", err.Error())
		return
	}
	httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", err.Error())
}

func writeIdempotentResponse(w http.ResponseWriter, resp idempotency.Response) {
	if contentType := strings.TrimSpace(resp.ContentType); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set(replayedHeader, "true")
	status := resp.Status
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func copyResponse(w http.ResponseWriter, header http.Header, status int, body []byte) {
	for key, values := range header {
		w.Header().Del(key)
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
