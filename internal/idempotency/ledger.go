// Package idempotency lets a client retry /driver/setup or /execute/query
// with the same Idempotency-Key without the notebook seeing the request
// twice. A key is bound to the parameters it was first used with.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const (
	DefaultTTL        = 24 * time.Hour
	DefaultPendingTTL = 7 * time.Minute
)

var ErrKeyReused = errors.New("idempotency key was already used with different parameters")

// Call is one keyed request: the route, the client's key and the
// parameters that decide what the request does.
type Call struct {
	Route  string
	Key    string
	Params []string
}

func (c Call) id() (string, error) {
	route := strings.TrimSpace(c.Route)
	key := strings.TrimSpace(c.Key)
	if route == "" || key == "" {
		return "", errors.New("route and key are required")
	}
	sum := sha256.Sum256([]byte(route + "\x00" + key))
	return route + ":" + hex.EncodeToString(sum[:16]), nil
}

// Fingerprint identifies the parameters of c.
func (c Call) Fingerprint() string {
	sum := sha256.Sum256([]byte(strings.Join(c.Params, "\x00")))
	return hex.EncodeToString(sum[:16])
}

// Response is a stored answer, replayed as-is.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
	Fingerprint string `json:"fingerprint"`
}

type State int

const (
	// Run means the caller now holds the call and must Finish it.
	Run State = iota
	// Replay means a stored response was returned.
	Replay
	// Pending means another request with the same key is still running.
	Pending
)

// Ledger tracks keyed calls. Every method returns ErrKeyReused when the
// key is known with a different fingerprint.
type Ledger interface {
	// Begin returns the stored response for call, or claims call for holder
	// for at most pendingTTL.
	Begin(ctx context.Context, call Call, holder string, pendingTTL time.Duration) (State, Response, error)
	// Lookup returns the stored response without claiming.
	Lookup(ctx context.Context, call Call) (Response, bool, error)
	// Finish stores resp for ttl when it is not nil and ends holder's claim.
	// A nil resp lets the client retry with the same key.
	Finish(ctx context.Context, call Call, holder string, resp *Response, ttl time.Duration) error
}

func checkFingerprint(call Call, stored string) error {
	if stored != "" && stored != call.Fingerprint() {
		return ErrKeyReused
	}
	return nil
}
