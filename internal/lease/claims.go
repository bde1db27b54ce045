// Package lease keeps query executions from overlapping. An execution claims
// the relay, and optionally the notebook it drives, for a bounded time; a
// second execution that finds a claim taken is turned away instead of queued.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Relay is claimed by every execution of this process or, with a shared
// store, of every replica.
const Relay Scope = "executor"

var ErrTaken = errors.New("claimed by another execution")

// Scope names something an execution claims.
type Scope string

// Notebook is the scope of a single notebook, so replicas signed in to the
// same account never type into it at once.
func Notebook(targetURL string) Scope {
	return Scope("notebook:" + strings.TrimSpace(targetURL))
}

// TakenError reports the scope another execution holds.
type TakenError struct {
	Scope Scope
}

func (e *TakenError) Error() string { return fmt.Sprintf("%s is %s", e.Scope, ErrTaken) }

func (e *TakenError) Is(target error) bool { return target == ErrTaken }

// Store records claims. A claim lapses after its TTL whether or not it was
// dropped, so an execution that dies mid-way never blocks the relay for good.
type Store interface {
	TryClaim(ctx context.Context, scope Scope, execution string, ttl time.Duration) (bool, error)
	// Drop removes the claim only while execution still holds it.
	Drop(ctx context.Context, scope Scope, execution string) error
}

// Claims are the scopes held by one execution.
type Claims struct {
	store     Store
	execution string
	scopes    []Scope
	log       *zap.Logger
	once      sync.Once
}

// Take claims every scope in order for execution, or none of them. The TTL
// must outlast the execution; claims are never extended.
func Take(ctx context.Context, store Store, execution string, ttl time.Duration, log *zap.Logger, scopes ...Scope) (*Claims, error) {
	execution = strings.TrimSpace(execution)
	if execution == "" {
		return nil, errors.New("execution id is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("claim ttl must be positive, got %s", ttl)
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := &Claims{store: store, execution: execution, log: log}
	for _, scope := range scopes {
		ok, err := store.TryClaim(ctx, scope, execution, ttl)
		if err == nil && !ok {
			err = &TakenError{Scope: scope}
		}
		if err != nil {
			c.drop()
			return nil, err
		}
		c.scopes = append(c.scopes, scope)
		log.Debug("scope claimed", zap.String("scope", string(scope)), zap.Duration("ttl", ttl))
	}
	return c, nil
}

// Release drops the claims in reverse order. Later calls do nothing.
func (c *Claims) Release() {
	c.once.Do(c.drop)
}

func (c *Claims) drop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if err := c.store.Drop(ctx, c.scopes[i], c.execution); err != nil {
			c.log.Warn("claim not dropped, it lapses with its ttl",
				zap.String("scope", string(c.scopes[i])), zap.Error(err))
		}
	}
	c.scopes = nil
}
