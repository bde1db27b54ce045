package idempotency

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type doneCall struct {
	resp  Response
	until time.Time
}

type runningCall struct {
	holder      string
	fingerprint string
	until       time.Time
}

// LocalLedger keeps keyed calls in process memory.
type LocalLedger struct {
	mu      sync.Mutex
	done    map[string]doneCall
	running map[string]runningCall
	now     func() time.Time
}

func NewLocalLedger() *LocalLedger {
	return &LocalLedger{
		done:    make(map[string]doneCall),
		running: make(map[string]runningCall),
		now:     time.Now,
	}
}

func (l *LocalLedger) Begin(_ context.Context, call Call, holder string, pendingTTL time.Duration) (State, Response, error) {
	id, err := call.id()
	if err != nil {
		return 0, Response{}, err
	}
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	if resp, ok := l.storedLocked(id, now); ok {
		if err := checkFingerprint(call, resp.Fingerprint); err != nil {
			return 0, Response{}, err
		}
		return Replay, resp, nil
	}
	if r, ok := l.running[id]; ok && now.Before(r.until) {
		if err := checkFingerprint(call, r.fingerprint); err != nil {
			return 0, Response{}, err
		}
		return Pending, Response{}, nil
	}
	l.running[id] = runningCall{holder: holder, fingerprint: call.Fingerprint(), until: now.Add(pendingTTL)}
	return Run, Response{}, nil
}

func (l *LocalLedger) Lookup(_ context.Context, call Call) (Response, bool, error) {
	id, err := call.id()
	if err != nil {
		return Response{}, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	resp, ok := l.storedLocked(id, l.now())
	if !ok {
		return Response{}, false, nil
	}
	if err := checkFingerprint(call, resp.Fingerprint); err != nil {
		return Response{}, false, err
	}
	return resp, true, nil
}

func (l *LocalLedger) Finish(_ context.Context, call Call, holder string, resp *Response, ttl time.Duration) error {
	id, err := call.id()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if resp != nil {
		stored := *resp
		stored.Body = bytes.Clone(resp.Body)
		stored.Fingerprint = call.Fingerprint()
		l.done[id] = doneCall{resp: stored, until: l.now().Add(ttl)}
	}
	if r, ok := l.running[id]; ok && r.holder == holder {
		delete(l.running, id)
	}
	return nil
}

// storedLocked must be called with mu held.
func (l *LocalLedger) storedLocked(id string, now time.Time) (Response, bool) {
	d, ok := l.done[id]
	if !ok {
		return Response{}, false
	}
	if !now.Before(d.until) {
		delete(l.done, id)
		return Response{}, false
	}
	resp := d.resp
	resp.Body = bytes.Clone(d.resp.Body)
	return resp, true
}
