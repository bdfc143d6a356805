// Package actortest provides a scripted in-memory Transport for tests.
package actortest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"blockverse/internal/actor"
	"blockverse/internal/identity"
	"blockverse/internal/models"
)

// Handler produces the payload for one call. Returning a Reject yields a
// declared remote failure; any other error is a transport failure.
type Handler func(ctx context.Context, args []any) (any, error)

// Reject is a failure string declared by the remote.
type Reject string

func (r Reject) Error() string { return string(r) }

// Fake records calls and answers them from per-method handlers.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []actor.Call
}

// NewFake returns a fake with no scripted methods.
func NewFake() *Fake {
	return &Fake{handlers: make(map[string]Handler)}
}

// Handle scripts method with h.
func (f *Fake) Handle(method string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
	return f
}

// Return scripts method to always succeed with v.
func (f *Fake) Return(method string, v any) *Fake {
	return f.Handle(method, func(context.Context, []any) (any, error) { return v, nil })
}

// Fail scripts method to always be rejected with msg.
func (f *Fake) Fail(method, msg string) *Fake {
	return f.Handle(method, func(context.Context, []any) (any, error) { return nil, Reject(msg) })
}

func (f *Fake) Invoke(ctx context.Context, _ string, call actor.Call) (*actor.Envelope, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	h, ok := f.handlers[call.Method]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("actortest: method %q not scripted", call.Method)
	}

	v, err := h(ctx, call.Args)
	var rej Reject
	if errors.As(err, &rej) {
		msg := string(rej)
		return &actor.Envelope{Err: &msg}, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &actor.Envelope{Ok: data}, nil
}

// Count returns how many times method was invoked.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Total returns the number of calls of any method.
func (f *Fake) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Calls returns the arguments of every call to method, oldest first.
func (f *Fake) Calls(method string) [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]any
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c.Args)
		}
	}
	return out
}

// LastArgs returns the arguments of the most recent call to method.
func (f *Fake) LastArgs(method string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Method == method {
			return f.calls[i].Args
		}
	}
	return nil
}

// Gate parks a handler until released so tests can observe in-flight state.
type Gate struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

// NewGate returns a closed gate.
func NewGate() *Gate {
	return &Gate{entered: make(chan struct{}), release: make(chan struct{})}
}

// Wrap returns a handler that blocks in the gate before delegating to h.
func (g *Gate) Wrap(h Handler) Handler {
	return func(ctx context.Context, args []any) (any, error) {
		g.once.Do(func() { close(g.entered) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return h(ctx, args)
	}
}

// Entered is closed once a call reaches the gate.
func (g *Gate) Entered() <-chan struct{} { return g.entered }

// Wait blocks until a call reaches the gate or fails the test after a second.
func (g *Gate) Wait(t testing.TB) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(time.Second):
		t.Fatal("actortest: no call reached the gate")
	}
}

// Release lets every parked call proceed.
func (g *Gate) Release() { close(g.release) }

// Credential returns a credential for p valid for an hour.
func Credential(p models.Principal) identity.Credential {
	return identity.Credential{Token: "token-" + string(p), Principal: p, ExpiresAt: time.Now().Add(time.Hour)}
}

// Bind returns an Actor for p over f.
func Bind(t testing.TB, f *Fake, p models.Principal) *actor.Actor {
	t.Helper()
	a, err := actor.New(f, Credential(p), "test-canister")
	if err != nil {
		t.Fatalf("actortest: bind: %v", err)
	}
	return a
}

// Post encodes p as the remote would return it to a caller.
func Post(p models.Post) actor.WirePost { return actor.ToWire(p) }

// Posts encodes a slice of posts.
func Posts(ps ...models.Post) []actor.WirePost {
	out := make([]actor.WirePost, 0, len(ps))
	for _, p := range ps {
		out = append(out, actor.ToWire(p))
	}
	return out
}
