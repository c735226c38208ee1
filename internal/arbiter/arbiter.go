// Package arbiter decides which GCS instance may command the fleet. Two
// strategies share the SessionArbiter interface: LockClient holds a single
// server-side lock kept alive by heartbeats, SessionClient holds a session
// row and watches a change feed for takeover.
package arbiter

import (
	"context"
	"fmt"
	"sync"
)

// Code classifies a failed arbitration call.
type Code string

const (
	CodeLocked        Code = "LOCKED"
	CodeNotOwner      Code = "NOT_OWNER_OR_EXPIRED"
	CodeNetwork       Code = "NETWORK_ERROR"
	CodeInvalidClient Code = "INVALID_CLIENT_ID"
	CodeDatabase      Code = "DATABASE_ERROR"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeSessionTaken  Code = "SESSION_TAKEN"
	CodeSessionCreate Code = "SESSION_CREATE_FAILED"
)

// Result is the outcome of an arbitration call. Calls never return errors;
// transport problems become a Result with CodeNetwork.
type Result struct {
	OK      bool   `json:"ok"`
	Code    Code   `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	OwnerID string `json:"ownerId,omitempty"`
}

// Success is the OK result.
var Success = Result{OK: true}

// Failure builds a failed result.
func Failure(code Code, message string) Result {
	return Result{Code: code, Message: message}
}

func networkFailure(err error) Result {
	return Failure(CodeNetwork, fmt.Sprintf("network error: %v", err))
}

func (r Result) String() string {
	if r.OK {
		return "ok"
	}
	if r.Message == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// SessionArbiter is implemented by LockClient and SessionClient.
type SessionArbiter interface {
	Acquire(ctx context.Context) Result
	Heartbeat(ctx context.Context) Result
	Release(ctx context.Context) Result
	// ReleaseBeacon is Release bounded by its own short timeout, for
	// teardown paths that have no caller context.
	ReleaseBeacon()
	// StartHeartbeat begins periodic heartbeats, replacing any running loop.
	StartHeartbeat()
	StopHeartbeat()
	// OnLost registers the callback fired once per loss of ownership.
	OnLost(fn func())
	// Cleanup stops background work without contacting the server.
	Cleanup()
}

// lossSignal fires its callback at most once per arm.
type lossSignal struct {
	mu    sync.Mutex
	fn    func()
	armed bool
}

func (l *lossSignal) set(fn func()) {
	l.mu.Lock()
	l.fn = fn
	l.mu.Unlock()
}

func (l *lossSignal) arm() {
	l.mu.Lock()
	l.armed = true
	l.mu.Unlock()
}

func (l *lossSignal) disarm() {
	l.mu.Lock()
	l.armed = false
	l.mu.Unlock()
}

func (l *lossSignal) fire() bool {
	l.mu.Lock()
	if !l.armed {
		l.mu.Unlock()
		return false
	}
	l.armed = false
	fn := l.fn
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}
