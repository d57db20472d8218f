package ipc

import (
	"context"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"relay-netctl/internal/core"
)

// RPCTracker counts in-flight control RPCs and logs each call.
type RPCTracker struct {
	active  atomic.Int64
	watches atomic.Int64
	calls   atomic.Uint64
}

// NewRPCTracker creates a tracker.
func NewRPCTracker() *RPCTracker {
	return &RPCTracker{}
}

// ActiveCount returns the current number of active RPCs.
func (t *RPCTracker) ActiveCount() int64 {
	return t.active.Load()
}

// Watchers returns the number of open streaming RPCs.
func (t *RPCTracker) Watchers() int64 {
	return t.watches.Load()
}

// Calls returns the number of RPCs handled so far.
func (t *RPCTracker) Calls() uint64 {
	return t.calls.Load()
}

func logCall(method string, start time.Time, err error) {
	if err != nil {
		core.Log.Warnf("IPC", "%s failed after %s: %s", method, time.Since(start).Round(time.Millisecond), status.Convert(err).Message())
		return
	}
	core.Log.Debugf("IPC", "%s ok (%s)", method, time.Since(start).Round(time.Millisecond))
}

// UnaryInterceptor tracks and logs unary RPCs.
func (t *RPCTracker) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		t.active.Add(1)
		defer t.active.Add(-1)
		t.calls.Add(1)
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(info.FullMethod, start, err)
		return resp, err
	}
}

// StreamInterceptor tracks and logs streaming RPCs.
func (t *RPCTracker) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		t.active.Add(1)
		defer t.active.Add(-1)
		t.calls.Add(1)
		if n := t.watches.Add(1); n == 1 {
			core.Log.Debugf("IPC", "First watcher attached")
		}
		defer t.watches.Add(-1)
		start := time.Now()
		err := handler(srv, ss)
		logCall(info.FullMethod, start, err)
		return err
	}
}
