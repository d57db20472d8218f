package ipc

import (
	"errors"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"

	"relay-netctl/internal/core"
	"relay-netctl/internal/service"
)

// Server wraps a gRPC server listening on the control socket.
type Server struct {
	grpc     *grpc.Server
	tracker  *RPCTracker
	path     string
	listener net.Listener
}

// NewServer creates a server for the control service. Every RPC goes
// through the tracker's interceptors.
func NewServer(svc service.ControlServer, path string, opts ...grpc.ServerOption) *Server {
	if path == "" {
		path = DefaultSocket
	}
	tracker := NewRPCTracker()
	opts = append(opts,
		grpc.ChainUnaryInterceptor(tracker.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(tracker.StreamInterceptor()),
	)
	gs := grpc.NewServer(opts...)
	service.RegisterControlServer(gs, svc)
	return &Server{grpc: gs, tracker: tracker, path: path}
}

// Start opens the socket and serves in the background.
func (s *Server) Start() error {
	ln, err := Listen(s.path)
	if err != nil {
		return err
	}
	s.listener = ln
	core.Log.Infof("IPC", "Control socket listening on %s", s.path)
	go func() {
		if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			core.Log.Errorf("IPC", "gRPC server: %v", err)
		}
	}()
	return nil
}

// Stop drains in-flight RPCs for up to timeout, then closes everything and
// removes the socket file.
func (s *Server) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		core.Log.Warnf("IPC", "Graceful stop timed out with %d RPCs active, forcing", s.tracker.ActiveCount())
		s.grpc.Stop()
	}
	if s.listener != nil {
		_ = os.Remove(s.path)
	}
}

// ActiveRPCs returns the number of RPCs in flight, watch streams included.
func (s *Server) ActiveRPCs() int64 {
	return s.tracker.ActiveCount()
}

// Tracker returns the RPC tracker of the server.
func (s *Server) Tracker() *RPCTracker {
	return s.tracker
}
