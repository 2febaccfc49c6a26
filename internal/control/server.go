package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"

	"go.klb.dev/clipshare/internal/engine"
)

// Server exposes an engine on a local IPC socket (gRPC, no auth) and on a
// TCP port shared by gRPC and the HTTP/JSON gateway (optional bearer token).
type Server struct {
	eng   *engine.Engine
	token string

	ipcGRPC *grpc.Server
	tcpGRPC *grpc.Server
	http    *http.Server

	quit     chan struct{}
	quitOnce sync.Once

	mu        sync.Mutex
	listeners []net.Listener
}

// NewServer builds the gRPC servers and the gateway for eng.
func NewServer(eng *engine.Engine, token string) (*Server, error) {
	quit := make(chan struct{})
	tcpSvc := NewService(eng, token)
	tcpSvc.quit = quit
	ipcSvc := NewService(eng, "")
	ipcSvc.quit = quit
	gw, err := NewGateway(tcpSvc)
	if err != nil {
		return nil, err
	}

	s := &Server{
		eng:     eng,
		token:   token,
		ipcGRPC: grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary)),
		tcpGRPC: grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary)),
		http:    &http.Server{Handler: gw, ReadHeaderTimeout: 10 * time.Second},
		quit:    quit,
	}
	RegisterControlServer(s.ipcGRPC, ipcSvc)
	RegisterControlServer(s.tcpGRPC, tcpSvc)
	return s, nil
}

func (s *Server) track(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

// ServeIPC serves gRPC on a Unix socket listener until Shutdown.
func (s *Server) ServeIPC(ln net.Listener) error {
	s.track(ln)
	slog.Info("control socket listening", "path", ln.Addr().String())
	if err := s.ipcGRPC.Serve(ln); !isClosed(err) {
		return err
	}
	return nil
}

// ServeTCP splits ln between gRPC (HTTP/2 with application/grpc) and the
// HTTP gateway, and serves both until Shutdown.
func (s *Server) ServeTCP(ln net.Listener) error {
	s.track(ln)
	m := cmux.New(ln)
	grpcL := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldPrefixSendSettings("content-type", "application/grpc"))
	httpL := m.Match(cmux.Any())

	errc := make(chan error, 2)
	go func() { errc <- s.tcpGRPC.Serve(grpcL) }()
	go func() { errc <- s.http.Serve(httpL) }()

	slog.Info("control listening", "addr", ln.Addr().String(), "auth", s.token != "")
	err := m.Serve()
	if isClosed(err) {
		return nil
	}
	return fmt.Errorf("control mux: %w", err)
}

func isClosed(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, cmux.ErrListenerClosed) ||
		errors.Is(err, http.ErrServerClosed) || errors.Is(err, grpc.ErrServerStopped)
}

// Shutdown stops accepting, ends event streams, lets in-flight calls
// finish until ctx ends and then cuts whatever is left.
func (s *Server) Shutdown(ctx context.Context) {
	s.quitOnce.Do(func() { close(s.quit) })

	s.mu.Lock()
	lns := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	// Closing the root listeners first unblocks the cmux child listeners.
	for _, ln := range lns {
		_ = ln.Close()
	}

	_ = s.http.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.ipcGRPC.GracefulStop()
		s.tcpGRPC.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.ipcGRPC.Stop()
		s.tcpGRPC.Stop()
		<-done
	}
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		slog.Debug("control call failed", "method", info.FullMethod, "peer", addrFromCtx(ctx), "err", err, "took", time.Since(start))
	} else {
		slog.Debug("control call", "method", info.FullMethod, "peer", addrFromCtx(ctx), "took", time.Since(start))
	}
	return resp, err
}
