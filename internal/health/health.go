// ABOUTME: gRPC health reporter fed by connection status events.
// ABOUTME: Serves grpc.health.v1 on a TCP listener until the context ends.

package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-acp/internal/agent"
)

// Reporter tracks per-connection readiness.
type Reporter struct {
	srv    *health.Server
	logger *slog.Logger
}

// NewReporter creates a Reporter with overall liveness set to SERVING.
func NewReporter(logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		srv:    health.NewServer(),
		logger: logger.With("component", "health"),
	}
}

// Server returns the grpc.health.v1 implementation.
func (r *Reporter) Server() healthpb.HealthServer {
	return r.srv
}

// Observe applies a status snapshot.
func (r *Reporter) Observe(s agent.StatusInfo) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.Status == agent.StatusReady {
		st = healthpb.HealthCheckResponse_SERVING
	}
	r.srv.SetServingStatus(s.ConnectionID, st)
	r.logger.Debug("health updated", "connection_id", s.ConnectionID, "status", string(s.Status), "serving", st.String())
}

// Attach subscribes the reporter to bus and returns a detach func.
func (r *Reporter) Attach(bus *agent.Bus) func() {
	id := bus.Status.Subscribe(r.Observe)
	return func() { bus.Status.Unsubscribe(id) }
}

// Shutdown marks every service NOT_SERVING. Later updates are ignored.
func (r *Reporter) Shutdown() {
	r.srv.Shutdown()
}

func newServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// Serve listens on addr and serves health checks until ctx is done.
func (r *Reporter) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on health address: %w", err)
	}
	return r.ServeListener(ctx, ln)
}

// ServeListener serves health checks on ln until ctx is done. It takes
// ownership of ln.
func (r *Reporter) ServeListener(ctx context.Context, ln net.Listener) error {
	server := newServer()
	healthpb.RegisterHealthServer(server, r.srv)

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("health server listening", "addr", ln.Addr().String())
		errCh <- server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("stopping health server")
		r.Shutdown()
		server.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	}
}
