package sandbox

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/normanking/avatarbridge/internal/scene"
	"github.com/normanking/avatarbridge/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PathPrefix is where sandboxes are served; the backend name follows it.
const PathPrefix = "/sandbox/"

// Server hosts one Runtime per WebSocket connection. The rig is chosen by the
// request path, e.g. /sandbox/rigged3d.
type Server struct {
	rigs   map[string]scene.Rig
	base   Options
	logger zerolog.Logger
}

// NewServer creates a server for the given rigs. base supplies every other
// runtime option.
func NewServer(base Options, rigs ...scene.Rig) *Server {
	s := &Server{
		rigs:   make(map[string]scene.Rig, len(rigs)),
		base:   base,
		logger: base.Logger.With().Str("component", "sandbox-server").Logger(),
	}
	for _, rig := range rigs {
		s.rigs[rig.Name()] = rig
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, PathPrefix) {
		http.NotFound(w, r)
		return
	}
	backend := strings.TrimPrefix(r.URL.Path, PathPrefix)
	rig, ok := s.rigs[backend]
	if !ok {
		http.Error(w, "unknown backend "+backend, http.StatusNotFound)
		return
	}

	ws, err := transport.Accept(w, r, s.base.Logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Upgrade failed")
		return
	}
	defer ws.Close()

	opts := s.base
	opts.Rig = rig
	rt := New(ws, opts)
	s.logger.Info().Str("backend", backend).Str("remote", r.RemoteAddr).Msg("Sandbox connected")
	if err := rt.Run(r.Context()); err != nil && !errors.Is(err, transport.ErrClosed) {
		s.logger.Warn().Err(err).Str("backend", backend).Msg("Sandbox stopped")
		return
	}
	s.logger.Info().Str("backend", backend).Msg("Sandbox disconnected")
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done. Open sandboxes are stopped through
// the request context.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Sandbox server listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
