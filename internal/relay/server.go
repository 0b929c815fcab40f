// Package relay assembles the relay server: store, journal, sandbox
// providers, session hubs, idle reaper and the HTTP/WebSocket surface.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/pirelay/pirelay/internal/logging"
	"github.com/pirelay/pirelay/internal/metrics"
	"github.com/pirelay/pirelay/internal/relay/config"
	"github.com/pirelay/pirelay/internal/relay/db"
	"github.com/pirelay/pirelay/internal/relay/hub"
	"github.com/pirelay/pirelay/internal/relay/journal"
	"github.com/pirelay/pirelay/internal/relay/reaper"
	"github.com/pirelay/pirelay/internal/relay/sandbox"
	"github.com/pirelay/pirelay/internal/relay/store"
	"github.com/pirelay/pirelay/internal/relay/wsapi"
)

// staleCreatingMaxAge is how long a session may sit in creating before
// the boot sweep flips it to error. Sessions stuck in creating are
// leftovers of a crash mid-provision.
const staleCreatingMaxAge = 10 * time.Minute

// Server is a fully wired relay instance. Call Serve to start listening.
type Server struct {
	cfg      *config.Config
	server   *http.Server
	sqlDB    *sql.DB
	sessions *store.Sessions
	hubs     *hub.Manager
	reaper   *reaper.Reaper

	shutdownCh chan struct{}
}

// NewServer opens the database, runs migrations, performs the boot
// sweep and wires all components.
func NewServer(cfg *config.Config, version string) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	sessions := store.NewSessions(sqlDB)
	jnl := journal.New(sqlDB)

	// Nothing can still be provisioning right after boot; fail leftovers
	// so clients get a clear error instead of hanging on attach.
	n, err := sessions.FailStaleCreating(context.Background(), staleCreatingMaxAge)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("boot sweep: %w", err)
	}
	if n > 0 {
		slog.Warn("failed stale creating sessions", "count", n)
	}

	boxes := sandbox.NewManager()
	boxes.Register(sandbox.NewLocalProvider(cfg.AgentCommand, cfg.DataDir))
	if cfg.WorkerURL != "" {
		boxes.Register(sandbox.NewRemoteProvider(cfg.WorkerURL, "pirelay", version))
		slog.Info("remote sandbox provider enabled", "worker_url", cfg.WorkerURL)
	}

	hubs := hub.NewManager(jnl, sessions, boxes, cfg.DetachGrace())
	rpr := reaper.New(sessions, hubs, reaper.StaticEnvironments(cfg.IdleTimeouts()), boxes, cfg.ReaperInterval())

	shutdownCh := make(chan struct{})

	mux := http.NewServeMux()
	mux.Handle("/ws/", wsapi.NewHandler(hubs, shutdownCh))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	return &Server{
		cfg: cfg,
		server: &http.Server{
			Handler:           h2cHandler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		sqlDB:      sqlDB,
		sessions:   sessions,
		hubs:       hubs,
		reaper:     rpr,
		shutdownCh: shutdownCh,
	}, nil
}

// Sessions exposes the session store for embedding binaries.
func (s *Server) Sessions() *store.Sessions {
	return s.sessions
}

// Serve listens on the configured address and blocks until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	s.reaper.Start()

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("relay shutting down...")

		// New WebSocket attaches are rejected while in-flight requests
		// drain.
		close(s.shutdownCh)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	slog.Info("relay listening", "addr", s.cfg.Addr)

	serveErr := s.server.Serve(ln)
	<-shutdownDone

	s.reaper.Stop()
	s.hubs.CloseAll()

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()

	if serveErr != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}
