// Package reaper pauses sandboxes of sessions that have gone quiet:
// status active, idle past their environment's timeout, and no connected
// clients.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pirelay/pirelay/internal/metrics"
	"github.com/pirelay/pirelay/internal/relay/sandbox"
	"github.com/pirelay/pirelay/internal/relay/store"
	"github.com/pirelay/pirelay/internal/wire"
)

// EnvironmentService supplies per-environment idle timeouts.
type EnvironmentService interface {
	// IdleTimeouts returns the timeout per environment id. Environments
	// absent from the map are never reaped.
	IdleTimeouts(ctx context.Context) (map[string]time.Duration, error)
}

// StaticEnvironments is an EnvironmentService backed by a fixed map,
// typically built from configuration.
type StaticEnvironments map[string]time.Duration

// IdleTimeouts implements EnvironmentService.
func (s StaticEnvironments) IdleTimeouts(context.Context) (map[string]time.Duration, error) {
	return s, nil
}

// Hubs is the slice of the hub manager the reaper needs.
type Hubs interface {
	GetConnectionCount(sessionID string) int
	ClearSessionClientState(sessionID string)
	Broadcast(sessionID string, frame []byte)
}

// Reaper runs the periodic idle scan.
type Reaper struct {
	sessions  *store.Sessions
	hubs      Hubs
	envs      EnvironmentService
	sandboxes *sandbox.Manager
	interval  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a reaper. Call Start to begin scanning.
func New(sessions *store.Sessions, hubs Hubs, envs EnvironmentService, sandboxes *sandbox.Manager, interval time.Duration) *Reaper {
	return &Reaper{
		sessions:  sessions,
		hubs:      hubs,
		envs:      envs,
		sandboxes: sandboxes,
		interval:  interval,
	}
}

// Start launches the scan loop.
func (r *Reaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
	slog.Info("reaper: started", "interval", r.interval)
}

// Stop aborts the loop. A tick in progress runs to completion.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	slog.Info("reaper: stopped")
}

// RunOnce performs one scan. Single-session failures are logged and do
// not abort the pass.
func (r *Reaper) RunOnce(ctx context.Context) {
	timeouts, err := r.envs.IdleTimeouts(ctx)
	if err != nil {
		slog.Error("reaper: loading idle timeouts failed", "error", err)
		return
	}
	if len(timeouts) == 0 {
		return
	}

	active, err := r.sessions.ListByStatus(ctx, store.StatusActive)
	if err != nil {
		slog.Error("reaper: listing active sessions failed", "error", err)
		return
	}

	for _, sess := range active {
		if sess.EnvironmentID == "" {
			continue // chat sessions have no sandbox environment
		}
		timeout, ok := timeouts[sess.EnvironmentID]
		if !ok {
			continue
		}
		if p, err := r.sandboxes.Provider(sess.SandboxProvider); err == nil && p.ManagesIdle() {
			continue
		}
		if time.Since(sess.LastActivityAt) < timeout {
			continue
		}
		if r.hubs.GetConnectionCount(sess.ID) > 0 {
			continue
		}
		r.idleSession(ctx, sess)
	}
}

func (r *Reaper) idleSession(ctx context.Context, sess *store.Session) {
	// Re-check: a client may have connected since the scan snapshot.
	if r.hubs.GetConnectionCount(sess.ID) > 0 {
		return
	}

	r.hubs.Broadcast(sess.ID, wire.SandboxStatusFrame(
		wire.SandboxPaused, "Session idled due to inactivity"))
	r.hubs.ClearSessionClientState(sess.ID)

	if sess.SandboxProvider != "" {
		r.pauseSandbox(ctx, sess)
	}

	idled, err := r.sessions.IdleIfActive(ctx, sess.ID)
	if err != nil {
		slog.Error("reaper: idle transition failed", "session_id", sess.ID, "error", err)
		return
	}
	if !idled {
		// Lost the race against a concurrent attach; the session is in
		// use again and stays active.
		slog.Debug("reaper: session re-activated during idle", "session_id", sess.ID)
		return
	}

	metrics.SessionsIdled.Inc()
	slog.Info("reaper: session idled",
		"session_id", sess.ID, "environment_id", sess.EnvironmentID)
}

func (r *Reaper) pauseSandbox(ctx context.Context, sess *store.Session) {
	handle, err := r.sandboxes.Handle(ctx, sess.SandboxProvider, sess.SandboxProviderID)
	if err != nil {
		if errors.Is(err, sandbox.ErrSandboxGone) {
			slog.Warn("reaper: sandbox already gone", "session_id", sess.ID)
		} else {
			slog.Error("reaper: sandbox handle failed", "session_id", sess.ID, "error", err)
		}
		return
	}
	if err := handle.Pause(ctx); err != nil {
		if errors.Is(err, sandbox.ErrSandboxGone) {
			slog.Warn("reaper: sandbox vanished during pause", "session_id", sess.ID)
		} else {
			slog.Error("reaper: pause failed", "session_id", sess.ID, "error", err)
		}
	}
}
