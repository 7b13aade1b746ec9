// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vibeworks/vibed/pkg/config"
	"github.com/vibeworks/vibed/pkg/services"
)

// Service periodically enforces retention policies:
//   - Removes events of terminal jobs past their TTL
//   - Prunes rejected-diff files left in the patches directory
//
// All operations are idempotent. A TTL of zero disables the service.
type Service struct {
	config       *config.RetentionConfig
	patchesDir   string
	eventService *services.EventService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, patchesDir string, eventService *services.EventService) *Service {
	return &Service{
		config:       cfg,
		patchesDir:   patchesDir,
		eventService: eventService,
	}
}

// Start launches the background cleanup loop. No-op when the TTL is zero.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	if s.config.EventTTLDays <= 0 {
		slog.Info("Cleanup service disabled", "event_ttl_days", s.config.EventTTLDays)
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"event_ttl_days", s.config.EventTTLDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.cleanupOldEvents(ctx)
	s.pruneOldPatches()
}

func (s *Service) cleanupOldEvents(ctx context.Context) {
	count, err := s.eventService.CleanupOldEvents(ctx, s.config.EventTTLDays)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed old events", "count", count)
	}
}

// pruneOldPatches removes rejected-diff files older than the event TTL.
// The engine writes one file per rejected iteration for post-mortem
// inspection; they have no value once the job's events are gone.
func (s *Service) pruneOldPatches() {
	if s.patchesDir == "" {
		return
	}
	entries, err := os.ReadDir(s.patchesDir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("Retention: patch scan failed", "error", err)
		}
		return
	}

	cutoff := time.Now().AddDate(0, 0, -s.config.EventTTLDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.patchesDir, entry.Name())); err != nil {
			slog.Error("Retention: patch removal failed", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Retention: pruned old patch files", "count", removed)
	}
}
