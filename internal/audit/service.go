package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Service records connection lifecycle events. Every method is
// fire-and-forget from the caller's perspective: a repository failure is
// logged, never returned, so the SCM/WM loops are never blocked or failed
// by an audit sink outage.
type Service struct {
	repo Repository
}

// NewService creates a Service backed by repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// RecordConnected logs a successful handshake.
func (s *Service) RecordConnected(ctx context.Context, serverID, incarnationID string, minor uint32) {
	s.insert(ctx, &Event{
		ID:            uuid.NewString(),
		ServerID:      serverID,
		IncarnationID: incarnationID,
		Kind:          KindConnected,
		Minor:         minor,
		OccurredAt:    time.Now(),
	})
}

// RecordDisconnected logs a disconnection, graceful or caused by err.
func (s *Service) RecordDisconnected(ctx context.Context, serverID, incarnationID string, err error) {
	kind := KindDisconnectedGraceful
	errMsg := ""
	if err != nil {
		kind = KindDisconnectedFailure
		errMsg = err.Error()
	}
	s.insert(ctx, &Event{
		ID:            uuid.NewString(),
		ServerID:      serverID,
		IncarnationID: incarnationID,
		Kind:          kind,
		Error:         errMsg,
		OccurredAt:    time.Now(),
	})
}

func (s *Service) insert(ctx context.Context, ev *Event) {
	if err := s.repo.Insert(ctx, ev); err != nil {
		log.Error().Err(err).Str("serverId", ev.ServerID).Str("kind", string(ev.Kind)).
			Msg("audit: failed to record event")
	}
}

// Recent returns the most recent audit events, newest dropped-oldest-first
// per the repository's ordering.
func (s *Service) Recent(ctx context.Context, limit int64) ([]*Event, error) {
	return s.repo.Recent(ctx, limit)
}
