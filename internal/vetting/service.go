// Package vetting is the local decision surface. It exists so the HTTP API
// and any future local UI resolve approvals through one place, with the
// dispatcher reconciling remote notifications as a side effect.
package vetting

import (
	"context"
	"time"

	"github.com/lcastelli/warden/internal/approval"
	"github.com/lcastelli/warden/internal/chatops"
	"github.com/lcastelli/warden/internal/recommend"
)

// Notifier is the subset of the chat-ops dispatcher the service drives.
type Notifier interface {
	NotifyPending(ctx context.Context, rec recommend.Recommendation) error
	Expire(ctx context.Context, recommendationID string)
	Teardown(ctx context.Context, key recommend.SessionKey)
}

// Service ties the recommendation store, the approval registry and the
// chat-ops dispatcher together for locally initiated decisions.
type Service struct {
	manager  *recommend.Manager
	registry *approval.Registry
	notifier Notifier
	ttl      time.Duration
}

func NewService(manager *recommend.Manager, registry *approval.Registry, notifier Notifier, ttl time.Duration) *Service {
	return &Service{
		manager:  manager,
		registry: registry,
		notifier: notifier,
		ttl:      ttl,
	}
}

// Submit ingests a recommendation and, when it stays pending, pushes an
// approval request to the chat-ops channel. A delivery failure does not roll
// back the ingestion: the error (wrapping chatops.ErrDeliveryFailure) is
// returned alongside the stored recommendation so callers can report it, and
// the item stays locally approvable.
func (s *Service) Submit(ctx context.Context, key recommend.SessionKey, req recommend.AddRequest) (recommend.Recommendation, bool, error) {
	rec, created, err := s.manager.Add(key, req)
	if err != nil {
		return recommend.Recommendation{}, false, err
	}
	if created && !rec.Terminal() && s.notifier != nil {
		if err := s.notifier.NotifyPending(ctx, rec); err != nil {
			return rec, created, err
		}
	}
	return rec, created, nil
}

// Approve resolves a recommendation locally. The dispatcher's decision
// subscription consumes the pending token and rewrites the remote message.
func (s *Service) Approve(key recommend.SessionKey, id, finalText string) (recommend.Recommendation, error) {
	return s.manager.MarkApproved(key, id, finalText)
}

// Deny resolves a recommendation locally as declined.
func (s *Service) Deny(key recommend.SessionKey, id string) (recommend.Recommendation, error) {
	return s.manager.MarkDenied(key, id)
}

// Teardown drops all pending approvals for a session and clears its
// recommendation list.
func (s *Service) Teardown(ctx context.Context, key recommend.SessionKey) {
	if s.notifier != nil {
		s.notifier.Teardown(ctx, key)
	} else {
		s.registry.InvalidateAll(key.Topic())
	}
	s.manager.Clear(key)
}

// StartSweeper expires pending approvals older than the configured TTL.
// A TTL of zero disables the sweep.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Service) sweep(ctx context.Context) {
	deadline := time.Now().UTC().Add(-s.ttl)
	for _, entry := range s.registry.ExpireBefore(deadline) {
		if s.notifier != nil {
			s.notifier.Expire(ctx, entry.RecommendationID)
		}
	}
}

var _ Notifier = (*chatops.Dispatcher)(nil)
