package chatops

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lcastelli/warden/internal/approval"
	"github.com/lcastelli/warden/internal/events"
	"github.com/lcastelli/warden/internal/observability"
	"github.com/lcastelli/warden/internal/recommend"
)

// Decision is the outcome carried by an interactive callback.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDecline Decision = "decline"
)

// DecisionStore records the final outcome of a recommendation. Satisfied by
// *recommend.Manager.
type DecisionStore interface {
	MarkApproved(key recommend.SessionKey, id, finalText string) (recommend.Recommendation, error)
	MarkDenied(key recommend.SessionKey, id string) (recommend.Recommendation, error)
}

type sentNotification struct {
	token  string
	handle MessageHandle
	blocks []Block
	text   string
	rec    recommend.Recommendation
}

// Dispatcher fans pending recommendations out to the chat-ops channel and
// correlates interactive callbacks back to decisions. One live notification
// per recommendation id.
type Dispatcher struct {
	channel   Channel
	channelID string
	registry  *approval.Registry
	store     DecisionStore
	bus       *events.Bus
	metrics   *observability.Metrics

	mu      sync.Mutex
	sent    map[string]*sentNotification
	watched map[string]func()
}

func NewDispatcher(channel Channel, channelID string, registry *approval.Registry, store DecisionStore, bus *events.Bus, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		channel:   channel,
		channelID: channelID,
		registry:  registry,
		store:     store,
		bus:       bus,
		metrics:   metrics,
		sent:      make(map[string]*sentNotification),
		watched:   make(map[string]func()),
	}
}

// NotifyPending posts an interactive approval request for rec. Terminal
// records and records that already have a live notification are skipped.
// The registry entry is created before the network send so a callback racing
// the send always finds its token.
func (d *Dispatcher) NotifyPending(ctx context.Context, rec recommend.Recommendation) error {
	if rec.Terminal() {
		return nil
	}
	key := rec.Key()

	d.mu.Lock()
	if _, ok := d.sent[rec.ID]; ok {
		d.mu.Unlock()
		return nil
	}
	d.watchTopicLocked(key.Topic())
	d.mu.Unlock()

	token, err := d.registry.Register(rec.ID, key.Topic(), rec)
	if err != nil {
		if errors.Is(err, approval.ErrAlreadyPending) {
			return nil
		}
		return err
	}

	text, blocks := buildPendingMessage(rec, token)
	handle, err := d.channel.Send(ctx, d.channelID, text, blocks)
	if err != nil {
		// The token stays registered; the item remains locally approvable
		// and the reconciliation path will clean the entry up on decision.
		d.metrics.DeliveryFailures.WithLabelValues("send").Inc()
		return fmt.Errorf("notify %s: %w", rec.ID, err)
	}

	d.mu.Lock()
	d.sent[rec.ID] = &sentNotification{
		token:  token,
		handle: handle,
		blocks: blocks,
		text:   text,
		rec:    rec,
	}
	d.mu.Unlock()

	d.metrics.PendingApprovals.Set(float64(d.registry.PendingCount()))
	return nil
}

// OnCallback handles a button click from the chat-ops channel. A token that
// is no longer pending means another path already decided the item; the
// message is edited to say so and no error is returned.
func (d *Dispatcher) OnCallback(ctx context.Context, actor, token string, handle MessageHandle, decision Decision) error {
	entry, err := d.registry.Resolve(token)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			d.metrics.StaleCallbacks.Inc()
			log.Printf("chatops: stale callback token from %s", actor)
			if !handle.Zero() {
				if editErr := d.channel.Edit(ctx, handle, "This item was already handled.", nil); editErr != nil {
					log.Printf("chatops: stale callback edit failed: %v", editErr)
				}
			}
			return nil
		}
		return err
	}

	rec, ok := entry.Payload.(recommend.Recommendation)
	if !ok {
		return fmt.Errorf("callback token %s: unexpected payload %T", token, entry.Payload)
	}

	// Drop the sent entry before touching the store. The store publishes its
	// decision event synchronously and the reconciliation handler must not
	// find this notification still live.
	d.mu.Lock()
	note := d.sent[rec.ID]
	delete(d.sent, rec.ID)
	d.mu.Unlock()

	key := rec.Key()
	switch decision {
	case DecisionApprove:
		_, err = d.store.MarkApproved(key, rec.ID, "")
	case DecisionDecline:
		_, err = d.store.MarkDenied(key, rec.ID)
	default:
		return fmt.Errorf("callback token %s: unknown decision %q", token, decision)
	}
	if err != nil && !errors.Is(err, recommend.ErrNotFound) {
		return err
	}

	d.metrics.Resolutions.WithLabelValues(string(decision), "chatops").Inc()
	d.metrics.PendingApprovals.Set(float64(d.registry.PendingCount()))

	target := handle
	var prior []Block
	var text string
	if note != nil {
		prior = note.blocks
		text = note.text
		if target.Zero() {
			target = note.handle
		}
	}
	if target.Zero() {
		return nil
	}
	status := decisionStatus(decision, actor, time.Now())
	if err := d.channel.Edit(ctx, target, text, resolvedBlocks(prior, status)); err != nil {
		d.metrics.DeliveryFailures.WithLabelValues("edit").Inc()
		log.Printf("chatops: resolution edit failed: %v", err)
	}
	return nil
}

// Expire marks the notification for id as expired and drops its message
// actions. The registry entry is assumed already removed by the sweep.
func (d *Dispatcher) Expire(ctx context.Context, recommendationID string) {
	d.mu.Lock()
	note := d.sent[recommendationID]
	delete(d.sent, recommendationID)
	d.mu.Unlock()
	if note == nil || note.handle.Zero() {
		return
	}
	blocks := resolvedBlocks(note.blocks, "Expired without a decision")
	if err := d.channel.Edit(ctx, note.handle, note.text, blocks); err != nil {
		d.metrics.DeliveryFailures.WithLabelValues("edit").Inc()
		log.Printf("chatops: expiry edit failed for %s: %v", recommendationID, err)
	}
	d.metrics.PendingApprovals.Set(float64(d.registry.PendingCount()))
}

// Teardown invalidates all pending approvals for a session and edits their
// notifications.
func (d *Dispatcher) Teardown(ctx context.Context, key recommend.SessionKey) {
	for _, entry := range d.registry.InvalidateAll(key.Topic()) {
		d.Expire(ctx, entry.RecommendationID)
	}
}

// watchTopicLocked lazily subscribes the reconciliation handler for a
// session topic. Caller holds d.mu.
func (d *Dispatcher) watchTopicLocked(topic string) {
	if _, ok := d.watched[topic]; ok {
		return
	}
	d.watched[topic] = d.bus.Subscribe(topic, events.KindDecision, d.onDecision)
}

// onDecision reconciles remote messages when a decision lands through any
// path. If the token is still pending the decision came from outside the
// callback flow; resolve it and rewrite the message.
func (d *Dispatcher) onDecision(payload any) {
	ev, ok := payload.(recommend.DecisionEvent)
	if !ok {
		return
	}

	token, ok := d.registry.TokenFor(ev.RecommendationID)
	if !ok {
		return
	}
	if _, err := d.registry.Resolve(token); err != nil {
		// The callback path won the race.
		return
	}

	d.mu.Lock()
	note := d.sent[ev.RecommendationID]
	delete(d.sent, ev.RecommendationID)
	d.mu.Unlock()

	decision := DecisionApprove
	if !ev.Approved {
		decision = DecisionDecline
	}
	d.metrics.Resolutions.WithLabelValues(string(decision), "local").Inc()
	d.metrics.PendingApprovals.Set(float64(d.registry.PendingCount()))

	if note == nil || note.handle.Zero() {
		return
	}
	// The decision is already committed; the edit is best effort and must not
	// stall the publisher's goroutine on a slow bridge.
	status := decisionStatus(decision, "operator", time.Now())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.channel.Edit(ctx, note.handle, note.text, resolvedBlocks(note.blocks, status)); err != nil {
			d.metrics.DeliveryFailures.WithLabelValues("edit").Inc()
			log.Printf("chatops: reconcile edit failed for %s: %v", ev.RecommendationID, err)
		}
	}()
}

// Close unsubscribes all reconciliation handlers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for topic, unsub := range d.watched {
		unsub()
		delete(d.watched, topic)
	}
}
