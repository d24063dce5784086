package chatops

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lcastelli/warden/internal/approval"
	"github.com/lcastelli/warden/internal/events"
	"github.com/lcastelli/warden/internal/observability"
	"github.com/lcastelli/warden/internal/recommend"
)

type fakeChannel struct {
	editGate chan struct{}

	mu      sync.Mutex
	sends   []fakeMessage
	edits   []fakeMessage
	sendErr error
	editErr error
	nextTS  int
}

type fakeMessage struct {
	handle MessageHandle
	text   string
	blocks []Block
}

func (f *fakeChannel) Send(_ context.Context, channel, text string, blocks []Block) (MessageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return MessageHandle{}, f.sendErr
	}
	f.nextTS++
	h := MessageHandle{Channel: channel, Timestamp: fmt.Sprintf("ts-%d", f.nextTS)}
	f.sends = append(f.sends, fakeMessage{handle: h, text: text, blocks: blocks})
	return h, nil
}

func (f *fakeChannel) Edit(_ context.Context, handle MessageHandle, text string, blocks []Block) error {
	if f.editGate != nil {
		<-f.editGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, fakeMessage{handle: handle, text: text, blocks: blocks})
	return nil
}

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeChannel) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits)
}

func (f *fakeChannel) lastEdit() fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edits[len(f.edits)-1]
}

func waitForEdits(t *testing.T, ch *fakeChannel, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch.editCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("edit count = %d, want %d", ch.editCount(), want)
}

func newDispatchHarness(t *testing.T) (*Dispatcher, *fakeChannel, *recommend.Manager, *approval.Registry) {
	t.Helper()
	bus := events.NewBus()
	mgr := recommend.NewManager(bus)
	registry := approval.NewRegistry()
	ch := &fakeChannel{}
	metrics := observability.NewMetrics(fmt.Sprintf("warden_test_dispatch_%d", time.Now().UnixNano()))
	d := NewDispatcher(ch, "C123", registry, mgr, bus, metrics)
	t.Cleanup(d.Close)
	return d, ch, mgr, registry
}

func dispatchKey() recommend.SessionKey {
	return recommend.SessionKey{AgentID: "claude", SessionID: "s1"}
}

func TestNotifyPendingSendsOnce(t *testing.T) {
	d, ch, mgr, registry := newDispatchHarness(t)
	key := dispatchKey()
	rec, _, err := mgr.Add(key, recommend.AddRequest{Text: "restart the worker"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := d.NotifyPending(context.Background(), rec); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := d.NotifyPending(context.Background(), rec); err != nil {
		t.Fatalf("second notify: %v", err)
	}

	if got := ch.sendCount(); got != 1 {
		t.Fatalf("send count = %d, want 1", got)
	}
	if got := registry.PendingCount(); got != 1 {
		t.Fatalf("pending count = %d, want 1", got)
	}
}

func TestNotifyPendingSkipsTerminal(t *testing.T) {
	d, ch, _, _ := newDispatchHarness(t)
	rec := recommend.Recommendation{ID: "r1", AgentID: "claude", SessionID: "s1", Text: "done already", Executed: true}

	if err := d.NotifyPending(context.Background(), rec); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := ch.sendCount(); got != 0 {
		t.Fatalf("send count = %d, want 0", got)
	}
}

func TestCallbackApproveResolvesAndEdits(t *testing.T) {
	d, ch, mgr, registry := newDispatchHarness(t)
	key := dispatchKey()
	rec, _, err := mgr.Add(key, recommend.AddRequest{Text: "apply the migration"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.NotifyPending(context.Background(), rec); err != nil {
		t.Fatalf("notify: %v", err)
	}
	token, ok := registry.TokenFor(rec.ID)
	if !ok {
		t.Fatalf("no token registered for %s", rec.ID)
	}
	handle := ch.sends[0].handle

	if err := d.OnCallback(context.Background(), "alice", token, handle, DecisionApprove); err != nil {
		t.Fatalf("callback: %v", err)
	}

	got, err := mgr.Get(key, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Executed {
		t.Fatalf("recommendation not marked executed")
	}
	if got := registry.PendingCount(); got != 0 {
		t.Fatalf("pending count = %d, want 0", got)
	}
	if got := ch.editCount(); got != 1 {
		t.Fatalf("edit count = %d, want 1", got)
	}
	edit := ch.lastEdit()
	for _, b := range edit.blocks {
		if b.Type == "actions" {
			t.Fatalf("resolved message still carries action buttons")
		}
	}
}

func TestSecondCallbackIsStale(t *testing.T) {
	d, ch, mgr, registry := newDispatchHarness(t)
	key := dispatchKey()
	rec, _, err := mgr.Add(key, recommend.AddRequest{Text: "rotate the credentials"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.NotifyPending(context.Background(), rec); err != nil {
		t.Fatalf("notify: %v", err)
	}
	token, _ := registry.TokenFor(rec.ID)
	handle := ch.sends[0].handle

	if err := d.OnCallback(context.Background(), "alice", token, handle, DecisionApprove); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if err := d.OnCallback(context.Background(), "bob", token, handle, DecisionDecline); err != nil {
		t.Fatalf("stale callback: %v", err)
	}

	got, err := mgr.Get(key, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Denied {
		t.Fatalf("stale decline overwrote the approval")
	}
	edit := ch.lastEdit()
	if !strings.Contains(edit.text, "already handled") {
		t.Fatalf("stale edit text = %q, want already-handled notice", edit.text)
	}
}

func TestDeliveryFailureKeepsItemApprovable(t *testing.T) {
	d, ch, mgr, registry := newDispatchHarness(t)
	ch.sendErr = ErrDeliveryFailure
	key := dispatchKey()
	rec, _, err := mgr.Add(key, recommend.AddRequest{Text: "scale the pool"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := d.NotifyPending(context.Background(), rec); err == nil {
		t.Fatalf("notify succeeded despite send failure")
	}

	token, ok := registry.TokenFor(rec.ID)
	if !ok {
		t.Fatalf("token dropped after send failure")
	}
	if err := d.OnCallback(context.Background(), "alice", token, MessageHandle{}, DecisionApprove); err != nil {
		t.Fatalf("callback after failed send: %v", err)
	}
	got, err := mgr.Get(key, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Executed {
		t.Fatalf("item not approvable after delivery failure")
	}
}

func TestLocalDecisionReconcilesMessage(t *testing.T) {
	d, ch, mgr, registry := newDispatchHarness(t)
	key := dispatchKey()
	rec, _, err := mgr.Add(key, recommend.AddRequest{Text: "merge the branch"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.NotifyPending(context.Background(), rec); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if _, err := mgr.MarkDenied(key, rec.ID); err != nil {
		t.Fatalf("deny: %v", err)
	}

	if got := registry.PendingCount(); got != 0 {
		t.Fatalf("pending count = %d, want 0 after local decision", got)
	}
	waitForEdits(t, ch, 1)
	if got := d.bus.SubscriberCount(key.Topic(), events.KindDecision); got != 1 {
		t.Fatalf("decision subscribers = %d, want 1", got)
	}
}

func TestLocalDecisionNotBlockedBySlowEdit(t *testing.T) {
	d, ch, mgr, registry := newDispatchHarness(t)
	ch.editGate = make(chan struct{})
	key := dispatchKey()
	rec, _, err := mgr.Add(key, recommend.AddRequest{Text: "slow bridge"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.NotifyPending(context.Background(), rec); err != nil {
		t.Fatalf("notify: %v", err)
	}

	decided := make(chan struct{})
	go func() {
		defer close(decided)
		if _, err := mgr.MarkApproved(key, rec.ID, ""); err != nil {
			t.Errorf("approve: %v", err)
		}
	}()

	select {
	case <-decided:
	case <-time.After(2 * time.Second):
		t.Fatalf("local decision blocked on the remote edit")
	}
	if got := registry.PendingCount(); got != 0 {
		t.Fatalf("pending count = %d, want 0", got)
	}

	close(ch.editGate)
	waitForEdits(t, ch, 1)
}

func TestNotifyTruncatesLongText(t *testing.T) {
	d, ch, mgr, _ := newDispatchHarness(t)
	key := dispatchKey()
	long := strings.Repeat("x", 1500)
	rec, _, err := mgr.Add(key, recommend.AddRequest{Text: long})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.NotifyPending(context.Background(), rec); err != nil {
		t.Fatalf("notify: %v", err)
	}

	msg := ch.sends[0]
	var body string
	for _, b := range msg.blocks {
		if b.Type == "section" && b.Text != nil {
			body = b.Text.Text
		}
	}
	if !strings.HasSuffix(body, truncationMarker) {
		t.Fatalf("long text not truncated")
	}
	if got := len([]rune(body)); got != notifyTextLimit+len([]rune(truncationMarker)) {
		t.Fatalf("truncated length = %d runes", got)
	}

	got, err := mgr.Get(key, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Text) != len(long) {
		t.Fatalf("stored text was truncated")
	}
}

func TestExpireEditsMessage(t *testing.T) {
	d, ch, mgr, registry := newDispatchHarness(t)
	key := dispatchKey()
	rec, _, err := mgr.Add(key, recommend.AddRequest{Text: "retry the deploy"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.NotifyPending(context.Background(), rec); err != nil {
		t.Fatalf("notify: %v", err)
	}

	for range registry.ExpireBefore(time.Now().Add(time.Hour)) {
	}
	d.Expire(context.Background(), rec.ID)

	if got := ch.editCount(); got != 1 {
		t.Fatalf("edit count = %d, want 1", got)
	}
	if got := registry.PendingCount(); got != 0 {
		t.Fatalf("pending count = %d, want 0", got)
	}
}
