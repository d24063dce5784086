package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/lcastelli/warden/internal/distribute"
	"github.com/lcastelli/warden/internal/events"
)

type eventEnvelope struct {
	Topic string      `json:"topic"`
	Kind  events.Kind `json:"kind"`
	Data  any         `json:"data"`
}

// handleEventsWS streams bus events for one session topic (or the
// distribution topic) over a websocket. Events that arrive while the
// outbound queue is full are dropped; the bus never blocks on a slow
// consumer.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		key, ok := sessionKeyFromRequest(r.URL.Query().Get("agent_id"), r.URL.Query().Get("session_id"))
		if !ok {
			respondError(w, http.StatusBadRequest, "missing_topic", "topic or agent_id and session_id query parameters are required")
			return
		}
		topic = key.Topic()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	outbound := make(chan eventEnvelope, s.cfg.WSSendBuffer)
	forward := func(kind events.Kind) func(any) {
		return func(data any) {
			select {
			case outbound <- eventEnvelope{Topic: topic, Kind: kind, Data: data}:
				s.metrics.WSMessages.WithLabelValues(string(kind), "queued").Inc()
			default:
				s.metrics.WSMessages.WithLabelValues(string(kind), "drop_full").Inc()
			}
		}
	}

	kinds := []events.Kind{
		events.KindRecommendation,
		events.KindDecision,
		events.KindUsage,
		events.KindConfig,
	}
	if topic == distribute.Topic {
		kinds = []events.Kind{events.KindTaskAssigned, events.KindSessionFailed}
	}
	unsubs := make([]func(), 0, len(kinds))
	for _, kind := range kinds {
		unsubs = append(unsubs, s.bus.Subscribe(topic, kind, forward(kind)))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	// The outbound channel is never closed; a publish snapshot taken just
	// before unsubscribe may still invoke forward after the read loop ends.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	// Clients only send pings and close frames on this stream.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	close(stop)
	<-done
}
