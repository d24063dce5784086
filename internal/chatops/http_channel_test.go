package chatops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPChannelSend(t *testing.T) {
	var got sendRequest
	bridge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send-approval" {
			t.Fatalf("path = %q, want /send-approval", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(sendResponse{Channel: got.Channel, TS: "171234.5678"})
	}))
	defer bridge.Close()

	ch := NewHTTPChannel(bridge.URL)
	handle, err := ch.Send(context.Background(), "C123", "hello", []Block{{Type: "section"}})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if handle.Channel != "C123" || handle.Timestamp != "171234.5678" {
		t.Fatalf("handle = %+v", handle)
	}
	if got.Text != "hello" || len(got.Blocks) != 1 {
		t.Fatalf("bridge saw %+v", got)
	}
}

func TestHTTPChannelEdit(t *testing.T) {
	var got editRequest
	bridge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/edit-message" {
			t.Fatalf("path = %q, want /edit-message", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer bridge.Close()

	ch := NewHTTPChannel(bridge.URL)
	handle := MessageHandle{Channel: "C123", Timestamp: "171234.5678"}
	if err := ch.Edit(context.Background(), handle, "updated", nil); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if got.Channel != "C123" || got.TS != "171234.5678" || got.Text != "updated" {
		t.Fatalf("bridge saw %+v", got)
	}
}

func TestHTTPChannelWrapsBridgeErrors(t *testing.T) {
	bridge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "channel_not_found", http.StatusBadGateway)
	}))
	defer bridge.Close()

	ch := NewHTTPChannel(bridge.URL)
	_, err := ch.Send(context.Background(), "C123", "hello", nil)
	if !errors.Is(err, ErrDeliveryFailure) {
		t.Fatalf("Send() error = %v, want ErrDeliveryFailure", err)
	}
}

func TestHTTPChannelWrapsTransportErrors(t *testing.T) {
	bridge := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	bridge.Close()

	ch := NewHTTPChannel(bridge.URL)
	_, err := ch.Send(context.Background(), "C123", "hello", nil)
	if !errors.Is(err, ErrDeliveryFailure) {
		t.Fatalf("Send() error = %v, want ErrDeliveryFailure", err)
	}
}
