package chatops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPChannel talks to a local chat-ops bridge process over HTTP. The bridge
// owns the real workspace connection; this side only posts JSON to its
// send/edit endpoints.
type HTTPChannel struct {
	baseURL string
	client  *http.Client
}

func NewHTTPChannel(baseURL string) *HTTPChannel {
	return &HTTPChannel{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type sendRequest struct {
	Channel string  `json:"channel"`
	Text    string  `json:"text"`
	Blocks  []Block `json:"blocks,omitempty"`
}

type sendResponse struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

type editRequest struct {
	Channel string  `json:"channel"`
	TS      string  `json:"ts"`
	Text    string  `json:"text"`
	Blocks  []Block `json:"blocks,omitempty"`
}

func (c *HTTPChannel) Send(ctx context.Context, channel, text string, blocks []Block) (MessageHandle, error) {
	var out sendResponse
	err := c.post(ctx, "/send-approval", sendRequest{Channel: channel, Text: text, Blocks: blocks}, &out)
	if err != nil {
		return MessageHandle{}, err
	}
	return MessageHandle{Channel: out.Channel, Timestamp: out.TS}, nil
}

func (c *HTTPChannel) Edit(ctx context.Context, handle MessageHandle, text string, blocks []Block) error {
	return c.post(ctx, "/edit-message", editRequest{
		Channel: handle.Channel,
		TS:      handle.Timestamp,
		Text:    text,
		Blocks:  blocks,
	}, nil)
}

// Status probes the bridge's health endpoint.
func (c *HTTPChannel) Status(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return fmt.Errorf("%w: build status request: %v", ErrDeliveryFailure, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: bridge status %d", ErrDeliveryFailure, resp.StatusCode)
	}
	return nil
}

func (c *HTTPChannel) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build %s request: %v", ErrDeliveryFailure, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrDeliveryFailure, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrDeliveryFailure, path, err)
	}
	return nil
}
