package chatops

import (
	"context"
	"errors"
)

// ErrDeliveryFailure marks a send/edit that never reached the chat-ops
// channel. The underlying decision state is unaffected; items stay locally
// approvable.
var ErrDeliveryFailure = errors.New("chat-ops delivery failure")

// MessageHandle identifies a sent message for later in-place edits.
type MessageHandle struct {
	Channel   string `json:"channel"`
	Timestamp string `json:"ts"`
}

func (h MessageHandle) Zero() bool {
	return h.Channel == "" && h.Timestamp == ""
}

// BlockText is a text fragment inside a block.
type BlockText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Button is one interactive control. Value carries the opaque correlation
// token; the approve and decline buttons are indistinguishable to the
// registry.
type Button struct {
	Type     string    `json:"type"`
	Text     BlockText `json:"text"`
	Value    string    `json:"value"`
	ActionID string    `json:"action_id"`
	Style    string    `json:"style,omitempty"`
}

// Block is one structured message segment.
type Block struct {
	Type     string      `json:"type"`
	Text     *BlockText  `json:"text,omitempty"`
	Fields   []BlockText `json:"fields,omitempty"`
	Elements []Button    `json:"elements,omitempty"`
}

// Channel is the outbound contract of the external chat-ops system. The
// dispatcher is the only component aware of the message format; everything
// else sees opaque handles.
type Channel interface {
	Send(ctx context.Context, channel, text string, blocks []Block) (MessageHandle, error)
	Edit(ctx context.Context, handle MessageHandle, text string, blocks []Block) error
}
