package chatops

import (
	"fmt"
	"time"

	"github.com/lcastelli/warden/internal/recommend"
)

// Display ceiling for recommendation text inside a notification. The stored
// text is never truncated, only its rendering.
const (
	notifyTextLimit  = 1000
	truncationMarker = "… (truncated)"
)

const (
	actionApprove = "warden_approve"
	actionDecline = "warden_decline"
)

func truncateForDisplay(text string) string {
	runes := []rune(text)
	if len(runes) <= notifyTextLimit {
		return text
	}
	return string(runes[:notifyTextLimit]) + truncationMarker
}

// buildPendingMessage renders the interactive approval request. Both buttons
// carry the correlation token as their opaque value; only the action id tells
// the callback handler which decision was clicked.
func buildPendingMessage(rec recommend.Recommendation, token string) (string, []Block) {
	text := fmt.Sprintf("Approval required: %s", truncateForDisplay(rec.Text))

	fields := []BlockText{
		{Type: "mrkdwn", Text: fmt.Sprintf("*Agent:* %s", rec.AgentID)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Session:* %s", rec.SessionID)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Source:* %s", rec.Source)},
	}
	if rec.Confidence > 0 {
		fields = append(fields, BlockText{Type: "mrkdwn", Text: fmt.Sprintf("*Confidence:* %.0f%%", rec.Confidence*100)})
	}

	blocks := []Block{
		{Type: "header", Text: &BlockText{Type: "plain_text", Text: "Approval required"}},
		{Type: "section", Fields: fields},
		{Type: "section", Text: &BlockText{Type: "mrkdwn", Text: truncateForDisplay(rec.Text)}},
	}
	if rec.Command != "" {
		blocks = append(blocks, Block{
			Type: "section",
			Text: &BlockText{Type: "mrkdwn", Text: fmt.Sprintf("Suggested command:\n```%s```", rec.Command)},
		})
	}
	blocks = append(blocks, Block{
		Type: "actions",
		Elements: []Button{
			{
				Type:     "button",
				Text:     BlockText{Type: "plain_text", Text: "Approve"},
				Value:    token,
				ActionID: actionApprove,
				Style:    "primary",
			},
			{
				Type:     "button",
				Text:     BlockText{Type: "plain_text", Text: "Decline"},
				Value:    token,
				ActionID: actionDecline,
				Style:    "danger",
			},
		},
	})
	return text, blocks
}

// resolvedBlocks keeps every prior block except the action row, which is
// replaced with a status line.
func resolvedBlocks(prior []Block, status string) []Block {
	out := make([]Block, 0, len(prior)+1)
	for _, b := range prior {
		if b.Type == "actions" {
			continue
		}
		out = append(out, b)
	}
	return append(out, Block{
		Type:   "context",
		Fields: []BlockText{{Type: "mrkdwn", Text: status}},
	})
}

func decisionStatus(decision Decision, actor string, at time.Time) string {
	verb := "Approved"
	if decision == DecisionDecline {
		verb = "Declined"
	}
	if actor == "" {
		actor = "unknown"
	}
	return fmt.Sprintf("%s by %s at %s", verb, actor, at.UTC().Format(time.RFC3339))
}
