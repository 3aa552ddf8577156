package engine

import (
	"fmt"
	"strings"

	"github.com/vkultra/mitski/pkg/llm"
	"github.com/vkultra/mitski/pkg/store"
)

// BuildMessages assembles the turn list for one completion: a system
// prompt made of the bot's general prompt, the session's current phase
// prompt and the status line of every tracked action, followed by the
// bounded history and the new user message.
func BuildMessages(general string, phase *store.Phase, actions []*store.Action, statuses map[int64]string, history []store.HistoryEntry, userText string) []llm.Message {
	var sys strings.Builder
	sys.WriteString(strings.TrimSpace(general))

	if phase != nil && strings.TrimSpace(phase.Prompt) != "" {
		sys.WriteString("\n\n")
		sys.WriteString(strings.TrimSpace(phase.Prompt))
	}

	var tracked []string
	for _, a := range actions {
		if !a.TrackUsage {
			continue
		}
		status := statuses[a.ID]
		if status == "" {
			status = store.ActionStatusInactive
		}
		tracked = append(tracked, fmt.Sprintf("%s: %s", a.Name, status))
	}
	if len(tracked) > 0 {
		sys.WriteString("\n\nAction status:\n")
		sys.WriteString(strings.Join(tracked, "\n"))
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: sys.String()})
	for _, h := range history {
		role := "user"
		if h.Role == "assistant" {
			role = "assistant"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: h.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: userText})
	return msgs
}

// PromptChars sums the content length of msgs for the cost estimate.
func PromptChars(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total
}

// SplitReply cuts the model reply on the "|" separator into the
// fragments sent as separate messages with a typing pause between them.
// Empty fragments are dropped.
func SplitReply(reply string) []string {
	parts := strings.Split(reply, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
