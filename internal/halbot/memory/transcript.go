package memory

import (
	"fmt"
	"strings"
)

// emptyListing is what listings print for an empty conversation.
const emptyListing = "none"

// FormatHistory renders stored exchanges oldest first, one line per
// message, with each exchange's attributed cost.
func FormatHistory(history []Exchange) string {
	if len(history) == 0 {
		return emptyListing
	}
	var b strings.Builder
	for i, ex := range history {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, speaker(ex.User), ex.User.Content)
		fmt.Fprintf(&b, "   %s: %s (%d tokens)", speaker(ex.Assistant), ex.Assistant.Content, ex.TokenCost)
	}
	return b.String()
}

// FormatPersona renders persona messages in insertion order.
func FormatPersona(persona []Message) string {
	if len(persona) == 0 {
		return emptyListing
	}
	lines := make([]string, len(persona))
	for i, p := range persona {
		lines[i] = fmt.Sprintf("%d. %s", i+1, p.Content)
	}
	return strings.Join(lines, "\n")
}

// speaker is the author when known, the role otherwise.
func speaker(m Message) string {
	if m.Author != "" {
		return m.Author
	}
	return string(m.Role)
}
