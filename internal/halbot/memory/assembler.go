package memory

import "github.com/bdobrica/halbot/internal/halbot/completion"

// Assemble builds the ordered message list submitted for a turn:
//
//  1. persona messages in insertion order (only when withPersona is set);
//  2. every stored exchange, user then assistant, oldest first;
//  3. the new user message.
//
// Authors are dropped; the completion API only sees role and content.
// Assemble is pure: it reads snap and allocates a fresh slice.
func Assemble(snap Snapshot, next Message, withPersona bool) []completion.Message {
	n := 2*len(snap.History) + 1
	if withPersona {
		n += len(snap.Persona)
	}
	msgs := make([]completion.Message, 0, n)

	if withPersona {
		for _, p := range snap.Persona {
			msgs = append(msgs, toWire(p))
		}
	}
	for _, ex := range snap.History {
		msgs = append(msgs, toWire(ex.User), toWire(ex.Assistant))
	}
	return append(msgs, toWire(next))
}

func toWire(m Message) completion.Message {
	return completion.Message{Role: m.Role, Content: m.Content}
}
