// Package commands parses chat messages into commands and routes them to
// handlers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"maunium.net/go/mautrix/event"
)

// Command is a parsed command.
//
// Free-text commands (chat, persona add) read Body or Rest, which keep the
// user's text verbatim including newlines; Args and Flags are the
// whitespace-split view used by structured commands.
type Command struct {
	Name       string
	Subcommand string
	Args       []string
	Flags      map[string]string
	// Body is the text after the command name.
	Body string
	// Rest is the text after the subcommand, or Body when there is none.
	Rest    string
	RawText string
}

// ErrNotACommand is returned by Parse when the message does not start with
// the command prefix. Callers should ignore such messages.
var ErrNotACommand = errors.New("not a command (missing prefix)")

// ErrEmptyCommand is returned for a bare prefix.
var ErrEmptyCommand = errors.New("empty command")

// Handler handles one command and returns the reply text. An empty reply
// sends nothing.
type Handler func(ctx context.Context, cmd *Command, evt *event.Event) (string, error)

// Router routes commands to handlers.
type Router struct {
	handlers map[string]Handler
	prefix   string
}

// NewRouter creates a router for messages starting with prefix.
func NewRouter(prefix string) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		prefix:   prefix,
	}
}

// Prefix returns the command prefix.
func (r *Router) Prefix() string { return r.prefix }

// Register binds a handler to "name" or "name.subcommand".
func (r *Router) Register(command string, handler Handler) {
	r.handlers[command] = handler
}

// Parse parses a message into a command. The prefix must be followed by
// whitespace or end the message, so "!halt" is not "!hal t".
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)

	rest, ok := strings.CutPrefix(text, r.prefix)
	if !ok {
		return nil, ErrNotACommand
	}
	if rest != "" && !unicode.IsSpace(rune(rest[0])) {
		return nil, ErrNotACommand
	}

	text = strings.TrimSpace(rest)
	if text == "" {
		return nil, ErrEmptyCommand
	}

	name, body := cutWord(text)
	cmd := &Command{
		Name:    strings.ToLower(name),
		Args:    []string{},
		Flags:   make(map[string]string),
		Body:    body,
		Rest:    body,
		RawText: text,
	}

	parts := strings.Fields(body)
	if len(parts) > 0 && !strings.HasPrefix(parts[0], "-") {
		cmd.Subcommand = parts[0]
		_, cmd.Rest = cutWord(body)
		parts = parts[1:]
	}

	for i := 0; i < len(parts); i++ {
		part := parts[i]
		if !strings.HasPrefix(part, "--") || len(part) == 2 {
			cmd.Args = append(cmd.Args, part)
			continue
		}
		flagName := strings.TrimPrefix(part, "--")
		if i+1 < len(parts) && !strings.HasPrefix(parts[i+1], "--") {
			cmd.Flags[flagName] = parts[i+1]
			i++
		} else {
			cmd.Flags[flagName] = "true"
		}
	}

	return cmd, nil
}

// cutWord splits s after its first whitespace-delimited word and trims
// leading whitespace from the remainder.
func cutWord(s string) (word, rest string) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeftFunc(s[i:], unicode.IsSpace)
}

// Route parses text and calls the matching handler, trying
// "name.subcommand" before "name".
func (r *Router) Route(ctx context.Context, text string, evt *event.Event) (string, error) {
	cmd, err := r.Parse(text)
	if err != nil {
		return "", err
	}

	handlerKey := cmd.Name
	if cmd.Subcommand != "" {
		handlerKey = cmd.Name + "." + strings.ToLower(cmd.Subcommand)
	}

	handler, ok := r.handlers[handlerKey]
	if !ok {
		handler, ok = r.handlers[cmd.Name]
		if !ok {
			return "", fmt.Errorf("unknown command: %s (try %s help)", cmd.FullCommand(), r.prefix)
		}
	}
	return handler(ctx, cmd, evt)
}

// GetFlag returns a flag value with a default.
func (c *Command) GetFlag(name, defaultValue string) string {
	if val, ok := c.Flags[name]; ok {
		return val
	}
	return defaultValue
}

// GetArg returns an argument by index.
func (c *Command) GetArg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}

// FullCommand returns "name subcommand" or just the name.
func (c *Command) FullCommand() string {
	if c.Subcommand != "" {
		return c.Name + " " + c.Subcommand
	}
	return c.Name
}
