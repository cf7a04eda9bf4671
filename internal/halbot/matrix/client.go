// Package matrix is the chat gateway: it receives commands from Matrix
// rooms and sends replies, notices and typing notifications back.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// typingTimeout is how long the homeserver shows a typing notification
// unless it is refreshed or cleared.
const typingTimeout = 30 * time.Second

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms restricts the bot to these room IDs. Empty means every joined
	// room, and invites are accepted automatically.
	Rooms []string
	// SyncState persists the sync token across restarts. When nil, an
	// in-memory store is used and recent room history replays on every
	// restart.
	SyncState SyncState
}

// MessageHandler processes one incoming text message.
type MessageHandler func(ctx context.Context, evt *event.Event)

// Client wraps the mautrix client.
type Client struct {
	client  *mautrix.Client
	config  Config
	handler MessageHandler
	// started is the time Start was called; older events are ignored.
	started time.Time
}

// New creates a Client. It does not contact the homeserver.
func New(config Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	if config.SyncState != nil {
		client.Store = syncStore{state: config.SyncState}
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}

	return &Client{client: client, config: config}, nil
}

// Run joins the configured rooms and syncs until ctx is cancelled,
// reconnecting with exponential back-off after homeserver errors. It
// returns nil on cancellation.
func (c *Client) Run(ctx context.Context, handler MessageHandler) error {
	c.handler = handler
	c.started = time.Now()

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMembership)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// UserID returns the bot's Matrix user ID.
func (c *Client) UserID() string {
	return c.config.UserID
}

// AllowsRoom reports whether commands from roomID are handled.
func (c *Client) AllowsRoom(roomID string) bool {
	return len(c.config.Rooms) == 0 || slices.Contains(c.config.Rooms, roomID)
}

// Reply sends message as a reply to eventID and returns the new event ID.
func (c *Client) Reply(ctx context.Context, roomID, eventID, message string) (string, error) {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    message,
	}
	if eventID != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(eventID)},
		}
	}

	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("failed to send reply: %w", err)
	}
	return resp.EventID.String(), nil
}

// ReplyChain sends segments in order, each as a reply to the previous
// one; the first replies to eventID. It stops at the first failure.
func (c *Client) ReplyChain(ctx context.Context, roomID, eventID string, segments []string) error {
	parent := eventID
	for i, seg := range segments {
		next, err := c.Reply(ctx, roomID, parent, seg)
		if err != nil {
			return fmt.Errorf("segment %d/%d: %w", i+1, len(segments), err)
		}
		parent = next
	}
	return nil
}

// SendNotice sends a notice message.
func (c *Client) SendNotice(ctx context.Context, roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// SetTyping turns the bot's typing notification in roomID on or off.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool) error {
	if _, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, typingTimeout); err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

// DisplayName returns userID's display name, falling back to the user ID.
func (c *Client) DisplayName(ctx context.Context, userID string) string {
	profile, err := c.client.GetProfile(ctx, id.UserID(userID))
	if err != nil || profile.DisplayName == "" {
		return userID
	}
	return profile.DisplayName
}

// handleMessage filters incoming messages before dispatch.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if !c.accepts(evt) {
		return
	}
	if c.handler != nil {
		c.handler(ctx, evt)
	}
}

// accepts reports whether evt is a fresh text message from someone else
// in an allowed room.
func (c *Client) accepts(evt *event.Event) bool {
	if evt.Sender == id.UserID(c.config.UserID) {
		return false
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return false
	}
	if !c.started.IsZero() && time.UnixMilli(evt.Timestamp).Before(c.started.Add(-time.Minute)) {
		return false
	}
	return c.AllowsRoom(evt.RoomID.String())
}

// handleMembership accepts invites into allowed rooms.
func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != c.config.UserID {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !c.AllowsRoom(evt.RoomID.String()) {
		slog.Info("ignoring invite to a room outside the allowlist", "room", evt.RoomID, "inviter", evt.Sender)
		return
	}
	if err := c.joinRoom(ctx, evt.RoomID); err != nil {
		slog.Warn("failed to accept invite", "room", evt.RoomID, "err", err)
		return
	}
	slog.Info("joined room on invite", "room", evt.RoomID, "inviter", evt.Sender)
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// Homeservers answer M_FORBIDDEN when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
