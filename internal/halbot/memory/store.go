package memory

import (
	"context"
	"fmt"
	"sync"
)

// Store is the registry of conversations keyed by conversation ID.
//
// The registry map is guarded by one mutex that is held only for lookups.
// Each conversation additionally owns an exclusive section (a one-slot
// channel) that serialises every read and write of that conversation, so
// a whole turn (assemble, call the API, account, evict, append) can hold it
// while other conversations proceed concurrently.
//
// Store is safe for concurrent use. The zero value is not usable; call
// NewStore.
type Store struct {
	mu     sync.Mutex
	convos map[string]*entry
}

// entry couples a conversation with its exclusive section.
type entry struct {
	sem  chan struct{}
	conv Conversation
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{convos: make(map[string]*entry)}
}

// GetOrCreate ensures the conversation exists. It never blocks on the
// conversation's section and never fails.
func (s *Store) GetOrCreate(id string) {
	s.entry(id)
}

// Len returns the number of conversations created so far.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convos)
}

// IDs returns the known conversation IDs in no particular order.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.convos))
	for id := range s.convos {
		ids = append(ids, id)
	}
	return ids
}

// entry returns the entry for id, creating it lazily.
func (s *Store) entry(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.convos[id]
	if e == nil {
		e = &entry{
			sem:  make(chan struct{}, 1),
			conv: Conversation{ID: id},
		}
		s.convos[id] = e
	}
	return e
}

// Session is exclusive access to one conversation. It must be released
// exactly once; Release is idempotent so it can be deferred safely.
type Session struct {
	e    *entry
	once sync.Once
}

// Acquire waits for exclusive access to the conversation, creating it if
// needed. It returns ctx.Err() if ctx ends first.
func (s *Store) Acquire(ctx context.Context, id string) (*Session, error) {
	e := s.entry(id)
	select {
	case e.sem <- struct{}{}:
		return &Session{e: e}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("memory: waiting for conversation %q: %w", id, ctx.Err())
	}
}

// Release gives up exclusive access.
func (c *Session) Release() {
	c.once.Do(func() { <-c.e.sem })
}

// Snapshot returns a deep copy of the conversation.
func (c *Session) Snapshot() Snapshot {
	return c.e.conv.snapshot()
}

// TotalTokens returns the summed cost of the stored history.
func (c *Session) TotalTokens() int {
	return sumCosts(c.e.conv.History)
}

// EvictAndAppend drops the oldest exchanges needed to fit ex under limit
// (see EvictionCut), then appends ex. It returns the number of exchanges
// evicted. Nothing else can observe the conversation in between because
// the session holds its section.
func (c *Session) EvictAndAppend(ex Exchange, limit int, policy ExactFitPolicy) int {
	conv := &c.e.conv
	cut := EvictionCut(conv.History, ex.TokenCost, limit, policy)

	kept := make([]Exchange, 0, len(conv.History)-cut+1)
	kept = append(kept, conv.History[cut:]...)
	conv.History = append(kept, ex)
	return cut
}

// AppendPersona appends a system message with empty author.
func (c *Session) AppendPersona(text string) {
	c.e.conv.Persona = append(c.e.conv.Persona, Message{Role: RoleSystem, Content: text})
}

// ClearPersona removes every persona message and reports whether any
// existed.
func (c *Session) ClearPersona() bool {
	had := len(c.e.conv.Persona) > 0
	c.e.conv.Persona = nil
	return had
}

// ClearHistory removes every exchange and reports whether any existed.
func (c *Session) ClearHistory() bool {
	had := len(c.e.conv.History) > 0
	c.e.conv.History = nil
	return had
}

// with runs fn while holding the conversation's section.
func (s *Store) with(ctx context.Context, id string, fn func(*Session)) error {
	sess, err := s.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer sess.Release()
	fn(sess)
	return nil
}

// AppendPersona appends a persona message to the conversation.
func (s *Store) AppendPersona(ctx context.Context, id, text string) error {
	return s.with(ctx, id, func(c *Session) { c.AppendPersona(text) })
}

// ClearPersona removes every persona message. The bool reports whether
// anything was removed; clearing an empty list is not an error.
func (s *Store) ClearPersona(ctx context.Context, id string) (bool, error) {
	var had bool
	err := s.with(ctx, id, func(c *Session) { had = c.ClearPersona() })
	return had, err
}

// ClearHistory removes every exchange. The bool reports whether anything
// was removed; clearing an empty history is not an error.
func (s *Store) ClearHistory(ctx context.Context, id string) (bool, error) {
	var had bool
	err := s.with(ctx, id, func(c *Session) { had = c.ClearHistory() })
	return had, err
}

// EvictAndAppend is the store-level form of Session.EvictAndAppend.
func (s *Store) EvictAndAppend(ctx context.Context, id string, ex Exchange, limit int, policy ExactFitPolicy) (int, error) {
	var evicted int
	err := s.with(ctx, id, func(c *Session) { evicted = c.EvictAndAppend(ex, limit, policy) })
	return evicted, err
}

// TotalHistoryTokens returns the summed cost of the stored history.
func (s *Store) TotalHistoryTokens(ctx context.Context, id string) (int, error) {
	var total int
	err := s.with(ctx, id, func(c *Session) { total = c.TotalTokens() })
	return total, err
}

// Snapshot returns a deep copy of the conversation.
func (s *Store) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	var snap Snapshot
	err := s.with(ctx, id, func(c *Session) { snap = c.Snapshot() })
	return snap, err
}
