package matrix

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// SyncState persists small per-user values of the /sync position.
// *store.Store implements it.
type SyncState interface {
	SyncValue(ctx context.Context, userID, key string) (string, error)
	SetSyncValue(ctx context.Context, userID, key, value string) error
}

const (
	syncKeyFilter    = "filter_id"
	syncKeyNextBatch = "next_batch"
)

// syncStore lets mautrix resume from the last handled batch after a
// restart, so old commands are not answered twice.
type syncStore struct {
	state SyncState
}

var _ mautrix.SyncStore = syncStore{}

func (s syncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.state.SetSyncValue(ctx, userID.String(), syncKeyFilter, filterID)
}

func (s syncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.state.SyncValue(ctx, userID.String(), syncKeyFilter)
}

func (s syncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.state.SetSyncValue(ctx, userID.String(), syncKeyNextBatch, nextBatchToken)
}

func (s syncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.state.SyncValue(ctx, userID.String(), syncKeyNextBatch)
}
