package autoflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/swamp-dev/autoflow/internal/store"
)

// DocumentStore is the versioned key-value store sessions are kept in.
type DocumentStore interface {
	Get(ctx context.Context, bucket, key string) (*store.Document, error)
	Put(ctx context.Context, bucket, key string, data []byte, expectedVersion int64) (int64, error)
	List(ctx context.Context, bucket string) ([]*store.Document, error)
}

// loadSession returns the stored session, or nil when none exists.
func loadSession(ctx context.Context, s DocumentStore, id string) (*SessionState, error) {
	doc, err := s.Get(ctx, store.BucketSessions, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(doc)
}

func decodeSession(doc *store.Document) (*SessionState, error) {
	var state SessionState
	if err := json.Unmarshal(doc.Data, &state); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", doc.Key, err)
	}
	if state.SessionID == "" {
		state.SessionID = doc.Key
	}
	state.MaxFixRounds = clampFixRounds(state.MaxFixRounds)
	state.version = doc.Version
	return &state, nil
}

// saveSession writes state if nobody else has written it since it was read.
func saveSession(ctx context.Context, s DocumentStore, state *SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", state.SessionID, err)
	}
	version, err := s.Put(ctx, store.BucketSessions, state.SessionID, data, state.version)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", state.SessionID, err)
	}
	state.version = version
	return nil
}

func listSessions(ctx context.Context, s DocumentStore) ([]*SessionState, error) {
	docs, err := s.List(ctx, store.BucketSessions)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	states := make([]*SessionState, 0, len(docs))
	for _, doc := range docs {
		state, err := decodeSession(doc)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}
