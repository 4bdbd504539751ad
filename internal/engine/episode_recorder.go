package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

// EpisodeInput describes a new episode.
type EpisodeInput struct {
	UserID    string
	Query     string
	Timestamp time.Time // zero means now
	Context   map[string]any
	FactIDs   []string
	Outcome   string
}

// EpisodeRecorder persists provenance envelopes. It makes no decisions; it
// writes what it is given and notifies listeners.
type EpisodeRecorder struct {
	store storage.EpisodeStore
	now   func() time.Time

	mu        sync.RWMutex
	listeners []func(*types.Episode)
}

// NewEpisodeRecorder creates a recorder over store.
func NewEpisodeRecorder(store storage.EpisodeStore) *EpisodeRecorder {
	return &EpisodeRecorder{store: store, now: time.Now}
}

// OnRecorded registers fn to be called with every episode after it is
// finalised by Publish. Listeners run synchronously and must not block.
func (r *EpisodeRecorder) OnRecorded(fn func(*types.Episode)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// CreateEpisode persists the envelope and back-links in.FactIDs. Facts
// already claimed by another episode keep their original episode.
func (r *EpisodeRecorder) CreateEpisode(ctx context.Context, in EpisodeInput) (*types.Episode, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", storage.ErrValidation)
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}

	ep := &types.Episode{
		ID:        uuid.NewString(),
		UserID:    strings.TrimSpace(in.UserID),
		Query:     in.Query,
		Timestamp: ts.UTC(),
		Context:   in.Context,
		FactIDs:   dedupe(in.FactIDs),
		Outcome:   in.Outcome,
	}
	if ep.FactIDs == nil {
		ep.FactIDs = []string{}
	}
	if err := r.store.InsertEpisode(ctx, ep); err != nil {
		return nil, fmt.Errorf("create episode: %w", err)
	}
	return ep, nil
}

// AppendFacts links facts discovered after the episode was created.
func (r *EpisodeRecorder) AppendFacts(ctx context.Context, episodeID string, factIDs []string) error {
	if strings.TrimSpace(episodeID) == "" {
		return fmt.Errorf("%w: episode id is required", storage.ErrValidation)
	}
	ids := dedupe(factIDs)
	if len(ids) == 0 {
		return nil
	}
	if err := r.store.AppendEpisodeFacts(ctx, episodeID, ids); err != nil {
		return fmt.Errorf("append to episode %s: %w", episodeID, err)
	}
	return nil
}

// GetEpisode returns an episode with its ordered fact ids.
func (r *EpisodeRecorder) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	return r.store.GetEpisode(ctx, id)
}

// Publish notifies listeners that ep is complete.
func (r *EpisodeRecorder) Publish(ep *types.Episode) {
	r.mu.RLock()
	listeners := append([]func(*types.Episode){}, r.listeners...)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(ep)
	}
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
