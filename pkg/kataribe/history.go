package kataribe

import (
	"context"
	"time"
)

// ServiceHistoryCache is the canonical service registry key for the
// conversation history window cache.
const ServiceHistoryCache = "kataribe.history_cache"

// HistoryCache serves bounded, paginated windows of conversation history and
// absorbs real-time pushed events.
//
// Implementations must be concurrency-safe. Pagination operations never
// surface backend failures: they return the best-effort cached view and the
// UI shows stale-but-consistent data.
type HistoryCache interface {
	// LoadInitialEvents ensures at least count most-recent events are cached
	// for the conversation and returns the cached window, newest last.
	//
	// The returned error reports caller misuse only (canceled context, empty
	// conversation id); backend unavailability degrades to cached data.
	LoadInitialEvents(ctx context.Context, conversationID string, count int) ([]DisplayEvent, error)
	// LoadMoreEvents fetches the next older page for a conversation that is
	// already windowed and returns the newly loaded events, oldest first.
	//
	// It returns an empty slice when no window exists, the window is fully
	// loaded, or the backend has nothing more to give right now.
	LoadMoreEvents(ctx context.Context, conversationID string, count int) ([]DisplayEvent, error)
	// AddEvent merges one real-time pushed event into its conversation window.
	//
	// It returns false when the event id is already cached; a duplicate is an
	// expected outcome, not an error.
	AddEvent(ctx context.Context, event *DisplayEvent) (bool, error)
	// AddReactionToEvent attaches a reaction to a cached event in place.
	//
	// It returns false when the window or the target event is not cached.
	// Re-attaching an already-known reaction id is an idempotent success.
	AddReactionToEvent(ctx context.Context, conversationID, eventID string, reaction Reaction) (bool, error)
	// GetEvent returns one cached event by id. found is false when either the
	// window or the event is absent.
	GetEvent(ctx context.Context, conversationID, eventID string) (DisplayEvent, bool, error)
	// GetEvents returns the cached window for a conversation without touching
	// the backend. found is false when the conversation is not windowed.
	GetEvents(ctx context.Context, conversationID string) ([]DisplayEvent, bool, error)
	// Has reports whether a conversation currently has a window, without
	// creating one or reordering recency.
	Has(ctx context.Context, conversationID string) (bool, error)
	// UpdateTotalCount applies an out-of-band correction of the persisted
	// event total and recomputes window completeness.
	UpdateTotalCount(ctx context.Context, conversationID string, total int) error
	// Stats reports window bookkeeping for one conversation.
	Stats(ctx context.Context, conversationID string) (WindowStats, bool, error)
	// LookupAttachment resolves a content hash against the attachment hash index.
	LookupAttachment(ctx context.Context, hash string) (AttachmentRef, bool, error)
	// Clear drops every window and the attachment hash index (logout path).
	Clear(ctx context.Context) error
	// ClearConversation removes one conversation's window entirely.
	ClearConversation(ctx context.Context, conversationID string) error
	// TrimConversation enforces the per-window event cap on one conversation.
	TrimConversation(ctx context.Context, conversationID string) error
}

// WindowStats is a point-in-time snapshot of one window's bookkeeping.
type WindowStats struct {
	// ConversationID identifies the window.
	ConversationID string
	// CachedCount is the number of events currently held in memory.
	CachedCount int
	// TotalInDB is the backend's event total as last refreshed.
	TotalInDB int
	// LoadedOffset counts most-recent events already loaded; the next older
	// page starts here.
	LoadedOffset int
	// IsFullyLoaded reports that pagination has reached the oldest event.
	IsFullyLoaded bool
	// HasMoreEvents reports whether another LoadMoreEvents call can make progress.
	HasMoreEvents bool
	// LastAccess is the window's recency timestamp used for LRU ordering.
	LastAccess time.Time
}
