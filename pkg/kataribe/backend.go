package kataribe

import "context"

// ServiceBackendQueryPort is the canonical service registry key for the
// persistence-tier query port.
const ServiceBackendQueryPort = "kataribe.backend_query_port"

// BackendQueryPort is the cache's view of the persistence tier.
//
// The store is an external collaborator: it materializes displayable events
// (edits resolved, reactions folded in) and owns its own cache layer. Offsets
// are counted from the most-recent end backward, so offset N asks the store to
// skip the N newest events and return the next older block.
type BackendQueryPort interface {
	// CountEvents returns the total number of displayable events persisted
	// for one conversation.
	CountEvents(ctx context.Context, conversationID string) (int, error)
	// PageEvents returns up to limit events older than the offset newest
	// ones, sorted ascending by sort key. An empty or undersized result
	// signals no more data.
	PageEvents(ctx context.Context, conversationID string, limit, offset int) ([]DisplayEvent, error)
	// NotifyEvicted asks the store to trim its own materialized cache for the
	// conversation down to keepCount most-recent entries. Callers treat this
	// as fire-and-forget and ignore failures.
	NotifyEvicted(ctx context.Context, conversationID string, keepCount int) error
	// AllAttachmentHashes returns the full content-hash index, loaded once at
	// startup.
	AllAttachmentHashes(ctx context.Context) (map[string]AttachmentRef, error)
}

// AttachmentRef points at an already-known attachment by content hash.
type AttachmentRef struct {
	// AttachmentID is the stable attachment identifier.
	AttachmentID string
	// ConversationID identifies where the attachment was first seen.
	ConversationID string
	// EventID identifies the event that carried the attachment.
	EventID string
}
