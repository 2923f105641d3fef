// Package store implements the backend query port over PostgreSQL.
//
// The store is the persistence tier's client-facing face: it serves counts
// and pages of already-materialized display events (edits resolved, reactions
// folded in) and accepts best-effort trim requests when the in-memory cache
// evicts a conversation.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kataribe/pkg/kataribe"
)

// PostgresBackend implements kataribe.BackendQueryPort over PostgreSQL.
//
// The pgx pool is owned by the caller; the backend never closes it. Schema
// identifiers are validated so they can be interpolated into statements
// without injection risk.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the backend.
type PostgresOption func(*PostgresBackend) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the backend (default "kataribe").
func WithSchema(schema string) PostgresOption {
	return func(b *PostgresBackend) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("store: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("store: invalid schema identifier %q", schema)
		}
		b.schema = schema

		return nil
	}
}

// NewPostgresBackend constructs a backend over an existing pool.
func NewPostgresBackend(pool *pgxpool.Pool, options ...PostgresOption) (*PostgresBackend, error) {
	if pool == nil {
		return nil, fmt.Errorf("store: nil pool")
	}

	backend := &PostgresBackend{
		pool:   pool,
		schema: "kataribe",
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(backend); err != nil {
			return nil, err
		}
	}

	return backend, nil
}

// EnsureSchema creates the schema and tables the backend reads from.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, b.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.display_events (
			conversation_id TEXT NOT NULL,
			event_id        TEXT NOT NULL,
			kind            TEXT NOT NULL,
			at_ms           BIGINT NOT NULL,
			platform        TEXT NOT NULL DEFAULT '',
			author_id       TEXT NOT NULL DEFAULT '',
			author_username TEXT NOT NULL DEFAULT '',
			author_name     TEXT NOT NULL DEFAULT '',
			author_is_bot   BOOLEAN NOT NULL DEFAULT FALSE,
			body            TEXT NOT NULL DEFAULT '',
			target_event_id TEXT NOT NULL DEFAULT '',
			attachments     JSONB NOT NULL DEFAULT '[]',
			reactions       JSONB NOT NULL DEFAULT '[]',
			metadata        JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (conversation_id, event_id)
		)`, b.schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS display_events_conversation_at
			ON %s.display_events (conversation_id, at_ms DESC, event_id DESC)`, b.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.attachment_hashes (
			hash            TEXT PRIMARY KEY,
			attachment_id   TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			event_id        TEXT NOT NULL
		)`, b.schema),
	}

	for _, statement := range statements {
		if _, err := b.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("store ensure schema: %w", err)
		}
	}

	return nil
}

// CountEvents returns the total number of displayable events persisted for
// one conversation.
func (b *PostgresBackend) CountEvents(ctx context.Context, conversationID string) (int, error) {
	if conversationID == "" {
		return 0, fmt.Errorf("store count events: empty conversation id")
	}

	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s.display_events WHERE conversation_id = $1`,
		b.schema,
	)

	var total int
	if err := b.pool.QueryRow(ctx, query, conversationID).Scan(&total); err != nil {
		return 0, fmt.Errorf("store count events %s: %w", conversationID, err)
	}

	return total, nil
}

// PageEvents returns up to limit events older than the offset newest ones,
// sorted ascending by sort key.
func (b *PostgresBackend) PageEvents(ctx context.Context, conversationID string, limit, offset int) ([]kataribe.DisplayEvent, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("store page events: empty conversation id")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("store page events %s: non-positive limit %d", conversationID, limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("store page events %s: negative offset %d", conversationID, offset)
	}

	query := fmt.Sprintf(`SELECT
			event_id, kind, at_ms, platform,
			author_id, author_username, author_name, author_is_bot,
			body, target_event_id, attachments, reactions, metadata
		FROM %s.display_events
		WHERE conversation_id = $1
		ORDER BY at_ms DESC, event_id DESC
		LIMIT $2 OFFSET $3`, b.schema)

	rows, err := b.pool.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store page events %s: %w", conversationID, err)
	}
	defer rows.Close()

	events := make([]kataribe.DisplayEvent, 0, limit)
	for rows.Next() {
		event, err := scanDisplayEvent(rows, conversationID)
		if err != nil {
			return nil, fmt.Errorf("store page events %s: %w", conversationID, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store page events %s: %w", conversationID, err)
	}

	// Rows come back newest first for the OFFSET math; the cache expects
	// ascending order.
	reverseEvents(events)

	return events, nil
}

// NotifyEvicted trims the materialized view for a conversation down to its
// keepCount most-recent entries. The raw protocol log is untouched; trimmed
// rows are re-materialized on demand.
func (b *PostgresBackend) NotifyEvicted(ctx context.Context, conversationID string, keepCount int) error {
	if conversationID == "" {
		return fmt.Errorf("store notify evicted: empty conversation id")
	}
	if keepCount < 0 {
		keepCount = 0
	}

	query := fmt.Sprintf(`DELETE FROM %s.display_events
		WHERE conversation_id = $1
		AND event_id NOT IN (
			SELECT event_id FROM %s.display_events
			WHERE conversation_id = $1
			ORDER BY at_ms DESC, event_id DESC
			LIMIT $2
		)`, b.schema, b.schema)

	if _, err := b.pool.Exec(ctx, query, conversationID, keepCount); err != nil {
		return fmt.Errorf("store notify evicted %s: %w", conversationID, err)
	}

	return nil
}

// AllAttachmentHashes returns the full content-hash index.
func (b *PostgresBackend) AllAttachmentHashes(ctx context.Context) (map[string]kataribe.AttachmentRef, error) {
	query := fmt.Sprintf(
		`SELECT hash, attachment_id, conversation_id, event_id FROM %s.attachment_hashes`,
		b.schema,
	)

	rows, err := b.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store all attachment hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]kataribe.AttachmentRef)
	for rows.Next() {
		var hash string
		var ref kataribe.AttachmentRef
		if err := rows.Scan(&hash, &ref.AttachmentID, &ref.ConversationID, &ref.EventID); err != nil {
			return nil, fmt.Errorf("store all attachment hashes: %w", err)
		}
		hashes[hash] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store all attachment hashes: %w", err)
	}

	return hashes, nil
}

// RecordEvent upserts one materialized display event, used by drivers that
// persist pushed events before the cache absorbs them.
func (b *PostgresBackend) RecordEvent(ctx context.Context, event *kataribe.DisplayEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("store record event: %w", err)
	}

	attachments, err := json.Marshal(event.Attachments)
	if err != nil {
		return fmt.Errorf("store record event %s: marshal attachments: %w", event.ID, err)
	}
	reactions, err := json.Marshal(event.Reactions)
	if err != nil {
		return fmt.Errorf("store record event %s: marshal reactions: %w", event.ID, err)
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("store record event %s: marshal metadata: %w", event.ID, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s.display_events (
			conversation_id, event_id, kind, at_ms, platform,
			author_id, author_username, author_name, author_is_bot,
			body, target_event_id, attachments, reactions, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (conversation_id, event_id) DO UPDATE SET
			body = EXCLUDED.body,
			attachments = EXCLUDED.attachments,
			reactions = EXCLUDED.reactions,
			metadata = EXCLUDED.metadata`, b.schema)

	_, err = b.pool.Exec(ctx, query,
		event.ConversationID, event.ID, string(event.Kind), event.At, string(event.Platform),
		event.Author.ID, event.Author.Username, event.Author.DisplayName, event.Author.IsBot,
		event.Body, event.TargetEventID, attachments, reactions, metadata,
	)
	if err != nil {
		return fmt.Errorf("store record event %s: %w", event.ID, err)
	}

	return nil
}

// eventScanner is the subset of pgx.Rows used by scanDisplayEvent, split out
// so mapping logic is testable without a live database.
type eventScanner interface {
	Scan(dest ...any) error
}

var _ eventScanner = (pgx.Rows)(nil)

func scanDisplayEvent(row eventScanner, conversationID string) (kataribe.DisplayEvent, error) {
	var (
		event            kataribe.DisplayEvent
		kind, platform   string
		attachmentsBytes []byte
		reactionsBytes   []byte
		metadataBytes    []byte
	)

	err := row.Scan(
		&event.ID, &kind, &event.At, &platform,
		&event.Author.ID, &event.Author.Username, &event.Author.DisplayName, &event.Author.IsBot,
		&event.Body, &event.TargetEventID,
		&attachmentsBytes, &reactionsBytes, &metadataBytes,
	)
	if err != nil {
		return kataribe.DisplayEvent{}, fmt.Errorf("scan display event: %w", err)
	}

	event.ConversationID = conversationID
	event.Kind = kataribe.EventKind(kind)
	event.Platform = kataribe.Platform(platform)

	if len(attachmentsBytes) > 0 {
		if err := json.Unmarshal(attachmentsBytes, &event.Attachments); err != nil {
			return kataribe.DisplayEvent{}, fmt.Errorf("decode attachments for event %s: %w", event.ID, err)
		}
	}
	if len(reactionsBytes) > 0 {
		if err := json.Unmarshal(reactionsBytes, &event.Reactions); err != nil {
			return kataribe.DisplayEvent{}, fmt.Errorf("decode reactions for event %s: %w", event.ID, err)
		}
	}
	if len(metadataBytes) > 0 {
		if err := json.Unmarshal(metadataBytes, &event.Metadata); err != nil {
			return kataribe.DisplayEvent{}, fmt.Errorf("decode metadata for event %s: %w", event.ID, err)
		}
	}

	return event, nil
}

func reverseEvents(events []kataribe.DisplayEvent) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
