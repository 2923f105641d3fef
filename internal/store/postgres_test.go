package store

import (
	"encoding/json"
	"fmt"
	"testing"

	"kataribe/pkg/kataribe"
)

// TestWithSchemaValidation verifies schema identifiers are vetted before use.
func TestWithSchemaValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		schema  string
		wantErr bool
	}{
		{name: "plain identifier", schema: "kataribe"},
		{name: "underscore prefix", schema: "_history"},
		{name: "trims whitespace", schema: "  events  "},
		{name: "empty", schema: "", wantErr: true},
		{name: "whitespace only", schema: "   ", wantErr: true},
		{name: "quoted injection", schema: `events"; DROP TABLE x; --`, wantErr: true},
		{name: "leading digit", schema: "1events", wantErr: true},
		{name: "embedded dot", schema: "public.events", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			backend := &PostgresBackend{schema: "kataribe"}
			err := WithSchema(testCase.schema)(backend)
			if testCase.wantErr && err == nil {
				t.Fatalf("schema %q accepted", testCase.schema)
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("schema %q rejected: %v", testCase.schema, err)
			}
		})
	}
}

// TestNewPostgresBackendRequiresPool verifies construction rejects a nil pool.
func TestNewPostgresBackendRequiresPool(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresBackend(nil); err == nil {
		t.Fatal("nil pool accepted")
	}
}

// fakeRow replays scan values the way a pgx row would deliver them.
type fakeRow struct {
	values []any
}

func (r *fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity %d, want %d", len(dest), len(r.values))
	}
	for i, value := range r.values {
		switch target := dest[i].(type) {
		case *string:
			*target = value.(string)
		case *int64:
			*target = value.(int64)
		case *bool:
			*target = value.(bool)
		case *[]byte:
			*target = value.([]byte)
		default:
			return fmt.Errorf("unsupported scan target %T at %d", dest[i], i)
		}
	}

	return nil
}

func mustJSON(t *testing.T, value any) []byte {
	t.Helper()
	encoded, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	return encoded
}

// TestScanDisplayEvent verifies row-to-event mapping including JSONB columns.
func TestScanDisplayEvent(t *testing.T) {
	t.Parallel()

	attachments := []kataribe.Attachment{
		{ID: "a1", MIMEType: "image/jpeg", FileName: "photo.jpg", SizeBytes: 1024, Hash: "h1"},
	}
	reactions := []kataribe.Reaction{
		{ID: "r1", Emoji: "👍", AuthorID: "actor-2", At: 1100},
	}
	metadata := map[string]string{"edited": "true"}

	row := &fakeRow{values: []any{
		"e1", "message", int64(1000), "telegram",
		"actor-1", "alice", "Alice", false,
		"hello", "",
		mustJSON(t, attachments), mustJSON(t, reactions), mustJSON(t, metadata),
	}}

	event, err := scanDisplayEvent(row, "conv-1")
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	if event.ID != "e1" || event.ConversationID != "conv-1" {
		t.Fatalf("identity fields wrong: %+v", event)
	}
	if event.Kind != kataribe.EventKindMessage || event.Platform != kataribe.PlatformTelegram {
		t.Fatalf("enum fields wrong: kind=%s platform=%s", event.Kind, event.Platform)
	}
	if event.At != 1000 || event.Body != "hello" {
		t.Fatalf("payload fields wrong: %+v", event)
	}
	if event.Author.ID != "actor-1" || event.Author.Username != "alice" || event.Author.DisplayName != "Alice" {
		t.Fatalf("author fields wrong: %+v", event.Author)
	}
	if len(event.Attachments) != 1 || event.Attachments[0].Hash != "h1" {
		t.Fatalf("attachments wrong: %+v", event.Attachments)
	}
	if len(event.Reactions) != 1 || event.Reactions[0].Emoji != "👍" {
		t.Fatalf("reactions wrong: %+v", event.Reactions)
	}
	if event.Metadata["edited"] != "true" {
		t.Fatalf("metadata wrong: %+v", event.Metadata)
	}
}

// TestScanDisplayEventRejectsBadJSON verifies malformed JSONB surfaces an error.
func TestScanDisplayEventRejectsBadJSON(t *testing.T) {
	t.Parallel()

	row := &fakeRow{values: []any{
		"e1", "message", int64(1000), "telegram",
		"", "", "", false,
		"hello", "",
		[]byte("{not json"), []byte("[]"), []byte("{}"),
	}}

	if _, err := scanDisplayEvent(row, "conv-1"); err == nil {
		t.Fatal("malformed attachments column accepted")
	}
}

// TestReverseEvents verifies newest-first rows flip to ascending order.
func TestReverseEvents(t *testing.T) {
	t.Parallel()

	events := []kataribe.DisplayEvent{
		{ID: "e3", At: 30},
		{ID: "e2", At: 20},
		{ID: "e1", At: 10},
	}
	reverseEvents(events)

	for i, wantID := range []string{"e1", "e2", "e3"} {
		if events[i].ID != wantID {
			t.Fatalf("events[%d].ID = %s, want %s", i, events[i].ID, wantID)
		}
	}

	// Odd and trivial lengths stay stable.
	single := []kataribe.DisplayEvent{{ID: "only"}}
	reverseEvents(single)
	if single[0].ID != "only" {
		t.Fatal("single-element reverse mutated contents")
	}
	reverseEvents(nil)
}
