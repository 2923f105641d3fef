package telegram

import (
	"context"
	"strings"
	"testing"
	"time"

	"kataribe/pkg/kataribe"
)

func TestDefaultDecoderMessage(t *testing.T) {
	t.Parallel()

	decoder := NewDefaultDecoder()
	occurredAt := time.Unix(1700000123, 0).UTC()

	event, err := decoder.Decode(context.Background(), Update{
		Type:       UpdateTypeMessage,
		OccurredAt: occurredAt,
		Chat:       ChatRef{ID: "chat:42", Title: "dev"},
		Actor:      ActorRef{ID: "7", Username: "rin", DisplayName: "Rin", IsBot: false},
		Message: &MessagePayload{
			ID:   "1001",
			Text: "hello",
			Media: []MediaPayload{{
				ID:        "900",
				MIMEType:  "application/pdf",
				FileName:  "notes.pdf",
				SizeBytes: 2048,
				Hash:      "tgdoc:900",
			}},
		},
	})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if event.ID != "tg:chat:42:1001" {
		t.Fatalf("event id = %q, want tg:chat:42:1001", event.ID)
	}
	if event.Kind != kataribe.EventKindMessage {
		t.Fatalf("event kind = %q, want %q", event.Kind, kataribe.EventKindMessage)
	}
	if event.ConversationID != "chat:42" {
		t.Fatalf("conversation id = %q, want chat:42", event.ConversationID)
	}
	if event.At != occurredAt.UnixMilli() {
		t.Fatalf("event at = %d, want %d", event.At, occurredAt.UnixMilli())
	}
	if event.Platform != kataribe.PlatformTelegram {
		t.Fatalf("event platform = %q, want %q", event.Platform, kataribe.PlatformTelegram)
	}
	if event.Body != "hello" {
		t.Fatalf("event body = %q, want hello", event.Body)
	}
	if event.Author.Username != "rin" {
		t.Fatalf("author username = %q, want rin", event.Author.Username)
	}
	if len(event.Attachments) != 1 {
		t.Fatalf("attachments len = %d, want 1", len(event.Attachments))
	}
	if event.Attachments[0].Hash != "tgdoc:900" {
		t.Fatalf("attachment hash = %q, want tgdoc:900", event.Attachments[0].Hash)
	}
	if event.Attachments[0].FileName != "notes.pdf" {
		t.Fatalf("attachment file name = %q, want notes.pdf", event.Attachments[0].FileName)
	}
}

func TestDefaultDecoderReaction(t *testing.T) {
	t.Parallel()

	decoder := NewDefaultDecoder()

	event, err := decoder.Decode(context.Background(), Update{
		ID:         "tgr:chat:42:1001:7:👍",
		Type:       UpdateTypeReaction,
		OccurredAt: time.Unix(1700000500, 0).UTC(),
		Chat:       ChatRef{ID: "chat:42"},
		Actor:      ActorRef{ID: "7"},
		Reaction:   &ReactionPayload{MessageID: "1001", Emoji: "👍"},
	})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if event.Kind != kataribe.EventKindReaction {
		t.Fatalf("event kind = %q, want %q", event.Kind, kataribe.EventKindReaction)
	}
	if event.ID != "tgr:chat:42:1001:7:👍" {
		t.Fatalf("event id = %q, want the reaction update id", event.ID)
	}
	if event.Body != "👍" {
		t.Fatalf("event body = %q, want the emoji", event.Body)
	}
	if event.TargetEventID != "tg:chat:42:1001" {
		t.Fatalf("target event id = %q, want tg:chat:42:1001", event.TargetEventID)
	}
}

func TestDefaultDecoderPayment(t *testing.T) {
	t.Parallel()

	decoder := NewDefaultDecoder()

	event, err := decoder.Decode(context.Background(), Update{
		Type:       UpdateTypePayment,
		OccurredAt: time.Unix(1700000600, 0).UTC(),
		Chat:       ChatRef{ID: "chat:42"},
		Actor:      ActorRef{ID: "7"},
		Payment: &PaymentPayload{
			MessageID:   "1002",
			Currency:    "USD",
			TotalAmount: 499,
			Description: "payment of 499 USD",
		},
	})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if event.Kind != kataribe.EventKindPayment {
		t.Fatalf("event kind = %q, want %q", event.Kind, kataribe.EventKindPayment)
	}
	if event.ID != "tg:chat:42:1002" {
		t.Fatalf("event id = %q, want tg:chat:42:1002", event.ID)
	}
	if event.Metadata["payment.currency"] != "USD" {
		t.Fatalf("payment currency metadata = %q, want USD", event.Metadata["payment.currency"])
	}
	if event.Metadata["payment.total_amount"] != "499" {
		t.Fatalf("payment amount metadata = %q, want 499", event.Metadata["payment.total_amount"])
	}
}

func TestDefaultDecoderMemberChange(t *testing.T) {
	t.Parallel()

	decoder := NewDefaultDecoder()

	tests := []struct {
		name       string
		updateType UpdateType
		member     ActorRef
		wantBody   string
	}{
		{
			name:       "join uses display name",
			updateType: UpdateTypeMemberJoin,
			member:     ActorRef{ID: "9", DisplayName: "Saki"},
			wantBody:   "Saki joined the conversation",
		},
		{
			name:       "leave falls back to username",
			updateType: UpdateTypeMemberLeave,
			member:     ActorRef{ID: "9", Username: "saki_dev"},
			wantBody:   "saki_dev left the conversation",
		},
		{
			name:       "leave falls back to id",
			updateType: UpdateTypeMemberLeave,
			member:     ActorRef{ID: "9"},
			wantBody:   "9 left the conversation",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			event, err := decoder.Decode(context.Background(), Update{
				Type:       tt.updateType,
				OccurredAt: time.Unix(1700000700, 0).UTC(),
				Chat:       ChatRef{ID: "chat:42"},
				Actor:      ActorRef{ID: "1"},
				Member:     &MemberPayload{MessageID: "1003", Member: tt.member},
			})
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if event.Kind != kataribe.EventKindMemberChange {
				t.Fatalf("event kind = %q, want %q", event.Kind, kataribe.EventKindMemberChange)
			}
			if event.Body != tt.wantBody {
				t.Fatalf("event body = %q, want %q", event.Body, tt.wantBody)
			}
			if event.Metadata["member.transition"] != string(tt.updateType) {
				t.Fatalf("member transition metadata = %q, want %q",
					event.Metadata["member.transition"], tt.updateType)
			}
		})
	}
}

func TestDefaultDecoderRejectsMalformedUpdates(t *testing.T) {
	t.Parallel()

	decoder := NewDefaultDecoder()
	occurredAt := time.Unix(1700000800, 0).UTC()

	tests := []struct {
		name        string
		update      Update
		wantMessage string
	}{
		{
			name:        "missing chat id",
			update:      Update{Type: UpdateTypeMessage, OccurredAt: occurredAt},
			wantMessage: "missing chat id",
		},
		{
			name: "message without payload",
			update: Update{
				Type:       UpdateTypeMessage,
				OccurredAt: occurredAt,
				Chat:       ChatRef{ID: "chat:42"},
			},
			wantMessage: "missing message payload",
		},
		{
			name: "reaction without payload",
			update: Update{
				Type:       UpdateTypeReaction,
				OccurredAt: occurredAt,
				Chat:       ChatRef{ID: "chat:42"},
			},
			wantMessage: "missing reaction payload",
		},
		{
			name: "payment without payload",
			update: Update{
				Type:       UpdateTypePayment,
				OccurredAt: occurredAt,
				Chat:       ChatRef{ID: "chat:42"},
			},
			wantMessage: "missing payment payload",
		},
		{
			name: "member change without payload",
			update: Update{
				Type:       UpdateTypeMemberJoin,
				OccurredAt: occurredAt,
				Chat:       ChatRef{ID: "chat:42"},
			},
			wantMessage: "missing member payload",
		},
		{
			name: "unknown update type",
			update: Update{
				Type:       UpdateType("typing"),
				OccurredAt: occurredAt,
				Chat:       ChatRef{ID: "chat:42"},
			},
			wantMessage: "unsupported update type",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := decoder.Decode(context.Background(), tt.update)
			if err == nil {
				t.Fatal("Decode() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantMessage) {
				t.Fatalf("Decode() error = %v, want substring %q", err, tt.wantMessage)
			}
		})
	}
}
