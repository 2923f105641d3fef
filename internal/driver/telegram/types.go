package telegram

import "time"

// UpdateType identifies the Telegram update semantic category.
type UpdateType string

const (
	// UpdateTypeMessage identifies new message updates.
	UpdateTypeMessage UpdateType = "message"
	// UpdateTypeReaction identifies reaction updates.
	UpdateTypeReaction UpdateType = "reaction"
	// UpdateTypePayment identifies payment record updates.
	UpdateTypePayment UpdateType = "payment"
	// UpdateTypeMemberJoin identifies member join updates.
	UpdateTypeMemberJoin UpdateType = "member_join"
	// UpdateTypeMemberLeave identifies member leave updates.
	UpdateTypeMemberLeave UpdateType = "member_leave"
)

// Update is the Telegram adapter's internal DTO before neutral decoding.
type Update struct {
	ID         string
	Type       UpdateType
	OccurredAt time.Time
	Chat       ChatRef
	Actor      ActorRef
	Message    *MessagePayload
	Reaction   *ReactionPayload
	Payment    *PaymentPayload
	Member     *MemberPayload
	Metadata   map[string]string
}

// ChatRef identifies Telegram chat context.
type ChatRef struct {
	ID    string
	Title string
}

// ActorRef identifies Telegram actor context.
type ActorRef struct {
	ID          string
	Username    string
	DisplayName string
	IsBot       bool
}

// MessagePayload represents a Telegram message projection.
type MessagePayload struct {
	ID    string
	Text  string
	Media []MediaPayload
}

// MediaPayload represents Telegram media metadata.
type MediaPayload struct {
	ID        string
	MIMEType  string
	FileName  string
	SizeBytes int64
	Hash      string
}

// ReactionPayload captures emoji reaction metadata.
type ReactionPayload struct {
	MessageID string
	Emoji     string
}

// PaymentPayload captures payment record metadata rendered inline in chat.
type PaymentPayload struct {
	MessageID   string
	Currency    string
	TotalAmount int64
	Description string
}

// MemberPayload captures join/leave transitions.
type MemberPayload struct {
	MessageID string
	Member    ActorRef
}
