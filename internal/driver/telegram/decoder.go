package telegram

import (
	"context"
	"fmt"

	"kataribe/pkg/kataribe"
)

// DriverPlatform is the neutral platform tag for events produced here.
const DriverPlatform = kataribe.PlatformTelegram

// DriverType is the default driver identity exposed to the kernel.
const DriverType = "telegram"

// Decoder converts adapter Update DTOs into neutral display events.
type Decoder interface {
	// Decode returns a display event, or nil when the update carries nothing
	// displayable.
	Decode(ctx context.Context, update Update) (*kataribe.DisplayEvent, error)
}

// DefaultDecoder is the standard Update-to-DisplayEvent projection.
type DefaultDecoder struct{}

// NewDefaultDecoder creates the standard decoder.
func NewDefaultDecoder() DefaultDecoder {
	return DefaultDecoder{}
}

// Decode maps one update into its display event form.
func (DefaultDecoder) Decode(_ context.Context, update Update) (*kataribe.DisplayEvent, error) {
	if update.Chat.ID == "" {
		return nil, fmt.Errorf("decode update %s: missing chat id", update.Type)
	}

	event := &kataribe.DisplayEvent{
		ConversationID: update.Chat.ID,
		At:             update.OccurredAt.UnixMilli(),
		Platform:       DriverPlatform,
		Author: kataribe.Actor{
			ID:          update.Actor.ID,
			Username:    update.Actor.Username,
			DisplayName: update.Actor.DisplayName,
			IsBot:       update.Actor.IsBot,
		},
		Metadata: cloneMetadata(update.Metadata),
	}

	switch update.Type {
	case UpdateTypeMessage:
		if update.Message == nil {
			return nil, fmt.Errorf("decode update %s: missing message payload", update.Type)
		}
		event.Kind = kataribe.EventKindMessage
		event.ID = eventID(update.Chat.ID, update.Message.ID)
		event.Body = update.Message.Text
		event.Attachments = decodeMedia(update.Message.Media)
	case UpdateTypeReaction:
		if update.Reaction == nil {
			return nil, fmt.Errorf("decode update %s: missing reaction payload", update.Type)
		}
		event.Kind = kataribe.EventKindReaction
		event.ID = update.ID
		event.Body = update.Reaction.Emoji
		event.TargetEventID = eventID(update.Chat.ID, update.Reaction.MessageID)
	case UpdateTypePayment:
		if update.Payment == nil {
			return nil, fmt.Errorf("decode update %s: missing payment payload", update.Type)
		}
		event.Kind = kataribe.EventKindPayment
		event.ID = eventID(update.Chat.ID, update.Payment.MessageID)
		event.Body = update.Payment.Description
		if event.Metadata == nil {
			event.Metadata = make(map[string]string, 2)
		}
		event.Metadata["payment.currency"] = update.Payment.Currency
		event.Metadata["payment.total_amount"] = fmt.Sprintf("%d", update.Payment.TotalAmount)
	case UpdateTypeMemberJoin, UpdateTypeMemberLeave:
		if update.Member == nil {
			return nil, fmt.Errorf("decode update %s: missing member payload", update.Type)
		}
		event.Kind = kataribe.EventKindMemberChange
		event.ID = eventID(update.Chat.ID, update.Member.MessageID)
		event.Body = memberChangeBody(update.Type, update.Member.Member)
		if event.Metadata == nil {
			event.Metadata = make(map[string]string, 2)
		}
		event.Metadata["member.id"] = update.Member.Member.ID
		event.Metadata["member.transition"] = string(update.Type)
	default:
		return nil, fmt.Errorf("decode update %s: unsupported update type", update.Type)
	}

	if event.ID == "" {
		event.ID = update.ID
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("decode update %s: %w", update.Type, err)
	}

	return event, nil
}

// eventID builds the stable per-conversation event identity shared by the
// cache, the store, and reaction targeting.
func eventID(chatID, messageID string) string {
	if messageID == "" {
		return ""
	}

	return "tg:" + chatID + ":" + messageID
}

func decodeMedia(media []MediaPayload) []kataribe.Attachment {
	if len(media) == 0 {
		return nil
	}

	attachments := make([]kataribe.Attachment, 0, len(media))
	for _, item := range media {
		attachments = append(attachments, kataribe.Attachment{
			ID:        item.ID,
			MIMEType:  item.MIMEType,
			FileName:  item.FileName,
			SizeBytes: item.SizeBytes,
			Hash:      item.Hash,
		})
	}

	return attachments
}

func memberChangeBody(updateType UpdateType, member ActorRef) string {
	name := member.DisplayName
	if name == "" {
		name = member.Username
	}
	if name == "" {
		name = member.ID
	}
	if updateType == UpdateTypeMemberJoin {
		return name + " joined the conversation"
	}

	return name + " left the conversation"
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}

	return cloned
}
