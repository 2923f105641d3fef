package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
)

const defaultGotdUpdateBuffer = 1024

// GotdUserbotClient abstracts gotd/td userbot session execution.
type GotdUserbotClient interface {
	// Run starts the session and executes fn within the connected lifecycle.
	Run(ctx context.Context, fn func(runCtx context.Context) error) error
}

// GotdRawUpdateStream provides raw gotd updates from an active session.
type GotdRawUpdateStream interface {
	// Updates returns a channel of raw gotd updates bound to ctx lifetime.
	Updates(ctx context.Context) (<-chan gotdUpdateEnvelope, error)
}

// GotdClientAdapter adapts gotd telegram.Client to GotdUserbotClient.
type GotdClientAdapter struct {
	client *gotdtelegram.Client
}

// NewGotdClientAdapter creates a gotd userbot client adapter.
func NewGotdClientAdapter(client *gotdtelegram.Client) (*GotdClientAdapter, error) {
	if client == nil {
		return nil, fmt.Errorf("new gotd client adapter: nil client")
	}

	return &GotdClientAdapter{client: client}, nil
}

// Run starts the gotd client lifecycle.
func (c *GotdClientAdapter) Run(ctx context.Context, fn func(runCtx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("run gotd client adapter: nil callback")
	}
	if err := c.client.Run(ctx, fn); err != nil {
		return fmt.Errorf("run gotd client adapter: %w", err)
	}

	return nil
}

// gotdUpdateEnvelope pairs one raw update with the batch context (timestamps
// and the user/chat entity indexes Telegram ships alongside a container).
type gotdUpdateEnvelope struct {
	update     tg.UpdateClass
	occurredAt time.Time
	users      map[int64]*tg.User
	chats      map[int64]*tg.Chat
	channels   map[int64]*tg.Channel
}

// GotdUpdateChannel is a gotd update handler and raw stream implementation.
type GotdUpdateChannel struct {
	updates chan gotdUpdateEnvelope
}

// NewGotdUpdateChannel creates a stream bridge between gotd updates and the
// adapter source.
func NewGotdUpdateChannel(buffer int) *GotdUpdateChannel {
	if buffer <= 0 {
		buffer = defaultGotdUpdateBuffer
	}

	return &GotdUpdateChannel{updates: make(chan gotdUpdateEnvelope, buffer)}
}

// Updates returns the active stream channel.
func (s *GotdUpdateChannel) Updates(_ context.Context) (<-chan gotdUpdateEnvelope, error) {
	if s.updates == nil {
		return nil, fmt.Errorf("gotd update channel: not initialized")
	}

	return s.updates, nil
}

// Handle flattens gotd update containers and forwards each unit to the stream.
func (s *GotdUpdateChannel) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	if updates == nil {
		return fmt.Errorf("handle gotd updates: nil updates")
	}

	var batch []gotdUpdateEnvelope
	switch typed := updates.(type) {
	case *tg.Updates:
		batch = envelopeBatch(typed.Updates, typed.Date, typed.Users, typed.Chats)
	case *tg.UpdatesCombined:
		batch = envelopeBatch(typed.Updates, typed.Date, typed.Users, typed.Chats)
	case *tg.UpdateShort:
		batch = []gotdUpdateEnvelope{{update: typed.Update, occurredAt: intToTimeUTC(typed.Date)}}
	case *tg.UpdateShortMessage:
		batch = []gotdUpdateEnvelope{{
			update: &tg.UpdateNewMessage{Message: &tg.Message{
				ID:      typed.ID,
				PeerID:  &tg.PeerUser{UserID: typed.UserID},
				FromID:  &tg.PeerUser{UserID: typed.UserID},
				Message: typed.Message,
				Date:    typed.Date,
			}},
			occurredAt: intToTimeUTC(typed.Date),
		}}
	case *tg.UpdateShortChatMessage:
		batch = []gotdUpdateEnvelope{{
			update: &tg.UpdateNewMessage{Message: &tg.Message{
				ID:      typed.ID,
				PeerID:  &tg.PeerChat{ChatID: typed.ChatID},
				FromID:  &tg.PeerUser{UserID: typed.FromID},
				Message: typed.Message,
				Date:    typed.Date,
			}},
			occurredAt: intToTimeUTC(typed.Date),
		}}
	case *tg.UpdatesTooLong:
		return nil
	default:
		// Unknown containers are skipped, not fatal: the session recovers
		// missing history through gaps handling.
		return nil
	}

	for _, item := range batch {
		select {
		case <-ctx.Done():
			return fmt.Errorf("handle gotd updates: %w", ctx.Err())
		case s.updates <- item:
		}
	}

	return nil
}

func envelopeBatch(
	updates []tg.UpdateClass,
	date int,
	users []tg.UserClass,
	chats []tg.ChatClass,
) []gotdUpdateEnvelope {
	occurredAt := intToTimeUTC(date)
	userIndex := indexGotdUsers(users)
	chatIndex, channelIndex := indexGotdChats(chats)

	batch := make([]gotdUpdateEnvelope, 0, len(updates))
	for _, update := range updates {
		batch = append(batch, gotdUpdateEnvelope{
			update:     update,
			occurredAt: occurredAt,
			users:      userIndex,
			chats:      chatIndex,
			channels:   channelIndex,
		})
	}

	return batch
}

func indexGotdUsers(users []tg.UserClass) map[int64]*tg.User {
	if len(users) == 0 {
		return nil
	}
	index := make(map[int64]*tg.User, len(users))
	for _, userClass := range users {
		if user, ok := userClass.(*tg.User); ok {
			index[user.ID] = user
		}
	}

	return index
}

func indexGotdChats(chats []tg.ChatClass) (map[int64]*tg.Chat, map[int64]*tg.Channel) {
	if len(chats) == 0 {
		return nil, nil
	}
	chatIndex := make(map[int64]*tg.Chat, len(chats))
	channelIndex := make(map[int64]*tg.Channel, len(chats))
	for _, chatClass := range chats {
		switch typed := chatClass.(type) {
		case *tg.Chat:
			chatIndex[typed.ID] = typed
		case *tg.Channel:
			channelIndex[typed.ID] = typed
		}
	}

	return chatIndex, channelIndex
}

func intToTimeUTC(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().UTC()
	}

	return time.Unix(int64(seconds), 0).UTC()
}

// GotdUpdateMapper maps raw gotd updates into adapter Update DTOs. The
// accepted flag allows skipping update classes the cache has no use for.
type GotdUpdateMapper interface {
	Map(ctx context.Context, envelope gotdUpdateEnvelope) (Update, bool, error)
}

// DefaultGotdUpdateMapper projects the display-relevant subset of gotd
// updates: new messages (including service and payment messages) and
// message reactions.
type DefaultGotdUpdateMapper struct{}

// NewDefaultGotdUpdateMapper creates the standard mapper.
func NewDefaultGotdUpdateMapper() DefaultGotdUpdateMapper {
	return DefaultGotdUpdateMapper{}
}

// Map converts one raw update into adapter DTO form.
func (m DefaultGotdUpdateMapper) Map(_ context.Context, envelope gotdUpdateEnvelope) (Update, bool, error) {
	switch typed := envelope.update.(type) {
	case *tg.UpdateNewMessage:
		return m.mapMessage(envelope, typed.Message)
	case *tg.UpdateNewChannelMessage:
		return m.mapMessage(envelope, typed.Message)
	case *tg.UpdateMessageReactions:
		return m.mapReactions(envelope, typed)
	default:
		return Update{}, false, nil
	}
}

func (m DefaultGotdUpdateMapper) mapMessage(envelope gotdUpdateEnvelope, messageClass tg.MessageClass) (Update, bool, error) {
	switch message := messageClass.(type) {
	case *tg.Message:
		return m.mapPlainMessage(envelope, message)
	case *tg.MessageService:
		return m.mapServiceMessage(envelope, message)
	default:
		return Update{}, false, nil
	}
}

func (m DefaultGotdUpdateMapper) mapPlainMessage(envelope gotdUpdateEnvelope, message *tg.Message) (Update, bool, error) {
	chat, err := chatFromPeer(envelope, message.PeerID)
	if err != nil {
		return Update{}, false, fmt.Errorf("map gotd message %d: %w", message.ID, err)
	}

	update := Update{
		Type:       UpdateTypeMessage,
		OccurredAt: messageTime(envelope, message.Date),
		Chat:       chat,
		Actor:      actorFromPeer(envelope, message.FromID),
		Message: &MessagePayload{
			ID:    strconv.Itoa(message.ID),
			Text:  message.Message,
			Media: mapMedia(message.Media),
		},
	}

	return update, true, nil
}

func (m DefaultGotdUpdateMapper) mapServiceMessage(envelope gotdUpdateEnvelope, message *tg.MessageService) (Update, bool, error) {
	chat, err := chatFromPeer(envelope, message.PeerID)
	if err != nil {
		return Update{}, false, fmt.Errorf("map gotd service message %d: %w", message.ID, err)
	}
	actor := actorFromPeer(envelope, message.FromID)
	occurredAt := messageTime(envelope, message.Date)
	messageID := strconv.Itoa(message.ID)

	switch action := message.Action.(type) {
	case *tg.MessageActionChatAddUser:
		member := actor
		if len(action.Users) > 0 {
			member = actorFromUserID(envelope, action.Users[0])
		}
		return Update{
			Type:       UpdateTypeMemberJoin,
			OccurredAt: occurredAt,
			Chat:       chat,
			Actor:      actor,
			Member:     &MemberPayload{MessageID: messageID, Member: member},
		}, true, nil
	case *tg.MessageActionChatDeleteUser:
		return Update{
			Type:       UpdateTypeMemberLeave,
			OccurredAt: occurredAt,
			Chat:       chat,
			Actor:      actor,
			Member:     &MemberPayload{MessageID: messageID, Member: actorFromUserID(envelope, action.UserID)},
		}, true, nil
	case *tg.MessageActionPaymentSent:
		return Update{
			Type:       UpdateTypePayment,
			OccurredAt: occurredAt,
			Chat:       chat,
			Actor:      actor,
			Payment: &PaymentPayload{
				MessageID:   messageID,
				Currency:    action.Currency,
				TotalAmount: action.TotalAmount,
				Description: "payment of " + strconv.FormatInt(action.TotalAmount, 10) + " " + action.Currency,
			},
		}, true, nil
	default:
		return Update{}, false, nil
	}
}

// mapReactions projects the most recent reaction on a message. Telegram
// delivers full reaction state rather than deltas; the cache's id-based
// dedup absorbs repeats.
func (m DefaultGotdUpdateMapper) mapReactions(envelope gotdUpdateEnvelope, update *tg.UpdateMessageReactions) (Update, bool, error) {
	chat, err := chatFromPeer(envelope, update.Peer)
	if err != nil {
		return Update{}, false, fmt.Errorf("map gotd reactions %d: %w", update.MsgID, err)
	}

	recent, ok := update.Reactions.GetRecentReactions()
	if !ok || len(recent) == 0 {
		return Update{}, false, nil
	}
	latest := recent[0]

	emoji := reactionEmoji(latest.Reaction)
	if emoji == "" {
		return Update{}, false, nil
	}

	actor := actorFromPeer(envelope, latest.PeerID)
	messageID := strconv.Itoa(update.MsgID)

	return Update{
		ID:         "tgr:" + chat.ID + ":" + messageID + ":" + actor.ID + ":" + emoji,
		Type:       UpdateTypeReaction,
		OccurredAt: envelope.occurredAt,
		Chat:       chat,
		Actor:      actor,
		Reaction: &ReactionPayload{
			MessageID: messageID,
			Emoji:     emoji,
		},
	}, true, nil
}

func chatFromPeer(envelope gotdUpdateEnvelope, peer tg.PeerClass) (ChatRef, error) {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		ref := ChatRef{ID: "user:" + strconv.FormatInt(typed.UserID, 10)}
		if user, known := envelope.users[typed.UserID]; known {
			ref.Title = displayName(user)
		}
		return ref, nil
	case *tg.PeerChat:
		ref := ChatRef{ID: "chat:" + strconv.FormatInt(typed.ChatID, 10)}
		if chat, known := envelope.chats[typed.ChatID]; known {
			ref.Title = chat.Title
		}
		return ref, nil
	case *tg.PeerChannel:
		ref := ChatRef{ID: "channel:" + strconv.FormatInt(typed.ChannelID, 10)}
		if channel, known := envelope.channels[typed.ChannelID]; known {
			ref.Title = channel.Title
		}
		return ref, nil
	default:
		return ChatRef{}, fmt.Errorf("unsupported peer class")
	}
}

func actorFromPeer(envelope gotdUpdateEnvelope, peer tg.PeerClass) ActorRef {
	user, ok := peer.(*tg.PeerUser)
	if !ok || peer == nil {
		return ActorRef{}
	}

	return actorFromUserID(envelope, user.UserID)
}

func actorFromUserID(envelope gotdUpdateEnvelope, userID int64) ActorRef {
	ref := ActorRef{ID: strconv.FormatInt(userID, 10)}
	if user, known := envelope.users[userID]; known {
		ref.Username = user.Username
		ref.DisplayName = displayName(user)
		ref.IsBot = user.Bot
	}

	return ref
}

func displayName(user *tg.User) string {
	if user.LastName == "" {
		return user.FirstName
	}
	if user.FirstName == "" {
		return user.LastName
	}

	return user.FirstName + " " + user.LastName
}

// reactionEmoji normalizes the gotd reaction classes into one display string.
func reactionEmoji(reaction tg.ReactionClass) string {
	switch typed := reaction.(type) {
	case *tg.ReactionEmoji:
		return typed.Emoticon
	case *tg.ReactionCustomEmoji:
		return "custom:" + strconv.FormatInt(typed.DocumentID, 10)
	case *tg.ReactionPaid:
		return "paid"
	default:
		return ""
	}
}

func messageTime(envelope gotdUpdateEnvelope, date int) time.Time {
	if date > 0 {
		return time.Unix(int64(date), 0).UTC()
	}

	return envelope.occurredAt
}

func mapMedia(media tg.MessageMediaClass) []MediaPayload {
	switch typed := media.(type) {
	case *tg.MessageMediaDocument:
		documentClass, ok := typed.GetDocument()
		if !ok {
			return nil
		}
		document, ok := documentClass.(*tg.Document)
		if !ok {
			return nil
		}
		payload := MediaPayload{
			ID:        strconv.FormatInt(document.ID, 10),
			MIMEType:  document.MimeType,
			SizeBytes: document.Size,
			Hash:      "tgdoc:" + strconv.FormatInt(document.ID, 10),
		}
		for _, attribute := range document.Attributes {
			if filename, ok := attribute.(*tg.DocumentAttributeFilename); ok {
				payload.FileName = filename.FileName
			}
		}
		return []MediaPayload{payload}
	case *tg.MessageMediaPhoto:
		photoClass, ok := typed.GetPhoto()
		if !ok {
			return nil
		}
		photo, ok := photoClass.(*tg.Photo)
		if !ok {
			return nil
		}
		return []MediaPayload{{
			ID:       strconv.FormatInt(photo.ID, 10),
			MIMEType: "image/jpeg",
			Hash:     "tgphoto:" + strconv.FormatInt(photo.ID, 10),
		}}
	default:
		return nil
	}
}

// GotdUserbotSource wires gotd userbot updates into UpdateSource.
type GotdUserbotSource struct {
	client GotdUserbotClient
	stream GotdRawUpdateStream
	mapper GotdUpdateMapper
}

// NewGotdUserbotSource creates a source backed by gotd userbot session APIs.
func NewGotdUserbotSource(
	client GotdUserbotClient,
	stream GotdRawUpdateStream,
	mapper GotdUpdateMapper,
) (*GotdUserbotSource, error) {
	if client == nil {
		return nil, fmt.Errorf("new gotd userbot source: nil client")
	}
	if stream == nil {
		return nil, fmt.Errorf("new gotd userbot source: nil stream")
	}
	if mapper == nil {
		return nil, fmt.Errorf("new gotd userbot source: nil mapper")
	}

	return &GotdUserbotSource{
		client: client,
		stream: stream,
		mapper: mapper,
	}, nil
}

// Consume runs a gotd session and forwards mapped updates to the handler.
func (s *GotdUserbotSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("consume gotd userbot updates: nil handler")
	}

	err := s.client.Run(ctx, func(runCtx context.Context) error {
		updates, err := s.stream.Updates(runCtx)
		if err != nil {
			return fmt.Errorf("get gotd updates stream: %w", err)
		}

		for {
			select {
			case <-runCtx.Done():
				return nil
			case envelope, ok := <-updates:
				if !ok {
					return nil
				}
				mapped, accepted, mapErr := s.mapSafely(runCtx, envelope)
				if mapErr != nil {
					return fmt.Errorf("map gotd update: %w", mapErr)
				}
				if !accepted {
					continue
				}
				if err := handler(runCtx, mapped); err != nil {
					return fmt.Errorf("consume gotd update %s: %w", mapped.Type, err)
				}
			}
		}
	})
	if err != nil {
		return fmt.Errorf("consume gotd userbot updates: %w", err)
	}

	return nil
}

// mapSafely isolates mapper panics so one bad update cannot crash the session.
func (s *GotdUserbotSource) mapSafely(ctx context.Context, envelope gotdUpdateEnvelope) (mapped Update, accepted bool, err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("map gotd update panic: %v", recovered)
	}()

	return s.mapper.Map(ctx, envelope)
}
