// Package messaging resolves conversations and tracks delivery and read
// receipts for the chat surface. The external store owns the append-only
// message log; this service keeps the hot working set in memory and writes
// through. The log is the authoritative record, so a failed persist on send
// is fatal to the send; receipt and moderation mirrors are best-effort.
package messaging

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-realtime/internal/directory"
	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/locks"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/internal/storage"
)

const maxBodyBytes = 4096

// ServiceOptions wires the messaging collaborators.
type ServiceOptions struct {
	Registry            *dispatch.Registry
	Rooms               *dispatch.Rooms
	Notifier            *dispatch.Notifier
	Directory           directory.Directory
	Store               storage.Store
	Logger              *slog.Logger
	ModerationThreshold int
	Now                 func() time.Time
}

type Service struct {
	registry  *dispatch.Registry
	rooms     *dispatch.Rooms
	notifier  *dispatch.Notifier
	directory directory.Directory
	store     storage.Store
	logger    *slog.Logger
	threshold int
	now       func() time.Time

	mu        sync.RWMutex
	convs     map[string]*models.Conversation // by conversation id
	convByKey map[string]string               // pair/trip key → conversation id
	messages  map[string]*models.Message
	locks     *locks.KeyMutex
}

func NewService(o ServiceOptions) *Service {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.ModerationThreshold <= 0 {
		o.ModerationThreshold = 3
	}
	return &Service{
		registry:  o.Registry,
		rooms:     o.Rooms,
		notifier:  o.Notifier,
		directory: o.Directory,
		store:     o.Store,
		logger:    o.Logger,
		threshold: o.ModerationThreshold,
		now:       o.Now,
		convs:     make(map[string]*models.Conversation),
		convByKey: make(map[string]string),
		messages:  make(map[string]*models.Message),
		locks:     locks.NewKeyMutex(),
	}
}

// Send appends a message to the pair or trip conversation, persisting it
// before anything else. Status is delivered only when the recipient has a
// live session at send time; otherwise it stays sent and the push
// collaborator is asked to reach them.
func (s *Service) Send(ctx context.Context, senderID, recipientID, body string, kind models.MessageKind, tripID string) (*models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, models.NewError(models.CodeValidation, "message body required")
	}
	if len(body) > maxBodyBytes {
		return nil, models.NewError(models.CodeValidation, "message body exceeds %d bytes", maxBodyBytes)
	}
	if recipientID == "" || recipientID == senderID {
		return nil, models.NewError(models.CodeValidation, "invalid recipient")
	}
	if kind == "" {
		kind = models.MessageText
	}

	key := conversationKey(senderID, recipientID, tripID)
	conv := s.resolveConversation(key, senderID, recipientID, tripID)

	// MarkRead, Report and SoftDelete serialize on the conversation id, so
	// the send must too
	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	now := s.now()
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Body:           body,
		Kind:           kind,
		Status:         models.MessageSent,
		CreatedAt:      now,
	}
	online := s.registry.Online(recipientID)
	if online {
		msg.Status = models.MessageDelivered
		at := now
		msg.DeliveredAt = &at
	}

	// the store is the authoritative log: a failed persist fails the send
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, models.WrapDependency(err, "persisting message")
	}

	s.mu.Lock()
	s.messages[msg.ID] = msg
	conv.LastMessageID = msg.ID
	conv.UnreadCounts[recipientID]++
	convSnap := snapshotConversation(conv)
	out := msg.Clone()
	s.mu.Unlock()

	if err := s.store.SaveConversation(ctx, convSnap); err != nil {
		s.logger.Warn("conversation mirror save failed", "conversation_id", conv.ID, "error", err)
	}
	if online {
		s.rooms.Broadcast(dispatch.UserRoom(recipientID), models.EventMessageNew, out, "")
	} else if err := s.notifier.NotifyUser(ctx, recipientID, models.Notification{
		Kind:  models.NotifyMessage,
		Title: "New message",
		Body:  body,
		Data:  map[string]string{"message_id": msg.ID, "conversation_id": conv.ID, "sender_id": senderID},
	}); err != nil {
		// offline fan-out is best-effort; the message is already committed
		s.logger.Warn("offline message push failed", "message_id", msg.ID, "error", err)
	}

	observability.MessagesTotal.WithLabelValues(string(out.Status)).Inc()
	s.logger.Info("message sent", "message_id", msg.ID, "conversation_id", conv.ID, "status", out.Status)
	return out, nil
}

// MarkRead advances a message to read. Only the recipient may read, status
// never regresses, and a repeated read is a no-op that leaves the unread
// counter decremented exactly once.
func (s *Service) MarkRead(ctx context.Context, messageID, readerID string) (*models.Message, error) {
	msg, err := s.lookupMessage(messageID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(msg.ConversationID)
	defer unlock()

	if msg.RecipientID != readerID {
		return nil, models.NewError(models.CodeUnauthorized, "only the recipient may mark message %s read", messageID)
	}

	s.mu.Lock()
	already := msg.Status == models.MessageRead
	if !already {
		now := s.now()
		msg.Status = models.MessageRead
		msg.ReadAt = &now
		if conv, ok := s.convs[msg.ConversationID]; ok && conv.UnreadCounts[readerID] > 0 {
			conv.UnreadCounts[readerID]--
		}
	}
	snap := msg.Clone()
	s.mu.Unlock()

	if already {
		return snap, nil
	}

	if err := s.store.UpdateMessageStatus(ctx, messageID, models.MessageRead, *snap.ReadAt); err != nil {
		s.logger.Warn("read receipt mirror failed", "message_id", messageID, "error", err)
	}
	s.rooms.Broadcast(dispatch.UserRoom(snap.SenderID), models.EventMessageRead, map[string]string{
		"message_id":      messageID,
		"conversation_id": snap.ConversationID,
		"reader_id":       readerID,
	}, "")
	observability.MessagesTotal.WithLabelValues(string(models.MessageRead)).Inc()
	return snap, nil
}

// Report files a moderation report. The same reporter cannot report twice;
// crossing the threshold surfaces the message to the moderation room.
func (s *Service) Report(ctx context.Context, messageID, reporterID, reasonCode string) error {
	if reasonCode == "" {
		return models.NewError(models.CodeValidation, "reason code required")
	}
	msg, err := s.lookupMessage(messageID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(msg.ConversationID)
	defer unlock()

	s.mu.Lock()
	for _, rep := range msg.Reports {
		if rep.ReporterID == reporterID {
			s.mu.Unlock()
			return models.NewError(models.CodeAlreadyReported, "reporter %s already reported message %s", reporterID, messageID)
		}
	}
	rep := models.MessageReport{ReporterID: reporterID, ReasonCode: reasonCode, At: s.now()}
	msg.Reports = append(msg.Reports, rep)
	count := len(msg.Reports)
	snap := msg.Clone()
	s.mu.Unlock()

	if err := s.store.SaveReport(ctx, messageID, rep); err != nil {
		s.logger.Warn("report mirror failed", "message_id", messageID, "error", err)
	}
	if count == s.threshold {
		s.rooms.Broadcast(dispatch.RoomModeration, models.EventMessageFlagged, snap, "")
		s.logger.Warn("message crossed moderation threshold", "message_id", messageID, "reports", count)
	}
	return nil
}

// SoftDelete tombstones a message. Allowed for the sender and moderators;
// the record is kept, the body withheld from subsequent reads.
func (s *Service) SoftDelete(ctx context.Context, messageID, actorID string) error {
	msg, err := s.lookupMessage(messageID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(msg.ConversationID)
	defer unlock()

	if msg.SenderID != actorID && !s.isModerator(ctx, actorID) {
		return models.NewError(models.CodeUnauthorized, "only the sender or a moderator may delete message %s", messageID)
	}

	s.mu.Lock()
	msg.Deleted = true
	conv := s.convs[msg.ConversationID]
	var participants []string
	if conv != nil {
		participants = conv.ParticipantIDs()
	}
	s.mu.Unlock()

	if err := s.store.MarkDeleted(ctx, messageID); err != nil {
		s.logger.Warn("tombstone mirror failed", "message_id", messageID, "error", err)
	}
	payload := map[string]string{"message_id": messageID, "conversation_id": msg.ConversationID}
	for _, userID := range participants {
		s.rooms.Broadcast(dispatch.UserRoom(userID), models.EventMessageDeleted, payload, "")
	}
	s.logger.Info("message tombstoned", "message_id", messageID, "actor_id", actorID)
	return nil
}

// History pages through a conversation's stored log. Tombstoned messages
// come back with the body withheld.
func (s *Service) History(ctx context.Context, conversationID, requesterID string, page models.Page) ([]*models.Message, error) {
	if page.Limit < 0 || page.Offset < 0 {
		return nil, models.NewError(models.CodeValidation, "page limit and offset must not be negative")
	}
	s.mu.RLock()
	conv, ok := s.convs[conversationID]
	var member bool
	if ok {
		_, member = conv.Participants[requesterID]
	}
	s.mu.RUnlock()
	if !ok {
		// cold conversation: fall back to the store
		stored, err := s.store.LoadConversation(ctx, conversationID)
		if err != nil {
			return nil, models.WrapDependency(err, "loading conversation %s", conversationID)
		}
		if stored == nil {
			return nil, models.NewError(models.CodeNotFound, "conversation %s not found", conversationID)
		}
		_, member = stored.Participants[requesterID]
	}
	if !member {
		return nil, models.NewError(models.CodeUnauthorized, "not a participant of conversation %s", conversationID)
	}

	msgs, err := s.store.LoadMessages(ctx, conversationID, page)
	if err != nil {
		return nil, models.WrapDependency(err, "loading messages for %s", conversationID)
	}
	for _, m := range msgs {
		if m.Deleted {
			m.Body = ""
		}
	}
	return msgs, nil
}

// Conversation returns a copy of the live conversation record.
func (s *Service) Conversation(conversationID string) (*models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, false
	}
	return snapshotConversation(conv), true
}

// snapshotConversation deep-copies the conversation maps so the copy can
// leave s.mu. Caller holds the lock.
func snapshotConversation(c *models.Conversation) *models.Conversation {
	cp := *c
	cp.Participants = make(map[string]struct{}, len(c.Participants))
	for id := range c.Participants {
		cp.Participants[id] = struct{}{}
	}
	cp.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for id, n := range c.UnreadCounts {
		cp.UnreadCounts[id] = n
	}
	return &cp
}

// resolveConversation finds or lazily creates the conversation for key.
// Caller holds the key lock.
func (s *Service) resolveConversation(key, senderID, recipientID, tripID string) *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.convByKey[key]; ok {
		return s.convs[id]
	}
	kind := models.ConversationDirect
	if tripID != "" {
		kind = models.ConversationTrip
	}
	conv := &models.Conversation{
		ID:           uuid.NewString(),
		Kind:         kind,
		TripID:       tripID,
		Participants: map[string]struct{}{senderID: {}, recipientID: {}},
		UnreadCounts: make(map[string]int),
		CreatedAt:    s.now(),
	}
	s.convs[conv.ID] = conv
	s.convByKey[key] = conv.ID
	return conv
}

func (s *Service) lookupMessage(id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, models.NewError(models.CodeNotFound, "message %s not found", id)
	}
	return msg, nil
}

func (s *Service) isModerator(ctx context.Context, userID string) bool {
	if s.directory == nil {
		return false
	}
	u, err := s.directory.GetUser(ctx, userID)
	if err != nil {
		return false
	}
	return u.Role == models.RoleModerator || u.Role == models.RoleAdmin
}

// conversationKey is stable for a pair regardless of who writes first; trip
// conversations group by trip id.
func conversationKey(a, b, tripID string) string {
	if tripID != "" {
		return "trip:" + tripID
	}
	pair := []string{a, b}
	sort.Strings(pair)
	return "direct:" + pair[0] + ":" + pair[1]
}
