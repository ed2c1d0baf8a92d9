package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pelusa-v/pelusa-dm/internal/logger"
	"github.com/pelusa-v/pelusa-dm/internal/metrics"
	"github.com/pelusa-v/pelusa-dm/internal/models"
	"github.com/pelusa-v/pelusa-dm/internal/store"
)

// Store is the durable side the service writes through.
type Store interface {
	NewMessage(senderID, receiverID, text, image string) models.Message
	SaveMessage(ctx context.Context, m models.Message) error
	GetMessage(ctx context.Context, id string) (models.Message, error)
	FindMessagesBetween(ctx context.Context, a, b string, since *time.Time, limit int) ([]models.Message, error)
	DeleteMessage(ctx context.Context, id string) (models.Message, error)
	DeleteAllFrom(ctx context.Context, senderID, receiverID string) (int, error)
}

// Uploader turns a raw image payload into a stable reference.
type Uploader interface {
	Upload(ctx context.Context, payload string) (string, error)
}

// Emitter is the push side: the Hub in production.
type Emitter interface {
	Emit(event string, payload any, recipients ...string) error
}

// SendInput is the body of a send request.
type SendInput struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

type ServiceConfig struct {
	HistoryLimit int
	PollLimit    int
	PollTimeout  time.Duration
}

// Service coordinates the durable write path with the push path.
type Service struct {
	store Store
	bus   Emitter
	media Uploader
	inbox *Inbox
	cfg   ServiceConfig
}

func NewService(st Store, bus Emitter, media Uploader, cfg ServiceConfig) *Service {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = 500
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 3 * time.Second
	}
	return &Service{store: st, bus: bus, media: media, inbox: NewInbox(), cfg: cfg}
}

func validatePair(a, b string) error {
	if err := store.ValidateID(a); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if err := store.ValidateID(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return nil
}

// Send persists a message and pushes it to both parties. The push and the
// write run concurrently; Send returns once the write completes. A failed
// write is retracted from any session the push already reached.
func (s *Service) Send(ctx context.Context, senderID, receiverID string, in SendInput) (models.Message, error) {
	if err := validatePair(senderID, receiverID); err != nil {
		return models.Message{}, err
	}
	if !(models.Message{Text: in.Text, Image: in.Image}).HasContent() {
		return models.Message{}, ErrEmptyMessage
	}

	var imageRef string
	if in.Image != "" {
		if s.media == nil {
			return models.Message{}, errors.New("image upload not configured")
		}
		ref, err := s.media.Upload(ctx, in.Image)
		if err != nil {
			return models.Message{}, fmt.Errorf("upload image: %w", err)
		}
		imageRef = ref
	}

	m := s.store.NewMessage(senderID, receiverID, in.Text, imageRef)

	// accepted writes outlive the request
	writeCtx := context.WithoutCancel(ctx)
	persisted := make(chan error, 1)
	go func() { persisted <- s.store.SaveMessage(writeCtx, m) }()

	pushed := make(chan struct{})
	go func() {
		defer close(pushed)
		if err := s.bus.Emit(models.EventNewMessage, m, receiverID, senderID); err != nil {
			logger.Warn("push_new_message_failed", "message", m.ID, "error", err)
		}
	}()

	if err := <-persisted; err != nil {
		go func() {
			<-pushed
			_ = s.bus.Emit(models.EventMessageDeleted, models.MessageDeleted{
				MessageID: m.ID, SenderID: senderID, ReceiverID: receiverID,
			}, receiverID, senderID)
		}()
		logger.Error("persist_message_failed", "sender", senderID, "receiver", receiverID, "error", err)
		return models.Message{}, err
	}
	metrics.MessagesSent.Inc()
	s.inbox.OnMessage(m)
	return m, nil
}

// Threads returns user's conversation previews, most recent first.
func (s *Service) Threads(user string) []ThreadPreview {
	return s.inbox.List(user)
}

// MarkRead clears the unread count of user's conversation with peer.
func (s *Service) MarkRead(user, peer string) error {
	if err := validatePair(user, peer); err != nil {
		return err
	}
	s.inbox.MarkRead(user, peer)
	return nil
}

// History returns the most recent messages between me and peer, oldest first.
func (s *Service) History(ctx context.Context, me, peer string) ([]models.Message, error) {
	if err := validatePair(me, peer); err != nil {
		return nil, err
	}
	return s.store.FindMessagesBetween(ctx, me, peer, nil, s.cfg.HistoryLimit)
}

// Since returns messages between me and peer created strictly after since, oldest first.
func (s *Service) Since(ctx context.Context, me, peer string, since time.Time) ([]models.Message, error) {
	if err := validatePair(me, peer); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()
	return s.store.FindMessagesBetween(ctx, me, peer, &since, s.cfg.PollLimit)
}

// Delete removes a message on behalf of requesterID, who must be its sender.
func (s *Service) Delete(ctx context.Context, requesterID, messageID string) error {
	if err := store.ValidateID(messageID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != requesterID {
		return ErrPermissionDenied
	}
	if _, err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	evt := models.MessageDeleted{MessageID: m.ID, SenderID: m.SenderID, ReceiverID: m.ReceiverID}
	if err := s.bus.Emit(models.EventMessageDeleted, evt, m.SenderID, m.ReceiverID); err != nil {
		logger.Warn("push_message_deleted_failed", "message", m.ID, "error", err)
	}
	return nil
}

// Clear deletes every message requesterID sent to peerID and returns the count.
func (s *Service) Clear(ctx context.Context, requesterID, peerID string) (int, error) {
	if err := validatePair(requesterID, peerID); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteAllFrom(ctx, requesterID, peerID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		evt := models.MessagesCleared{SenderID: requesterID, ReceiverID: peerID, DeletedCount: n}
		if err := s.bus.Emit(models.EventMessagesCleared, evt, requesterID, peerID); err != nil {
			logger.Warn("push_messages_cleared_failed", "sender", requesterID, "error", err)
		}
	}
	return n, nil
}
