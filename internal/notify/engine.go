package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/dedup"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/forum"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/push"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/rooms"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EventNotificationNew is emitted to a recipient's user room.
const EventNotificationNew = "notification:new"

var (
	errMissingStore       = errors.New("notify: store required")
	errMissingBroadcaster = errors.New("notify: broadcaster required")
	errMissingLedger      = errors.New("notify: ledger required")
	errMissingSender      = errors.New("notify: push sender required")
)

// Store is the slice of durable storage the engine depends on.
type Store interface {
	ListWatcherIDs(ctx context.Context, questionID, excludeUserID string) ([]string, error)
	FindOrCreateNotification(ctx context.Context, draft forum.NotificationDraft) (forum.Notification, bool, error)
	ListActivePushTokens(ctx context.Context, userID string) ([]forum.PushToken, error)
}

// Broadcaster emits events to rooms.
type Broadcaster interface {
	Emit(address rooms.Address, event string, data interface{}) int
}

// Config wires the engine's collaborators.
type Config struct {
	Store       Store
	Broadcaster Broadcaster
	Ledger      dedup.Ledger
	Sender      push.Sender
	Logger      *zap.Logger
}

// Engine turns a persisted answer or message into per-recipient notifications.
type Engine struct {
	store       Store
	broadcaster Broadcaster
	ledger      dedup.Ledger
	sender      push.Sender
	logger      *zap.Logger
}

// NewEngine validates the configuration.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Broadcaster == nil:
		return nil, errMissingBroadcaster
	case cfg.Ledger == nil:
		return nil, errMissingLedger
	case cfg.Sender == nil:
		return nil, errMissingSender
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		ledger:      cfg.Ledger,
		sender:      cfg.Sender,
		logger:      logger,
	}, nil
}

// Payload is the notification:new frame body.
type Payload struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Link      string `json:"link"`
	CreatedAt string `json:"createdAt"`
}

// NewPayload projects a stored notification onto its wire shape.
func NewPayload(notification forum.Notification) Payload {
	createdAt := notification.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return Payload{
		ID:        notification.ID,
		Title:     notification.Title,
		Content:   notification.Content,
		Link:      notification.Link,
		CreatedAt: createdAt.UTC().Format(time.RFC3339Nano),
	}
}

// Recipients returns the owner (unless acting) followed by distinct watchers,
// never including the actor or repeating anyone.
func Recipients(ownerID, actorID string, watcherIDs []string) []string {
	seen := make(map[string]struct{}, len(watcherIDs)+1)
	recipients := make([]string, 0, len(watcherIDs)+1)
	add := func(userID string) {
		if userID == "" || userID == actorID {
			return
		}
		if _, ok := seen[userID]; ok {
			return
		}
		seen[userID] = struct{}{}
		recipients = append(recipients, userID)
	}
	add(ownerID)
	for _, watcherID := range watcherIDs {
		add(watcherID)
	}
	return recipients
}

// ResolveRecipients loads the question's watchers and applies Recipients.
func (e *Engine) ResolveRecipients(ctx context.Context, question forum.Question, actorID string) ([]string, error) {
	watcherIDs, err := e.store.ListWatcherIDs(ctx, question.ID, actorID)
	if err != nil {
		return nil, err
	}
	return Recipients(question.AuthorID, actorID, watcherIDs), nil
}

// Dispatch notifies every recipient in parallel. A failing recipient never
// stops its siblings; the combined error is returned for logging only.
func (e *Engine) Dispatch(ctx context.Context, trigger Trigger, recipients []string) error {
	if len(recipients) == 0 {
		return nil
	}
	var (
		mu       sync.Mutex
		combined error
		wg       sync.WaitGroup
	)
	for _, recipientID := range recipients {
		wg.Add(1)
		go func(recipientID string) {
			defer wg.Done()
			if err := e.deliver(ctx, trigger, recipientID); err != nil {
				e.logger.Error("notification delivery failed",
					zap.String("recipient_id", recipientID),
					zap.String("question_id", trigger.Question.ID),
					zap.String("content_id", trigger.ContentID),
					zap.Error(err))
				mu.Lock()
				combined = multierr.Append(combined, fmt.Errorf("recipient %s: %w", recipientID, err))
				mu.Unlock()
			}
		}(recipientID)
	}
	wg.Wait()
	return combined
}

func (e *Engine) deliver(ctx context.Context, trigger Trigger, recipientID string) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("notify: recovered panic: %v", recovered)
		}
	}()

	notification, created, err := e.store.FindOrCreateNotification(ctx, trigger.draft(recipientID))
	if err != nil {
		return err
	}

	if !e.ledger.Claim(recipientID, notification.ID) {
		e.logger.Debug("notification already delivered, skipping",
			zap.String("recipient_id", recipientID),
			zap.String("notification_id", notification.ID))
		return nil
	}

	e.broadcaster.Emit(rooms.User(recipientID), EventNotificationNew, NewPayload(notification))
	e.logger.Debug("notification emitted",
		zap.String("recipient_id", recipientID),
		zap.String("notification_id", notification.ID),
		zap.Bool("created", created))

	e.sendPush(ctx, trigger, recipientID)
	return nil
}

// sendPush fans out to every active device token. Failures are logged and
// swallowed.
func (e *Engine) sendPush(ctx context.Context, trigger Trigger, recipientID string) {
	tokens, err := e.store.ListActivePushTokens(ctx, recipientID)
	if err != nil {
		e.logger.Warn("push token lookup failed", zap.String("recipient_id", recipientID), zap.Error(err))
		return
	}
	if len(tokens) == 0 {
		return
	}
	message := trigger.pushMessage()
	var wg sync.WaitGroup
	for _, token := range tokens {
		wg.Add(1)
		go func(token forum.PushToken) {
			defer wg.Done()
			deviceMessage := message
			deviceMessage.Token = token.Token
			if err := e.sender.Send(ctx, deviceMessage); err != nil {
				e.logger.Warn("push send failed",
					zap.String("recipient_id", recipientID),
					zap.String("push_token_id", token.ID),
					zap.Error(err))
			}
		}(token)
	}
	wg.Wait()
}
