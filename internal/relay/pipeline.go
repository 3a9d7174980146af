// Package relay implements optimistic answer and message delivery: broadcast
// first, persist after acknowledging, then reconcile every room that saw the
// optimistic frame.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/auth"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/dedup"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/forum"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/notify"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/rooms"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/users"
	"go.uber.org/zap"
)

// Store is the durable storage used by the pipeline.
type Store interface {
	FindQuestion(ctx context.Context, questionID string) (forum.Question, error)
	CreateAnswer(ctx context.Context, input forum.NewAnswer) (forum.Answer, error)
	FindAnswer(ctx context.Context, answerID string) (forum.Answer, error)
	ApplyAnswerEdit(ctx context.Context, edit forum.AnswerEdit) (forum.Answer, error)
	CreateMessage(ctx context.Context, input forum.NewMessage) (forum.Message, error)
}

// Broadcaster emits events to rooms.
type Broadcaster interface {
	Emit(address rooms.Address, event string, data interface{}) int
}

// Notifier resolves recipients and fans notifications out to them.
type Notifier interface {
	ResolveRecipients(ctx context.Context, question forum.Question, actorID string) ([]string, error)
	Dispatch(ctx context.Context, trigger notify.Trigger, recipients []string) error
}

// Config wires the pipeline's collaborators.
type Config struct {
	Store       Store
	Broadcaster Broadcaster
	Notifier    Notifier
	// TempIDs suppresses replays of the same optimistic answer. Defaults to a
	// bounded in-memory ledger.
	TempIDs dedup.Ledger
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Pipeline handles answer:send, answer:update and message:send.
type Pipeline struct {
	store       Store
	broadcaster Broadcaster
	notifier    Notifier
	tempIDs     dedup.Ledger
	clock       func() time.Time
	logger      *zap.Logger
}

// NewPipeline validates the configuration.
func NewPipeline(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Broadcaster == nil:
		return nil, errMissingBroadcaster
	case cfg.Notifier == nil:
		return nil, errMissingNotifier
	}
	tempIDs := cfg.TempIDs
	if tempIDs == nil {
		tempIDs = dedup.NewMemoryLedger(dedup.Config{})
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		notifier:    cfg.Notifier,
		tempIDs:     tempIDs,
		clock:       clock,
		logger:      logger,
	}, nil
}

// SendAnswer broadcasts an optimistic answer, acknowledges, persists, and then
// replaces or withdraws the optimistic copy in the same rooms.
func (p *Pipeline) SendAnswer(ctx context.Context, identity auth.Identity, input AnswerSend, ack AckFunc) {
	if !identity.Complete() {
		ack.fail(ErrUnauthenticated.Error())
		return
	}
	questionID := strings.TrimSpace(input.QuestionID)
	if questionID == "" {
		ack.fail(ErrMissingQuestionID.Error())
		return
	}
	tempID := strings.TrimSpace(input.TempID)
	if tempID == "" {
		ack.fail(ErrMissingTempID.Error())
		return
	}
	content, err := NormalizeSubmission(input.Content)
	if err != nil {
		ack.fail(err.Error())
		return
	}
	question, err := p.approvedQuestion(ctx, questionID)
	if err != nil {
		ack.fail(p.clientReason(err, failedSendAnswer))
		return
	}

	if !p.tempIDs.Claim(identity.UserID, tempID) {
		p.logger.Debug("duplicate optimistic answer ignored",
			zap.String("user_id", identity.UserID),
			zap.String("temp_id", tempID))
		ack.ok()
		return
	}

	targets := answerRooms(question)
	author := authorOf(identity)
	optimistic := AnswerPayload{
		ID:         tempID,
		Content:    content,
		Author:     author,
		CreatedAt:  formatTime(p.clock()),
		QuestionID: question.ID,
	}
	p.emit(targets, EventAnswerNew, optimistic)
	ack.ok()

	answer, err := p.store.CreateAnswer(ctx, forum.NewAnswer{
		QuestionID: question.ID,
		AuthorID:   identity.UserID,
		Content:    content,
	})
	if err != nil {
		p.logger.Error("answer persistence failed",
			zap.String("question_id", question.ID),
			zap.String("temp_id", tempID),
			zap.Error(err))
		p.emit(targets, EventAnswerRemoveTemp, AnswerRemoveTemp{TempID: tempID})
		return
	}
	if answer.Author.FullName == "" && answer.Author.Role == "" {
		answer.Author = author
	}
	p.emit(targets, EventAnswerReplace, AnswerReplace{TempID: tempID, Answer: newAnswerPayload(answer)})

	p.fanOut(ctx, question, identity.UserID, notify.AnswerCreated(question, answer.ID))
}

// UpdateAnswer applies the single permitted edit to an answer.
func (p *Pipeline) UpdateAnswer(ctx context.Context, identity auth.Identity, input AnswerUpdate, ack AckFunc) {
	if !identity.Complete() {
		ack.fail(ErrUnauthenticated.Error())
		return
	}
	questionID := strings.TrimSpace(input.QuestionID)
	answerID := strings.TrimSpace(input.AnswerID)
	if questionID == "" || answerID == "" {
		ack.fail(ErrMissingAnswerIDs.Error())
		return
	}
	content, err := NormalizeContent(input.Content)
	if err != nil {
		ack.fail(err.Error())
		return
	}

	answer, err := p.store.FindAnswer(ctx, answerID)
	if err != nil {
		if errors.Is(err, forum.ErrNotFound) {
			err = ErrAnswerNotFound
		}
		ack.fail(p.clientReason(err, failedUpdateAnswer))
		return
	}
	if answer.QuestionID != questionID {
		ack.fail(ErrAnswerQuestionMismatch.Error())
		return
	}
	if answer.AuthorID != identity.UserID {
		ack.fail(ErrNotAnswerAuthor.Error())
		return
	}
	if answer.EditCount >= 1 {
		ack.fail(ErrAlreadyEdited.Error())
		return
	}
	// Approval is checked on the question the answer belongs to.
	if _, err := p.approvedQuestion(ctx, answer.QuestionID); err != nil {
		ack.fail(p.clientReason(err, failedUpdateAnswer))
		return
	}

	room := []rooms.Address{rooms.Question(questionID)}
	optimistic := AnswerUpdated{
		ID:              answer.ID,
		Content:         content,
		Author:          authorOf(identity),
		EditCount:       1,
		EditedAt:        formatTime(p.clock()),
		OriginalContent: answer.Content,
		QuestionID:      questionID,
	}
	if input.EditCount != nil {
		optimistic.EditCount = *input.EditCount
	}
	if input.EditedAt != nil {
		optimistic.EditedAt = *input.EditedAt
	}
	if input.OriginalContent != nil {
		optimistic.OriginalContent = *input.OriginalContent
	}
	p.emit(room, EventAnswerUpdated, optimistic)
	ack.ok()

	updated, err := p.store.ApplyAnswerEdit(ctx, forum.AnswerEdit{AnswerID: answer.ID, Content: content})
	if err != nil {
		reason := failedUpdateAnswer
		if errors.Is(err, forum.ErrAnswerAlreadyEdited) {
			reason = ErrAlreadyEdited.Error()
		}
		p.logger.Error("answer edit persistence failed",
			zap.String("answer_id", answer.ID),
			zap.String("question_id", questionID),
			zap.Error(err))
		p.emit(room, EventAnswerUpdateFailed, AnswerUpdateFailed{ID: answer.ID, QuestionID: questionID, Error: reason})
		return
	}
	p.emit(room, EventAnswerUpdated, newAnswerUpdated(updated))
}

// SendMessage persists a chat message before broadcasting it. Nothing is
// broadcast when persistence fails.
func (p *Pipeline) SendMessage(ctx context.Context, identity auth.Identity, input MessageSend, ack AckFunc) {
	if !identity.Complete() {
		ack.fail(ErrUnauthenticated.Error())
		return
	}
	questionID := strings.TrimSpace(input.QuestionID)
	if questionID == "" {
		ack.fail(ErrMissingQuestionID.Error())
		return
	}
	content, err := NormalizeSubmission(input.Content)
	if err != nil {
		ack.fail(err.Error())
		return
	}
	question, err := p.store.FindQuestion(ctx, questionID)
	if err != nil {
		if errors.Is(err, forum.ErrNotFound) {
			err = ErrQuestionNotFound
		}
		ack.fail(p.clientReason(err, failedSendMessage))
		return
	}

	message, err := p.store.CreateMessage(ctx, forum.NewMessage{
		QuestionID: question.ID,
		SenderID:   identity.UserID,
		Content:    content,
	})
	if err != nil {
		p.logger.Error("message persistence failed",
			zap.String("question_id", question.ID),
			zap.Error(err))
		ack.fail(failedSendMessage)
		return
	}
	if message.Sender.FullName == "" && message.Sender.Role == "" {
		message.Sender = authorOf(identity)
	}

	recipients, err := p.notifier.ResolveRecipients(ctx, question, identity.UserID)
	if err != nil {
		p.logger.Warn("message recipients unavailable",
			zap.String("question_id", question.ID),
			zap.Error(err))
		recipients = nil
	}

	payload := newMessagePayload(message)
	targets := []rooms.Address{rooms.Question(question.ID)}
	for _, recipientID := range recipients {
		targets = append(targets, rooms.User(recipientID))
	}
	p.emit(targets, EventMessageNew, payload)
	if ack != nil {
		ack(Ack{OK: true, Message: payload})
	}

	if len(recipients) == 0 {
		return
	}
	if err := p.notifier.Dispatch(ctx, notify.MessageCreated(question, message.ID), recipients); err != nil {
		p.logger.Warn("message notifications incomplete",
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

func (p *Pipeline) approvedQuestion(ctx context.Context, questionID string) (forum.Question, error) {
	question, err := p.store.FindQuestion(ctx, questionID)
	if errors.Is(err, forum.ErrNotFound) {
		return forum.Question{}, ErrQuestionNotFound
	}
	if err != nil {
		return forum.Question{}, err
	}
	if !question.Approved() {
		return forum.Question{}, ErrQuestionNotApproved
	}
	return question, nil
}

func (p *Pipeline) fanOut(ctx context.Context, question forum.Question, actorID string, trigger notify.Trigger) {
	recipients, err := p.notifier.ResolveRecipients(ctx, question, actorID)
	if err != nil {
		p.logger.Warn("notification recipients unavailable",
			zap.String("question_id", question.ID),
			zap.Error(err))
		return
	}
	if len(recipients) == 0 {
		return
	}
	if err := p.notifier.Dispatch(ctx, trigger, recipients); err != nil {
		p.logger.Warn("notifications incomplete",
			zap.String("question_id", question.ID),
			zap.String("content_id", trigger.ContentID),
			zap.Error(err))
	}
}

func (p *Pipeline) emit(targets []rooms.Address, event string, data interface{}) {
	for _, address := range targets {
		p.broadcaster.Emit(address, event, data)
	}
}

// clientReason maps validation errors to their message and hides storage errors.
func (p *Pipeline) clientReason(err error, fallback string) string {
	switch {
	case errors.Is(err, ErrQuestionNotFound),
		errors.Is(err, ErrQuestionNotApproved),
		errors.Is(err, ErrAnswerNotFound):
		return err.Error()
	default:
		p.logger.Error("relay lookup failed", zap.Error(err))
		return fallback
	}
}

func answerRooms(question forum.Question) []rooms.Address {
	targets := []rooms.Address{rooms.Question(question.ID)}
	if owner := strings.TrimSpace(question.AuthorID); owner != "" {
		targets = append(targets, rooms.User(owner))
	}
	return targets
}

func authorOf(identity auth.Identity) users.Author {
	return users.Author{ID: identity.UserID, FullName: identity.FullName, Role: identity.Role}
}
