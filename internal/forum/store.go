package forum

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/users"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew                 = "forum.store.new"
	opFindQuestion             = "forum.find_question"
	opCreateAnswer             = "forum.create_answer"
	opFindAnswer               = "forum.find_answer"
	opApplyAnswerEdit          = "forum.apply_answer_edit"
	opCreateMessage            = "forum.create_message"
	opAddWatcher               = "forum.add_watcher"
	opRemoveWatcher            = "forum.remove_watcher"
	opListWatchers             = "forum.list_watchers"
	opFindOrCreateNotification = "forum.find_or_create_notification"
	opListNotifications        = "forum.list_notifications"
	opMarkNotificationRead     = "forum.mark_notification_read"
	opRegisterPushToken        = "forum.register_push_token"
	opRevokePushToken          = "forum.revoke_push_token"
	opListPushTokens           = "forum.list_push_tokens"

	queryID                  = "id = ?"
	queryNotificationTrigger = "user_id = ? AND type = ? AND question_id = ? AND content_id = ?"

	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

var noOpLogger = zap.NewNop()

// StoreConfig describes the dependencies of the durable store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store reads and writes questions, answers, messages and notifications.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// FindQuestion loads a question by id.
func (s *Store) FindQuestion(ctx context.Context, questionID string) (Question, error) {
	questionID = strings.TrimSpace(questionID)
	if questionID == "" {
		return Question{}, newServiceError(opFindQuestion, "missing_question_id", errMissingIdentifier)
	}
	var question Question
	err := s.db.WithContext(ctx).Where(queryID, questionID).Take(&question).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Question{}, ErrNotFound
	}
	if err != nil {
		s.logError(opFindQuestion, "query_failed", err, zap.String("question_id", questionID))
		return Question{}, newServiceError(opFindQuestion, "query_failed", err)
	}
	return question, nil
}

// CreateAnswer persists a new answer and returns it with its author projected.
func (s *Store) CreateAnswer(ctx context.Context, input NewAnswer) (Answer, error) {
	if strings.TrimSpace(input.QuestionID) == "" || strings.TrimSpace(input.AuthorID) == "" {
		return Answer{}, newServiceError(opCreateAnswer, "missing_identifier", errMissingIdentifier)
	}
	answerID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateAnswer, "id_generation_failed", err)
		return Answer{}, newServiceError(opCreateAnswer, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	answer := Answer{
		ID:         answerID,
		QuestionID: input.QuestionID,
		AuthorID:   input.AuthorID,
		Content:    input.Content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&answer).Error; err != nil {
		s.logError(opCreateAnswer, "insert_failed", err,
			zap.String("question_id", input.QuestionID),
			zap.String("author_id", input.AuthorID))
		return Answer{}, newServiceError(opCreateAnswer, "insert_failed", err)
	}
	answer.Author = s.author(ctx, answer.AuthorID)
	return answer, nil
}

// FindAnswer loads an answer by id with its author projected.
func (s *Store) FindAnswer(ctx context.Context, answerID string) (Answer, error) {
	answerID = strings.TrimSpace(answerID)
	if answerID == "" {
		return Answer{}, newServiceError(opFindAnswer, "missing_answer_id", errMissingIdentifier)
	}
	var answer Answer
	err := s.db.WithContext(ctx).Where(queryID, answerID).Take(&answer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Answer{}, ErrNotFound
	}
	if err != nil {
		s.logError(opFindAnswer, "query_failed", err, zap.String("answer_id", answerID))
		return Answer{}, newServiceError(opFindAnswer, "query_failed", err)
	}
	answer.Author = s.author(ctx, answer.AuthorID)
	return answer, nil
}

// ApplyAnswerEdit replaces the content of an unedited answer, snapshotting the
// pre-edit content once. The write is conditional on edit_count = 0 so a racing
// second edit fails with ErrAnswerAlreadyEdited instead of overwriting.
func (s *Store) ApplyAnswerEdit(ctx context.Context, edit AnswerEdit) (Answer, error) {
	var updated Answer
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Answer
		err := tx.Where(queryID, edit.AnswerID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			s.logError(opApplyAnswerEdit, "answer_select_failed", err, zap.String("answer_id", edit.AnswerID))
			return newServiceError(opApplyAnswerEdit, "answer_select_failed", err)
		}
		if existing.EditCount >= 1 {
			return ErrAnswerAlreadyEdited
		}

		original := existing.Content
		editedAt := s.clock().UTC()
		result := tx.Model(&Answer{}).
			Where("id = ? AND edit_count = 0", edit.AnswerID).
			Updates(map[string]interface{}{
				"content":          edit.Content,
				"edit_count":       1,
				"edited_at":        editedAt,
				"original_content": original,
				"updated_at":       editedAt,
			})
		if result.Error != nil {
			s.logError(opApplyAnswerEdit, "answer_update_failed", result.Error, zap.String("answer_id", edit.AnswerID))
			return newServiceError(opApplyAnswerEdit, "answer_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrAnswerAlreadyEdited
		}
		if err := tx.Where(queryID, edit.AnswerID).Take(&updated).Error; err != nil {
			s.logError(opApplyAnswerEdit, "answer_reload_failed", err, zap.String("answer_id", edit.AnswerID))
			return newServiceError(opApplyAnswerEdit, "answer_reload_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Answer{}, txErr
	}
	updated.Author = s.author(ctx, updated.AuthorID)
	return updated, nil
}

// CreateMessage persists a chat message and returns it with its sender projected.
func (s *Store) CreateMessage(ctx context.Context, input NewMessage) (Message, error) {
	if strings.TrimSpace(input.QuestionID) == "" || strings.TrimSpace(input.SenderID) == "" {
		return Message{}, newServiceError(opCreateMessage, "missing_identifier", errMissingIdentifier)
	}
	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateMessage, "id_generation_failed", err)
		return Message{}, newServiceError(opCreateMessage, "id_generation_failed", err)
	}
	message := Message{
		ID:         messageID,
		QuestionID: input.QuestionID,
		SenderID:   input.SenderID,
		Content:    input.Content,
		CreatedAt:  s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opCreateMessage, "insert_failed", err,
			zap.String("question_id", input.QuestionID),
			zap.String("sender_id", input.SenderID))
		return Message{}, newServiceError(opCreateMessage, "insert_failed", err)
	}
	message.Sender = s.author(ctx, message.SenderID)
	return message, nil
}

// AddWatcher subscribes a user to a question; repeated calls are no-ops.
func (s *Store) AddWatcher(ctx context.Context, questionID, userID string) error {
	if strings.TrimSpace(questionID) == "" || strings.TrimSpace(userID) == "" {
		return newServiceError(opAddWatcher, "missing_identifier", errMissingIdentifier)
	}
	watcher := Watcher{QuestionID: questionID, UserID: userID}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&watcher).Error
	if err != nil {
		s.logError(opAddWatcher, "insert_failed", err, zap.String("question_id", questionID), zap.String("user_id", userID))
		return newServiceError(opAddWatcher, "insert_failed", err)
	}
	return nil
}

// RemoveWatcher unsubscribes a user from a question.
func (s *Store) RemoveWatcher(ctx context.Context, questionID, userID string) error {
	err := s.db.WithContext(ctx).
		Where("question_id = ? AND user_id = ?", questionID, userID).
		Delete(&Watcher{}).Error
	if err != nil {
		s.logError(opRemoveWatcher, "delete_failed", err, zap.String("question_id", questionID), zap.String("user_id", userID))
		return newServiceError(opRemoveWatcher, "delete_failed", err)
	}
	return nil
}

// ListWatcherIDs returns the watchers of a question other than excludeUserID.
func (s *Store) ListWatcherIDs(ctx context.Context, questionID, excludeUserID string) ([]string, error) {
	var watcherIDs []string
	err := s.db.WithContext(ctx).
		Model(&Watcher{}).
		Where("question_id = ? AND user_id <> ?", questionID, excludeUserID).
		Order("created_at ASC").
		Pluck("user_id", &watcherIDs).Error
	if err != nil {
		s.logError(opListWatchers, "query_failed", err, zap.String("question_id", questionID))
		return nil, newServiceError(opListWatchers, "query_failed", err)
	}
	return watcherIDs, nil
}

// FindOrCreateNotification returns the notification matching the draft's
// trigger tuple, creating it when absent. Concurrent callers converge on a
// single row through the unique trigger index. The boolean reports whether
// this call inserted the row.
func (s *Store) FindOrCreateNotification(ctx context.Context, draft NotificationDraft) (Notification, bool, error) {
	existing, err := s.findNotification(ctx, draft)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Notification{}, false, err
	}

	notificationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opFindOrCreateNotification, "id_generation_failed", err)
		return Notification{}, false, newServiceError(opFindOrCreateNotification, "id_generation_failed", err)
	}
	meta, err := json.Marshal(draft.Meta)
	if err != nil {
		return Notification{}, false, newServiceError(opFindOrCreateNotification, "meta_encode_failed", err)
	}
	candidate := Notification{
		ID:         notificationID,
		UserID:     draft.UserID,
		Type:       draft.Type,
		QuestionID: draft.QuestionID,
		ContentID:  draft.ContentID,
		Title:      draft.Title,
		Content:    draft.Content,
		Link:       draft.Link,
		Meta:       datatypes.JSON(meta),
		CreatedAt:  s.clock().UTC(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
	if result.Error != nil {
		s.logError(opFindOrCreateNotification, "insert_failed", result.Error,
			zap.String("user_id", draft.UserID),
			zap.String("question_id", draft.QuestionID))
		return Notification{}, false, newServiceError(opFindOrCreateNotification, "insert_failed", result.Error)
	}
	if result.RowsAffected == 1 {
		return candidate, true, nil
	}

	stored, err := s.findNotification(ctx, draft)
	if err != nil {
		return Notification{}, false, err
	}
	return stored, false, nil
}

func (s *Store) findNotification(ctx context.Context, draft NotificationDraft) (Notification, error) {
	var notification Notification
	err := s.db.WithContext(ctx).
		Where(queryNotificationTrigger, draft.UserID, draft.Type, draft.QuestionID, draft.ContentID).
		Take(&notification).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		s.logError(opFindOrCreateNotification, "query_failed", err,
			zap.String("user_id", draft.UserID),
			zap.String("question_id", draft.QuestionID))
		return Notification{}, newServiceError(opFindOrCreateNotification, "query_failed", err)
	}
	return notification, nil
}

// ListNotifications returns the newest notifications for a user.
func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opListNotifications, "missing_user_id", errMissingIdentifier)
	}
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}
	var notifications []Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		s.logError(opListNotifications, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListNotifications, "query_failed", err)
	}
	return notifications, nil
}

// MarkNotificationRead stamps read_at on a notification owned by userID.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	result := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("id = ? AND user_id = ? AND read_at IS NULL", notificationID, userID).
		Update("read_at", s.clock().UTC())
	if result.Error != nil {
		s.logError(opMarkNotificationRead, "update_failed", result.Error, zap.String("notification_id", notificationID))
		return newServiceError(opMarkNotificationRead, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&Notification{}).
			Where("id = ? AND user_id = ?", notificationID, userID).
			Count(&count).Error; err != nil {
			return newServiceError(opMarkNotificationRead, "query_failed", err)
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// RegisterPushToken binds a device token to a user, reviving it if revoked.
func (s *Store) RegisterPushToken(ctx context.Context, userID, token string) (PushToken, error) {
	userID = strings.TrimSpace(userID)
	token = strings.TrimSpace(token)
	if userID == "" || token == "" {
		return PushToken{}, newServiceError(opRegisterPushToken, "missing_identifier", errMissingIdentifier)
	}
	tokenID, err := s.idProvider.NewID()
	if err != nil {
		return PushToken{}, newServiceError(opRegisterPushToken, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	record := PushToken{
		ID:        tokenID,
		UserID:    userID,
		Token:     token,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "fcm_token"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"user_id":    userID,
				"revoked_at": nil,
				"updated_at": now,
			}),
		}).
		Create(&record).Error
	if err != nil {
		s.logError(opRegisterPushToken, "upsert_failed", err, zap.String("user_id", userID))
		return PushToken{}, newServiceError(opRegisterPushToken, "upsert_failed", err)
	}
	var stored PushToken
	if err := s.db.WithContext(ctx).Where("fcm_token = ?", token).Take(&stored).Error; err != nil {
		return PushToken{}, newServiceError(opRegisterPushToken, "reload_failed", err)
	}
	return stored, nil
}

// RevokePushToken marks a user's device token as revoked. Revoking an already
// revoked token is a no-op; an unknown token yields ErrNotFound.
func (s *Store) RevokePushToken(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	result := s.db.WithContext(ctx).
		Model(&PushToken{}).
		Where("user_id = ? AND fcm_token = ? AND revoked_at IS NULL", userID, token).
		Update("revoked_at", s.clock().UTC())
	if result.Error != nil {
		s.logError(opRevokePushToken, "update_failed", result.Error, zap.String("user_id", userID))
		return newServiceError(opRevokePushToken, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&PushToken{}).
			Where("user_id = ? AND fcm_token = ?", userID, token).
			Count(&count).Error; err != nil {
			return newServiceError(opRevokePushToken, "query_failed", err)
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// ListActivePushTokens returns the non-revoked device tokens of a user.
func (s *Store) ListActivePushTokens(ctx context.Context, userID string) ([]PushToken, error) {
	var tokens []PushToken
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Order("created_at ASC").
		Find(&tokens).Error
	if err != nil {
		s.logError(opListPushTokens, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListPushTokens, "query_failed", err)
	}
	return tokens, nil
}

// author projects the stored profile, falling back to the bare id.
func (s *Store) author(ctx context.Context, userID string) users.Author {
	var profile users.Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("author lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return users.Author{ID: userID}
	}
	return profile.Author()
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("forum store error", attrs...)
}
