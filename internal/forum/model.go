package forum

import (
	"time"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/users"
	"gorm.io/datatypes"
)

// ApprovalStatus tracks moderation state for a question.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// NotificationType enumerates the notification triggers emitted by the relay.
type NotificationType string

const (
	NotificationAnswerCreated  NotificationType = "ANSWER_CREATED"
	NotificationMessageCreated NotificationType = "MESSAGE_CREATED"
)

// Question is the topic every room and notification hangs off.
type Question struct {
	ID             string         `gorm:"column:id;primaryKey;size:190;not null"`
	Title          string         `gorm:"column:title;size:512;not null"`
	AuthorID       string         `gorm:"column:author_id;size:190;index"`
	ApprovalStatus ApprovalStatus `gorm:"column:approval_status;size:32;not null;default:PENDING"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Question) TableName() string {
	return "questions"
}

// Approved reports whether answers may be posted or edited.
func (q Question) Approved() bool {
	return q.ApprovalStatus == ApprovalApproved
}

// Answer is a persisted answer. EditCount is 0 or 1.
type Answer struct {
	ID              string       `gorm:"column:id;primaryKey;size:190;not null"`
	QuestionID      string       `gorm:"column:question_id;size:190;not null;index"`
	AuthorID        string       `gorm:"column:author_id;size:190;not null;index"`
	Content         string       `gorm:"column:content;type:text;not null"`
	IsPinned        bool         `gorm:"column:is_pinned;not null;default:false"`
	EditCount       int          `gorm:"column:edit_count;not null;default:0"`
	EditedAt        *time.Time   `gorm:"column:edited_at"`
	OriginalContent *string      `gorm:"column:original_content;type:text"`
	CreatedAt       time.Time    `gorm:"column:created_at"`
	UpdatedAt       time.Time    `gorm:"column:updated_at"`
	Author          users.Author `gorm:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Answer) TableName() string {
	return "answers"
}

// Message is a chat message posted in a question's discussion.
type Message struct {
	ID         string       `gorm:"column:id;primaryKey;size:190;not null"`
	QuestionID string       `gorm:"column:question_id;size:190;not null;index"`
	SenderID   string       `gorm:"column:sender_id;size:190;not null;index"`
	Content    string       `gorm:"column:content;type:text;not null"`
	CreatedAt  time.Time    `gorm:"column:created_at"`
	Sender     users.Author `gorm:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "question_messages"
}

// Watcher subscribes a user to updates on a question they do not own.
type Watcher struct {
	QuestionID string    `gorm:"column:question_id;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Watcher) TableName() string {
	return "question_watchers"
}

// Notification is unique per {user, type, question, content item}.
type Notification struct {
	ID         string           `gorm:"column:id;primaryKey;size:190;not null"`
	UserID     string           `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_notification_trigger,priority:1;index:idx_notifications_user_created,priority:1"`
	Type       NotificationType `gorm:"column:type;size:64;not null;uniqueIndex:idx_notification_trigger,priority:2"`
	QuestionID string           `gorm:"column:question_id;size:190;not null;uniqueIndex:idx_notification_trigger,priority:3"`
	ContentID  string           `gorm:"column:content_id;size:190;not null;uniqueIndex:idx_notification_trigger,priority:4"`
	Title      string           `gorm:"column:title;size:512;not null"`
	Content    string           `gorm:"column:content;type:text;not null"`
	Link       string           `gorm:"column:link;size:1024;not null"`
	Meta       datatypes.JSON   `gorm:"column:meta"`
	ReadAt     *time.Time       `gorm:"column:read_at"`
	CreatedAt  time.Time        `gorm:"column:created_at;index:idx_notifications_user_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// PushToken is a device registration for push delivery.
type PushToken struct {
	ID        string     `gorm:"column:id;primaryKey;size:190;not null"`
	UserID    string     `gorm:"column:user_id;size:190;not null;index"`
	Token     string     `gorm:"column:fcm_token;size:512;not null;uniqueIndex"`
	RevokedAt *time.Time `gorm:"column:revoked_at"`
	CreatedAt time.Time  `gorm:"column:created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (PushToken) TableName() string {
	return "notification_tokens"
}

// Models lists every table owned by the store, in migration order.
func Models() []interface{} {
	return []interface{}{
		&Question{},
		&Answer{},
		&Message{},
		&Watcher{},
		&Notification{},
		&PushToken{},
	}
}

// NewAnswer is the input for CreateAnswer.
type NewAnswer struct {
	QuestionID string
	AuthorID   string
	Content    string
}

// AnswerEdit is the input for ApplyAnswerEdit.
type AnswerEdit struct {
	AnswerID string
	Content  string
}

// NewMessage is the input for CreateMessage.
type NewMessage struct {
	QuestionID string
	SenderID   string
	Content    string
}

// NotificationDraft describes a notification to find or create.
type NotificationDraft struct {
	UserID     string
	Type       NotificationType
	QuestionID string
	ContentID  string
	Title      string
	Content    string
	Link       string
	Meta       map[string]string
}
