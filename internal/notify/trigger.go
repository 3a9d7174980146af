package notify

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/forum"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/push"
)

// Trigger is the persisted content item a fan-out is about.
type Trigger struct {
	Type      forum.NotificationType
	Question  forum.Question
	ContentID string
}

// AnswerCreated builds the trigger for a newly persisted answer.
func AnswerCreated(question forum.Question, answerID string) Trigger {
	return Trigger{Type: forum.NotificationAnswerCreated, Question: question, ContentID: answerID}
}

// MessageCreated builds the trigger for a newly persisted chat message.
func MessageCreated(question forum.Question, messageID string) Trigger {
	return Trigger{Type: forum.NotificationMessageCreated, Question: question, ContentID: messageID}
}

// Link is the deep link into the question at the content item's anchor.
func (t Trigger) Link() string {
	return fmt.Sprintf("/questions/%s#%s-%s", t.Question.ID, t.anchor(), t.ContentID)
}

func (t Trigger) anchor() string {
	if t.Type == forum.NotificationMessageCreated {
		return "message"
	}
	return "answer"
}

func (t Trigger) contentKey() string {
	return t.anchor() + "Id"
}

func (t Trigger) title() string {
	if t.Type == forum.NotificationMessageCreated {
		return "New message"
	}
	return "New answer"
}

func (t Trigger) body() string {
	if t.Type == forum.NotificationMessageCreated {
		return fmt.Sprintf("Question %q has a new message.", t.Question.Title)
	}
	return fmt.Sprintf("Question %q has a new answer.", t.Question.Title)
}

func (t Trigger) draft(recipientID string) forum.NotificationDraft {
	return forum.NotificationDraft{
		UserID:     recipientID,
		Type:       t.Type,
		QuestionID: t.Question.ID,
		ContentID:  t.ContentID,
		Title:      t.title(),
		Content:    t.body(),
		Link:       t.Link(),
		Meta: map[string]string{
			"questionId":   t.Question.ID,
			t.contentKey(): t.ContentID,
		},
	}
}

func (t Trigger) pushMessage() push.Message {
	return push.Message{
		Title: t.title(),
		Body:  t.Question.Title,
		Data: map[string]string{
			"questionId":   t.Question.ID,
			t.contentKey(): t.ContentID,
		},
		Link: t.Link(),
	}
}
