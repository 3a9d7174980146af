package relay

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/forum"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/users"
)

// Outbound event names.
const (
	EventAnswerNew          = "answer:new"
	EventAnswerReplace      = "answer:replace"
	EventAnswerRemoveTemp   = "answer:remove-temp"
	EventAnswerUpdated      = "answer:updated"
	EventAnswerUpdateFailed = "answer:update-failed"
	EventMessageNew         = "message:new"
)

// AnswerSend is the answer:send request.
type AnswerSend struct {
	QuestionID string          `json:"questionId"`
	Content    json.RawMessage `json:"content"`
	TempID     string          `json:"tempId"`
}

// AnswerUpdate is the answer:update request. The optional fields are client
// hints echoed in the optimistic broadcast only.
type AnswerUpdate struct {
	QuestionID      string          `json:"questionId"`
	AnswerID        string          `json:"answerId"`
	Content         json.RawMessage `json:"content"`
	EditCount       *int            `json:"editCount,omitempty"`
	EditedAt        *string         `json:"editedAt,omitempty"`
	OriginalContent *string         `json:"originalContent,omitempty"`
}

// MessageSend is the message:send request.
type MessageSend struct {
	QuestionID string          `json:"questionId"`
	Content    json.RawMessage `json:"content"`
}

// Ack is the acknowledgement returned to the caller of an action.
type Ack struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Message interface{} `json:"message,omitempty"`
}

// AckFunc delivers an acknowledgement. A nil AckFunc discards it.
type AckFunc func(Ack)

func (f AckFunc) ok() {
	if f != nil {
		f(Ack{OK: true})
	}
}

func (f AckFunc) fail(reason string) {
	if f != nil {
		f(Ack{OK: false, Error: reason})
	}
}

// AnswerPayload is the wire shape of an answer, optimistic or persisted.
type AnswerPayload struct {
	ID              string       `json:"id"`
	Content         string       `json:"content"`
	IsPinned        bool         `json:"isPinned"`
	Author          users.Author `json:"author"`
	CreatedAt       string       `json:"createdAt"`
	QuestionID      string       `json:"questionId"`
	VotesCount      int          `json:"votesCount"`
	EditCount       int          `json:"editCount"`
	EditedAt        *string      `json:"editedAt,omitempty"`
	OriginalContent *string      `json:"originalContent,omitempty"`
}

// AnswerReplace swaps an optimistic answer for the persisted one.
type AnswerReplace struct {
	TempID string        `json:"tempId"`
	Answer AnswerPayload `json:"answer"`
}

// AnswerRemoveTemp withdraws an optimistic answer that failed to persist.
type AnswerRemoveTemp struct {
	TempID string `json:"tempId"`
}

// AnswerUpdated announces an edit, optimistic or persisted.
type AnswerUpdated struct {
	ID              string       `json:"id"`
	Content         string       `json:"content"`
	Author          users.Author `json:"author"`
	EditCount       int          `json:"editCount"`
	EditedAt        string       `json:"editedAt"`
	OriginalContent string       `json:"originalContent"`
	QuestionID      string       `json:"questionId"`
}

// AnswerUpdateFailed rolls back an optimistic edit.
type AnswerUpdateFailed struct {
	ID         string `json:"id"`
	QuestionID string `json:"questionId"`
	Error      string `json:"error"`
}

// MessagePayload is the wire shape of a chat message.
type MessagePayload struct {
	ID         string       `json:"id"`
	Content    string       `json:"content"`
	Sender     users.Author `json:"sender"`
	CreatedAt  string       `json:"createdAt"`
	QuestionID string       `json:"questionId"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func newAnswerPayload(answer forum.Answer) AnswerPayload {
	payload := AnswerPayload{
		ID:              answer.ID,
		Content:         answer.Content,
		IsPinned:        answer.IsPinned,
		Author:          answer.Author,
		CreatedAt:       formatTime(answer.CreatedAt),
		QuestionID:      answer.QuestionID,
		EditCount:       answer.EditCount,
		OriginalContent: answer.OriginalContent,
	}
	if answer.EditedAt != nil {
		editedAt := formatTime(*answer.EditedAt)
		payload.EditedAt = &editedAt
	}
	return payload
}

func newAnswerUpdated(answer forum.Answer) AnswerUpdated {
	updated := AnswerUpdated{
		ID:         answer.ID,
		Content:    answer.Content,
		Author:     answer.Author,
		EditCount:  answer.EditCount,
		QuestionID: answer.QuestionID,
	}
	if answer.EditedAt != nil {
		updated.EditedAt = formatTime(*answer.EditedAt)
	}
	if answer.OriginalContent != nil {
		updated.OriginalContent = *answer.OriginalContent
	}
	return updated
}

func newMessagePayload(message forum.Message) MessagePayload {
	return MessagePayload{
		ID:         message.ID,
		Content:    message.Content,
		Sender:     message.Sender,
		CreatedAt:  formatTime(message.CreatedAt),
		QuestionID: message.QuestionID,
	}
}
