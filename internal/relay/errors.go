package relay

import "errors"

// Validation failures. Their messages are returned to the client verbatim in
// the acknowledgement.
var (
	ErrUnauthenticated        = errors.New("UNAUTHENTICATED")
	ErrMissingQuestionID      = errors.New("questionId is required")
	ErrMissingAnswerIDs       = errors.New("questionId and answerId are required")
	ErrMissingTempID          = errors.New("tempId is required")
	ErrEmptyContent           = errors.New("content must not be empty")
	ErrInvalidContent         = errors.New("content format is invalid")
	ErrQuestionNotFound       = errors.New("question not found")
	ErrQuestionNotApproved    = errors.New("question is not approved for answers")
	ErrAnswerNotFound         = errors.New("answer not found")
	ErrAnswerQuestionMismatch = errors.New("answer does not belong to this question")
	ErrNotAnswerAuthor        = errors.New("you can only edit your own answer")
	ErrAlreadyEdited          = errors.New("an answer can only be edited once")

	errMissingStore       = errors.New("relay: store required")
	errMissingBroadcaster = errors.New("relay: broadcaster required")
	errMissingNotifier    = errors.New("relay: notifier required")
)

// Failure messages for storage errors, which are logged but never echoed.
const (
	failedSendAnswer   = "failed to send answer"
	failedUpdateAnswer = "failed to update answer"
	failedSendMessage  = "failed to send message"
)
