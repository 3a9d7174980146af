package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/auth"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/dedup"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/forum"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/notify"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/push"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/rooms"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const ackEvent = "<ack>"

type record struct {
	room  string
	event string
	data  interface{}
}

// timeline records room emissions and acknowledgements in one ordered log.
type timeline struct {
	mu      sync.Mutex
	records []record
}

func (l *timeline) Emit(address rooms.Address, event string, data interface{}) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record{room: address.String(), event: event, data: data})
	return 1
}

func (l *timeline) ack() (AckFunc, *[]Ack) {
	acks := &[]Ack{}
	return func(a Ack) {
		l.mu.Lock()
		defer l.mu.Unlock()
		*acks = append(*acks, a)
		l.records = append(l.records, record{event: ackEvent, data: a})
	}, acks
}

func (l *timeline) events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.records))
	for _, r := range l.records {
		if r.room == "" {
			names = append(names, r.event)
			continue
		}
		names = append(names, r.event+"@"+r.room)
	}
	return names
}

func (l *timeline) find(event, room string) []record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var matched []record
	for _, r := range l.records {
		if r.event == event && r.room == room {
			matched = append(matched, r)
		}
	}
	return matched
}

type sequence struct{ next atomic.Int64 }

func (s *sequence) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.next.Add(1)), nil
}

// flakyStore fails selected writes while delegating everything else.
type flakyStore struct {
	*forum.Store
	failAnswers  bool
	failEdits    bool
	failMessages bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) CreateAnswer(ctx context.Context, input forum.NewAnswer) (forum.Answer, error) {
	if s.failAnswers {
		return forum.Answer{}, errDiskFull
	}
	return s.Store.CreateAnswer(ctx, input)
}

func (s *flakyStore) ApplyAnswerEdit(ctx context.Context, edit forum.AnswerEdit) (forum.Answer, error) {
	if s.failEdits {
		return forum.Answer{}, errDiskFull
	}
	return s.Store.ApplyAnswerEdit(ctx, edit)
}

func (s *flakyStore) CreateMessage(ctx context.Context, input forum.NewMessage) (forum.Message, error) {
	if s.failMessages {
		return forum.Message{}, errDiskFull
	}
	return s.Store.CreateMessage(ctx, input)
}

type harness struct {
	db       *gorm.DB
	store    *flakyStore
	timeline *timeline
	pipeline *Pipeline
}

var fixedNow = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "relay.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(append(forum.Models(), &users.Profile{})...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	forumStore, err := forum.NewStore(forum.StoreConfig{
		Database:   db,
		IDProvider: &sequence{},
		Clock:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	store := &flakyStore{Store: forumStore}

	events := &timeline{}
	engine, err := notify.NewEngine(notify.Config{
		Store:       forumStore,
		Broadcaster: events,
		Ledger:      dedup.NewMemoryLedger(dedup.Config{}),
		Sender:      push.NopSender{},
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	pipeline, err := NewPipeline(Config{
		Store:       store,
		Broadcaster: events,
		Notifier:    engine,
		Clock:       func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	return &harness{db: db, store: store, timeline: events, pipeline: pipeline}
}

func (h *harness) seedQuestion(t *testing.T, id, ownerID string, status forum.ApprovalStatus) forum.Question {
	t.Helper()
	question := forum.Question{ID: id, Title: "Why is the sky blue?", AuthorID: ownerID, ApprovalStatus: status}
	if err := h.db.Create(&question).Error; err != nil {
		t.Fatalf("failed to seed question: %v", err)
	}
	return question
}

func (h *harness) setApproval(t *testing.T, questionID string, status forum.ApprovalStatus) {
	t.Helper()
	if err := h.db.Model(&forum.Question{}).Where("id = ?", questionID).Update("approval_status", status).Error; err != nil {
		t.Fatalf("failed to update approval: %v", err)
	}
}

func (h *harness) countRows(t *testing.T, model interface{}) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func (h *harness) storedAnswer(t *testing.T, answerID string) forum.Answer {
	t.Helper()
	answer, err := h.store.FindAnswer(context.Background(), answerID)
	if err != nil {
		t.Fatalf("failed to load answer: %v", err)
	}
	return answer
}

func expectEvents(t *testing.T, got, want []string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected events\n got: %v\nwant: %v", got, want)
	}
}

func expectAcks(t *testing.T, got *[]Ack, want ...Ack) {
	t.Helper()
	if !reflect.DeepEqual(*got, want) {
		t.Fatalf("unexpected acks\n got: %+v\nwant: %+v", *got, want)
	}
}

var (
	userA = auth.Identity{UserID: "user-a", Role: "student", FullName: "Ada"}
	userB = auth.Identity{UserID: "user-b", Role: "teacher", FullName: "Bao"}
	userC = auth.Identity{UserID: "user-c", Role: "student", FullName: "Chi"}
)

func text(value string) json.RawMessage {
	encoded, _ := json.Marshal(value)
	return encoded
}

func TestSendAnswerOptimisticThenReplaceAndNotifyOwner(t *testing.T) {
	h := newHarness(t)
	h.seedQuestion(t, "q-1", userA.UserID, forum.ApprovalApproved)
	ack, acks := h.timeline.ack()

	h.pipeline.SendAnswer(context.Background(), userB, AnswerSend{QuestionID: "q-1", Content: text("  Rayleigh scattering "), TempID: "temp-1"}, ack)

	expectAcks(t, acks, Ack{OK: true})
	expectEvents(t, h.timeline.events(), []string{
		"answer:new@question:q-1",
		"answer:new@user:user-a",
		ackEvent,
		"answer:replace@question:q-1",
		"answer:replace@user:user-a",
		"notification:new@user:user-a",
	})

	optimistic := h.timeline.find(EventAnswerNew, "question:q-1")[0].data.(AnswerPayload)
	if optimistic.ID != "temp-1" || optimistic.Content != "Rayleigh scattering" {
		t.Fatalf("unexpected optimistic answer %+v", optimistic)
	}
	if optimistic.Author != (users.Author{ID: "user-b", FullName: "Bao", Role: "teacher"}) {
		t.Fatalf("unexpected optimistic author %+v", optimistic.Author)
	}
	if optimistic.IsPinned || optimistic.VotesCount != 0 {
		t.Fatalf("optimistic answer must start unpinned with no votes")
	}

	replaced := h.timeline.find(EventAnswerReplace, "user:user-a")[0].data.(AnswerReplace)
	if replaced.TempID != "temp-1" || replaced.Answer.ID == "temp-1" || replaced.Answer.Content != "Rayleigh scattering" {
		t.Fatalf("unexpected replace payload %+v", replaced)
	}

	var notifications []forum.Notification
	if err := h.db.Where("user_id = ?", userA.UserID).Find(&notifications).Error; err != nil {
		t.Fatalf("failed to load notifications: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("expected one owner notification, got %d", len(notifications))
	}
	if notifications[0].Type != forum.NotificationAnswerCreated {
		t.Fatalf("unexpected notification type %s", notifications[0].Type)
	}
	if want := "/questions/q-1#answer-" + replaced.Answer.ID; notifications[0].Link != want {
		t.Fatalf("expected link %q, got %q", want, notifications[0].Link)
	}
	if count := h.countRows(t, &forum.Notification{}); count != 1 {
		t.Fatalf("actor must never be notified, found %d notifications", count)
	}
}

func TestSendAnswerPersistenceFailureWithdrawsOptimisticCopy(t *testing.T) {
	h := newHarness(t)
	h.seedQuestion(t, "q-1", userA.UserID, forum.ApprovalApproved)
	h.store.failAnswers = true
	ack, acks := h.timeline.ack()

	h.pipeline.SendAnswer(context.Background(), userB, AnswerSend{QuestionID: "q-1", Content: text("hello"), TempID: "temp-9"}, ack)

	expectAcks(t, acks, Ack{OK: true})
	expectEvents(t, h.timeline.events(), []string{
		"answer:new@question:q-1",
		"answer:new@user:user-a",
		ackEvent,
		"answer:remove-temp@question:q-1",
		"answer:remove-temp@user:user-a",
	})
	removed := h.timeline.find(EventAnswerRemoveTemp, "question:q-1")[0].data.(AnswerRemoveTemp)
	if removed.TempID != "temp-9" {
		t.Fatalf("unexpected remove-temp payload %+v", removed)
	}
	if count := h.countRows(t, &forum.Notification{}); count != 0 {
		t.Fatalf("failed answers must not notify, found %d", count)
	}
}

func TestSendAnswerRejectsBeforeBroadcasting(t *testing.T) {
	h := newHarness(t)
	h.seedQuestion(t, "q-pending", userA.UserID, forum.ApprovalPending)

	cases := []struct {
		name     string
		identity auth.Identity
		input    AnswerSend
		want     error
	}{
		{"unauthenticated", auth.Identity{UserID: "user-b"}, AnswerSend{QuestionID: "q-pending", Content: text("x"), TempID: "t"}, ErrUnauthenticated},
		{"missing question", userB, AnswerSend{Content: text("x"), TempID: "t"}, ErrMissingQuestionID},
		{"missing temp id", userB, AnswerSend{QuestionID: "q-pending", Content: text("x")}, ErrMissingTempID},
		{"empty content", userB, AnswerSend{QuestionID: "q-pending", Content: text("   "), TempID: "t"}, ErrEmptyContent},
		{"falsy content", userB, AnswerSend{QuestionID: "q-pending", Content: json.RawMessage(`0`), TempID: "t"}, ErrEmptyContent},
		{"unknown question", userB, AnswerSend{QuestionID: "q-missing", Content: text("x"), TempID: "t"}, ErrQuestionNotFound},
		{"pending question", userB, AnswerSend{QuestionID: "q-pending", Content: text("x"), TempID: "t"}, ErrQuestionNotApproved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack, acks := h.timeline.ack()
			h.pipeline.SendAnswer(context.Background(), tc.identity, tc.input, ack)
			expectAcks(t, acks, Ack{OK: false, Error: tc.want.Error()})
		})
	}
	if frames := h.timeline.find(EventAnswerNew, "question:q-pending"); len(frames) != 0 {
		t.Fatalf("rejected answers must not be broadcast, got %d frames", len(frames))
	}
	if count := h.countRows(t, &forum.Answer{}); count != 0 {
		t.Fatalf("rejected answers must not be stored, found %d", count)
	}
}

func TestSendAnswerStoresNonTextContentAsJSON(t *testing.T) {
	h := newHarness(t)
	h.seedQuestion(t, "q-1", "", forum.ApprovalApproved)
	ack, acks := h.timeline.ack()

	h.pipeline.SendAnswer(context.Background(), userB, AnswerSend{QuestionID: "q-1", Content: json.RawMessage(`[ "step one", 2 ]`), TempID: "t-1"}, ack)

	expectAcks(t, acks, Ack{OK: true})
	replaced := h.timeline.find(EventAnswerReplace, "question:q-1")[0].data.(AnswerReplace)
	if replaced.Answer.Content != `["step one",2]` {
		t.Fatalf("expected compact JSON content, got %q", replaced.Answer.Content)
	}
}

func TestSendAnswerDuplicateTempIDIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedQuestion(t, "q-1", userA.UserID, forum.ApprovalApproved)
	input := AnswerSend{QuestionID: "q-1", Content: text("once"), TempID: "temp-1"}

	first, firstAcks := h.timeline.ack()
	h.pipeline.SendAnswer(context.Background(), userB, input, first)
	second, secondAcks := h.timeline.ack()
	h.pipeline.SendAnswer(context.Background(), userB, input, second)

	expectAcks(t, firstAcks, Ack{OK: true})
	expectAcks(t, secondAcks, Ack{OK: true})
	if frames := h.timeline.find(EventAnswerNew, "question:q-1"); len(frames) != 1 {
		t.Fatalf("duplicate temp id must not rebroadcast, got %d frames", len(frames))
	}
	if count := h.countRows(t, &forum.Answer{}); count != 1 {
		t.Fatalf("duplicate temp id must not write twice, found %d answers", count)
	}

	other, _ := h.timeline.ack()
	h.pipeline.SendAnswer(context.Background(), userC, input, other)
	if frames := h.timeline.find(EventAnswerNew, "question:q-1"); len(frames) != 2 {
		t.Fatalf("temp ids are scoped per user, got %d frames", len(frames))
	}
}

func TestSendAnswerOwnerlessQuestionOnlyTargetsQuestionRoom(t *testing.T) {
	h := newHarness(t)
	h.seedQuestion(t, "q-1", "", forum.ApprovalApproved)

	h.pipeline.SendAnswer(context.Background(), userB, AnswerSend{QuestionID: "q-1", Content: text("x"), TempID: "t-1"}, nil)

	expectEvents(t, h.timeline.events(), []string{"answer:new@question:q-1", "answer:replace@question:q-1"})
}

func seedAnswer(t *testing.T, h *harness, questionID string, author auth.Identity) forum.Answer {
	t.Helper()
	answer, err := h.store.Store.CreateAnswer(context.Background(), forum.NewAnswer{QuestionID: questionID, AuthorID: author.UserID, Content: "first draft"})
	if err != nil {
		t.Fatalf("failed to seed answer: %v", err)
	}
	return answer
}

func TestUpdateAnswerEditsOnceThenRejects(t *testing.T) {
	h := newHarness(t)
	h.seedQuestion(t, "q-1", userA.UserID, forum.ApprovalApproved)
	answer := seedAnswer(t, h, "q-1", userB)

	ack, acks := h.timeline.ack()
	h.pipeline.UpdateAnswer(context.Background(), userB, AnswerUpdate{QuestionID: "q-1", AnswerID: answer.ID, Content: text(" revised ")}, ack)

	expectAcks(t, acks, Ack{OK: true})
	expectEvents(t, h.timeline.events(), []string{"answer:updated@question:q-1", ackEvent, "answer:updated@question:q-1"})
	updates := h.timeline.find(EventAnswerUpdated, "question:q-1")
	optimistic := updates[0].data.(AnswerUpdated)
	if optimistic.Content != "revised" || optimistic.EditCount != 1 || optimistic.OriginalContent != "first draft" {
		t.Fatalf("unexpected optimistic update %+v", optimistic)
	}
	persisted := updates[1].data.(AnswerUpdated)
	if persisted.ID != answer.ID || persisted.EditCount != 1 || persisted.OriginalContent != "first draft" {
		t.Fatalf("unexpected persisted update %+v", persisted)
	}
	if want := fixedNow.Format(time.RFC3339Nano); persisted.EditedAt != want {
		t.Fatalf("expected editedAt %q, got %q", want, persisted.EditedAt)
	}

	again, againAcks := h.timeline.ack()
	h.pipeline.UpdateAnswer(context.Background(), userB, AnswerUpdate{QuestionID: "q-1", AnswerID: answer.ID, Content: text("third")}, again)
	expectAcks(t, againAcks, Ack{OK: false, Error: ErrAlreadyEdited.Error()})
	if frames := h.timeline.find(EventAnswerUpdated, "question:q-1"); len(frames) != 2 {
		t.Fatalf("a second edit must not broadcast, got %d frames", len(frames))
	}
	if stored := h.storedAnswer(t, answer.ID); stored.Content != "revised" {
		t.Fatalf("expected stored content to stay revised, got %q", stored.Content)
	}
}

func TestUpdateAnswerEchoesClientHintsOptimistically(t *testing.T) {
	h := newHarness(t)
	h.seedQuestion(t, "q-1", userA.UserID, forum.ApprovalApproved)
	answer := seedAnswer(t, h, "q-1", userB)
	editCount := 1
	editedAt := "2026-10-01T08:59:59.000Z"
	original := "client copy"

	h.pipeline.UpdateAnswer(context.Background(), userB, AnswerUpdate{
		QuestionID:      "q-1",
		AnswerID:        answer.ID,
		Content:         json.RawMessage(`{"blocks":[{"type":"paragraph"}]}`),
		EditCount:       &editCount,
		EditedAt:        &editedAt,
		OriginalContent: &original,
	}, nil)

	optimistic := h.timeline.find(EventAnswerUpdated, "question:q-1")[0].data.(AnswerUpdated)
	if optimistic.EditedAt != editedAt || optimistic.OriginalContent != original {
		t.Fatalf("client hints must be echoed, got %+v", optimistic)
	}
	if optimistic.Content != `{"blocks":[{"type":"paragraph"}]}` {
		t.Fatalf("unexpected optimistic content %q", optimistic.Content)
	}
}

func TestUpdateAnswerValidation(t *testing.T) {
	h := newHarness(t)
	h.seedQuestion(t, "q-1", userA.UserID, forum.ApprovalApproved)
	h.seedQuestion(t, "q-2", userA.UserID, forum.ApprovalApproved)
	answer := seedAnswer(t, h, "q-1", userB)

	cases := []struct {
		name     string
		identity auth.Identity
		input    AnswerUpdate
		want     error
	}{
		{"missing ids", userB, AnswerUpdate{QuestionID: "q-1", Content: text("x")}, ErrMissingAnswerIDs},
		{"empty blocks", userB, AnswerUpdate{QuestionID: "q-1", AnswerID: answer.ID, Content: json.RawMessage(`{"blocks":[]}`)}, ErrEmptyContent},
		{"array content", userB, AnswerUpdate{QuestionID: "q-1", AnswerID: answer.ID, Content: json.RawMessage(`["x"]`)}, ErrInvalidContent},
		{"unknown answer", userB, AnswerUpdate{QuestionID: "q-1", AnswerID: "nope", Content: text("x")}, ErrAnswerNotFound},
		{"other question", userB, AnswerUpdate{QuestionID: "q-2", AnswerID: answer.ID, Content: text("x")}, ErrAnswerQuestionMismatch},
		{"not the author", userC, AnswerUpdate{QuestionID: "q-1", AnswerID: answer.ID, Content: text("x")}, ErrNotAnswerAuthor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack, acks := h.timeline.ack()
			h.pipeline.UpdateAnswer(context.Background(), tc.identity, tc.input, ack)
			expectAcks(t, acks, Ack{OK: false, Error: tc.want.Error()})
		})
	}
	for _, room := range []string{"question:q-1", "question:q-2"} {
		if frames := h.timeline.find(EventAnswerUpdated, room); len(frames) != 0 {
			t.Fatalf("rejected edits must not broadcast to %s, got %d frames", room, len(frames))
		}
	}
	if stored := h.storedAnswer(t, answer.ID); stored.Content != "first draft" || stored.EditCount != 0 {
		t.Fatalf("rejected edits must not change the answer, got %+v", stored)
	}
}

func TestUpdateAnswerRequiresAnswerQuestionApproved(t *testing.T) {
	h := newHarness(t)
	h.seedQuestion(t, "q-1", userA.UserID, forum.ApprovalApproved)
	h.seedQuestion(t, "q-open", userA.UserID, forum.ApprovalApproved)
	answer := seedAnswer(t, h, "q-1", userB)
	h.setApproval(t, "q-1", forum.ApprovalRejected)

	own, ownAcks := h.timeline.ack()
	h.pipeline.UpdateAnswer(context.Background(), userB, AnswerUpdate{QuestionID: "q-1", AnswerID: answer.ID, Content: text("edited")}, own)
	expectAcks(t, ownAcks, Ack{OK: false, Error: ErrQuestionNotApproved.Error()})

	borrowed, borrowedAcks := h.timeline.ack()
	h.pipeline.UpdateAnswer(context.Background(), userB, AnswerUpdate{QuestionID: "q-open", AnswerID: answer.ID, Content: text("edited")}, borrowed)
	expectAcks(t, borrowedAcks, Ack{OK: false, Error: ErrAnswerQuestionMismatch.Error()})

	for _, room := range []string{"question:q-1", "question:q-open"} {
		if frames := h.timeline.find(EventAnswerUpdated, room); len(frames) != 0 {
			t.Fatalf("edits of an unapproved question's answer must not broadcast to %s", room)
		}
	}
	if stored := h.storedAnswer(t, answer.ID); stored.Content != "first draft" || stored.EditCount != 0 {
		t.Fatalf("answer must stay unedited, got %+v", stored)
	}
}

func TestUpdateAnswerPersistenceFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.seedQuestion(t, "q-1", userA.UserID, forum.ApprovalApproved)
	answer := seedAnswer(t, h, "q-1", userB)
	h.store.failEdits = true

	h.pipeline.UpdateAnswer(context.Background(), userB, AnswerUpdate{QuestionID: "q-1", AnswerID: answer.ID, Content: text("x")}, nil)

	expectEvents(t, h.timeline.events(), []string{"answer:updated@question:q-1", "answer:update-failed@question:q-1"})
	failed := h.timeline.find(EventAnswerUpdateFailed, "question:q-1")[0].data.(AnswerUpdateFailed)
	if want := (AnswerUpdateFailed{ID: answer.ID, QuestionID: "q-1", Error: failedUpdateAnswer}); failed != want {
		t.Fatalf("unexpected update-failed payload %+v", failed)
	}
}

func TestSendMessagePersistsThenBroadcastsToRecipients(t *testing.T) {
	h := newHarness(t)
	h.seedQuestion(t, "q-1", userA.UserID, forum.ApprovalPending)
	for _, watcher := range []string{userC.UserID, userB.UserID} {
		if err := h.store.AddWatcher(context.Background(), "q-1", watcher); err != nil {
			t.Fatalf("failed to add watcher: %v", err)
		}
	}
	ack, acks := h.timeline.ack()

	h.pipeline.SendMessage(context.Background(), userB, MessageSend{QuestionID: "q-1", Content: text("ping")}, ack)

	if len(*acks) != 1 || !(*acks)[0].OK {
		t.Fatalf("expected one ok ack, got %+v", *acks)
	}
	message := (*acks)[0].Message.(MessagePayload)
	if message.Content != "ping" {
		t.Fatalf("unexpected message content %q", message.Content)
	}
	if message.Sender != (users.Author{ID: "user-b", FullName: "Bao", Role: "teacher"}) {
		t.Fatalf("unexpected sender %+v", message.Sender)
	}

	expectEvents(t, h.timeline.events()[:4], []string{
		"message:new@question:q-1",
		"message:new@user:user-a",
		"message:new@user:user-c",
		ackEvent,
	})
	for _, room := range []string{"user:user-a", "user:user-c"} {
		if frames := h.timeline.find(notify.EventNotificationNew, room); len(frames) != 1 {
			t.Fatalf("expected one notification for %s, got %d", room, len(frames))
		}
	}
	if frames := h.timeline.find(notify.EventNotificationNew, "user:user-b"); len(frames) != 0 {
		t.Fatalf("sender must not be notified")
	}
	if frames := h.timeline.find(EventMessageNew, "user:user-b"); len(frames) != 0 {
		t.Fatalf("sender's user room must not receive the message")
	}
}

func TestSendMessagePersistenceFailureBroadcastsNothing(t *testing.T) {
	h := newHarness(t)
	h.seedQuestion(t, "q-1", userA.UserID, forum.ApprovalApproved)
	h.store.failMessages = true
	ack, acks := h.timeline.ack()

	h.pipeline.SendMessage(context.Background(), userB, MessageSend{QuestionID: "q-1", Content: text("ping")}, ack)

	expectAcks(t, acks, Ack{OK: false, Error: failedSendMessage})
	expectEvents(t, h.timeline.events(), []string{ackEvent})
}

func TestSendMessageUnknownQuestion(t *testing.T) {
	h := newHarness(t)
	ack, acks := h.timeline.ack()

	h.pipeline.SendMessage(context.Background(), userB, MessageSend{QuestionID: "q-404", Content: text("ping")}, ack)

	expectAcks(t, acks, Ack{OK: false, Error: ErrQuestionNotFound.Error()})
}

func TestNewPipelineRequiresCollaborators(t *testing.T) {
	if _, err := NewPipeline(Config{}); !errors.Is(err, errMissingStore) {
		t.Fatalf("expected missing store error, got %v", err)
	}
	if _, err := NewPipeline(Config{Store: &flakyStore{}}); !errors.Is(err, errMissingBroadcaster) {
		t.Fatalf("expected missing broadcaster error, got %v", err)
	}
	if _, err := NewPipeline(Config{Store: &flakyStore{}, Broadcaster: &timeline{}}); !errors.Is(err, errMissingNotifier) {
		t.Fatalf("expected missing notifier error, got %v", err)
	}
}
