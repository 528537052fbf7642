package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/store"
	"chatsync/internal/store/memstore"
)

type recordedMutation struct {
	op      string
	outcome string
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recordedMutation
}

func (f *fakeRecorder) ObserveMutation(op, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, recordedMutation{op: op, outcome: outcome})
}

type failingTransactor struct {
	err   error
	calls int
}

func (f *failingTransactor) RunTransaction(_ context.Context, _ store.TxFunc) error {
	f.calls++
	return f.err
}

func newTestService(t *testing.T, st *memstore.Store, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(st, st, opts...)
	require.NoError(t, err)
	return svc
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func expectChatError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var chatErr *Error
	require.ErrorAs(t, err, &chatErr)
	require.Equal(t, code, chatErr.Code)
	require.Equal(t, reason, chatErr.Reason)
}

func setupDirect(t *testing.T) (*memstore.Store, *Service, string) {
	t.Helper()
	st := memstore.New(memstore.WithClock(steppingClock()))
	svc := newTestService(t, st)
	convID, err := svc.GetOrCreateDirectConversation(context.Background(), "u1", "u2")
	require.NoError(t, err)
	return st, svc, convID
}

func TestNewService_ValidatesDependencies(t *testing.T) {
	st := memstore.New()
	_, err := NewService(nil, st)
	require.Error(t, err)

	_, err = NewService(st, nil)
	require.Error(t, err)
}

func TestSend_CreatesMessageAndUpdatesPreview(t *testing.T) {
	st, svc, convID := setupDirect(t)

	msg, err := svc.Send(context.Background(), convID, "u1", "hi")
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.NotEmpty(t, msg.ClientID)
	require.False(t, msg.CreatedAt.IsZero())

	stored, ok := st.Message(convID, msg.ID)
	require.True(t, ok)
	require.Equal(t, "hi", stored.Text)
	require.Equal(t, "u1", stored.SenderID)
	require.False(t, stored.IsDeleted)

	conv, _ := st.Conversation(convID)
	require.Equal(t, msg.ID, conv.LastMessageID)
	require.Equal(t, "hi", conv.LastMessageText)
	require.Equal(t, "u1", conv.LastSenderID)
	require.NotNil(t, conv.LastMessageAt)
	require.Equal(t, msg.CreatedAt, *conv.LastMessageAt)
}

func TestSend_BlankTextRejectedBeforeRemoteCall(t *testing.T) {
	tx := &failingTransactor{err: errors.New("should not be called")}
	svc, err := NewService(tx, memstore.New())
	require.NoError(t, err)

	_, err = svc.Send(context.Background(), "c1", "u1", "   ")
	expectChatError(t, err, ErrorValidation, "blank_text")
	require.True(t, IsValidation(err))
	require.Zero(t, tx.calls)
}

func TestSend_MissingConversation(t *testing.T) {
	svc := newTestService(t, memstore.New())
	_, err := svc.Send(context.Background(), "nope", "u1", "hi")
	expectChatError(t, err, ErrorNotFound, "conversation_not_found")
}

func TestSend_UpstreamFailureIsRetryable(t *testing.T) {
	st, svc, convID := setupDirect(t)
	st.FailNextCommit(errors.New("unavailable"))

	_, err := svc.Send(context.Background(), convID, "u1", "hi")
	expectChatError(t, err, ErrorUpstream, "send_failed")
	var chatErr *Error
	require.ErrorAs(t, err, &chatErr)
	require.True(t, chatErr.Retryable())

	conv, _ := st.Conversation(convID)
	require.Empty(t, conv.LastMessageID)
}

func TestEdit_PreviewMessageUpdatesPreviewText(t *testing.T) {
	st, svc, convID := setupDirect(t)
	ctx := context.Background()
	msg, err := svc.Send(ctx, convID, "u1", "hi")
	require.NoError(t, err)

	require.NoError(t, svc.Edit(ctx, convID, msg.ID, "u1", "hello"))

	stored, _ := st.Message(convID, msg.ID)
	require.Equal(t, "hello", stored.Text)
	require.NotNil(t, stored.EditedAt)
	require.Equal(t, "u1", stored.EditedBy)
	require.Equal(t, msg.CreatedAt, stored.CreatedAt)

	conv, _ := st.Conversation(convID)
	require.Equal(t, "hello", conv.LastMessageText)
	require.Equal(t, msg.ID, conv.LastMessageID)
}

func TestEdit_NonPreviewMessageLeavesPreview(t *testing.T) {
	st, svc, convID := setupDirect(t)
	ctx := context.Background()
	first, err := svc.Send(ctx, convID, "u1", "first")
	require.NoError(t, err)
	_, err = svc.Send(ctx, convID, "u2", "second")
	require.NoError(t, err)

	require.NoError(t, svc.Edit(ctx, convID, first.ID, "u1", "first, edited"))

	conv, _ := st.Conversation(convID)
	require.Equal(t, "second", conv.LastMessageText)
	stored, _ := st.Message(convID, first.ID)
	require.Equal(t, "first, edited", stored.Text)
}

func TestEdit_NotSenderIsUnauthorizedAndUnchanged(t *testing.T) {
	st, svc, convID := setupDirect(t)
	ctx := context.Background()
	msg, err := svc.Send(ctx, convID, "u1", "hi")
	require.NoError(t, err)
	before, _ := st.Message(convID, msg.ID)
	convBefore, _ := st.Conversation(convID)

	err = svc.Edit(ctx, convID, msg.ID, "u2", "hijacked")
	expectChatError(t, err, ErrorUnauthorized, "not_sender")

	after, _ := st.Message(convID, msg.ID)
	require.Equal(t, before, after)
	convAfter, _ := st.Conversation(convID)
	require.Equal(t, convBefore, convAfter)
}

func TestEdit_DeletedMessageIsInvalidState(t *testing.T) {
	_, svc, convID := setupDirect(t)
	ctx := context.Background()
	msg, err := svc.Send(ctx, convID, "u1", "hi")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, convID, msg.ID, "u1"))

	err = svc.Edit(ctx, convID, msg.ID, "u1", "again")
	expectChatError(t, err, ErrorInvalidState, "message_deleted")
}

func TestEdit_UnauthorizedTakesPrecedenceOverDeleted(t *testing.T) {
	_, svc, convID := setupDirect(t)
	ctx := context.Background()
	msg, err := svc.Send(ctx, convID, "u1", "hi")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, convID, msg.ID, "u1"))

	err = svc.Edit(ctx, convID, msg.ID, "u2", "again")
	expectChatError(t, err, ErrorUnauthorized, "not_sender")
}

func TestEdit_MissingMessage(t *testing.T) {
	_, svc, convID := setupDirect(t)
	err := svc.Edit(context.Background(), convID, "missing", "u1", "x")
	expectChatError(t, err, ErrorNotFound, "message_not_found")
}

func TestEdit_BlankText(t *testing.T) {
	_, svc, convID := setupDirect(t)
	err := svc.Edit(context.Background(), convID, "m1", "u1", "")
	expectChatError(t, err, ErrorValidation, "blank_text")
}

func TestDelete_PreviewMessageSetsPlaceholder(t *testing.T) {
	st, svc, convID := setupDirect(t)
	ctx := context.Background()
	msg, err := svc.Send(ctx, convID, "u1", "hi")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, convID, msg.ID, "u1"))

	stored, _ := st.Message(convID, msg.ID)
	require.True(t, stored.IsDeleted)
	require.Empty(t, stored.Text)
	require.NotNil(t, stored.DeletedAt)
	require.Equal(t, "u1", stored.DeletedBy)

	conv, _ := st.Conversation(convID)
	require.Equal(t, domain.DeletedPlaceholder, conv.LastMessageText)
}

func TestDelete_NonPreviewMessageLeavesPreview(t *testing.T) {
	st, svc, convID := setupDirect(t)
	ctx := context.Background()
	first, err := svc.Send(ctx, convID, "u1", "first")
	require.NoError(t, err)
	_, err = svc.Send(ctx, convID, "u1", "second")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, convID, first.ID, "u1"))
	conv, _ := st.Conversation(convID)
	require.Equal(t, "second", conv.LastMessageText)
}

func TestDelete_IsIdempotent(t *testing.T) {
	st, svc, convID := setupDirect(t)
	ctx := context.Background()
	msg, err := svc.Send(ctx, convID, "u1", "hi")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, convID, msg.ID, "u1"))

	first, _ := st.Message(convID, msg.ID)
	convFirst, _ := st.Conversation(convID)

	require.NoError(t, svc.Delete(ctx, convID, msg.ID, "u1"))

	second, _ := st.Message(convID, msg.ID)
	require.Equal(t, first, second)
	convSecond, _ := st.Conversation(convID)
	require.Equal(t, convFirst, convSecond)
}

func TestDelete_NotSenderIsUnauthorized(t *testing.T) {
	st, svc, convID := setupDirect(t)
	ctx := context.Background()
	msg, err := svc.Send(ctx, convID, "u1", "hi")
	require.NoError(t, err)
	before, _ := st.Message(convID, msg.ID)

	err = svc.Delete(ctx, convID, msg.ID, "u2")
	expectChatError(t, err, ErrorUnauthorized, "not_sender")
	after, _ := st.Message(convID, msg.ID)
	require.Equal(t, before, after)
}

func TestDirectConversationID_OrderIndependent(t *testing.T) {
	pairs := [][2]string{{"alice", "bob"}, {"b", "a"}, {"u1", "u10"}, {"Z", "a"}}
	for _, p := range pairs {
		require.Equal(t, DirectConversationID(p[0], p[1]), DirectConversationID(p[1], p[0]))
	}
	require.Equal(t, "alice_bob", DirectConversationID("bob", "alice"))
}

func TestDirectConversationID_SelfNeverCollides(t *testing.T) {
	self := DirectConversationID("alice", "alice")
	require.Equal(t, "alice__self", self)
	for _, other := range []string{"self", "_self", "alice", "bob", ""} {
		if other == "alice" {
			continue
		}
		require.NotEqual(t, self, DirectConversationID("alice", other))
	}
}

func TestGetOrCreateDirectConversation_CreatesOnce(t *testing.T) {
	st := memstore.New()
	svc := newTestService(t, st)
	ctx := context.Background()

	id, err := svc.GetOrCreateDirectConversation(ctx, "u2", "u1")
	require.NoError(t, err)
	require.Equal(t, "u1_u2", id)

	conv, ok := st.Conversation(id)
	require.True(t, ok)
	require.Equal(t, domain.ConversationTypeDirect, conv.Type)
	require.ElementsMatch(t, []string{"u1", "u2"}, conv.Members)
	require.Equal(t, id, conv.MemberKey)
	require.Empty(t, conv.LastMessageID)
	require.Nil(t, conv.LastMessageAt)

	again, err := svc.GetOrCreateDirectConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestGetOrCreateDirectConversation_DoesNotResetHistory(t *testing.T) {
	st, svc, convID := setupDirect(t)
	ctx := context.Background()
	msg, err := svc.Send(ctx, convID, "u1", "hi")
	require.NoError(t, err)

	_, err = svc.GetOrCreateDirectConversation(ctx, "u2", "u1")
	require.NoError(t, err)

	conv, _ := st.Conversation(convID)
	require.Equal(t, msg.ID, conv.LastMessageID)
	require.Equal(t, "hi", conv.LastMessageText)
}

func TestGetOrCreateDirectConversation_SelfConversation(t *testing.T) {
	st := memstore.New()
	svc := newTestService(t, st)
	id, err := svc.GetOrCreateDirectConversation(context.Background(), "u1", "u1")
	require.NoError(t, err)
	conv, _ := st.Conversation(id)
	require.Equal(t, []string{"u1"}, conv.Members)
}

func TestGetOrCreateDirectConversation_ConcurrentFirstContact(t *testing.T) {
	st := memstore.New()
	svc := newTestService(t, st)

	var wg sync.WaitGroup
	ids := make([]string, 20)
	errs := make([]error, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "u1", "u2"
			if i%2 == 1 {
				a, b = b, a
			}
			ids[i], errs[i] = svc.GetOrCreateDirectConversation(context.Background(), a, b)
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, "u1_u2", ids[i])
	}
}

func TestGetOrCreateDirectConversation_LostRaceResolvesToSameID(t *testing.T) {
	svc, err := NewService(&failingTransactor{err: fmt.Errorf("wrapped: %w", store.ErrAlreadyExists)}, memstore.New())
	require.NoError(t, err)

	id, err := svc.GetOrCreateDirectConversation(context.Background(), "u1", "u2")
	require.NoError(t, err)
	require.Equal(t, "u1_u2", id)
}

func TestGetOrCreateDirectConversation_InvalidIDs(t *testing.T) {
	svc := newTestService(t, memstore.New())
	_, err := svc.GetOrCreateDirectConversation(context.Background(), "", "u2")
	expectChatError(t, err, ErrorValidation, "missing_user_id")

	_, err = svc.GetOrCreateDirectConversation(context.Background(), "u1", "a_b")
	expectChatError(t, err, ErrorValidation, "invalid_user_id")
}

func TestStartDirectChat(t *testing.T) {
	st := memstore.New()
	st.PutUser(domain.UserProfile{UID: "u2", EmailLower: "bob@example.com"})
	svc := newTestService(t, st)
	ctx := context.Background()

	id, err := svc.StartDirectChat(ctx, "u1", "  Bob@Example.com ")
	require.NoError(t, err)
	require.Equal(t, "u1_u2", id)

	_, err = svc.StartDirectChat(ctx, "u1", "nobody@example.com")
	expectChatError(t, err, ErrorNotFound, "user_not_found")

	_, err = svc.StartDirectChat(ctx, "u1", " ")
	expectChatError(t, err, ErrorValidation, "blank_email")
}

func TestScenario_SendEditDelete(t *testing.T) {
	st := memstore.New(memstore.WithClock(steppingClock()))
	rec := &fakeRecorder{}
	svc := newTestService(t, st, WithRecorder(rec))
	ctx := context.Background()

	convID, err := svc.GetOrCreateDirectConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	msg, err := svc.Send(ctx, convID, "u1", "hi")
	require.NoError(t, err)
	conv, _ := st.Conversation(convID)
	require.Equal(t, "hi", conv.LastMessageText)
	require.Equal(t, "u1", conv.LastSenderID)

	require.NoError(t, svc.Edit(ctx, convID, msg.ID, "u1", "hello"))
	conv, _ = st.Conversation(convID)
	require.Equal(t, "hello", conv.LastMessageText)

	err = svc.Edit(ctx, convID, msg.ID, "u2", "nope")
	expectChatError(t, err, ErrorUnauthorized, "not_sender")

	require.NoError(t, svc.Delete(ctx, convID, msg.ID, "u1"))
	conv, _ = st.Conversation(convID)
	require.Equal(t, "Message deleted", conv.LastMessageText)
	stored, _ := st.Message(convID, msg.ID)
	require.Equal(t, "", stored.Text)
	require.True(t, stored.IsDeleted)

	require.Equal(t, []recordedMutation{
		{op: "direct", outcome: "ok"},
		{op: "send", outcome: "ok"},
		{op: "edit", outcome: "ok"},
		{op: "edit", outcome: string(ErrorUnauthorized)},
		{op: "delete", outcome: "ok"},
	}, rec.seen)
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, ErrorNotFound, CodeOf(fmt.Errorf("outer: %w", newError(ErrorNotFound, "x", nil))))
	require.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	require.Contains(t, newError(ErrorUpstream, "send_failed", errors.New("boom")).Error(), "boom")
}
