package dynamostore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

type fakeDynamo struct {
	mu sync.Mutex

	items    map[itemKey]map[string]types.AttributeValue
	getErr   error
	queryOut []*dynamodb.QueryOutput
	queryErr error
	// unprocessed is how many leading BatchGetItem calls return their last
	// key as unprocessed.
	unprocessed int
	updErr      error
	putErr      error
	txErrs      []error

	getCalls  int
	queryIns  []*dynamodb.QueryInput
	batchIns  []*dynamodb.BatchGetItemInput
	lastUpdIn *dynamodb.UpdateItemInput
	lastPutIn *dynamodb.PutItemInput
	txIns     []*dynamodb.TransactWriteItemsInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[itemKey]map[string]types.AttributeValue{}}
}

func (f *fakeDynamo) put(key itemKey, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = item
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	key := itemKey{
		pk: in.Key["PK"].(*types.AttributeValueMemberS).Value,
		sk: in.Key["SK"].(*types.AttributeValueMemberS).Value,
	}
	return &dynamodb.GetItemOutput{Item: f.items[key]}, nil
}

// Query returns the queued outputs in order, repeating the last one.
func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryIns = append(f.queryIns, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOut) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOut[0]
	if len(f.queryOut) > 1 {
		f.queryOut = f.queryOut[1:]
	}
	return out, nil
}

func (f *fakeDynamo) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchIns = append(f.batchIns, in)
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for table, ka := range in.RequestItems {
		keys := ka.Keys
		if f.unprocessed > 0 && len(keys) > 0 {
			f.unprocessed--
			out.UnprocessedKeys = map[string]types.KeysAndAttributes{table: {Keys: keys[len(keys)-1:], ConsistentRead: ka.ConsistentRead}}
			keys = keys[:len(keys)-1]
		}
		for _, k := range keys {
			key := itemKey{
				pk: k["PK"].(*types.AttributeValueMemberS).Value,
				sk: k["SK"].(*types.AttributeValueMemberS).Value,
			}
			if item, ok := f.items[key]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
	}
	return out, nil
}

// PutItem honours attribute_not_exists(PK) against the stored items.
func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPutIn = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	key := itemKey{
		pk: in.Item["PK"].(*types.AttributeValueMemberS).Value,
		sk: in.Item["SK"].(*types.AttributeValueMemberS).Value,
	}
	if _, exists := f.items[key]; exists && aws.ToString(in.ConditionExpression) == "attribute_not_exists(PK)" {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdIn = in
	return &dynamodb.UpdateItemOutput{}, f.updErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txIns = append(f.txIns, in)
	if len(f.txErrs) > 0 {
		err := f.txErrs[0]
		f.txErrs = f.txErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func mustNewStore(t *testing.T, db *fakeDynamo, opts ...Option) *Store {
	t.Helper()
	s, err := New(db, "chat-state", opts...)
	require.NoError(t, err)
	return s
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return t0 }

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, "chat-state")
	require.ErrorContains(t, err, "must not be nil")
	_, err = New(newFakeDynamo(), " ")
	require.ErrorContains(t, err, "must not be empty")
}

func TestGetUser(t *testing.T) {
	db := newFakeDynamo()
	db.put(userKey("u1"), map[string]types.AttributeValue{
		"uid":        sAttr("u1"),
		"emailLower": sAttr("alice@example.com"),
		"createdAt":  timeValue(t0),
	})
	s := mustNewStore(t, db)

	p, err := s.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, domain.UserProfile{UID: "u1", EmailLower: "alice@example.com", CreatedAt: t0}, p)

	_, err = s.GetUser(context.Background(), "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)

	db.getErr = errors.New("throttled")
	_, err = s.GetUser(context.Background(), "u1")
	require.ErrorContains(t, err, "GetUser")
}

func TestFindUserByEmail_QueriesIndex(t *testing.T) {
	db := newFakeDynamo()
	db.queryOut = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		{"uid": sAttr("u2"), "emailLower": sAttr("bob@example.com")},
	}}}
	s := mustNewStore(t, db)

	p, err := s.FindUserByEmail(context.Background(), " Bob@Example.com")
	require.NoError(t, err)
	require.Equal(t, "u2", p.UID)

	in := db.queryIns[0]
	require.Equal(t, EmailIndex, aws.ToString(in.IndexName))
	require.Equal(t, "bob@example.com", in.ExpressionAttributeValues[":e"].(*types.AttributeValueMemberS).Value)
}

func TestFindUserByEmail_NotFound(t *testing.T) {
	s := mustNewStore(t, newFakeDynamo())
	_, err := s.FindUserByEmail(context.Background(), "nobody@example.com")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertUser_SetsCreatedAtOnce(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewStore(t, db, WithClock(fixedClock))

	require.NoError(t, s.UpsertUser(context.Background(), "u1", "Alice@Example.com"))
	in := db.lastUpdIn
	require.Contains(t, aws.ToString(in.UpdateExpression), "createdAt = if_not_exists(createdAt, :now)")
	require.Equal(t, "alice@example.com", in.ExpressionAttributeValues[":e"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, userKey("u1").attrs(), in.Key)

	require.Error(t, s.UpsertUser(context.Background(), " ", "x@example.com"))

	db.updErr = errors.New("boom")
	require.ErrorContains(t, s.UpsertUser(context.Background(), "u1", "a@example.com"), "UpsertUser")
}

func TestAccounts_CreateThenGet(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewStore(t, db, WithClock(fixedClock))
	ctx := context.Background()

	acc := domain.Account{UID: "u1", Email: "Alice@Example.com", PasswordHash: []byte("$2a$04$hash")}
	require.NoError(t, s.CreateAccount(ctx, acc))
	in := db.lastPutIn
	require.Equal(t, "attribute_not_exists(PK)", aws.ToString(in.ConditionExpression))
	require.Equal(t, "ACCOUNT#alice@example.com", in.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.NotContains(t, in.Item, "emailLower", "accounts stay out of the email index")

	got, err := s.GetAccount(ctx, " ALICE@example.com")
	require.NoError(t, err)
	require.Equal(t, domain.Account{UID: "u1", Email: "Alice@Example.com", PasswordHash: []byte("$2a$04$hash"), CreatedAt: t0}, got)

	err = s.CreateAccount(ctx, domain.Account{UID: "u2", Email: "alice@example.com", PasswordHash: []byte("x")})
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	_, err = s.GetAccount(ctx, "nobody@example.com")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.Error(t, s.CreateAccount(ctx, domain.Account{Email: "x@example.com"}))
	db.putErr = errors.New("throttled")
	require.ErrorContains(t, s.CreateAccount(ctx, domain.Account{UID: "u3", Email: "c@example.com"}), "CreateAccount")
}

func TestQueryMessages_PaginatesToLimit(t *testing.T) {
	db := newFakeDynamo()
	m := func(id string, sec int) map[string]types.AttributeValue {
		return messageItem(domain.Message{ID: id, ConversationID: "c1", SenderID: "u1", Text: id, CreatedAt: t0.Add(time.Duration(sec) * time.Second)}, 1)
	}
	db.queryOut = []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{m("a", 1), m("b", 2)}, LastEvaluatedKey: messageKey("c1", "b").attrs()},
		{Items: []map[string]types.AttributeValue{m("c", 3)}},
	}
	s := mustNewStore(t, db)

	msgs, err := s.queryMessages(context.Background(), store.MessageQuery{ConversationID: "c1", Limit: 3})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	require.Len(t, db.queryIns, 2)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", aws.ToString(db.queryIns[0].KeyConditionExpression))
	require.True(t, aws.ToBool(db.queryIns[0].ScanIndexForward))
	require.Equal(t, int32(1), aws.ToInt32(db.queryIns[1].Limit))
}

func membershipPage(uid string, convIDs ...string) *dynamodb.QueryOutput {
	out := &dynamodb.QueryOutput{}
	for _, id := range convIDs {
		out.Items = append(out.Items, membershipItem(uid, id))
	}
	return out
}

func TestListConversations_ReadsMembershipIndex(t *testing.T) {
	db := newFakeDynamo()
	older := t0.Add(time.Minute)
	newer := t0.Add(time.Hour)
	db.put(conversationKey("a"), conversationItem(domain.Conversation{ID: "a", Members: []string{"u1", "u2"}, CreatedAt: t0, LastMessageAt: &older}, 1))
	db.put(conversationKey("b"), conversationItem(domain.Conversation{ID: "b", Members: []string{"u1", "u3"}, CreatedAt: t0, LastMessageAt: &newer}, 2))
	first := membershipPage("u1", "a")
	first.LastEvaluatedKey = membershipKey("u1", "a").attrs()
	db.queryOut = []*dynamodb.QueryOutput{first, membershipPage("u1", "b")}
	s := mustNewStore(t, db)

	convs, err := s.listConversations(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, "b", convs[0].ID)
	require.Equal(t, []string{"u1", "u3"}, convs[0].Members)
	require.True(t, newer.Equal(*convs[0].LastMessageAt))

	require.Len(t, db.queryIns, 2)
	in := db.queryIns[0]
	require.Empty(t, aws.ToString(in.IndexName))
	require.Equal(t, "MEMBER#u1", in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skConvPrefix, in.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value)
	require.NotNil(t, db.queryIns[1].ExclusiveStartKey)

	require.Len(t, db.batchIns, 1)
	ka := db.batchIns[0].RequestItems["chat-state"]
	require.Len(t, ka.Keys, 2)
	require.True(t, aws.ToBool(ka.ConsistentRead))
}

func TestListConversations_RetriesUnprocessedKeys(t *testing.T) {
	db := newFakeDynamo()
	db.put(conversationKey("a"), conversationItem(domain.Conversation{ID: "a", Members: []string{"u1"}, CreatedAt: t0}, 1))
	db.put(conversationKey("b"), conversationItem(domain.Conversation{ID: "b", Members: []string{"u1"}, CreatedAt: t0}, 1))
	db.queryOut = []*dynamodb.QueryOutput{membershipPage("u1", "a", "b")}
	db.unprocessed = 1
	s := mustNewStore(t, db)

	convs, err := s.listConversations(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Len(t, db.batchIns, 2)
	require.Len(t, db.batchIns[1].RequestItems["chat-state"].Keys, 1)

	db.queryOut = []*dynamodb.QueryOutput{membershipPage("u1", "a", "b")}
	db.unprocessed = maxBatchRounds
	_, err = s.listConversations(context.Background(), "u1")
	require.ErrorContains(t, err, "unprocessed")
}

func TestListConversations_NoMemberships(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewStore(t, db)

	convs, err := s.listConversations(context.Background(), "u9")
	require.NoError(t, err)
	require.Empty(t, convs)
	require.Empty(t, db.batchIns)
}

func TestItemToMessage_Malformed(t *testing.T) {
	_, err := itemToMessage(map[string]types.AttributeValue{"messageId": sAttr("m1")})
	require.ErrorContains(t, err, "conversationId")

	item := messageItem(domain.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", CreatedAt: t0}, 1)
	item["createdAt"] = sAttr("yesterday")
	_, err = itemToMessage(item)
	require.ErrorContains(t, err, "createdAt")
}
