// Package dynamostore implements the store contract on a single DynamoDB
// table.
//
// Conversations live at PK=CONV#<id>, SK=META#; their messages share the
// partition under SK=MSG#<messageId>; user profiles live at PK=USER#<uid>,
// SK=PROFILE# and are indexed by emailLower; password credentials live at
// PK=ACCOUNT#<emailLower>, SK=CRED#. Each member of a conversation
// has an index item at PK=MEMBER#<uid>, SK=CONV#<id>. Every conversation,
// message and profile item carries a version number used for optimistic
// concurrency.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

const (
	// EmailIndex is the GSI on emailLower used for directory lookups.
	EmailIndex = "emailLower-index"

	defaultPollInterval = time.Second
	defaultMaxAttempts  = 5

	// batchGetLimit is the most keys one BatchGetItem call accepts.
	batchGetLimit = 100
	// maxBatchRounds bounds the re-requests of unprocessed keys.
	maxBatchRounds = 5
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type Store struct {
	api          dynamodbAPI
	tableName    string
	pollInterval time.Duration
	maxAttempts  int
	clock        func() time.Time
	log          *slog.Logger
}

type Option func(*Store)

// WithPollInterval sets how often live queries re-read the table.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithMaxAttempts bounds how many times a conflicting transaction is run.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.clock = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

func New(api dynamodbAPI, tableName string, opts ...Option) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamostore: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamostore: table name must not be empty")
	}
	s := &Store{
		api:          api,
		tableName:    tableName,
		pollInterval: defaultPollInterval,
		maxAttempts:  defaultMaxAttempts,
		clock:        func() time.Time { return time.Now().UTC() },
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetUser reads users/{uid}.
func (s *Store) GetUser(ctx context.Context, uid string) (domain.UserProfile, error) {
	item, err := s.getItem(ctx, userKey(uid), false)
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("dynamostore: GetUser: %w", err)
	}
	if item == nil {
		return domain.UserProfile{}, fmt.Errorf("dynamostore: user %q: %w", uid, store.ErrNotFound)
	}
	p, err := itemToProfile(item)
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("dynamostore: GetUser decode: %w", err)
	}
	return p, nil
}

// FindUserByEmail queries the email index for a profile.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (domain.UserProfile, error) {
	key := domain.NormalizeEmail(email)
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(EmailIndex),
		KeyConditionExpression: aws.String("emailLower = :e"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": sAttr(key),
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("dynamostore: FindUserByEmail query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return domain.UserProfile{}, fmt.Errorf("dynamostore: user with email %q: %w", key, store.ErrNotFound)
	}
	p, err := itemToProfile(out.Items[0])
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("dynamostore: FindUserByEmail decode: %w", err)
	}
	return p, nil
}

// UpsertUser records the user's email. createdAt is written on the first
// upsert only.
func (s *Store) UpsertUser(ctx context.Context, uid, email string) error {
	if strings.TrimSpace(uid) == "" {
		return errors.New("dynamostore: uid is required")
	}
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              userKey(uid).attrs(),
		UpdateExpression: aws.String("SET #entity = :entity, #uid = :uid, emailLower = :e, createdAt = if_not_exists(createdAt, :now), #version = if_not_exists(#version, :zero) + :one"),
		ExpressionAttributeNames: map[string]string{
			"#entity":  "entity",
			"#uid":     "uid",
			"#version": attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":entity": sAttr(entityUser),
			":uid":    sAttr(uid),
			":e":      sAttr(domain.NormalizeEmail(email)),
			":now":    timeValue(s.clock()),
			":zero":   nAttr(0),
			":one":    nAttr(1),
		},
	})
	if err != nil {
		return fmt.Errorf("dynamostore: UpsertUser: %w", err)
	}
	return nil
}

// GetAccount reads the credential registered under email.
func (s *Store) GetAccount(ctx context.Context, email string) (domain.Account, error) {
	item, err := s.getItem(ctx, accountKey(email), true)
	if err != nil {
		return domain.Account{}, fmt.Errorf("dynamostore: GetAccount: %w", err)
	}
	if item == nil {
		return domain.Account{}, fmt.Errorf("dynamostore: account %q: %w", domain.NormalizeEmail(email), store.ErrNotFound)
	}
	acc, err := itemToAccount(item)
	if err != nil {
		return domain.Account{}, fmt.Errorf("dynamostore: GetAccount decode: %w", err)
	}
	return acc, nil
}

// CreateAccount writes acc unless its email is already registered.
func (s *Store) CreateAccount(ctx context.Context, acc domain.Account) error {
	if strings.TrimSpace(acc.UID) == "" || domain.NormalizeEmail(acc.Email) == "" {
		return errors.New("dynamostore: account uid and email are required")
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = s.clock()
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                accountItem(acc),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		return fmt.Errorf("dynamostore: account %q: %w", domain.NormalizeEmail(acc.Email), store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("dynamostore: CreateAccount: %w", err)
	}
	return nil
}

// getItem returns nil when the item does not exist.
func (s *Store) getItem(ctx context.Context, key itemKey, consistent bool) (map[string]types.AttributeValue, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key.attrs(),
		ConsistentRead: aws.Bool(consistent),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func (s *Store) queryMessages(ctx context.Context, q store.MessageQuery) ([]domain.Message, error) {
	limit := q.EffectiveLimit()
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sAttr(pkConvPrefix + q.ConversationID),
			":prefix": sAttr(skMsgPrefix),
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
		Limit:            aws.Int32(int32(limit)),
	}
	var msgs []domain.Message
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("dynamostore: query messages: %w", err)
		}
		for _, item := range out.Items {
			m, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("dynamostore: decode message: %w", err)
			}
			msgs = append(msgs, m)
		}
		if len(out.LastEvaluatedKey) == 0 || len(msgs) >= limit {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
		in.Limit = aws.Int32(int32(limit - len(msgs)))
	}
	store.SortMessages(msgs)
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// listConversations reads memberID's index items and then the conversations
// they name.
func (s *Store) listConversations(ctx context.Context, memberID string) ([]domain.Conversation, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sAttr(pkMemberPrefix + memberID),
			":prefix": sAttr(skConvPrefix),
		},
		ConsistentRead: aws.Bool(true),
	}
	var keys []map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("dynamostore: query memberships: %w", err)
		}
		for _, item := range out.Items {
			id, err := strAttr(item, "conversationId")
			if err != nil {
				return nil, fmt.Errorf("dynamostore: decode membership: %w", err)
			}
			keys = append(keys, conversationKey(id).attrs())
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	var convs []domain.Conversation
	for start := 0; start < len(keys); start += batchGetLimit {
		end := min(start+batchGetLimit, len(keys))
		items, err := s.batchGet(ctx, keys[start:end])
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			c, err := itemToConversation(item)
			if err != nil {
				return nil, fmt.Errorf("dynamostore: decode conversation: %w", err)
			}
			convs = append(convs, c)
		}
	}
	store.SortConversations(convs)
	return convs, nil
}

// batchGet reads keys with consistent reads, re-requesting whatever DynamoDB
// leaves unprocessed.
func (s *Store) batchGet(ctx context.Context, keys []map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	req := map[string]types.KeysAndAttributes{
		s.tableName: {Keys: keys, ConsistentRead: aws.Bool(true)},
	}
	var items []map[string]types.AttributeValue
	for round := 0; round < maxBatchRounds; round++ {
		out, err := s.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: req})
		if err != nil {
			return nil, fmt.Errorf("dynamostore: batch get conversations: %w", err)
		}
		items = append(items, out.Responses[s.tableName]...)
		if len(out.UnprocessedKeys[s.tableName].Keys) == 0 {
			return items, nil
		}
		req = out.UnprocessedKeys
	}
	return nil, fmt.Errorf("dynamostore: batch get conversations: keys left unprocessed after %d rounds", maxBatchRounds)
}
