package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

// RunTransaction runs fn and commits its writes in one TransactWriteItems
// call, conditioned on every item fn read being unchanged. When a concurrent
// writer wins, fn is run again against fresh reads, up to the configured
// number of attempts.
func (s *Store) RunTransaction(ctx context.Context, fn store.TxFunc) error {
	if fn == nil {
		return errors.New("dynamostore: transaction body must not be nil")
	}
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		tx := &dynamoTx{s: s, now: s.clock(), reads: make(map[itemKey]int64)}
		if err = fn(ctx, tx); err != nil {
			return err
		}
		err = tx.commit(ctx)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		s.log.Debug("transaction conflict, retrying", "attempt", attempt)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

type writeKind int

const (
	writeCreate writeKind = iota
	writeUpdate
	writeCheck
)

type dynamoTx struct {
	s   *Store
	now time.Time

	// reads holds the version observed for every item read; 0 when absent.
	reads map[itemKey]int64

	newConvs    []domain.Conversation
	newMsgs     []domain.Message
	msgUpdates  []store.MessageUpdate
	convUpdates []store.ConversationUpdate
}

func (t *dynamoTx) Now() time.Time { return t.now }

func (t *dynamoTx) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	item, err := t.read(ctx, conversationKey(conversationID))
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("dynamostore: get conversation %q: %w", conversationID, err)
	}
	c, err := itemToConversation(item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("dynamostore: decode conversation %q: %w", conversationID, err)
	}
	return c, nil
}

func (t *dynamoTx) GetMessage(ctx context.Context, conversationID, messageID string) (domain.Message, error) {
	item, err := t.read(ctx, messageKey(conversationID, messageID))
	if err != nil {
		return domain.Message{}, fmt.Errorf("dynamostore: get message %q: %w", messageID, err)
	}
	m, err := itemToMessage(item)
	if err != nil {
		return domain.Message{}, fmt.Errorf("dynamostore: decode message %q: %w", messageID, err)
	}
	return m, nil
}

func (t *dynamoTx) CreateConversation(conv domain.Conversation) { t.newConvs = append(t.newConvs, conv) }
func (t *dynamoTx) CreateMessage(msg domain.Message)           { t.newMsgs = append(t.newMsgs, msg) }
func (t *dynamoTx) UpdateMessage(u store.MessageUpdate)        { t.msgUpdates = append(t.msgUpdates, u) }
func (t *dynamoTx) UpdateConversation(u store.ConversationUpdate) {
	t.convUpdates = append(t.convUpdates, u)
}

func (t *dynamoTx) read(ctx context.Context, key itemKey) (map[string]types.AttributeValue, error) {
	item, err := t.s.getItem(ctx, key, true)
	if err != nil {
		return nil, err
	}
	if item == nil {
		t.reads[key] = 0
		return nil, store.ErrNotFound
	}
	v, err := intAttr(item, attrVersion)
	if err != nil {
		return nil, err
	}
	t.reads[key] = v
	return item, nil
}

// commit builds the write set. DynamoDB rejects a transaction naming the same
// item twice, so updates to one item are merged and read-only items get a
// ConditionCheck only when nothing else writes them.
func (t *dynamoTx) commit(ctx context.Context) error {
	var (
		items   []types.TransactWriteItem
		kinds   []writeKind
		written = make(map[itemKey]bool)
		table   = aws.String(t.s.tableName)
	)

	convUpdates := make(map[string]store.ConversationUpdate)
	var convOrder []string
	for _, u := range t.convUpdates {
		prev, seen := convUpdates[u.ConversationID]
		if !seen {
			convOrder = append(convOrder, u.ConversationID)
		}
		convUpdates[u.ConversationID] = mergeConversationUpdate(prev, u)
	}
	msgUpdates := make(map[itemKey]store.MessageUpdate)
	var msgOrder []itemKey
	for _, u := range t.msgUpdates {
		key := messageKey(u.ConversationID, u.MessageID)
		prev, seen := msgUpdates[key]
		if !seen {
			msgOrder = append(msgOrder, key)
		}
		msgUpdates[key] = mergeMessageUpdate(prev, u)
	}

	for _, c := range t.newConvs {
		key := conversationKey(c.ID)
		if u, ok := convUpdates[c.ID]; ok {
			c = u.Apply(c)
			delete(convUpdates, c.ID)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           table,
			Item:                conversationItem(c, 1),
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}})
		kinds = append(kinds, writeCreate)
		written[key] = true

		seen := make(map[string]bool, len(c.Members))
		for _, uid := range c.Members {
			if seen[uid] {
				continue
			}
			seen[uid] = true
			items = append(items, types.TransactWriteItem{Put: &types.Put{
				TableName:           table,
				Item:                membershipItem(uid, c.ID),
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}})
			kinds = append(kinds, writeCreate)
		}
	}
	for _, m := range t.newMsgs {
		key := messageKey(m.ConversationID, m.ID)
		if u, ok := msgUpdates[key]; ok {
			m = u.Apply(m)
			delete(msgUpdates, key)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           table,
			Item:                messageItem(m, 1),
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}})
		kinds = append(kinds, writeCreate)
		written[key] = true
	}
	for _, key := range msgOrder {
		u, ok := msgUpdates[key]
		if !ok {
			continue
		}
		b := newUpdateBuilder()
		messageUpdateExpr(u, b)
		items = append(items, types.TransactWriteItem{Update: t.update(key, b)})
		kinds = append(kinds, writeUpdate)
		written[key] = true
	}
	for _, id := range convOrder {
		u, ok := convUpdates[id]
		if !ok {
			continue
		}
		key := conversationKey(id)
		b := newUpdateBuilder()
		conversationUpdateExpr(u, b)
		items = append(items, types.TransactWriteItem{Update: t.update(key, b)})
		kinds = append(kinds, writeUpdate)
		written[key] = true
	}

	if len(items) == 0 {
		return nil
	}
	for key, version := range t.reads {
		if written[key] {
			continue
		}
		check := &types.ConditionCheck{TableName: table, Key: key.attrs()}
		if version == 0 {
			check.ConditionExpression = aws.String("attribute_not_exists(PK)")
		} else {
			check.ConditionExpression = aws.String("#version = :expected")
			check.ExpressionAttributeNames = map[string]string{"#version": attrVersion}
			check.ExpressionAttributeValues = map[string]types.AttributeValue{":expected": nAttr(version)}
		}
		items = append(items, types.TransactWriteItem{ConditionCheck: check})
		kinds = append(kinds, writeCheck)
	}

	_, err := t.s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return classifyTxError(err, kinds)
	}
	return nil
}

// update conditions the write on the version read in this transaction, or on
// the item existing when it was not read.
func (t *dynamoTx) update(key itemKey, b *updateBuilder) *types.Update {
	expr := b.expression()
	cond := "attribute_exists(PK)"
	if v, ok := t.reads[key]; ok && v > 0 {
		cond = "#version = :expected"
		b.values[":expected"] = nAttr(v)
	}
	return &types.Update{
		TableName:                 aws.String(t.s.tableName),
		Key:                       key.attrs(),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  b.names,
		ExpressionAttributeValues: b.values,
	}
}

// classifyTxError maps a cancelled transaction onto the store sentinels. A
// failed condition on a create means the item already exists; any other
// failed condition or a transaction conflict means a concurrent writer won.
func classifyTxError(err error, kinds []writeKind) error {
	var cancelled *types.TransactionCanceledException
	if !errors.As(err, &cancelled) {
		return fmt.Errorf("dynamostore: transact write: %w", err)
	}
	conflict := false
	for i, r := range cancelled.CancellationReasons {
		switch aws.ToString(r.Code) {
		case "ConditionalCheckFailed":
			if i < len(kinds) && kinds[i] == writeCreate {
				return fmt.Errorf("dynamostore: transact write: %w", store.ErrAlreadyExists)
			}
			conflict = true
		case "TransactionConflict":
			conflict = true
		}
	}
	if conflict {
		return fmt.Errorf("dynamostore: transact write: %w", store.ErrConflict)
	}
	return fmt.Errorf("dynamostore: transact write: %w", err)
}

func mergeMessageUpdate(a, b store.MessageUpdate) store.MessageUpdate {
	a.ConversationID, a.MessageID = b.ConversationID, b.MessageID
	if b.Text != nil {
		a.Text = b.Text
	}
	if b.EditedAt != nil {
		a.EditedAt = b.EditedAt
	}
	if b.EditedBy != nil {
		a.EditedBy = b.EditedBy
	}
	if b.IsDeleted != nil {
		a.IsDeleted = b.IsDeleted
	}
	if b.DeletedAt != nil {
		a.DeletedAt = b.DeletedAt
	}
	if b.DeletedBy != nil {
		a.DeletedBy = b.DeletedBy
	}
	return a
}

func mergeConversationUpdate(a, b store.ConversationUpdate) store.ConversationUpdate {
	a.ConversationID = b.ConversationID
	if b.LastMessageID != nil {
		a.LastMessageID = b.LastMessageID
	}
	if b.LastMessageText != nil {
		a.LastMessageText = b.LastMessageText
	}
	if b.LastMessageAt != nil {
		a.LastMessageAt = b.LastMessageAt
	}
	if b.LastSenderID != nil {
		a.LastSenderID = b.LastSenderID
	}
	return a
}
