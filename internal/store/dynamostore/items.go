package dynamostore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

const (
	pkConvPrefix = "CONV#"
	pkUserPrefix   = "USER#"
	pkMemberPrefix = "MEMBER#"
	pkAccount      = "ACCOUNT#"
	skMeta         = "META#"
	skMsgPrefix    = "MSG#"
	skProfile      = "PROFILE#"
	skConvPrefix   = "CONV#"
	skCredential   = "CRED#"

	entityConversation = "conversation"
	entityMembership   = "membership"
	entityMessage      = "message"
	entityUser         = "user"
	entityAccount      = "account"

	attrVersion = "version"
)

type itemKey struct {
	pk, sk string
}

func (k itemKey) attrs() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: k.pk},
		"SK": &types.AttributeValueMemberS{Value: k.sk},
	}
}

func conversationKey(conversationID string) itemKey {
	return itemKey{pk: pkConvPrefix + conversationID, sk: skMeta}
}

func messageKey(conversationID, messageID string) itemKey {
	return itemKey{pk: pkConvPrefix + conversationID, sk: skMsgPrefix + messageID}
}

func userKey(uid string) itemKey {
	return itemKey{pk: pkUserPrefix + uid, sk: skProfile}
}

// membershipKey indexes a conversation under one of its members. Members are
// fixed at creation, so these items are written once with the conversation.
func membershipKey(uid, conversationID string) itemKey {
	return itemKey{pk: pkMemberPrefix + uid, sk: skConvPrefix + conversationID}
}

func membershipItem(uid, conversationID string) map[string]types.AttributeValue {
	item := membershipKey(uid, conversationID).attrs()
	item["entity"] = sAttr(entityMembership)
	item["uid"] = sAttr(uid)
	item["conversationId"] = sAttr(conversationID)
	return item
}

// accountKey is keyed by normalized email. Account items carry no
// emailLower attribute so the email index only ever returns profiles.
func accountKey(email string) itemKey {
	return itemKey{pk: pkAccount + domain.NormalizeEmail(email), sk: skCredential}
}

func accountItem(acc domain.Account) map[string]types.AttributeValue {
	item := accountKey(acc.Email).attrs()
	item["entity"] = sAttr(entityAccount)
	item["uid"] = sAttr(acc.UID)
	item["email"] = sAttr(acc.Email)
	item["passwordHash"] = &types.AttributeValueMemberB{Value: acc.PasswordHash}
	item["createdAt"] = timeValue(acc.CreatedAt)
	item[attrVersion] = nAttr(1)
	return item
}

func itemToAccount(item map[string]types.AttributeValue) (domain.Account, error) {
	uid, err := strAttr(item, "uid")
	if err != nil {
		return domain.Account{}, err
	}
	hash, ok := item["passwordHash"].(*types.AttributeValueMemberB)
	if !ok || len(hash.Value) == 0 {
		return domain.Account{}, fmt.Errorf("dynamostore: missing attribute %q", "passwordHash")
	}
	createdAt, err := optTimeAttr(item, "createdAt")
	if err != nil {
		return domain.Account{}, err
	}
	acc := domain.Account{UID: uid, Email: optStrAttr(item, "email"), PasswordHash: hash.Value}
	if createdAt != nil {
		acc.CreatedAt = *createdAt
	}
	return acc, nil
}

func conversationItem(c domain.Conversation, version int64) map[string]types.AttributeValue {
	item := conversationKey(c.ID).attrs()
	members := make([]types.AttributeValue, 0, len(c.Members))
	for _, m := range c.Members {
		members = append(members, &types.AttributeValueMemberS{Value: m})
	}
	item["entity"] = sAttr(entityConversation)
	item["conversationId"] = sAttr(c.ID)
	item["members"] = &types.AttributeValueMemberL{Value: members}
	item["type"] = sAttr(c.Type)
	item["memberKey"] = sAttr(c.MemberKey)
	item["createdAt"] = timeValue(c.CreatedAt)
	item["lastMessageId"] = sAttr(c.LastMessageID)
	item["lastMessageText"] = sAttr(c.LastMessageText)
	item["lastSenderId"] = sAttr(c.LastSenderID)
	if c.LastMessageAt != nil {
		item["lastMessageAt"] = timeValue(*c.LastMessageAt)
	}
	item[attrVersion] = nAttr(version)
	return item
}

func messageItem(m domain.Message, version int64) map[string]types.AttributeValue {
	item := messageKey(m.ConversationID, m.ID).attrs()
	item["entity"] = sAttr(entityMessage)
	item["messageId"] = sAttr(m.ID)
	item["conversationId"] = sAttr(m.ConversationID)
	item["senderId"] = sAttr(m.SenderID)
	item["text"] = sAttr(m.Text)
	item["createdAt"] = timeValue(m.CreatedAt)
	item["clientId"] = sAttr(m.ClientID)
	item["isDeleted"] = &types.AttributeValueMemberBOOL{Value: m.IsDeleted}
	item["editedBy"] = sAttr(m.EditedBy)
	item["deletedBy"] = sAttr(m.DeletedBy)
	if m.EditedAt != nil {
		item["editedAt"] = timeValue(*m.EditedAt)
	}
	if m.DeletedAt != nil {
		item["deletedAt"] = timeValue(*m.DeletedAt)
	}
	item[attrVersion] = nAttr(version)
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	members, err := listAttr(item, "members")
	if err != nil {
		return domain.Conversation{}, err
	}
	lastAt, err := optTimeAttr(item, "lastMessageAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{
		ID:              id,
		Members:         members,
		Type:            optStrAttr(item, "type"),
		MemberKey:       optStrAttr(item, "memberKey"),
		CreatedAt:       createdAt,
		LastMessageID:   optStrAttr(item, "lastMessageId"),
		LastMessageText: optStrAttr(item, "lastMessageText"),
		LastMessageAt:   lastAt,
		LastSenderID:    optStrAttr(item, "lastSenderId"),
	}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	sender, err := strAttr(item, "senderId")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	editedAt, err := optTimeAttr(item, "editedAt")
	if err != nil {
		return domain.Message{}, err
	}
	deletedAt, err := optTimeAttr(item, "deletedAt")
	if err != nil {
		return domain.Message{}, err
	}
	deleted := false
	if b, ok := item["isDeleted"].(*types.AttributeValueMemberBOOL); ok {
		deleted = b.Value
	}
	return domain.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Text:           optStrAttr(item, "text"),
		CreatedAt:      createdAt,
		ClientID:       optStrAttr(item, "clientId"),
		EditedAt:       editedAt,
		EditedBy:       optStrAttr(item, "editedBy"),
		IsDeleted:      deleted,
		DeletedAt:      deletedAt,
		DeletedBy:      optStrAttr(item, "deletedBy"),
	}, nil
}

func itemToProfile(item map[string]types.AttributeValue) (domain.UserProfile, error) {
	uid, err := strAttr(item, "uid")
	if err != nil {
		return domain.UserProfile{}, err
	}
	createdAt, err := optTimeAttr(item, "createdAt")
	if err != nil {
		return domain.UserProfile{}, err
	}
	p := domain.UserProfile{
		UID:         uid,
		EmailLower:  optStrAttr(item, "emailLower"),
		DisplayName: optStrAttr(item, "displayName"),
	}
	if createdAt != nil {
		p.CreatedAt = *createdAt
	}
	return p, nil
}

// messageUpdateExpr renders the SET clauses of u.
func messageUpdateExpr(u store.MessageUpdate, b *updateBuilder) {
	if u.Text != nil {
		b.set("text", sAttr(*u.Text))
	}
	if u.EditedAt != nil {
		b.set("editedAt", timeValue(*u.EditedAt))
	}
	if u.EditedBy != nil {
		b.set("editedBy", sAttr(*u.EditedBy))
	}
	if u.IsDeleted != nil {
		b.set("isDeleted", &types.AttributeValueMemberBOOL{Value: *u.IsDeleted})
	}
	if u.DeletedAt != nil {
		b.set("deletedAt", timeValue(*u.DeletedAt))
	}
	if u.DeletedBy != nil {
		b.set("deletedBy", sAttr(*u.DeletedBy))
	}
}

func conversationUpdateExpr(u store.ConversationUpdate, b *updateBuilder) {
	if u.LastMessageID != nil {
		b.set("lastMessageId", sAttr(*u.LastMessageID))
	}
	if u.LastMessageText != nil {
		b.set("lastMessageText", sAttr(*u.LastMessageText))
	}
	if u.LastMessageAt != nil {
		b.set("lastMessageAt", timeValue(*u.LastMessageAt))
	}
	if u.LastSenderID != nil {
		b.set("lastSenderId", sAttr(*u.LastSenderID))
	}
}

// updateBuilder assembles an UpdateExpression with placeholder names for
// every attribute.
type updateBuilder struct {
	sets   []string
	names  map[string]string
	values map[string]types.AttributeValue
}

func newUpdateBuilder() *updateBuilder {
	return &updateBuilder{names: map[string]string{}, values: map[string]types.AttributeValue{}}
}

func (b *updateBuilder) set(attr string, v types.AttributeValue) {
	b.names["#"+attr] = attr
	b.values[":"+attr] = v
	b.sets = append(b.sets, "#"+attr+" = :"+attr)
}

// expression bumps the version alongside the SET clauses.
func (b *updateBuilder) expression() string {
	b.names["#version"] = attrVersion
	b.values[":one"] = nAttr(1)
	return "SET " + strings.Join(append(b.sets, "#version = #version + :one"), ", ")
}

func sAttr(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func nAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func timeValue(t time.Time) types.AttributeValue {
	return sAttr(t.UTC().Format(time.RFC3339Nano))
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("dynamostore: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamostore: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func optStrAttr(item map[string]types.AttributeValue, key string) string {
	if s, ok := item[key].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("dynamostore: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamostore: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dynamostore: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("dynamostore: parse attribute %q: %w", key, err)
	}
	return t, nil
}

func optTimeAttr(item map[string]types.AttributeValue, key string) (*time.Time, error) {
	if _, ok := item[key]; !ok {
		return nil, nil
	}
	t, err := timeAttr(item, key)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func listAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, fmt.Errorf("dynamostore: missing attribute %q", key)
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("dynamostore: attribute %q is not a list", key)
	}
	out := make([]string, 0, len(l.Value))
	for _, e := range l.Value {
		s, ok := e.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("dynamostore: attribute %q has a non-string element", key)
		}
		out = append(out, s.Value)
	}
	return out, nil
}
