// Package handler exposes the chat mutations as an API Gateway proxy Lambda.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"chatsync/internal/chat"
	"chatsync/internal/domain"
)

const (
	correlationHeader = "X-Correlation-Id"
	errorInternal     = "INTERNAL_ERROR"
	errorRateLimited  = "RATE_LIMITED"

	routeDirect   = "/conversations/direct"
	routeMessages = "/conversations/{conversationId}/messages"
	routeMessage  = "/conversations/{conversationId}/messages/{messageId}"
)

// MessageService is the subset of chat.Service used by the handler.
type MessageService interface {
	Send(ctx context.Context, conversationID, senderID, text string) (domain.Message, error)
	Edit(ctx context.Context, conversationID, messageID, editorID, newText string) error
	Delete(ctx context.Context, conversationID, messageID, deleterID string) error
	GetOrCreateDirectConversation(ctx context.Context, myID, otherID string) (string, error)
	StartDirectChat(ctx context.Context, myID, email string) (string, error)
}

// TokenVerifier resolves a bearer token to the caller's identity.
type TokenVerifier interface {
	Verify(token string) (domain.Identity, error)
}

type Handler struct {
	svc     MessageService
	log     *slog.Logger
	tokens  TokenVerifier
	limiter *limiterPool
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithTokens accepts "Authorization: Bearer" tokens from callers that did not
// pass through an API Gateway authorizer.
func WithTokens(v TokenVerifier) Option {
	return func(h *Handler) {
		h.tokens = v
	}
}

// WithRateLimit limits each caller to rps requests per second with the given
// burst. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(h *Handler) {
		if rps <= 0 {
			h.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		h.limiter = newLimiterPool(rate.Limit(rps), burst, time.Now)
	}
}

func NewHandler(svc MessageService, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: message service must not be nil")
	}
	h := &Handler{svc: svc, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type directRequest struct {
	OtherUserID string `json:"otherUserId"`
	Email       string `json:"email"`
}

type directResponse struct {
	ConversationID string `json:"conversationId"`
}

type textRequest struct {
	Text string `json:"text"`
}

type messageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
	ClientID       string    `json:"clientId"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handle routes one API Gateway request. Failures are always reported as a
// JSON error body; the returned error is reserved for the Lambda runtime and
// is always nil.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	log := h.log.With("correlation_id", corrID, "method", req.HTTPMethod, "resource", req.Resource)

	uid := callerID(req.RequestContext)
	if uid == "" && h.tokens != nil {
		if tok := bearerToken(req.Headers); tok != "" {
			if id, err := h.tokens.Verify(tok); err == nil {
				uid = id.UID
			}
		}
	}
	if uid == "" {
		log.Warn("request without caller identity")
		return jsonResponse(http.StatusUnauthorized, corrID, errorResponse{Error: string(chat.ErrorUnauthorized), Reason: "missing_identity"}), nil
	}

	if h.limiter != nil && !h.limiter.allow(uid) {
		log.Warn("caller rate limited", "uid", uid)
		return jsonResponse(http.StatusTooManyRequests, corrID, errorResponse{Error: errorRateLimited}), nil
	}

	convID := req.PathParameters["conversationId"]
	msgID := req.PathParameters["messageId"]

	switch {
	case req.HTTPMethod == http.MethodPost && req.Resource == routeDirect:
		var body directRequest
		if !decode(req.Body, &body) {
			return invalidBody(corrID), nil
		}
		var (
			id  string
			err error
		)
		if strings.TrimSpace(body.OtherUserID) != "" {
			id, err = h.svc.GetOrCreateDirectConversation(ctx, uid, body.OtherUserID)
		} else {
			id, err = h.svc.StartDirectChat(ctx, uid, body.Email)
		}
		if err != nil {
			return h.failure(log, corrID, err), nil
		}
		return jsonResponse(http.StatusOK, corrID, directResponse{ConversationID: id}), nil

	case req.HTTPMethod == http.MethodPost && req.Resource == routeMessages:
		var body textRequest
		if !decode(req.Body, &body) {
			return invalidBody(corrID), nil
		}
		msg, err := h.svc.Send(ctx, convID, uid, body.Text)
		if err != nil {
			return h.failure(log, corrID, err), nil
		}
		log.Info("message sent", "conversation_id", convID, "message_id", msg.ID)
		return jsonResponse(http.StatusCreated, corrID, messageResponse{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Text:           msg.Text,
			CreatedAt:      msg.CreatedAt,
			ClientID:       msg.ClientID,
		}), nil

	case req.HTTPMethod == http.MethodPatch && req.Resource == routeMessage:
		var body textRequest
		if !decode(req.Body, &body) {
			return invalidBody(corrID), nil
		}
		if err := h.svc.Edit(ctx, convID, msgID, uid, body.Text); err != nil {
			return h.failure(log, corrID, err), nil
		}
		return emptyResponse(corrID), nil

	case req.HTTPMethod == http.MethodDelete && req.Resource == routeMessage:
		if err := h.svc.Delete(ctx, convID, msgID, uid); err != nil {
			return h.failure(log, corrID, err), nil
		}
		return emptyResponse(corrID), nil
	}

	return jsonResponse(http.StatusNotFound, corrID, errorResponse{Error: string(chat.ErrorNotFound), Reason: "unknown_route"}), nil
}

func (h *Handler) failure(log *slog.Logger, corrID string, err error) events.APIGatewayProxyResponse {
	var chatErr *chat.Error
	if !errors.As(err, &chatErr) {
		log.Error("unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, corrID, errorResponse{Error: errorInternal})
	}

	status := http.StatusInternalServerError
	switch chatErr.Code {
	case chat.ErrorValidation:
		status = http.StatusBadRequest
	case chat.ErrorUnauthorized:
		status = http.StatusForbidden
	case chat.ErrorNotFound:
		status = http.StatusNotFound
	case chat.ErrorInvalidState:
		status = http.StatusConflict
	case chat.ErrorUpstream:
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", chatErr.Code, "reason", chatErr.Reason, "err", chatErr.Err)
	} else {
		log.Info("request rejected", "code", chatErr.Code, "reason", chatErr.Reason)
	}
	return jsonResponse(status, corrID, errorResponse{Error: string(chatErr.Code), Reason: chatErr.Reason})
}

func decode(body string, v any) bool {
	return json.Unmarshal([]byte(body), v) == nil
}

func invalidBody(corrID string) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(chat.ErrorValidation), Reason: "invalid_json"})
}

// callerID reads the Cognito subject from the authorizer claims, falling back
// to the principal id set by a custom authorizer.
func callerID(rc events.APIGatewayProxyRequestContext) string {
	if claims, ok := rc.Authorizer["claims"].(map[string]interface{}); ok {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub
		}
	}
	if p, ok := rc.Authorizer["principalId"].(string); ok {
		return p
	}
	return ""
}

func bearerToken(headers map[string]string) string {
	for k, v := range headers {
		if !strings.EqualFold(k, "Authorization") {
			continue
		}
		if scheme, tok, ok := strings.Cut(strings.TrimSpace(v), " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return ""
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func jsonResponse(status int, corrID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"` + errorInternal + `"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(body),
	}
}

func emptyResponse(corrID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNoContent,
		Headers:    map[string]string{correlationHeader: corrID},
	}
}

// limiterPool holds one token bucket per caller. A bucket left idle long
// enough to refill completely is indistinguishable from a new one, so such
// entries are swept.
type limiterPool struct {
	rps   rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	m         map[string]*callerLimiter
	lastSweep time.Time
}

type callerLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps rate.Limit, burst int, now func() time.Time) *limiterPool {
	idle := time.Duration(float64(burst) / float64(rps) * float64(time.Second))
	return &limiterPool{
		rps:       rps,
		burst:     burst,
		idle:      max(idle, time.Second),
		now:       now,
		m:         make(map[string]*callerLimiter),
		lastSweep: now(),
	}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	now := p.now()
	if now.Sub(p.lastSweep) >= p.idle {
		for k, c := range p.m {
			if now.Sub(c.lastSeen) >= p.idle {
				delete(p.m, k)
			}
		}
		p.lastSweep = now
	}
	c, ok := p.m[key]
	if !ok {
		c = &callerLimiter{lim: rate.NewLimiter(p.rps, p.burst)}
		p.m[key] = c
	}
	c.lastSeen = now
	p.mu.Unlock()
	return c.lim.AllowN(now, 1)
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
