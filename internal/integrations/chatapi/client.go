// Package chatapi calls the mutation API over HTTP, so that message writes
// and their timestamps are made by the server rather than the caller.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatsync/internal/chat"
	"chatsync/internal/domain"
)

// HTTPStatusError captures a non-2xx response.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("chatapi: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

type textRequest struct {
	Text string `json:"text"`
}

type directRequest struct {
	Email string `json:"email"`
}

type directResponse struct {
	ConversationID string `json:"conversationId"`
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
	Reason string `json:"reason"`
}

// Recorder receives the outcome of every mutation.
type Recorder interface {
	ObserveMutation(op, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveMutation(string, string) {}

// Client performs chat mutations as the holder of a bearer token. The caller
// ids passed to its methods are not sent; the API takes the caller from the
// token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	metrics    Recorder
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.metrics = r
		}
	}
}

func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("chatapi: base URL must not be empty")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("chatapi: token must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		metrics:    nopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Send(ctx context.Context, conversationID, _, text string) (domain.Message, error) {
	var out messageResponse
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.done("send", c.do(ctx, http.MethodPost, path, textRequest{Text: text}, &out)); err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:             out.ID,
		ConversationID: out.ConversationID,
		SenderID:       out.SenderID,
		Text:           out.Text,
		CreatedAt:      out.CreatedAt,
		ClientID:       out.ClientID,
	}, nil
}

func (c *Client) Edit(ctx context.Context, conversationID, messageID, _, newText string) error {
	return c.done("edit", c.do(ctx, http.MethodPatch, messagePath(conversationID, messageID), textRequest{Text: newText}, nil))
}

func (c *Client) Delete(ctx context.Context, conversationID, messageID, _ string) error {
	return c.done("delete", c.do(ctx, http.MethodDelete, messagePath(conversationID, messageID), nil, nil))
}

// StartDirectChat opens the direct conversation with the user registered
// under email.
func (c *Client) StartDirectChat(ctx context.Context, _, email string) (string, error) {
	var out directResponse
	if err := c.done("direct", c.do(ctx, http.MethodPost, "/conversations/direct", directRequest{Email: email}, &out)); err != nil {
		return "", err
	}
	return out.ConversationID, nil
}

func (c *Client) done(op string, err error) error {
	switch code := chat.CodeOf(err); {
	case err == nil:
		c.metrics.ObserveMutation(op, "ok")
	case code != "":
		c.metrics.ObserveMutation(op, string(code))
	default:
		c.metrics.ObserveMutation(op, "transport")
	}
	return err
}

func messagePath(conversationID, messageID string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("chatapi: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	target := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("chatapi: create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &chat.Error{Code: chat.ErrorUpstream, Reason: "api_unreachable", Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return statusError(&HTTPStatusError{StatusCode: res.StatusCode, URL: target, Body: string(buf)})
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("chatapi: decode response: %w", err)
	}
	return nil
}

// statusError turns an error response back into the chat error the server
// reported. Codes the chat core does not define become upstream failures.
func statusError(e *HTTPStatusError) error {
	var payload errorResponse
	_ = json.Unmarshal([]byte(e.Body), &payload)
	switch code := chat.ErrorCode(payload.Error); code {
	case chat.ErrorNotFound, chat.ErrorUnauthorized, chat.ErrorInvalidState, chat.ErrorUpstream, chat.ErrorValidation:
		return &chat.Error{Code: code, Reason: payload.Reason, Err: e}
	}
	reason := strings.ToLower(payload.Error)
	if reason == "" {
		reason = "unexpected_status"
	}
	return &chat.Error{Code: chat.ErrorUpstream, Reason: reason, Err: e}
}
