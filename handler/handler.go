package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"shipment-qna/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerIdentity      = "X-User-Identity"

	maxBodyBytes = 1 << 20
)

var newCorrelationID = func() string { return uuid.NewString() }

type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

// codeList accepts either a comma-packed string or a list of them.
type codeList []string

func (c *codeList) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*c = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*c = codeList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("authorization_codes must be a string or a list of strings")
	}
	*c = many
	return nil
}

type chatRequest struct {
	Question           string   `json:"question" validate:"required"`
	AuthorizationCodes codeList `json:"authorization_codes" validate:"required,min=1"`
	ConversationID     string   `json:"conversation_id,omitempty" validate:"omitempty,max=128"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type Handler struct {
	uc       ChatUseCase
	validate *validator.Validate
	logger   *slog.Logger

	trustIdentityHeader bool
}

type Option func(*Handler)

// WithTrustedIdentityHeader accepts X-User-Identity on API Gateway events that
// carry no authorizer principal. Only enable it behind a proxy that sets the
// header itself.
func WithTrustedIdentityHeader(trust bool) Option {
	return func(h *Handler) {
		h.trustIdentityHeader = trust
	}
}

func NewHandler(uc ChatUseCase, logger *slog.Logger, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		uc:       uc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle is the API Gateway entry point.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	get := lookup(event.Headers)
	corrID := correlationID(get)

	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return h.toLambda(corrID, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}), nil
		}
		body = decoded
	}

	identity := h.eventIdentity(event, get)
	status, payload := h.serve(ctx, corrID, identity, body)
	return h.toLambda(corrID, status, payload), nil
}

// eventIdentity prefers the authorizer principal. The header is read only when
// no principal exists and the header is trusted.
func (h *Handler) eventIdentity(event events.APIGatewayProxyRequest, get func(string) string) string {
	if p, ok := event.RequestContext.Authorizer["principalId"].(string); ok && strings.TrimSpace(p) != "" {
		if hdr := get(headerIdentity); hdr != "" && !strings.EqualFold(hdr, strings.TrimSpace(p)) {
			h.logger.Warn("handler: identity header ignored, authorizer principal wins")
		}
		return p
	}
	if h.trustIdentityHeader {
		return get(headerIdentity)
	}
	return ""
}

// ServeHTTP serves the same contract over plain HTTP. It sits behind the local
// server, so the identity header is taken as given.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corrID := correlationID(r.Header.Get)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	status, payload := http.StatusBadRequest, any(errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
	if err == nil {
		status, payload = h.serve(r.Context(), corrID, r.Header.Get(headerIdentity), body)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerCorrelationID, corrID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) serve(ctx context.Context, corrID, identity string, body []byte) (int, any) {
	logger := h.logger.With("correlation_id", corrID)

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Warn("handler: invalid request body", "err", err)
		return http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}
	}
	if err := h.validate.Struct(req); err != nil {
		reason := validationReason(err)
		logger.Warn("handler: request failed validation", "reason", reason)
		return http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: reason}
	}

	out, err := h.uc.Chat(ctx, usecase.ChatInput{
		Question:           req.Question,
		AuthorizationCodes: req.AuthorizationCodes,
		ConversationID:     req.ConversationID,
		Identity:           strings.TrimSpace(identity),
	})
	if err != nil {
		status, resp := mapError(err)
		logger.Error("handler: chat failed", "status", status, "err", err)
		return status, resp
	}
	logger.Info("handler: chat served", "conversation_id", out.ConversationID, "intent", out.Intent)
	return http.StatusOK, out
}

func (h *Handler) toLambda(corrID string, status int, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(fmt.Sprintf(`{"error":%q}`, usecase.ErrorInternal))
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: corrID,
		},
		Body: string(body),
	}
}

func mapError(err error) (int, errorResponse) {
	ucErr := usecase.AsError(err)
	return ucErr.Code.HTTPStatus(), errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}
}

func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid_body"
	}
	switch verrs[0].Field() {
	case "Question":
		return "empty_question"
	case "AuthorizationCodes":
		return "empty_authorization_codes"
	case "ConversationID":
		return "invalid_conversation_id"
	}
	return "invalid_body"
}

// lookup returns a case-insensitive reader over API Gateway headers.
func lookup(headers map[string]string) func(string) string {
	return func(key string) string {
		for k, v := range headers {
			if strings.EqualFold(k, key) {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}
}

func correlationID(get func(string) string) string {
	if id := strings.TrimSpace(get(headerCorrelationID)); id != "" {
		return id
	}
	return newCorrelationID()
}
