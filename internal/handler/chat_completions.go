package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiroproxy/gateway/internal/account"
	"github.com/kiroproxy/gateway/internal/claude"
	"github.com/kiroproxy/gateway/internal/debug"
	"github.com/kiroproxy/gateway/internal/kiro"
	"github.com/kiroproxy/gateway/internal/openai"
	"github.com/kiroproxy/gateway/internal/redis"
)

// ChatCompletionsHandler handles POST /v1/chat/completions, translating
// OpenAI-shaped requests at the boundary and reusing the same account
// selection, retry, and upstream dispatch logic as MessagesHandler.
type ChatCompletionsHandler struct {
	selector        *account.Selector
	poolManager     *redis.PoolManager
	tokenManager    *redis.TokenManager
	kiroClient      *kiro.Client
	tokenRefresher  *account.TokenRefresher
	logger          *slog.Logger
	maxRetries      int
	maxKiroBodySize int64
	debugDumper     *debug.Dumper
	resetLocation   *time.Location
}

// NewChatCompletionsHandler creates a new chat-completions handler.
func NewChatCompletionsHandler(opts MessagesHandlerOptions) *ChatCompletionsHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	maxKiroBodySize := int64(opts.MaxKiroBodySize)
	if maxKiroBodySize <= 0 {
		maxKiroBodySize = claude.MaxKiroRequestBodyDefault
	}
	resetLocation := opts.QuotaResetLocation
	if resetLocation == nil {
		resetLocation = time.Local
	}
	return &ChatCompletionsHandler{
		selector:     opts.Selector,
		poolManager:  opts.PoolManager,
		tokenManager: opts.TokenManager,
		kiroClient:   opts.KiroClient,
		tokenRefresher: account.NewTokenRefresher(account.TokenRefresherOptions{
			TokenManager:     opts.TokenManager,
			Logger:           logger,
			RefreshThreshold: opts.RefreshThreshold,
		}),
		logger:          logger,
		maxRetries:      maxRetries,
		maxKiroBodySize: maxKiroBodySize,
		debugDumper:     debug.NewDumper(),
		resetLocation:   resetLocation,
	}
}

// ServeHTTP handles the chat completion request.
func (h *ChatCompletionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.Header.Get("x-request-id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	debugSession := h.debugDumper.NewSession(sessionID)
	defer func() {
		if debugSession != nil {
			debugSession.Close()
		}
	}()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxKiroBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		openai.WriteError(w, claude.NewInvalidRequestError("request body too large or unreadable"))
		return
	}

	oaiReq, req, err := openai.ToMessageRequest(body)
	if err != nil {
		openai.WriteError(w, claude.NewInvalidRequestError(err.Error()))
		return
	}

	if debugSession != nil {
		debugSession.SetModel(req.Model)
		debugSession.DumpRequestJSON(req)
	}

	if err := h.validateRequest(req); err != nil {
		openai.WriteError(w, err)
		return
	}

	if oaiReq.Stream {
		h.handleStreaming(ctx, w, req, debugSession)
	} else {
		h.handleNonStreaming(ctx, w, req, debugSession)
	}
}

// validateRequest mirrors MessagesHandler.validateRequest's checks, adapted
// for OpenAI's looser defaults (max_tokens is optional; a missing or
// non-positive value is set to claude.MaxOutputTokens).
func (h *ChatCompletionsHandler) validateRequest(req *claude.MessageRequest) *claude.APIError {
	if req.Model == "" {
		return claude.NewInvalidRequestError("model: field is required")
	}
	if len(req.Messages) == 0 {
		return claude.NewInvalidRequestError("messages: field is required and must contain at least one message")
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = claude.MaxOutputTokens
	}
	for i, msg := range req.Messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].role: must resolve to 'user' or 'assistant'", i))
		}
	}
	if len(req.Messages) > 0 && req.Messages[0].Role != "user" {
		return claude.NewInvalidRequestError("messages: first message must have role 'user'")
	}
	return nil
}

func (h *ChatCompletionsHandler) handleStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, debugSession *debug.Session) {
	startTime := time.Now()
	estimatedInputTokens := claude.EstimateInputTokens(req)

	sseWriter := openai.NewSSEWriter(w)
	sseWriter.WriteHeaders()

	if warning := claude.ContextLengthWarning(estimatedInputTokens); warning != "" {
		_ = sseWriter.WriteChunk(&openai.ChatCompletionChunk{
			Object:  "chat.completion.chunk",
			Model:   req.Model,
			Choices: []openai.Choice{},
			Warning: warning,
		})
	}

	excluded := make(map[string]bool)
	var lastErr error
	var lastAccountUUID string
	var triedAccounts []string

	for attempt := 0; attempt < h.maxRetries; attempt++ {
		acc, err := h.selector.SelectWithRetry(ctx, h.maxRetries-attempt, excluded)
		if err != nil {
			if errors.Is(err, account.ErrNoHealthyAccounts) {
				if debugSession != nil {
					debugSession.SetError(err)
					debugSession.Fail(err)
				}
				writeStreamError(sseWriter, claude.ErrNoHealthyAccounts)
				return
			}
			lastErr = err
			continue
		}

		lastAccountUUID = acc.UUID
		triedAccounts = append(triedAccounts, acc.UUID)
		if debugSession != nil {
			debugSession.AddTriedAccount(acc.UUID)
			debugSession.SetAccountUUID(acc.UUID)
		}

		token, err := h.tokenManager.GetToken(ctx, acc.UUID)
		if err != nil {
			h.logger.Warn("failed to get token", "uuid", acc.UUID, "error", err)
			excluded[acc.UUID] = true
			lastErr = err
			continue
		}
		if h.tokenManager.IsExpired(token) {
			newToken, refreshErr := refreshAccountTokenDeduped(ctx, h.tokenRefresher, h.kiroClient, h.tokenManager, h.logger, acc, token)
			if refreshErr != nil {
				excluded[acc.UUID] = true
				lastErr = refreshErr
				continue
			}
			token = newToken
		}

		messagesJSON, _ := json.Marshal(req.Messages)
		toolsJSON, _ := json.Marshal(req.Tools)
		reqBody, metadata, err := kiro.BuildRequestBody(req.Model, messagesJSON, req.MaxTokens, true, req.GetSystemString(), acc.ProfileARN, toolsJSON)
		if err != nil {
			if debugSession != nil {
				debugSession.SetError(err)
				debugSession.Fail(err)
			}
			openai.WriteError(w, claude.NewAPIError("Failed to build request"))
			return
		}
		if repaired, changed := kiro.InjectToolsFromHistory(reqBody); changed {
			reqBody = repaired
		}
		if debugSession != nil {
			debugSession.DumpKiroRequest(reqBody)
		}

		region := token.IDCRegion
		if region == "" {
			region = "us-east-1"
		}

		kiroReq := &kiro.Request{
			Region:      region,
			ProfileARN:  acc.ProfileARN,
			AccountUUID: acc.UUID,
			ClientID:    token.ClientID,
			Token:       token.AccessToken,
			Body:        reqBody,
			Metadata:    metadata,
		}

		body, err := h.sendToKiro(ctx, kiroReq, acc, token)
		if err != nil {
			var apiErr *kiro.APIError
			if errors.As(err, &apiErr) {
				if debugSession != nil {
					debugSession.SetStatusCode(apiErr.StatusCode)
					debugSession.DumpKiroResponse(apiErr.Body)
				}
				if apiErr.IsPaymentRequired() {
					nextMonth := getNextMonthFirstDay(h.resetLocation)
					_ = h.poolManager.MarkUnhealthyWithRecovery(ctx, acc.UUID, nextMonth)
					excluded[acc.UUID] = true
					lastErr = err
					continue
				}
				if apiErr.IsRateLimited() || apiErr.IsForbidden() {
					// sendToKiro already forced a refresh and retried once on
					// this same account; a 403/429 reaching here means that
					// failed too, so fall back to cooldown and failover.
					_ = h.poolManager.MarkUnhealthy(ctx, acc.UUID)
					excluded[acc.UUID] = true
					lastErr = err
					continue
				}
				if apiErr.IsContextTooLong() {
					if debugSession != nil {
						debugSession.SetError(err)
						debugSession.Fail(err)
					}
					writeStreamError(sseWriter, claude.NewOverloadedError(
						"Input context is too long. Please reduce your conversation history to continue."))
					return
				}
				if apiErr.IsBadRequest() {
					if debugSession != nil {
						debugSession.SetError(err)
						debugSession.Fail(err)
					}
					writeStreamError(sseWriter, claude.NewAPIErrorWithStatus(string(apiErr.Body), http.StatusBadRequest))
					return
				}
				// Any other upstream status (401, 5xx, ...): cool down and
				// fail over to the next account.
				_ = h.poolManager.MarkUnhealthy(ctx, acc.UUID)
				excluded[acc.UUID] = true
				lastErr = err
				continue
			}
			if debugSession != nil {
				debugSession.SetError(err)
				debugSession.Fail(err)
			}
			writeStreamError(sseWriter, claude.NewAPIErrorWithStatus("Upstream error", http.StatusBadGateway))
			return
		}

		_ = h.poolManager.IncrementUsage(ctx, acc.UUID)

		h.streamResponse(ctx, body, sseWriter, req.Model, estimatedInputTokens, acc.UUID, startTime, debugSession)
		if err := body.Close(); err != nil {
			h.logger.Warn("failed to close response body", "error", err)
		}
		if debugSession != nil {
			debugSession.Success()
		}
		return
	}

	h.logger.Error("all retries failed", "error", lastErr, "tried_accounts", triedAccounts)
	if debugSession != nil {
		debugSession.SetError(lastErr)
		debugSession.Fail(lastErr)
	}

	var apiErr *kiro.APIError
	if errors.As(lastErr, &apiErr) {
		if apiErr.IsOverloaded() {
			writeStreamError(sseWriter, claude.NewOverloadedError(fmt.Sprintf("Service overloaded (account: %s): %s", lastAccountUUID, string(apiErr.Body))))
			return
		}
		writeStreamError(sseWriter, claude.NewAPIErrorWithStatus(
			fmt.Sprintf("Upstream error (account: %s, status %d): %s", lastAccountUUID, apiErr.StatusCode, string(apiErr.Body)),
			apiErr.StatusCode,
		))
		return
	}
	writeStreamError(sseWriter, claude.NewAPIError(fmt.Sprintf("All accounts failed (tried: %v): %v", triedAccounts, lastErr)))
}

// sendToKiro sends the built request to Kiro. On a 403 Forbidden response it
// forces exactly one credential refresh and retries the same account once
// before giving up, per the adapter-level forbidden-response policy; the
// dispatcher's own cooldown/failover table only sees a 403 that survives
// this retry.
func (h *ChatCompletionsHandler) sendToKiro(ctx context.Context, kiroReq *kiro.Request, acc *redis.Account, token *redis.Token) (io.ReadCloser, error) {
	body, err := h.kiroClient.SendStreamingRequest(ctx, kiroReq)
	if err == nil {
		return body, nil
	}

	var apiErr *kiro.APIError
	if !errors.As(err, &apiErr) || !apiErr.IsForbidden() {
		return nil, err
	}

	h.logger.Warn("403 forbidden, forcing credential refresh and retrying once", "uuid", acc.UUID)
	newToken, refreshErr := refreshAccountTokenDeduped(ctx, h.tokenRefresher, h.kiroClient, h.tokenManager, h.logger, acc, token)
	if refreshErr != nil {
		h.logger.Warn("forced refresh after 403 failed", "uuid", acc.UUID, "error", refreshErr)
		return nil, err
	}

	kiroReq.Token = newToken.AccessToken
	kiroReq.ClientID = newToken.ClientID
	return h.kiroClient.SendStreamingRequest(ctx, kiroReq)
}

// writeStreamError writes an OpenAI-flavored SSE error chunk followed by [DONE].
func writeStreamError(sseWriter *openai.SSEWriter, apiErr *claude.APIError) {
	chunk := &openai.ChatCompletionChunk{
		Object: "chat.completion.chunk",
		Choices: []openai.Choice{{
			Index: 0,
			Delta: &openai.ResponseMessage{Content: func() *string { s := apiErr.Message; return &s }()},
		}},
	}
	_ = sseWriter.WriteChunk(chunk)
	_ = sseWriter.WriteDone()
}

func (h *ChatCompletionsHandler) streamResponse(ctx context.Context, body io.Reader, sseWriter *openai.SSEWriter, model string, estimatedInputTokens int, accountUUID string, startTime time.Time, debugSession *debug.Session) {
	parser := kiro.GetEventStreamParser()
	defer kiro.ReleaseEventStreamParser(parser)

	converter := claude.NewConverterWithEstimate(model, estimatedInputTokens)
	state := openai.NewStreamState(converter.GetMessageID(), model)

	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			h.sendFinalStreamChunks(sseWriter, converter, state, model, accountUUID, startTime)
			return
		default:
		}

		n, err := body.Read(buf)
		if err != nil {
			if err == io.EOF {
				h.sendFinalStreamChunks(sseWriter, converter, state, model, accountUUID, startTime)
			} else {
				h.logger.Error("error reading response", "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}

		messages, parseErr := parser.Parse(buf[:n])
		if parseErr != nil {
			h.logger.Error("error parsing event stream", "error", parseErr)
			continue
		}

		for _, msg := range messages {
			if debugSession != nil {
				debugSession.AppendKiroChunk(msg.Payload)
			}
			var chunk kiro.KiroChunk
			if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
				h.logger.Warn("failed to parse chunk", "error", err)
				continue
			}
			events, err := converter.Convert(&chunk)
			if err != nil {
				h.logger.Warn("failed to convert chunk", "error", err)
				continue
			}
			for _, out := range state.Translate(events) {
				if err := sseWriter.WriteChunk(out); err != nil {
					h.logger.Error("failed to write SSE chunk", "error", err)
					return
				}
			}
		}
	}
}

func (h *ChatCompletionsHandler) sendFinalStreamChunks(sseWriter *openai.SSEWriter, converter *claude.Converter, state *openai.StreamState, model string, accountUUID string, startTime time.Time) {
	finalUsage := converter.GetFinalUsage()
	h.logger.Info("request completed",
		"model", model,
		"account_uuid", accountUUID,
		"input_tokens", finalUsage.InputTokens,
		"output_tokens", finalUsage.OutputTokens,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	var events []*claude.SSEEvent
	if converter.HasOpenContentBlock() {
		events = append(events, &claude.SSEEvent{Type: "content_block_stop", Data: claude.ContentBlockStopEvent{
			Type: "content_block_stop", Index: converter.GetCurrentContentIndex(),
		}})
		converter.MarkContentBlockClosed()
	}

	if !converter.WasMessageDeltaEmitted() {
		stopReason := converter.GetStopReason()
		events = append(events, &claude.SSEEvent{Type: "message_delta", Data: claude.FullMessageDeltaEvent{
			Type:  "message_delta",
			Delta: claude.MessageDeltaData{StopReason: stopReason},
			Usage: claude.SSEUsage(finalUsage),
		}})
	}

	events = append(events, &claude.SSEEvent{Type: "message_stop", Data: claude.MessageStopEvent{Type: "message_stop"}})

	for _, c := range state.Translate(events) {
		_ = sseWriter.WriteChunk(c)
	}
	_ = sseWriter.WriteDone()
}

func (h *ChatCompletionsHandler) handleNonStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, debugSession *debug.Session) {
	startTime := time.Now()
	estimatedInputTokens := claude.EstimateInputTokens(req)

	excluded := make(map[string]bool)
	var lastErr error
	var lastAccountUUID string
	var triedAccounts []string

	for attempt := 0; attempt < h.maxRetries; attempt++ {
		acc, err := h.selector.SelectWithRetry(ctx, h.maxRetries-attempt, excluded)
		if err != nil {
			if errors.Is(err, account.ErrNoHealthyAccounts) {
				if debugSession != nil {
					debugSession.SetError(err)
					debugSession.Fail(err)
				}
				openai.WriteError(w, claude.ErrNoHealthyAccounts)
				return
			}
			lastErr = err
			continue
		}

		lastAccountUUID = acc.UUID
		triedAccounts = append(triedAccounts, acc.UUID)
		if debugSession != nil {
			debugSession.AddTriedAccount(acc.UUID)
			debugSession.SetAccountUUID(acc.UUID)
		}

		token, err := h.tokenManager.GetToken(ctx, acc.UUID)
		if err != nil {
			h.logger.Warn("failed to get token", "uuid", acc.UUID, "error", err)
			excluded[acc.UUID] = true
			lastErr = err
			continue
		}
		if h.tokenManager.IsExpired(token) {
			newToken, refreshErr := refreshAccountTokenDeduped(ctx, h.tokenRefresher, h.kiroClient, h.tokenManager, h.logger, acc, token)
			if refreshErr != nil {
				excluded[acc.UUID] = true
				lastErr = refreshErr
				continue
			}
			token = newToken
		}

		messagesJSON, _ := json.Marshal(req.Messages)
		toolsJSON, _ := json.Marshal(req.Tools)
		reqBody, metadata, err := kiro.BuildRequestBody(req.Model, messagesJSON, req.MaxTokens, true, req.GetSystemString(), acc.ProfileARN, toolsJSON)
		if err != nil {
			if debugSession != nil {
				debugSession.SetError(err)
				debugSession.Fail(err)
			}
			openai.WriteError(w, claude.NewAPIError("Failed to build request"))
			return
		}
		if repaired, changed := kiro.InjectToolsFromHistory(reqBody); changed {
			reqBody = repaired
		}
		if debugSession != nil {
			debugSession.DumpKiroRequest(reqBody)
		}

		region := token.IDCRegion
		if region == "" {
			region = "us-east-1"
		}

		kiroReq := &kiro.Request{
			Region:      region,
			ProfileARN:  acc.ProfileARN,
			AccountUUID: acc.UUID,
			ClientID:    token.ClientID,
			Token:       token.AccessToken,
			Body:        reqBody,
			Metadata:    metadata,
		}

		body, err := h.sendToKiro(ctx, kiroReq, acc, token)
		if err != nil {
			var apiErr *kiro.APIError
			if errors.As(err, &apiErr) {
				if debugSession != nil {
					debugSession.SetStatusCode(apiErr.StatusCode)
					debugSession.DumpKiroResponse(apiErr.Body)
				}
				if apiErr.IsPaymentRequired() {
					nextMonth := getNextMonthFirstDay(h.resetLocation)
					_ = h.poolManager.MarkUnhealthyWithRecovery(ctx, acc.UUID, nextMonth)
					excluded[acc.UUID] = true
					lastErr = err
					continue
				}
				if apiErr.IsRateLimited() || apiErr.IsForbidden() {
					// sendToKiro already forced a refresh and retried once on
					// this same account; a 403/429 reaching here means that
					// failed too, so fall back to cooldown and failover.
					_ = h.poolManager.MarkUnhealthy(ctx, acc.UUID)
					excluded[acc.UUID] = true
					lastErr = err
					continue
				}
				if apiErr.IsContextTooLong() {
					if debugSession != nil {
						debugSession.SetError(err)
						debugSession.Fail(err)
					}
					openai.WriteError(w, claude.NewOverloadedError(
						"Input context is too long. Please reduce your conversation history to continue."))
					return
				}
				if apiErr.IsBadRequest() {
					if debugSession != nil {
						debugSession.SetError(err)
						debugSession.Fail(err)
					}
					openai.WriteError(w, claude.NewAPIErrorWithStatus(string(apiErr.Body), http.StatusBadRequest))
					return
				}
				// Any other upstream status (401, 5xx, ...): cool down and
				// fail over to the next account.
				_ = h.poolManager.MarkUnhealthy(ctx, acc.UUID)
				excluded[acc.UUID] = true
				lastErr = err
				continue
			}
			if debugSession != nil {
				debugSession.SetError(err)
				debugSession.Fail(err)
			}
			openai.WriteError(w, claude.NewAPIErrorWithStatus("Upstream error", http.StatusBadGateway))
			return
		}

		_ = h.poolManager.IncrementUsage(ctx, acc.UUID)

		parser := kiro.GetEventStreamParser()
		aggregator := claude.NewAggregatorWithEstimate(req.Model, estimatedInputTokens)
		buf := make([]byte, 4096)
	readLoop:
		for {
			n, rerr := body.Read(buf)
			if n > 0 {
				msgs, perr := parser.Parse(buf[:n])
				if perr == nil {
					for _, msg := range msgs {
						if debugSession != nil {
							debugSession.AppendKiroChunk(msg.Payload)
						}
						var chunk kiro.KiroChunk
						if err := json.Unmarshal(msg.Payload, &chunk); err == nil {
							_ = aggregator.Add(&chunk)
						}
					}
				}
			}
			if rerr != nil {
				break readLoop
			}
		}
		kiro.ReleaseEventStreamParser(parser)
		if err := body.Close(); err != nil {
			h.logger.Warn("failed to close response body", "error", err)
		}

		msgResp := aggregator.Build()
		h.logger.Info("request completed",
			"model", req.Model,
			"account_uuid", acc.UUID,
			"input_tokens", msgResp.Usage.InputTokens,
			"output_tokens", msgResp.Usage.OutputTokens,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)

		resp := openai.FromMessageResponse(msgResp, req.Model)
		resp.Created = time.Now().Unix()
		resp.Warning = claude.ContextLengthWarning(estimatedInputTokens)

		if debugSession != nil {
			debugSession.Success()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			h.logger.Error("failed to write response", "error", err)
		}
		return
	}

	h.logger.Error("all retries failed", "error", lastErr, "tried_accounts", triedAccounts)
	if debugSession != nil {
		debugSession.SetError(lastErr)
		debugSession.Fail(lastErr)
	}

	var apiErr *kiro.APIError
	if errors.As(lastErr, &apiErr) {
		if apiErr.IsOverloaded() {
			openai.WriteError(w, claude.NewOverloadedError(fmt.Sprintf("Service overloaded (account: %s): %s", lastAccountUUID, string(apiErr.Body))))
			return
		}
		openai.WriteError(w, claude.NewAPIErrorWithStatus(
			fmt.Sprintf("Upstream error (account: %s, status %d): %s", lastAccountUUID, apiErr.StatusCode, string(apiErr.Body)),
			apiErr.StatusCode,
		))
		return
	}
	openai.WriteError(w, claude.NewAPIError(fmt.Sprintf("All accounts failed (tried: %v): %v", triedAccounts, lastErr)))
}

// refreshAccountTokenDeduped wraps refreshAccountToken in refresher's
// singleflight group so concurrent requests against the same account that
// both observe an expired token trigger exactly one upstream refresh call.
// A caller whose refresh was deduplicated into someone else's in-flight call
// reads back the token the winning call saved, rather than refreshing again.
func refreshAccountTokenDeduped(ctx context.Context, refresher *account.TokenRefresher, kiroClient *kiro.Client, tokenManager *redis.TokenManager, logger *slog.Logger, acc *redis.Account, token *redis.Token) (*redis.Token, error) {
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}

	var refreshed *redis.Token
	err := refresher.RefreshSync(ctx, acc.UUID, func() error {
		r, rerr := refreshAccountToken(ctx, kiroClient, tokenManager, logger, acc, token)
		if rerr != nil {
			return rerr
		}
		refreshed = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if refreshed != nil {
		return refreshed, nil
	}
	return tokenManager.GetToken(ctx, acc.UUID)
}

// refreshAccountToken is the shared token-refresh helper used by both the
// Anthropic and OpenAI front-end handlers.
func refreshAccountToken(ctx context.Context, kiroClient *kiro.Client, tokenManager *redis.TokenManager, logger *slog.Logger, acc *redis.Account, token *redis.Token) (*redis.Token, error) {
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}
	region := token.IDCRegion
	if region == "" {
		region = acc.Region
	}
	if region == "" {
		region = "us-east-1"
	}

	refreshResp, err := kiroClient.RefreshToken(ctx, region, token.RefreshToken, token.AuthMethod, token.IDCRegion, token.ClientID, token.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	oauthTok := refreshResp.OAuth2Token()
	newToken := &redis.Token{
		AccessToken:   oauthTok.AccessToken,
		RefreshToken:  oauthTok.RefreshToken,
		ExpiresAt:     oauthTok.Expiry.UTC().Format(time.RFC3339),
		AuthMethod:    token.AuthMethod,
		TokenType:     token.TokenType,
		ClientID:      token.ClientID,
		ClientSecret:  token.ClientSecret,
		IDCRegion:     token.IDCRegion,
		LastRefreshed: time.Now().UTC().Format(time.RFC3339),
	}
	if profileARN, ok := oauthTok.Extra("profileArn").(string); ok && profileARN != "" {
		acc.ProfileARN = profileARN
	}
	if err := tokenManager.SetToken(ctx, acc.UUID, newToken); err != nil {
		logger.Warn("failed to save refreshed token", "uuid", acc.UUID, "error", err)
	}
	return newToken, nil
}
