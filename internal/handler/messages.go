// Package handler provides HTTP handlers for the Kiro server.
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

	"github.com/kiroproxy/gateway/internal/account"
	"github.com/kiroproxy/gateway/internal/claude"
	"github.com/kiroproxy/gateway/internal/debug"
	"github.com/kiroproxy/gateway/internal/kiro"
	"github.com/kiroproxy/gateway/internal/redis"
	"github.com/google/uuid"
)

// MessagesHandler handles POST /v1/messages requests.
type MessagesHandler struct {
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

// MessagesHandlerOptions configures the messages handler.
type MessagesHandlerOptions struct {
	Selector           *account.Selector
	PoolManager        *redis.PoolManager
	TokenManager       *redis.TokenManager
	KiroClient         *kiro.Client
	Logger             *slog.Logger
	MaxRetries         int
	MaxKiroBodySize    int
	RefreshThreshold   time.Duration
	QuotaResetLocation *time.Location
}

// NewMessagesHandler creates a new messages handler.
func NewMessagesHandler(opts MessagesHandlerOptions) *MessagesHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	debugDumper := debug.NewDumper()
	if debugDumper.Enabled() {
		logger.Info("debug dumper enabled", "dir", "/tmp/kiro-debug")
	}

	maxKiroBodySize := int64(opts.MaxKiroBodySize)
	if maxKiroBodySize <= 0 {
		maxKiroBodySize = claude.MaxKiroRequestBodyDefault
	}

	resetLocation := opts.QuotaResetLocation
	if resetLocation == nil {
		resetLocation = time.Local
	}

	return &MessagesHandler{
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
		debugDumper:     debugDumper,
		resetLocation:   resetLocation,
	}
}

// ServeHTTP handles the messages request.
func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Generate session ID for debugging (use request ID if available)
	sessionID := r.Header.Get("x-request-id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	// Create debug session (nil if disabled)
	debugSession := h.debugDumper.NewSession(sessionID)
	defer func() {
		if debugSession != nil {
			debugSession.Close()
		}
	}()

	// Parse request body, capped to protect against runaway payloads
	r.Body = http.MaxBytesReader(w, r.Body, h.maxKiroBodySize)
	var req claude.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, claude.NewInvalidRequestError("Invalid JSON: "+err.Error()))
		return
	}

	// Dump request for debugging
	if debugSession != nil {
		debugSession.SetModel(req.Model)
		debugSession.DumpRequestJSON(&req)
	}

	// Log received model for debugging
	h.logger.Debug("received request", "model", req.Model, "session_id", sessionID)

	// Validate request
	if err := h.validateRequest(&req); err != nil {
		h.writeError(w, err)
		return
	}

	// Handle streaming vs non-streaming
	if req.Stream {
		h.handleStreaming(ctx, w, &req, debugSession)
	} else {
		h.handleNonStreaming(ctx, w, &req, debugSession)
	}
}

// validateRequest validates the message request.
func (h *MessagesHandler) validateRequest(req *claude.MessageRequest) *claude.APIError {
	// Required fields
	if req.Model == "" {
		return claude.NewInvalidRequestError("model: field is required")
	}
	if len(req.Messages) == 0 {
		return claude.NewInvalidRequestError("messages: field is required and must contain at least one message")
	}
	if req.MaxTokens <= 0 {
		return claude.NewInvalidRequestError("max_tokens: must be a positive integer greater than 0")
	}

	// Validate max_tokens range
	if req.MaxTokens > 200000 {
		return claude.NewInvalidRequestError("max_tokens: exceeds maximum allowed value of 200000")
	}

	// Validate messages
	for i, msg := range req.Messages {
		if msg.Role == "" {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].role: field is required", i))
		}
		if msg.Role != "user" && msg.Role != "assistant" {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].role: must be 'user' or 'assistant', got '%s'", i, msg.Role))
		}
		if msg.Content == nil {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].content: field is required", i))
		}
	}

	// Validate conversation starts with user
	if len(req.Messages) > 0 && req.Messages[0].Role != "user" {
		return claude.NewInvalidRequestError("messages: first message must have role 'user'")
	}

	// Validate temperature range if provided
	if req.Temperature != nil {
		if *req.Temperature < 0.0 || *req.Temperature > 1.0 {
			return claude.NewInvalidRequestError("temperature: must be between 0.0 and 1.0")
		}
	}

	// Validate top_p range if provided
	if req.TopP != nil {
		if *req.TopP < 0.0 || *req.TopP > 1.0 {
			return claude.NewInvalidRequestError("top_p: must be between 0.0 and 1.0")
		}
	}

	// Validate top_k if provided
	if req.TopK != nil && *req.TopK < 0 {
		return claude.NewInvalidRequestError("top_k: must be a non-negative integer")
	}

	return nil
}

// handleStreaming handles streaming requests.
func (h *MessagesHandler) handleStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, debugSession *debug.Session) {
	startTime := time.Now()

	// Estimate input tokens before making the request
	estimatedInputTokens := claude.EstimateInputTokens(req)

	// Setup SSE writer
	sseWriter := claude.NewSSEWriter(w)
	sseWriter.WriteHeaders()

	if warning := claude.ContextLengthWarning(estimatedInputTokens); warning != "" {
		_ = sseWriter.WriteWarning(warning)
	}

	// Try to get a working account with retries
	excluded := make(map[string]bool)
	var lastErr error
	var lastAccountUUID string    // Track the last account UUID for error reporting
	var triedAccounts []string    // Track all tried accounts for debugging

	for attempt := 0; attempt < h.maxRetries; attempt++ {
		// Select account
		acc, err := h.selector.SelectWithRetry(ctx, h.maxRetries-attempt, excluded)
		if err != nil {
			if errors.Is(err, account.ErrNoHealthyAccounts) {
				if debugSession != nil {
					debugSession.SetError(err)
					debugSession.Fail(err)
				}
				_ = sseWriter.WriteError(claude.ErrNoHealthyAccounts)
				return
			}
			lastErr = err
			continue
		}

		// Track this account for error reporting
		lastAccountUUID = acc.UUID
		triedAccounts = append(triedAccounts, acc.UUID)
		if debugSession != nil {
			debugSession.AddTriedAccount(acc.UUID)
			debugSession.SetAccountUUID(acc.UUID)
		}

		// Get token
		token, err := h.tokenManager.GetToken(ctx, acc.UUID)
		if err != nil {
			h.logger.Warn("failed to get token", "uuid", acc.UUID, "error", err)
			excluded[acc.UUID] = true
			lastErr = err
			continue
		}

		// Check if token is expired and try to refresh
		if h.tokenManager.IsExpired(token) {
			h.logger.Warn("token expired, attempting refresh", "uuid", acc.UUID)
			newToken, refreshErr := h.refreshToken(ctx, acc, token)
			if refreshErr != nil {
				h.logger.Error("token refresh failed", "uuid", acc.UUID, "error", refreshErr)
				excluded[acc.UUID] = true
				lastErr = refreshErr
				continue
			}
			token = newToken
		}

		// Build request body - include profileARN for social auth method and tools
		messagesJSON, _ := json.Marshal(req.Messages)
		toolsJSON, _ := json.Marshal(req.Tools)
		reqBody, metadata, err := kiro.BuildRequestBody(req.Model, messagesJSON, req.MaxTokens, true, req.GetSystemString(), acc.ProfileARN, toolsJSON)
		if err != nil {
			if debugSession != nil {
				debugSession.SetError(err)
				debugSession.Fail(err)
			}
			h.writeError(w, claude.NewAPIError("Failed to build request"))
			return
		}
		if repaired, changed := kiro.InjectToolsFromHistory(reqBody); changed {
			reqBody = repaired
		}

		// Dump Kiro request for debugging
		if debugSession != nil {
			debugSession.DumpKiroRequest(reqBody)
		}

		// Get region from token (idcRegion), default to us-east-1
		region := token.IDCRegion
		if region == "" {
			region = "us-east-1"
		}

		// Send to Kiro
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
				// Dump error response for debugging
				if debugSession != nil {
					debugSession.SetStatusCode(apiErr.StatusCode)
					debugSession.DumpKiroResponse(apiErr.Body)
				}

				// Always dump errors to file for troubleshooting (even if debug mode is off)
				if debugSession == nil && h.debugDumper.ErrorDumpEnabled() {
					errorSessionID := fmt.Sprintf("error-%d-%s", time.Now().UnixMilli(), acc.UUID[:8])
					errorSession := h.debugDumper.NewSession(errorSessionID)
					if errorSession != nil {
						errorSession.SetModel(req.Model)
						errorSession.SetAccountUUID(acc.UUID)
						errorSession.SetStatusCode(apiErr.StatusCode)
						errorSession.SetErrorType(getErrorType(apiErr))
						errorSession.DumpRequestJSON(req)
						errorSession.DumpKiroRequest(reqBody)
						errorSession.DumpKiroResponse(apiErr.Body)
						errorSession.Fail(err)
					}
				}

				if apiErr.IsPaymentRequired() {
					// 402 Payment Required - quota exhausted, set recovery time to next month
					nextMonth := getNextMonthFirstDay(h.resetLocation)
					_ = h.poolManager.MarkUnhealthyWithRecovery(ctx, acc.UUID, nextMonth)
					excluded[acc.UUID] = true
					lastErr = err
					h.logger.Warn("Account quota exhausted, recovery scheduled",
						"uuid", acc.UUID,
						"profile_arn", acc.ProfileARN,
						"recovery_time", nextMonth.Format(time.RFC3339))
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
				// Check for context too long error BEFORE generic IsBadRequest
				// Return 503 to trigger client-side compaction
				if apiErr.IsContextTooLong() {
					h.logger.Warn("Context too long, returning 503 to trigger compaction",
						"uuid", acc.UUID,
						"profile_arn", acc.ProfileARN,
						"model", req.Model)
					if debugSession != nil {
						debugSession.SetError(err)
						debugSession.Fail(err)
					}
					_ = sseWriter.WriteError(claude.NewOverloadedError(
						"Input context is too long. Please compact or reduce your conversation history to continue. " +
							"Consider using /compact command or starting a new conversation."))
					return
				}
				if apiErr.IsBadRequest() {
					// 400 Bad Request is a request-shape problem, not an
					// account problem: no cooldown, no failover, abort
					// immediately with the 400 passed through.
					h.logger.Warn("Bad request, aborting without retry",
						"uuid", acc.UUID,
						"profile_arn", acc.ProfileARN,
						"model", req.Model,
						"region", acc.Region)
					if debugSession != nil {
						debugSession.SetError(err)
						debugSession.Fail(err)
					}
					_ = sseWriter.WriteError(claude.NewAPIErrorWithStatus(string(apiErr.Body), http.StatusBadRequest))
					return
				}
				// Any other upstream status (401, 5xx, ...): cool down and
				// fail over to the next account.
				_ = h.poolManager.MarkUnhealthy(ctx, acc.UUID)
				excluded[acc.UUID] = true
				lastErr = err
				continue
			}
			h.logger.Error("Kiro API error", "error", err, "uuid", acc.UUID, "profile_arn", acc.ProfileARN)
			if debugSession != nil {
				debugSession.SetError(err)
				debugSession.Fail(err)
			}
			_ = sseWriter.WriteError(claude.NewAPIErrorWithStatus("Upstream error", http.StatusBadGateway))
			return
		}

		// Increment usage
		_ = h.poolManager.IncrementUsage(ctx, acc.UUID)

		// Stream the response with estimated tokens
		h.streamResponse(ctx, body, sseWriter, req.Model, estimatedInputTokens, acc.UUID, startTime, debugSession)
		if err := body.Close(); err != nil {
			h.logger.Warn("failed to close response body", "error", err)
		}

		// Mark debug session as success
		if debugSession != nil {
			debugSession.Success()
		}
		return
	}

	// All retries failed - pass through the original error for debugging
	h.logger.Error("all retries failed", "error", lastErr, "tried_accounts", triedAccounts)

	// Mark debug session as failed
	if debugSession != nil {
		debugSession.SetError(lastErr)
		debugSession.Fail(lastErr)
	}

	// Return appropriate error based on the last error type, preserving original message
	var apiErr *kiro.APIError
	if errors.As(lastErr, &apiErr) {
		if apiErr.IsOverloaded() {
			_ = sseWriter.WriteError(claude.NewOverloadedError(fmt.Sprintf("Service overloaded (account: %s): %s", lastAccountUUID, string(apiErr.Body))))
			return
		}
		// Pass through the original error message from Kiro API with account info
		_ = sseWriter.WriteError(claude.NewAPIErrorWithStatus(
			fmt.Sprintf("Upstream error (account: %s, status %d): %s", lastAccountUUID, apiErr.StatusCode, string(apiErr.Body)),
			apiErr.StatusCode,
		))
		return
	}
	_ = sseWriter.WriteError(claude.NewAPIError(fmt.Sprintf("All accounts failed (tried: %v): %v", triedAccounts, lastErr)))
}

// streamResponse reads from Kiro and writes SSE events.
func (h *MessagesHandler) streamResponse(ctx context.Context, body io.Reader, sseWriter *claude.SSEWriter, model string, estimatedInputTokens int, accountUUID string, startTime time.Time, debugSession *debug.Session) {
	// Use pooled parser to reduce GC pressure under high concurrency
	parser := kiro.GetEventStreamParser()
	defer kiro.ReleaseEventStreamParser(parser)

	converter := claude.NewConverterWithEstimate(model, estimatedInputTokens)

	buf := make([]byte, 4096)

	// Read and process chunks
	for {
		select {
		case <-ctx.Done():
			// Send final events on context cancellation
			h.sendFinalStreamEvents(sseWriter, converter, model, accountUUID, startTime)
			return
		default:
		}

		n, err := body.Read(buf)
		if err != nil {
			if err == io.EOF {
				// End of stream - send final events
				h.sendFinalStreamEvents(sseWriter, converter, model, accountUUID, startTime)
			} else {
				h.logger.Error("error reading response", "error", err)
			}
			return
		}

		if n == 0 {
			continue
		}

		// Parse AWS event stream messages
		messages, parseErr := parser.Parse(buf[:n])
		if parseErr != nil {
			h.logger.Error("error parsing event stream", "error", parseErr)
			continue
		}

		for _, msg := range messages {
			// Dump chunk for debugging
			if debugSession != nil {
				debugSession.AppendKiroChunk(msg.Payload)
			}

			// Parse Kiro chunk
			var chunk kiro.KiroChunk
			if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
				h.logger.Warn("failed to parse chunk", "error", err)
				continue
			}

			// Convert to Claude format (returns multiple events)
			events, err := converter.Convert(&chunk)
			if err != nil {
				h.logger.Warn("failed to convert chunk", "error", err)
				continue
			}

			// Write all events returned by the converter
			for _, event := range events {
				if event == nil {
					continue
				}

				// Dump Claude event for debugging
				if debugSession != nil {
					debugSession.AppendClaudeChunk(event.Type, event.Data)
				}

				if err := sseWriter.WriteEvent(event.Type, event.Data); err != nil {
					h.logger.Error("failed to write SSE event", "error", err)
					return
				}
			}
		}
	}
}

// sendFinalStreamEvents sends the final SSE events at the end of a stream.
// Uses the converter's state to avoid sending duplicate events.
func (h *MessagesHandler) sendFinalStreamEvents(sseWriter *claude.SSEWriter, converter *claude.Converter, model string, accountUUID string, startTime time.Time) {
	// Get final usage from converter
	finalUsage := converter.GetFinalUsage()

	// Log usage information for monitoring
	h.logger.Info("request completed",
		"model", model,
		"account_uuid", accountUUID,
		"input_tokens", finalUsage.InputTokens,
		"output_tokens", finalUsage.OutputTokens,
		"cache_creation_tokens", finalUsage.CacheCreationInputTokens,
		"cache_read_tokens", finalUsage.CacheReadInputTokens,
		"total_input_tokens", finalUsage.InputTokens+finalUsage.CacheCreationInputTokens+finalUsage.CacheReadInputTokens,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	// Send content_block_stop only if there's an unclosed content block
	// The converter tracks this state and handles closing text blocks before tool_use
	if converter.HasOpenContentBlock() {
		if err := sseWriter.WriteContentBlockStop(converter.GetCurrentContentIndex()); err != nil {
			h.logger.Error("failed to write content_block_stop", "error", err)
		}
		converter.MarkContentBlockClosed()
	}

	// Only send message_delta if the converter hasn't already sent one
	// This prevents duplicate message_delta events which can confuse clients
	if !converter.WasMessageDeltaEmitted() {
		// Get the appropriate stop_reason based on what was processed
		// If tool_use blocks were emitted, use "tool_use", otherwise "end_turn"
		stopReason := converter.GetStopReason()

		// Send message_delta with final usage (using typed struct for efficiency)
		// Note: SSEUsage has different json tags than Usage, so explicit copy is intentional
		messageDeltaEvent := claude.FullMessageDeltaEvent{
			Type: "message_delta",
			Delta: claude.MessageDeltaData{
				StopReason: stopReason,
			},
			Usage: claude.SSEUsage(finalUsage),
		}
		if err := sseWriter.WriteEvent("message_delta", messageDeltaEvent); err != nil {
			h.logger.Error("failed to write message_delta", "error", err)
		}
	}

	// Send message_stop
	if err := sseWriter.WriteMessageStop(); err != nil {
		h.logger.Error("failed to write message_stop", "error", err)
	}
}

// handleNonStreaming handles non-streaming requests.
func (h *MessagesHandler) handleNonStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, debugSession *debug.Session) {
	startTime := time.Now()

	// Estimate input tokens before making the request
	estimatedInputTokens := claude.EstimateInputTokens(req)

	// Try to get a working account with retries
	excluded := make(map[string]bool)
	var lastErr error
	var lastAccountUUID string    // Track the last account UUID for error reporting
	var triedAccounts []string    // Track all tried accounts for debugging

	for attempt := 0; attempt < h.maxRetries; attempt++ {
		// Select account
		acc, err := h.selector.SelectWithRetry(ctx, h.maxRetries-attempt, excluded)
		if err != nil {
			if errors.Is(err, account.ErrNoHealthyAccounts) {
				if debugSession != nil {
					debugSession.SetError(err)
					debugSession.Fail(err)
				}
				h.writeError(w, claude.ErrNoHealthyAccounts)
				return
			}
			lastErr = err
			continue
		}

		// Track this account for error reporting
		lastAccountUUID = acc.UUID
		triedAccounts = append(triedAccounts, acc.UUID)
		if debugSession != nil {
			debugSession.AddTriedAccount(acc.UUID)
			debugSession.SetAccountUUID(acc.UUID)
		}

		// Get token
		token, err := h.tokenManager.GetToken(ctx, acc.UUID)
		if err != nil {
			h.logger.Warn("failed to get token", "uuid", acc.UUID, "error", err)
			excluded[acc.UUID] = true
			lastErr = err
			continue
		}

		// Check if token is expired and try to refresh
		if h.tokenManager.IsExpired(token) {
			h.logger.Warn("token expired, attempting refresh", "uuid", acc.UUID)
			newToken, refreshErr := h.refreshToken(ctx, acc, token)
			if refreshErr != nil {
				h.logger.Error("token refresh failed", "uuid", acc.UUID, "error", refreshErr)
				excluded[acc.UUID] = true
				lastErr = refreshErr
				continue
			}
			token = newToken
		}

		// Build request body - use stream=true internally to receive chunks
		// Include profileARN for social auth method and tools
		messagesJSON, _ := json.Marshal(req.Messages)
		toolsJSON, _ := json.Marshal(req.Tools)
		reqBody, metadata, err := kiro.BuildRequestBody(req.Model, messagesJSON, req.MaxTokens, true, req.GetSystemString(), acc.ProfileARN, toolsJSON)
		if err != nil {
			if debugSession != nil {
				debugSession.SetError(err)
				debugSession.Fail(err)
			}
			h.writeError(w, claude.NewAPIError("Failed to build request"))
			return
		}
		if repaired, changed := kiro.InjectToolsFromHistory(reqBody); changed {
			reqBody = repaired
		}

		// Dump Kiro request for debugging
		if debugSession != nil {
			debugSession.DumpKiroRequest(reqBody)
		}

		// Get region from token (idcRegion), default to us-east-1
		region := token.IDCRegion
		if region == "" {
			region = "us-east-1"
		}

		// Send to Kiro
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
				// Dump error response for debugging
				if debugSession != nil {
					debugSession.SetStatusCode(apiErr.StatusCode)
					debugSession.DumpKiroResponse(apiErr.Body)
				}

				// Always dump errors to file for troubleshooting (even if debug mode is off)
				if debugSession == nil && h.debugDumper.ErrorDumpEnabled() {
					errorSessionID := fmt.Sprintf("error-%d-%s", time.Now().UnixMilli(), acc.UUID[:8])
					errorSession := h.debugDumper.NewSession(errorSessionID)
					if errorSession != nil {
						errorSession.SetModel(req.Model)
						errorSession.SetAccountUUID(acc.UUID)
						errorSession.SetStatusCode(apiErr.StatusCode)
						errorSession.SetErrorType(getErrorType(apiErr))
						errorSession.DumpRequestJSON(req)
						errorSession.DumpKiroRequest(reqBody)
						errorSession.DumpKiroResponse(apiErr.Body)
						errorSession.Fail(err)
					}
				}

				if apiErr.IsPaymentRequired() {
					// 402 Payment Required - quota exhausted, set recovery time to next month
					nextMonth := getNextMonthFirstDay(h.resetLocation)
					_ = h.poolManager.MarkUnhealthyWithRecovery(ctx, acc.UUID, nextMonth)
					excluded[acc.UUID] = true
					lastErr = err
					h.logger.Warn("Account quota exhausted, recovery scheduled",
						"uuid", acc.UUID,
						"profile_arn", acc.ProfileARN,
						"recovery_time", nextMonth.Format(time.RFC3339))
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
				// Check for context too long error BEFORE generic IsBadRequest
				// Return 503 to trigger client-side compaction
				if apiErr.IsContextTooLong() {
					h.logger.Warn("Context too long, returning 503 to trigger compaction",
						"uuid", acc.UUID,
						"profile_arn", acc.ProfileARN,
						"model", req.Model)
					if debugSession != nil {
						debugSession.SetError(err)
						debugSession.Fail(err)
					}
					h.writeError(w, claude.NewOverloadedError(
						"Input context is too long. Please compact or reduce your conversation history to continue. "+
							"Consider using /compact command or starting a new conversation."))
					return
				}
				if apiErr.IsBadRequest() {
					// 400 Bad Request is a request-shape problem, not an
					// account problem: no cooldown, no failover, abort
					// immediately with the 400 passed through.
					h.logger.Warn("Bad request, aborting without retry",
						"uuid", acc.UUID,
						"profile_arn", acc.ProfileARN,
						"model", req.Model,
						"region", acc.Region)
					if debugSession != nil {
						debugSession.SetError(err)
						debugSession.Fail(err)
					}
					h.writeError(w, claude.NewAPIErrorWithStatus(string(apiErr.Body), http.StatusBadRequest))
					return
				}
				// Any other upstream status (401, 5xx, ...): cool down and
				// fail over to the next account.
				_ = h.poolManager.MarkUnhealthy(ctx, acc.UUID)
				excluded[acc.UUID] = true
				lastErr = err
				continue
			}
			h.logger.Error("Kiro API error", "error", err, "uuid", acc.UUID, "profile_arn", acc.ProfileARN)
			if debugSession != nil {
				debugSession.SetError(err)
				debugSession.Fail(err)
			}
			h.writeError(w, claude.NewAPIErrorWithStatus("Upstream error", http.StatusBadGateway))
			return
		}

		// Increment usage
		_ = h.poolManager.IncrementUsage(ctx, acc.UUID)

		// Aggregate the response with estimated tokens
		response := h.aggregateResponse(ctx, body, req.Model, estimatedInputTokens, acc.UUID, startTime, debugSession)
		if err := body.Close(); err != nil {
			h.logger.Warn("failed to close response body", "error", err)
		}

		if response == nil {
			if debugSession != nil {
				debugSession.SetError(fmt.Errorf("failed to aggregate response"))
				debugSession.Fail(fmt.Errorf("failed to aggregate response"))
			}
			h.writeError(w, claude.NewAPIError("Failed to aggregate response"))
			return
		}

		// Mark debug session as success
		if debugSession != nil {
			debugSession.Success()
		}

		response.Warning = claude.ContextLengthWarning(estimatedInputTokens)

		// Write JSON response with proper Content-Type
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			h.logger.Error("failed to write response", "error", err)
		}
		return
	}

	// All retries failed
	h.logger.Error("all retries failed", "error", lastErr, "tried_accounts", triedAccounts)

	// Mark debug session as failed
	if debugSession != nil {
		debugSession.SetError(lastErr)
		debugSession.Fail(lastErr)
	}

	// Return appropriate error based on the last error type
	var apiErr *kiro.APIError
	if errors.As(lastErr, &apiErr) {
		if apiErr.IsOverloaded() {
			h.writeError(w, claude.NewOverloadedError(fmt.Sprintf("Service overloaded (account: %s): %s", lastAccountUUID, string(apiErr.Body))))
			return
		}
		// Pass through the original error message from Kiro API with account info
		h.writeError(w, claude.NewAPIErrorWithStatus(
			fmt.Sprintf("Upstream error (account: %s, status %d): %s", lastAccountUUID, apiErr.StatusCode, string(apiErr.Body)),
			apiErr.StatusCode,
		))
		return
	}
	h.writeError(w, claude.NewAPIError(fmt.Sprintf("All accounts failed (tried: %v): %v", triedAccounts, lastErr)))
}

// aggregateResponse reads all chunks and builds a complete response.
func (h *MessagesHandler) aggregateResponse(ctx context.Context, body io.Reader, model string, estimatedInputTokens int, accountUUID string, startTime time.Time, debugSession *debug.Session) *claude.MessageResponse {
	// Use pooled parser to reduce GC pressure under high concurrency
	parser := kiro.GetEventStreamParser()
	defer kiro.ReleaseEventStreamParser(parser)

	aggregator := claude.NewAggregatorWithEstimate(model, estimatedInputTokens)

	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			resp := aggregator.Build()
			h.logUsage(model, accountUUID, &resp.Usage, startTime)
			return resp
		default:
		}

		n, err := body.Read(buf)
		if err != nil {
			if err == io.EOF {
				// End of stream, return aggregated response
				resp := aggregator.Build()
				h.logUsage(model, accountUUID, &resp.Usage, startTime)
				return resp
			}
			h.logger.Error("error reading response", "error", err)
			resp := aggregator.Build()
			h.logUsage(model, accountUUID, &resp.Usage, startTime)
			return resp
		}

		if n == 0 {
			continue
		}

		// Parse AWS event stream messages
		messages, err := parser.Parse(buf[:n])
		if err != nil {
			h.logger.Error("error parsing event stream", "error", err)
			continue
		}

		for _, msg := range messages {
			// Dump chunk for debugging
			if debugSession != nil {
				debugSession.AppendKiroChunk(msg.Payload)
			}

			// Parse Kiro chunk
			var chunk kiro.KiroChunk
			if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
				h.logger.Warn("failed to parse chunk", "error", err)
				continue
			}

			// Add to aggregator
			if err := aggregator.Add(&chunk); err != nil {
				h.logger.Warn("failed to aggregate chunk", "error", err)
			}
		}
	}
}

// sendToKiro sends the built request to Kiro. On a 403 Forbidden response it
// forces exactly one credential refresh and retries the same account once
// before giving up, per the adapter-level forbidden-response policy; the
// dispatcher's own cooldown/failover table only sees a 403 that survives
// this retry.
func (h *MessagesHandler) sendToKiro(ctx context.Context, kiroReq *kiro.Request, acc *redis.Account, token *redis.Token) (io.ReadCloser, error) {
	body, err := h.kiroClient.SendStreamingRequest(ctx, kiroReq)
	if err == nil {
		return body, nil
	}

	var apiErr *kiro.APIError
	if !errors.As(err, &apiErr) || !apiErr.IsForbidden() {
		return nil, err
	}

	h.logger.Warn("403 forbidden, forcing credential refresh and retrying once", "uuid", acc.UUID)
	newToken, refreshErr := h.refreshToken(ctx, acc, token)
	if refreshErr != nil {
		h.logger.Warn("forced refresh after 403 failed", "uuid", acc.UUID, "error", refreshErr)
		return nil, err
	}

	kiroReq.Token = newToken.AccessToken
	kiroReq.ClientID = newToken.ClientID
	return h.kiroClient.SendStreamingRequest(ctx, kiroReq)
}

// writeError writes an error response.
func (h *MessagesHandler) writeError(w http.ResponseWriter, err *claude.APIError) {
	err.WriteError(w)
}

// refreshToken attempts to refresh an expired token, deduplicating concurrent
// refresh attempts for the same account through h.tokenRefresher's
// singleflight group instead of hitting the Kiro refresh endpoint once per
// waiting request.
func (h *MessagesHandler) refreshToken(ctx context.Context, acc *redis.Account, token *redis.Token) (*redis.Token, error) {
	return refreshAccountTokenDeduped(ctx, h.tokenRefresher, h.kiroClient, h.tokenManager, h.logger, acc, token)
}

// getNextMonthFirstDay returns the first day of next month at 00:00:00 in
// loc. Used for scheduling recovery time for quota exhaustion (402 errors).
// Which zone's month boundary Kiro uses for quota resets is not known, so
// the caller's configured QuotaResetLocation (GO_KIRO_QUOTA_RESET_TZ,
// default local) decides loc.
func getNextMonthFirstDay(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	now := time.Now().In(loc)
	year, month, _ := now.Date()
	// Add one month
	nextMonth := month + 1
	nextYear := year
	if nextMonth > 12 {
		nextMonth = 1
		nextYear++
	}
	return time.Date(nextYear, nextMonth, 1, 0, 0, 0, 0, loc)
}

// getErrorType returns a human-readable error type string for the API error.
func getErrorType(apiErr *kiro.APIError) string {
	if apiErr == nil {
		return "unknown"
	}
	switch {
	case apiErr.IsBadRequest():
		return "bad_request"
	case apiErr.IsRateLimited():
		return "rate_limit"
	case apiErr.IsOverloaded():
		return "overloaded"
	case apiErr.IsForbidden():
		return "forbidden"
	case apiErr.IsPaymentRequired():
		return "payment_required"
	default:
		return fmt.Sprintf("http_%d", apiErr.StatusCode)
	}
}

// logUsage logs the token usage information for a completed request.
func (h *MessagesHandler) logUsage(model string, accountUUID string, usage *claude.Usage, startTime time.Time) {
	if usage == nil {
		return
	}
	h.logger.Info("request completed",
		"model", model,
		"account_uuid", accountUUID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"cache_creation_tokens", usage.CacheCreationInputTokens,
		"cache_read_tokens", usage.CacheReadInputTokens,
		"total_input_tokens", usage.InputTokens+usage.CacheCreationInputTokens+usage.CacheReadInputTokens,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}
