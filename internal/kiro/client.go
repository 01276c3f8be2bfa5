// Package kiro provides the HTTP client and request translator for the Kiro
// (AWS CodeWhisperer) backend.
package kiro

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	kiroVersion          = "0.1.42"
	defaultMachineIDSeed = "kiro-gateway-default-machine"

	bashCanonicalDescription = "Executes a given bash command in a persistent shell session."
)

// Client is an HTTP client for the Kiro API.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	maxRetries int
	retryBase  time.Duration
}

// ClientOptions configures the Kiro HTTP client.
type ClientOptions struct {
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Timeout             time.Duration
	Logger              *slog.Logger
}

// NewClient creates a new Kiro API client with connection pooling.
func NewClient(opts ClientOptions) *Client {
	transport := &http.Transport{
		MaxIdleConns:        opts.MaxConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:     opts.MaxConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
		DisableKeepAlives:   false,
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout, // 0 for streaming
		},
		logger:     logger,
		maxRetries: 3,
		retryBase:  time.Second,
	}
}

// RequestMetadata carries translator-computed information that the adapter
// and debug surfaces need but that does not belong in the wire body itself:
// the original and mapped model names, the conversation id, and which
// endpoint the request should hit.
type RequestMetadata map[string]interface{}

func (m RequestMetadata) endpoint() string {
	if v, ok := m["endpoint"].(string); ok && v != "" {
		return v
	}
	return "generateAssistantResponse"
}

// Request represents a request to the Kiro API.
type Request struct {
	Region      string
	ProfileARN  string
	AccountUUID string
	ClientID    string
	Token       string
	Body        []byte
	Metadata    RequestMetadata
}

// SendStreamingRequest sends a streaming request to the Kiro API and returns
// a reader for the response body that must be closed by the caller.
//
// 429 and 5xx responses are retried internally with exponential backoff
// (base 1s, up to maxRetries attempts); any other error, including 403,
// surfaces immediately so the dispatcher can apply its own disposition
// (403 triggers a forced credential refresh and a single retry one level up).
func (c *Client) SendStreamingRequest(ctx context.Context, req *Request) (io.ReadCloser, error) {
	url := buildKiroURL(req.Region, req.Metadata.endpoint())
	machineID := deriveMachineID(req.AccountUUID, req.ProfileARN, req.ClientID)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.retryBase
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, err := c.doRequest(ctx, url, req, machineID)
		if err == nil {
			return body, nil
		}

		apiErr, ok := err.(*APIError)
		if !ok {
			return nil, err
		}
		lastErr = err

		if apiErr.IsRateLimited() || apiErr.StatusCode >= 500 {
			c.logger.Warn("retrying Kiro request", "status", apiErr.StatusCode, "attempt", attempt+1)
			continue
		}

		return nil, err
	}

	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, url string, req *Request, machineID string) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	if req.ProfileARN != "" {
		httpReq.Header.Set("x-amz-profile-arn", req.ProfileARN)
	}
	httpReq.Header.Set("user-agent", buildUserAgent(machineID))
	httpReq.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", kiroVersion, machineID))

	c.logger.Debug("sending request to Kiro API",
		"url", url,
		"profile_arn", req.ProfileARN,
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)

		c.logger.Warn("Kiro API error",
			"status", resp.StatusCode,
			"body", string(body),
		)

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return resp.Body, nil
}

// APIError represents an error from the Kiro API.
type APIError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("Kiro API error: status %d, body: %s", e.StatusCode, string(e.Body))
}

// IsRateLimited returns true if this is a rate limit error (429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsForbidden returns true if this is an authorization error (403).
func (e *APIError) IsForbidden() bool {
	return e.StatusCode == http.StatusForbidden
}

// IsPaymentRequired returns true if the account has exhausted its quota (402).
func (e *APIError) IsPaymentRequired() bool {
	return e.StatusCode == http.StatusPaymentRequired
}

// IsBadRequest returns true if the request shape was rejected (400).
func (e *APIError) IsBadRequest() bool {
	return e.StatusCode == http.StatusBadRequest
}

// IsOverloaded returns true if upstream reported an overload/unavailability.
func (e *APIError) IsOverloaded() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusBadGateway
}

// IsContextTooLong reports whether the 400 body indicates the request
// exceeded Kiro's context window rather than some other shape problem.
func (e *APIError) IsContextTooLong() bool {
	if e.StatusCode != http.StatusBadRequest {
		return false
	}
	body := strings.ToLower(string(e.Body))
	return strings.Contains(body, "too long") ||
		strings.Contains(body, "context length") ||
		strings.Contains(body, "input is too long")
}

// buildKiroURL builds the Kiro API URL for the given region and endpoint.
func buildKiroURL(region, endpoint string) string {
	if region == "" {
		region = "us-east-1"
	}
	if endpoint == "" {
		endpoint = "generateAssistantResponse"
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/%s", region, endpoint)
}

// buildUsageLimitsURL builds the usage-limits query URL for the given region.
func buildUsageLimitsURL(region, profileARN string) string {
	if region == "" {
		region = "us-east-1"
	}
	url := fmt.Sprintf("https://q.%s.amazonaws.com/getUsageLimits?isEmailRequired=true&origin=AI_EDITOR&resourceType=AGENTIC_REQUEST", region)
	if profileARN != "" {
		url += "&profileArn=" + profileARN
	}
	return url
}

// UsageLimits is the parsed response of Kiro's getUsageLimits endpoint.
type UsageLimits struct {
	Limit   int64  `json:"limit"`
	Current int64  `json:"current"`
	Email   string `json:"email,omitempty"`
}

// GetUsageLimits queries Kiro's usage-limits endpoint for the given account's
// current quota consumption, used by the admin usage-refresh endpoint.
func (c *Client) GetUsageLimits(ctx context.Context, region, profileARN, token string) (*UsageLimits, error) {
	url := buildUsageLimitsURL(region, profileARN)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage limits request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("usage limits request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage limits response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	// Kiro nests the usage figures under a resource-type-keyed object;
	// AGENTIC_REQUEST is the bucket this gateway's traffic is billed against.
	var parsed struct {
		UsageLimits []struct {
			ResourceType string `json:"resourceType"`
			Limit        int64  `json:"currentLimit"`
			Usage        int64  `json:"currentUsage"`
		} `json:"usageLimits"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse usage limits response: %w", err)
	}

	limits := &UsageLimits{Email: parsed.Email}
	for _, entry := range parsed.UsageLimits {
		if entry.ResourceType == "AGENTIC_REQUEST" || limits.Limit == 0 {
			limits.Limit = entry.Limit
			limits.Current = entry.Usage
		}
	}
	return limits, nil
}

func endpointForModel(model string) string {
	if strings.HasPrefix(strings.ToLower(model), "amazonq") {
		return "SendMessageStreaming"
	}
	return "generateAssistantResponse"
}

// osName maps the Go runtime OS identifier to the value Kiro Desktop puts in
// its own user-agent string.
func osName() string {
	switch runtime.GOOS {
	case "windows":
		return "win32"
	case "darwin":
		return "darwin"
	default:
		return "linux"
	}
}

// buildUserAgent constructs the bit-exact Kiro Desktop user-agent string.
// Upstream matches on this string's shape, not on the actual host values, so
// the os/node version components are fixed rather than introspected.
func buildUserAgent(machineID string) string {
	return fmt.Sprintf(
		"aws-sdk-js/1.0.0 ua/2.1 os/%s#0.0.0 lang/js md/nodejs#20.11.0 api/codewhispererruntime#1.0.0 m/E KiroIDE-%s-%s",
		osName(), kiroVersion, machineID,
	)
}

// deriveMachineID returns the hex SHA-256 of the first non-empty candidate,
// falling back to a fixed seed. Candidates are tried in priority order:
// account UUID, profile ARN, client ID.
func deriveMachineID(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			sum := sha256.Sum256([]byte(c))
			return hex.EncodeToString(sum[:])
		}
	}
	sum := sha256.Sum256([]byte(defaultMachineIDSeed))
	return hex.EncodeToString(sum[:])
}

// Close closes the client and releases resources.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// --- Request translation: Claude messages -> Kiro conversationState ---

// modelMapping maps external Claude model names to internal Kiro model IDs.
// Sonnet uses Kiro's internal uppercase identifiers; Haiku and Opus are
// addressed by their plain lowercase-dot names.
var modelMapping = map[string]string{
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4":            "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-haiku-4.5":           "claude-haiku-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4.5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
}

func mapModelToKiro(model string) string {
	if kiroModel, ok := modelMapping[model]; ok {
		return kiroModel
	}
	return "claude-sonnet-4.5"
}

// SupportedModels returns the external model names the gateway accepts,
// in a stable order, for use by the /v1/models listing.
func SupportedModels() []string {
	return []string{
		"claude-sonnet-4-5",
		"claude-sonnet-4-5-20250929",
		"claude-sonnet-4",
		"claude-sonnet-4-20250514",
		"claude-3-7-sonnet-20250219",
		"claude-haiku-4-5",
		"claude-haiku-4-5-20251001",
		"claude-opus-4-5",
		"claude-opus-4-5-20251101",
	}
}

// block is a normalized Claude content block, accepted from either a plain
// string message body or a full content-block array.
type block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Source    *imageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// inputMessage is an unmarshaled public message prior to translation.
type inputMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// normalizedMessage is a message after adjacent-role merging, holding its
// content as a block list regardless of the original wire shape.
type normalizedMessage struct {
	role   string
	blocks []block
}

// extractBlocks normalizes a Claude message content field (string or array)
// into a block slice. gjson is used to distinguish the two wire shapes
// without a double-unmarshal attempt.
func extractBlocks(content json.RawMessage) []block {
	if len(content) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(content)
	if parsed.Type == gjson.String {
		return []block{{Type: "text", Text: parsed.String()}}
	}
	if !parsed.IsArray() {
		return nil
	}
	var blocks []block
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// blocksText joins a message's text content for the wire, wrapping any
// thinking blocks in <kiro_thinking> tags ahead of the text that follows
// them. Kiro has no native thinking-block concept, so history round-trips
// reasoning as tagged plain text.
func blocksText(blocks []block) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "thinking":
			if b.Thinking != "" {
				parts = append(parts, "<kiro_thinking>"+b.Thinking+"</kiro_thinking>")
			}
		}
	}
	return strings.Join(parts, "\n")
}

func firstImage(blocks []block) *imageSource {
	for _, b := range blocks {
		if b.Type == "image" && b.Source != nil {
			return b.Source
		}
	}
	return nil
}

// dedupToolResults returns tool_result blocks deduplicated by tool_use_id,
// first occurrence wins.
func dedupToolResults(blocks []block) []block {
	var results []block
	seen := make(map[string]bool)
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		if seen[b.ToolUseID] {
			continue
		}
		seen[b.ToolUseID] = true
		results = append(results, b)
	}
	return results
}

func toolUseBlocks(blocks []block) []block {
	var uses []block
	for _, b := range blocks {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}

func toolResultText(b block) string {
	parsed := gjson.ParseBytes(b.Content)
	if parsed.Type == gjson.String {
		return parsed.String()
	}
	if parsed.IsArray() {
		var parts []string
		parsed.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "text" {
				parts = append(parts, item.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return ""
}

// mergeAdjacentSameRole concatenates any two adjacent messages sharing a
// role into one, preserving overall order.
func mergeAdjacentSameRole(messages []inputMessage) []normalizedMessage {
	var merged []normalizedMessage
	for _, m := range messages {
		blocks := extractBlocks(m.Content)
		if len(merged) > 0 && merged[len(merged)-1].role == m.Role {
			merged[len(merged)-1].blocks = append(merged[len(merged)-1].blocks, blocks...)
			continue
		}
		merged = append(merged, normalizedMessage{role: m.Role, blocks: blocks})
	}
	return merged
}

// dropTrailingIncompleteSentinel removes a final assistant turn whose sole
// text is the bare "{" sentinel, an artifact of an interrupted prior
// generation that Kiro otherwise chokes on.
func dropTrailingIncompleteSentinel(messages []normalizedMessage) []normalizedMessage {
	if len(messages) == 0 {
		return messages
	}
	last := messages[len(messages)-1]
	if last.role != "assistant" || len(last.blocks) != 1 {
		return messages
	}
	if last.blocks[0].Type == "text" && strings.TrimSpace(last.blocks[0].Text) == "{" {
		return messages[:len(messages)-1]
	}
	return messages
}

func userInputMessage(content, modelID string) map[string]interface{} {
	return map[string]interface{}{
		"content": content,
		"modelId": modelID,
		"origin":  "AI_EDITOR",
	}
}

// buildHistoryUserEntry builds a history userInputMessage entry, attaching
// an image and deduplicated tool-results when present.
func buildHistoryUserEntry(msg normalizedMessage, modelID string) map[string]interface{} {
	text := blocksText(msg.blocks)
	results := dedupToolResults(msg.blocks)

	if text == "" {
		if len(results) > 0 {
			text = "Tool results provided."
		} else {
			text = "Continue"
		}
	}

	entry := userInputMessage(text, modelID)

	if img := firstImage(msg.blocks); img != nil {
		format := strings.TrimPrefix(img.MediaType, "image/")
		entry["images"] = []map[string]interface{}{
			{
				"format": format,
				"source": map[string]interface{}{"bytes": img.Data},
			},
		}
	}

	if len(results) > 0 {
		var toolResults []map[string]interface{}
		for _, r := range results {
			toolResults = append(toolResults, map[string]interface{}{
				"content":   []map[string]interface{}{{"text": toolResultText(r)}},
				"status":    statusFor(r),
				"toolUseId": r.ToolUseID,
			})
		}
		entry["userInputMessageContext"] = map[string]interface{}{"toolResults": toolResults}
	}

	return entry
}

// statusFor always reports "success": Kiro's tool-result status field isn't
// actually consulted downstream, and sending "error" here has been observed
// to make upstream drop the result entirely rather than pass it to the model.
func statusFor(r block) string {
	return "success"
}

func buildHistoryAssistantEntry(msg normalizedMessage) map[string]interface{} {
	entry := map[string]interface{}{"content": blocksText(msg.blocks)}
	if uses := toolUseBlocks(msg.blocks); len(uses) > 0 {
		var toolUses []map[string]interface{}
		for _, u := range uses {
			var input interface{}
			if len(u.Input) > 0 {
				_ = json.Unmarshal(u.Input, &input)
			}
			toolUses = append(toolUses, map[string]interface{}{
				"toolUseId": u.ID,
				"name":      u.Name,
				"input":     input,
			})
		}
		entry["toolUses"] = toolUses
	}
	return entry
}

// sanitizeTools replaces an oversized Claude-Code Bash tool description with
// a canonical short one; upstream rejects the full-size description.
func sanitizeTools(tools []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(tools))
	for i, t := range tools {
		name := gjson.GetBytes(t, "name").String()
		desc := gjson.GetBytes(t, "description").String()
		if name == "Bash" && strings.Contains(desc, "Claude Code") {
			patched, err := sjson.SetBytes(t, "description", bashCanonicalDescription)
			if err == nil {
				out[i] = patched
				continue
			}
		}
		out[i] = t
	}
	return out
}

// isWebSearchTool reports whether a tool name refers to the built-in web
// search tool, which Kiro has no equivalent for and rejects outright.
func isWebSearchTool(name string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(name, "_", ""))
	return normalized == "websearch"
}

// sanitizeSchemaDollarProps strips $-prefixed property names from every
// "properties" object in a JSON Schema tree (MCP tools built on OData-style
// params, e.g. $expand/$select, trip up Kiro's schema validator). Keywords
// like a root-level $schema are untouched since they never live under a
// "properties" key.
func sanitizeSchemaDollarProps(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			if k == "properties" {
				if props, ok := vv.(map[string]interface{}); ok {
					cleaned := make(map[string]interface{})
					for pk, pv := range props {
						if strings.HasPrefix(pk, "$") {
							continue
						}
						cleaned[pk] = sanitizeSchemaDollarProps(pv)
					}
					out[k] = cleaned
					continue
				}
			}
			out[k] = sanitizeSchemaDollarProps(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeSchemaDollarProps(item)
		}
		return out
	default:
		return v
	}
}

func buildToolSpecs(toolsJSON []byte) ([]map[string]interface{}, error) {
	if len(toolsJSON) == 0 || string(toolsJSON) == "null" {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(toolsJSON, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tools: %w", err)
	}
	raw = sanitizeTools(raw)

	specs := make([]map[string]interface{}, 0, len(raw))
	for _, t := range raw {
		name := gjson.GetBytes(t, "name").String()
		if name == "" || isWebSearchTool(name) {
			continue
		}
		description := gjson.GetBytes(t, "description").String()
		schema := gjson.GetBytes(t, "input_schema").Raw
		if schema == "" {
			schema = "{}"
		}
		var schemaVal interface{}
		_ = json.Unmarshal([]byte(schema), &schemaVal)
		schemaVal = sanitizeSchemaDollarProps(schemaVal)
		specs = append(specs, map[string]interface{}{
			"toolSpecification": map[string]interface{}{
				"name":        name,
				"description": description,
				"inputSchema": map[string]interface{}{"json": schemaVal},
			},
		})
	}
	return specs, nil
}

// BuildRequestBody builds the Kiro conversationState request body from a
// Claude-shaped message list, plus routing metadata the adapter needs to
// pick the right endpoint.
func BuildRequestBody(model string, messagesJSON []byte, maxTokens int, stream bool, system string, profileARN string, toolsJSON []byte) ([]byte, RequestMetadata, error) {
	var rawMessages []inputMessage
	if err := json.Unmarshal(messagesJSON, &rawMessages); err != nil {
		return nil, RequestMetadata{}, fmt.Errorf("failed to parse messages: %w", err)
	}

	kiroModel := mapModelToKiro(model)
	conversationID := generateConversationID()
	metadata := RequestMetadata{
		"original_model":  model,
		"kiro_model":      kiroModel,
		"conversation_id": conversationID,
		"endpoint":        endpointForModel(model),
	}

	merged := dropTrailingIncompleteSentinel(mergeAdjacentSameRole(rawMessages))

	if len(merged) == 0 {
		body, err := assembleRequest(conversationID, userInputMessage(firstOf(system, "Hello"), kiroModel), nil, toolsJSON, profileARN)
		return body, metadata, err
	}

	startIndex := 0
	var history []map[string]interface{}

	// A request that arrived as exactly one message folds a system prompt
	// straight into currentMessage instead of spawning a one-entry history:
	// pushing it into history here and then reprocessing the same message
	// below as "last" would duplicate the whole payload on the wire. This is
	// keyed on the original message count, not the merged count: several
	// adjacent same-role messages that happen to merge into one still get
	// the ordinary history+current split.
	singleMessage := len(rawMessages) == 1

	if system != "" && !singleMessage {
		if merged[0].role == "user" {
			text := blocksText(merged[0].blocks)
			combined := system
			if text != "" {
				combined = system + "\n\n" + text
			}
			entry := buildHistoryUserEntry(merged[0], kiroModel)
			entry["content"] = combined
			history = append(history, map[string]interface{}{"userInputMessage": entry})
			startIndex = 1
		} else {
			history = append(history, map[string]interface{}{"userInputMessage": userInputMessage(system, kiroModel)})
		}
	}

	for i := startIndex; i < len(merged)-1; i++ {
		msg := merged[i]
		switch msg.role {
		case "user":
			history = append(history, map[string]interface{}{"userInputMessage": buildHistoryUserEntry(msg, kiroModel)})
		case "assistant":
			history = append(history, map[string]interface{}{"assistantResponseMessage": buildHistoryAssistantEntry(msg)})
		}
	}

	last := merged[len(merged)-1]
	currentContent := blocksText(last.blocks)
	lastToolResults := dedupToolResults(last.blocks)

	if singleMessage && system != "" && last.role == "user" {
		if currentContent != "" {
			currentContent = system + "\n\n" + currentContent
		} else {
			currentContent = system
		}
	}

	if last.role == "assistant" {
		history = append(history, map[string]interface{}{"assistantResponseMessage": buildHistoryAssistantEntry(last)})
		currentContent = "Continue"
	} else if currentContent == "" {
		if len(lastToolResults) > 0 {
			currentContent = "Tool results provided."
		} else {
			currentContent = "Continue"
		}
	}

	if len(history) > 0 {
		lastHistoryIsAssistant := false
		if _, ok := history[len(history)-1]["assistantResponseMessage"]; ok {
			lastHistoryIsAssistant = true
		}
		if !lastHistoryIsAssistant {
			history = append(history, map[string]interface{}{"assistantResponseMessage": map[string]interface{}{"content": "Continue"}})
		}
	}

	current := userInputMessage(currentContent, kiroModel)
	if last.role != "assistant" {
		if img := firstImage(last.blocks); img != nil {
			format := strings.TrimPrefix(img.MediaType, "image/")
			current["images"] = []map[string]interface{}{
				{"format": format, "source": map[string]interface{}{"bytes": img.Data}},
			}
		}
		if len(lastToolResults) > 0 {
			var toolResults []map[string]interface{}
			for _, r := range lastToolResults {
				toolResults = append(toolResults, map[string]interface{}{
					"content":   []map[string]interface{}{{"text": toolResultText(r)}},
					"status":    statusFor(r),
					"toolUseId": r.ToolUseID,
				})
			}
			ctx, _ := current["userInputMessageContext"].(map[string]interface{})
			if ctx == nil {
				ctx = map[string]interface{}{}
			}
			ctx["toolResults"] = toolResults
			current["userInputMessageContext"] = ctx
		}
	}

	body, err := assembleRequest(conversationID, current, history, toolsJSON, profileARN)
	return body, metadata, err
}

// InjectToolsFromHistory scans a conversationState's history for toolUses
// that the current message's tool declarations don't cover, and patches in
// minimal toolSpecification entries for them. A history replayed from a
// prior turn can carry tool_use blocks for tools the caller no longer lists
// in this request's tools array; Kiro rejects a toolUseId with no matching
// tool declaration, so the gap has to be patched before the request goes out.
func InjectToolsFromHistory(body []byte) ([]byte, bool) {
	history := gjson.GetBytes(body, "conversationState.history")
	if !history.Exists() || !history.IsArray() {
		return body, false
	}

	existingTools := gjson.GetBytes(body, "conversationState.currentMessage.userInputMessage.userInputMessageContext.tools")
	if existingTools.IsArray() && len(existingTools.Array()) > 0 {
		return body, false
	}

	seen := make(map[string]bool)
	var specs []map[string]interface{}
	history.ForEach(func(_, item gjson.Result) bool {
		item.Get("assistantResponseMessage.toolUses").ForEach(func(_, tu gjson.Result) bool {
			name := tu.Get("name").String()
			if name == "" || seen[name] {
				return true
			}
			seen[name] = true
			specs = append(specs, map[string]interface{}{
				"toolSpecification": map[string]interface{}{
					"name":        name,
					"description": "",
					"inputSchema": map[string]interface{}{"json": map[string]interface{}{"type": "object"}},
				},
			})
			return true
		})
		return true
	})

	if len(specs) == 0 {
		return body, false
	}

	modified, err := sjson.SetBytes(body, "conversationState.currentMessage.userInputMessage.userInputMessageContext.tools", specs)
	if err != nil {
		return body, false
	}
	return modified, true
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// MarshalWithoutHTMLEscape marshals v the way json.Marshal does, except it
// leaves '<', '>' and '&' unescaped. Tool output and file contents routinely
// carry those bytes (HTML snippets, shell redirects, boolean operators), and
// the default escaping would otherwise corrupt a round-tripped payload.
func MarshalWithoutHTMLEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func assembleRequest(conversationID string, current map[string]interface{}, history []map[string]interface{}, toolsJSON []byte, profileARN string) ([]byte, error) {
	specs, err := buildToolSpecs(toolsJSON)
	if err != nil {
		return nil, err
	}
	if len(specs) > 0 {
		ctx, _ := current["userInputMessageContext"].(map[string]interface{})
		if ctx == nil {
			ctx = map[string]interface{}{}
		}
		ctx["tools"] = specs
		current["userInputMessageContext"] = ctx
	}

	conversationState := map[string]interface{}{
		"chatTriggerType": "MANUAL",
		"conversationId":  conversationID,
		"currentMessage":  map[string]interface{}{"userInputMessage": current},
	}
	if len(history) > 0 {
		conversationState["history"] = history
	}

	request := map[string]interface{}{"conversationState": conversationState}

	body, err := MarshalWithoutHTMLEscape(request)
	if err != nil {
		return nil, err
	}

	if profileARN != "" {
		body, err = sjson.SetBytes(body, "profileArn", profileARN)
		if err != nil {
			return nil, err
		}
	}

	return body, nil
}

// generateConversationID generates a unique conversation ID.
func generateConversationID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
