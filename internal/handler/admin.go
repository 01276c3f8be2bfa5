// Package handler implements the HTTP front-end for the gateway.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiroproxy/gateway/internal/account"
	"github.com/kiroproxy/gateway/internal/kiro"
	"github.com/kiroproxy/gateway/internal/redis"
)

// adminPortalHTML is a minimal embedded placeholder for the account/usage
// portal; the real dashboard is a separate static asset out of scope here.
const adminPortalHTML = `<!DOCTYPE html>
<html>
<head><title>Kiro Gateway Admin</title></head>
<body>
<h1>Kiro Gateway</h1>
<p>Admin portal. Use <code>GET /admin/data</code>, <code>POST /admin/proxy</code>,
<code>POST /admin/account</code>, <code>DELETE /admin/account?id=...</code>, and
<code>POST /admin/usage/refresh</code> to manage the account pool.</p>
</body>
</html>`

// usageRefreshConcurrency bounds the number of simultaneous getUsageLimits
// calls issued by /admin/usage/refresh.
const usageRefreshConcurrency = 4

// AdminHandler serves the account/proxy administration surface.
type AdminHandler struct {
	redisClient  *redis.Client
	poolManager  *redis.PoolManager
	tokenManager *redis.TokenManager
	selector     *account.Selector
	kiroClient   *kiro.Client
	logger       *slog.Logger
	boundPort    int
}

// AdminHandlerOptions configures the admin handler.
type AdminHandlerOptions struct {
	RedisClient  *redis.Client
	PoolManager  *redis.PoolManager
	TokenManager *redis.TokenManager
	Selector     *account.Selector
	KiroClient   *kiro.Client
	Logger       *slog.Logger
	BoundPort    int
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(opts AdminHandlerOptions) *AdminHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		redisClient:  opts.RedisClient,
		poolManager:  opts.PoolManager,
		tokenManager: opts.TokenManager,
		selector:     opts.Selector,
		kiroClient:   opts.KiroClient,
		logger:       logger,
		boundPort:    opts.BoundPort,
	}
}

func writeAdminJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeAdminJSON(w, status, map[string]string{"error": message})
}

// Portal serves GET /admin.
func (h *AdminHandler) Portal(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(adminPortalHTML))
}

type accountView struct {
	ID     string     `json:"id"`
	Email  string     `json:"email,omitempty"`
	Status string     `json:"status"`
	Usage  *usageView `json:"usage,omitempty"`
}

type usageView struct {
	Limit   int64 `json:"limit"`
	Current int64 `json:"current"`
}

type proxyView struct {
	Enabled   bool `json:"enabled"`
	Port      int  `json:"port"`
	APIKeySet bool `json:"apiKeySet"`
}

func accountStatus(acc redis.Account) string {
	switch {
	case acc.IsDisabled:
		return "disabled"
	case acc.QuotaExhausted:
		return "quota_exhausted"
	case !acc.IsHealthy:
		return "error"
	default:
		return "active"
	}
}

// Data serves GET /admin/data.
func (h *AdminHandler) Data(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAdminError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	accounts, err := h.poolManager.GetAllAccounts(ctx)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snapshots, err := h.poolManager.GetUsageSnapshots(ctx)
	if err != nil {
		h.logger.Warn("failed to load usage snapshots", "error", err)
		snapshots = map[string]redis.UsageSnapshot{}
	}

	views := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		view := accountView{ID: acc.UUID, Email: acc.Email, Status: accountStatus(acc)}
		if snap, ok := snapshots[acc.UUID]; ok && snap.Error == "" {
			view.Usage = &usageView{Limit: snap.Limit, Current: snap.Current}
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	appConfig, err := h.redisClient.LoadConfig(ctx)
	if err != nil {
		appConfig = &redis.AppConfig{}
	}

	writeAdminJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": views,
		"proxy": proxyView{
			Enabled:   appConfig.ProxyEnabled,
			Port:      h.effectivePort(appConfig),
			APIKeySet: appConfig.APIKey != "",
		},
	})
}

func (h *AdminHandler) effectivePort(cfg *redis.AppConfig) int {
	if cfg.ProxyPort != 0 {
		return cfg.ProxyPort
	}
	return h.boundPort
}

type proxyUpdateRequest struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	APIKey  string `json:"apiKey,omitempty"`
}

// Proxy serves POST /admin/proxy.
func (h *AdminHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAdminError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req proxyUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	ctx := r.Context()
	appConfig, err := h.redisClient.LoadConfig(ctx)
	if err != nil {
		appConfig = &redis.AppConfig{}
	}

	restartRequired := req.Port != 0 && req.Port != h.effectivePort(appConfig)

	appConfig.ProxyEnabled = req.Enabled
	if req.Port != 0 {
		appConfig.ProxyPort = req.Port
	}
	if req.APIKey != "" {
		appConfig.APIKey = req.APIKey
	}

	if err := h.redisClient.SaveConfig(ctx, appConfig); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeAdminJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":         appConfig.ProxyEnabled,
		"port":            h.effectivePort(appConfig),
		"apiKeySet":       appConfig.APIKey != "",
		"restartRequired": restartRequired,
	})
}

// tokenFilePayload mirrors the shape of Kiro's on-disk kiro-auth-token.json.
type tokenFilePayload struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	Region       string `json:"region"`
	ProfileARN   string `json:"profileArn"`
	Email        string `json:"email"`
	IDCRegion    string `json:"idcRegion"`
}

// clientFilePayload mirrors the auxiliary OIDC client-registration file used
// for builder-id (IDC) auth; absent fields mean social auth.
type clientFilePayload struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// CreateAccount serves POST /admin/account.
func (h *AdminHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAdminError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	tokenRaw := r.FormValue("tokenFile")
	if tokenRaw == "" {
		writeAdminError(w, http.StatusBadRequest, "tokenFile is required")
		return
	}
	var token tokenFilePayload
	if err := json.Unmarshal([]byte(tokenRaw), &token); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid tokenFile JSON: "+err.Error())
		return
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		writeAdminError(w, http.StatusBadRequest, "tokenFile must include accessToken and refreshToken")
		return
	}

	var clientCreds clientFilePayload
	if clientRaw := r.FormValue("clientFile"); clientRaw != "" {
		if err := json.Unmarshal([]byte(clientRaw), &clientCreds); err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid clientFile JSON: "+err.Error())
			return
		}
	}

	authMethod := "social"
	if clientCreds.ClientID != "" && clientCreds.ClientSecret != "" {
		authMethod = "builder-id"
	}

	accountUUID := newAccountUUID()
	ctx := r.Context()

	acc := &redis.Account{
		UUID:         accountUUID,
		ProviderType: "claude-kiro-oauth",
		Region:       token.Region,
		ProfileARN:   token.ProfileARN,
		IsHealthy:    true,
		Email:        token.Email,
		AddedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.poolManager.UpdateAccount(ctx, acc); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to store account: "+err.Error())
		return
	}

	rtoken := &redis.Token{
		AccessToken:   token.AccessToken,
		RefreshToken:  token.RefreshToken,
		ExpiresAt:     token.ExpiresAt,
		AuthMethod:    authMethod,
		ClientID:      clientCreds.ClientID,
		ClientSecret:  clientCreds.ClientSecret,
		IDCRegion:     token.IDCRegion,
		LastRefreshed: time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.tokenManager.SetToken(ctx, accountUUID, rtoken); err != nil {
		_ = h.poolManager.DeleteAccount(ctx, accountUUID)
		writeAdminError(w, http.StatusInternalServerError, "failed to store token: "+err.Error())
		return
	}

	if err := h.selector.RefreshCache(ctx); err != nil {
		h.logger.Warn("failed to refresh account cache after create", "error", err)
	}

	writeAdminJSON(w, http.StatusCreated, map[string]string{"id": accountUUID, "authMethod": authMethod})
}

// DeleteAccount serves DELETE /admin/account?id=....
func (h *AdminHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeAdminError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		writeAdminError(w, http.StatusBadRequest, "id is required")
		return
	}

	ctx := r.Context()
	if err := h.poolManager.DeleteAccount(ctx, id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.selector.RefreshCache(ctx); err != nil {
		h.logger.Warn("failed to refresh account cache after delete", "error", err)
	}

	writeAdminJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// RefreshUsage serves POST /admin/usage/refresh. It fetches getUsageLimits
// for every account concurrently, bounded by usageRefreshConcurrency, and
// updates the usage snapshot cache.
func (h *AdminHandler) RefreshUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAdminError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	accounts, err := h.poolManager.GetAllAccounts(ctx)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sem := make(chan struct{}, usageRefreshConcurrency)
	var wg sync.WaitGroup
	results := make([]redis.UsageSnapshot, len(accounts))

	for i, acc := range accounts {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, acc redis.Account) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = h.refreshOneAccount(ctx, acc)
		}(i, acc)
	}
	wg.Wait()

	for _, snap := range results {
		if err := h.poolManager.SetUsageSnapshot(ctx, snap); err != nil {
			h.logger.Warn("failed to cache usage snapshot", "account", snap.AccountUUID, "error", err)
		}
	}

	writeAdminJSON(w, http.StatusOK, map[string]interface{}{"refreshed": len(results)})
}

func (h *AdminHandler) refreshOneAccount(ctx context.Context, acc redis.Account) redis.UsageSnapshot {
	snap := redis.UsageSnapshot{AccountUUID: acc.UUID, RefreshedAt: time.Now().UTC().Format(time.RFC3339)}

	token, err := h.tokenManager.GetToken(ctx, acc.UUID)
	if err != nil {
		snap.Error = fmt.Sprintf("no token: %v", err)
		return snap
	}

	limits, err := h.kiroClient.GetUsageLimits(ctx, acc.Region, acc.ProfileARN, token.AccessToken)
	if err != nil {
		snap.Error = err.Error()
		return snap
	}

	snap.Limit = limits.Limit
	snap.Current = limits.Current
	return snap
}

func newAccountUUID() string {
	return uuid.New().String()
}
