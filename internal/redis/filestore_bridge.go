package redis

import (
	"context"
	"time"

	"github.com/kiroproxy/gateway/internal/filestore"
)

// FilestoreBridge seeds and refreshes a single synthetic account from a
// watched on-disk credential file, for standalone-daemon deployments that
// have no operator-managed account pool. Redis remains the single source of
// truth the handlers read from; the bridge is a one-way file-to-Redis sync.
type FilestoreBridge struct {
	pool  *PoolManager
	token *TokenManager
}

// NewFilestoreBridge wires a pool/token manager pair as a filestore sink.
func NewFilestoreBridge(pool *PoolManager, token *TokenManager) *FilestoreBridge {
	return &FilestoreBridge{pool: pool, token: token}
}

// UpsertAccount creates the account on first call and refreshes its token on
// every subsequent call (e.g. after the Kiro CLI rotates the file's tokens).
func (b *FilestoreBridge) UpsertAccount(ctx context.Context, uuid string, creds *filestore.Credentials) error {
	now := time.Now().UTC().Format(time.RFC3339)

	account, err := b.pool.GetAccount(ctx, uuid)
	if err != nil || account == nil {
		account = &Account{
			UUID:         uuid,
			ProviderType: "claude-kiro-oauth",
			Region:       creds.Region,
			ProfileARN:   creds.ProfileARN,
			IsHealthy:    true,
			Email:        creds.Email,
			Description:  "seeded from standalone credential file",
			AddedAt:      now,
		}
	} else {
		account.Region = creds.Region
		account.ProfileARN = creds.ProfileARN
		if creds.Email != "" {
			account.Email = creds.Email
		}
	}

	if err := b.pool.UpdateAccount(ctx, account); err != nil {
		return err
	}

	token := &Token{
		AccessToken:   creds.AccessToken,
		RefreshToken:  creds.RefreshToken,
		ExpiresAt:     creds.ExpiresAt,
		AuthMethod:    creds.AuthMethod,
		TokenType:     "Bearer",
		ClientID:      creds.ClientID,
		ClientSecret:  creds.ClientSecret,
		IDCRegion:     creds.IDCRegion,
		LastRefreshed: now,
	}

	return b.token.SetToken(ctx, uuid, token)
}
