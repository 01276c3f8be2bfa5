package filestore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// AccountUUID derives a stable account UUID-shaped identifier from the
// credential path itself, so repeated bootstrap runs against the same file
// always update the same synthetic account rather than creating duplicates.
func (c *Credentials) AccountUUID(path string) string {
	sum := sha1.Sum([]byte("filestore:" + path))
	hexSum := hex.EncodeToString(sum[:16])
	return fmt.Sprintf("%s-%s-%s-%s-%s", hexSum[0:8], hexSum[8:12], hexSum[12:16], hexSum[16:20], hexSum[20:32])
}

// AccountSink is the subset of redis.PoolManager/redis.TokenManager the
// bootstrap bridge needs, kept narrow so filestore stays independent of the
// redis package's full surface.
type AccountSink interface {
	UpsertAccount(ctx context.Context, uuid string, creds *Credentials) error
}

// Bootstrap seeds or refreshes a single account in sink from the store's
// credential path, then keeps it in sync for as long as ctx is alive. It
// returns once the first load succeeds (or fails); subsequent updates from
// Watch run in the background.
func Bootstrap(ctx context.Context, store *Store, sink AccountSink) error {
	creds, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load initial credentials: %w", err)
	}

	uuid := creds.AccountUUID(store.path)
	if err := sink.UpsertAccount(ctx, uuid, creds); err != nil {
		return fmt.Errorf("failed to seed account from credential file: %w", err)
	}

	go func() {
		_ = store.Watch(ctx, func(updated *Credentials) {
			watchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			_ = sink.UpsertAccount(watchCtx, uuid, updated)
		})
	}()

	return nil
}
