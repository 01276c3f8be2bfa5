package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu    sync.Mutex
	calls map[string]*Credentials
}

func newFakeSink() *fakeSink {
	return &fakeSink{calls: map[string]*Credentials{}}
}

func (f *fakeSink) UpsertAccount(ctx context.Context, uuid string, creds *Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[uuid] = creds
	return nil
}

func (f *fakeSink) get(uuid string) *Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uuid]
}

func TestBootstrap_SeedsAccountOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiro-auth-token.json")
	data, err := json.Marshal(map[string]string{
		"accessToken":  "access-1",
		"refreshToken": "refresh-1",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	store := New(path, nil)
	sink := newFakeSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, Bootstrap(ctx, store, sink))

	expectedUUID := (&Credentials{}).AccountUUID(path)
	seeded := sink.get(expectedUUID)
	require.NotNil(t, seeded)
	assert.Equal(t, "access-1", seeded.AccessToken)
}

func TestBootstrap_FailsWhenCredentialsMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiro-auth-token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	store := New(path, nil)
	sink := newFakeSink()

	err := Bootstrap(context.Background(), store, sink)
	assert.Error(t, err)
}
