// Package filestore loads and watches Kiro OAuth credentials from an
// AWS SSO cache style directory, for use when the gateway runs as a
// standalone daemon with no injected account store.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
)

const (
	// DefaultRegion is used when a credential file omits one.
	DefaultRegion = "us-east-1"

	// TokenFileName is the canonical credential file name inside a cache directory.
	TokenFileName = "kiro-auth-token.json"
)

// Credentials is the on-disk shape of kiro-auth-token.json and its
// auxiliary client-identifier file, merged into one record.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	Region       string `json:"region"`
	ProfileARN   string `json:"profileArn"`
	Email        string `json:"email,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	IDCRegion    string `json:"idcRegion,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
}

// deriveAuthMethod derives the auth method from the presence of client credentials,
// matching the rule used by the admin account-import endpoint.
func (c *Credentials) deriveAuthMethod() {
	if c.AuthMethod != "" {
		return
	}
	if c.ClientID != "" && c.ClientSecret != "" {
		c.AuthMethod = "builder-id"
	} else {
		c.AuthMethod = "social"
	}
}

// Store watches a single credential path (file or directory) and keeps an
// in-memory copy of the merged credentials, refreshed on every change.
type Store struct {
	path   string
	logger *slog.Logger
	lock   *flock.Flock

	current *Credentials
}

// New creates a file-backed credential store rooted at path. path may be a
// single JSON file or a directory containing kiro-auth-token.json plus
// auxiliary client-identifier JSON files (merged the same way the Kiro CLI's
// own SSO cache directory is laid out).
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   expandHome(path),
		logger: logger,
		lock:   flock.New(lockPathFor(path)),
	}
}

func lockPathFor(path string) string {
	return path + ".lock"
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Load reads and merges credentials from the configured path, taking an
// advisory shared lock so a concurrent writer (the Kiro CLI, or this
// process's own Save) does not race a torn read.
func (s *Store) Load() (*Credentials, error) {
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock credential path: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat credential path: %w", err)
	}

	var creds *Credentials
	if info.IsDir() {
		creds, err = s.loadDirectory()
	} else {
		creds, err = s.loadFile(s.path)
	}
	if err != nil {
		return nil, err
	}

	if creds.AccessToken == "" && creds.RefreshToken == "" {
		return nil, fmt.Errorf("no usable credentials found at %s", s.path)
	}
	if creds.Region == "" {
		creds.Region = DefaultRegion
	}
	creds.deriveAuthMethod()

	s.current = creds
	return creds, nil
}

func (s *Store) loadFile(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credential file %s: %w", path, err)
	}
	return &creds, nil
}

// loadDirectory reads kiro-auth-token.json as the primary record, then fills
// in any fields still empty (notably clientId/clientSecret) from the other
// JSON files in the directory, mirroring how the Kiro CLI splits the OIDC
// client registration from the token itself.
func (s *Store) loadDirectory() (*Credentials, error) {
	merged := &Credentials{}

	primary := filepath.Join(s.path, TokenFileName)
	if data, err := os.ReadFile(primary); err == nil {
		if err := json.Unmarshal(data, merged); err != nil {
			s.logger.Warn("failed to parse primary credential file", "path", primary, "error", err)
		}
	}

	entries, err := os.ReadDir(s.path)
	if err != nil {
		if merged.AccessToken != "" || merged.RefreshToken != "" {
			return merged, nil
		}
		return nil, fmt.Errorf("failed to read credential directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || name == TokenFileName {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.path, name))
		if err != nil {
			continue
		}
		var aux Credentials
		if err := json.Unmarshal(data, &aux); err != nil {
			continue
		}
		mergeInto(merged, &aux)
	}

	return merged, nil
}

func mergeInto(dst, src *Credentials) {
	if dst.ClientID == "" {
		dst.ClientID = src.ClientID
	}
	if dst.ClientSecret == "" {
		dst.ClientSecret = src.ClientSecret
	}
	if dst.AuthMethod == "" {
		dst.AuthMethod = src.AuthMethod
	}
	if dst.Region == "" {
		dst.Region = src.Region
	}
	if dst.ProfileARN == "" {
		dst.ProfileARN = src.ProfileARN
	}
	if dst.AccessToken == "" {
		dst.AccessToken = src.AccessToken
	}
	if dst.RefreshToken == "" {
		dst.RefreshToken = src.RefreshToken
	}
	if dst.Email == "" {
		dst.Email = src.Email
	}
}

// Save writes refreshed token fields back to the primary credential file,
// preserving any fields the on-disk record already carries (the same
// merge-on-write behavior the Kiro CLI itself uses, so a concurrently
// running CLI session does not clobber fields this process doesn't know
// about).
func (s *Store) Save(creds *Credentials) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock credential path: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	target := s.path
	if info, err := os.Stat(s.path); err == nil && info.IsDir() {
		target = filepath.Join(s.path, TokenFileName)
	}

	existing := make(map[string]interface{})
	if data, err := os.ReadFile(target); err == nil {
		_ = json.Unmarshal(data, &existing)
	}

	existing["accessToken"] = creds.AccessToken
	existing["refreshToken"] = creds.RefreshToken
	existing["expiresAt"] = creds.ExpiresAt
	if creds.ProfileARN != "" {
		existing["profileArn"] = creds.ProfileARN
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}

	s.current = creds
	return nil
}

// Current returns the most recently loaded credentials, or nil if Load has
// never succeeded.
func (s *Store) Current() *Credentials {
	return s.current
}

// Watch blocks, calling onChange every time the credential path is written,
// until ctx is canceled. A failure to establish the watch is returned
// immediately; once watching, transient read/parse errors are logged and
// watching continues rather than aborting the whole daemon.
func (s *Store) Watch(ctx context.Context, onChange func(*Credentials)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	watchTarget := s.path
	if info, err := os.Stat(s.path); err == nil && !info.IsDir() {
		watchTarget = filepath.Dir(s.path)
	}
	if err := watcher.Add(watchTarget); err != nil {
		return fmt.Errorf("failed to watch %s: %w", watchTarget, err)
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(200 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("credential watcher error", "error", err)
		case <-debounce.C:
			creds, err := s.Load()
			if err != nil {
				s.logger.Warn("failed to reload credentials after change", "error", err)
				continue
			}
			onChange(creds)
		}
	}
}
