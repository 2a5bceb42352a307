// Package auth holds the session credential and verifies bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"hackerden/core/port/out"
	"hackerden/pkg/crypto"
)

// expirySkew treats a token as expired slightly early.
const expirySkew = 30 * time.Second

// =============================================================================
// TokenStore
// =============================================================================

// TokenStore implements out.CredentialStore. JWT tokens are dropped once
// their exp claim passes; opaque tokens never expire locally. With a path
// and sealer configured the token survives restarts, sealed at rest.
type TokenStore struct {
	mu      sync.RWMutex
	token   string
	expires time.Time // zero when unknown

	path   string
	sealer *crypto.Sealer
	log    zerolog.Logger
	now    func() time.Time
}

var _ out.CredentialStore = (*TokenStore)(nil)

// TokenStoreConfig configures a TokenStore.
type TokenStoreConfig struct {
	Path   string         // optional sealed token file
	Sealer *crypto.Sealer // required with Path
	Logger zerolog.Logger
}

// NewTokenStore creates a store and loads any persisted token.
func NewTokenStore(cfg TokenStoreConfig) (*TokenStore, error) {
	if cfg.Path != "" && cfg.Sealer == nil {
		return nil, errors.New("auth: token file requires a sealer")
	}
	s := &TokenStore{
		path:   cfg.Path,
		sealer: cfg.Sealer,
		log:    cfg.Logger.With().Str("component", "token_store").Logger(),
		now:    time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Token returns the current token if one is held and not expired.
func (s *TokenStore) Token() (string, bool) {
	s.mu.RLock()
	token, expires := s.token, s.expires
	s.mu.RUnlock()

	if token == "" {
		return "", false
	}
	if !expires.IsZero() && !s.now().Add(expirySkew).Before(expires) {
		s.log.Info().Time("expired_at", expires).Msg("session token expired")
		s.Clear()
		return "", false
	}
	return token, true
}

// Set replaces the token. A JWT whose exp has already passed is refused.
func (s *TokenStore) Set(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("auth: empty token")
	}

	expires, err := expiryOf(token)
	if err != nil {
		return err
	}
	if !expires.IsZero() && !s.now().Before(expires) {
		return fmt.Errorf("auth: token expired at %s", expires.Format(time.RFC3339))
	}

	s.mu.Lock()
	s.token, s.expires = token, expires
	s.mu.Unlock()

	return s.persist(token)
}

// Clear discards the token and its persisted copy.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	s.token, s.expires = "", time.Time{}
	s.mu.Unlock()

	if s.path == "" {
		return
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn().Err(err).Str("path", s.path).Msg("failed to remove token file")
	}
}

// Expires returns the known expiry, or zero.
func (s *TokenStore) Expires() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expires
}

func (s *TokenStore) persist(token string) error {
	if s.path == "" {
		return nil
	}
	sealed, err := s.sealer.Seal([]byte(token))
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(sealed), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

func (s *TokenStore) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}

	token, err := s.sealer.Open(string(data))
	if err != nil {
		s.log.Warn().Err(err).Msg("discarding unreadable token file")
		s.Clear()
		return nil
	}
	if err := s.Set(string(token)); err != nil {
		s.log.Info().Err(err).Msg("discarding persisted token")
		s.Clear()
	}
	return nil
}

// expiryOf reads exp without verifying the signature; the server does
// that. Tokens that are not JWTs carry no expiry.
func expiryOf(token string) (time.Time, error) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("auth: malformed token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("auth: bad exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
