package marketplace

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// TokenStore is the sole holder of the session credential pair.
// It caches the pair in memory and writes through to durable storage.
type TokenStore struct {
	storage TokenStorage
	logger  zerolog.Logger

	mu      sync.RWMutex
	loaded  bool
	access  string
	refresh string
}

var _ oauth2.TokenSource = (*TokenStore)(nil)

func NewTokenStore(storage TokenStorage, logger zerolog.Logger) *TokenStore {
	return &TokenStore{
		storage: storage,
		logger:  logger.With().Str("component", "token_store").Logger(),
	}
}

// Token implements oauth2.TokenSource
func (s *TokenStore) Token() (*oauth2.Token, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.access == "" {
		return nil, ErrNoCredentials
	}
	return &oauth2.Token{
		AccessToken:  s.access,
		RefreshToken: s.refresh,
		TokenType:    "Bearer",
	}, nil
}

// AccessToken returns the current access token or "" when unauthenticated
func (s *TokenStore) AccessToken() string {
	tok, err := s.Token()
	if err != nil {
		return ""
	}
	return tok.AccessToken
}

// RefreshToken returns the current refresh token or ""
func (s *TokenStore) RefreshToken() string {
	if err := s.ensureLoaded(); err != nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

func (s *TokenStore) IsAuthenticated() bool {
	return s.AccessToken() != ""
}

// Set installs a new pair, replacing any existing one
func (s *TokenStore) Set(tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("cannot store empty access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.Set(accessTokenKey, tok.AccessToken); err != nil {
		return fmt.Errorf("failed to persist access token: %w", err)
	}
	if tok.RefreshToken != "" {
		if err := s.storage.Set(refreshTokenKey, tok.RefreshToken); err != nil {
			return fmt.Errorf("failed to persist refresh token: %w", err)
		}
	} else if err := s.storage.Delete(refreshTokenKey); err != nil {
		return fmt.Errorf("failed to drop stale refresh token: %w", err)
	}

	s.access = tok.AccessToken
	s.refresh = tok.RefreshToken
	s.loaded = true
	s.logger.Debug().Bool("has_refresh", tok.RefreshToken != "").Msg("credential pair stored")
	return nil
}

// SetAccess replaces the access token and keeps the refresh token
func (s *TokenStore) SetAccess(access string) error {
	return s.Rotate(access, "")
}

// Rotate replaces the access token and, if refresh is non-empty, the refresh token
func (s *TokenStore) Rotate(access, refresh string) error {
	if access == "" {
		return fmt.Errorf("cannot store empty access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.Set(accessTokenKey, access); err != nil {
		return fmt.Errorf("failed to persist access token: %w", err)
	}
	s.access = access
	if refresh != "" {
		if err := s.storage.Set(refreshTokenKey, refresh); err != nil {
			return fmt.Errorf("failed to persist refresh token: %w", err)
		}
		s.refresh = refresh
	}
	s.loaded = true
	return nil
}

// Clear removes the pair from memory and storage
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.access = ""
	s.refresh = ""
	s.loaded = true

	if err := s.storage.Delete(accessTokenKey, refreshTokenKey); err != nil {
		return fmt.Errorf("failed to clear stored tokens: %w", err)
	}
	s.logger.Debug().Msg("credential pair cleared")
	return nil
}

func (s *TokenStore) ensureLoaded() error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	access, _, err := s.storage.Get(accessTokenKey)
	if err != nil {
		return fmt.Errorf("failed to load access token: %w", err)
	}
	refresh, _, err := s.storage.Get(refreshTokenKey)
	if err != nil {
		return fmt.Errorf("failed to load refresh token: %w", err)
	}
	s.access, s.refresh, s.loaded = access, refresh, true
	return nil
}
