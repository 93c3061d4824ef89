package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Session owns login and logout. It is the only writer of a fresh credential
// pair besides the refresh coordinator.
type Session struct {
	authBaseURL string
	client      HTTPDoer
	store       *TokenStore
	logger      zerolog.Logger
}

func NewSession(authBaseURL string, client HTTPDoer, store *TokenStore, logger zerolog.Logger) *Session {
	if client == nil {
		client = http.DefaultClient
	}
	return &Session{
		authBaseURL: strings.TrimRight(authBaseURL, "/"),
		client:      client,
		store:       store,
		logger:      logger.With().Str("component", "session").Logger(),
	}
}

// Login exchanges credentials at POST <auth-base>/token/ for a token pair
func (s *Session) Login(ctx context.Context, username, password string) error {
	reqBody, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return fmt.Errorf("failed to marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.authBaseURL+"/token/", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Method: req.Method, URL: req.URL.String(), StatusCode: resp.StatusCode, Body: body}
	}

	var out loginResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}

	if err := s.Activate(&oauth2.Token{AccessToken: out.Access, RefreshToken: out.Refresh, TokenType: "Bearer"}); err != nil {
		return err
	}
	s.logger.Info().Str("username", username).Msg("logged in")
	return nil
}

// Activate installs a pair obtained elsewhere (account activation links)
func (s *Session) Activate(tok *oauth2.Token) error {
	return s.store.Set(tok)
}

// Logout clears the stored credential pair
func (s *Session) Logout() error {
	if err := s.store.Clear(); err != nil {
		return err
	}
	s.logger.Info().Msg("logged out")
	return nil
}

func (s *Session) IsAuthenticated() bool {
	return s.store.IsAuthenticated()
}
