package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// RefreshState is the coordinator's lifecycle state
type RefreshState string

const (
	RefreshIdle       RefreshState = "idle"
	RefreshRefreshing RefreshState = "refreshing"
)

// PendingRequest is a request parked until the in-flight refresh settles
type PendingRequest struct {
	ID      string
	Spec    RequestSpec
	Retried bool

	result chan refreshResult
}

type refreshResult struct {
	token *oauth2.Token
	err   error
}

// NewPendingRequest captures spec for a possible replay
func NewPendingRequest(spec RequestSpec) *PendingRequest {
	return &PendingRequest{
		ID:     uuid.New().String(),
		Spec:   spec,
		result: make(chan refreshResult, 1),
	}
}

// RefreshCoordinator guarantees at most one renewal call in flight and fans
// its result out to every waiter in FIFO order.
type RefreshCoordinator struct {
	store     *TokenStore
	refresher Refresher
	onExpired SessionExpiredHandler
	logger    zerolog.Logger

	mu           sync.Mutex
	state        RefreshState
	queue        []*PendingRequest
	refreshCount int
}

func NewRefreshCoordinator(store *TokenStore, refresher Refresher, onExpired SessionExpiredHandler, logger zerolog.Logger) *RefreshCoordinator {
	return &RefreshCoordinator{
		store:     store,
		refresher: refresher,
		onExpired: onExpired,
		logger:    logger.With().Str("component", "refresh_coordinator").Logger(),
		state:     RefreshIdle,
	}
}

// Await parks req until the shared refresh settles, starting one if none is
// active. It returns the renewed credential or the refresh failure.
func (rc *RefreshCoordinator) Await(ctx context.Context, req *PendingRequest) (*oauth2.Token, error) {
	rc.mu.Lock()
	rc.queue = append(rc.queue, req)
	start := rc.state == RefreshIdle
	if start {
		rc.state = RefreshRefreshing
		rc.refreshCount++
	}
	queued := len(rc.queue)
	rc.mu.Unlock()

	if start {
		rc.logger.Info().Str("request_id", req.ID).Msg("session expired, starting token refresh")
		go rc.run(context.WithoutCancel(ctx))
	} else {
		rc.logger.Debug().Str("request_id", req.ID).Int("queued", queued).Msg("joined in-flight token refresh")
	}

	select {
	case res := <-req.result:
		return res.token, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State returns the current coordinator state
func (rc *RefreshCoordinator) State() RefreshState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// QueueLen returns the number of parked requests
func (rc *RefreshCoordinator) QueueLen() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.queue)
}

// RefreshCount returns how many renewal calls were started
func (rc *RefreshCoordinator) RefreshCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.refreshCount
}

func (rc *RefreshCoordinator) run(ctx context.Context) {
	tok, err := rc.renew(ctx)

	if err != nil {
		if clearErr := rc.store.Clear(); clearErr != nil {
			rc.logger.Error().Err(clearErr).Msg("failed to clear token store after refresh failure")
		}
	}

	// Idle before draining so a waiter replaying into another 401 starts a fresh cycle
	rc.mu.Lock()
	waiters := rc.queue
	rc.queue = nil
	rc.state = RefreshIdle
	rc.mu.Unlock()

	for _, w := range waiters {
		w.result <- refreshResult{token: tok, err: err}
	}

	if err != nil {
		rc.logger.Warn().Err(err).Int("rejected", len(waiters)).Msg("token refresh failed, session torn down")
		if rc.onExpired != nil {
			rc.onExpired(err)
		}
		return
	}
	rc.logger.Info().Int("released", len(waiters)).Msg("token refreshed")
}

func (rc *RefreshCoordinator) renew(ctx context.Context) (*oauth2.Token, error) {
	refreshToken := rc.store.RefreshToken()
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	newToken, err := rc.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if newToken == nil || newToken.AccessToken == "" {
		return nil, fmt.Errorf("refresh returned empty access token")
	}

	if err := rc.store.Rotate(newToken.AccessToken, newToken.RefreshToken); err != nil {
		return nil, err
	}
	return rc.store.Token()
}

// HTTPRefresher calls POST <auth-base>/token/refresh/
type HTTPRefresher struct {
	authBaseURL string
	client      HTTPDoer
}

func NewHTTPRefresher(authBaseURL string, client HTTPDoer) *HTTPRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRefresher{
		authBaseURL: strings.TrimRight(authBaseURL, "/"),
		client:      client,
	}
}

// Refresh implements Refresher
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	reqBody, err := json.Marshal(refreshRequest{Refresh: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.authBaseURL+"/token/refresh/", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Body: body}
	}

	var out refreshResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if out.Access == "" {
		return nil, fmt.Errorf("refresh response has no access token")
	}
	return &oauth2.Token{
		AccessToken:  out.Access,
		RefreshToken: out.Refresh,
		TokenType:    "Bearer",
	}, nil
}
