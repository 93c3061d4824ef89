package marketplace

import (
	"net/http"

	"github.com/rs/zerolog"
)

// Client bundles the session core: token store, refresh coordinator,
// request pipeline and login session.
type Client struct {
	Tokens      *TokenStore
	Coordinator *RefreshCoordinator
	Pipeline    *Pipeline
	Session     *Session
	Chat        *ChatAPI
}

// ClientOptions overrides collaborators; zero values use defaults
type ClientOptions struct {
	Storage        TokenStorage
	HTTPClient     HTTPDoer
	Refresher      Refresher
	OnSessionEnded SessionExpiredHandler
}

// NewClient wires the session core from cfg
func NewClient(cfg Config, opts ClientOptions, logger zerolog.Logger) (*Client, error) {
	storage := opts.Storage
	if storage == nil {
		var err error
		storage, err = OpenTokenStorage(cfg.TokenStorage)
		if err != nil {
			return nil, err
		}
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout.Duration}
	}

	refresher := opts.Refresher
	if refresher == nil {
		refresher = NewHTTPRefresher(cfg.AuthBaseURL, httpClient)
	}

	onEnded := opts.OnSessionEnded
	if onEnded == nil {
		onEnded = func(cause error) {
			logger.Warn().Err(cause).Msg("session ended, login required")
		}
	}

	store := NewTokenStore(storage, logger)
	coordinator := NewRefreshCoordinator(store, refresher, onEnded, logger)

	pipeline := NewPipeline(PipelineConfig{BaseURL: cfg.APIBaseURL, HTTPClient: httpClient}, store, coordinator, logger)

	return &Client{
		Tokens:      store,
		Coordinator: coordinator,
		Pipeline:    pipeline,
		Session:     NewSession(cfg.AuthBaseURL, httpClient, store, logger),
		Chat:        NewChatAPI(pipeline),
	}, nil
}
