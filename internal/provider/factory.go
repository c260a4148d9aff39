package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/config"
	"github.com/jiulingyun/wechat-bot/internal/domain"
)

// BackendConstructor creates a backend from config.
type BackendConstructor func(cfg *config.Config, client *http.Client, logger *slog.Logger) (domain.Backend, error)

// Factory creates and caches the AI collaborators described by config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	client       *http.Client
	constructors map[string]BackendConstructor
	backend      domain.Backend
	mu           sync.RWMutex
}

// NewFactory creates a factory with the built-in backend constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		client:       NewHTTPClient(BackendTimeout),
		constructors: make(map[string]BackendConstructor),
	}
	f.constructors["coze"] = newCozeFromConfig
	return f
}

// RegisterConstructor adds (or replaces) a backend constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor BackendConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func newCozeFromConfig(cfg *config.Config, client *http.Client, logger *slog.Logger) (domain.Backend, error) {
	cc := cfg.Backend.Coze
	key, err := LoadPrivateKey(cc.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	baseURL, audience := CozeEndpoint(cc.APIDomain)
	auth, err := NewJWTAuth(JWTAuthConfig{
		BaseURL:    baseURL,
		Audience:   audience,
		AppID:      cc.AppID,
		KeyID:      cc.KeyID,
		PrivateKey: key,
		TTL:        time.Duration(cc.TokenTTLSeconds) * time.Second,
		HTTPClient: client,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return NewCoze(CozeConfig{
		BaseURL:         baseURL,
		Auth:            auth,
		PollInterval:    time.Duration(cc.PollIntervalMs) * time.Millisecond,
		RateLimitPerMin: cc.RateLimitPerMin,
		HTTPClient:      client,
		Logger:          logger,
	}), nil
}

// CozeEndpoint turns a configured domain ("api.coze.cn" or a full URL) into
// the API base URL and the JWT audience.
func CozeEndpoint(domainOrURL string) (baseURL, audience string) {
	s := strings.TrimRight(domainOrURL, "/")
	if strings.Contains(s, "://") {
		host := s[strings.Index(s, "://")+3:]
		return s, host
	}
	return "https://" + s, s
}

// Backend returns the configured backend, creating it on first use.
// Uses double-check locking to avoid TOCTOU races.
func (f *Factory) Backend() (domain.Backend, error) {
	f.mu.RLock()
	if f.backend != nil {
		b := f.backend
		f.mu.RUnlock()
		return b, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backend != nil {
		return f.backend, nil
	}

	name := f.cfg.Backend.Provider
	if name == "" {
		name = "coze"
	}
	ctor, ok := f.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
	b, err := ctor(f.cfg, f.client, f.logger)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	f.backend = b
	return b, nil
}

// FallbackWriter returns the configured filler writer, or nil when the
// fallback reply is disabled. An "auto" writer is resolved from the
// configured credentials. A workflow writer fails over to OpenAI when an
// API key is also configured.
func (f *Factory) FallbackWriter() (domain.FallbackWriter, error) {
	fc := f.cfg.Fallback
	openaiWriter := func() domain.FallbackWriter {
		return NewOpenAIWriter(OpenAIConfig{
			APIKey:       fc.OpenAI.APIKey,
			APIBase:      fc.OpenAI.APIBase,
			Model:        fc.OpenAI.Model,
			MaxTokens:    fc.OpenAI.MaxTokens,
			SystemPrompt: fc.OpenAI.SystemPrompt,
			Logger:       f.logger,
		})
	}

	switch name := f.cfg.FallbackWriterName(); name {
	case "none":
		return nil, nil
	case "openai":
		return openaiWriter(), nil
	case "workflow":
		b, err := f.Backend()
		if err != nil {
			return nil, err
		}
		wf := NewWorkflowWriter(b, f.cfg.Backend.Coze.BotID, f.cfg.Backend.Coze.ApologyWorkflowID)
		if fc.OpenAI.APIKey == "" {
			return wf, nil
		}
		return NewFailoverWriter([]domain.FallbackWriter{wf, openaiWriter()}, f.logger), nil
	default:
		return nil, fmt.Errorf("unknown fallback writer: %s", name)
	}
}

// Transcriber returns the speech-to-text provider for voice messages.
func (f *Factory) Transcriber() (domain.Transcriber, error) {
	fc := f.cfg.Fallback
	switch fc.Transcriber {
	case "", "coze":
		return f.Backend()
	case "whisper":
		return NewWhisperProvider(WhisperConfig{
			APIBase: fc.OpenAI.APIBase,
			APIKey:  fc.OpenAI.APIKey,
			Model:   fc.OpenAI.WhisperModel,
			Logger:  f.logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transcriber: %s", fc.Transcriber)
	}
}
