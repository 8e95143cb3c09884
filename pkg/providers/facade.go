package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/qduc/relay/pkg/httpclient"
)

// Kind selects the upstream wire family a provider speaks.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindResponses Kind = "openai-responses"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
)

const (
	defaultChatTimeout   = 120 * time.Second
	defaultModelsTimeout = 15 * time.Second

	anthropicVersion = "2023-06-01"
)

// defaultBaseURLs are the class defaults per kind. An empty BaseURL in
// Settings falls back here, never to a config-supplied URL.
var defaultBaseURLs = map[Kind]string{
	KindOpenAI:    "https://api.openai.com",
	KindResponses: "https://api.openai.com",
	KindAnthropic: "https://api.anthropic.com",
	KindGemini:    "https://generativelanguage.googleapis.com",
}

// Settings configures one provider instance.
type Settings struct {
	ID           string
	Kind         Kind
	APIKey       string
	BaseURL      string
	DefaultModel string
	ExtraHeaders map[string]string
	MaxRetries   int
}

// Provider is the facade over one upstream: it resolves the base URL,
// selects the wire adapter, and performs the HTTP calls. Callers only ever
// see the internal Chat-Completions-shaped format.
type Provider struct {
	id           string
	kind         Kind
	apiKey       string
	baseURL      string
	defaultModel string
	extraHeaders map[string]string
	adapter      Adapter
	client       *httpclient.Client
	modelsClient *httpclient.Client
	logger       *slog.Logger
}

// New builds a provider from settings. Unknown kinds default to the
// OpenAI-compatible family.
func New(settings Settings, logger *slog.Logger) *Provider {
	kind := settings.Kind
	if _, known := defaultBaseURLs[kind]; !known {
		kind = KindOpenAI
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		id:           settings.ID,
		kind:         kind,
		apiKey:       settings.APIKey,
		baseURL:      ResolveBaseURL(kind, settings.BaseURL),
		defaultModel: settings.DefaultModel,
		extraHeaders: settings.ExtraHeaders,
		adapter:      adapterFor(kind),
		logger:       logger.With("provider", settings.ID),
	}

	maxRetries := settings.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	parser := headerParserFor(kind)
	p.client = httpclient.New(
		httpclient.WithTimeout(defaultChatTimeout),
		httpclient.WithMaxRetries(maxRetries),
		httpclient.WithHeaderParser(parser),
	)
	p.modelsClient = httpclient.New(
		httpclient.WithTimeout(defaultModelsTimeout),
		httpclient.WithMaxRetries(1),
		httpclient.WithHeaderParser(parser),
	)
	return p
}

func adapterFor(kind Kind) Adapter {
	switch kind {
	case KindResponses:
		return ResponsesAdapter{}
	case KindAnthropic:
		return AnthropicAdapter{}
	case KindGemini:
		return GeminiAdapter{}
	default:
		return ChatCompletionsAdapter{}
	}
}

func headerParserFor(kind Kind) httpclient.RateLimitHeaderParser {
	switch kind {
	case KindAnthropic:
		return httpclient.ParseAnthropicHeaders
	case KindGemini:
		return httpclient.ParseGeminiHeaders
	default:
		return httpclient.ParseOpenAIHeaders
	}
}

// ResolveBaseURL applies the default-on-empty fallback and strips a
// trailing /v1 from custom URLs in the OpenAI-compatible family. Anthropic
// and Gemini URLs pass through verbatim.
func ResolveBaseURL(kind Kind, override string) string {
	if override == "" {
		return defaultBaseURLs[kind]
	}
	base := strings.TrimRight(override, "/")
	if kind == KindOpenAI || kind == KindResponses {
		base = strings.TrimSuffix(base, "/v1")
	}
	return base
}

func (p *Provider) ID() string           { return p.id }
func (p *Provider) Kind() Kind           { return p.kind }
func (p *Provider) BaseURL() string      { return p.baseURL }
func (p *Provider) DefaultModel() string { return p.defaultModel }
func (p *Provider) Adapter() Adapter     { return p.adapter }

// SupportsTools reports whether the upstream accepts function tools. All
// current families do.
func (p *Provider) SupportsTools() bool { return true }

// SupportsReasoningControls reports whether reasoning_effort applies to the
// given model.
func (p *Provider) SupportsReasoningControls(model string) bool {
	switch p.kind {
	case KindOpenAI, KindResponses:
		return isReasoningModel(model)
	default:
		return false
	}
}

func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// SupportsPromptCaching reports whether the upstream honors prompt-caching
// directives.
func (p *Provider) SupportsPromptCaching() bool {
	return p.kind == KindAnthropic
}

// NeedsStreamTranslation reports whether upstream stream events must be
// rewritten into chat.completion.chunk frames.
func (p *Provider) NeedsStreamTranslation() bool {
	return p.adapter.NeedsStreamTranslation()
}

// GetToolsetSpec returns the tools in the uniform internal function shape
// for every provider. Provider-specific conversion happens only inside
// TranslateRequest; returning wire shapes here would get them translated
// twice.
func (p *Provider) GetToolsetSpec(tools []Tool) []Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]Tool, len(tools))
	copy(out, tools)
	return out
}

// SendRequest performs a unary call and returns the response as a standard
// chat.completion object.
func (p *Provider) SendRequest(ctx context.Context, req *ChatRequest) (map[string]interface{}, error) {
	// The retrying client hands back the final response together with the
	// error when retries are exhausted; prefer the status-carrying path.
	resp, err := p.SendRawRequest(ctx, req)
	if resp == nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("reading response body: %w", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}
	if err != nil {
		return nil, err
	}
	return p.adapter.TranslateResponse(body)
}

// SendRawRequest performs the HTTP POST and returns the raw response. The
// caller owns the body; streaming callers read it as SSE.
func (p *Provider) SendRawRequest(ctx context.Context, req *ChatRequest) (*http.Response, error) {
	if req.Model == "" {
		req.Model = p.defaultModel
	}

	wire, endpoint, err := p.adapter.TranslateRequest(req)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpointURL(endpoint), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	p.setHeaders(httpReq, req.WantsStream())

	p.logger.Debug("upstream request",
		"endpoint", endpoint,
		"model", req.Model,
		"stream", req.WantsStream())

	return p.client.Do(httpReq)
}

// StreamRequest is the stream-capable entry. The shared retry client
// already streams response bodies, so it is the raw path.
func (p *Provider) StreamRequest(ctx context.Context, req *ChatRequest) (*http.Response, error) {
	return p.SendRawRequest(ctx, req)
}

func (p *Provider) endpointURL(endpoint string) string {
	full := p.baseURL + endpoint
	if p.kind == KindGemini && p.apiKey != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		full += sep + "key=" + url.QueryEscape(p.apiKey)
	}
	return full
}

func (p *Provider) setHeaders(req *http.Request, streaming bool) {
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	switch p.kind {
	case KindAnthropic:
		req.Header.Set("x-api-key", p.apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	case KindGemini:
		// Key travels as a query parameter.
	default:
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
	}

	for k, v := range p.extraHeaders {
		req.Header.Set(k, v)
	}
}

// UpstreamError is a non-2xx response from the provider.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}
