package llm

import (
	"net/http"

	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/httpkit"
)

// Strategy captures the provider-specific parts of an otherwise generic
// chat-completions client: per-phase timeouts, cache signaling on the
// request, and cached-token extraction from usage metadata. One client
// implementation composes with one strategy instead of subclassing per
// provider.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Timeouts returns the per-phase transport timeouts.
	Timeouts(cfg config.ProviderConfig) httpkit.TimeoutProfile

	// PrepareHeaders adds provider-specific headers to a request.
	PrepareHeaders(h http.Header)

	// MarkCacheable attaches cache markers to a wire message that closes
	// the static prompt prefix. Providers with automatic prefix caching
	// do nothing here.
	MarkCacheable(m *chatMessage)

	// CachedTokens extracts the cached-token count from usage metadata.
	// Providers that report no cache metrics return zero.
	CachedTokens(u *wireUsage) int
}

// StrategyFor returns the strategy for a configured provider name.
// Unknown names get the no-op strategy rather than an error: a backend
// without cache reporting is degraded, not broken.
func StrategyFor(name string) Strategy {
	switch name {
	case "anthropic":
		return anthropicStrategy{}
	case "openai":
		return openaiStrategy{}
	default:
		return noneStrategy{}
	}
}

func baseTimeouts(cfg config.ProviderConfig) httpkit.TimeoutProfile {
	return httpkit.TimeoutProfile{
		Connect: cfg.ConnectTimeout.Duration,
		Read:    cfg.ReadTimeout.Duration,
	}
}

// anthropicStrategy requests caching explicitly: a beta header plus a
// cache_control marker on the message that ends the static prefix, and
// reads cache hits from cache_read_input_tokens.
type anthropicStrategy struct{}

func (anthropicStrategy) Name() string { return "anthropic" }

func (anthropicStrategy) Timeouts(cfg config.ProviderConfig) httpkit.TimeoutProfile {
	return baseTimeouts(cfg)
}

func (anthropicStrategy) PrepareHeaders(h http.Header) {
	h.Set("anthropic-beta", "prompt-caching-2024-07-31")
}

func (anthropicStrategy) MarkCacheable(m *chatMessage) {
	m.CacheControl = &cacheControl{Type: "ephemeral"}
}

func (anthropicStrategy) CachedTokens(u *wireUsage) int {
	if u == nil || u.CacheReadInputTokens == nil {
		return 0
	}
	return *u.CacheReadInputTokens
}

// openaiStrategy relies on automatic prefix caching: no request markers,
// cached tokens reported under prompt_tokens_details.
type openaiStrategy struct{}

func (openaiStrategy) Name() string { return "openai" }

func (openaiStrategy) Timeouts(cfg config.ProviderConfig) httpkit.TimeoutProfile {
	return baseTimeouts(cfg)
}

func (openaiStrategy) PrepareHeaders(http.Header) {}

func (openaiStrategy) MarkCacheable(*chatMessage) {}

func (openaiStrategy) CachedTokens(u *wireUsage) int {
	if u == nil || u.PromptTokensDetails == nil {
		return 0
	}
	return u.PromptTokensDetails.CachedTokens
}

// noneStrategy is for backends with neither cache markers nor cache
// reporting. Cached tokens surface as zero, never as an error.
type noneStrategy struct{}

func (noneStrategy) Name() string { return "none" }

func (noneStrategy) Timeouts(cfg config.ProviderConfig) httpkit.TimeoutProfile {
	return baseTimeouts(cfg)
}

func (noneStrategy) PrepareHeaders(http.Header) {}

func (noneStrategy) MarkCacheable(*chatMessage) {}

func (noneStrategy) CachedTokens(*wireUsage) int { return 0 }
