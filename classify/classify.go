// Package classify maps an incoming request's path and headers to the
// upstream provider it should be forwarded to. Classification is
// path-first, header-confirming, and runs after the session prefix has
// been stripped, so a tagged path like /_session/foo/v1/messages
// classifies from /v1/messages onward.
package classify

import (
	"net/http"
	"strings"

	"github.com/interceptor-proxy/interceptor/model"
)

// Classify returns the provider a forwardPath (already stripped of any
// /_session/{id} prefix) belongs to, per the ordered rules:
//
//  1. /v1/messages           -> anthropic
//  2. /v1/...                -> openai
//  3. /api/...                -> ollama
//  4. anything else          -> passthrough
//
// The anthropic-version header is not required to confirm rule 1 — its
// presence only strengthens the match, its absence does not change the
// outcome.
func Classify(forwardPath string, _ http.Header) model.Provider {
	switch {
	case strings.HasPrefix(forwardPath, "/v1/messages"):
		return model.ProviderAnthropic
	case strings.HasPrefix(forwardPath, "/v1/"):
		return model.ProviderOpenAI
	case strings.HasPrefix(forwardPath, "/api/"):
		return model.ProviderOllama
	default:
		return model.ProviderPassthrough
	}
}
