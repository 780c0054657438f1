package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/nulpointcorp/model-gateway/internal/providers"
)

// Cacheable reports whether a request is deterministic enough to cache:
// zero temperature, no tool calls, no streaming.
func Cacheable(req *providers.Request) bool {
	return req.Temperature == 0 && len(req.Tools) == 0 && !req.Streaming
}

// Key derives the deterministic cache key for a request. Every input that
// can change the generated text participates in the hash.
func Key(req *providers.Request) string {
	h := sha256.New()

	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	write(req.PreferredProvider)
	write(req.PreferredModel)
	write(req.SystemPrompt)
	write(req.Prompt)
	write(strconv.Itoa(req.MaxTokens))
	write(req.Context.Region)
	for _, cap := range req.RequiredCapabilities {
		write(cap)
	}
	for _, m := range req.Context.History {
		write(m.Role)
		write(m.Content)
	}

	return "gateway:cache:" + hex.EncodeToString(h.Sum(nil))
}
