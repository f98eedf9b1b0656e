package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

// Normalize prepares prompt text for hashing: lowercase, whitespace
// collapsed, punctuation stripped. Near-identical prompts collide on the
// same key.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		case unicode.IsPunct(r):
			// stripped
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

// KeyFor computes the deterministic cache key for a request: a hash over
// normalized message content plus every decision-relevant parameter. variant
// separates entries that share a prompt but may legitimately differ, such as
// the optimization objective (keyed before routing) or a resolved model name.
func KeyFor(req *types.RoutingRequest, variant string) string {
	h := sha256.New()
	for _, m := range req.Messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(Normalize(m.Content)))
		h.Write([]byte{0})
	}
	h.Write([]byte(variant))
	if req.Temperature != nil {
		fmt.Fprintf(h, "|t=%.3f", *req.Temperature)
	}
	if req.MaxTokens != nil {
		fmt.Fprintf(h, "|m=%d", *req.MaxTokens)
	}
	return "gw:" + hex.EncodeToString(h.Sum(nil))
}
