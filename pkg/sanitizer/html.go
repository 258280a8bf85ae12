// Package sanitizer scrubs the HTML produced from Source markdown before
// it is embedded in Sink page blocks. Comment bodies are user-authored
// markdown; rendering them and forwarding the HTML verbatim would let a
// task comment inject markup into the knowledge base.
package sanitizer

import (
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policyOnce  sync.Once
	blockPolicy *bluemonday.Policy
)

// policy allows the formatting subset the Sink's block renderer supports:
// standard text markup, lists, code, blockquotes, and links forced to safe
// schemes with rel=nofollow.
func policy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.NewPolicy()
		p.AllowElements(
			"p", "br", "strong", "em", "b", "i", "s", "u",
			"h1", "h2", "h3", "h4", "h5", "h6",
			"ul", "ol", "li",
			"code", "pre", "blockquote", "hr",
		)
		p.AllowAttrs("href").OnElements("a")
		p.AllowStandardURLs()
		p.RequireNoFollowOnLinks(true)
		blockPolicy = p
	})
	return blockPolicy
}

// SanitizeHTML returns s with everything outside the allowed block-content
// subset stripped.
func SanitizeHTML(s string) string {
	return policy().Sanitize(s)
}
