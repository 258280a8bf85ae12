// Package markdown renders Source comment bodies into the sanitized HTML
// blocks the sync worker embeds in new Sink pages. Markdown is parsed with goldmark
// and the resulting HTML is passed through pkg/sanitizer's bluemonday policy before
// it is treated as trusted Sink block content.
package markdown

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/capsync/syncagent/internal/model"
	"github.com/capsync/syncagent/pkg/sanitizer"
)

// MaxCommentLength caps comment text embedded in body blocks; anything
// longer is truncated before rendering.
const MaxCommentLength = 2000

var renderer = goldmark.New()

// Truncate clips s to MaxCommentLength runes, matching the documented
// boundary behavior exactly (truncation happens on the raw comment text,
// before markdown conversion, so the limit is predictable to the author).
func Truncate(s string) string {
	r := []rune(s)
	if len(r) <= MaxCommentLength {
		return s
	}
	return string(r[:MaxCommentLength])
}

// RenderToHTML converts markdown text to sanitized HTML safe for embedding
// in a Sink block. Empty input renders to an empty string rather than an
// empty paragraph, so callers can skip emitting a block entirely.
func RenderToHTML(md string) (string, error) {
	if strings.TrimSpace(md) == "" {
		return "", nil
	}

	var buf bytes.Buffer
	if err := renderer.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("markdown: render: %w", err)
	}
	return sanitizer.SanitizeHTML(buf.String()), nil
}

// Blocks builds the Sink body blocks for a task description plus its
// rendered comments, applying the comment-length truncation boundary
// before rendering each one.
func Blocks(description string, comments []model.Comment) ([]model.Block, error) {
	var blocks []model.Block

	if strings.TrimSpace(description) != "" {
		html, err := RenderToHTML(description)
		if err != nil {
			return nil, err
		}
		if html != "" {
			blocks = append(blocks, model.Block{Type: "paragraph", Text: html})
		}
	}

	for _, c := range comments {
		html, err := RenderToHTML(Truncate(c.Content))
		if err != nil {
			return nil, err
		}
		if html == "" {
			continue
		}
		blocks = append(blocks, model.Block{Type: "comment", Text: html})
	}

	return blocks, nil
}

// CommentsAsMarkdown renders a flat markdown document from a comment list,
// used as the "comments-rendered-as-markdown" field of the canonical
// forward payload. Unlike Blocks, this stays as raw
// markdown text (not HTML) since it only ever feeds the forward
// fingerprint and is never embedded directly in a Sink block.
func CommentsAsMarkdown(comments []model.Comment) string {
	if len(comments) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, c := range comments {
		if i > 0 {
			sb.WriteString("\n\n---\n\n")
		}
		sb.WriteString(Truncate(c.Content))
	}
	return sb.String()
}
