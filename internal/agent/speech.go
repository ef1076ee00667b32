package agent

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// FlattenSpeech converts assistant markdown into plain speakable text
// for voice surfaces: formatting is dropped, link destinations and code
// blocks are skipped, and block boundaries become sentence pauses. Plain
// text passes through unchanged apart from whitespace normalization.
func FlattenSpeech(markdown string) string {
	src := []byte(markdown)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var sb strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				sb.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					sb.WriteByte(' ')
				}
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock, *ast.RawHTML:
			// Not speakable.
			return ast.WalkSkipChildren, nil
		case *ast.Image:
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			// A bare URL read aloud is noise; say nothing.
			return ast.WalkSkipChildren, nil
		default:
			if !entering && isBlockBoundary(n) {
				sb.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.Join(strings.Fields(sb.String()), " ")
}

func isBlockBoundary(n ast.Node) bool {
	switch n.(type) {
	case *ast.Paragraph, *ast.Heading, *ast.ListItem, *ast.Blockquote:
		return true
	}
	return false
}
