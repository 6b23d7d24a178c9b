package pdf

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// BlockKind classifies a layout block.
type BlockKind int

const (
	BlockParagraph BlockKind = iota
	BlockHeading
	BlockListItem
	BlockRule
	BlockCode
)

// Span is a run of inline text sharing one style.
type Span struct {
	Text   string
	Bold   bool
	Italic bool
	Code   bool
}

// Block is one vertically stacked unit of the layout.
type Block struct {
	Kind   BlockKind
	Level  int
	Depth  int
	Marker string
	Spans  []Span
}

// PlainText joins the block's spans.
func (b Block) PlainText() string {
	var sb strings.Builder
	for _, s := range b.Spans {
		sb.WriteString(s.Text)
	}
	return sb.String()
}

var md = goldmark.New()

// ParseMarkdown flattens CommonMark into layout blocks. Raw HTML is dropped.
func ParseMarkdown(src string) []Block {
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))
	var out []Block
	collectBlocks(doc, source, 0, &out)
	return out
}

func collectBlocks(n ast.Node, src []byte, depth int, out *[]Block) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch node := c.(type) {
		case *ast.Heading:
			*out = append(*out, Block{Kind: BlockHeading, Level: node.Level, Spans: inlineSpans(node, src, style{})})
		case *ast.Paragraph, *ast.TextBlock:
			spans := inlineSpans(node, src, style{})
			if len(spans) > 0 {
				*out = append(*out, Block{Kind: BlockParagraph, Depth: depth, Spans: spans})
			}
		case *ast.List:
			idx := node.Start
			for item := node.FirstChild(); item != nil; item = item.NextSibling() {
				marker := "•"
				if node.IsOrdered() {
					marker = fmt.Sprintf("%d.", idx)
				}
				var sub []Block
				collectBlocks(item, src, depth+1, &sub)
				if len(sub) > 0 && sub[0].Kind == BlockParagraph {
					sub[0].Kind = BlockListItem
					sub[0].Marker = marker
				} else {
					sub = append([]Block{{Kind: BlockListItem, Depth: depth + 1, Marker: marker}}, sub...)
				}
				*out = append(*out, sub...)
				idx++
			}
		case *ast.ThematicBreak:
			*out = append(*out, Block{Kind: BlockRule})
		case *ast.Blockquote:
			collectBlocks(node, src, depth+1, out)
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			var sb strings.Builder
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(src))
			}
			*out = append(*out, Block{Kind: BlockCode, Depth: depth, Spans: []Span{{Text: strings.TrimRight(sb.String(), "\n"), Code: true}}})
		case *ast.HTMLBlock:
		default:
			collectBlocks(c, src, depth, out)
		}
	}
}

type style struct {
	bold, italic, code bool
}

func inlineSpans(n ast.Node, src []byte, st style) []Span {
	var spans []Span
	add := func(s string, st style) {
		if s == "" {
			return
		}
		if l := len(spans); l > 0 {
			last := &spans[l-1]
			if last.Bold == st.bold && last.Italic == st.italic && last.Code == st.code {
				last.Text += s
				return
			}
		}
		spans = append(spans, Span{Text: s, Bold: st.bold, Italic: st.italic, Code: st.code})
	}

	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Text:
			s := string(v.Segment.Value(src))
			switch {
			case v.HardLineBreak():
				s += "\n"
			case v.SoftLineBreak():
				s += " "
			}
			add(s, st)
		case *ast.String:
			add(string(v.Value), st)
		case *ast.Emphasis:
			inner := st
			if v.Level >= 2 {
				inner.bold = true
			} else {
				inner.italic = true
			}
			for _, s := range inlineSpans(v, src, inner) {
				add(s.Text, style{s.Bold, s.Italic, s.Code})
			}
		case *ast.CodeSpan:
			inner := st
			inner.code = true
			for _, s := range inlineSpans(v, src, inner) {
				add(s.Text, style{s.Bold, s.Italic, s.Code})
			}
		case *ast.AutoLink:
			add(string(v.URL(src)), st)
		case *ast.RawHTML:
		default:
			for _, s := range inlineSpans(c, src, st) {
				add(s.Text, style{s.Bold, s.Italic, s.Code})
			}
		}
	}
	return spans
}
