package whatsapp

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// ToWhatsApp converts Markdown (as most LLM backends produce it) to
// WhatsApp's own markup: *bold*, _italic_, ~strike~, `code` and
// ```blocks```. Headings become bold lines, links become "text (url)"
// and bullets become "•". Intraword delimiters such as "2*3*4" and
// HTML are passed through as written.
func ToWhatsApp(md string) string {
	src := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(src))

	w := &markupWriter{src: src, linkStart: make(map[ast.Node]int)}
	_ = ast.Walk(doc, w.visit)
	return strings.TrimSpace(w.b.String())
}

type markupWriter struct {
	src       []byte
	b         strings.Builder
	linkStart map[ast.Node]int
}

// separate starts a new block after its previous sibling.
func (w *markupWriter) separate(n ast.Node) {
	if n.PreviousSibling() == nil || w.b.Len() == 0 {
		return
	}
	switch n.Parent().(type) {
	case *ast.ListItem, *ast.List:
		w.b.WriteString("\n")
	default:
		w.b.WriteString("\n\n")
	}
}

func (w *markupWriter) visit(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := n.(type) {
	case *ast.Paragraph:
		if entering {
			w.separate(n)
			if _, ok := n.Parent().(*ast.Blockquote); ok {
				w.b.WriteString("> ")
			}
		}

	case *ast.TextBlock:
		if entering {
			w.separate(n)
		}

	case *ast.Heading:
		if entering {
			w.separate(n)
		}
		w.b.WriteString("*")

	case *ast.Blockquote:
		if entering {
			w.separate(n)
		}

	case *ast.ThematicBreak:
		if entering {
			w.separate(n)
			w.b.WriteString("───")
		}

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			w.separate(n)
			w.b.WriteString("```\n")
			lines := n.Lines()
			var code strings.Builder
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				code.Write(seg.Value(w.src))
			}
			w.b.WriteString(strings.TrimRight(code.String(), "\n"))
			w.b.WriteString("\n```")
		}
		return ast.WalkSkipChildren, nil

	case *ast.List:
		if entering {
			w.separate(n)
		}

	case *ast.ListItem:
		if entering {
			if n.PreviousSibling() != nil {
				w.b.WriteString("\n")
			}
			w.b.WriteString(strings.Repeat("  ", listDepth(n)-1))
			list := n.Parent().(*ast.List)
			if list.IsOrdered() {
				fmt.Fprintf(&w.b, "%d. ", list.Start+childIndex(n))
			} else {
				w.b.WriteString("• ")
			}
		}

	case *ast.Emphasis:
		if open, closing, ok := w.intraword(n); ok {
			if entering {
				w.b.Write(open)
			} else {
				w.b.Write(closing)
			}
			return ast.WalkContinue, nil
		}
		if n.Level >= 2 {
			w.b.WriteString("*")
		} else {
			w.b.WriteString("_")
		}

	case *east.Strikethrough:
		w.b.WriteString("~")

	case *ast.CodeSpan:
		w.b.WriteString("`")

	case *ast.Link:
		if entering {
			w.linkStart[n] = w.b.Len()
			return ast.WalkContinue, nil
		}
		label := w.b.String()[w.linkStart[n]:]
		dest := string(n.Destination)
		if dest != "" && label != dest {
			fmt.Fprintf(&w.b, " (%s)", dest)
		}

	case *ast.AutoLink:
		if entering {
			w.b.Write(n.URL(w.src))
		}
		return ast.WalkSkipChildren, nil

	case *ast.Image:
		if entering {
			w.b.Write(n.Destination)
		}
		return ast.WalkSkipChildren, nil

	case *ast.Text:
		if entering {
			w.b.Write(n.Segment.Value(w.src))
			if n.SoftLineBreak() || n.HardLineBreak() {
				w.b.WriteString("\n")
			}
		}

	case *ast.String:
		if entering {
			w.b.Write(n.Value)
		}

	case *ast.RawHTML:
		if entering {
			for i := 0; i < n.Segments.Len(); i++ {
				seg := n.Segments.At(i)
				w.b.Write(seg.Value(w.src))
			}
		}
		return ast.WalkSkipChildren, nil

	case *ast.HTMLBlock:
		if entering {
			w.separate(n)
			var raw strings.Builder
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				raw.Write(seg.Value(w.src))
			}
			if n.HasClosure() {
				raw.Write(n.ClosureLine.Value(w.src))
			}
			w.b.WriteString(strings.TrimRight(raw.String(), "\n"))
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

// intraword reports whether emphasis n sits inside a word, like the
// "*" pair in "2*3*4". WhatsApp would not style those either, so the
// source delimiters are returned for verbatim output.
func (w *markupWriter) intraword(n *ast.Emphasis) (open, closing []byte, ok bool) {
	first, okFirst := n.FirstChild().(*ast.Text)
	last, okLast := n.LastChild().(*ast.Text)
	if !okFirst || !okLast {
		return nil, nil, false
	}
	start, stop, l := first.Segment.Start, last.Segment.Stop, n.Level
	if start-l <= 0 || stop+l >= len(w.src) {
		return nil, nil, false
	}
	before, _ := utf8.DecodeLastRune(w.src[:start-l])
	after, _ := utf8.DecodeRune(w.src[stop+l:])
	if !isWordRune(before) || !isWordRune(after) {
		return nil, nil, false
	}
	return w.src[start-l : start], w.src[stop : stop+l], true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// listDepth counts the lists enclosing n.
func listDepth(n ast.Node) int {
	depth := 0
	for p := n.Parent(); p != nil; p = p.Parent() {
		if _, ok := p.(*ast.List); ok {
			depth++
		}
	}
	return depth
}

func childIndex(n ast.Node) int {
	i := 0
	for s := n.PreviousSibling(); s != nil; s = s.PreviousSibling() {
		i++
	}
	return i
}
