// Package knowledge is the EV knowledge base behind retrieveEVKnowledge:
// document parsing, chunking, a SQLite vector store and the retriever that
// answers questions from stored passages.
package knowledge

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Section is a run of document text under one heading.
type Section struct {
	Heading string
	Text    string
}

// Format identifies a document parser.
type Format string

// Supported formats.
const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatText     Format = "text"
)

// FormatFor picks a format from a file extension. ok is false for files
// the knowledge base does not read.
func FormatFor(path string) (f Format, ok bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown, true
	case ".html", ".htm":
		return FormatHTML, true
	case ".txt", ".text":
		return FormatText, true
	}
	return "", false
}

// Parse reads a document into sections.
func Parse(format Format, r io.Reader) ([]Section, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	switch format {
	case FormatMarkdown:
		return parseMarkdown(src), nil
	case FormatHTML:
		return parseHTML(src)
	case FormatText:
		return nonEmpty([]Section{{Text: strings.TrimSpace(string(src))}}), nil
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

// parseMarkdown splits on h1-h3 headings. Deeper headings stay in the
// body text. Headings nest, so "Charging > Level 2" is the heading of a
// level-2 section under a level-1 "Charging".
func parseMarkdown(src []byte) []Section {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var sections []Section
	var trail [3]string
	var body strings.Builder

	flush := func() {
		sections = append(sections, Section{Heading: joinTrail(trail[:]), Text: strings.TrimSpace(body.String())})
		body.Reset()
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && h.Level <= 3 {
			flush()
			trail[h.Level-1] = strings.TrimSpace(string(blockText(h, src)))
			for i := h.Level; i < len(trail); i++ {
				trail[i] = ""
			}
			continue
		}
		if body.Len() > 0 {
			body.WriteString("\n\n")
		}
		body.Write(blockText(n, src))
	}
	flush()
	return nonEmpty(sections)
}

// blockText returns the source lines of a block, descending into
// containers such as lists and block quotes.
func blockText(n ast.Node, src []byte) []byte {
	var buf bytes.Buffer
	if n.Type() == ast.TypeBlock && n.Lines().Len() > 0 {
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(src))
		}
		return bytes.TrimRight(buf.Bytes(), "\n")
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		part := blockText(c, src)
		if len(part) == 0 {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		if _, ok := c.(*ast.ListItem); ok {
			buf.WriteString("- ")
		}
		buf.Write(part)
	}
	return buf.Bytes()
}

func joinTrail(trail []string) string {
	var parts []string
	for _, t := range trail {
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " > ")
}

func nonEmpty(sections []Section) []Section {
	out := sections[:0]
	for _, s := range sections {
		if s.Text != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// skipped elements contribute no text.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
}

// parseHTML extracts visible text, starting a new section at each h1-h3.
func parseHTML(src []byte) ([]Section, error) {
	doc, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var sections []Section
	heading := ""
	var body strings.Builder

	flush := func() {
		sections = append(sections, Section{Heading: heading, Text: tidy(body.String())})
		body.Reset()
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipped[n.DataAtom] {
				return
			}
			switch n.DataAtom {
			case atom.H1, atom.H2, atom.H3:
				flush()
				heading = tidy(nodeText(n))
				return
			}
			if isBlock(n.DataAtom) {
				body.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			body.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			body.WriteString("\n")
		}
	}
	walk(doc)
	flush()
	return nonEmpty(sections), nil
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
	}
	return b.String()
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H4, atom.H5, atom.H6, atom.Blockquote, atom.Pre,
		atom.Ul, atom.Ol, atom.Li, atom.Table, atom.Tr, atom.Br,
		atom.Dl, atom.Dt, atom.Dd, atom.Figcaption:
		return true
	}
	return false
}

// tidy collapses spaces within lines and runs of blank lines into a
// single paragraph break.
func tidy(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank = len(out) > 0
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
