package knowledge

import (
	"strings"
	"unicode/utf8"
)

// Default chunking, in characters.
const (
	DefaultChunkSize    = 750
	DefaultChunkOverlap = 150
)

// separators are tried in order; the empty separator splits characters.
var separators = []string{"\n\n", "\n", ". ", " ", ""}

// Splitter cuts text into overlapping chunks of at most Size characters,
// preferring paragraph, then line, sentence and word boundaries.
type Splitter struct {
	Size    int
	Overlap int
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// Split returns the chunks of s. Whitespace-only input yields nil.
func (sp Splitter) Split(s string) []string {
	size, overlap := sp.Size, sp.Overlap
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	for _, c := range split(strings.TrimSpace(s), separators, size, overlap) {
		if c = strings.TrimSpace(c); c != "" {
			chunks = append(chunks, c)
		}
	}
	return chunks
}

func split(s string, seps []string, size, overlap int) []string {
	if runeLen(s) <= size {
		return []string{s}
	}

	// First separator present in s; "" always matches.
	sep, rest := seps[len(seps)-1], []string(nil)
	for i, cand := range seps {
		if cand == "" || strings.Contains(s, cand) {
			sep, rest = cand, seps[i+1:]
			break
		}
	}

	var pieces []string
	if sep == "" {
		for _, r := range s {
			pieces = append(pieces, string(r))
		}
	} else {
		parts := strings.SplitAfter(s, sep)
		for _, p := range parts {
			if p != "" {
				pieces = append(pieces, p)
			}
		}
	}

	var out []string
	var window []string
	windowLen := 0

	emit := func() {
		if len(window) == 0 {
			return
		}
		out = append(out, strings.Join(window, ""))
		// Keep trailing pieces that fit in the overlap.
		for windowLen > overlap && len(window) > 0 {
			windowLen -= runeLen(window[0])
			window = window[1:]
		}
	}

	for _, p := range pieces {
		n := runeLen(p)
		if n > size {
			emit()
			window, windowLen = nil, 0
			if len(rest) == 0 {
				out = append(out, p)
				continue
			}
			out = append(out, split(p, rest, size, overlap)...)
			continue
		}
		if windowLen+n > size && len(window) > 0 {
			emit()
			// The overlap may still leave no room for p.
			for windowLen+n > size && len(window) > 0 {
				windowLen -= runeLen(window[0])
				window = window[1:]
			}
		}
		window = append(window, p)
		windowLen += n
	}
	if len(window) > 0 {
		out = append(out, strings.Join(window, ""))
	}
	return out
}
