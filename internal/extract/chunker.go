package extract

import "strings"

// defaultChunkSize bounds chunk content length in bytes. Sized so a chunk
// fits comfortably inside typical embedding-model context windows.
const defaultChunkSize = 1500

// Piece is one chunk of extracted text with its surrounding heading, before
// any embedding is attached.
type Piece struct {
	Content        string
	HeadingContext string
}

// ChunkText splits extracted text into ordered pieces of at most maxLen
// bytes. Markdown headings update the heading context carried by following
// pieces; splits happen on paragraph boundaries first, then word boundaries.
func ChunkText(text string, maxLen int) []Piece {
	if maxLen <= 0 {
		maxLen = defaultChunkSize
	}

	var pieces []Piece
	var heading string
	var buf strings.Builder

	flush := func() {
		content := strings.TrimSpace(buf.String())
		buf.Reset()
		if content == "" {
			return
		}
		pieces = append(pieces, Piece{Content: content, HeadingContext: heading})
	}

	for _, para := range splitParagraphs(text) {
		if h, ok := parseHeading(para); ok {
			flush()
			heading = h
			continue
		}

		if buf.Len() > 0 && buf.Len()+len(para)+2 > maxLen {
			flush()
		}

		if len(para) > maxLen {
			flush()
			for _, part := range splitWords(para, maxLen) {
				pieces = append(pieces, Piece{Content: part, HeadingContext: heading})
			}
			continue
		}

		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(para)
	}
	flush()

	return pieces
}

// splitParagraphs breaks text on blank lines, trimming each paragraph.
// Heading lines are kept as their own paragraphs even without surrounding
// blank lines.
func splitParagraphs(text string) []string {
	var paras []string
	var cur []string

	flush := func() {
		if len(cur) == 0 {
			return
		}
		p := strings.TrimSpace(strings.Join(cur, "\n"))
		cur = cur[:0]
		if p != "" {
			paras = append(paras, p)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if _, ok := parseHeading(trimmed); ok {
			flush()
			paras = append(paras, trimmed)
			continue
		}
		cur = append(cur, trimmed)
	}
	flush()

	return paras
}

// parseHeading reports whether a paragraph is a markdown ATX heading and
// returns its title without the leading hashes.
func parseHeading(para string) (string, bool) {
	if !strings.HasPrefix(para, "#") {
		return "", false
	}
	rest := strings.TrimLeft(para, "#")
	if rest == para || len(para)-len(rest) > 6 {
		return "", false
	}
	if !strings.HasPrefix(rest, " ") {
		return "", false
	}
	title := strings.TrimSpace(rest)
	if title == "" {
		return "", false
	}
	return title, true
}

// splitWords cuts an oversized paragraph into maxLen-bounded parts on word
// boundaries. A single word longer than maxLen is hard-cut.
func splitWords(para string, maxLen int) []string {
	var parts []string
	var buf strings.Builder

	for _, word := range strings.Fields(para) {
		for len(word) > maxLen {
			if buf.Len() > 0 {
				parts = append(parts, buf.String())
				buf.Reset()
			}
			parts = append(parts, word[:maxLen])
			word = word[maxLen:]
		}
		if buf.Len() > 0 && buf.Len()+len(word)+1 > maxLen {
			parts = append(parts, buf.String())
			buf.Reset()
		}
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(word)
	}
	if buf.Len() > 0 {
		parts = append(parts, buf.String())
	}

	return parts
}
