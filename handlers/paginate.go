package handlers

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxMessageLength is the platform's hard limit per message.
	MaxMessageLength = 4096
	// softChunkLength leaves room under the limit for headers.
	softChunkLength = 4000
)

// Paginate joins lines under header into as few messages as possible. When
// the whole text exceeds MaxMessageLength it is cut at line boundaries into
// chunks of at most softChunkLength characters; chunks after the first start
// with continued. Lines that alone exceed a chunk are split.
func Paginate(header, continued string, lines []string) []string {
	full := header + strings.Join(lines, "")
	if utf8.RuneCountInString(full) <= MaxMessageLength {
		return []string{full}
	}

	headerLen := max(utf8.RuneCountInString(header), utf8.RuneCountInString(continued))
	pieceLimit := softChunkLength - headerLen

	var (
		chunks  []string
		current strings.Builder
		curLen  int
		body    bool
	)
	current.WriteString(header)
	curLen = utf8.RuneCountInString(header)

	for _, line := range lines {
		for _, piece := range splitRunes(line, pieceLimit) {
			n := utf8.RuneCountInString(piece)
			if body && curLen+n > softChunkLength {
				chunks = append(chunks, current.String())
				current.Reset()
				current.WriteString(continued)
				curLen = utf8.RuneCountInString(continued)
				body = false
			}
			current.WriteString(piece)
			curLen += n
			body = true
		}
	}
	if body {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// splitRunes cuts s into pieces of at most limit runes.
func splitRunes(s string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var pieces []string
	runes := []rune(s)
	for len(runes) > limit {
		pieces = append(pieces, string(runes[:limit]))
		runes = runes[limit:]
	}
	if len(runes) > 0 {
		pieces = append(pieces, string(runes))
	}
	return pieces
}
