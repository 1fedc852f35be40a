package outbound

import (
	"strings"
	"unicode"
)

// ChunkText splits text into pieces of at most limit runes. Each cut
// prefers the last newline in the window, then the last space, and falls
// back to a hard cut. Pieces are trimmed and empty pieces dropped.
func ChunkText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	runes := []rune(trimmed)
	if limit <= 0 || len(runes) <= limit {
		return []string{trimmed}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = appendChunk(chunks, runes)
			break
		}
		cut := lastIndex(runes[:limit+1], '\n')
		if cut <= 0 {
			cut = lastSpace(runes[:limit+1])
		}
		if cut <= 0 {
			cut = limit
		}
		chunks = appendChunk(chunks, runes[:cut])
		runes = runes[cut:]
	}
	return chunks
}

func appendChunk(chunks []string, runes []rune) []string {
	if s := strings.TrimSpace(string(runes)); s != "" {
		return append(chunks, s)
	}
	return chunks
}

func lastIndex(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}
