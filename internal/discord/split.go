package discord

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageLen is Discord's limit on message content, in characters.
const MaxMessageLen = 2000

const (
	fence     = "```"
	monoExtra = len(fence+"\n") + len("\n"+fence)
)

// Split breaks text into chunks of at most limit characters, cutting at line
// boundaries where it can. Empty chunks are dropped.
func Split(text string, limit int) []string {
	var out []string
	for text != "" {
		if utf8.RuneCountInString(text) <= limit {
			out = appendChunk(out, text)
			break
		}
		cut := byteOffset(text, limit)
		if i := strings.LastIndexByte(text[:cut], '\n'); i > 0 {
			cut = i + 1
		}
		out = appendChunk(out, text[:cut])
		text = text[cut:]
	}
	return out
}

func appendChunk(out []string, s string) []string {
	if strings.TrimSpace(s) == "" {
		return out
	}
	return append(out, s)
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	i := 0
	for range n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}

// Mono splits text and wraps every chunk in a code block. Backtick fences in
// the text are broken up so they cannot end the block early.
func Mono(text string) []string {
	text = strings.ReplaceAll(text, fence, "``\u200b`")
	chunks := Split(text, MaxMessageLen-monoExtra)
	for i, c := range chunks {
		chunks[i] = fence + "\n" + strings.TrimRight(c, "\n") + "\n" + fence
	}
	return chunks
}
