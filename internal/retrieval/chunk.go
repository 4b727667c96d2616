package retrieval

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n\s*`)

// minChunkableRunes is the shortest text worth chunking.
const minChunkableRunes = 10

// Chunker splits text into overlapping chunks on paragraph boundaries.
// A paragraph longer than Size has no usable boundary and is cut into
// windows of Size runes that overlap by Overlap runes.
type Chunker struct {
	Size    int
	Overlap int
}

// Split returns the chunks of text in order.
func (c Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minChunkableRunes {
		return nil
	}

	var (
		chunks  []string
		current string
	)
	for _, para := range paragraphBreak.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if utf8.RuneCountInString(para) > c.Size {
			if current != "" {
				chunks = append(chunks, current)
			}
			pieces := c.hardSplit(para)
			if len(pieces) == 0 {
				current = ""
				continue
			}
			chunks = append(chunks, pieces[:len(pieces)-1]...)
			current = pieces[len(pieces)-1]
			continue
		}

		switch {
		case current == "":
			current = para
		case utf8.RuneCountInString(current)+2+utf8.RuneCountInString(para) > c.Size:
			chunks = append(chunks, current)
			if overlap := strings.TrimSpace(tail(current, c.Overlap)); overlap != "" {
				current = overlap + "\n\n" + para
			} else {
				current = para
			}
		default:
			current += "\n\n" + para
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// hardSplit cuts s into windows of at most Size runes, preferring to end a
// window on whitespace in its second half. Windows that hold only
// whitespace are dropped.
func (c Chunker) hardSplit(s string) []string {
	runes := []rune(s)
	step := c.Size - c.Overlap
	if step <= 0 {
		step = c.Size
	}

	var pieces []string
	for start := 0; start < len(runes); {
		end := start + c.Size
		if end >= len(runes) {
			pieces = appendPiece(pieces, runes[start:])
			break
		}
		for i := end; i > start+c.Size/2; i-- {
			if unicode.IsSpace(runes[i]) {
				end = i
				break
			}
		}
		pieces = appendPiece(pieces, runes[start:end])
		next := end - c.Overlap
		if next <= start {
			next = start + step
		}
		start = next
	}
	return pieces
}

func appendPiece(pieces []string, window []rune) []string {
	if piece := strings.TrimSpace(string(window)); piece != "" {
		return append(pieces, piece)
	}
	return pieces
}

func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

// EstimateTokens approximates the token count at four characters per token.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
