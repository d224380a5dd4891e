// Package paragraph turns a merged transcript into timed paragraphs.
package paragraph

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	DefaultMinDurationMs = 1500
	DefaultMsPerChar     = 60
)

type Paragraph struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
}

// Segmenter estimates paragraph timing from text length alone.
type Segmenter struct {
	MinDurationMs int64
	MsPerChar     int64
}

func NewSegmenter() Segmenter {
	return Segmenter{
		MinDurationMs: DefaultMinDurationMs,
		MsPerChar:     DefaultMsPerChar,
	}
}

// Segment returns one paragraph per sentence, laid end to end from 0.
// The result is never nil.
func (s Segmenter) Segment(text string) []Paragraph {
	sentences := SplitSentences(text)
	paragraphs := make([]Paragraph, 0, len(sentences))

	var cursor int64
	for _, sentence := range sentences {
		d := max(s.MinDurationMs, int64(utf8.RuneCountInString(sentence))*s.MsPerChar)
		paragraphs = append(paragraphs, Paragraph{
			ID:      uuid.NewString(),
			Text:    sentence,
			StartMs: cursor,
			EndMs:   cursor + d,
		})
		cursor += d
	}
	return paragraphs
}

// SplitSentences breaks text after terminal punctuation that is followed by
// whitespace or the end of the text.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string

	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}

		j := i + 1
		for j < len(runes) && isTerminal(runes[j]) {
			j++
		}
		for j < len(runes) && isCloser(runes[j]) {
			j++
		}
		if j < len(runes) && !unicode.IsSpace(runes[j]) {
			i = j - 1
			continue
		}

		if s := strings.TrimSpace(string(runes[start:j])); s != "" {
			sentences = append(sentences, s)
		}
		start = j
		i = j - 1
	}

	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', ')', ']', '}', '»', '」', '』':
		return true
	}
	return false
}
