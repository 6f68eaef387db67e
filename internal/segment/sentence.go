// Package segment cuts streamed generator output into the units the next
// pipeline stage consumes: sentences for text and fixed-duration frames for PCM.
package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// IsPunctuation reports whether r terminates a sentence.
func IsPunctuation(r rune) bool {
	switch r {
	case ',', '，', '。', '.', '!', '！', '?', '？', ':', '：':
		return true
	}
	return false
}

// Feed appends text to pending and splits the result into complete sentences
// and the remainder. A sentence ends on punctuation and must contain a letter
// or digit; punctuation-only fragments stay in the remainder and lead the next
// sentence. Bytes that do not form a complete rune are kept in the remainder
// until a later call completes them, so no input is ever dropped.
func Feed(pending, text string) (sentences []string, remainder string) {
	var s splitter
	sentences = s.feed(pending + text)
	return sentences, string(s.buf)
}

// splitter is the incremental form of Feed. It remembers how far buf has been
// classified so each byte is decoded once however long a sentence runs.
type splitter struct {
	buf []byte
	// scanned bytes of buf are already classified
	scanned int
	// hasContent reports a letter or digit in buf[:scanned]
	hasContent bool
}

func (s *splitter) feed(text string) []string {
	s.buf = append(s.buf, text...)
	var sentences []string
	start, i := 0, s.scanned
	for i < len(s.buf) {
		if !utf8.FullRune(s.buf[i:]) {
			break
		}
		r, size := utf8.DecodeRune(s.buf[i:])
		i += size
		if r == utf8.RuneError && size <= 1 {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			s.hasContent = true
			continue
		}
		if IsPunctuation(r) && s.hasContent {
			sentences = append(sentences, string(s.buf[start:i]))
			start = i
			s.hasContent = false
		}
	}
	s.buf = s.buf[start:]
	s.scanned = i - start
	return sentences
}

func (s *splitter) reset() {
	s.buf = nil
	s.scanned = 0
	s.hasContent = false
}

// SentenceBuffer is the per-request segmentation state: the unterminated
// pending fragment and the full text seen so far.
type SentenceBuffer struct {
	split splitter
	total strings.Builder
}

func NewSentenceBuffer() *SentenceBuffer {
	return &SentenceBuffer{}
}

// Feed consumes one streamed chunk and returns the sentences it completed.
func (b *SentenceBuffer) Feed(chunk string) []string {
	b.total.WriteString(chunk)
	return b.split.feed(chunk)
}

// Flush returns and clears the pending fragment. ok is false when nothing is pending.
func (b *SentenceBuffer) Flush() (string, bool) {
	if len(b.split.buf) == 0 {
		return "", false
	}
	rest := string(b.split.buf)
	b.split.reset()
	return rest, true
}

// Pending returns the fragment not yet emitted.
func (b *SentenceBuffer) Pending() string {
	return string(b.split.buf)
}

// Total returns everything fed so far.
func (b *SentenceBuffer) Total() string {
	return b.total.String()
}
