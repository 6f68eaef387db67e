package segment

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestFeedSplitsOnPunctuation(t *testing.T) {
	sentences, rest := Feed("", "a,b.")
	if !reflect.DeepEqual(sentences, []string{"a,", "b."}) {
		t.Fatalf("unexpected sentences: %q", sentences)
	}
	if rest != "" {
		t.Fatalf("expected empty remainder, got %q", rest)
	}
}

func TestFeedKeepsUnterminatedRemainder(t *testing.T) {
	sentences, rest := Feed("", "Hello, world. How are you")
	if !reflect.DeepEqual(sentences, []string{"Hello,", " world."}) {
		t.Fatalf("unexpected sentences: %q", sentences)
	}
	if rest != " How are you" {
		t.Fatalf("unexpected remainder %q", rest)
	}
}

func TestFeedSuppressesPunctuationOnlyFragments(t *testing.T) {
	sentences, rest := Feed("", "... ok!")
	if !reflect.DeepEqual(sentences, []string{"... ok!"}) {
		t.Fatalf("unexpected sentences: %q", sentences)
	}
	if rest != "" {
		t.Fatalf("unexpected remainder %q", rest)
	}

	sentences, rest = Feed("", "?!")
	if len(sentences) != 0 || rest != "?!" {
		t.Fatalf("expected punctuation to stay pending, got %q / %q", sentences, rest)
	}
}

func TestFeedFullWidthPunctuation(t *testing.T) {
	sentences, rest := Feed("", "你好，世界。再见")
	if !reflect.DeepEqual(sentences, []string{"你好，", "世界。"}) {
		t.Fatalf("unexpected sentences: %q", sentences)
	}
	if rest != "再见" {
		t.Fatalf("unexpected remainder %q", rest)
	}
}

func TestFeedBuffersSplitRune(t *testing.T) {
	text := "好。"
	raw := []byte(text)
	// cut inside the full stop
	first, second := string(raw[:4]), string(raw[4:])

	sentences, rest := Feed("", first)
	if len(sentences) != 0 {
		t.Fatalf("no sentence expected before the rune completes, got %q", sentences)
	}
	if rest != first {
		t.Fatalf("partial rune must be kept, got %q", rest)
	}
	sentences, rest = Feed(rest, second)
	if !reflect.DeepEqual(sentences, []string{text}) || rest != "" {
		t.Fatalf("unexpected split %q / %q", sentences, rest)
	}
}

func TestFeedTotalityAtEveryBoundary(t *testing.T) {
	inputs := []string{
		"Hello, world. How are you",
		"a,b.",
		"Wait... what?! 3.14 is pi: right",
		"こんにちは。元気？はい！",
		"no punctuation at all",
		"",
	}
	for _, input := range inputs {
		for cut := 0; cut <= len(input); cut++ {
			var out strings.Builder
			pending := ""
			for _, chunk := range []string{input[:cut], input[cut:]} {
				sentences, rest := Feed(pending, chunk)
				for _, s := range sentences {
					out.WriteString(s)
				}
				pending = rest
			}
			out.WriteString(pending)
			if out.String() != input {
				t.Fatalf("input %q cut at %d: reassembled %q", input, cut, out.String())
			}
		}
	}
}

func TestFeedBytewiseMatchesWholeInput(t *testing.T) {
	input := "Hello, world. Ça va? 好的。"
	whole, wholeRest := Feed("", input)

	var got []string
	pending := ""
	for i := 0; i < len(input); i++ {
		sentences, rest := Feed(pending, input[i:i+1])
		got = append(got, sentences...)
		pending = rest
	}
	if !reflect.DeepEqual(got, whole) || pending != wholeRest {
		t.Fatalf("bytewise %q/%q differs from whole %q/%q", got, pending, whole, wholeRest)
	}
}

func TestSentenceBuffer(t *testing.T) {
	buf := NewSentenceBuffer()
	var units []string
	for _, chunk := range []string{"Hel", "lo, wor", "ld. How ", "are you"} {
		units = append(units, buf.Feed(chunk)...)
	}
	if !reflect.DeepEqual(units, []string{"Hello,", " world."}) {
		t.Fatalf("unexpected units %q", units)
	}
	tail, ok := buf.Flush()
	if !ok || tail != " How are you" {
		t.Fatalf("unexpected tail %q (ok=%v)", tail, ok)
	}
	if _, ok := buf.Flush(); ok {
		t.Fatal("second flush should be empty")
	}
	if buf.Total() != "Hello, world. How are you" {
		t.Fatalf("unexpected total %q", buf.Total())
	}
}

func TestSentenceBufferFlushWithoutPunctuation(t *testing.T) {
	buf := NewSentenceBuffer()
	if units := buf.Feed("a"); len(units) != 0 {
		t.Fatalf("unexpected units %q", units)
	}
	tail, ok := buf.Flush()
	if !ok || tail != "a" {
		t.Fatalf("expected tail %q, got %q", "a", tail)
	}
}

func TestSentenceBufferScansEachByteOnce(t *testing.T) {
	buf := NewSentenceBuffer()
	for i := 0; i < 1000; i++ {
		if units := buf.Feed("word "); len(units) != 0 {
			t.Fatalf("unexpected units %q", units)
		}
	}
	if buf.split.scanned != len(buf.split.buf) || !buf.split.hasContent {
		t.Fatalf("scan state not carried over: scanned=%d len=%d content=%v",
			buf.split.scanned, len(buf.split.buf), buf.split.hasContent)
	}

	// A split rune stops the scan until its last byte arrives.
	ni := "你"
	buf = NewSentenceBuffer()
	buf.Feed("ab" + ni[:1])
	if buf.split.scanned != 2 {
		t.Fatalf("expected scan to stop before the partial rune, got %d", buf.split.scanned)
	}
	units := buf.Feed(ni[1:] + "。")
	if !reflect.DeepEqual(units, []string{"ab你。"}) {
		t.Fatalf("unexpected units %q", units)
	}
	if buf.Pending() != "" || buf.split.scanned != 0 || buf.split.hasContent {
		t.Fatalf("state not reset after a sentence: %+v", buf.split)
	}
}

func TestFrameSize(t *testing.T) {
	if got := FrameSize(16000, 2, 1); got != 320 {
		t.Fatalf("expected 320, got %d", got)
	}
	if got := FrameSize(48000, 2, 2); got != 1920 {
		t.Fatalf("expected 1920, got %d", got)
	}
	if got := FrameSize(0, 2, 1); got != 0 {
		t.Fatalf("expected 0 for invalid format, got %d", got)
	}
}

func TestFrameSplitter(t *testing.T) {
	split := NewFrameSplitter(4)
	var frames [][]byte
	input := []byte("abcdefghij")
	for _, chunk := range [][]byte{input[:3], input[3:9], input[9:]} {
		frames = append(frames, split.Feed(chunk)...)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if string(frames[0]) != "abcd" || string(frames[1]) != "efgh" {
		t.Fatalf("unexpected frames %q", frames)
	}
	tail, ok := split.Flush()
	if !ok || string(tail) != "ij" {
		t.Fatalf("unexpected tail %q", tail)
	}
	if split.Total() != len(input) {
		t.Fatalf("expected total %d, got %d", len(input), split.Total())
	}

	var joined []byte
	for _, f := range frames {
		joined = append(joined, f...)
	}
	joined = append(joined, tail...)
	if !bytes.Equal(joined, input) {
		t.Fatalf("frames lost bytes: %q", joined)
	}
}

func TestFrameSplitterDoesNotAliasInput(t *testing.T) {
	split := NewFrameSplitter(2)
	chunk := []byte{1, 2}
	frames := split.Feed(chunk)
	chunk[0] = 9
	if frames[0][0] != 1 {
		t.Fatal("frame aliases caller buffer")
	}
}

func TestFrameSplitterPassthrough(t *testing.T) {
	split := NewFrameSplitter(0)
	frames := split.Feed([]byte("xyz"))
	if len(frames) != 1 || string(frames[0]) != "xyz" {
		t.Fatalf("unexpected frames %q", frames)
	}
	if _, ok := split.Flush(); ok {
		t.Fatal("passthrough splitter should hold nothing")
	}
}
