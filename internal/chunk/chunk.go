// Package chunk splits a transcript into bounded, order-preserving pieces
// for summarization. Splitting is lossless: concatenating the chunk texts
// reproduces the input exactly.
package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunk is one contiguous slice of a transcript.
type Chunk struct {
	VideoID string
	Index   int
	Text    string

	// Size is the length of Text in runes.
	Size int

	// Overflow marks a piece of a single sentence that was longer than
	// the limit and had to be cut mid-sentence.
	Overflow bool
}

// Split divides text into chunks of at most max runes. Boundaries fall at
// paragraph breaks where a whole paragraph fits, otherwise at sentence
// ends; whitespace after a boundary stays with the preceding chunk. A
// sentence longer than max is cut at the last whitespace that fits, or at
// a rune boundary when there is none. max <= 0 means no limit. Empty text
// yields no chunks.
func Split(videoID, text string, max int) []Chunk {
	if text == "" {
		return nil
	}
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []Chunk{{VideoID: videoID, Text: text, Size: utf8.RuneCountInString(text)}}
	}

	var units []unit
	for _, para := range paragraphs(text) {
		if n := utf8.RuneCountInString(para); n <= max {
			units = append(units, unit{text: para, size: n})
			continue
		}
		for _, s := range sentences(para) {
			n := utf8.RuneCountInString(s)
			if n <= max {
				units = append(units, unit{text: s, size: n})
				continue
			}
			for _, part := range hardSplit(s, max) {
				units = append(units, unit{text: part, size: utf8.RuneCountInString(part), overflow: true})
			}
		}
	}

	var chunks []Chunk
	var cur strings.Builder
	curSize := 0
	flush := func() {
		if curSize == 0 {
			return
		}
		chunks = append(chunks, Chunk{VideoID: videoID, Index: len(chunks), Text: cur.String(), Size: curSize})
		cur.Reset()
		curSize = 0
	}
	for _, u := range units {
		if u.overflow {
			flush()
			chunks = append(chunks, Chunk{VideoID: videoID, Index: len(chunks), Text: u.text, Size: u.size, Overflow: true})
			continue
		}
		if curSize+u.size > max {
			flush()
		}
		cur.WriteString(u.text)
		curSize += u.size
	}
	flush()
	return chunks
}

// Texts returns the chunk texts in order.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

type unit struct {
	text     string
	size     int
	overflow bool
}

// paragraphs cuts text after every run of whitespace that contains a
// blank line.
func paragraphs(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); {
		j := strings.Index(text[i:], "\n\n")
		if j < 0 {
			break
		}
		end := i + j
		for end < len(text) {
			r, size := utf8.DecodeRuneInString(text[end:])
			if !unicode.IsSpace(r) {
				break
			}
			end += size
		}
		out = append(out, text[start:end])
		start, i = end, end
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// sentences cuts text after sentence-ending punctuation and the
// whitespace that follows it. Full-width terminators end a sentence even
// without trailing whitespace, since CJK text has none.
func sentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size

		boundary := false
		switch r {
		case '。', '！', '？':
			boundary = true
		case '.', '!', '?', '…':
			next, _ := utf8.DecodeRuneInString(text[i:])
			boundary = i == len(text) || unicode.IsSpace(next)
		}
		if !boundary {
			continue
		}
		for i < len(text) {
			r, size := utf8.DecodeRuneInString(text[i:])
			if !unicode.IsSpace(r) {
				break
			}
			i += size
		}
		out = append(out, text[start:i])
		start = i
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// hardSplit cuts s into pieces of at most max runes.
func hardSplit(s string, max int) []string {
	var out []string
	for utf8.RuneCountInString(s) > max {
		// Byte offset just past the max-th rune.
		limit, n := 0, 0
		for n < max {
			_, size := utf8.DecodeRuneInString(s[limit:])
			limit += size
			n++
		}
		cut := limit
		if ws := strings.LastIndexFunc(s[:limit], unicode.IsSpace); ws > 0 {
			_, size := utf8.DecodeRuneInString(s[ws:])
			cut = ws + size
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
