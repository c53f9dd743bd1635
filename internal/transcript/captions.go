package transcript

import (
	"encoding/json"
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// paragraphGapMs starts a new paragraph when the silence between two
// cues is longer than this.
const paragraphGapMs = 2000

// cueTimingRe matches "00:00:01.234 --> 00:00:03.456" (VTT) and
// "00:00:01,234 --> 00:00:03,456" (SRT), hours optional, with any cue
// settings after the end time.
var cueTimingRe = regexp.MustCompile(`^((?:\d{1,2}:)?\d{2}:\d{2}[.,]\d{3})\s*-->\s*((?:\d{1,2}:)?\d{2}:\d{2}[.,]\d{3})`)

// tagRe strips inline cue markup (<c>, <i>, <00:00:01.000>, <s>, <font>).
var tagRe = regexp.MustCompile(`<[^>]*>`)

var spaceRe = regexp.MustCompile(`\s+`)

type cue struct {
	startMs int
	endMs   int
	lines   []string
}

// Text converts a genuine payload into plain transcript text.
// Unknown formats are sniffed from the body.
func Text(r *Response) string {
	raw := string(r.Body)
	f := r.Format
	if f == FormatUnknown {
		f = sniffFormat(raw)
	}
	switch f {
	case FormatVTT, FormatSRT:
		return CleanCues(raw)
	case FormatTimedText:
		return CleanTimedText(raw)
	case FormatJSON3:
		return CleanJSON3(raw)
	default:
		return ""
	}
}

func sniffFormat(raw string) Format {
	t := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
	switch {
	case strings.HasPrefix(t, "WEBVTT"):
		return FormatVTT
	case strings.HasPrefix(t, "{"):
		return FormatJSON3
	case strings.HasPrefix(t, "<"):
		return FormatTimedText
	case strings.Contains(t, "-->"):
		return FormatSRT
	}
	return FormatUnknown
}

// CleanCues turns VTT or SRT into readable text: headers, cue ids,
// timings and inline tags are dropped, the rolling duplicate lines of
// auto-generated captions are collapsed, and a pause longer than two
// seconds starts a new paragraph.
func CleanCues(raw string) string {
	var cues []cue
	var cur *cue

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := cueTimingRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			cues = append(cues, cue{startMs: parseClockMs(m[1]), endMs: parseClockMs(m[2])})
			cur = &cues[len(cues)-1]
			continue
		}
		if strings.TrimSpace(line) == "" {
			cur = nil
			continue
		}
		// Text outside a cue is header, NOTE, STYLE or a cue id.
		if cur != nil {
			cur.lines = append(cur.lines, line)
		}
	}
	return joinCues(cues)
}

// parseClockMs parses "HH:MM:SS.mmm", "MM:SS.mmm" or the SRT comma
// form into milliseconds.
func parseClockMs(ts string) int {
	ts = strings.Replace(ts, ",", ".", 1)
	whole, frac, _ := strings.Cut(ts, ".")
	parts := strings.Split(whole, ":")
	total := 0
	for _, p := range parts {
		n, _ := strconv.Atoi(p)
		total = total*60 + n
	}
	ms, _ := strconv.Atoi(frac)
	return total*1000 + ms
}

type timedTextDoc struct {
	// Legacy format: <transcript><text start="1.2" dur="3.4">…</text>
	Texts []struct {
		Start string `xml:"start,attr"`
		Dur   string `xml:"dur,attr"`
		Body  string `xml:",innerxml"`
	} `xml:"text"`
	// srv3: <timedtext format="3"><body><p t="1200" d="3400">…</p>
	Paras []struct {
		T    int    `xml:"t,attr"`
		D    int    `xml:"d,attr"`
		Body string `xml:",innerxml"`
	} `xml:"body>p"`
}

// CleanTimedText converts YouTube timedtext XML (legacy or srv3) into
// readable text with the same paragraph rule as CleanCues.
func CleanTimedText(raw string) string {
	var doc timedTextDoc
	if err := xml.Unmarshal([]byte(raw), &doc); err != nil {
		return ""
	}

	var cues []cue
	for _, t := range doc.Texts {
		start := secondsToMs(t.Start)
		cues = append(cues, cue{
			startMs: start,
			endMs:   start + secondsToMs(t.Dur),
			lines:   strings.Split(t.Body, "\n"),
		})
	}
	for _, p := range doc.Paras {
		cues = append(cues, cue{
			startMs: p.T,
			endMs:   p.T + p.D,
			lines:   strings.Split(p.Body, "\n"),
		})
	}
	return joinCues(cues)
}

func secondsToMs(s string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return int(f * 1000)
}

type json3Doc struct {
	Events []struct {
		StartMs    int `json:"tStartMs"`
		DurationMs int `json:"dDurationMs"`
		Segs       []struct {
			UTF8 string `json:"utf8"`
		} `json:"segs"`
	} `json:"events"`
}

// CleanJSON3 converts YouTube json3 captions into readable text.
func CleanJSON3(raw string) string {
	var doc json3Doc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return ""
	}
	var cues []cue
	for _, ev := range doc.Events {
		var b strings.Builder
		for _, s := range ev.Segs {
			b.WriteString(s.UTF8)
		}
		if strings.TrimSpace(b.String()) == "" {
			continue
		}
		cues = append(cues, cue{
			startMs: ev.StartMs,
			endMs:   ev.StartMs + ev.DurationMs,
			lines:   strings.Split(b.String(), "\n"),
		})
	}
	return joinCues(cues)
}

// joinCues renders cues into paragraphs, dropping markup and lines that
// repeat the line before them.
func joinCues(cues []cue) string {
	var paragraphs []string
	var para []string
	prevLine := ""
	prevEnd := -1

	for _, c := range cues {
		if prevEnd >= 0 && c.startMs-prevEnd > paragraphGapMs && len(para) > 0 {
			paragraphs = append(paragraphs, strings.Join(para, " "))
			para = nil
		}
		if c.endMs > prevEnd {
			prevEnd = c.endMs
		}

		for _, line := range c.lines {
			line = cleanLine(line)
			if line == "" || line == prevLine {
				continue
			}
			para = append(para, line)
			prevLine = line
		}
	}
	if len(para) > 0 {
		paragraphs = append(paragraphs, strings.Join(para, " "))
	}
	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}

func cleanLine(line string) string {
	line = tagRe.ReplaceAllString(line, "")
	// timedtext double-escapes entities (&amp;#39;), so unescape twice.
	line = html.UnescapeString(html.UnescapeString(line))
	return strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
}
