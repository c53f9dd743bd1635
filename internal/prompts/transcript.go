package prompts

import (
	"fmt"
	"strings"
)

// Section headers the model is asked to emit. The summarizer splits the
// final response on these.
const (
	SummaryHeaderZH = "【摘要】"
	OutlineHeaderZH = "【大纲】"
	SummaryHeaderEN = "## Summary"
	OutlineHeaderEN = "## Outline"
)

// systemZH and systemEN frame every call as content analysis.
const (
	systemZH = "你是一个专业的内容分析师，擅长总结和分析视频内容。"
	systemEN = "You are a careful content analyst who summarizes video transcripts accurately."
)

// chunkTemplateZH is the map-phase prompt. Format verbs: 1: part index,
// 2: part count, 3: video title, 4: transcript section.
const chunkTemplateZH = `你正在处理一段长视频字幕的第%d/%d段，请用中文概括这一段的关键信息（80-120字），保留专有名词、数字和结论。

标题：%s

当前段落：
%s`

const chunkTemplateEN = `Summarize part %d of %d of a video transcript in 80-120 words.
Keep names, numbers, dates and conclusions.

Title: %s

Transcript section:
%s`

// reduceTemplateZH combines part summaries. Format verbs: 1: title,
// 2: numbered part summaries.
const reduceTemplateZH = `请根据以下分段摘要，综合生成整个视频的完整中文摘要（400字左右）以及结构化内容大纲。

标题：%s

分段摘要：
%s

请严格使用以下格式：
` + SummaryHeaderZH + `
（摘要内容）

` + OutlineHeaderZH + `
1. 主要观点一
2. 主要观点二
...`

const reduceTemplateEN = `Combine these section summaries into one summary of the whole video
(about 250 words) and a structured outline. Keep the chronological flow
and drop repetition.

Title: %s

Section summaries:
%s

Use exactly this format:
` + SummaryHeaderEN + `
(summary text)

` + OutlineHeaderEN + `
1. First main point
2. Second main point
...`

// singleTemplateZH handles a transcript that fits in one chunk. Format
// verbs: 1: title, 2: transcript.
const singleTemplateZH = `请对以下视频字幕进行分析和总结。

标题：%s

字幕内容：
%s

请提供：
1. 详细的中文摘要（300-500字）
2. 结构化的内容大纲（要点形式）

请严格使用以下格式：
` + SummaryHeaderZH + `
（摘要内容）

` + OutlineHeaderZH + `
1. 主要观点一
2. 主要观点二
...`

const singleTemplateEN = `Analyze and summarize this video transcript.

Title: %s

Transcript:
%s

Provide a detailed summary (200-350 words) and a structured outline of
the main points, using exactly this format:
` + SummaryHeaderEN + `
(summary text)

` + OutlineHeaderEN + `
1. First main point
2. Second main point
...`

func english(lang string) bool {
	return strings.HasPrefix(strings.ToLower(lang), "en")
}

// TranscriptSystemPrompt returns the system prompt for the summary
// language. Anything other than English gets the Chinese prompt set.
func TranscriptSystemPrompt(lang string) string {
	if english(lang) {
		return systemEN
	}
	return systemZH
}

// TranscriptChunkPrompt returns the map-phase prompt for one chunk.
// index is 1-based.
func TranscriptChunkPrompt(lang, title, chunk string, index, total int) string {
	tmpl := chunkTemplateZH
	if english(lang) {
		tmpl = chunkTemplateEN
	}
	return fmt.Sprintf(tmpl, index, total, title, chunk)
}

// TranscriptReducePrompt returns the reduce-phase prompt. partials are in
// chunk order and are numbered in the prompt.
func TranscriptReducePrompt(lang, title string, partials []string) string {
	var sb strings.Builder
	for i, p := range partials {
		if english(lang) {
			fmt.Fprintf(&sb, "Part %d: %s\n", i+1, strings.TrimSpace(p))
		} else {
			fmt.Fprintf(&sb, "第%d段：%s\n", i+1, strings.TrimSpace(p))
		}
	}
	combined := strings.TrimRight(sb.String(), "\n")
	if english(lang) {
		return fmt.Sprintf(reduceTemplateEN, title, combined)
	}
	return fmt.Sprintf(reduceTemplateZH, title, combined)
}

// TranscriptSinglePassPrompt returns the prompt for a transcript short
// enough to summarize in one call.
func TranscriptSinglePassPrompt(lang, title, transcript string) string {
	if english(lang) {
		return fmt.Sprintf(singleTemplateEN, title, transcript)
	}
	return fmt.Sprintf(singleTemplateZH, title, transcript)
}
