package prompts

import (
	"strings"
	"testing"
)

func TestTranscriptChunkPrompt(t *testing.T) {
	tests := []struct {
		name        string
		lang        string
		wantContain []string
		wantAbsent  []string
	}{
		{
			name:        "chinese",
			lang:        "zh",
			wantContain: []string{"第2/5段", "标题：Demo", "some transcript text"},
			wantAbsent:  []string{"Summarize part"},
		},
		{
			name:        "english",
			lang:        "en-US",
			wantContain: []string{"part 2 of 5", "Title: Demo", "some transcript text"},
			wantAbsent:  []string{"标题"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TranscriptChunkPrompt(tt.lang, "Demo", "some transcript text", 2, 5)
			for _, want := range tt.wantContain {
				if !strings.Contains(got, want) {
					t.Errorf("prompt missing %q", want)
				}
			}
			for _, absent := range tt.wantAbsent {
				if strings.Contains(got, absent) {
					t.Errorf("prompt should not contain %q", absent)
				}
			}
		})
	}
}

func TestTranscriptReducePrompt(t *testing.T) {
	got := TranscriptReducePrompt("zh", "Demo", []string{" first ", "second"})
	for _, want := range []string{"第1段：first\n第2段：second\n", SummaryHeaderZH, OutlineHeaderZH} {
		if !strings.Contains(got, want) {
			t.Errorf("reduce prompt missing %q", want)
		}
	}

	got = TranscriptReducePrompt("en", "Demo", []string{"first", "second"})
	for _, want := range []string{"Part 1: first\nPart 2: second\n", SummaryHeaderEN, OutlineHeaderEN} {
		if !strings.Contains(got, want) {
			t.Errorf("english reduce prompt missing %q", want)
		}
	}
}

func TestTranscriptSinglePassPrompt(t *testing.T) {
	got := TranscriptSinglePassPrompt("zh-Hans", "标题一", "正文")
	if !strings.Contains(got, "标题：标题一") || !strings.Contains(got, SummaryHeaderZH) {
		t.Errorf("single-pass prompt = %q", got)
	}
	if TranscriptSystemPrompt("en") == TranscriptSystemPrompt("zh") {
		t.Error("system prompts should differ by language")
	}
}
