// Package summarize turns transcript chunks into a summary and outline
// with a bounded parallel map over the chunks followed by one reduce call.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/tubedigest/internal/chunk"
	"github.com/nugget/tubedigest/internal/llm"
	"github.com/nugget/tubedigest/internal/prompts"
	"github.com/nugget/tubedigest/internal/retry"
)

// ErrSummarize wraps every failure returned by Summarize.
var ErrSummarize = errors.New("summarize failed")

// Placeholder outlines used when the response has no outline section.
const (
	noOutlineZH = "未能生成结构化大纲"
	noOutlineEN = "No structured outline was produced."
)

// Artifact is the result of summarizing one video.
type Artifact struct {
	VideoID string

	// Partials holds the per-chunk summaries in chunk order. A single
	// chunk yields one partial: the raw single-pass response.
	Partials []string
	Summary  string
	Outline  string
}

// Input is one video's transcript, already chunked.
type Input struct {
	VideoID string
	Title   string
	Chunks  []chunk.Chunk
}

// Options configures a Summarizer. Zero values take the defaults noted.
type Options struct {
	// Language of the summary, "zh" (default) or "en".
	Language string
	// MaxParallel bounds concurrent chunk calls (default 3).
	MaxParallel int
	// MaxChunks caps how many chunks are summarized; the rest are
	// dropped. Zero means no cap.
	MaxChunks int
	// CallTimeout bounds each AI call, including its retries' single
	// attempts (default 2m).
	CallTimeout    time.Duration
	ChunkMaxTokens int
	FinalMaxTokens int
	Temperature    float64
	// Retry applies to every call; its Retryable predicate is replaced
	// with llm.IsRetryable.
	Retry retry.Policy
}

// Summarizer runs the map-reduce pipeline against an llm.Completer.
type Summarizer struct {
	llm    llm.Completer
	opts   Options
	logger *slog.Logger
}

// New creates a Summarizer.
func New(c llm.Completer, opts Options, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Language == "" {
		opts.Language = "zh"
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 3
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Minute
	}
	opts.Retry.Retryable = llm.IsRetryable
	opts.Retry.Logger = logger
	return &Summarizer{llm: c, opts: opts, logger: logger}
}

// Summarize produces an Artifact for in. Any chunk that fails after
// retries fails the whole video; no partial artifact is returned.
func (s *Summarizer) Summarize(ctx context.Context, in Input) (*Artifact, error) {
	chunks := in.Chunks
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s: no transcript chunks", ErrSummarize, in.VideoID)
	}
	if s.opts.MaxChunks > 0 && len(chunks) > s.opts.MaxChunks {
		s.logger.Warn("transcript exceeds chunk cap, dropping tail",
			"video_id", in.VideoID,
			"chunks", len(chunks),
			"max_chunks", s.opts.MaxChunks,
		)
		chunks = chunks[:s.opts.MaxChunks]
	}

	lang := s.opts.Language
	system := prompts.TranscriptSystemPrompt(lang)

	if len(chunks) == 1 {
		s.logger.Info("summarizing transcript in a single pass", "video_id", in.VideoID, "size", chunks[0].Size)
		raw, err := s.call(ctx, "single", llm.Request{
			System:      system,
			Prompt:      prompts.TranscriptSinglePassPrompt(lang, in.Title, chunks[0].Text),
			MaxTokens:   s.opts.FinalMaxTokens,
			Temperature: s.opts.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSummarize, in.VideoID, err)
		}
		summary, outline := s.parse(raw)
		return &Artifact{VideoID: in.VideoID, Partials: []string{raw}, Summary: summary, Outline: outline}, nil
	}

	s.logger.Info("starting transcript summarization",
		"video_id", in.VideoID,
		"chunks", len(chunks),
		"max_parallel", s.opts.MaxParallel,
	)

	// Map phase. Each goroutine owns one slot of partials, so no lock
	// is needed; Wait is the barrier before the reduce.
	partials := make([]string, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxParallel)
	for i, c := range chunks {
		g.Go(func() error {
			out, err := s.call(gctx, fmt.Sprintf("chunk %d", i+1), llm.Request{
				System:      system,
				Prompt:      prompts.TranscriptChunkPrompt(lang, in.Title, c.Text, i+1, len(chunks)),
				MaxTokens:   s.opts.ChunkMaxTokens,
				Temperature: s.opts.Temperature,
			})
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i+1, err)
			}
			partials[i] = strings.TrimSpace(out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %s: map phase: %w", ErrSummarize, in.VideoID, err)
	}

	s.logger.Debug("running reduce phase", "video_id", in.VideoID, "partials", len(partials))

	raw, err := s.call(ctx, "reduce", llm.Request{
		System:      system,
		Prompt:      prompts.TranscriptReducePrompt(lang, in.Title, partials),
		MaxTokens:   s.opts.FinalMaxTokens,
		Temperature: s.opts.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reduce phase: %w", ErrSummarize, in.VideoID, err)
	}
	summary, outline := s.parse(raw)
	return &Artifact{VideoID: in.VideoID, Partials: partials, Summary: summary, Outline: outline}, nil
}

// call runs one completion under the retry policy, each attempt bounded
// by CallTimeout.
func (s *Summarizer) call(ctx context.Context, name string, req llm.Request) (string, error) {
	p := s.opts.Retry
	p.Name = name
	return retry.Do(ctx, p, func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
		return s.llm.Complete(ctx, req)
	})
}

func (s *Summarizer) parse(raw string) (summary, outline string) {
	placeholder := noOutlineZH
	if strings.HasPrefix(s.opts.Language, "en") {
		placeholder = noOutlineEN
	}
	return ParseResponse(raw, placeholder)
}

// ParseResponse splits a model response into summary and outline on the
// section headers it was asked to use, Chinese or English. Without an
// outline header the whole response is the summary and the outline is
// placeholder.
func ParseResponse(raw, placeholder string) (summary, outline string) {
	headers := [][2]string{
		{prompts.SummaryHeaderZH, prompts.OutlineHeaderZH},
		{prompts.SummaryHeaderEN, prompts.OutlineHeaderEN},
	}
	for _, h := range headers {
		before, after, found := strings.Cut(raw, h[1])
		if !found {
			continue
		}
		summary = strings.TrimSpace(before)
		if _, s, ok := strings.Cut(summary, h[0]); ok {
			summary = strings.TrimSpace(s)
		}
		outline = strings.TrimSpace(after)
		if outline == "" {
			outline = placeholder
		}
		return summary, outline
	}

	summary = strings.TrimSpace(raw)
	for _, h := range headers {
		if s, ok := strings.CutPrefix(summary, h[0]); ok {
			summary = strings.TrimSpace(s)
		}
	}
	return summary, placeholder
}
