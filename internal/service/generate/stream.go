package generate

import (
	"context"
	"errors"
	"strings"
	"time"
)

// emptyStreamContent is the single chunk emitted when a generation
// produced no text at all.
const emptyStreamContent = "No content generated."

// StreamOptions tunes chunk framing. Zero values mean one word per chunk
// with a 50ms pause between chunks.
type StreamOptions struct {
	Delay         time.Duration
	WordsPerChunk int
}

// StreamText converts completed text into an ordered sequence of growing
// prefixes, one more word (or WordsPerChunk words) per chunk. The channel
// closes after the final chunk, which always equals the full text.
// Cancellation is cooperative: when the consumer stops receiving and
// cancels ctx, the producer goroutine exits between chunks.
func StreamText(ctx context.Context, text string, opts StreamOptions) <-chan string {
	if opts.Delay <= 0 {
		opts.Delay = 50 * time.Millisecond
	}
	if opts.WordsPerChunk <= 0 {
		opts.WordsPerChunk = 1
	}

	out := make(chan string)
	go func() {
		defer close(out)

		words := strings.Fields(text)
		if len(words) == 0 {
			select {
			case out <- emptyStreamContent:
			case <-ctx.Done():
			}
			return
		}

		for i := opts.WordsPerChunk; ; i += opts.WordsPerChunk {
			if i > len(words) {
				i = len(words)
			}
			select {
			case out <- strings.Join(words[:i], " "):
			case <-ctx.Done():
				return
			}
			if i == len(words) {
				return
			}

			select {
			case <-time.After(opts.Delay):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Stream frames already-generated content as growing-prefix chunks using
// the service's configured delay. The HTTP layer uses this after a
// successful generation so it keeps the full Output for error mapping.
func (s *Service) Stream(ctx context.Context, content string) <-chan string {
	return StreamText(ctx, content, StreamOptions{Delay: s.streamDelay})
}

// stream wraps a completed Output into a chunk stream, or returns the
// failure as an error.
func (s *Service) stream(ctx context.Context, out Output) (<-chan string, error) {
	if !out.Success {
		return nil, errors.New(out.Error)
	}
	return StreamText(ctx, out.Content, StreamOptions{Delay: s.streamDelay}), nil
}

// GenerateLessonNotesStream is the streaming variant of GenerateLessonNotes.
func (s *Service) GenerateLessonNotesStream(ctx context.Context, in LessonNotesInput) (<-chan string, error) {
	return s.stream(ctx, s.GenerateLessonNotes(ctx, in))
}

// GenerateAssignmentStream is the streaming variant of GenerateAssignment.
func (s *Service) GenerateAssignmentStream(ctx context.Context, in AssignmentInput) (<-chan string, error) {
	return s.stream(ctx, s.GenerateAssignment(ctx, in))
}

// GenerateEmailDraftStream is the streaming variant of GenerateEmailDraft.
func (s *Service) GenerateEmailDraftStream(ctx context.Context, in EmailDraftInput) (<-chan string, error) {
	return s.stream(ctx, s.GenerateEmailDraft(ctx, in))
}

// GenerateLessonSummaryStream is the streaming variant of GenerateLessonSummary.
func (s *Service) GenerateLessonSummaryStream(ctx context.Context, in LessonSummaryInput) (<-chan string, error) {
	return s.stream(ctx, s.GenerateLessonSummary(ctx, in))
}
