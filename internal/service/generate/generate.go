// Package generate implements the generation orchestrator. Each operation
// runs the same gated pipeline: resolve identity, enforce the rate limit,
// translate caller parameters into the agent's field names, invoke the
// agent, audit the attempt, and return a uniform Output. Audit writes are
// fire-and-forget and never affect the returned result.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/maestro-crm/maestro/internal/agent"
	"github.com/maestro-crm/maestro/internal/auth"
	"github.com/maestro-crm/maestro/internal/background"
	"github.com/maestro-crm/maestro/internal/model"
	"github.com/maestro-crm/maestro/internal/provider"
	"github.com/maestro-crm/maestro/internal/ratelimit"
	"github.com/maestro-crm/maestro/internal/telemetry"
)

// Adapter abstracts agent execution for the orchestrator.
type Adapter interface {
	Execute(ctx context.Context, agentID, modelID string, input map[string]any) *agent.Result
	ExecuteChat(ctx context.Context, modelID string, history []provider.Message) *agent.Result
}

// Auditor records generation attempts. Implementations must not block.
type Auditor interface {
	Record(rec model.GenerationRecord)
}

// Output is the uniform result of a generation call. Error carries the
// human-readable failure message; Fallback carries degraded template
// content when the provider was unreachable.
type Output struct {
	Success  bool   `json:"success"`
	Content  string `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
	Fallback string `json:"fallback,omitempty"`
	// RetryAfter is the whole-second retry hint, set only on rate-limit
	// denials. The HTTP layer turns it into a Retry-After header.
	RetryAfter int `json:"retryAfter,omitempty"`
	// Unauthenticated marks a failure from identity resolution. Not part
	// of the wire shape; the HTTP layer maps it to a 401.
	Unauthenticated bool `json:"-"`
}

// Service sequences the generation pipeline.
type Service struct {
	identity auth.Resolver
	limiter  ratelimit.Limiter
	adapter  Adapter
	provider provider.Provider
	convos   Conversations
	audit    Auditor
	runner   *background.Runner
	logger   *slog.Logger

	defaultModel string
	streamDelay  time.Duration

	generationDuration metric.Float64Histogram
	requestCount       metric.Int64Counter
	denialCount        metric.Int64Counter
}

// Config carries the orchestrator's tunables.
type Config struct {
	DefaultModel string
	StreamDelay  time.Duration // pause between streamed chunks, 50ms when zero
}

func New(identity auth.Resolver, limiter ratelimit.Limiter, adapter Adapter,
	p provider.Provider, convos Conversations, auditor Auditor,
	runner *background.Runner, logger *slog.Logger, cfg Config) *Service {
	if cfg.StreamDelay <= 0 {
		cfg.StreamDelay = 50 * time.Millisecond
	}
	meter := telemetry.Meter("maestro/generate")
	genDur, _ := meter.Float64Histogram("maestro.generation.duration",
		metric.WithDescription("Time to complete a generation (ms)"),
		metric.WithUnit("ms"),
	)
	reqCount, _ := meter.Int64Counter("maestro.generation.request_count",
		metric.WithDescription("Generation requests by kind and outcome"),
	)
	denials, _ := meter.Int64Counter("maestro.generation.denial_count",
		metric.WithDescription("Rate-limited generation requests"),
	)
	return &Service{
		identity:           identity,
		limiter:            limiter,
		adapter:            adapter,
		provider:           p,
		convos:             convos,
		audit:              auditor,
		runner:             runner,
		logger:             logger,
		defaultModel:       cfg.DefaultModel,
		streamDelay:        cfg.StreamDelay,
		generationDuration: genDur,
		requestCount:       reqCount,
		denialCount:        denials,
	}
}

// kindFallbacks are the messages substituted when a generation fails with
// something that carries no usable message of its own.
var kindFallbacks = map[model.GenerationType]string{
	model.GenerationLessonNotes:       "Failed to generate lesson notes",
	model.GenerationAssignment:        "Failed to generate assignment",
	model.GenerationEmailDraft:        "Failed to generate email draft",
	model.GenerationPostLessonSummary: "Failed to generate lesson summary",
	model.GenerationStudentProgress:   "Failed to generate progress insights",
	model.GenerationAdminInsights:     "Failed to generate business insights",
	model.GenerationChat:              "Failed to process chat message",
}

// generate runs the shared pipeline for one non-chat generation kind.
func (s *Service) generate(ctx context.Context, kind model.GenerationType, agentID string, input map[string]any) (out Output) {
	start := time.Now()

	// Panics anywhere below become a failure Output, never a crash. An
	// error-typed panic keeps its message; anything else gets the
	// kind-specific fallback message. The audit row is still attempted.
	var identity auth.Identity
	var resolved bool
	var modelID string
	defer func() {
		if r := recover(); r != nil {
			msg := kindFallbacks[kind]
			if err, ok := r.(error); ok {
				msg = err.Error()
			}
			s.logger.Error("generate: recovered panic",
				"kind", string(kind), "agent_id", agentID, "panic", fmt.Sprint(r))
			out = Output{Success: false, Error: msg}
			if resolved {
				s.recordAudit(identity, kind, agentID, modelID, input, out)
				s.recordMetrics(ctx, kind, start, false)
			}
		}
	}()

	var err error
	identity, err = s.identity.Resolve(ctx)
	if err != nil {
		// No rate-limit check, no agent call, no audit row.
		return Output{Success: false, Error: err.Error(), Unauthenticated: errors.Is(err, auth.ErrUnauthenticated)}
	}
	resolved = true

	dec := s.limiter.Check(ctx, identity.ID.String(), identity.Role, agentID)
	if !dec.Allowed {
		s.denialCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("role", string(identity.Role)),
		))
		return Output{Success: false, Error: rateLimitMessage(dec), RetryAfter: dec.RetryAfterSeconds()}
	}

	modelID = provider.AppropriateModel(s.provider, s.defaultModel, s.logger)

	result := s.adapter.Execute(ctx, agentID, modelID, input)
	if !agent.IsSuccess(result) {
		out = Output{Success: false, Error: agent.FormatError(result)}
		if result != nil {
			out.Fallback = result.Fallback
		}
		s.recordAudit(identity, kind, agentID, modelID, input, out)
		s.recordMetrics(ctx, kind, start, false)
		return out
	}

	out = Output{Success: true, Content: agent.ExtractContent(result)}
	s.recordAudit(identity, kind, agentID, modelID, input, out)
	s.recordMetrics(ctx, kind, start, true)
	return out
}

// recordMetrics counts one finished generation and its latency.
func (s *Service) recordMetrics(ctx context.Context, kind model.GenerationType, start time.Time, success bool) {
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("success", success),
	)
	s.requestCount.Add(ctx, 1, attrs)
	s.generationDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

// recordAudit queues a generation audit row without touching the caller's
// await chain. Record never fails; the runner isolates any surprises.
// modelID is the provider-resolved model that served the request; empty
// means the pipeline stopped before model selection.
func (s *Service) recordAudit(id auth.Identity, kind model.GenerationType, agentID, modelID string, input map[string]any, out Output) {
	agentIDCopy := agentID
	if modelID == "" {
		modelID = s.defaultModel
	}
	providerName := s.provider.Name()

	rec := model.GenerationRecord{
		ID:            uuid.New(),
		UserID:        id.ID,
		Type:          kind,
		AgentID:       &agentIDCopy,
		ModelID:       &modelID,
		Provider:      &providerName,
		InputParams:   input,
		OutputContent: out.Content,
		IsSuccessful:  out.Success,
		CreatedAt:     time.Now().UTC(),
	}
	if !out.Success {
		msg := out.Error
		rec.ErrorMessage = &msg
	}

	s.runner.Go("audit:"+string(kind), func(context.Context) error {
		s.audit.Record(rec)
		return nil
	})
}

func rateLimitMessage(dec ratelimit.Decision) string {
	return fmt.Sprintf("Rate limit exceeded. Please try again in %d seconds.", dec.RetryAfterSeconds())
}

// AvailableModels lists the active provider's models.
func (s *Service) AvailableModels(ctx context.Context) ([]model.ModelInfo, error) {
	models, err := s.provider.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate: list models: %w", err)
	}
	return models, nil
}

// joined renders an array field as a single comma-separated string; an
// empty slice renders as "".
func joined(values []string) string {
	return strings.Join(values, ", ")
}

// first returns the first element or "" for empty slices, mirroring how
// absent optional arrays collapse to empty strings in agent inputs.
func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// LessonNotesInput is the caller-facing shape for lesson note generation.
type LessonNotesInput struct {
	StudentName         string   `json:"studentName"`
	LessonTopic         string   `json:"lessonTopic"`
	SongsCovered        []string `json:"songsCovered"`
	TechniquesPracticed []string `json:"techniquesPracticed"`
	StudentProgress     string   `json:"studentProgress"`
	AreasToFocus        string   `json:"areasToFocus"`
	HomeworkAssigned    string   `json:"homeworkAssigned"`
	NextLessonGoals     string   `json:"nextLessonGoals"`
}

func (in LessonNotesInput) translate() map[string]any {
	return map[string]any{
		"student_name":         in.StudentName,
		"lesson_topic":         in.LessonTopic,
		"songs_covered":        joined(in.SongsCovered),
		"techniques_practiced": joined(in.TechniquesPracticed),
		"student_progress":     in.StudentProgress,
		"areas_to_focus":       in.AreasToFocus,
		"homework_assigned":    in.HomeworkAssigned,
		"next_lesson_goals":    in.NextLessonGoals,
	}
}

// GenerateLessonNotes produces structured lesson notes for a teacher.
func (s *Service) GenerateLessonNotes(ctx context.Context, in LessonNotesInput) Output {
	return s.generate(ctx, model.GenerationLessonNotes, agent.IDLessonNotes, in.translate())
}

// AssignmentInput is the caller-facing shape for assignment generation.
// RecentSongs feeds the agent's song_title field through its first element.
type AssignmentInput struct {
	StudentName        string   `json:"studentName"`
	StudentLevel       string   `json:"studentLevel"`
	RecentSongs        []string `json:"recentSongs"`
	SongArtist         string   `json:"songArtist"`
	FocusArea          string   `json:"focusArea"`
	Duration           string   `json:"duration"`
	SpecificTechniques []string `json:"specificTechniques"`
	DifficultyLevel    string   `json:"difficultyLevel"`
}

func (in AssignmentInput) translate() map[string]any {
	return map[string]any{
		"student_name":        in.StudentName,
		"student_level":       in.StudentLevel,
		"song_title":          first(in.RecentSongs),
		"song_artist":         in.SongArtist,
		"assignment_focus":    in.FocusArea,
		"duration_weeks":      in.Duration,
		"specific_techniques": joined(in.SpecificTechniques),
		"difficulty_level":    in.DifficultyLevel,
	}
}

// GenerateAssignment produces a practice assignment description.
func (s *Service) GenerateAssignment(ctx context.Context, in AssignmentInput) Output {
	return s.generate(ctx, model.GenerationAssignment, agent.IDAssignment, in.translate())
}

// EmailDraftInput is the caller-facing shape for email draft generation.
type EmailDraftInput struct {
	TemplateType  string   `json:"templateType"`
	StudentName   string   `json:"studentName"`
	LessonDate    string   `json:"lessonDate"`
	LessonTime    string   `json:"lessonTime"`
	PracticeSongs []string `json:"practiceSongs"`
	Notes         string   `json:"notes"`
	Amount        string   `json:"amount"`
	DueDate       string   `json:"dueDate"`
	Achievement   string   `json:"achievement"`
}

func (in EmailDraftInput) translate() map[string]any {
	return map[string]any{
		"template_type":  in.TemplateType,
		"student_name":   in.StudentName,
		"lesson_date":    in.LessonDate,
		"lesson_time":    in.LessonTime,
		"practice_songs": joined(in.PracticeSongs),
		"notes":          in.Notes,
		"amount":         in.Amount,
		"due_date":       in.DueDate,
		"achievement":    in.Achievement,
	}
}

// GenerateEmailDraft produces a student communication draft.
func (s *Service) GenerateEmailDraft(ctx context.Context, in EmailDraftInput) Output {
	return s.generate(ctx, model.GenerationEmailDraft, agent.IDEmailDraft, in.translate())
}

// LessonSummaryInput is the caller-facing shape for post-lesson summaries.
type LessonSummaryInput struct {
	StudentName             string   `json:"studentName"`
	LessonDate              string   `json:"lessonDate"`
	SongsPracticed          []string `json:"songsPracticed"`
	TechniquesCovered       []string `json:"techniquesCovered"`
	Achievements            string   `json:"achievements"`
	Challenges              string   `json:"challenges"`
	PracticeRecommendations string   `json:"practiceRecommendations"`
	NextFocus               string   `json:"nextFocus"`
}

func (in LessonSummaryInput) translate() map[string]any {
	return map[string]any{
		"student_name":             in.StudentName,
		"lesson_date":              in.LessonDate,
		"songs_practiced":          joined(in.SongsPracticed),
		"techniques_covered":       joined(in.TechniquesCovered),
		"achievements":             in.Achievements,
		"challenges":               in.Challenges,
		"practice_recommendations": in.PracticeRecommendations,
		"next_focus":               in.NextFocus,
	}
}

// GenerateLessonSummary produces a family-facing lesson summary.
func (s *Service) GenerateLessonSummary(ctx context.Context, in LessonSummaryInput) Output {
	return s.generate(ctx, model.GenerationPostLessonSummary, agent.IDLessonSummary, in.translate())
}

// ProgressInsightsInput is the caller-facing shape for student progress
// analysis.
type ProgressInsightsInput struct {
	StudentIDs      []string `json:"studentIds"`
	TimePeriod      string   `json:"timePeriod"`
	AnalysisFocus   string   `json:"analysisFocus"`
	LessonData      string   `json:"lessonData"`
	AssignmentData  string   `json:"assignmentData"`
	ProgressMetrics string   `json:"progressMetrics"`
}

func (in ProgressInsightsInput) translate() map[string]any {
	return map[string]any{
		"student_ids":      joined(in.StudentIDs),
		"time_period":      in.TimePeriod,
		"analysis_focus":   in.AnalysisFocus,
		"lesson_data":      in.LessonData,
		"assignment_data":  in.AssignmentData,
		"progress_metrics": in.ProgressMetrics,
	}
}

// GenerateProgressInsights analyzes student progress data.
func (s *Service) GenerateProgressInsights(ctx context.Context, in ProgressInsightsInput) Output {
	return s.generate(ctx, model.GenerationStudentProgress, agent.IDProgressInsights, in.translate())
}

// AdminInsightsInput is the caller-facing shape for business insights.
type AdminInsightsInput struct {
	TotalUsers     int    `json:"totalUsers"`
	TotalStudents  int    `json:"totalStudents"`
	TotalTeachers  int    `json:"totalTeachers"`
	TotalLessons   int    `json:"totalLessons"`
	RecentUsers    int    `json:"recentUsers"`
	AnalysisPeriod string `json:"analysisPeriod"`
}

func (in AdminInsightsInput) translate() map[string]any {
	return map[string]any{
		"total_users":     in.TotalUsers,
		"total_students":  in.TotalStudents,
		"total_teachers":  in.TotalTeachers,
		"total_lessons":   in.TotalLessons,
		"recent_users":    in.RecentUsers,
		"analysis_period": in.AnalysisPeriod,
	}
}

// GenerateAdminInsights produces school-level business intelligence.
func (s *Service) GenerateAdminInsights(ctx context.Context, in AdminInsightsInput) Output {
	return s.generate(ctx, model.GenerationAdminInsights, agent.IDAdminInsights, in.translate())
}
