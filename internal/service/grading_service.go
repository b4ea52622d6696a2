package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograder/internal/dto"
	"github.com/noah-isme/gema-autograder/internal/grading"
	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/internal/observability"
	"github.com/noah-isme/gema-autograder/internal/repository"
	"github.com/noah-isme/gema-autograder/pkg/language"
	"github.com/noah-isme/gema-autograder/pkg/sandbox"
)

var (
	// ErrSubmissionNotFound indicates the submission does not exist.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrQuestionNotFound indicates the question does not exist.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrAssignmentNotFound indicates the assignment does not exist.
	ErrAssignmentNotFound = errors.New("assignment not found")
	// ErrSubmissionForbidden is returned when a student reads another student's submission.
	ErrSubmissionForbidden = errors.New("forbidden")
)

// GradingActor identifies the caller of a grading operation.
type GradingActor struct {
	ID   uint
	Role string
}

// IsStaff reports whether the actor may see every submission.
func (a GradingActor) IsStaff() bool {
	role := strings.ToLower(strings.TrimSpace(a.Role))
	return role == "admin" || role == "teacher"
}

// GradingService exposes the grading engine to the HTTP layer.
type GradingService interface {
	CheckCode(ctx context.Context, questionID uint, payload dto.CodeCheckRequest) (dto.CodeExecutionResponse, error)
	SubmitAnswer(ctx context.Context, questionID uint, actor GradingActor, payload dto.AnswerSubmitRequest) (dto.CodeExecutionResponse, error)
	GradeSubmission(ctx context.Context, submissionID uint) (dto.GradingAcceptedResponse, error)
	RegradeAssignment(ctx context.Context, assignmentID uint) (dto.GradingAcceptedResponse, error)
	BatchGrade(ctx context.Context, payload dto.BatchGradeRequest) (dto.GradingAcceptedResponse, error)
	GetSubmissionStatus(ctx context.Context, submissionID uint, actor GradingActor) (dto.SubmissionStatusResponse, error)
	GetGradingStats(ctx context.Context, assignmentID uint) (dto.GradingStatsResponse, error)
	Languages(ctx context.Context) []dto.LanguageResponse
	Subscribe(ctx context.Context, submissionID uint, actor GradingActor) (<-chan dto.GradingEventResponse, func(), error)
	DeleteSubmission(ctx context.Context, submissionID uint) error
}

// StatsCacheKey is the Redis key holding cached statistics of an assignment.
func StatsCacheKey(assignmentID uint) string {
	return fmt.Sprintf("grading:stats:assignment:%d", assignmentID)
}

// GradingServiceConfig carries the optional collaborators of the service.
type GradingServiceConfig struct {
	Cache    *redis.Client
	CacheTTL time.Duration
	Backend  sandbox.Backend
	Hub      *grading.Hub
}

type backendLister interface {
	AvailableBackends(ctx context.Context, lang language.Spec) []string
}

type gradingService struct {
	orchestrator *grading.Orchestrator
	assignments  repository.AssignmentRepository
	submissions  repository.SubmissionRepository
	backend      sandbox.Backend
	hub          *grading.Hub
	cache        *redis.Client
	cacheTTL     time.Duration
	validator    *validator.Validate
	logger       zerolog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// NewGradingService constructs the grading service.
func NewGradingService(orchestrator *grading.Orchestrator, assignments repository.AssignmentRepository, submissions repository.SubmissionRepository, validate *validator.Validate, cfg GradingServiceConfig, logger zerolog.Logger) GradingService {
	if validate == nil {
		validate = validator.New()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &gradingService{
		orchestrator: orchestrator,
		assignments:  assignments,
		submissions:  submissions,
		backend:      cfg.Backend,
		hub:          cfg.Hub,
		cache:        cfg.Cache,
		cacheTTL:     ttl,
		validator:    validate,
		logger:       logger.With().Str("component", "grading_service").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/gema-autograder/internal/service/grading"),
		now:          time.Now,
	}
}

func (s *gradingService) CheckCode(ctx context.Context, questionID uint, payload dto.CodeCheckRequest) (dto.CodeExecutionResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.CodeExecutionResponse{}, err
	}
	ctx, span := s.tracer.Start(ctx, "grading.check")
	defer span.End()
	span.SetAttributes(attribute.Int64("grading.question_id", int64(questionID)), attribute.String("grading.language", payload.Language))

	report, err := s.orchestrator.CheckCode(ctx, grading.CheckRequest{
		QuestionID: questionID,
		Code:       payload.Code,
		Language:   payload.Language,
		Input:      payload.Input,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "check_failed")
		return dto.CodeExecutionResponse{}, mapNotFound(err, ErrQuestionNotFound)
	}

	if report.Run != nil {
		return runResponse(*report.Run), nil
	}
	return questionResponse(*report.Graded), nil
}

func (s *gradingService) SubmitAnswer(ctx context.Context, questionID uint, actor GradingActor, payload dto.AnswerSubmitRequest) (dto.CodeExecutionResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.CodeExecutionResponse{}, err
	}
	ctx, span := s.tracer.Start(ctx, "grading.submit_answer")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("grading.question_id", int64(questionID)),
		attribute.Int64("grading.student_id", int64(actor.ID)),
	)

	report, err := s.orchestrator.SubmitAnswer(ctx, grading.AnswerRequest{
		QuestionID: questionID,
		StudentID:  actor.ID,
		Code:       payload.Code,
		Language:   payload.Language,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit_failed")
		return dto.CodeExecutionResponse{}, mapNotFound(err, ErrQuestionNotFound)
	}

	response := questionResponse(report.Question)
	response.Feedback = report.Answer.Feedback
	response.Submission = &dto.SubmissionTotals{
		ID:         report.SubmissionID,
		Status:     report.Totals.Status,
		Score:      report.Totals.Score,
		MaxScore:   report.Totals.MaxScore,
		Percentage: report.Totals.Percentage,
		IsLate:     report.IsLate,
	}
	return response, nil
}

func (s *gradingService) GradeSubmission(ctx context.Context, submissionID uint) (dto.GradingAcceptedResponse, error) {
	if _, err := s.submissions.GetByID(ctx, submissionID); err != nil {
		return dto.GradingAcceptedResponse{}, mapNotFound(err, ErrSubmissionNotFound)
	}
	if _, err := s.orchestrator.GradeAsync(ctx, submissionID); err != nil {
		return dto.GradingAcceptedResponse{}, err
	}
	s.logger.Info().Uint("submission_id", submissionID).Msg("grading scheduled")
	return dto.GradingAcceptedResponse{Accepted: []uint{submissionID}}, nil
}

func (s *gradingService) RegradeAssignment(ctx context.Context, assignmentID uint) (dto.GradingAcceptedResponse, error) {
	batch, err := s.orchestrator.RegradeAssignment(ctx, assignmentID)
	if err != nil {
		return dto.GradingAcceptedResponse{}, mapNotFound(err, ErrAssignmentNotFound)
	}
	s.logger.Info().
		Uint("assignment_id", assignmentID).
		Int("accepted", len(batch.Accepted)).
		Int("rejected", len(batch.Rejected)).
		Msg("regrade scheduled")
	return acceptedResponse(batch), nil
}

func (s *gradingService) BatchGrade(ctx context.Context, payload dto.BatchGradeRequest) (dto.GradingAcceptedResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.GradingAcceptedResponse{}, err
	}
	batch := s.orchestrator.BatchGrade(ctx, payload.SubmissionIDs)
	s.logger.Info().
		Int("accepted", len(batch.Accepted)).
		Int("rejected", len(batch.Rejected)).
		Msg("batch grading scheduled")
	return acceptedResponse(batch), nil
}

func (s *gradingService) GetSubmissionStatus(ctx context.Context, submissionID uint, actor GradingActor) (dto.SubmissionStatusResponse, error) {
	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return dto.SubmissionStatusResponse{}, mapNotFound(err, ErrSubmissionNotFound)
	}
	if !actor.IsStaff() && submission.StudentID != actor.ID {
		return dto.SubmissionStatusResponse{}, ErrSubmissionForbidden
	}
	return dto.NewSubmissionStatusResponse(submission), nil
}

func (s *gradingService) GetGradingStats(ctx context.Context, assignmentID uint) (dto.GradingStatsResponse, error) {
	cacheKey := StatsCacheKey(assignmentID)
	ctx, span := s.tracer.Start(ctx, "grading.stats")
	span.SetAttributes(attribute.String("grading.cache_key", cacheKey))
	defer span.End()

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKey).Result()
		if err == nil {
			var response dto.GradingStatsResponse
			if unmarshalErr := json.Unmarshal([]byte(cached), &response); unmarshalErr == nil {
				response.CacheHit = true
				observability.StatsCacheRequests().WithLabelValues("hit").Inc()
				span.SetAttributes(attribute.Bool("grading.cache_hit", true))
				return response, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read grading stats cache")
			span.RecordError(err)
		}
		observability.StatsCacheRequests().WithLabelValues("miss").Inc()
	}

	if _, err := s.assignments.GetByID(ctx, assignmentID); err != nil {
		span.RecordError(err)
		return dto.GradingStatsResponse{}, mapNotFound(err, ErrAssignmentNotFound)
	}
	stats, err := s.submissions.Stats(ctx, assignmentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stats_failed")
		return dto.GradingStatsResponse{}, err
	}

	response := dto.GradingStatsResponse{
		AssignmentID:      assignmentID,
		Total:             stats.Total,
		Graded:            stats.Graded,
		InProgress:        stats.InProgress,
		Late:              stats.Late,
		AverageScore:      stats.AverageScore,
		MaxScore:          stats.MaxScore,
		MinScore:          stats.MinScore,
		AveragePercentage: stats.AveragePercentage,
		PassRate:          stats.PassRate,
		ByStatus:          stats.ByStatus,
		GeneratedAt:       s.now().UTC(),
	}

	if s.cache != nil {
		payload, err := json.Marshal(response)
		if err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.cacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store grading stats cache")
				span.RecordError(err)
			}
		}
	}
	return response, nil
}

func (s *gradingService) Languages(ctx context.Context) []dto.LanguageResponse {
	specs := language.All()
	response := make([]dto.LanguageResponse, 0, len(specs))
	for _, spec := range specs {
		item := dto.LanguageResponse{
			Tag:         string(spec.Tag),
			DisplayName: spec.DisplayName,
			Compiled:    spec.Compiled,
			Template:    spec.CodeTemplate,
			Backends:    []string{},
		}
		switch backend := s.backend.(type) {
		case nil:
		case backendLister:
			item.Backends = backend.AvailableBackends(ctx, spec)
		default:
			if backend.Available(ctx, spec) == nil {
				item.Backends = []string{backend.Name()}
			}
		}
		response = append(response, item)
	}
	return response
}

func (s *gradingService) Subscribe(ctx context.Context, submissionID uint, actor GradingActor) (<-chan dto.GradingEventResponse, func(), error) {
	if s.hub == nil {
		return nil, nil, errors.New("grading event stream disabled")
	}
	if _, err := s.GetSubmissionStatus(ctx, submissionID, actor); err != nil {
		return nil, nil, err
	}

	events, cancel := s.hub.Subscribe(submissionID)
	out := make(chan dto.GradingEventResponse)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for event := range events {
			select {
			case out <- eventResponse(event):
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			cancel()
		})
	}, nil
}

func (s *gradingService) DeleteSubmission(ctx context.Context, submissionID uint) error {
	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return mapNotFound(err, ErrSubmissionNotFound)
	}
	if submission.Status == models.StatusGrading {
		return fmt.Errorf("submission %d: %w", submissionID, grading.ErrGradingInProgress)
	}
	if err := s.submissions.Delete(ctx, submissionID); err != nil {
		return mapNotFound(err, ErrSubmissionNotFound)
	}
	s.invalidateStats(ctx, submission.AssignmentID)
	s.logger.Info().Uint("submission_id", submissionID).Msg("submission deleted")
	return nil
}

func (s *gradingService) invalidateStats(ctx context.Context, assignmentID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, StatsCacheKey(assignmentID)).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("assignment_id", assignmentID).Msg("failed to invalidate grading stats cache")
	}
}

func mapNotFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func acceptedResponse(batch grading.BatchReport) dto.GradingAcceptedResponse {
	response := dto.GradingAcceptedResponse{Accepted: batch.Accepted}
	if response.Accepted == nil {
		response.Accepted = []uint{}
	}
	if len(batch.Rejected) > 0 {
		response.Rejected = batch.Rejected
	}
	return response
}

func runResponse(result sandbox.Result) dto.CodeExecutionResponse {
	response := dto.CodeExecutionResponse{
		Success:          result.Succeeded(),
		Output:           result.Stdout,
		CompilationError: result.CompileError,
		ExecutionTimeMs:  result.WallTime.Milliseconds(),
		TimedOut:         result.TimedOut,
		TestResults:      []dto.TestCaseResultResponse{},
	}
	switch {
	case result.TimedOut:
		response.Error = "time limit exceeded"
	case result.MemoryExceeded:
		response.Error = "memory limit exceeded"
	case result.RuntimeFailed() && !result.CompileFailed():
		response.Error = strings.TrimSpace(result.Stderr)
		if response.Error == "" {
			response.Error = fmt.Sprintf("process exited with code %d", result.ExitCode)
		}
	}
	return response
}

// questionResponse renders a graded question. Hidden cases keep only their
// verdict.
func questionResponse(report grading.QuestionReport) dto.CodeExecutionResponse {
	score := report.Score
	response := dto.CodeExecutionResponse{
		Success:          score.Total > 0 && score.Passed == score.Total,
		CompilationError: report.CompileError,
		Status:           score.Status,
		Score:            score.Score,
		MaxScore:         score.Points,
		GradingMethod:    report.Method,
		FallbackReason:   report.FallbackReason,
		TestResults:      make([]dto.TestCaseResultResponse, 0, len(report.Cases)),
	}
	for _, c := range report.Cases {
		item := dto.TestCaseResultResponse{
			TestCaseID:      c.TestCase.ID,
			Hidden:          c.TestCase.IsHidden,
			Passed:          c.Passed,
			Outcome:         c.Outcome,
			ExecutionTimeMs: c.ExecutionTime.Milliseconds(),
			MemoryUsedKB:    c.MemoryKB,
		}
		if !c.TestCase.IsHidden {
			item.Input = c.TestCase.Input
			item.ExpectedOutput = c.Expected
			item.ActualOutput = c.Actual
			item.Error = c.Error
		}
		if c.Outcome == models.OutcomeTimeout {
			response.TimedOut = true
		}
		response.ExecutionTimeMs += item.ExecutionTimeMs
		response.TestResults = append(response.TestResults, item)
	}
	if report.Error != "" {
		response.Error = report.Error
	}
	return response
}

func eventResponse(event grading.Event) dto.GradingEventResponse {
	return dto.GradingEventResponse{
		Type:         string(event.Type),
		SubmissionID: event.SubmissionID,
		QuestionID:   event.QuestionID,
		RunID:        event.RunID,
		Status:       event.Status,
		Score:        event.Score,
		MaxScore:     event.MaxScore,
		Percentage:   event.Percentage,
		At:           event.At,
	}
}
