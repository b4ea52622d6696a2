package grading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/internal/observability"
	"github.com/noah-isme/gema-autograder/internal/repository"
	"github.com/noah-isme/gema-autograder/pkg/language"
	"github.com/noah-isme/gema-autograder/pkg/sandbox"
	"github.com/noah-isme/gema-autograder/pkg/workerpool"
)

var tracer = otel.Tracer("github.com/noah-isme/gema-autograder/internal/grading")

// Config tunes the orchestrator.
type Config struct {
	Policy              Policy
	QuestionParallelism int
	TestCaseParallelism int
	// Limits for ad-hoc runs of questions that have no test cases.
	DefaultTimeLimit time.Duration
	DefaultMemoryMB  int
}

// Dependencies are the collaborators the orchestrator is built from.
type Dependencies struct {
	Assignments repository.AssignmentRepository
	Submissions repository.SubmissionRepository
	Backend     sandbox.Backend
	// Pool runs whole grading tasks off the caller's goroutine.
	Pool      *workerpool.Pool
	Locker    Locker
	Publisher Publisher
	Logger    zerolog.Logger
	Clock     func() time.Time
}

// Orchestrator owns the grading state machine: it locks a submission, moves
// it through GRADING, grades every question and persists the outcome.
type Orchestrator struct {
	assignments repository.AssignmentRepository
	submissions repository.SubmissionRepository
	runner      *TestRunner
	comparator  *ReferenceComparator
	pool        *workerpool.Pool
	locker      Locker
	publisher   Publisher
	policy      Policy
	parallelism int
	timeLimit   time.Duration
	memoryMB    int
	feedback    feedbackWriter
	logger      zerolog.Logger
	now         func() time.Time
}

// NewOrchestrator validates the dependencies and builds an orchestrator.
func NewOrchestrator(deps Dependencies, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Assignments == nil || deps.Submissions == nil:
		return nil, errors.New("grading orchestrator requires repositories")
	case deps.Backend == nil:
		return nil, errors.New("grading orchestrator requires an execution backend")
	case deps.Pool == nil:
		return nil, errors.New("grading orchestrator requires a grading pool")
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.QuestionParallelism < 1 {
		cfg.QuestionParallelism = 1
	}
	if cfg.DefaultTimeLimit <= 0 {
		cfg.DefaultTimeLimit = sandbox.DefaultTimeLimit
	}
	if cfg.DefaultMemoryMB <= 0 {
		cfg.DefaultMemoryMB = sandbox.DefaultMemoryLimitMB
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Publisher == nil {
		deps.Publisher = Publishers{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	logger := deps.Logger.With().Str("component", "grading_orchestrator").Logger()
	runner := NewTestRunner(deps.Backend, cfg.TestCaseParallelism, deps.Logger)
	return &Orchestrator{
		assignments: deps.Assignments,
		submissions: deps.Submissions,
		runner:      runner,
		comparator:  NewReferenceComparator(deps.Backend, runner, cfg.Policy, cfg.TestCaseParallelism, deps.Logger),
		pool:        deps.Pool,
		locker:      deps.Locker,
		publisher:   deps.Publisher,
		policy:      cfg.Policy,
		parallelism: cfg.QuestionParallelism,
		timeLimit:   cfg.DefaultTimeLimit,
		memoryMB:    cfg.DefaultMemoryMB,
		feedback:    newFeedbackWriter(),
		logger:      logger,
		now:         deps.Clock,
	}, nil
}

// Policy returns the scoring policy in use.
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// GradeAsync locks the submission and schedules its grading on the grading
// pool. A submission that is already being graded is rejected with
// ErrGradingInProgress. The returned task outlives ctx's cancellation.
func (o *Orchestrator) GradeAsync(ctx context.Context, submissionID uint) (*workerpool.Task[Report], error) {
	lease, err := o.locker.Acquire(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if err := o.checkGradable(ctx, submissionID); err != nil {
		o.release(lease, submissionID)
		return nil, err
	}

	task, err := workerpool.Submit(context.WithoutCancel(ctx), o.pool, func(taskCtx context.Context) (Report, error) {
		return o.gradeLocked(taskCtx, submissionID)
	})
	if err != nil {
		o.release(lease, submissionID)
		return nil, err
	}
	go func() {
		<-task.Done()
		if _, err := task.Wait(context.Background()); err != nil {
			o.logger.Error().Err(err).Uint("submission_id", submissionID).Msg("scheduled grading failed")
		}
		o.release(lease, submissionID)
	}()
	return task, nil
}

// checkGradable rejects submissions that cannot enter GRADING before any
// work is scheduled for them.
func (o *Orchestrator) checkGradable(ctx context.Context, submissionID uint) error {
	submission, err := o.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return err
	}
	switch {
	case submission.Status == models.StatusGrading:
		return fmt.Errorf("submission %d: %w", submissionID, ErrGradingInProgress)
	case submission.Status == models.StatusNotSubmitted:
		return fmt.Errorf("%w: submission %d has not been submitted", models.ErrInvalidTransition, submissionID)
	}
	return models.ValidateTransition(submission.Status, models.StatusGrading)
}

// Grade grades a submission on the calling goroutine.
func (o *Orchestrator) Grade(ctx context.Context, submissionID uint) (Report, error) {
	lease, err := o.locker.Acquire(ctx, submissionID)
	if err != nil {
		return Report{}, err
	}
	defer o.release(lease, submissionID)
	return o.gradeLocked(ctx, submissionID)
}

func (o *Orchestrator) release(lease Lease, submissionID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		o.logger.Warn().Err(err).Uint("submission_id", submissionID).Msg("failed to release grading lock")
	}
}

// BatchReport lists which submissions were scheduled. One submission being
// rejected never affects the others.
type BatchReport struct {
	Accepted []uint          `json:"accepted"`
	Rejected map[uint]string `json:"rejected"`

	tasks map[uint]*workerpool.Task[Report]
}

// Wait blocks until every accepted submission has been graded.
func (b BatchReport) Wait(ctx context.Context) (map[uint]Report, map[uint]error) {
	reports := make(map[uint]Report, len(b.tasks))
	failures := make(map[uint]error)
	for id, task := range b.tasks {
		report, err := task.Wait(ctx)
		if err != nil {
			failures[id] = err
			continue
		}
		reports[id] = report
	}
	return reports, failures
}

// BatchGrade schedules every submission independently.
func (o *Orchestrator) BatchGrade(ctx context.Context, submissionIDs []uint) BatchReport {
	batch := BatchReport{
		Accepted: make([]uint, 0, len(submissionIDs)),
		Rejected: make(map[uint]string),
		tasks:    make(map[uint]*workerpool.Task[Report], len(submissionIDs)),
	}
	for _, id := range submissionIDs {
		if _, seen := batch.tasks[id]; seen {
			continue
		}
		if _, seen := batch.Rejected[id]; seen {
			continue
		}
		task, err := o.GradeAsync(ctx, id)
		if err != nil {
			o.logger.Warn().Err(err).Uint("submission_id", id).Msg("submission not scheduled for grading")
			batch.Rejected[id] = err.Error()
			continue
		}
		batch.Accepted = append(batch.Accepted, id)
		batch.tasks[id] = task
	}
	return batch
}

// RegradeAssignment schedules every submitted submission of an assignment.
func (o *Orchestrator) RegradeAssignment(ctx context.Context, assignmentID uint) (BatchReport, error) {
	if _, err := o.assignments.GetByID(ctx, assignmentID); err != nil {
		return BatchReport{}, err
	}
	ids, err := o.submissions.ListIDsByAssignment(ctx, assignmentID)
	if err != nil {
		return BatchReport{}, err
	}
	o.logger.Info().Uint("assignment_id", assignmentID).Int("submissions", len(ids)).Msg("regrading assignment")
	return o.BatchGrade(ctx, ids), nil
}

// gradeLocked runs one grading of a submission whose lock is held. Problems
// local to a question end up in the report with status ERROR; the error
// return is reserved for runs that could not start or could not be saved.
func (o *Orchestrator) gradeLocked(ctx context.Context, submissionID uint) (report Report, err error) {
	ctx, span := tracer.Start(ctx, "grading.submission", trace.WithAttributes(attribute.Int64("submission.id", int64(submissionID))))
	defer span.End()
	started := o.now()

	submission, err := o.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return Report{}, err
	}
	if submission.Status == models.StatusNotSubmitted {
		return Report{}, fmt.Errorf("%w: submission %d has not been submitted", models.ErrInvalidTransition, submissionID)
	}
	assignment, err := o.assignments.GetByID(ctx, submission.AssignmentID)
	if err != nil {
		return Report{}, err
	}

	runID := uuid.NewString()
	if err := o.submissions.BeginGrading(ctx, submissionID, runID, started); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return Report{}, fmt.Errorf("submission %d: %w", submissionID, ErrGradingInProgress)
		}
		return Report{}, err
	}

	report = Report{SubmissionID: submissionID, AssignmentID: assignment.ID, RunID: runID, Status: models.StatusGrading}
	logger := o.logger.With().Uint("submission_id", submissionID).Str("run_id", runID).Logger()
	span.SetAttributes(attribute.String("grading.run_id", runID))
	observability.GradingInFlight().Inc()
	defer observability.GradingInFlight().Dec()
	o.publish(ctx, Event{Type: EventGradingStarted, SubmissionID: submissionID, AssignmentID: assignment.ID, RunID: runID, Status: models.StatusGrading, At: started})

	defer func() {
		if r := recover(); r != nil {
			report, err = o.abort(ctx, submission, report, fmt.Errorf("grading panicked: %v", r), started, logger)
			span.SetStatus(codes.Error, "grading panicked")
		}
	}()

	questions := assignment.Questions
	reports := make([]QuestionReport, len(questions))
	var group errgroup.Group
	group.SetLimit(o.parallelism)
	for i := range questions {
		i := i
		group.Go(func() error {
			reports[i] = o.gradeSubmissionQuestion(ctx, submission, questions[i])
			return nil
		})
	}
	_ = group.Wait()

	scores := make([]QuestionScore, len(reports))
	var internal []string
	for i, q := range reports {
		scores[i] = q.Score
		if q.err != nil {
			internal = append(internal, fmt.Sprintf("question %d: %v", q.QuestionID, q.err))
			logger.Error().Err(q.err).Uint("question_id", q.QuestionID).Msg("question could not be graded")
		}
	}

	report.Questions = reports
	report.Totals = o.policy.Aggregate(scores, assignment.EffectiveMaxScore())
	report.Status = report.Totals.Status
	if len(internal) > 0 {
		report.Status = models.StatusError
		report.Totals.Status = models.StatusError
	}
	report.Feedback = o.feedback.submission(report)

	outcome, err := o.feedback.outcome(submission, report, internal)
	if err != nil {
		return o.abort(ctx, submission, report, err, started, logger)
	}
	outcome.GradedAt = o.now()
	if err := o.submissions.SaveOutcome(ctx, outcome); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			logger.Warn().Msg("grading run superseded before its outcome was saved")
			return report, fmt.Errorf("save grading outcome: %w", err)
		}
		return o.abort(ctx, submission, report, fmt.Errorf("save grading outcome: %w", err), started, logger)
	}

	o.finish(ctx, "submission", report, started, logger)
	if report.Status == models.StatusError {
		span.SetStatus(codes.Error, "grading finished with errors")
	}
	return report, nil
}

// abort marks the run ERROR. The student sees a generic message; the cause
// is kept in the internal note.
func (o *Orchestrator) abort(ctx context.Context, submission models.Submission, report Report, cause error, started time.Time, logger zerolog.Logger) (Report, error) {
	logger.Error().Err(cause).Msg("grading aborted")
	trace.SpanFromContext(ctx).RecordError(cause)

	report.Status = models.StatusError
	report.Totals.Status = models.StatusError
	report.Feedback = o.feedback.sanitize("Grading could not be completed. Your instructor has been notified.")
	if err := o.submissions.MarkError(ctx, submission.ID, report.RunID, report.Feedback, cause.Error(), o.now()); err != nil {
		logger.Error().Err(err).Msg("failed to mark submission as errored")
		return report, errors.Join(cause, err)
	}
	o.finish(ctx, "submission", report, started, logger)
	return report, nil
}

func (o *Orchestrator) finish(ctx context.Context, mode string, report Report, started time.Time, logger zerolog.Logger) {
	status := string(report.Status)
	observability.GradingDuration().WithLabelValues(mode, status).Observe(time.Since(started).Seconds())
	observability.GradingRuns().WithLabelValues(mode, status).Inc()
	for _, q := range report.Questions {
		if q.Method != "" {
			observability.GradingMethods().WithLabelValues(q.Method).Inc()
		}
		for _, c := range q.Cases {
			observability.TestOutcomes().WithLabelValues(string(c.Outcome)).Inc()
		}
	}

	eventType := EventGradingCompleted
	if report.Status == models.StatusError {
		eventType = EventGradingFailed
	}
	o.publish(ctx, Event{
		Type:         eventType,
		SubmissionID: report.SubmissionID,
		AssignmentID: report.AssignmentID,
		RunID:        report.RunID,
		Status:       report.Status,
		Score:        report.Totals.Score,
		MaxScore:     report.Totals.MaxScore,
		Percentage:   report.Totals.Percentage,
		At:           o.now(),
	})
	logger.Info().
		Str("status", status).
		Float64("score", report.Totals.Score).
		Dur("elapsed", time.Since(started)).
		Msg("grading finished")
}

func (o *Orchestrator) publish(ctx context.Context, event Event) {
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warn().Err(err).Str("event", string(event.Type)).Uint("submission_id", event.SubmissionID).Msg("failed to publish grading event")
	}
}

// gradeSubmissionQuestion picks the program for a question: the single
// program of a legacy submission, or the student's answer to it.
func (o *Orchestrator) gradeSubmissionQuestion(ctx context.Context, submission models.Submission, question models.Question) QuestionReport {
	if submission.IsLegacy() {
		return o.gradeProgram(ctx, question, submission.Code, submission.Language, nil)
	}
	answer, ok := submission.AnswerFor(question.ID)
	if !ok {
		return QuestionReport{QuestionID: question.ID, Title: question.Title, Score: Unanswered(question)}
	}
	return o.gradeProgram(ctx, question, answer.Code, answer.Language, &answer)
}

// gradeProgram grades one program against one question and never panics.
func (o *Orchestrator) gradeProgram(ctx context.Context, question models.Question, code, lang string, answer *models.QuestionSubmission) (report QuestionReport) {
	ctx, span := tracer.Start(ctx, "grading.question", trace.WithAttributes(
		attribute.Int64("question.id", int64(question.ID)),
		attribute.String("language", lang),
	))
	defer span.End()

	report = QuestionReport{QuestionID: question.ID, Title: question.Title, answer: answer}
	defer func() {
		if r := recover(); r != nil {
			report.fail(question, fmt.Errorf("grading question panicked: %v", r))
			span.RecordError(report.err)
			span.SetStatus(codes.Error, "panic")
		}
	}()

	spec, err := language.Lookup(lang)
	if err != nil {
		report.fail(question, err)
		return report
	}
	result, err := o.comparator.GradeQuestion(ctx, question, code, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		report.fail(question, err)
		return report
	}
	report.apply(result)
	span.SetAttributes(
		attribute.String("grading.method", result.Method),
		attribute.String("grading.status", string(result.Score.Status)),
	)
	return report
}

// AnswerRequest is a student's answer to one question.
type AnswerRequest struct {
	QuestionID uint
	StudentID  uint
	Code       string
	Language   string
}

// AnswerReport is the locked-in result of one answer and the recomputed
// submission totals.
type AnswerReport struct {
	SubmissionID uint                      `json:"submission_id"`
	RunID        string                    `json:"run_id"`
	IsLate       bool                      `json:"is_late"`
	Answer       models.QuestionSubmission `json:"answer"`
	Question     QuestionReport            `json:"question"`
	Totals       Totals                    `json:"totals"`
}

// SubmitAnswer grades an answer synchronously and locks its score in. The
// parent submission is created on first answer and flagged late when the
// assignment is past due.
func (o *Orchestrator) SubmitAnswer(ctx context.Context, req AnswerRequest) (AnswerReport, error) {
	spec, err := language.Lookup(req.Language)
	if err != nil {
		return AnswerReport{}, err
	}
	question, err := o.assignments.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return AnswerReport{}, err
	}
	assignment, err := o.assignments.GetByID(ctx, question.AssignmentID)
	if err != nil {
		return AnswerReport{}, err
	}

	started := o.now()
	late := assignment.IsPastDue(started)
	submission, err := o.submissions.Ensure(ctx, assignment.ID, req.StudentID, started, late)
	if err != nil {
		return AnswerReport{}, err
	}

	lease, err := o.locker.Acquire(ctx, submission.ID)
	if err != nil {
		return AnswerReport{}, err
	}
	defer o.release(lease, submission.ID)

	runID := uuid.NewString()
	logger := o.logger.With().Uint("submission_id", submission.ID).Uint("question_id", question.ID).Str("run_id", runID).Logger()
	answer := models.QuestionSubmission{
		SubmissionID: submission.ID,
		QuestionID:   question.ID,
		StudentID:    req.StudentID,
		Code:         req.Code,
		Language:     string(spec.Tag),
		IsLate:       late,
		SubmittedAt:  &started,
	}
	if err := o.submissions.StartAnswer(ctx, &answer, runID); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return AnswerReport{}, fmt.Errorf("submission %d: %w", submission.ID, ErrGradingInProgress)
		}
		return AnswerReport{}, err
	}

	graded := o.gradeProgram(ctx, question, req.Code, string(spec.Tag), &answer)
	if graded.err != nil {
		logger.Error().Err(graded.err).Msg("answer could not be graded")
	}

	current, err := o.submissions.GetByID(ctx, submission.ID)
	if err != nil {
		return AnswerReport{}, err
	}
	scores := make([]QuestionScore, 0, len(assignment.Questions))
	for _, q := range assignment.Questions {
		if q.ID == question.ID {
			scores = append(scores, graded.Score)
			continue
		}
		scores = append(scores, storedScore(q, current))
	}
	totals := o.policy.Aggregate(scores, assignment.EffectiveMaxScore())
	if graded.err != nil {
		totals.Status = models.StatusError
	}

	finished := o.now()
	saved := o.feedback.answer(answer, graded)
	details, err := jsonDetails(scores)
	if err != nil {
		return AnswerReport{}, err
	}
	err = o.submissions.SaveAnswerOutcome(ctx, repository.QuestionOutcome{
		QuestionID: question.ID,
		Answer:     saved,
		Results:    testResults(graded, submission.ID),
	}, runID, repository.SubmissionOutcome{
		SubmissionID: submission.ID,
		Status:       totals.Status,
		Score:        totals.Score,
		MaxScore:     totals.MaxScore,
		Percentage:   totals.Percentage,
		Feedback:     o.feedback.sanitize(fmt.Sprintf("Status %s. Score %.2f/%.2f (%.2f%%).", totals.Status, totals.Score, totals.MaxScore, totals.Percentage)),
		Details:      details,
		GradedAt:     finished,
	})
	if err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return AnswerReport{}, fmt.Errorf("submission %d: %w", submission.ID, ErrGradingInProgress)
		}
		return AnswerReport{}, fmt.Errorf("save answer outcome: %w", err)
	}
	saved.GradedAt = &finished
	saved.CurrentRunID = runID

	o.finish(ctx, "answer", Report{
		SubmissionID: submission.ID,
		AssignmentID: assignment.ID,
		RunID:        runID,
		Status:       totals.Status,
		Totals:       totals,
		Questions:    []QuestionReport{graded},
	}, started, logger)
	o.publish(ctx, Event{
		Type:         EventAnswerGraded,
		SubmissionID: submission.ID,
		AssignmentID: assignment.ID,
		QuestionID:   question.ID,
		RunID:        runID,
		Status:       saved.Status,
		Score:        saved.Score,
		MaxScore:     question.Points,
		At:           finished,
	})

	return AnswerReport{
		SubmissionID: submission.ID,
		RunID:        runID,
		IsLate:       submission.IsLate,
		Answer:       *saved,
		Question:     graded,
		Totals:       totals,
	}, nil
}

// storedScore rebuilds the score of a previously graded answer.
func storedScore(question models.Question, submission models.Submission) QuestionScore {
	answer, ok := submission.AnswerFor(question.ID)
	if !ok || !answer.Status.IsTerminal() {
		return Unanswered(question)
	}
	return QuestionScore{
		QuestionID:   question.ID,
		Points:       question.Points,
		Score:        answer.Score,
		Status:       answer.Status,
		Total:        len(question.TestCases),
		CompileError: answer.Status == models.StatusCompilationError,
		Answered:     true,
	}
}

// CheckRequest is an interactive run that is never persisted. With Input
// set the program runs once on it; otherwise it is graded against the
// question's test cases.
type CheckRequest struct {
	QuestionID uint
	Code       string
	Language   string
	Input      *string
}

// CheckReport carries the result of an interactive check.
type CheckReport struct {
	Question models.Question
	Run      *sandbox.Result
	Graded   *QuestionReport
}

// CheckCode runs or grades code without touching stored scores.
func (o *Orchestrator) CheckCode(ctx context.Context, req CheckRequest) (CheckReport, error) {
	spec, err := language.Lookup(req.Language)
	if err != nil {
		return CheckReport{}, err
	}
	question, err := o.assignments.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return CheckReport{}, err
	}

	if req.Input != nil {
		limit, memory := o.timeLimit, o.memoryMB
		if len(question.TestCases) > 0 {
			limit, memory = question.TestCases[0].TimeLimit(), question.TestCases[0].MemoryLimit()
		}
		result, err := o.runner.RunOnce(ctx, spec, req.Code, *req.Input, limit, memory)
		if err != nil {
			return CheckReport{}, err
		}
		return CheckReport{Question: question, Run: &result}, nil
	}

	graded := o.gradeProgram(ctx, question, req.Code, string(spec.Tag), nil)
	if graded.err != nil {
		return CheckReport{}, graded.err
	}
	return CheckReport{Question: question, Graded: &graded}, nil
}
