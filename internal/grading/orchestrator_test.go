package grading

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/internal/repository"
	"github.com/noah-isme/gema-autograder/pkg/sandbox"
	"github.com/noah-isme/gema-autograder/pkg/workerpool"
)

type orchestratorFixture struct {
	db          *gorm.DB
	assignments repository.AssignmentRepository
	submissions repository.SubmissionRepository
	locker      *LocalLocker
	hub         *Hub
	orch        *Orchestrator
}

func newOrchestratorFixture(t *testing.T, backend sandbox.Backend) orchestratorFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Assignment{},
		&models.Question{},
		&models.TestCase{},
		&models.Submission{},
		&models.QuestionSubmission{},
		&models.TestResult{},
	))

	pool, err := workerpool.New(workerpool.Config{Name: "grading-test", Core: 1, Max: 1, QueueSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	fx := orchestratorFixture{
		db:          db,
		assignments: repository.NewAssignmentRepository(db),
		submissions: repository.NewSubmissionRepository(db),
		locker:      NewLocalLocker(),
		hub:         NewHub(),
	}
	fx.orch, err = NewOrchestrator(Dependencies{
		Assignments: fx.assignments,
		Submissions: fx.submissions,
		Backend:     backend,
		Pool:        pool,
		Locker:      fx.locker,
		Publisher:   fx.hub,
		Logger:      zerolog.Nop(),
	}, Config{QuestionParallelism: 2, TestCaseParallelism: 2})
	require.NoError(t, err)
	return fx
}

func (fx orchestratorFixture) seedAssignment(t *testing.T, due *time.Time) models.Assignment {
	t.Helper()
	assignment := models.Assignment{
		Title:    "Echo",
		MaxScore: 100,
		DueDate:  due,
		Questions: []models.Question{
			{Title: "First", Position: 1, Points: 10, TestCases: []models.TestCase{models.NewTestCase("a", "a"), models.NewTestCase("b", "b")}},
			{Title: "Second", Position: 2, Points: 10, TestCases: []models.TestCase{models.NewTestCase("c", "c")}},
		},
	}
	require.NoError(t, fx.assignments.Create(context.Background(), &assignment))
	return assignment
}

func (fx orchestratorFixture) seedLegacySubmission(t *testing.T, assignmentID, studentID uint) models.Submission {
	t.Helper()
	submission := models.Submission{AssignmentID: assignmentID, StudentID: studentID, Code: "print(input())", Language: "python"}
	require.NoError(t, fx.submissions.Create(context.Background(), &submission))
	return submission
}

func TestNewOrchestratorValidatesDependencies(t *testing.T) {
	_, err := NewOrchestrator(Dependencies{}, Config{})
	require.Error(t, err)

	_, err = NewOrchestrator(Dependencies{
		Assignments: repository.NewAssignmentRepository(nil),
		Submissions: repository.NewSubmissionRepository(nil),
		Backend:     echoBackend(),
		Pool:        &workerpool.Pool{},
	}, Config{Policy: Policy{PassThreshold: 0.3, PartialThreshold: 0.6}})
	require.Error(t, err)
}

func TestGradeLegacySubmission(t *testing.T) {
	fx := newOrchestratorFixture(t, echoBackend())
	assignment := fx.seedAssignment(t, nil)
	submission := fx.seedLegacySubmission(t, assignment.ID, 1)

	events, cancel := fx.hub.Subscribe(submission.ID)
	defer cancel()

	report, err := fx.orch.Grade(context.Background(), submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPassed, report.Status)
	require.Equal(t, 100.0, report.Totals.Score)
	require.NotEmpty(t, report.RunID)
	require.Len(t, report.Questions, 2)

	stored, err := fx.submissions.GetByID(context.Background(), submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPassed, stored.Status)
	require.Equal(t, 100.0, stored.Score)
	require.Equal(t, 100.0, stored.Percentage)
	require.Equal(t, report.RunID, stored.CurrentRunID)
	require.NotNil(t, stored.GradedAt)
	require.Contains(t, stored.Feedback, "Status PASSED")

	results, err := fx.submissions.ListResults(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, result := range results {
		require.NotNil(t, result.SubmissionID)
		require.Nil(t, result.QuestionSubmissionID)
		require.True(t, result.IsPassed)
	}

	require.Equal(t, EventGradingStarted, (<-events).Type)
	completed := <-events
	require.Equal(t, EventGradingCompleted, completed.Type)
	require.Equal(t, 100.0, completed.Score)
	require.False(t, fx.locker.Held(submission.ID))
}

func TestRegradeKeepsPreviousResults(t *testing.T) {
	fx := newOrchestratorFixture(t, echoBackend())
	assignment := fx.seedAssignment(t, nil)
	submission := fx.seedLegacySubmission(t, assignment.ID, 1)

	first, err := fx.orch.Grade(context.Background(), submission.ID)
	require.NoError(t, err)
	second, err := fx.orch.Grade(context.Background(), submission.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)

	old, err := fx.submissions.ListResults(context.Background(), first.RunID)
	require.NoError(t, err)
	require.Len(t, old, 3)
	fresh, err := fx.submissions.ListResults(context.Background(), second.RunID)
	require.NoError(t, err)
	require.Len(t, fresh, 3)
}

func TestGradeRejectsUnsubmitted(t *testing.T) {
	fx := newOrchestratorFixture(t, echoBackend())
	assignment := fx.seedAssignment(t, nil)
	submission := models.Submission{AssignmentID: assignment.ID, StudentID: 3, Status: models.StatusNotSubmitted}
	require.NoError(t, fx.submissions.Create(context.Background(), &submission))

	_, err := fx.orch.Grade(context.Background(), submission.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestGradeAsyncRejectsUngradableSubmissionsBeforeScheduling(t *testing.T) {
	fx := newOrchestratorFixture(t, echoBackend())
	assignment := fx.seedAssignment(t, nil)
	unsubmitted := models.Submission{AssignmentID: assignment.ID, StudentID: 3, Status: models.StatusNotSubmitted}
	require.NoError(t, fx.submissions.Create(context.Background(), &unsubmitted))

	task, err := fx.orch.GradeAsync(context.Background(), unsubmitted.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	require.Nil(t, task)
	require.False(t, fx.locker.Held(unsubmitted.ID))

	stuck := fx.seedLegacySubmission(t, assignment.ID, 4)
	require.NoError(t, fx.submissions.BeginGrading(context.Background(), stuck.ID, "crashed-run", time.Now()))
	_, err = fx.orch.GradeAsync(context.Background(), stuck.ID)
	require.ErrorIs(t, err, ErrGradingInProgress)

	_, err = fx.orch.GradeAsync(context.Background(), 4242)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	stored, err := fx.submissions.GetByID(context.Background(), unsubmitted.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusNotSubmitted, stored.Status)
}

func TestGradeRecordsInfrastructureFailureAsError(t *testing.T) {
	backend := newScriptedBackend(func(sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{}, fmt.Errorf("%w for python", sandbox.ErrNoBackend)
	})
	fx := newOrchestratorFixture(t, backend)
	assignment := fx.seedAssignment(t, nil)
	submission := fx.seedLegacySubmission(t, assignment.ID, 1)

	report, err := fx.orch.Grade(context.Background(), submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusError, report.Status)

	stored, err := fx.submissions.GetByID(context.Background(), submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusError, stored.Status)
	require.Contains(t, stored.InternalNote, "no execution backend")
	require.NotContains(t, stored.Feedback, "no execution backend")
}

func TestGradeAsyncExcludesConcurrentGrading(t *testing.T) {
	gate := make(chan struct{})
	backend := newScriptedBackend(func(req sandbox.Request) (sandbox.Result, error) {
		<-gate
		return sandbox.Result{Stdout: req.Stdin}, nil
	})
	fx := newOrchestratorFixture(t, backend)
	assignment := fx.seedAssignment(t, nil)
	submission := fx.seedLegacySubmission(t, assignment.ID, 1)
	ctx := context.Background()

	task, err := fx.orch.GradeAsync(ctx, submission.ID)
	require.NoError(t, err)
	require.True(t, fx.locker.Held(submission.ID))

	_, err = fx.orch.GradeAsync(ctx, submission.ID)
	require.ErrorIs(t, err, ErrGradingInProgress)
	_, err = fx.orch.Grade(ctx, submission.ID)
	require.ErrorIs(t, err, ErrGradingInProgress)

	close(gate)
	report, err := task.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, models.StatusPassed, report.Status)
	require.Eventually(t, func() bool { return !fx.locker.Held(submission.ID) }, time.Second, 10*time.Millisecond)
}

func TestBatchGradeIsolatesSubmissions(t *testing.T) {
	fx := newOrchestratorFixture(t, echoBackend())
	assignment := fx.seedAssignment(t, nil)
	first := fx.seedLegacySubmission(t, assignment.ID, 1)
	second := fx.seedLegacySubmission(t, assignment.ID, 2)

	lease, err := fx.locker.Acquire(context.Background(), second.ID)
	require.NoError(t, err)

	batch := fx.orch.BatchGrade(context.Background(), []uint{first.ID, second.ID, first.ID, 999})
	require.NoError(t, lease.Release(context.Background()))

	require.Equal(t, []uint{first.ID}, batch.Accepted)
	require.Contains(t, batch.Rejected[second.ID], ErrGradingInProgress.Error())
	require.Contains(t, batch.Rejected[999], gorm.ErrRecordNotFound.Error())

	reports, failures := batch.Wait(context.Background())
	require.Empty(t, failures)
	require.Equal(t, models.StatusPassed, reports[first.ID].Status)
}

func TestRegradeAssignment(t *testing.T) {
	fx := newOrchestratorFixture(t, echoBackend())
	assignment := fx.seedAssignment(t, nil)
	a := fx.seedLegacySubmission(t, assignment.ID, 1)
	b := fx.seedLegacySubmission(t, assignment.ID, 2)

	batch, err := fx.orch.RegradeAssignment(context.Background(), assignment.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint{a.ID, b.ID}, batch.Accepted)

	reports, failures := batch.Wait(context.Background())
	require.Empty(t, failures)
	require.Len(t, reports, 2)

	_, err = fx.orch.RegradeAssignment(context.Background(), 12345)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestSubmitAnswerLocksInScores(t *testing.T) {
	fx := newOrchestratorFixture(t, echoBackend())
	due := time.Now().Add(-time.Hour)
	assignment := fx.seedAssignment(t, &due)
	first, second := assignment.Questions[0], assignment.Questions[1]
	ctx := context.Background()

	answer, err := fx.orch.SubmitAnswer(ctx, AnswerRequest{QuestionID: first.ID, StudentID: 8, Code: "print(input())", Language: "py"})
	require.NoError(t, err)
	require.True(t, answer.IsLate)
	require.Equal(t, models.StatusPassed, answer.Answer.Status)
	require.Equal(t, 10.0, answer.Answer.Score)
	require.True(t, answer.Answer.IsCorrect)
	require.Equal(t, models.GradingMethodExactMatch, answer.Answer.GradingMethod)
	require.Equal(t, models.StatusPartial, answer.Totals.Status)
	require.Equal(t, 50.0, answer.Totals.Score)

	stored, err := fx.submissions.GetByID(ctx, answer.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPartial, stored.Status)
	require.Equal(t, 50.0, stored.Score)
	require.Len(t, stored.QuestionSubmissions, 1)

	results, err := fx.submissions.ListResults(ctx, answer.RunID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NotNil(t, results[0].QuestionSubmissionID)
	require.Nil(t, results[0].SubmissionID)

	answer, err = fx.orch.SubmitAnswer(ctx, AnswerRequest{QuestionID: second.ID, StudentID: 8, Code: "print(input())", Language: "python"})
	require.NoError(t, err)
	require.Equal(t, models.StatusPassed, answer.Totals.Status)
	require.Equal(t, 100.0, answer.Totals.Score)

	stored, err = fx.submissions.GetByID(ctx, answer.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPassed, stored.Status)
	require.Len(t, stored.QuestionSubmissions, 2)
}

func TestSubmitAnswerRejectsUnknownLanguage(t *testing.T) {
	fx := newOrchestratorFixture(t, echoBackend())
	assignment := fx.seedAssignment(t, nil)

	_, err := fx.orch.SubmitAnswer(context.Background(), AnswerRequest{QuestionID: assignment.Questions[0].ID, StudentID: 1, Code: "x", Language: "cobol"})
	require.Error(t, err)

	var count int64
	require.NoError(t, fx.db.Model(&models.Submission{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestGradeMultiQuestionSubmission(t *testing.T) {
	fx := newOrchestratorFixture(t, echoBackend())
	assignment := fx.seedAssignment(t, nil)
	ctx := context.Background()

	answer, err := fx.orch.SubmitAnswer(ctx, AnswerRequest{QuestionID: assignment.Questions[0].ID, StudentID: 4, Code: "print(input())", Language: "python"})
	require.NoError(t, err)

	report, err := fx.orch.Grade(ctx, answer.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPartial, report.Status)
	require.Equal(t, models.StatusPassed, report.Questions[0].Score.Status)
	require.Equal(t, models.StatusNotSubmitted, report.Questions[1].Score.Status)

	stored, err := fx.submissions.GetByID(ctx, answer.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPartial, stored.Status)
	require.Equal(t, models.StatusPassed, stored.QuestionSubmissions[0].Status)
	require.Equal(t, report.RunID, stored.QuestionSubmissions[0].CurrentRunID)
}

func TestCheckCodeDoesNotPersist(t *testing.T) {
	fx := newOrchestratorFixture(t, echoBackend())
	assignment := fx.seedAssignment(t, nil)
	question := assignment.Questions[0]
	ctx := context.Background()

	input := "ping"
	run, err := fx.orch.CheckCode(ctx, CheckRequest{QuestionID: question.ID, Code: "print(input())", Language: "python", Input: &input})
	require.NoError(t, err)
	require.NotNil(t, run.Run)
	require.Equal(t, "ping\n", run.Run.Stdout)
	require.Nil(t, run.Graded)

	graded, err := fx.orch.CheckCode(ctx, CheckRequest{QuestionID: question.ID, Code: "print(input())", Language: "python"})
	require.NoError(t, err)
	require.NotNil(t, graded.Graded)
	require.Equal(t, models.StatusPassed, graded.Graded.Score.Status)
	require.Len(t, graded.Graded.Cases, 2)

	var count int64
	require.NoError(t, fx.db.Model(&models.Submission{}).Count(&count).Error)
	require.Zero(t, count)
	require.NoError(t, fx.db.Model(&models.TestResult{}).Count(&count).Error)
	require.Zero(t, count)
}
