package handler_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograder/internal/config"
	"github.com/noah-isme/gema-autograder/internal/dto"
	"github.com/noah-isme/gema-autograder/internal/grading"
	"github.com/noah-isme/gema-autograder/internal/models"
)

type streamSnapshot struct {
	Type       string                       `json:"type"`
	Submission dto.SubmissionStatusResponse `json:"submission"`
}

func startServer(t *testing.T, app *fiber.App) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	t.Cleanup(func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	})
	return "ws://" + listener.Addr().String()
}

func dialStream(t *testing.T, baseURL string, submissionID uint, role string, userID uint) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	header := http.Header{
		"X-User-ID":   {strconv.FormatUint(uint64(userID), 10)},
		"X-User-Role": {role},
	}
	url := fmt.Sprintf("%s/api/v2/grading/submissions/%d/ws", baseURL, submissionID)

	var (
		conn *websocket.Conn
		resp *http.Response
		err  error
	)
	require.Eventually(t, func() bool {
		conn, resp, err = dialer.Dial(url, header)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "dial %s", url)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestStreamSendsSnapshotThenGradingEvents(t *testing.T) {
	api := newGradingAPI(t, config.Config{})
	submission := models.Submission{AssignmentID: api.assignment.ID, StudentID: 5, Code: "print(input())", Language: "python"}
	require.NoError(t, api.submissions.Create(context.Background(), &submission))
	baseURL := startServer(t, api.app)

	conn := dialStream(t, baseURL, submission.ID, "student", 5)

	var snapshot streamSnapshot
	require.NoError(t, conn.ReadJSON(&snapshot))
	require.Equal(t, "snapshot", snapshot.Type)
	require.Equal(t, submission.ID, snapshot.Submission.ID)
	require.Equal(t, models.StatusSubmitted, snapshot.Submission.Status)

	status, _ := api.do(t, http.MethodPost, fmt.Sprintf("/api/v2/grading/submissions/%d/grade", submission.ID), "teacher", 1, nil)
	require.Equal(t, fiber.StatusAccepted, status)

	var seen []string
	for {
		var event dto.GradingEventResponse
		require.NoError(t, conn.ReadJSON(&event), "events so far: %v", seen)
		require.Equal(t, submission.ID, event.SubmissionID)
		seen = append(seen, event.Type)
		if event.Type == string(grading.EventGradingCompleted) {
			require.Equal(t, models.StatusPassed, event.Status)
			require.NotEmpty(t, event.RunID)
			break
		}
	}
	require.Equal(t, string(grading.EventGradingStarted), seen[0])
}

func TestStreamClosesForForeignStudent(t *testing.T) {
	api := newGradingAPI(t, config.Config{})
	submission := models.Submission{AssignmentID: api.assignment.ID, StudentID: 5, Code: "print(input())", Language: "python"}
	require.NoError(t, api.submissions.Create(context.Background(), &submission))
	baseURL := startServer(t, api.app)

	conn := dialStream(t, baseURL, submission.ID, "student", 6)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected close: %v", err)
}

func TestGradeRejectsUnsubmittedWithConflict(t *testing.T) {
	api := newGradingAPI(t, config.Config{})
	submission := models.Submission{AssignmentID: api.assignment.ID, StudentID: 5, Status: models.StatusNotSubmitted}
	require.NoError(t, api.submissions.Create(context.Background(), &submission))

	status, body := api.do(t, http.MethodPost, fmt.Sprintf("/api/v2/grading/submissions/%d/grade", submission.ID), "teacher", 1, nil)
	require.Equal(t, fiber.StatusConflict, status)
	require.Equal(t, "invalid_state", body.Code)
}
