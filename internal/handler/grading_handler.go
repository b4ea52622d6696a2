package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograder/internal/dto"
	"github.com/noah-isme/gema-autograder/internal/grading"
	"github.com/noah-isme/gema-autograder/internal/middleware"
	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/internal/service"
	"github.com/noah-isme/gema-autograder/internal/utils"
	"github.com/noah-isme/gema-autograder/pkg/language"
	"github.com/noah-isme/gema-autograder/pkg/sandbox"
	"github.com/noah-isme/gema-autograder/pkg/workerpool"
)

// GradingHandler exposes code checks, answer submission and grading control.
type GradingHandler struct {
	service   service.GradingService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewGradingHandler constructs the grading handler.
func NewGradingHandler(service service.GradingService, validator *validator.Validate, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register binds the grading routes. Callers are expected to be authenticated
// already; staff routes check the role themselves.
func (h *GradingHandler) Register(router fiber.Router) {
	staff := middleware.RequireRole("admin", "teacher")

	router.Get("/languages", h.languages)
	router.Post("/questions/:id/check", h.check)
	router.Post("/questions/:id/submit", h.submit)
	router.Get("/submissions/:id", h.status)
	router.Get("/submissions/:id/ws", h.upgrade, websocket.New(h.stream))

	router.Post("/submissions/:id/grade", staff, h.grade)
	router.Delete("/submissions/:id", staff, h.delete)
	router.Post("/assignments/:id/regrade", staff, h.regrade)
	router.Get("/assignments/:id/stats", staff, h.stats)
	router.Post("/batch", staff, h.batch)
}

func (h *GradingHandler) languages(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "languages retrieved", h.service.Languages(withRequestContext(c)))
}

func (h *GradingHandler) check(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.CodeCheckRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.CheckCode(withRequestContext(c), id, payload)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "code checked", response)
}

func (h *GradingHandler) submit(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	actor := gradingActorFromContext(c)
	if actor.ID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	var payload dto.AnswerSubmitRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.SubmitAnswer(withRequestContext(c), id, actor, payload)
	if err != nil {
		return h.handleError(c, err)
	}
	requestLogger(h.logger, c).Info().
		Uint("question_id", id).
		Uint("student_id", actor.ID).
		Str("status", string(response.Status)).
		Msg("answer graded")
	return utils.SendSuccess(c, "answer submitted", response)
}

func (h *GradingHandler) status(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.GetSubmissionStatus(withRequestContext(c), id, gradingActorFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "submission retrieved", response)
}

func (h *GradingHandler) grade(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.GradeSubmission(withRequestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "grading scheduled", response)
}

func (h *GradingHandler) regrade(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.RegradeAssignment(withRequestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "regrade scheduled", response)
}

func (h *GradingHandler) batch(c *fiber.Ctx) error {
	var payload dto.BatchGradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.BatchGrade(withRequestContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "batch grading scheduled", response)
}

func (h *GradingHandler) stats(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.GetGradingStats(withRequestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "grading statistics", response)
}

func (h *GradingHandler) delete(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.DeleteSubmission(withRequestContext(c), id); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "submission deleted", nil)
}

func (h *GradingHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals("request_ctx", withRequestContext(c))
	return c.Next()
}

// stream sends a snapshot of the submission followed by every grading event
// until the client disconnects.
func (h *GradingHandler) stream(conn *websocket.Conn) {
	defer conn.Close()

	id, err := strconv.ParseUint(conn.Params("id"), 10, 64)
	if err != nil {
		closeWebsocket(conn, websocket.CloseUnsupportedData, "invalid identifier")
		return
	}
	actor := websocketActor(conn)
	if actor.ID == 0 {
		closeWebsocket(conn, websocket.ClosePolicyViolation, "authentication required")
		return
	}

	base, _ := conn.Locals("request_ctx").(context.Context)
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	defer cancel()

	snapshot, err := h.service.GetSubmissionStatus(ctx, uint(id), actor)
	if err != nil {
		closeWebsocket(conn, websocket.ClosePolicyViolation, errorMessage(err))
		return
	}
	events, unsubscribe, err := h.service.Subscribe(ctx, uint(id), actor)
	if err != nil {
		closeWebsocket(conn, websocket.CloseInternalServerErr, errorMessage(err))
		return
	}
	defer unsubscribe()

	if err := conn.WriteJSON(fiber.Map{"type": "snapshot", "submission": snapshot}); err != nil {
		return
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	logger := h.logger.With().Uint64("submission_id", id).Uint("user_id", actor.ID).Logger()
	logger.Debug().Msg("grading stream opened")
	defer logger.Debug().Msg("grading stream closed")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func closeWebsocket(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

func (h *GradingHandler) handleError(c *fiber.Ctx, err error) error {
	status := errorStatus(err)
	if status == fiber.StatusInternalServerError {
		requestLogger(h.logger, c).Error().Err(err).Msg("grading request failed")
	}
	return utils.SendErrorCode(c, status, errorCode(err), errorMessage(err))
}

func errorCode(err error) string {
	switch {
	case isValidationError(err):
		return "validation_failed"
	case errors.Is(err, language.ErrUnsupportedLanguage):
		return "unsupported_language"
	case errors.Is(err, service.ErrSubmissionForbidden):
		return "forbidden"
	case errors.Is(err, service.ErrSubmissionNotFound),
		errors.Is(err, service.ErrQuestionNotFound),
		errors.Is(err, service.ErrAssignmentNotFound):
		return "not_found"
	case errors.Is(err, grading.ErrGradingInProgress):
		return "grading_in_progress"
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid_state"
	case errors.Is(err, sandbox.ErrNoBackend), errors.Is(err, sandbox.ErrToolchainUnavailable):
		return "backend_unavailable"
	case errors.Is(err, workerpool.ErrSaturated), errors.Is(err, workerpool.ErrClosed):
		return "saturated"
	default:
		return "internal"
	}
}

func errorStatus(err error) int {
	switch {
	case isValidationError(err), errors.Is(err, language.ErrUnsupportedLanguage):
		return fiber.StatusBadRequest
	case errors.Is(err, service.ErrSubmissionForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, service.ErrSubmissionNotFound),
		errors.Is(err, service.ErrQuestionNotFound),
		errors.Is(err, service.ErrAssignmentNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, grading.ErrGradingInProgress),
		errors.Is(err, models.ErrInvalidTransition):
		return fiber.StatusConflict
	case errors.Is(err, sandbox.ErrNoBackend),
		errors.Is(err, sandbox.ErrToolchainUnavailable),
		errors.Is(err, workerpool.ErrSaturated),
		errors.Is(err, workerpool.ErrClosed):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	var validationErrors validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrors):
		return validationErrors.Error()
	case errors.Is(err, language.ErrUnsupportedLanguage):
		return err.Error()
	case errors.Is(err, service.ErrSubmissionForbidden):
		return "insufficient permissions"
	case errors.Is(err, service.ErrSubmissionNotFound):
		return "submission not found"
	case errors.Is(err, service.ErrQuestionNotFound):
		return "question not found"
	case errors.Is(err, service.ErrAssignmentNotFound):
		return "assignment not found"
	case errors.Is(err, grading.ErrGradingInProgress):
		return "grading already in progress"
	case errors.Is(err, models.ErrInvalidTransition):
		return "submission cannot be graded in its current state"
	case errors.Is(err, sandbox.ErrNoBackend), errors.Is(err, sandbox.ErrToolchainUnavailable):
		return "no execution backend available for this language"
	case errors.Is(err, workerpool.ErrSaturated), errors.Is(err, workerpool.ErrClosed):
		return "grading capacity exhausted, try again later"
	default:
		return "internal server error"
	}
}
