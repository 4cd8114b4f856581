package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"mediagate/internal/server/database"
	"mediagate/internal/server/dispatcher"
	"mediagate/internal/server/ledger"
	"mediagate/internal/server/policy"
	"mediagate/internal/server/service"
	"mediagate/internal/server/settings"
	"mediagate/internal/server/transcoder"
	"mediagate/internal/server/users"
)

// HeaderUserID carries the caller's identity on job and event routes.
const HeaderUserID = "X-User-ID"

// Handler contains the HTTP handlers for the mediagate API.
type Handler struct {
	svc *service.JobService
}

// NewHandler creates a new handler with the given service dependency.
func NewHandler(svc *service.JobService) *Handler {
	return &Handler{svc: svc}
}

// userID reads the caller from the header, then the user_id query or form field.
func userID(c echo.Context) string {
	if id := strings.TrimSpace(c.Request().Header.Get(HeaderUserID)); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.QueryParam("user_id")); id != "" {
		return id
	}
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		return strings.TrimSpace(c.FormValue("user_id"))
	}
	return ""
}

func missingUser(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, echo.Map{
		"error": "user id is required (header " + HeaderUserID + " or user_id)",
	})
}

// HandleSubmit handles POST /api/v1/jobs.
// Accepts a multipart form with a "file" field, "user_id", optional "action"
// and optional "wait=true" to block until the job settles.
func (h *Handler) HandleSubmit(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	result, err := h.svc.SubmitUpload(c.Request().Context(), service.UploadRequest{
		UserID:   userID(c),
		Username: c.FormValue("username"),
		FileName: fileHeader.Filename,
		Size:     fileHeader.Size,
		Action:   c.FormValue("action"),
		Body:     src,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	if wait, _ := strconv.ParseBool(c.FormValue("wait")); !wait {
		return c.JSON(http.StatusAccepted, result)
	}

	// Giving up on the wait leaves the job running.
	if _, err := result.Wait(c.Request().Context()); err != nil {
		return c.JSON(http.StatusAccepted, result)
	}
	view, err := h.svc.GetJob(c.Request().Context(), userID(c), result.JobID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// HandleGetJob handles GET /api/v1/jobs/:id.
func (h *Handler) HandleGetJob(c echo.Context) error {
	user := userID(c)
	if user == "" {
		return missingUser(c)
	}

	view, err := h.svc.GetJob(c.Request().Context(), user, c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// HandleCancelJob handles DELETE /api/v1/jobs/:id.
func (h *Handler) HandleCancelJob(c echo.Context) error {
	user := userID(c)
	if user == "" {
		return missingUser(c)
	}

	if err := h.svc.CancelJob(c.Request().Context(), user, c.Param("id")); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{
		"message": "cancellation requested",
	})
}

// HandleOutput handles GET /api/v1/jobs/:id/output.
// Serves the produced file as an attachment.
func (h *Handler) HandleOutput(c echo.Context) error {
	user := userID(c)
	if user == "" {
		return missingUser(c)
	}

	filePath, filename, err := h.svc.Output(c.Request().Context(), user, c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.Attachment(filePath, filename)
}

// HandleGetSettings handles GET /api/v1/users/:user/settings.
func (h *Handler) HandleGetSettings(c echo.Context) error {
	st, err := h.svc.GetSettings(c.Request().Context(), c.Param("user"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// HandleUpdateSettings handles PATCH /api/v1/users/:user/settings.
// Only the fields present in the body change.
func (h *Handler) HandleUpdateSettings(c echo.Context) error {
	var patch settings.Patch
	if err := c.Bind(&patch); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid settings body"})
	}

	st, err := h.svc.UpdateSettings(c.Request().Context(), c.Param("user"), patch)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// HandleResetSettings handles POST /api/v1/users/:user/settings/reset.
func (h *Handler) HandleResetSettings(c echo.Context) error {
	st, err := h.svc.ResetSettings(c.Request().Context(), c.Param("user"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// HandleHistory handles GET /api/v1/users/:user/history?limit=N.
func (h *Handler) HandleHistory(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	entries, err := h.svc.History(c.Request().Context(), c.Param("user"), limit)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"user_id": c.Param("user"),
		"entries": entries,
	})
}

// HandleStats handles GET /api/v1/users/:user/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	status, err := h.svc.Status(c.Request().Context(), c.Param("user"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"stats":            status,
		"total_size_human": humanizeBytes(status.TotalSize),
	})
}

// HandleLimits handles GET /api/v1/users/:user/limits.
func (h *Handler) HandleLimits(c echo.Context) error {
	limits, err := h.svc.Limits(c.Request().Context(), c.Param("user"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"tier":                limits.Tier,
		"max_file_size":       limits.MaxFileSize,
		"max_file_size_human": humanizeBytes(limits.MaxFileSize),
		"cooldown_seconds":    int64(limits.Cooldown.Seconds()),
		"max_concurrent_jobs": limits.MaxConcurrentJobs,
		"supported_audio":     transcoder.AudioFormats,
		"supported_video":     transcoder.VideoFormats,
		"supported_documents": transcoder.DocumentFormats,
		"video_actions":       transcoder.Actions(database.CategoryVideo),
		"audio_actions":       transcoder.Actions(database.CategoryAudio),
		"document_actions":    transcoder.Actions(database.CategoryDocument),
	})
}

// HandleEvents handles GET /api/v1/events?user_id=U&since=N.
// Clients poll with the last sequence they saw.
func (h *Handler) HandleEvents(c echo.Context) error {
	user := userID(c)
	if user == "" {
		return missingUser(c)
	}
	since, _ := strconv.ParseInt(c.QueryParam("since"), 10, 64)

	evs := h.svc.Events(user, since)
	next := since
	if len(evs) > 0 {
		next = evs[len(evs)-1].Seq
	}
	return c.JSON(http.StatusOK, echo.Map{
		"events": evs,
		"next":   next,
	})
}

type tierRequest struct {
	Tier database.Tier `json:"tier"`
}

// HandleSetTier handles POST /api/v1/admin/users/:user/tier.
// Requires "Authorization: Bearer <admin token>".
func (h *Handler) HandleSetTier(c echo.Context) error {
	token := strings.TrimSpace(strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer "))

	var req tierRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid tier body"})
	}

	if err := h.svc.SetTier(c.Request().Context(), token, c.Param("user"), req.Tier); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"user_id": c.Param("user"),
		"tier":    req.Tier,
	})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including store connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"
	code := http.StatusOK

	pool, err := h.svc.Health(c.Request().Context())
	if err != nil {
		status = "degraded"
		dbStatus = "unreachable"
		code = http.StatusServiceUnavailable
		slog.Error("health check failed", "error", err)
	}

	return c.JSON(code, echo.Map{
		"status":   status,
		"database": dbStatus,
		"pool":     pool,
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
// Internal faults are logged and answered with an opaque body.
func mapServiceError(c echo.Context, err error) error {
	var denial *policy.Denial
	if errors.As(err, &denial) {
		return writeDenial(c, denial)
	}

	switch {
	case errors.Is(err, service.ErrMissingUser):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, service.ErrNotReady):
		return c.JSON(http.StatusConflict, echo.Map{"error": "job has no output yet"})
	case errors.Is(err, service.ErrJobFinished):
		return c.JSON(http.StatusConflict, echo.Map{"error": "job already finished"})
	case errors.Is(err, service.ErrUnsupportedFile),
		errors.Is(err, transcoder.ErrUnsupportedAction),
		errors.Is(err, service.ErrInvalidZip),
		errors.Is(err, service.ErrDangerousFile),
		errors.Is(err, settings.ErrInvalidSetting),
		errors.Is(err, users.ErrInvalidTier):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidAdminToken):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid admin token"})
	case errors.Is(err, dispatcher.ErrClosed):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "server is shutting down"})
	case errors.Is(err, database.ErrConstraint):
		slog.Warn("constraint violated", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusConflict, echo.Map{"error": "conflicting record"})
	case errors.Is(err, database.ErrStoreUnavailable):
		slog.Error("store unavailable", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "service temporarily unavailable"})
	case errors.Is(err, ledger.ErrInvalidTransition):
		slog.Error("job state machine violation", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	default:
		slog.Error("request failed", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// writeDenial answers an admission denial. Size denials are 413, the rest are
// 429 with a retry hint when one is known.
func writeDenial(c echo.Context, d *policy.Denial) error {
	body := echo.Map{
		"error":  d.Error(),
		"reason": d.Reason,
	}
	switch d.Reason {
	case policy.ReasonFileTooLarge:
		body["limit"] = d.Limit
		return c.JSON(http.StatusRequestEntityTooLarge, body)
	case policy.ReasonConcurrencyLimit:
		body["limit"] = d.Limit
		return c.JSON(http.StatusTooManyRequests, body)
	default:
		retry := d.RetryAfter()
		body["retry_after_seconds"] = retry
		c.Response().Header().Set("Retry-After", strconv.FormatInt(retry, 10))
		return c.JSON(http.StatusTooManyRequests, body)
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
