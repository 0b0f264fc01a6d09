package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/attendance/backend/internal/attendance"
	"github.com/MarcoPoloResearchLab/attendance/backend/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const actorContextKey = "attendance_actor"

var registerValidatorsOnce sync.Once

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingAttendance       = errors.New("attendance service dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	Attendance       *attendance.Service
	Logger           *zap.Logger
	// AllowedOrigins receive credentialed CORS responses. Empty allows any
	// origin without credentials.
	AllowedOrigins []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Attendance == nil {
		return nil, errMissingAttendance
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var registerErr error
	registerValidatorsOnce.Do(func() {
		registerErr = registerValidators()
	})
	if registerErr != nil {
		return nil, registerErr
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		attendance: deps.Attendance,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/attendance", handler.handleRecordAttendance)
	protected.GET("/sessions", handler.handleSessionDates)
	protected.GET("/persons/:id/statistics", handler.handlePersonStatistics)
	protected.POST("/persons/:id/gifts", handler.handleDeliverGift)
	protected.POST("/persons/:id/follow-up/resolve", handler.handleResolveFollowUp)
	protected.GET("/reports/consecutive", handler.handleCohortConsecutive)
	protected.GET("/reports/follow-up", handler.handleFollowUpList)
	protected.POST("/streaks/reset", handler.handleResetStreaks)

	return router, nil
}

// registerValidators adds the session_date binding tag.
func registerValidators() error {
	engine, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	return engine.RegisterValidation("session_date", func(field validator.FieldLevel) bool {
		_, err := attendance.ParseSessionDate(field.Field().String())
		return err == nil
	})
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
		corsConfig.AllowCredentials = true
	}
	return cors.New(corsConfig)
}

type httpHandler struct {
	sessions   SessionValidator
	attendance *attendance.Service
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, claims.Actor())
	c.Next()
}

func actorFrom(c *gin.Context) attendance.Actor {
	value, exists := c.Get(actorContextKey)
	if !exists {
		return attendance.Actor{}
	}
	actor, _ := value.(attendance.Actor)
	return actor
}

type recordRequestPayload struct {
	PersonID string `json:"person_id" binding:"required,max=190"`
	ClassID  string `json:"class_id" binding:"omitempty,max=190"`
	Date     string `json:"date" binding:"required,session_date"`
	Status   string `json:"status" binding:"required,oneof=present absent late"`
	Notes    string `json:"notes" binding:"max=2000"`
}

type recordResponsePayload struct {
	RecordID   string `json:"record_id"`
	PersonID   string `json:"person_id"`
	PersonType string `json:"person_type"`
	ClassID    string `json:"class_id,omitempty"`
	Date       string `json:"date"`
	Status     string `json:"status"`
	Notes      string `json:"notes,omitempty"`
	RecordedBy string `json:"recorded_by"`
	UpdatedAt  int64  `json:"updated_at_s"`
}

func (h *httpHandler) handleRecordAttendance(c *gin.Context) {
	var request recordRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.attendance.RecordAttendance(c.Request.Context(), attendance.RecordInput{
		PersonID: request.PersonID,
		ClassID:  request.ClassID,
		Date:     request.Date,
		Status:   request.Status,
		Notes:    request.Notes,
	}, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, recordResponsePayload{
		RecordID:   record.ID,
		PersonID:   record.PersonID.String(),
		PersonType: string(record.PersonType),
		ClassID:    record.ClassID.String(),
		Date:       record.Date.String(),
		Status:     string(record.Status),
		Notes:      record.Notes,
		RecordedBy: record.RecordedBy,
		UpdatedAt:  record.UpdatedAt.Unix(),
	})
}

type sessionsQuery struct {
	Scope string `form:"scope"`
	From  string `form:"from" binding:"omitempty,session_date"`
	To    string `form:"to" binding:"omitempty,session_date"`
}

func (h *httpHandler) handleSessionDates(c *gin.Context) {
	var query sessionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	scope, ok := parseScope(c, query.Scope)
	if !ok {
		return
	}
	var dateRange attendance.DateRange
	if query.From != "" {
		dateRange.From, _ = attendance.ParseSessionDate(query.From)
	}
	if query.To != "" {
		dateRange.To, _ = attendance.ParseSessionDate(query.To)
	}
	if dateRange.From != "" && dateRange.To != "" && dateRange.To.Before(dateRange.From) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range"})
		return
	}

	dates, err := h.attendance.SessionDates(c.Request.Context(), scope, dateRange)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope.ID(), "sessions": dates})
}

func (h *httpHandler) handlePersonStatistics(c *gin.Context) {
	personID, ok := parsePersonID(c)
	if !ok {
		return
	}
	summary, err := h.attendance.GetPersonStatistics(c.Request.Context(), personID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type consecutiveQuery struct {
	Scope string `form:"scope"`
	N     int    `form:"n" binding:"omitempty,min=1,max=520"`
}

func (h *httpHandler) handleCohortConsecutive(c *gin.Context) {
	var query consecutiveQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	scope, ok := parseScope(c, query.Scope)
	if !ok {
		return
	}
	reports, err := h.attendance.GetCohortConsecutive(c.Request.Context(), scope, query.N)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope.ID(), "classes": reports})
}

func (h *httpHandler) handleFollowUpList(c *gin.Context) {
	scope, ok := parseScope(c, c.Query("scope"))
	if !ok {
		return
	}
	entries, err := h.attendance.GetFollowUpList(c.Request.Context(), scope)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope.ID(), "follow_up": entries})
}

type resetRequestPayload struct {
	Scope string `json:"scope" binding:"required"`
}

func (h *httpHandler) handleResetStreaks(c *gin.Context) {
	var request resetRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	scope, ok := parseScope(c, request.Scope)
	if !ok {
		return
	}
	result, err := h.attendance.ResetStreaks(c.Request.Context(), scope, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleDeliverGift(c *gin.Context) {
	personID, ok := parsePersonID(c)
	if !ok {
		return
	}
	result, err := h.attendance.DeliverGift(c.Request.Context(), personID, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type resolveRequestPayload struct {
	Reason string `json:"reason" binding:"max=500"`
}

func (h *httpHandler) handleResolveFollowUp(c *gin.Context) {
	personID, ok := parsePersonID(c)
	if !ok {
		return
	}
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.attendance.ResolveFollowUp(c.Request.Context(), personID, request.Reason, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func parseScope(c *gin.Context, raw string) (attendance.Scope, bool) {
	scope, err := attendance.ParseScope(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return attendance.Scope{}, false
	}
	return scope, true
}

func parsePersonID(c *gin.Context) (attendance.PersonID, bool) {
	personID, err := attendance.NewPersonID(strings.TrimSpace(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_person_id"})
		return "", false
	}
	return personID, true
}

// writeError maps service error kinds onto HTTP statuses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var serviceErr *attendance.ServiceError
	if !errors.As(err, &serviceErr) {
		h.logger.Error("unclassified attendance error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, attendance.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, attendance.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, attendance.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, attendance.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, attendance.ErrDataUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("attendance request failed", zap.String("path", c.FullPath()), zap.String("code", serviceErr.Code()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": serviceErr.Reason(), "code": serviceErr.Code()})
}
