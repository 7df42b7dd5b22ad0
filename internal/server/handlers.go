package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/septivank/energy-telemetry-service/internal/apperror"
	"github.com/septivank/energy-telemetry-service/internal/identity"
	"github.com/septivank/energy-telemetry-service/internal/repository"
	"github.com/septivank/energy-telemetry-service/internal/service"
	"github.com/septivank/energy-telemetry-service/internal/validator"
)

// HeaderIdempotencyKey may carry the submission id instead of the body
const HeaderIdempotencyKey = "Idempotency-Key"

type submitReadingRequest struct {
	validator.RawReading
	SubmissionID string `json:"submission_id"`
}

type submitBatchRequest struct {
	SubmissionID string                 `json:"submission_id"`
	Readings     []validator.RawReading `json:"readings"`
}

type registerDeviceRequest struct {
	DeviceKey string `json:"device_key"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	Location  string `json:"location"`
}

type updateDeviceRequest struct {
	Name     *string `json:"name"`
	Category *string `json:"category"`
	Location *string `json:"location"`
	IsActive *bool   `json:"is_active"`
}

func callerIdentity(c *gin.Context) (identity.Identity, bool) {
	id, ok := identity.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, apperror.ErrUnauthenticated)
	}
	return id, ok
}

func submissionID(c *gin.Context, fromBody string) string {
	if header := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)); header != "" {
		return header
	}
	return strings.TrimSpace(fromBody)
}

func (s *Server) submitReading(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	var req submitReadingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError("request body must be a JSON reading"))
		return
	}

	outcome, err := s.ingest.Submit(c.Request.Context(), id, req.RawReading, requestID(c), submissionID(c, req.SubmissionID))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if outcome.Status == service.StatusDuplicate {
		status = http.StatusOK
	}
	c.JSON(status, outcome)
}

func (s *Server) submitBatch(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	var req submitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError("request body must be a JSON batch"))
		return
	}

	result, err := s.ingest.SubmitBatch(c.Request.Context(), id, service.Batch{
		RequestID:    requestID(c),
		SubmissionID: submissionID(c, req.SubmissionID),
		Readings:     req.Readings,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listReadings(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}

	start, err := parseOptionalTime(c.Query("start"))
	if err != nil {
		AbortWithError(c, apperror.NewValidationError("start", "invalid_timestamp", "start must be RFC3339"))
		return
	}
	end, err := parseOptionalTime(c.Query("end"))
	if err != nil {
		AbortWithError(c, apperror.NewValidationError("end", "invalid_timestamp", "end must be RFC3339"))
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, apperror.NewValidationError("limit", "invalid_number", "limit must be an integer"))
		return
	}

	page, err := s.query.History(c.Request.Context(), id, service.HistoryFilter{
		DeviceKeys: deviceKeysParam(c),
		Start:      start,
		End:        end,
		Limit:      limit,
		Cursor:     strings.TrimSpace(c.Query("cursor")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) listDevices(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	activeOnly, err := strconv.ParseBool(c.DefaultQuery("active", "false"))
	if err != nil {
		AbortWithError(c, apperror.NewValidationError("active", "invalid_bool", "active must be true or false"))
		return
	}

	devices, err := s.devices.List(c.Request.Context(), id, activeOnly)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) registerDevice(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError("request body must be a JSON device"))
		return
	}

	device, err := s.devices.Register(c.Request.Context(), id, validator.DeviceInput{
		DeviceKey: req.DeviceKey,
		Name:      req.Name,
		Category:  req.Category,
		Location:  req.Location,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, device)
}

func (s *Server) getDevice(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	device, err := s.devices.Get(c.Request.Context(), id, c.Param("device"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

func (s *Server) updateDevice(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	var req updateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError("request body must be a JSON device update"))
		return
	}

	device, err := s.devices.Update(c.Request.Context(), id, c.Param("device"), repository.DeviceUpdate{
		Name:     req.Name,
		Category: req.Category,
		Location: req.Location,
		IsActive: req.IsActive,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

func (s *Server) deactivateDevice(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	device, err := s.devices.Deactivate(c.Request.Context(), id, c.Param("device"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

func (s *Server) deviceStats(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	r, ok := timeRangeParams(c)
	if !ok {
		return
	}
	stats, err := s.query.DeviceStats(c.Request.Context(), id, c.Param("device"), r)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) hourlySeries(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	r, ok := timeRangeParams(c)
	if !ok {
		return
	}
	points, err := s.query.HourlySeries(c.Request.Context(), id, c.Param("device"), r)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_key": c.Param("device"), "hours": points})
}

func (s *Server) deviceRealtime(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	reading, err := s.query.Realtime(c.Request.Context(), id, c.Param("device"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, reading)
}

func (s *Server) summary(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	r, ok := timeRangeParams(c)
	if !ok {
		return
	}
	summary, err := s.query.Summary(c.Request.Context(), id, r)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) overview(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	overview, err := s.query.Overview(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func timeRangeParams(c *gin.Context) (service.TimeRange, bool) {
	var r service.TimeRange
	start, err := parseOptionalTime(c.Query("start"))
	if err != nil {
		AbortWithError(c, apperror.NewValidationError("start", "invalid_timestamp", "start must be RFC3339"))
		return r, false
	}
	end, err := parseOptionalTime(c.Query("end"))
	if err != nil {
		AbortWithError(c, apperror.NewValidationError("end", "invalid_timestamp", "end must be RFC3339"))
		return r, false
	}
	if start != nil {
		r.Start = *start
	}
	if end != nil {
		r.End = *end
	}
	return r, true
}

// deviceKeysParam accepts repeated device_key parameters and comma lists
func deviceKeysParam(c *gin.Context) []string {
	var keys []string
	for _, value := range c.QueryArray("device_key") {
		for _, key := range strings.Split(value, ",") {
			if key = strings.TrimSpace(key); key != "" {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

func parseOptionalTime(value string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, err
	}
	parsed = parsed.UTC()
	return &parsed, nil
}

func parseOptionalInt(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.Atoi(trimmed)
}
