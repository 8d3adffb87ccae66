package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/endurotracker/backend/internal/assignment"
	"github.com/endurotracker/backend/internal/auth"
	"github.com/endurotracker/backend/internal/ingest"
	"github.com/endurotracker/backend/internal/timeutil"
	"github.com/endurotracker/backend/internal/track"
)

const operatorContextKey = "tracker_operator"

var (
	errMissingIngestService     = errors.New("ingest service dependency required")
	errMissingTrackStore        = errors.New("track store dependency required")
	errMissingAssignmentService = errors.New("assignment service dependency required")
	errMissingTokenManager      = errors.New("token manager dependency required")
	errInvalidAuthorization     = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates operator bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, operatorKey string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to the pipeline services.
type Dependencies struct {
	IngestService     *ingest.Service
	TrackStore        *track.Store
	AssignmentService *assignment.Service
	TokenManager      TokenManager
	Location          *time.Location
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router with all public and operator routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.IngestService == nil {
		return nil, errMissingIngestService
	}
	if deps.TrackStore == nil {
		return nil, errMissingTrackStore
	}
	if deps.AssignmentService == nil {
		return nil, errMissingAssignmentService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	location := deps.Location
	if location == nil {
		location = time.UTC
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		ingestService: deps.IngestService,
		trackStore:    deps.TrackStore,
		assignments:   deps.AssignmentService,
		tokens:        deps.TokenManager,
		location:      location,
		logger:        logger,
	}

	router.POST("/auth/token", handler.handleTokenIssue)

	api := router.Group("/api/v1")
	api.POST("/upload", handler.handleUpload)
	api.POST("/marker", handler.handleMarker)
	api.POST("/upload-text", handler.handleUploadText)
	api.POST("/routes/convert", handler.handleRouteConvert)
	api.GET("/devices/:device_id/track", handler.handleDeviceTrack)
	api.GET("/bindings/:binding_id/track", handler.handleBindingTrack)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/bindings/:binding_id/manual-times", handler.handleManualTimes)
	protected.DELETE("/devices/:device_id/points", handler.handlePointDelete)

	return router, nil
}

type httpHandler struct {
	ingestService *ingest.Service
	trackStore    *track.Store
	assignments   *assignment.Service
	tokens        TokenManager
	location      *time.Location
	logger        *zap.Logger
}

type tokenRequestPayload struct {
	OperatorKey string `json:"operator_key"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenIssue(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.OperatorKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), request.OperatorKey)
	if errors.Is(err, auth.ErrInvalidOperatorKey) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("failed to issue operator token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type uploadRequestPayload struct {
	DeviceID string            `json:"device_id"`
	Fixes    []json.RawMessage `json:"f"`
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	var request uploadRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	accepted, err := h.ingestService.StageCompact(c.Request.Context(), request.DeviceID, request.Fixes)
	var validationErr *ingest.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_payload", "field": validationErr.Field})
		return
	}
	if err != nil {
		h.logger.Error("upload staging failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stage_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

func (h *httpHandler) handleMarker(c *gin.Context) {
	var marker ingest.TimingMarker
	if err := c.ShouldBindJSON(&marker); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.ingestService.ValidateMarker(marker)
	var validationErr *ingest.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_marker", "field": validationErr.Field})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

type uploadTextPayload struct {
	DeviceID string `json:"device_id"`
	Log      string `json:"log"`
}

func (h *httpHandler) handleUploadText(c *gin.Context) {
	var request uploadTextPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.ingestService.IngestTextLog(c.Request.Context(), request.DeviceID, request.Log)
	var validationErr *ingest.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_payload", "field": validationErr.Field})
		return
	}
	if err != nil {
		h.logger.Error("text log ingest failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"binding_id": result.BindingID,
		"fixes":      result.FixCount,
		"trimmed":    result.TrimmedCount,
		"backfilled": result.BackfilledBinding,
	})
}

func (h *httpHandler) handleRouteConvert(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	geoJSON, err := track.GPXToGeoJSON(string(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_gpx"})
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(geoJSON))
}

func (h *httpHandler) handleDeviceTrack(c *gin.Context) {
	deviceID, err := track.NewDeviceID(c.Param("device_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}
	window, ok := parseWindowQuery(c)
	if !ok {
		return
	}

	points, err := h.trackStore.PointsForDevice(c.Request.Context(), deviceID, window)
	if err != nil {
		h.logger.Error("device track query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if len(points) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_points"})
		return
	}

	geoJSON, err := track.BuildGeoJSON(track.FixesOf(points), deviceID)
	if err != nil {
		h.logger.Error("device track build failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "build_failed"})
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(geoJSON))
}

func (h *httpHandler) handleBindingTrack(c *gin.Context) {
	bindingID, err := strconv.ParseInt(c.Param("binding_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_binding_id"})
		return
	}

	preference := track.PreferLive
	switch c.Query("prefer") {
	case "", "live":
	case "history":
		preference = track.PreferHistory
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_preference"})
		return
	}

	geoJSON, source, err := h.trackStore.TrackForBinding(c.Request.Context(), bindingID, preference)
	if errors.Is(err, track.ErrSnapshotNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_track"})
		return
	}
	if err != nil {
		h.logger.Error("binding track query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	c.Header("X-Track-Source", string(source))
	c.Data(http.StatusOK, "application/json", []byte(geoJSON))
}

type manualTimesPayload struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// handleManualTimes overwrites a binding's timing window from operator input
// and retrims the latest archived snapshot from its raw text when present.
func (h *httpHandler) handleManualTimes(c *gin.Context) {
	bindingID, err := strconv.ParseInt(c.Param("binding_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_binding_id"})
		return
	}

	var request manualTimesPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	start, err := timeutil.ParseLocalTime(request.StartTime, h.location)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_start_time"})
		return
	}
	finish, err := timeutil.ParseLocalTime(request.EndTime, h.location)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_end_time"})
		return
	}

	binding, err := h.assignments.SetManualWindow(c.Request.Context(), bindingID, start, finish)
	if errors.Is(err, assignment.ErrBindingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "binding_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("manual window update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	retrimmed, err := h.retrimHistory(c.Request.Context(), binding)
	if err != nil {
		h.logger.Error("history retrim failed", zap.Error(err), zap.Int64("binding_id", bindingID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retrim_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"binding_id":   binding.ID,
		"start_epoch":  binding.StartEpoch,
		"finish_epoch": binding.FinishEpoch,
		"retrimmed":    retrimmed,
	})
}

// retrimHistory rebuilds the binding's snapshot from the raw text of its
// latest archived row under the updated window. Bindings whose snapshots came
// from the batch pipeline have no raw text and are left alone; the live cache
// worker refreshes those on its own schedule.
func (h *httpHandler) retrimHistory(ctx context.Context, binding assignment.Binding) (bool, error) {
	latest, err := h.trackStore.LatestHistory(ctx, binding.ID)
	if err != nil {
		return false, err
	}
	if latest == nil || latest.RawText == "" {
		return false, nil
	}

	deviceID, err := track.NewDeviceID(binding.DeviceID)
	if err != nil {
		return false, err
	}
	fixes := track.FilterByWindow(track.ParseTextFixes(latest.RawText), binding.Window())

	snapshot := track.TrackHist{BindingID: binding.ID, RawText: latest.RawText}
	if len(fixes) > 0 {
		gpxText, err := track.BuildGPX(fixes, "EnduroTracker "+deviceID.String())
		if err != nil {
			return false, err
		}
		geoJSON, err := track.BuildGeoJSON(fixes, deviceID)
		if err != nil {
			return false, err
		}
		snapshot.GPX = gpxText
		snapshot.GeoJSON = geoJSON
	}
	if _, err := h.trackStore.AppendHistory(ctx, snapshot); err != nil {
		return false, err
	}
	return true, nil
}

func (h *httpHandler) handlePointDelete(c *gin.Context) {
	deviceID, err := track.NewDeviceID(c.Param("device_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}
	start, ok := requiredEpochQuery(c, "start")
	if !ok {
		return
	}
	finish, ok := requiredEpochQuery(c, "finish")
	if !ok {
		return
	}

	deleted, err := h.trackStore.DeletePointsInRange(c.Request.Context(), deviceID, start, finish)
	if errors.Is(err, track.ErrInvalidRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range"})
		return
	}
	if err != nil {
		h.logger.Error("point range delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorContextKey, subject)
	c.Next()
}

func parseWindowQuery(c *gin.Context) (track.Window, bool) {
	var window track.Window
	for _, bound := range []struct {
		name string
		dest **int64
	}{
		{"start", &window.Start},
		{"finish", &window.Finish},
	} {
		raw := c.Query(bound.name)
		if raw == "" {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + bound.name})
			return track.Window{}, false
		}
		*bound.dest = &value
	}
	return window, true
}

func requiredEpochQuery(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return 0, false
	}
	return value, true
}
