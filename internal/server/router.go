package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/requirements"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const actorContextKey = "reqgrid_actor"

var (
	errMissingRowService      = errors.New("row service dependency required")
	errMissingSessionVerifier = errors.New("session validator dependency required")
	errMissingActorResolver   = errors.New("actor resolver dependency required")
	errMissingHub             = errors.New("realtime hub dependency required")
)

// SessionVerifier authenticates an incoming request.
type SessionVerifier interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ActorResolver maps validated claims onto the collaborating actor.
type ActorResolver interface {
	ResolveActor(claims auth.SessionClaims) (collab.Actor, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Rows           *requirements.Service
	Sessions       SessionVerifier
	Actors         ActorResolver
	Hub            *realtime.Hub
	Metrics        *Metrics
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the row API and the realtime endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Rows == nil:
		return nil, errMissingRowService
	case deps.Sessions == nil:
		return nil, errMissingSessionVerifier
	case deps.Actors == nil:
		return nil, errMissingActorResolver
	case deps.Hub == nil:
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(deps.Hub)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		rows:           deps.Rows,
		sessions:       deps.Sessions,
		actors:         deps.Actors,
		hub:            deps.Hub,
		metrics:        metrics,
		allowedOrigins: deps.AllowedOrigins,
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/session", handler.handleSession)
	protected.GET("/blocks/:blockID/rows", handler.handleListRows)
	protected.POST("/blocks/:blockID/rows", handler.handleInsertRow)
	protected.GET("/rows/:rowID", handler.handleGetRow)
	protected.GET("/rows/:rowID/version", handler.handleGetVersion)
	protected.PATCH("/rows/:rowID", handler.handleUpdateRow)
	protected.DELETE("/rows/:rowID", handler.handleDeleteRow)
	protected.GET("/rows/:rowID/revisions", handler.handleListRevisions)
	protected.GET("/realtime/:topic", handler.handleRealtime)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	rows           *requirements.Service
	sessions       SessionVerifier
	actors         ActorResolver
	hub            *realtime.Hub
	metrics        *Metrics
	allowedOrigins []string
	logger         *zap.Logger
}

type actorPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type rowListPayload struct {
	Rows []collab.Row `json:"rows"`
}

type insertRowPayload struct {
	RowID      string         `json:"row_id"`
	Properties map[string]any `json:"properties"`
}

type updateRowPayload struct {
	Properties      map[string]any `json:"properties"`
	ExpectedVersion int64          `json:"expected_version"`
}

type versionPayload struct {
	RowID   string `json:"row_id"`
	Version int64  `json:"version"`
}

type revisionPayload struct {
	RevisionID string         `json:"revision_id"`
	Version    int64          `json:"version"`
	Operation  string         `json:"op"`
	Properties map[string]any `json:"properties"`
	ChangedBy  string         `json:"changed_by"`
	ChangedAt  time.Time      `json:"changed_at"`
}

type revisionListPayload struct {
	RowID     string            `json:"row_id"`
	Revisions []revisionPayload `json:"revisions"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSession reports the actor the session resolves to, so clients can
// recognise their own writes in realtime echoes.
func (h *httpHandler) handleSession(c *gin.Context) {
	actor, ok := h.currentActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, actorPayload{ID: actor.ID, Name: actor.Name, AvatarURL: actor.AvatarURL})
}

func (h *httpHandler) handleListRows(c *gin.Context) {
	blockID, err := requirements.NewBlockID(c.Param("blockID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_block_id"})
		return
	}
	rows, err := h.rows.ListRows(c.Request.Context(), blockID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response := rowListPayload{Rows: make([]collab.Row, 0, len(rows))}
	for _, row := range rows {
		response.Rows = append(response.Rows, row.Snapshot())
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleInsertRow(c *gin.Context) {
	blockID, err := requirements.NewBlockID(c.Param("blockID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_block_id"})
		return
	}
	var request insertRowPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actorID, ok := h.actorID(c)
	if !ok {
		return
	}

	row, err := h.rows.InsertRow(c.Request.Context(), requirements.InsertRequest{
		BlockID:    blockID,
		RowID:      request.RowID,
		Properties: request.Properties,
		Actor:      actorID,
	})
	h.metrics.ObserveWrite(writeOperationInsert, err)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, row.Snapshot())
}

func (h *httpHandler) handleGetRow(c *gin.Context) {
	rowID, ok := h.rowID(c)
	if !ok {
		return
	}
	row, err := h.rows.GetRow(c.Request.Context(), rowID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, row.Snapshot())
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	rowID, ok := h.rowID(c)
	if !ok {
		return
	}
	version, err := h.rows.GetVersion(c.Request.Context(), rowID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, versionPayload{RowID: rowID.String(), Version: version})
}

func (h *httpHandler) handleUpdateRow(c *gin.Context) {
	rowID, ok := h.rowID(c)
	if !ok {
		return
	}
	var request updateRowPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Properties == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actorID, ok := h.actorID(c)
	if !ok {
		return
	}

	row, err := h.rows.UpdateRow(c.Request.Context(), requirements.UpdateRequest{
		RowID:           rowID,
		Properties:      request.Properties,
		ExpectedVersion: request.ExpectedVersion,
		Actor:           actorID,
	})
	h.metrics.ObserveWrite(writeOperationUpdate, err)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, row.Snapshot())
}

func (h *httpHandler) handleDeleteRow(c *gin.Context) {
	rowID, ok := h.rowID(c)
	if !ok {
		return
	}
	actorID, ok := h.actorID(c)
	if !ok {
		return
	}
	row, err := h.rows.DeleteRow(c.Request.Context(), rowID, actorID)
	h.metrics.ObserveWrite(writeOperationDelete, err)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, row.Snapshot())
}

func (h *httpHandler) handleListRevisions(c *gin.Context) {
	rowID, ok := h.rowID(c)
	if !ok {
		return
	}
	revisions, err := h.rows.ListRevisions(c.Request.Context(), rowID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response := revisionListPayload{RowID: rowID.String(), Revisions: make([]revisionPayload, 0, len(revisions))}
	for _, revision := range revisions {
		response.Revisions = append(response.Revisions, revisionPayload{
			RevisionID: revision.RevisionID,
			Version:    revision.Version,
			Operation:  string(revision.Operation),
			Properties: map[string]any(revision.Properties),
			ChangedBy:  revision.ChangedBy,
			ChangedAt:  time.Unix(revision.ChangedAtSeconds, 0).UTC(),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Debug("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	actor, err := h.actors.ResolveActor(claims)
	if err != nil {
		h.logger.Warn("actor resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func (h *httpHandler) currentActor(c *gin.Context) (collab.Actor, bool) {
	value, exists := c.Get(actorContextKey)
	if !exists {
		return collab.Actor{}, false
	}
	actor, ok := value.(collab.Actor)
	return actor, ok && actor.ID != ""
}

func (h *httpHandler) actorID(c *gin.Context) (requirements.ActorID, bool) {
	actor, ok := h.currentActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	actorID, err := requirements.NewActorID(actor.ID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return actorID, true
}

func (h *httpHandler) rowID(c *gin.Context) (requirements.RowID, bool) {
	rowID, err := requirements.NewRowID(c.Param("rowID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_row_id"})
		return "", false
	}
	return rowID, true
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	code := "internal_error"
	var serviceErr *requirements.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("row request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": code})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, requirements.ErrRowNotFound):
		return http.StatusNotFound
	case errors.Is(err, requirements.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, requirements.ErrInvalidVersion),
		errors.Is(err, requirements.ErrInvalidRowID),
		errors.Is(err, requirements.ErrInvalidBlockID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func originAllowed(allowedOrigins []string, origin string) bool {
	if origin == "" || len(allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
