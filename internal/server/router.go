// Package server exposes the remote service over HTTP for devices.
package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/remote"
)

const (
	profileIDContextKey      = "questsync_profile_id"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingRemoteService = errors.New("remote service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager validates bearer tokens and returns their profile id.
type TokenManager interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TokenManager      TokenManager
	Remote            remote.Adapter
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Remote == nil {
		return nil, errMissingRemoteService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		remote:    deps.Remote,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST(remote.PathLookup, handler.handleLookup)
	protected.POST(remote.PathRows, handler.handleRows)
	protected.POST(remote.PathClosureDownload, handler.handleClosureDownload)
	protected.POST(remote.PathMutations, handler.handleMutation)
	protected.GET("/v1/events", handler.handleEvents)

	return router, nil
}

// corsMiddleware allows every origin unless origins are listed.
func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    TokenManager
	remote    remote.Adapter
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleLookup(c *gin.Context) {
	var lookup graph.Lookup
	if err := c.ShouldBindJSON(&lookup); err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_request"})
		return
	}
	links, err := h.remote.Lookup(c.Request.Context(), lookup)
	if err != nil {
		h.respondError(c, "lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, remote.LookupResponse{Links: links})
}

func (h *httpHandler) handleRows(c *gin.Context) {
	var request remote.RowsRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.IDs) == 0 {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_request"})
		return
	}
	rows, err := h.remote.Fetch(c.Request.Context(), request.Category, request.IDs)
	if err != nil {
		h.respondError(c, "fetch failed", err)
		return
	}
	c.JSON(http.StatusOK, remote.RowsResponse{Rows: rows})
}

func (h *httpHandler) handleClosureDownload(c *gin.Context) {
	profileID := c.GetString(profileIDContextKey)
	var request remote.ClosureRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_request"})
		return
	}
	outcome, err := h.remote.DownloadClosure(c.Request.Context(), request.Root, profileID)
	if err != nil {
		h.respondError(c, "closure download failed", err)
		return
	}
	root := outcome.Root
	h.realtime.Publish(RealtimeMessage{
		ProfileID: profileID,
		EventType: RealtimeEventClosureFlagged,
		Root:      &root,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, outcome)
}

func (h *httpHandler) handleMutation(c *gin.Context) {
	profileID := c.GetString(profileIDContextKey)
	var mutation remote.Mutation
	if err := c.ShouldBindJSON(&mutation); err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_request"})
		return
	}
	if err := h.remote.Apply(c.Request.Context(), mutation); err != nil {
		h.respondError(c, "mutation failed", err)
		return
	}
	h.realtime.Publish(RealtimeMessage{
		ProfileID: profileID,
		EventType: RealtimeEventRowsChanged,
		Table:     mutation.Table,
		RowIDs:    []string{mutation.RowID},
		Timestamp: time.Now().UTC(),
	})
	c.Status(http.StatusNoContent)
}

type realtimeEventPayload struct {
	Table     string     `json:"table,omitempty"`
	RowIDs    []string   `json:"rowIds,omitempty"`
	Root      *graph.Ref `json:"root,omitempty"`
	Timestamp string     `json:"timestamp"`
	Source    string     `json:"source"`
}

// handleEvents streams realtime messages of the caller's profile as server-sent events.
func (h *httpHandler) handleEvents(c *gin.Context) {
	profileID := c.GetString(profileIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, profileID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload())
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				Table:     message.Table,
				RowIDs:    message.RowIDs,
				Root:      message.Root,
				Timestamp: message.Timestamp.Format(time.RFC3339),
				Source:    realtimeSourceRemote,
			})
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload())
			return true
		}
	})
}

func heartbeatPayload() realtimeEventPayload {
	return realtimeEventPayload{Timestamp: time.Now().UTC().Format(time.RFC3339), Source: realtimeSourceRemote}
}

// respondError maps service failures onto HTTP statuses the client understands.
func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	code := ""
	var serviceErr *remote.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
		if strings.HasSuffix(code, ".invalid_request") {
			status = http.StatusBadRequest
		}
	}
	if errors.Is(err, remote.ErrClosureUnsupported) {
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Info(message, zap.Error(err))
	}
	c.JSON(status, remote.ErrorResponse{Error: http.StatusText(status), Code: code})
}

// authorizeRequest accepts a bearer header, or an access_token query parameter
// for event streams opened by clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case c.Request.Method == http.MethodGet:
		token = strings.TrimSpace(c.Query(accessTokenQueryKey))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{Error: errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{Error: "unauthorized"})
		return
	}
	c.Set(profileIDContextKey, subject)
	c.Next()
}
