package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/colthorp/attendsync-go/internal/api"
	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/notify"
	"github.com/colthorp/attendsync-go/internal/queue"
	"github.com/colthorp/attendsync-go/internal/syncer"
	"github.com/colthorp/attendsync-go/internal/worker"
)

// CacheHeader marks proxied responses that were served from the cache.
const CacheHeader = "X-Attendsync-Cache"

const maxBody = 8 << 20

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Host":                true,
}

func (s *Server) routes() {
	ctl := s.engine.Group(core.ControlPrefix)
	{
		ctl.GET("/health", s.handleHealth)
		ctl.GET("/metrics", gin.WrapH(s.metrics.Handler()))
		ctl.POST("/sync", s.handleSync)

		ctl.GET("/queue", s.handleQueueList)
		ctl.DELETE("/queue/:id", s.handleQueueRemove)
		ctl.GET("/deadletters", s.handleDeadLetters)

		ctl.POST("/push", s.handlePush)
		ctl.POST("/notifications/click", s.handleClick)
		ctl.GET("/clients/ws", s.handleClientSocket)
	}
	s.engine.NoRoute(s.handleProxy)
}

type syncRequest struct {
	Tag string `json:"tag"`
}

type clickRequest struct {
	URL string `json:"url"`
}

func errorJSON(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

// storageStatus maps queue failures to 503 and anything else to 500.
func storageStatus(err error) int {
	if errors.Is(err, queue.ErrStorageUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	body := gin.H{
		"status":  "ok",
		"version": core.Version,
		"state":   s.worker.Coordinator().State().String(),
		"static":  s.worker.Cache().StaticGeneration(),
		"dynamic": s.worker.Cache().DynamicGeneration(),
		"clients": s.worker.Relay().Registry().Len(),
	}
	if s.monitor != nil {
		body["connectivity"] = s.monitor.Status()
	}
	if last := s.worker.Coordinator().LastResult(); last != nil {
		body["lastSync"] = last.Finished
	}

	depth, err := s.worker.Store().Count(ctx)
	if err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["queueDepth"] = depth
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleSync(c *gin.Context) {
	req := syncRequest{Tag: core.SyncTag}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		if req.Tag == "" {
			req.Tag = core.SyncTag
		}
	}

	done, err := s.worker.Dispatch(c.Request.Context(), worker.Event{Kind: worker.EventSync, Tag: req.Tag})
	switch {
	case errors.Is(err, syncer.ErrUnknownTag):
		errorJSON(c, http.StatusBadRequest, err)
	case err != nil:
		errorJSON(c, storageStatus(err), err)
	default:
		c.JSON(http.StatusOK, done.Sync)
	}
}

func (s *Server) handleQueueList(c *gin.Context) {
	records, err := s.worker.Store().ListAll(c.Request.Context())
	if err != nil {
		errorJSON(c, storageStatus(err), err)
		return
	}
	if records == nil {
		records = []queue.PendingMutation{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "mutations": records})
}

func (s *Server) handleQueueRemove(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		errorJSON(c, http.StatusBadRequest, errors.New("id must be a positive integer"))
		return
	}
	if err := s.worker.Store().Remove(c.Request.Context(), id); err != nil {
		errorJSON(c, storageStatus(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	dead, err := s.worker.Store().ListDeadLetters(c.Request.Context())
	if err != nil {
		errorJSON(c, storageStatus(err), err)
		return
	}
	if dead == nil {
		dead = []queue.DeadLetter{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(dead), "deadLetters": dead})
}

func (s *Server) handlePush(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	done, err := s.worker.Dispatch(c.Request.Context(), worker.Event{Kind: worker.EventPush, Payload: raw})
	switch {
	case errors.Is(err, notify.ErrInvalidPayload):
		errorJSON(c, http.StatusBadRequest, err)
	case err != nil:
		errorJSON(c, http.StatusInternalServerError, err)
	default:
		c.JSON(http.StatusOK, gin.H{"delivered": done.Delivered})
	}
}

func (s *Server) handleClick(c *gin.Context) {
	var req clickRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	done, err := s.worker.Dispatch(c.Request.Context(), worker.Event{Kind: worker.EventNotificationClick, URL: req.URL})
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": done.Action})
}

func (s *Server) handleClientSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := notify.NewWSClient(conn, c.DefaultQuery("url", core.DefaultOpenPage))
	registry := s.worker.Relay().Registry()
	registry.Add(client)
	s.logger.Info("client connected", "client", client.ID(), "url", client.URL())

	defer func() {
		registry.Remove(client.ID())
		client.Close()
		s.logger.Info("client disconnected", "client", client.ID())
	}()
	_ = client.ReadLoop()
}

// handleProxy forwards everything outside the control prefix to the
// origin. Mutating API calls that cannot reach it are queued.
func (s *Server) handleProxy(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	req := api.NewRequest(c.Request.Method, s.worker.Interceptor().Origin()+c.Request.URL.RequestURI(), body)
	for k, vs := range c.Request.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	done, err := s.worker.Dispatch(ctx, worker.Event{Kind: worker.EventFetch, Request: req})
	if err == nil {
		writeResponse(c, done.Response)
		return
	}

	if !api.IsNetworkError(err) {
		errorJSON(c, http.StatusBadGateway, err)
		return
	}
	if !api.IsMutatingMethod(req.Method) || !s.worker.Interceptor().IsAPI(req) {
		errorJSON(c, http.StatusGatewayTimeout, err)
		return
	}

	id, qerr := s.worker.Defer(ctx, req)
	switch {
	case errors.Is(qerr, queue.ErrStorageUnavailable):
		errorJSON(c, http.StatusServiceUnavailable, qerr)
	case errors.Is(qerr, queue.ErrInvalidMutation):
		errorJSON(c, http.StatusBadRequest, qerr)
	case qerr != nil:
		errorJSON(c, http.StatusInternalServerError, qerr)
	default:
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "id": id, "message": "will sync when online"})
	}
}

func writeResponse(c *gin.Context, resp *api.Response) {
	h := c.Writer.Header()
	for k, vs := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if resp.Cached {
		h.Set(CacheHeader, "hit")
	}
	contentType := resp.Header.Get("Content-Type")
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/octet-stream"
	}
	c.Data(resp.Status, contentType, resp.Body)
}
