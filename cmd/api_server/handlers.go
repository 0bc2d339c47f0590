package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"comicfeed/pkg/auth"
	"comicfeed/pkg/errs"
	"comicfeed/pkg/provider/core"
)

// ErrorResponse 统一的错误响应
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Provider  string `json:"provider,omitempty"`
	Retryable bool   `json:"retryable"`
}

type providerInfo struct {
	core.Descriptor
	LoggedIn bool `json:"logged_in"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *APIServer) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{}
	status := "ok"
	if s.redisClient != nil {
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			services["redis"] = "error: " + err.Error()
			status = "degraded"
		} else {
			services["redis"] = "ok"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now(),
		"services":  services,
		"providers": len(s.client.Providers()),
	})
}

func (s *APIServer) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"cache":     s.cache.Stats(),
		"limiter":   s.exec.Limiter().GetStatus(),
		"circuits":  s.client.Circuits(),
		"requests":  s.recorder.Snapshot(),
		"scheduler": s.scheduler.Status(),
	})
}

func (s *APIServer) getCircuits(c *gin.Context) {
	c.JSON(http.StatusOK, s.client.Circuits())
}

func (s *APIServer) listProviders(c *gin.Context) {
	descs := s.client.Providers()
	out := make([]providerInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, providerInfo{Descriptor: d, LoggedIn: s.client.LoggedIn(d.Key)})
	}
	c.JSON(http.StatusOK, out)
}

func (s *APIServer) getList(c *gin.Context) {
	page, ok := pageQuery(c)
	if !ok {
		return
	}
	params := map[string]string{}
	for k, v := range c.Request.URL.Query() {
		if k != "page" && len(v) > 0 {
			params[k] = v[0]
		}
	}

	result, err := s.client.ListOperation(c.Request.Context(), c.Param("provider"), core.ListKind(c.Param("kind")), page, params)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *APIServer) getDetails(c *gin.Context) {
	details, err := s.client.DetailsOperation(c.Request.Context(), c.Param("provider"), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (s *APIServer) getPages(c *gin.Context) {
	pages, err := s.client.ChapterImagesOperation(c.Request.Context(), c.Param("provider"), c.Param("id"), c.Param("chapter"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pages": pages})
}

func (s *APIServer) getComments(c *gin.Context) {
	page, ok := pageQuery(c)
	if !ok {
		return
	}
	comments, more, err := s.client.CommentsOperation(c.Request.Context(), c.Param("provider"), c.Param("id"), page)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments, "has_next": more})
}

func (s *APIServer) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "BAD_REQUEST", Message: err.Error()})
		return
	}
	creds := auth.Credentials{Username: req.Username, Password: req.Password}
	if err := s.client.Login(c.Request.Context(), c.Param("provider"), creds); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged_in": true})
}

func (s *APIServer) logout(c *gin.Context) {
	if err := s.client.Logout(c.Request.Context(), c.Param("provider")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged_in": false})
}

func pageQuery(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("page", "1")
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "BAD_REQUEST", Message: "page must be a positive integer"})
		return 0, false
	}
	return page, true
}

// respondError 把错误分类映射为 HTTP 状态码
func (s *APIServer) respondError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	resp := ErrorResponse{
		Error:     string(kind),
		Message:   err.Error(),
		Retryable: errs.Retryable(kind),
	}

	var e *errs.Error
	if errors.As(err, &e) {
		resp.Provider = e.Provider
	}

	status := http.StatusInternalServerError
	switch kind {
	case errs.KindTransient, errs.KindNormalizationFailed:
		status = http.StatusBadGateway
	case errs.KindCircuitOpen:
		status = http.StatusServiceUnavailable
		if e != nil {
			if at, ok := e.Context["retry_after"].(time.Time); ok {
				if secs := int(time.Until(at).Seconds()) + 1; secs > 0 {
					c.Header("Retry-After", strconv.Itoa(secs))
				}
			}
		}
	case errs.KindAuthFailed:
		status = http.StatusUnauthorized
	case errs.KindCanceled:
		status = http.StatusRequestTimeout
	case errs.KindPermanent:
		status = http.StatusBadRequest
		switch {
		case errors.Is(err, core.ErrProviderNotFound):
			status = http.StatusNotFound
		case errors.Is(err, core.ErrOperationNotSupported):
			status = http.StatusNotImplemented
		case e != nil && e.Status == http.StatusNotFound:
			status = http.StatusNotFound
		}
	default:
		resp.Error = "INTERNAL"
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.Request.URL.Path).Warn("operation failed")
	}
	c.JSON(status, resp)
}
