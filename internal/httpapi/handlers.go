package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"llmgate/internal/gatekeeper"
	"llmgate/internal/imagegen"
	"llmgate/internal/providers"
	"llmgate/internal/providers/registry"
)

type chatRequest struct {
	Provider string              `json:"provider"`
	Model    string              `json:"model" binding:"required"`
	Messages []providers.Message `json:"messages" binding:"required,min=1"`
	Options  providers.Options   `json:"options"`
}

type imageRequest struct {
	Prompt  string           `json:"prompt"`
	UserID  string           `json:"user_id" binding:"required"`
	Options imagegen.Options `json:"options"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{
		Code:      code,
		Message:   msg,
		RequestID: c.GetString("request_id"),
	}})
}

func (s *Server) listProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.cfg.Providers.Names()})
}

func (s *Server) resolve(c *gin.Context, name string) (providers.Provider, bool) {
	p, err := s.cfg.Providers.Resolve(name)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownProvider) {
			abort(c, http.StatusBadRequest, "unknown_provider", err.Error())
		} else {
			abort(c, http.StatusInternalServerError, "internal", err.Error())
		}
		return nil, false
	}
	return p, true
}

func (s *Server) chatStream(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	p, ok := s.resolve(c, req.Provider)
	if !ok {
		return
	}

	stream, err := p.Stream(c.Request.Context(), providers.Request{
		Messages: req.Messages,
		Model:    req.Model,
		Options:  req.Options,
	})
	if err != nil {
		var se *providers.StatusError
		if errors.As(err, &se) {
			abort(c, upstreamStatus(se.StatusCode), "upstream_status", err.Error())
			return
		}
		if c.Request.Context().Err() != nil {
			return
		}
		abort(c, http.StatusBadGateway, "upstream", err.Error())
		return
	}
	defer stream.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	chunks := 0
	for ctx.Err() == nil {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			c.SSEvent("done", gin.H{"provider": stream.Provider(), "model": stream.Model(), "chunks": chunks})
			c.Writer.Flush()
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				s.cfg.Logger.Warn().Err(err).Str("request_id", c.GetString("request_id")).Msg("chat stream failed")
				c.SSEvent("error", gin.H{"message": err.Error()})
				c.Writer.Flush()
			}
			return
		}
		chunks++
		event := "token"
		if chunk.Kind == providers.ChunkThinking {
			event = "thinking"
		}
		c.SSEvent(event, gin.H{"text": chunk.Text})
		c.Writer.Flush()
	}
}

// upstreamStatus passes auth and rate-limit failures through and folds the rest into 502.
func upstreamStatus(code int) int {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests:
		return code
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) chatEstimate(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	p, ok := s.resolve(c, req.Provider)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"provider": p.Name(),
		"model":    req.Model,
		"tokens":   p.Estimate(req.Messages, req.Model),
	})
}

func (s *Server) generateImage(c *gin.Context) {
	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.cfg.Images.Generate(c.Request.Context(), req.UserID, req.Prompt, req.Options)
	if err != nil {
		var ue *imagegen.UserError
		switch {
		case errors.As(err, &ue):
			abort(c, ue.HTTPStatus(), string(ue.Kind), ue.Message)
		case c.Request.Context().Err() != nil:
			c.Abort()
		default:
			s.cfg.Logger.Error().Err(err).Str("request_id", c.GetString("request_id")).Msg("image generation failed")
			abort(c, http.StatusInternalServerError, "internal", "image generation failed")
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) quota(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	c.JSON(http.StatusOK, s.cfg.Images.Usage(userID))
}

func (s *Server) cacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Cache.Stats())
}

func (s *Server) classify(c *gin.Context) {
	var req gatekeeper.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserText) == "" {
		abort(c, http.StatusBadRequest, "invalid_request", "user_text is required")
		return
	}
	c.JSON(http.StatusOK, s.cfg.Classifier.Classify(c.Request.Context(), req))
}
