package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/switch-adapter/internal/builder"
	"github.com/example/switch-adapter/internal/endpoints"
	"github.com/example/switch-adapter/internal/envelope"
	"github.com/example/switch-adapter/internal/fault"
	"github.com/example/switch-adapter/internal/logger"
	"github.com/example/switch-adapter/internal/payload"
	"github.com/example/switch-adapter/internal/util"
)

type resource struct {
	path  string
	param string
}

var (
	transfers   = resource{path: "/transfers", param: endpoints.ParamTransferID}
	fxTransfers = resource{path: "/fxTransfers", param: endpoints.ParamCommitRequestID}
)

func (s *Server) handle(op builder.Operation, res resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := builder.Request{
			Operation: op,
			Headers:   flattenHeaders(c.Request.Header),
		}
		if id := c.Param("id"); id != "" {
			req.URIParams = map[string]string{res.param: id}
		}

		if op != builder.Get {
			body, err := s.readBody(c)
			if err != nil {
				s.fail(c, err)
				return
			}
			req.RawBody = body
		}

		e, err := s.sender.Send(c.Request.Context(), req)
		if err != nil {
			s.fail(c, err)
			return
		}

		log := logger.Transaction(s.logger, e.TransactionID(), string(e.Action()))
		log.Debug().Msg("request accepted")
		c.Status(http.StatusAccepted)
	}
}

func (s *Server) readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(s.maxBodyBytes)+1))
	if err != nil {
		return nil, fault.Validation("read request body: %v", err)
	}
	if err := util.EnsureMaxBytes("request body", body, s.maxBodyBytes); err != nil {
		return nil, fault.Validation("%v", err)
	}
	return body, nil
}

// fail writes the FSPIOP error object for err.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, fault.ErrInfrastructure) {
		status = http.StatusServiceUnavailable
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request could not be accepted")
	} else {
		s.logger.Info().Err(err).Str("path", c.FullPath()).Msg("request rejected")
	}
	c.JSON(status, payload.ErrorFrom(err))
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.readiness != nil && !s.readiness.IsReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

func (s *Server) handleCacheReset(c *gin.Context) {
	if err := s.cache.Reset(c.Request.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("endpoint cache warm-up interrupted")
	}
	c.Status(http.StatusAccepted)
}

// flattenHeaders keeps the first value of every header under the name
// net/http received it as. Content-Length is dropped; it no longer holds once
// the body is re-encoded.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 || strings.EqualFold(k, envelope.HeaderContentLength) {
			continue
		}
		out[k] = v[0]
	}
	return out
}
