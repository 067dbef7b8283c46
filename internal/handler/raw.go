package handler

import (
	"errors"
	"io"
	"net/http"

	"pyceon-backend/internal/service"
	"pyceon-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	trailerStatus = "X-Stream-Status"
	trailerError  = "X-Stream-Error"
)

// streamRaw writes fragments verbatim for terminal clients. The status line
// is gone by the time a backend error can happen, so failures are reported
// in a final text line and in trailers.
func (h *GuideHandler) streamRaw(c *gin.Context, turn *service.Turn) {
	header := c.Writer.Header()
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Session-Id", turn.SessionID)
	header.Set("Trailer", trailerStatus+", "+trailerError)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	_, err := h.guideService.Relay(c.Request.Context(), turn, ModeRaw.String(), func(fragment string) error {
		if _, err := io.WriteString(c.Writer, fragment); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})

	switch {
	case err == nil:
		header.Set(trailerStatus, "ok")
	case errors.Is(err, service.ErrClientGone):
		return
	default:
		header.Set(trailerStatus, "error")
		header.Set(trailerError, err.Error())
		if _, werr := io.WriteString(c.Writer, "\n[error] "+err.Error()+"\n"); werr != nil {
			logger.Debugf("write raw error line: %v", werr)
		}
		c.Writer.Flush()
	}
}
