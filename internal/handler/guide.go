package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"pyceon-backend/internal/config"
	"pyceon-backend/internal/model"
	"pyceon-backend/internal/service"
	"pyceon-backend/internal/telemetry"
	"pyceon-backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultHeartbeat = 15 * time.Second

type GuideHandler struct {
	guideService *service.GuideService
	telemetry    *telemetry.Telemetry
	heartbeat    time.Duration
	maxBodyBytes int64
}

func NewGuideHandler(guideService *service.GuideService, tel *telemetry.Telemetry, cfg *config.Config) *GuideHandler {
	if tel == nil {
		tel = telemetry.Noop()
	}
	heartbeat := cfg.Guide.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &GuideHandler{
		guideService: guideService,
		telemetry:    tel,
		heartbeat:    heartbeat,
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}
}

// Guide handles POST /guide. The response framing is chosen per request by
// ClassifyMode; all three framings relay the same backend stream.
func (h *GuideHandler) Guide(c *gin.Context) {
	req, status, err := h.bindRequest(c)
	if err != nil {
		c.JSON(status, model.ErrorResponse{Error: err.Error()})
		return
	}

	turn, err := h.guideService.Begin(req)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: verr.Reason})
			return
		}
		logger.Errorf("Failed to start guide turn: %v", err)
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{Error: "internal error"})
		return
	}

	mode := ClassifyMode(c.GetHeader("Accept"), c.Request.URL.Query())
	h.telemetry.RecordRequest(c.Request.Context(), mode.String())
	logger.WithFields(logrus.Fields{
		"sessionId": turn.SessionID,
		"mode":      mode.String(),
		"history":   len(turn.Messages) - 1,
	}).Info("guide request")

	switch mode {
	case ModeSSE:
		h.streamSSE(c, turn)
	case ModeRaw:
		h.streamRaw(c, turn)
	default:
		h.respondJSON(c, turn)
	}
}

// bindRequest decodes the body and maps decoding failures onto client
// facing reasons.
func (h *GuideHandler) bindRequest(c *gin.Context) (model.GuideRequest, int, error) {
	var req model.GuideRequest
	if c.Request.Body == nil {
		return req, http.StatusBadRequest, &service.ValidationError{Reason: "message is required"}
	}
	if h.maxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	}

	err := c.ShouldBindJSON(&req)
	if err == nil {
		return req, 0, nil
	}

	var maxErr *http.MaxBytesError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &maxErr):
		return req, http.StatusRequestEntityTooLarge, &service.ValidationError{Reason: "request body too large"}
	case errors.Is(err, io.EOF):
		return req, http.StatusBadRequest, &service.ValidationError{Reason: "message is required"}
	case errors.As(err, &typeErr) && typeErr.Field == "sessionId":
		return req, http.StatusBadRequest, &service.ValidationError{Reason: "sessionId must be a string"}
	case errors.As(err, &typeErr) && typeErr.Field == "message":
		return req, http.StatusBadRequest, &service.ValidationError{Reason: "message is required"}
	default:
		return req, http.StatusBadRequest, &service.ValidationError{Reason: "invalid JSON body"}
	}
}

// respondJSON buffers the whole reply. Nothing is written when the client
// has already gone.
func (h *GuideHandler) respondJSON(c *gin.Context, turn *service.Turn) {
	reply, err := h.guideService.Relay(c.Request.Context(), turn, ModeJSON.String(), nil)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, model.GuideResponse{SessionID: turn.SessionID, Message: reply})
	case errors.Is(err, service.ErrClientGone):
		c.Abort()
	default:
		c.JSON(http.StatusBadGateway, model.ErrorResponse{Error: err.Error(), SessionID: turn.SessionID})
	}
}
