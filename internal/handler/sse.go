package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"pyceon-backend/internal/model"
	"pyceon-backend/internal/service"
	"pyceon-backend/internal/utils"
	"pyceon-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

func (h *GuideHandler) streamSSE(c *gin.Context, turn *service.Turn) {
	c.Header("X-Session-Id", turn.SessionID)
	sseWriter, err := utils.NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{Error: err.Error(), SessionID: turn.SessionID})
		return
	}

	ctx := c.Request.Context()

	// keep idle proxies from closing the stream while the backend thinks
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sseWriter.Heartbeat(); err != nil {
					logger.Debugf("heartbeat failed: %v", err)
					return
				}
			case <-hbCtx.Done():
				return
			}
		}
	}()
	defer func() {
		stopHeartbeat()
		hbWG.Wait()
	}()

	sessionData, _ := json.Marshal(model.SessionEvent{SessionID: turn.SessionID})
	if err := sseWriter.WriteEvent("session", string(sessionData)); err != nil {
		logger.Debugf("write session event: %v", err)
		return
	}

	_, err = h.guideService.Relay(ctx, turn, ModeSSE.String(), func(fragment string) error {
		return sseWriter.WriteEvent("token", fragment)
	})

	// done is always the last frame
	stopHeartbeat()
	hbWG.Wait()

	var done model.DoneEvent
	switch {
	case err == nil:
		done.OK = true
	case errors.Is(err, service.ErrClientGone):
		return
	default:
		done.Error = err.Error()
	}

	doneData, _ := json.Marshal(done)
	if err := sseWriter.WriteEvent("done", string(doneData)); err != nil {
		logger.Debugf("write done event: %v", err)
	}
}
