package handler

import (
	"encoding/xml"
	"net/http"
	"strings"
	"time"

	"pyceon-backend/internal/audit"
	"pyceon-backend/internal/config"
	"pyceon-backend/internal/model"
	"pyceon-backend/internal/service"
	"pyceon-backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type detailsDocument struct {
	XMLName  xml.Name       `xml:"details"`
	Service  string         `xml:"service"`
	Endpoint string         `xml:"endpoint"`
	Model    detailsModel   `xml:"model"`
	Backend  detailsBackend `xml:"backend"`
	Auth     detailsAuth    `xml:"auth"`
}

type detailsModel struct {
	Name         string `xml:"name"`
	Format       string `xml:"format"`
	Quantization string `xml:"quantization"`
	ServedBy     string `xml:"servedBy"`
}

type detailsBackend struct {
	Kind                string `xml:"kind"`
	BaseURL             string `xml:"baseUrl,omitempty"`
	OpenAICompatible    bool   `xml:"openAICompatible"`
	ChatCompletionsPath string `xml:"chatCompletionsPath,omitempty"`
}

type detailsAuth struct {
	Header   string `xml:"header"`
	Required bool   `xml:"required"`
}

// SystemHandler serves the static capability document and the health probe.
type SystemHandler struct {
	guideService *service.GuideService
	audit        audit.Logger
	authHeader   string
	body         []byte
}

func NewSystemHandler(guideService *service.GuideService, auditLogger audit.Logger, cfg *config.Config) (*SystemHandler, error) {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	body, err := renderDetails(cfg)
	if err != nil {
		return nil, err
	}
	return &SystemHandler{
		guideService: guideService,
		audit:        auditLogger,
		authHeader:   cfg.Auth.Header,
		body:         body,
	}, nil
}

func renderDetails(cfg *config.Config) ([]byte, error) {
	doc := detailsDocument{
		Service:  cfg.Details.Service,
		Endpoint: "/details",
		Model: detailsModel{
			Name:         cfg.Details.ModelName,
			Format:       cfg.Details.Format,
			Quantization: cfg.Details.Quantization,
			ServedBy:     cfg.Details.ServedBy,
		},
		Backend: detailsBackend{Kind: cfg.Backend.Kind},
		Auth: detailsAuth{
			Header:   strings.ToLower(cfg.Auth.Header),
			Required: true,
		},
	}
	if cfg.Backend.Kind == config.BackendHTTP {
		doc.Backend.BaseURL = cfg.Backend.HTTP.BaseURL
		doc.Backend.OpenAICompatible = true
		doc.Backend.ChatCompletionsPath = "/v1/chat/completions"
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

// Details handles GET /details.
func (h *SystemHandler) Details(c *gin.Context) {
	requestID := "details-" + uuid.NewString()
	h.audit.LogEvent(requestID, "connect", map[string]any{
		"ip":      c.ClientIP(),
		"path":    c.Request.URL.RequestURI(),
		"headers": audit.SanitizeHeaders(c.Request.Header, h.authHeader),
	})
	logger.Debugf("details requested, requestId=%s", requestID)

	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/xml; charset=utf-8", h.body)
}

// Health handles GET /health.
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, model.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Sessions:  h.guideService.SessionCount(),
	})
}
