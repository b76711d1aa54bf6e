package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/leonaiuv/ai-chat-app/internal/middleware"
	"github.com/leonaiuv/ai-chat-app/internal/model"
	"github.com/leonaiuv/ai-chat-app/internal/observability"
	"github.com/leonaiuv/ai-chat-app/internal/service"
	"github.com/leonaiuv/ai-chat-app/internal/utils"
	"github.com/leonaiuv/ai-chat-app/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	errMissingAPIKey  = "API Key未设置"
	errBadRequestBody = "请求格式错误"
	errInternal       = "处理请求时出错"
)

type ChatHandler struct {
	chatService *service.ChatService
	metrics     *observability.RelayMetrics
}

func NewChatHandler(chatService *service.ChatService, metrics *observability.RelayMetrics) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		metrics:     metrics,
	}
}

// StreamChat POST /api/chat
func (h *ChatHandler) StreamChat(c *gin.Context) {
	log := logger.WithFields(logrus.Fields{
		"request_id": middleware.GetRequestID(c),
		"client_ip":  c.ClientIP(),
	})

	var req model.RelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("invalid request body: %v", err)
		h.fail(c, http.StatusBadRequest, errBadRequestBody, observability.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.APIKey) == "" {
		h.fail(c, http.StatusBadRequest, errMissingAPIKey, observability.StatusBadRequest)
		return
	}

	ctx := c.Request.Context()
	body, err := h.chatService.Open(ctx, req, log)
	if err != nil {
		var upstreamErr *service.UpstreamError
		switch {
		case errors.As(err, &upstreamErr):
			log.Warnf("upstream rejected request: %v", err)
			h.fail(c, upstreamErr.StatusCode, upstreamErr.Message, observability.StatusUpstreamError)
		case errors.Is(err, context.Canceled):
			log.Info("client cancelled before upstream responded")
			h.metrics.RecordRequest(observability.StatusClientGone)
			c.Abort()
		default:
			log.Errorf("upstream request failed: %v", err)
			h.fail(c, http.StatusInternalServerError, errInternal, observability.StatusExhausted)
		}
		return
	}
	defer body.Close()

	sseWriter := utils.NewSSEWriter(c.Writer)
	c.Status(http.StatusOK)

	status := h.chatService.Relay(ctx, body, sseWriter, log)
	h.metrics.RecordRequest(status)
}

// ListModels GET /api/models
func (h *ChatHandler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":  model.Models,
		"default": model.DefaultModel,
	})
}

func (h *ChatHandler) fail(c *gin.Context, status int, message string, metric observability.RequestStatus) {
	h.metrics.RecordRequest(metric)
	c.AbortWithStatusJSON(status, model.ErrorResponse{Error: message})
}
