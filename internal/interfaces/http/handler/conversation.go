package handler

import (
	"strings"

	"github.com/gin-gonic/gin"

	"ai-billing-api/internal/domain/repository"
	"ai-billing-api/internal/interfaces/http/dto"
)

// ConversationHandler 对话历史查询
type ConversationHandler struct {
	turns repository.ConversationTurnRepository
}

// NewConversationHandler 创建对话处理器
func NewConversationHandler(turns repository.ConversationTurnRepository) *ConversationHandler {
	return &ConversationHandler{turns: turns}
}

// ListTurns 分页查询会话轮次，按 seq 升序
// 仅包含已结算请求写入的轮次；队列异步写入时可能短暂滞后
// @Summary 对话历史
// @Tags Conversation
// @Produce json
// @Param id path string true "会话 ID"
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Success 200 {object} dto.Response[[]dto.ConversationTurnResponse]
// @Router /v1/conversations/{id}/turns [get]
func (h *ConversationHandler) ListTurns(c *gin.Context) {
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		dto.BadRequest(c, "conversation id required")
		return
	}
	page, err := dto.BindPage(c)
	if err != nil {
		dto.BadRequest(c, "invalid pagination: "+err.Error())
		return
	}

	result, err := h.turns.ListByConversation(c.Request.Context(), accountID(c), conversationID, page)
	if err != nil {
		writeError(c, err, "failed to list conversation turns")
		return
	}
	dto.SuccessWithPage(c, dto.ToConversationTurnListResponse(result.Items), dto.PageMetaOf(result))
}
