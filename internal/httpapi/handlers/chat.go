package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/timottowitz/hmlr/internal/clients/openai"
	"github.com/timottowitz/hmlr/internal/httpapi/response"
	"github.com/timottowitz/hmlr/internal/orchestrator"
	"github.com/timottowitz/hmlr/internal/platform/ctxutil"
	"github.com/timottowitz/hmlr/internal/retrieval"
)

// ChatHandler answers /api/chat/messages and /api/chat/search.
type ChatHandler struct {
	orch orchestrator.Orchestrator
	ret  retrieval.Retriever
	llm  openai.Client
}

func NewChatHandler(orch orchestrator.Orchestrator, ret retrieval.Retriever, llm openai.Client) *ChatHandler {
	return &ChatHandler{orch: orch, ret: ret, llm: llm}
}

type sendMessageRequest struct {
	DayID   string `json:"dayId" binding:"required"`
	Message string `json:"message" binding:"required"`
	Profile string `json:"profile"`
}

// SendMessage runs one turn through the Chat Orchestrator, namespaced to
// the authenticated caller.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errMissingIdentity)
		return
	}

	result, err := h.orch.SendMessage(c.Request.Context(), orchestrator.SendMessageInput{
		DayID:   req.DayID,
		UserID:  rd.UserID.String(),
		Message: req.Message,
		Profile: req.Profile,
	})
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "send_message_failed", err)
		return
	}
	response.RespondOK(c, result)
}

// Search runs a hybrid semantic+lexical search over the caller's
// memories, namespaced by user id.
func (h *ChatHandler) Search(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errMissingIdentity)
		return
	}
	query := c.Query("q")
	if query == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", errMissingQuery)
		return
	}
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	vectors, err := h.llm.Embed(c.Request.Context(), []string{query})
	if err != nil || len(vectors) == 0 {
		response.RespondError(c, http.StatusInternalServerError, "embed_failed", err)
		return
	}

	results, err := h.ret.HybridSearchMemories(c.Request.Context(), rd.UserID.String(), query, vectors[0], limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "search_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"results": results})
}
