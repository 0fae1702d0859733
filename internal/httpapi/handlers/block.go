package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/timottowitz/hmlr/internal/blockmgr"
	"github.com/timottowitz/hmlr/internal/httpapi/response"
)

// BlockHandler answers /api/blocks and /api/blocks/:id.
type BlockHandler struct {
	blocks blockmgr.Manager
}

func NewBlockHandler(blocks blockmgr.Manager) *BlockHandler {
	return &BlockHandler{blocks: blocks}
}

// ListByDay returns the metadata projection for every block on a day.
func (h *BlockHandler) ListByDay(c *gin.Context) {
	dayID := c.Query("dayId")
	if dayID == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", errMissingDayID)
		return
	}
	blocks, err := h.blocks.GetByDay(c.Request.Context(), dayID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_blocks_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"blocks": blocks})
}

// GetByID returns a single block's full record.
func (h *BlockHandler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	block, err := h.blocks.Get(c.Request.Context(), id)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "get_block_failed", err)
		return
	}
	if block == nil {
		response.RespondError(c, http.StatusNotFound, "not_found", errBlockNotFound)
		return
	}
	response.RespondOK(c, block)
}
