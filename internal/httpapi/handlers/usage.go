package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/httpapi/response"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
)

// UsageHandler answers /api/usage/:itemId.
type UsageHandler struct {
	usage reposhmlr.UsageStatRepo
}

func NewUsageHandler(usage reposhmlr.UsageStatRepo) *UsageHandler {
	return &UsageHandler{usage: usage}
}

// GetByItemID returns the usage-stat row for an item, keyed by both id and
// type since the two form the stat's composite key.
func (h *UsageHandler) GetByItemID(c *gin.Context) {
	itemType := domainhmlr.ItemType(c.DefaultQuery("itemType", string(domainhmlr.ItemTypeMemory)))
	stat, err := h.usage.Get(dbctx.Context{Ctx: c.Request.Context()}, c.Param("itemId"), itemType)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "get_usage_failed", err)
		return
	}
	if stat == nil {
		response.RespondError(c, http.StatusNotFound, "not_found", errUsageNotFound)
		return
	}
	response.RespondOK(c, stat)
}
