package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/factstore"
	"github.com/timottowitz/hmlr/internal/httpapi/response"
)

// FactHandler answers /api/facts and /api/facts/category/:category.
type FactHandler struct {
	facts factstore.Store
}

func NewFactHandler(facts factstore.Store) *FactHandler {
	return &FactHandler{facts: facts}
}

// GetByKey looks up a single fact's current head by its key.
func (h *FactHandler) GetByKey(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", errMissingKey)
		return
	}
	fact, err := h.facts.Get(c.Request.Context(), key)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "get_fact_failed", err)
		return
	}
	if fact == nil {
		response.RespondError(c, http.StatusNotFound, "not_found", errFactNotFound)
		return
	}
	response.RespondOK(c, fact)
}

// ListByCategory returns the current heads for a category, or the full
// supersession chain when headsOnly=false is passed.
func (h *FactHandler) ListByCategory(c *gin.Context) {
	category := domainhmlr.FactCategory(c.Param("category"))
	headsOnly := true
	if raw := c.Query("headsOnly"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			headsOnly = v
		}
	}
	facts, err := h.facts.GetByCategory(c.Request.Context(), category, headsOnly)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_facts_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"facts": facts})
}
