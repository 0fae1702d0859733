package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/timottowitz/hmlr/internal/httpapi/response"
	"github.com/timottowitz/hmlr/internal/lineage"
)

// LineageHandler answers the /api/lineage routes.
type LineageHandler struct {
	tracker lineage.Tracker
}

func NewLineageHandler(tracker lineage.Tracker) *LineageHandler {
	return &LineageHandler{tracker: tracker}
}

func maxDepthParam(c *gin.Context) int {
	raw := c.Query("maxDepth")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// Ancestors walks derivedFrom edges back from itemId.
func (h *LineageHandler) Ancestors(c *gin.Context) {
	nodes, err := h.tracker.GetAncestors(c.Request.Context(), c.Param("itemId"), maxDepthParam(c))
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "lineage_ancestors_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"nodes": nodes})
}

// Descendants walks the inverse relation forward from itemId.
func (h *LineageHandler) Descendants(c *gin.Context) {
	nodes, err := h.tracker.GetDescendants(c.Request.Context(), c.Param("itemId"), maxDepthParam(c))
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "lineage_descendants_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"nodes": nodes})
}

// Integrity scans the whole lineage graph for orphaned or dangling edges.
func (h *LineageHandler) Integrity(c *gin.Context) {
	report, err := h.tracker.ValidateIntegrity(c.Request.Context())
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "lineage_integrity_failed", err)
		return
	}
	response.RespondOK(c, report)
}
