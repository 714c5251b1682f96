package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xcopilot/xcopilot/pkg/anthropic"
)

// handleModels serves the configured catalog in Anthropic list shape. Xcode
// calls this once on setup to populate its model picker.
func (h *Handler) handleModels(c *gin.Context) {
	createdAt := time.Now().UTC().Format(time.RFC3339)

	list := anthropic.ModelList{Data: []anthropic.ModelInfo{}}
	for _, m := range h.cfg.Models {
		display := m.DisplayName
		if display == "" {
			display = m.ID
		}
		list.Data = append(list.Data, anthropic.ModelInfo{
			Type:        "model",
			ID:          m.ID,
			DisplayName: display,
			CreatedAt:   createdAt,
		})
	}
	if len(list.Data) > 0 {
		list.FirstID = &list.Data[0].ID
		list.LastID = &list.Data[len(list.Data)-1].ID
	}
	c.JSON(http.StatusOK, list)
}
