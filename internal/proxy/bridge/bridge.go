// Package bridge exposes the MCP-facing HTTP endpoints the shim process
// calls: tool catalog listings and the blocking tool-call exchange. These
// routes share the proxy listener but are never user-agent gated, since the
// caller is the Copilot CLI's MCP client rather than Xcode.
package bridge

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xcopilot/xcopilot/internal/common/logger"
	"github.com/xcopilot/xcopilot/internal/proxy/conversation"
)

// toolDescriptor is one catalog entry in bridge listings. The schema key is
// the MCP spelling, not the Anthropic input_schema one.
type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// toolCallRequest is the body of a shim tool-call POST.
type toolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// toolCallResponse carries the tool result back to the shim verbatim.
type toolCallResponse struct {
	Content json.RawMessage `json:"content"`
}

// Handler serves the per-conversation and global bridge routes.
type Handler struct {
	logger  *logger.Logger
	manager *conversation.Manager
}

// NewHandler creates a bridge handler backed by the conversation manager.
func NewHandler(manager *conversation.Manager, log *logger.Logger) *Handler {
	return &Handler{
		logger:  log.WithFields(zap.String("component", "tool-bridge")),
		manager: manager,
	}
}

// Register mounts the bridge routes. The /mcp/:conversationId pair serves
// shims bound to a single conversation; the /internal pair serves
// single-conversation deployments where no id rides the path.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/mcp/:conversationId/tools", h.handleListTools)
	r.POST("/mcp/:conversationId/tool-call", h.handleToolCall)
	r.GET("/internal/tools", h.handleListTools)
	r.POST("/internal/tool-call", h.handleToolCall)
}

// handleListTools returns the cached Xcode tool catalog for the addressed
// conversation, or for the most recent one on the global route.
func (h *Handler) handleListTools(c *gin.Context) {
	var conv *conversation.Conversation
	if convID := c.Param("conversationId"); convID != "" {
		found, ok := h.manager.Get(convID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown conversation: " + convID})
			return
		}
		conv = found
	} else {
		conv = h.manager.Latest()
	}

	tools := []toolDescriptor{}
	if conv != nil {
		for _, tool := range conv.Tools.Get() {
			tools = append(tools, toolDescriptor{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	c.JSON(http.StatusOK, tools)
}

// handleToolCall parks the CLI's tool invocation until Xcode posts the
// matching tool_result. The reply stays open for the whole round trip; on
// client disconnect the pending entry is left for session teardown to
// reject, so a late result still finds its slot.
func (h *Handler) handleToolCall(c *gin.Context) {
	var req toolCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tool name is required"})
		return
	}

	conv, resolved := h.route(c, req.Name)
	if conv == nil {
		return
	}

	log := h.logger.WithConversationID(conv.ID)
	done, err := conv.State.RegisterMCPRequest(resolved)
	if err != nil {
		log.Warn("tool call has no announced counterpart",
			zap.String("tool", resolved),
			zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Debug("tool call parked, awaiting result from editor",
		zap.String("tool", resolved))

	select {
	case result := <-done:
		if result.Err != nil {
			log.Warn("parked tool call rejected",
				zap.String("tool", resolved),
				zap.Error(result.Err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": result.Err.Error()})
			return
		}
		c.JSON(http.StatusOK, toolCallResponse{Content: result.Content})
	case <-c.Request.Context().Done():
		log.Debug("bridge client disconnected while parked",
			zap.String("tool", resolved))
	}
}

// route picks the conversation a tool call belongs to and resolves possibly
// shortened tool names against that conversation's catalog. Path-addressed
// requests fail with 404 when the id is unknown; global requests fail with
// 400 when no conversation expects the tool. Resolution happens before the
// queue lookup so a shortened name still matches its announced call.
func (h *Handler) route(c *gin.Context, name string) (*conversation.Conversation, string) {
	if convID := c.Param("conversationId"); convID != "" {
		conv, ok := h.manager.Get(convID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown conversation: " + convID})
			return nil, ""
		}
		return conv, conv.Tools.ResolveName(name)
	}

	if conv := h.manager.FindByExpectedTool(name); conv != nil {
		return conv, name
	}
	for _, cand := range h.manager.All() {
		resolved := cand.Tools.ResolveName(name)
		if resolved != name && cand.State.HasExpectedTool(resolved) {
			return cand, resolved
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("No expected tool call for %s", name)})
	return nil, ""
}
