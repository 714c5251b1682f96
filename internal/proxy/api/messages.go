package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xcopilot/xcopilot/internal/common/logger"
	"github.com/xcopilot/xcopilot/internal/proxy/conversation"
	"github.com/xcopilot/xcopilot/internal/proxy/stream"
	"github.com/xcopilot/xcopilot/internal/session"
	"github.com/xcopilot/xcopilot/pkg/anthropic"
)

// handleMessages decides between continuing an existing conversation and
// opening a new one. Two simultaneous new requests open two independent
// conversations; routing collapses them only when a tool-use id matches.
func (h *Handler) handleMessages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest,
			anthropic.NewErrorResponse(anthropic.ErrInvalidRequest, "invalid request body: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest,
			anthropic.NewErrorResponse(anthropic.ErrInvalidRequest, err.Error()))
		return
	}

	if conv := h.manager.FindByContinuation(req.Messages); conv != nil {
		h.continueConversation(c, conv, &req)
		return
	}
	h.openConversation(c, &req)
}

// continueConversation re-attaches the reply to a live conversation, feeds
// the tool results from the last user message back to their parked bridge
// calls, and streams until the turn parks again or ends.
func (h *Handler) continueConversation(c *gin.Context, conv *conversation.Conversation, req *anthropic.MessagesRequest) {
	log := h.logger.WithConversationID(conv.ID)

	streamer := conv.Streamer()
	if streamer == nil {
		c.JSON(http.StatusInternalServerError,
			anthropic.NewErrorResponse(anthropic.ErrAPI, "conversation has no attached stream"))
		return
	}

	reply, err := stream.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError,
			anthropic.NewErrorResponse(anthropic.ErrAPI, err.Error()))
		return
	}
	reply.WriteHeaders()

	// The done channel must exist before any resolution can finish the turn.
	done := conv.State.WaitStreamingDone()
	if err := streamer.Resume(reply); err != nil {
		log.Debug("resume write failed", zap.Error(err))
	}

	resolved := 0
	if len(req.Messages) > 0 {
		last := req.Messages[len(req.Messages)-1]
		for _, result := range last.ToolResults() {
			if conv.State.ResolveToolCall(result.ToolUseID, result.Content) {
				resolved++
			} else {
				log.Warn("tool result matched no parked call",
					zap.String("tool_call_id", result.ToolUseID))
			}
		}
	}
	streamer.FinishContinuation()

	if resolved == 0 && conv.State.SessionActive() {
		h.sendFollowUp(conv, req, log)
	}

	log.Debug("continuation attached", zap.Int("resolved_tool_results", resolved))
	h.await(c, conv, reply, done, log)
}

// openConversation runs the new-session path: conversation, tool cache,
// model resolution, session launch, initial prompt.
func (h *Handler) openConversation(c *gin.Context, req *anthropic.MessagesRequest) {
	conv := h.manager.Create()
	conv.Tools.Cache(req.Tools)

	model := h.cfg.FindModel(req.Model)
	if model == nil {
		h.manager.Remove(conv.ID)
		c.JSON(http.StatusBadRequest,
			anthropic.NewErrorResponse(anthropic.ErrInvalidRequest, "unknown model: "+req.Model))
		return
	}
	conv.SetModel(model.ID)

	log := h.logger.WithConversationID(conv.ID)

	var systemText string
	if req.System != nil {
		systemText = req.System.JoinedText()
	}

	sessCfg := session.BuildConfig(session.BuildParams{
		Model:                   model.ID,
		SystemMessage:           systemText,
		Settings:                h.cfg,
		SupportsReasoningEffort: model.ReasoningEffort,
		WorkingDirectory:        h.cfg.Copilot.WorkingDirectory,
		HasToolBridge:           conv.Tools.Len() > 0,
		Port:                    h.port,
		ConversationID:          conv.ID,
	})

	sess, err := h.launcher.NewSession(c.Request.Context(), sessCfg)
	if err != nil {
		h.manager.Remove(conv.ID)
		log.Error("session creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError,
			anthropic.NewErrorResponse(anthropic.ErrAPI, fmt.Sprintf("failed to create session: %v", err)))
		return
	}
	conv.SetSession(sess)

	transform := stream.New(h.logger, conv, model.ID)
	conv.SetStreamer(transform)
	// The subscription lives as long as the session; continuations reuse it.
	sess.On(transform.HandleEvent)

	reply, err := stream.NewWriter(c.Writer)
	if err != nil {
		h.manager.Remove(conv.ID)
		c.JSON(http.StatusInternalServerError,
			anthropic.NewErrorResponse(anthropic.ErrAPI, err.Error()))
		return
	}
	reply.WriteHeaders()

	done := conv.State.WaitStreamingDone()
	if err := transform.Begin(reply); err != nil {
		log.Debug("message_start write failed", zap.Error(err))
	}

	text := h.formatter.Format(req.Messages, 0)
	conv.MarkMessagesSent(len(req.Messages))

	log.Info("conversation opened",
		zap.String("model", model.ID),
		zap.Int("tools", conv.Tools.Len()),
		zap.Int("messages", len(req.Messages)))

	// Send outlives this request: a parked turn finishes the reply while the
	// prompt is still being worked on.
	go func() {
		if _, err := sess.Send(context.Background(), text); err != nil {
			log.Error("prompt send failed", zap.Error(err))
			transform.HandleEvent(session.Errored{Message: fmt.Sprintf("failed to send prompt: %v", err)})
		}
	}()

	h.await(c, conv, reply, done, log)
}

// sendFollowUp handles continuations that carried no tool results: the
// trailing messages beyond what was already rendered become a fresh prompt
// on the live session.
func (h *Handler) sendFollowUp(conv *conversation.Conversation, req *anthropic.MessagesRequest, log *logger.Logger) {
	sess := conv.Session()
	if sess == nil {
		return
	}
	from := conv.SentMessages()
	if len(req.Messages) <= from {
		log.Debug("follow-up carried no unseen messages", zap.Int("sent", from))
		return
	}

	text := h.formatter.Format(req.Messages, from)
	conv.MarkMessagesSent(len(req.Messages))
	if text == "" {
		return
	}

	log.Debug("follow-up prompt",
		zap.Int("from", from),
		zap.Int("messages", len(req.Messages)-from))

	go func() {
		if _, err := sess.Send(context.Background(), text); err != nil {
			log.Error("follow-up send failed", zap.Error(err))
			conv.State.SetHadError()
			conv.State.Cleanup()
		}
	}()
}

// await blocks until the turn finishes or the client goes away. A disconnect
// while the reply is still attached tears the conversation down; a reply
// already finalized by a park or idle just ends the request.
func (h *Handler) await(c *gin.Context, conv *conversation.Conversation, reply conversation.Reply, done <-chan struct{}, log *logger.Logger) {
	select {
	case <-done:
	case <-c.Request.Context().Done():
		if conv.State.CurrentReply() == reply {
			log.Info("client disconnected mid-stream")
			conv.State.Cleanup()
		}
	}
}
