// Package api serves the Anthropic-style endpoints Xcode talks to:
// POST /v1/messages opens or continues a proxied session, GET /v1/models
// lists the configured catalog.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/xcopilot/xcopilot/internal/common/config"
	"github.com/xcopilot/xcopilot/internal/common/logger"
	"github.com/xcopilot/xcopilot/internal/proxy/conversation"
	"github.com/xcopilot/xcopilot/internal/proxy/prompt"
	"github.com/xcopilot/xcopilot/internal/session"
)

// Deps are the collaborators the handler needs. Port is the resolved listen
// port; the bridge URL handed to new sessions points back at it.
type Deps struct {
	Config   *config.Config
	Manager  *conversation.Manager
	Launcher session.Launcher
	Logger   *logger.Logger
	Port     int
}

// Handler implements the /v1 routes.
type Handler struct {
	cfg       *config.Config
	manager   *conversation.Manager
	launcher  session.Launcher
	logger    *logger.Logger
	port      int
	formatter *prompt.Formatter
}

// New builds the handler, compiling the configured file-exclusion patterns.
func New(deps Deps) (*Handler, error) {
	formatter, err := prompt.NewFormatter(deps.Config.ExcludedFilePatterns)
	if err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		cfg:       deps.Config,
		manager:   deps.Manager,
		launcher:  deps.Launcher,
		logger:    log,
		port:      deps.Port,
		formatter: formatter,
	}, nil
}

// Register mounts the handler's routes on r, typically the user-agent gated
// /v1 group.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/messages", h.handleMessages)
	r.GET("/models", h.handleModels)
}
