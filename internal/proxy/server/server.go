// Package server assembles the proxy's HTTP surface: the gin engine with its
// middleware chain, the listener, and graceful shutdown. The listen port may
// be ephemeral; callers resolve it before wiring the routes that embed it in
// bridge URLs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xcopilot/xcopilot/internal/common/config"
	"github.com/xcopilot/xcopilot/internal/common/httpmw"
	"github.com/xcopilot/xcopilot/internal/common/logger"
)

const serverName = "xcopilot"

// xcodeUserAgentPrefix gates the /v1 surface to requests from Xcode.
const xcodeUserAgentPrefix = "Xcode/"

// Routes is anything that can mount handlers on a router group.
type Routes interface {
	Register(r gin.IRouter)
}

// Server owns the engine and listener lifecycle.
type Server struct {
	cfg        *config.Config
	log        *logger.Logger
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	port       int
}

// New builds the engine with the shared middleware chain and the health
// endpoint. Routes are mounted separately because the messages handler needs
// the resolved port first.
func New(cfg *config.Config, log *logger.Logger) *Server {
	if !strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, serverName))
	engine.Use(httpmw.OtelTracing(serverName))
	if cfg.Server.BodyLimit > 0 {
		engine.Use(httpmw.BodyLimit(cfg.Server.BodyLimit))
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &Server{
		cfg:    cfg,
		log:    log,
		engine: engine,
		httpServer: &http.Server{
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		},
	}
}

// Engine exposes the router, mostly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// MountV1 mounts routes under the user-agent gated /v1 group.
func (s *Server) MountV1(routes Routes) {
	group := s.engine.Group("/v1", httpmw.RequireUserAgent(xcodeUserAgentPrefix))
	routes.Register(group)
}

// MountBridge mounts the bridge routes at the root, outside the gate; the
// caller is the MCP shim, not Xcode.
func (s *Server) MountBridge(routes Routes) {
	routes.Register(s.engine)
}

// Listen binds the configured address and resolves the port, which may have
// been requested as 0.
func (s *Server) Listen() (int, error) {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	return s.port, nil
}

// Port returns the resolved listen port, or 0 before Listen.
func (s *Server) Port() int {
	return s.port
}

// Serve blocks serving the bound listener until Shutdown. A closed server
// returns nil.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("server is not listening")
	}
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests until
// ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
