package httpserver

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/autoflow/orchestrator-api/lib/logc"
	"github.com/autoflow/orchestrator-api/orchestrator/agents"
	"github.com/autoflow/orchestrator-api/orchestrator/engine"
	"github.com/autoflow/orchestrator-api/orchestrator/lifecycle"
	"github.com/autoflow/orchestrator-api/orchestrator/notify"
	"github.com/autoflow/orchestrator-api/orchestrator/registry"
)

var logger = logc.Logger("http")

// Deps are the wired components the HTTP layer fronts. The server owns
// none of them; lifetime is managed by the daemon.
type Deps struct {
	Coordinator *lifecycle.Coordinator
	Registry    registry.Registry
	Engine      *engine.Engine
	Agents      *agents.Service
	Hub         *notify.Hub
}

type handlerCore struct {
	co  *lifecycle.Coordinator
	reg registry.Registry
	eng *engine.Engine
	ag  *agents.Service
	hub *notify.Hub
	cm  *cookieManager
}

func NewServer(addr string, d Deps) *http.Server {
	logger.Info("Start server")
	gin.SetMode(gin.ReleaseMode)
	route := registerAllRoute(d)
	server := &http.Server{
		Addr:    addr,
		Handler: route,
	}
	logger.Info("Set route ok")
	return server
}

func registerAllRoute(d Deps) *gin.Engine {
	route := gin.Default()
	route.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	}))

	hc := handlerCore{
		co:  d.Coordinator,
		reg: d.Registry,
		eng: d.Engine,
		ag:  d.Agents,
		hub: d.Hub,
		cm:  newCookieManager(),
	}

	route.GET("/health", hc.handleHealth)
	if hc.hub != nil {
		route.GET("/ws", func(c *gin.Context) {
			hc.hub.Serve(c.Writer, c.Request)
		})
	}

	api := route.Group("/api")

	// agent-facing surface, api key required
	tasks := api.Group("/tasks", hc.requireAgent)
	tasks.POST("", hc.handleSubmitTask)
	tasks.GET("", hc.handleListTasks)
	tasks.GET("/:id", hc.handleGetTask)
	tasks.POST("/:id/cancel", hc.handleCancelTask)
	tasks.POST("/:id/dispute", hc.handleDisputeTask)

	// execution callback from the assigned node, authenticated by the
	// callback token handed out at dispatch
	api.POST("/tasks/:id/complete", hc.handleCompleteTask)

	api.GET("/payments", hc.requireAgent, hc.handleListPayments)
	api.GET("/payments/:txRef", hc.requireAgent, hc.handleGetPayment)

	api.POST("/nodes", hc.handleRegisterNode)
	api.GET("/nodes", hc.handleListNodes)
	api.GET("/nodes/:id", hc.handleGetNode)
	api.POST("/nodes/:id/health", hc.handleNodeHealth)

	api.GET("/orchestration/weights", hc.handleWeights)
	api.POST("/orchestration/simulate", hc.handleSimulate)

	api.POST("/agents", hc.handleCreateAgent)
	api.GET("/agents/me", hc.requireAgent, hc.handleAgentMe)
	api.POST("/agents/token", hc.handleToken)

	// settlement administration, wallet cookie required
	admin := api.Group("/admin", hc.requireCookie)
	admin.POST("/tasks/:id/dispute", hc.handleAdminDispute)
	admin.POST("/tasks/:id/resolve", hc.handleAdminResolve)
	admin.GET("/escrows", hc.handleOpenEscrows)

	return route
}
