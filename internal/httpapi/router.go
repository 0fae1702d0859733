package httpapi

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/timottowitz/hmlr/internal/httpapi/handlers"
	httpMW "github.com/timottowitz/hmlr/internal/httpapi/middleware"
	"github.com/timottowitz/hmlr/internal/observability"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

// RouterConfig wires the handlers exposed under the HTTP API surface. A nil
// handler skips registering its routes, so the server can come up with a
// partial handler set during incremental wiring.
type RouterConfig struct {
	Log    *logger.Logger
	Auth   *httpMW.Auth
	Health *httpH.HealthHandler

	Chat    ChatRoutes
	Blocks  BlockRoutes
	Facts   FactRoutes
	Lineage LineageRoutes
	Usage   UsageRoutes

	CORSOrigins string
}

// Route groups are declared as small interfaces rather than concrete handler
// types so this router can be wired before the handlers exist; each is
// implemented by its corresponding internal/httpapi/handlers type once that
// component is built.
type ChatRoutes interface {
	SendMessage(c *gin.Context)
	Search(c *gin.Context)
}

type BlockRoutes interface {
	ListByDay(c *gin.Context)
	GetByID(c *gin.Context)
}

type FactRoutes interface {
	GetByKey(c *gin.Context)
	ListByCategory(c *gin.Context)
}

type LineageRoutes interface {
	Ancestors(c *gin.Context)
	Descendants(c *gin.Context)
	Integrity(c *gin.Context)
}

type UsageRoutes interface {
	GetByItemID(c *gin.Context)
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(observability.Current()))
	r.Use(httpMW.CORS(cfg.CORSOrigins))

	if cfg.Health != nil {
		r.GET("/healthz", cfg.Health.HealthCheck)
	}

	api := r.Group("/api")
	if cfg.Auth != nil {
		api.Use(cfg.Auth.RequireAuth())
	}
	{
		if cfg.Chat != nil {
			api.POST("/chat/messages", cfg.Chat.SendMessage)
			api.GET("/chat/search", cfg.Chat.Search)
		}
		if cfg.Blocks != nil {
			api.GET("/blocks", cfg.Blocks.ListByDay)
			api.GET("/blocks/:id", cfg.Blocks.GetByID)
		}
		if cfg.Facts != nil {
			api.GET("/facts", cfg.Facts.GetByKey)
			api.GET("/facts/category/:category", cfg.Facts.ListByCategory)
		}
		if cfg.Lineage != nil {
			api.GET("/lineage/:itemId/ancestors", cfg.Lineage.Ancestors)
			api.GET("/lineage/:itemId/descendants", cfg.Lineage.Descendants)
			api.GET("/lineage/integrity", cfg.Lineage.Integrity)
		}
		if cfg.Usage != nil {
			api.GET("/usage/:itemId", cfg.Usage.GetByItemID)
		}
	}

	return r
}
