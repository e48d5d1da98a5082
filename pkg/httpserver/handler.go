package httpserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (srv *HTTPServer) mapHandlers() {
	srv.registerMiddlewares()
	srv.registerSystemRoutes()
	srv.registerDomainRoutes()
}

func (srv *HTTPServer) registerMiddlewares() {
	srv.gin.Use(gin.Recovery())
	srv.gin.Use(srv.cors())
	if srv.limiter != nil {
		srv.gin.Use(srv.rateLimit())
	}

	srv.l.Infof(context.Background(), "CORS origins: %v", srv.allowedOrigins)
}

func (srv *HTTPServer) registerSystemRoutes() {
	srv.gin.GET("/health", srv.healthCheck)
	srv.gin.GET("/ready", srv.readyCheck)
	srv.gin.GET("/live", srv.liveCheck)
}

func (srv *HTTPServer) registerDomainRoutes() {
	ctx := context.Background()
	srv.gin.POST("/chat", srv.handleChat)

	if srv.classifier != nil {
		srv.gin.POST("/classify", srv.handleClassify)
		srv.l.Info(ctx, "classifier route registered at POST /classify")
	} else {
		srv.l.Info(ctx, "no trained model configured, skipping /classify")
	}
}

// Handler exposes the router, mainly for tests.
func (srv *HTTPServer) Handler() http.Handler {
	return srv.gin
}
