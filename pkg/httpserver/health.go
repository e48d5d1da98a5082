package httpserver

import (
	"github.com/gin-gonic/gin"

	"github.com/oarkflow/intent-classifier/pkg/response"
)

const (
	HealthVersion = "1.0.0"
	ServiceName   = "intent-classifier"
)

func (srv *HTTPServer) healthCheck(c *gin.Context) {
	response.OK(c, gin.H{
		"status":  "healthy",
		"version": HealthVersion,
		"service": ServiceName,
	})
}

// readyCheck also reports whether /classify is being served.
func (srv *HTTPServer) readyCheck(c *gin.Context) {
	response.OK(c, gin.H{
		"status":     "ready",
		"version":    HealthVersion,
		"service":    ServiceName,
		"classifier": srv.classifier != nil,
	})
}

func (srv *HTTPServer) liveCheck(c *gin.Context) {
	response.OK(c, gin.H{
		"status":  "alive",
		"version": HealthVersion,
		"service": ServiceName,
	})
}
