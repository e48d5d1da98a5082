package httpserver

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/oarkflow/intent-classifier/pkg/chat"
	"github.com/oarkflow/intent-classifier/pkg/intent"
	"github.com/oarkflow/intent-classifier/pkg/log"
)

// Classifier is the part of intent.Classifier the server needs.
type Classifier interface {
	Predict(ctx context.Context, utterance string) (*intent.IntentResult, error)
}

// HTTPServer holds all dependencies for the HTTP server.
type HTTPServer struct {
	gin         *gin.Engine
	l           log.Logger
	port        int
	mode        string
	environment string

	allowedOrigins []string
	limiter        *rateLimiter

	responder  *chat.Responder
	classifier Classifier
}

// Config is the dependency bag passed to New().
type Config struct {
	Port            int
	Mode            string
	Environment     string
	AllowedOrigins  []string
	RateLimitPerMin int

	Responder *chat.Responder
	// Classifier enables POST /classify when set.
	Classifier Classifier
}

// New creates a new HTTPServer instance with its routes registered.
func New(logger log.Logger, cfg Config) (*HTTPServer, error) {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	srv := &HTTPServer{
		l:              logger,
		gin:            gin.New(),
		port:           cfg.Port,
		mode:           cfg.Mode,
		environment:    cfg.Environment,
		allowedOrigins: cfg.AllowedOrigins,
		responder:      cfg.Responder,
		classifier:     cfg.Classifier,
	}
	if cfg.RateLimitPerMin > 0 {
		srv.limiter = newRateLimiter(cfg.RateLimitPerMin)
	}

	if err := srv.validate(); err != nil {
		return nil, err
	}
	srv.mapHandlers()
	return srv, nil
}

func (srv *HTTPServer) validate() error {
	if srv.l == nil {
		return errors.New("logger is required")
	}
	if srv.mode == "" {
		return errors.New("mode is required")
	}
	if srv.port == 0 {
		return errors.New("port is required")
	}
	if srv.responder == nil {
		return errors.New("chat responder is required")
	}
	return nil
}
