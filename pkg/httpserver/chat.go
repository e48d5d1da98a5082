package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/oarkflow/intent-classifier/pkg/response"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message *string `json:"message" binding:"required"`
}

// ChatResponse is the body returned by POST /chat.
type ChatResponse struct {
	Response string `json:"response"`
}

// ClassifyRequest is the body of POST /classify.
type ClassifyRequest struct {
	Utterance string `json:"utterance" binding:"required"`
}

// handleChat keeps the plain {"response": ...} body of the chat widget.
func (srv *HTTPServer) handleChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"message\": string}"})
		return
	}
	c.JSON(http.StatusOK, ChatResponse{Response: srv.responder.Reply(*req.Message)})
}

func (srv *HTTPServer) handleClassify(c *gin.Context) {
	var req ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Utterance) == "" {
		response.Error(c, errors.New("utterance is required"), nil)
		return
	}

	ctx := c.Request.Context()
	result, err := srv.classifier.Predict(ctx, req.Utterance)
	if err != nil {
		srv.l.Errorf(ctx, "classify: %v", err)
		response.InternalError(c, err)
		return
	}
	response.OK(c, result)
}
