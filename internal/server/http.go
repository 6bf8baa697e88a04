package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/DominicWuest/logbisect/pkg/logbisect"
	"github.com/gin-gonic/gin"
)

type httpServer struct {
	progress *logbisect.Progress

	srv *http.Server
}

func (h *httpServer) Init(port int, progress *logbisect.Progress) error {
	h.progress = progress

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return errors.Join(fmt.Errorf("failed to listen on port %d", port), err)
	}

	h.srv = &http.Server{Handler: h.router()}
	go h.srv.Serve(listener)
	return nil
}

func (h *httpServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.srv.Shutdown(ctx)
}

func (h *httpServer) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/status", h.getStatus)
	router.GET("/result", h.getResult)
	router.GET("/evaluations/:index", h.getEvaluation)

	return router
}

type resultResponse struct {
	Status string `json:"status"`

	ConfirmedGood   string `json:"confirmedGood,omitempty"`
	ConfirmedBroken string `json:"confirmedBroken,omitempty"`
}

func (h *httpServer) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.progress.Snapshot())
}

// getResult responds with 202 while the bisection is still running
func (h *httpServer) getResult(c *gin.Context) {
	snapshot := h.progress.Snapshot()
	switch snapshot.State {
	case "done":
		c.JSON(http.StatusOK, resultResponse{
			Status:          snapshot.Status,
			ConfirmedGood:   snapshot.ConfirmedGood,
			ConfirmedBroken: snapshot.ConfirmedBroken,
		})
	case "failed":
		c.JSON(http.StatusInternalServerError, gin.H{"error": snapshot.Error})
	default:
		c.AbortWithStatus(http.StatusAccepted)
	}
}

func (h *httpServer) getEvaluation(c *gin.Context) {
	var uri struct {
		Index int `uri:"index" binding:"min=0"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	evaluations := h.progress.Snapshot().Evaluations
	if uri.Index >= len(evaluations) {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, evaluations[uri.Index])
}
