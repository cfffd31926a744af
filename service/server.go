package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"

	"github.com/testconductor/conductor/metrics"
)

const shutdownTimeout = 5 * time.Second

// httpServer is one background listener with a CORS-wrapped handler.
type httpServer struct {
	name   string
	log    log.Logger
	server *http.Server
}

func newHTTPServer(name, addr string, handler http.Handler, logger log.Logger) *httpServer {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return &httpServer{
		name: name,
		log:  logger,
		server: &http.Server{
			Addr:    addr,
			Handler: c.Handler(handler),
		},
	}
}

func (h *httpServer) Addr() string {
	return h.server.Addr
}

func (h *httpServer) start() {
	go func() {
		h.log.Debug("Starting background server", "name", h.name, "addr", h.server.Addr)
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("Background server failed", "name", h.name, "error", err)
			metrics.RecordErrorDetails("background server "+h.name, err)
		}
	}()
}

func (h *httpServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		h.log.Warn("Background server shutdown failed", "name", h.name, "error", err)
	}
}
