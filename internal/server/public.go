package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nainya/custody/internal/logger"
	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/verification"
)

// Resolver resolves public verification codes
type Resolver interface {
	Resolve(ctx context.Context, code string) (verification.View, error)
}

// PublicAPI serves the unauthenticated verification endpoint
type PublicAPI struct {
	engine   *gin.Engine
	server   *http.Server
	resolver Resolver
	log      *logger.Logger
}

// NewPublicAPI creates the public HTTP API on port
func NewPublicAPI(port int, resolver Resolver, log *logger.Logger) *PublicAPI {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	api := &PublicAPI{
		engine:   engine,
		resolver: resolver,
		log:      log,
	}

	engine.Use(gin.Recovery())
	engine.Use(api.logRequest())
	engine.GET("/v1/verify/:code", api.verify)

	api.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return api
}

// Handler returns the HTTP handler, for tests
func (a *PublicAPI) Handler() http.Handler {
	return a.engine
}

func (a *PublicAPI) logRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.LogHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// verify resolves a code. Anything but NotFound is reported as a bare 500.
func (a *PublicAPI) verify(c *gin.Context) {
	view, err := a.resolver.Resolve(c.Request.Context(), c.Param("code"))
	switch {
	case err == nil:
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, view)
	case errors.Is(err, custody.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "verification code not found"})
	default:
		a.log.Error("verification lookup failed").Err(err).Send()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Serve serves on lis until Shutdown
func (a *PublicAPI) Serve(lis net.Listener) error {
	a.log.Info("Starting public verification API").
		Str("addr", lis.Addr().String()).
		Send()

	if err := a.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("public API failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the public API
func (a *PublicAPI) Shutdown(ctx context.Context) error {
	a.log.Info("Shutting down public verification API").Send()
	return a.server.Shutdown(ctx)
}
