package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/setavenger/blindbit-statedb/internal/logging"
)

// NewRouter wires all admin routes onto a fresh gin engine.
func NewRouter(api *ApiHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger)
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: true,
	}))

	router.GET("/info", api.GetInfo)
	router.GET("/best-canonical", api.GetBestCanonical)
	router.GET("/node/:key", ParseHashMiddleware("key"), api.GetNode)
	router.GET("/pruned/:height/:hash", ParseHeightMiddleware, ParseHashMiddleware("hash"), api.GetIsPruned)
	router.GET("/branches/:hash", ParseHashMiddleware("hash"), api.GetBranches)
	router.POST("/pin/:hash", ParseHashMiddleware("hash"), api.PinBlock)
	router.DELETE("/pin/:hash", ParseHashMiddleware("hash"), api.UnpinBlock)
	router.GET("/metrics", api.Metrics())

	return router
}

// RunServer serves the admin API on host until ctx is cancelled.
func RunServer(ctx context.Context, api *ApiHandler, host string) error {
	srv := &http.Server{
		Addr:              host,
		Handler:           NewRouter(api),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logging.L.Info().Str("host", host).Msg("admin server listening")
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		logging.L.Err(err).Msg("could not run server")
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errChan; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
