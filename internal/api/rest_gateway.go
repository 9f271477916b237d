package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hbomb79/Melody/internal/api/ingests"
	"github.com/hbomb79/Melody/internal/api/jwt"
	"github.com/hbomb79/Melody/internal/api/songs"
	"github.com/hbomb79/Melody/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logger.Get("API")

const (
	healthCheckTimeout = 2 * time.Second
	shutdownTimeout    = 10 * time.Second
)

type (
	RestConfig struct {
		HostAddr  string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
		JwtSecret string `yaml:"jwt_secret" env:"API_JWT_SECRET" env-required:"true"`
	}

	// HealthCheck reports whether a dependency of the service is reachable.
	HealthCheck func(ctx context.Context) error

	Controller interface {
		SetRoutes(*echo.Group)
	}

	RestGateway struct {
		ec     *echo.Echo
		config *RestConfig
		checks map[string]HealthCheck
	}

	healthDto struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
)

// NewRestGateway constructs the Echo router which serves the ingestion and
// catalog endpoints. Submitting an ingest requires the admin role; reading
// the catalog requires any valid token. Health and metrics are public.
func NewRestGateway(
	config *RestConfig,
	ingestService ingests.Service,
	activity ingests.ActivityFeed,
	songStore songs.Store,
	signer songs.Signer,
	checks map[string]HealthCheck,
) *RestGateway {
	ec := echo.New()
	ec.HidePort = true
	ec.HideBanner = true
	ec.OnAddRouteHandler = func(_ string, route echo.Route, _ any, _ []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}

	ec.Use(middleware.Recover())
	ec.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				log.Emit(logger.WARNING, "%s %s -> %d (%s): %v\n", v.Method, v.URI, v.Status, v.Latency, v.Error)
			} else {
				log.Emit(logger.VERBOSE, "%s %s -> %d (%s)\n", v.Method, v.URI, v.Status, v.Latency)
			}
			return nil
		},
	}))
	ec.Pre(middleware.AddTrailingSlash())

	gateway := &RestGateway{ec: ec, config: config, checks: checks}
	ec.GET("/healthz/", gateway.health)
	ec.GET("/metrics/", echo.WrapHandler(promhttp.Handler()))

	auth := jwt.NewJwtAuth([]byte(config.JwtSecret))
	v1 := ec.Group("/api/v1")

	ingestGroup := v1.Group("/ingests", auth.RequireRole(jwt.RoleAdmin))
	ingestController := ingests.New(ingestService, activity)
	ingestController.SetRoutes(ingestGroup)
	ec.Server.RegisterOnShutdown(ingestController.CloseSockets)

	songGroup := v1.Group("/songs", auth.RequireRole())
	songs.New(songStore, signer).SetRoutes(songGroup)

	return gateway
}

// Run starts the HTTP server and blocks until the context is cancelled, at
// which point in-flight requests are given a short grace period to finish.
func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	defer ctxCancel(errors.New("rest gateway defer"))

	go func() {
		log.Emit(logger.INFO, "Starting HTTP server on %s\n", gateway.config.HostAddr)
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxCancel(fmt.Errorf("http server crashed: %w", err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := gateway.ec.Shutdown(shutdownCtx); err != nil {
		log.Emit(logger.WARNING, "HTTP server did not shut down cleanly: %v\n", err)
	}

	if parentCtx.Err() != nil {
		return nil
	}

	return context.Cause(ctx)
}

// ServeHTTP allows the gateway to be used directly as a http.Handler.
func (gateway *RestGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gateway.ec.ServeHTTP(w, r)
}

func (gateway *RestGateway) health(ec echo.Context) error {
	ctx, cancel := context.WithTimeout(ec.Request().Context(), healthCheckTimeout)
	defer cancel()

	response := healthDto{Status: "ok", Checks: make(map[string]string, len(gateway.checks))}
	for name, check := range gateway.checks {
		if err := check(ctx); err != nil {
			log.Emit(logger.WARNING, "Health check %s failed: %v\n", name, err)
			response.Status = "unavailable"
			response.Checks[name] = err.Error()
			continue
		}

		response.Checks[name] = "ok"
	}

	if response.Status != "ok" {
		return ec.JSON(http.StatusServiceUnavailable, response)
	}

	return ec.JSON(http.StatusOK, response)
}
