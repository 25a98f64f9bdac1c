package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"wiki-realtime/realtime-service/bus"
	"wiki-realtime/realtime-service/domain"
	"wiki-realtime/realtime-service/router"
)

const postEventsMaxSize = 64 << 10

// Router serves websocket connections.
type Router interface {
	Serve(ctx context.Context, sock router.Socket) error
}

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Router      Router
	Bus         bus.Publisher
	Dedupe      bus.Deduper
	IngestToken string
	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string
	// Metrics defaults to the global prometheus registry.
	Metrics *prometheus.Registry
	Logger  *log.Logger
}

type postEventsResponse struct {
	IDs []string `json:"ids"`
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	var (
		reg    prometheus.Registerer = prometheus.DefaultRegisterer
		gather prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if d.Metrics != nil {
		reg, gather = d.Metrics, d.Metrics
	}
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "realtime",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			// websocket sessions would skew request latency
			return c.Path() == "/realtime"
		},
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: gather}))
	e.GET("/realtime", serveRealtime(d))
	e.POST("/api/events", postEvents(d), gunzipBody)
	e.GET("/healthz", healthz)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func newUpgrader(origins []string) *websocket.Upgrader {
	up := &websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	if len(origins) == 0 {
		up.CheckOrigin = func(*http.Request) bool { return true }
		return up
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	up.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
	return up
}

func serveRealtime(d Deps) echo.HandlerFunc {
	upgrader := newUpgrader(d.AllowedOrigins)
	return func(c echo.Context) error {
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// the upgrader already wrote the error response
			d.Logger.WithError(err).Debug("websocket upgrade failed")
			return nil
		}
		err = d.Router.Serve(c.Request().Context(), ws)
		if err != nil && !errors.Is(err, router.ErrUnauthorized) {
			d.Logger.WithError(err).Debug("websocket connection ended")
		}
		return nil
	}
}

func postEvents(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := checkSharedToken(c.Request().Header, d.IngestToken); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		body, err := io.ReadAll(io.LimitReader(c.Request().Body, postEventsMaxSize+1))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if len(body) > postEventsMaxSize {
			return c.String(http.StatusRequestEntityTooLarge, "body too large")
		}

		events := make([]domain.Event, 0, 4)
		if err := sonic.Unmarshal(body, &events); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if len(events) == 0 {
			return c.String(http.StatusBadRequest, "no events")
		}
		// reject the whole batch before publishing any of it
		for _, ev := range events {
			if err := ev.Validate(); err != nil {
				return c.String(http.StatusBadRequest, err.Error())
			}
		}

		start := time.Now()
		ctx := c.Request().Context()
		ids := make([]string, 0, len(events))
		duplicates := 0
		for _, ev := range events {
			sent, published, err := bus.PublishOnce(ctx, d.Dedupe, d.Bus, ev)
			if err != nil {
				if errors.Is(err, bus.ErrClosed) {
					return c.String(http.StatusServiceUnavailable, "shutting down")
				}
				d.Logger.WithError(err).WithField("event_id", sent.ID).Error("publish event failed")
				return c.String(http.StatusInternalServerError, "failed to publish events")
			}
			if !published {
				duplicates++
				d.Logger.WithField("event_id", sent.ID).Debug("duplicate event ignored")
			}
			ids = append(ids, sent.ID)
		}
		d.Logger.WithFields(log.Fields{
			"route":      "/api/events",
			"events":     len(events),
			"duplicates": duplicates,
			"total_ms":   time.Since(start).Milliseconds(),
		}).Debug("events accepted")
		return c.JSON(http.StatusAccepted, postEventsResponse{IDs: ids})
	}
}
