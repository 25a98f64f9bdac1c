package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"wiki-realtime/realtime-service/api"
	"wiki-realtime/realtime-service/bus"
	"wiki-realtime/realtime-service/publisher"
	"wiki-realtime/realtime-service/router"
	"wiki-realtime/realtime-service/storage"
)

func main() {
	// a missing .env is fine, the environment may already be populated
	_ = godotenv.Load()

	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tables := storage.Tables{
		Documents:   os.Getenv("DOCUMENTS_TABLE"),
		Collections: os.Getenv("COLLECTIONS_TABLE"),
		Users:       os.Getenv("USERS_TABLE"),
		Memberships: os.Getenv("MEMBERSHIPS_TABLE"),
	}
	if connStr == "" || tables.Documents == "" || tables.Collections == "" || tables.Users == "" || tables.Memberships == "" {
		logger.Fatal("missing storage config")
	}
	eventsQueue := os.Getenv("EVENTS_QUEUE")
	store, err := storage.New(connStr, tables, eventsQueue)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}

	var rc *redis.Client
	if conn := os.Getenv("REDIS_CONNECTION_STRING"); conn != "" {
		rc = redis.NewClient(redisOptions(conn))
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set, running as a single instance without dedupe")
	}

	auth, err := newAuth()
	if err != nil {
		logger.Fatal(err)
	}

	cache := storage.NewCache(store, rc, envDur(logger, "MEMBERSHIP_CACHE_TTL", 5*time.Minute), logger)
	rt := router.New(router.Config{
		QueueSize:    envInt(logger, "ROUTER_QUEUE_SIZE", 0),
		AuthTimeout:  envDur(logger, "ROUTER_AUTH_TIMEOUT", 0),
		PingInterval: envDur(logger, "ROUTER_PING_INTERVAL", 0),
	}, auth, storage.NewDirectory(cache), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var emitter publisher.Emitter = rt
	if rc != nil {
		channel := os.Getenv("REALTIME_CHANNEL")
		if channel == "" {
			channel = "realtime:envelopes"
		}
		emitter = router.NewRedisEmitter(rc, channel)
		go router.SubscribeEnvelopes(ctx, logger, rc, channel, rt, nil)
	}
	pub, err := publisher.New(emitter, store, logger, publisher.Options{})
	if err != nil {
		logger.Fatalf("publisher: %v", err)
	}

	events := bus.New(logger, envDur(logger, "BUS_HANDLER_TIMEOUT", 10*time.Second))
	events.Subscribe("membership-cache", cache)
	events.Subscribe("publisher", pub)

	var deduper bus.Deduper
	if rc != nil {
		deduper = api.NewRedisDeduper(rc, envDur(logger, "DEDUPER_TTL", 24*time.Hour))
	}
	if eventsQueue != "" {
		go bus.ConsumeQueue(ctx, logger, store, deduper, events, time.Second)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	var origins []string
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		origins = strings.Split(v, ",")
	}
	api.Register(e, api.Deps{
		Router:         rt,
		Bus:            events,
		Dedupe:         deduper,
		IngestToken:    os.Getenv("INGEST_TOKEN"),
		AllowedOrigins: origins,
		Logger:         logger,
	})

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("REALTIME_SERVICE_PORT"); ok {
		listenAddr = ":" + val
	}
	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	rt.Close()
	if err := events.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("event bus did not drain")
	}
	if rc != nil {
		_ = rc.Close()
	}
}

func newAuth() (*api.Auth, error) {
	if os.Getenv("AUTH0_TEST_MODE") == "1" {
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			return nil, errors.New("AUTH0_TEST_MODE requires TEST_JWT_SECRET")
		}
		return api.NewAuth(api.AuthConfig{TestSecret: []byte(secret)}), nil
	}
	jwtAudience := os.Getenv("AUTH0_AUDIENCE")
	domain := os.Getenv("AUTH0_DOMAIN")
	if jwtAudience == "" || domain == "" {
		return nil, errors.New("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(api.AuthConfig{
		JWKS:     jwks,
		Audience: jwtAudience,
		Issuer:   "https://" + domain + "/",
	}), nil
}

// redisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func envInt(logger *log.Logger, name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logger.Fatalf("invalid %s: must be a positive integer", name)
	}
	return n
}

func envDur(logger *log.Logger, name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logger.Fatalf("invalid %s: must be a positive duration", name)
	}
	return d
}
