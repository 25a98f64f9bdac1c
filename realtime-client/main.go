package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"wiki-realtime/realtime-client/api"
	"wiki-realtime/realtime-client/config"
	"wiki-realtime/realtime-client/reconcile"
	"wiki-realtime/realtime-client/receiver"
)

func main() {
	app := &cli.Command{
		Name:  "realtime-client",
		Usage: "Follow wiki changes over the realtime channel",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging",
				Sources: cli.EnvVars("DEBUG"),
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Configuration file path",
				Sources: cli.EnvVars("REALTIME_CLIENT_CONFIG"),
			},
		},
		Commands: []*cli.Command{watchCommand()},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Keep a local cache in sync and report conflicting edits",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "Realtime websocket endpoint", Sources: cli.EnvVars("REALTIME_URL")},
			&cli.StringFlag{Name: "api-url", Usage: "Wiki API base URL", Sources: cli.EnvVars("WIKI_API_URL")},
			&cli.StringFlag{Name: "token", Usage: "Bearer token", Sources: cli.EnvVars("REALTIME_TOKEN")},
			&cli.StringFlag{Name: "user-id", Usage: "Local user id, defaults to the token subject"},
			&cli.StringFlag{Name: "focus", Usage: "Document treated as open in the editor"},
			&cli.StringSliceFlag{Name: "document", Usage: "Document to preload (repeatable)"},
			&cli.DurationFlag{Name: "min-backoff", Usage: "Initial reconnect delay"},
			&cli.DurationFlag{Name: "max-backoff", Usage: "Maximum reconnect delay"},
		},
		Action: runWatch,
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if cmd.IsSet("url") {
		cfg.URL = cmd.String("url")
	}
	if cmd.IsSet("api-url") {
		cfg.APIURL = cmd.String("api-url")
	}
	if cmd.IsSet("token") {
		cfg.Token = cmd.String("token")
	}
	if cmd.IsSet("user-id") {
		cfg.UserID = cmd.String("user-id")
	}
	if cmd.IsSet("focus") {
		cfg.Focus = cmd.String("focus")
	}
	if cmd.IsSet("document") {
		cfg.Documents = cmd.StringSlice("document")
	}
	if cmd.IsSet("min-backoff") {
		cfg.MinBackoff = config.Duration{Duration: cmd.Duration("min-backoff")}
	}
	if cmd.IsSet("max-backoff") {
		cfg.MaxBackoff = config.Duration{Duration: cmd.Duration("max-backoff")}
	}
	if cfg.Token == "" {
		return nil, errors.New("a token is required")
	}
	if cfg.UserID == "" {
		cfg.UserID, err = tokenSubject(cfg.Token)
		if err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

// tokenSubject reads the sub claim without verifying the signature; the
// server does that.
func tokenSubject(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("token has no subject, pass --user-id")
	}
	return sub, nil
}

type staticFocus string

func (s staticFocus) FocusedDocumentID() string { return string(s) }

type logNotifier struct {
	logger *log.Logger
}

func (n logNotifier) Notify(note reconcile.Notification) {
	entry := n.logger.WithField("timeout", note.Timeout)
	if note.Action != nil {
		entry = entry.WithField("action", note.Action.Text)
	}
	entry.Warn(note.Message)
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	logger := log.New()
	if cmd.Bool("debug") {
		logger.SetLevel(log.DebugLevel)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	client := api.New(cfg.APIURL, cfg.Token)
	cache := reconcile.NewCache()
	preload(ctx, logger, client, cache, cfg.Documents)

	engine := reconcile.NewEngine(cache, client, reconcile.Options{
		UserID:   cfg.UserID,
		Focus:    staticFocus(cfg.Focus),
		Notifier: logNotifier{logger: logger},
		Refresh: func() {
			doc, err := client.Document(ctx, cfg.Focus, true)
			if err != nil {
				logger.WithError(err).Warn("reload focused document")
				return
			}
			cache.PutDocument(doc)
		},
		Logger: logger,
	})
	defer engine.Wait()

	rcfg := receiver.Config{
		URL:   cfg.URL,
		Token: cfg.Token,
		OnRejected: func(reason string) {
			logNotifier{logger: logger}.Notify(reconcile.Notification{Message: "Sign in again: " + reason})
		},
		Logger: logger,
	}

	backoff := cfg.MinBackoff.Duration
	connected := false
	for {
		sess, err := receiver.Dial(ctx, rcfg, engine)
		if errors.Is(err, receiver.ErrAuthRejected) {
			return err
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.WithError(err).WithField("retry_in", backoff).Warn("realtime connection failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, cfg.MaxBackoff.Duration)
			continue
		}
		backoff = cfg.MinBackoff.Duration
		logger.WithField("rooms", sess.Rooms()).Info("realtime connected")
		if connected {
			// nothing sent while disconnected is replayed
			engine.Refresh(ctx)
		}
		connected = true

		err = sess.Run(ctx)
		_ = sess.Close()
		if ctx.Err() != nil {
			return nil
		}
		logger.WithError(err).Warn("realtime connection lost")
	}
}

func preload(ctx context.Context, logger *log.Logger, client *api.Client, cache *reconcile.Cache, ids []string) {
	cols, err := client.Collections(ctx)
	if err != nil {
		logger.WithError(err).Warn("list collections")
	}
	for _, c := range cols {
		cache.PutCollection(c)
	}
	for _, id := range ids {
		doc, err := client.Document(ctx, id, false)
		if err != nil {
			logger.WithError(err).WithField("document_id", id).Warn("preload document")
			continue
		}
		cache.PutDocument(doc)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
