package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"wiki-realtime/realtime-client/receiver"
	"wiki-realtime/shared/protocol"
)

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

type counter struct {
	messages atomic.Uint64
}

func (c *counter) Dispatch(context.Context, protocol.Message) { c.messages.Add(1) }

// loadTokens reads the JSON array written by gen-token, falling back to a
// single shared bearer.
func loadTokens() ([]string, error) {
	if path := os.Getenv("TOKENS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var tokens []string
		if err := sonic.Unmarshal(data, &tokens); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if len(tokens) == 0 {
			return nil, errors.New("tokens file is empty")
		}
		return tokens, nil
	}
	if bearer := os.Getenv("TEST_BEARER"); bearer != "" {
		return []string{bearer}, nil
	}
	return nil, errors.New("set TOKENS_FILE or TEST_BEARER")
}

func main() {
	realtimeURL := getenv("REALTIME_URL", "ws://localhost:8080/realtime")
	conns := getenvInt("WS_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second

	tokens, err := loadTokens()
	if err != nil {
		log.Fatal(err)
	}
	logger := log.New()
	logger.SetLevel(log.WarnLevel)

	var (
		attempts atomic.Uint64
		failures atomic.Uint64
		rejected atomic.Uint64
		msgs     counter
	)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(conns)
	for i := range conns {
		cfg := receiver.Config{URL: realtimeURL, Token: tokens[i%len(tokens)], Logger: logger}
		go func() {
			defer wg.Done()
			backoff := time.Second
			for ctx.Err() == nil {
				attempts.Add(1)
				sess, err := receiver.Dial(ctx, cfg, &msgs)
				if errors.Is(err, receiver.ErrAuthRejected) {
					rejected.Add(1)
					return
				}
				if err != nil {
					if ctx.Err() == nil {
						failures.Add(1)
					}
					time.Sleep(backoff)
					backoff = min(backoff*2, 5*time.Second)
					continue
				}
				backoff = time.Second
				_ = sess.Run(ctx)
				_ = sess.Close()
				if ctx.Err() == nil {
					failures.Add(1)
				}
			}
		}()
	}

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if msgs.messages.Load() == 0 {
				fmt.Println("no messages received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	failureRate := 0.0
	if n := attempts.Load(); n > 0 {
		failureRate = float64(failures.Load()) / float64(n)
	}
	fmt.Printf("connections=%d duration_sec=%d messages_received=%d connection_failures=%d auth_rejected=%d\n",
		conns, int(duration.Seconds()), msgs.messages.Load(), failures.Load(), rejected.Load())
	if msgs.messages.Load() == 0 || failureRate > 0.01 || rejected.Load() > 0 {
		os.Exit(1)
	}
}
