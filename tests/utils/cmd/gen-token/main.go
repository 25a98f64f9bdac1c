package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	testutil "wiki-realtime/tests/utils"
)

func main() {
	var (
		count    int
		prefix   string
		start    int
		output   string
		ttl      time.Duration
		audience string
	)
	flag.IntVar(&count, "count", 1, "number of tokens to generate")
	flag.StringVar(&prefix, "prefix", "perf-user", "prefix for generated user IDs when count > 1")
	flag.IntVar(&start, "start", 1, "starting index for generated user IDs when count > 1")
	flag.StringVar(&output, "output", "", "file to write generated tokens as a JSON array")
	flag.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	flag.StringVar(&audience, "audience", "", "aud claim, omitted when empty")
	flag.Parse()

	if count < 1 {
		log.Fatal("count must be at least 1")
	}
	if start < 1 {
		log.Fatal("start index must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}

	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		log.Fatal("TEST_JWT_SECRET must be set")
	}
	opts := testutil.TokenOptions{TTL: ttl, Audience: audience}

	tokens := make([]string, count)
	for i := range tokens {
		tok, err := testutil.SignToken([]byte(secret), userID(args, prefix, count, start+i), opts)
		if err != nil {
			log.Fatalf("generate token: %v", err)
		}
		tokens[i] = tok
	}

	if output != "" {
		if err := writeTokens(output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func userID(args []string, prefix string, count, index int) string {
	switch {
	case len(args) > 0:
		return args[0]
	case count == 1:
		return prefix
	default:
		return fmt.Sprintf("%s-%d", prefix, index)
	}
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
