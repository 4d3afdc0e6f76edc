package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/yakoovad/review-payouts/internal/auth"
	"github.com/yakoovad/review-payouts/internal/config"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	tokenType := flag.String("type", string(auth.TokenTypeAdmin), "token type: admin or watcher")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	tt := auth.TokenType(*tokenType)
	if tt != auth.TokenTypeAdmin && tt != auth.TokenTypeWatcher {
		fmt.Fprintf(os.Stderr, "unknown token type %q\n", *tokenType)
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	token, err := auth.GenerateToken(cfg.Auth.Secret, tt, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate token:", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
