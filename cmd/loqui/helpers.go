package main

import (
	"fmt"
	"os"

	loqui "github.com/loqui-im/loqui-go"
	"go.uber.org/zap"
)

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine internals to stderr")
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// newEngine builds an Engine from the stored session, exiting with a hint if
// the session is incomplete.
func newEngine() *loqui.Engine {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No service URL. Run 'loqui init <base-url>' first.")
		os.Exit(1)
	}
	if cfg.Session.Token == "" || cfg.Session.UserID == "" {
		fmt.Fprintln(os.Stderr, "No session. Set session.token and session.user_id via 'loqui config set'.")
		os.Exit(1)
	}

	eng, err := loqui.NewEngine(loqui.EngineConfig{
		BaseURL:  cfg.Default.BaseURL,
		Token:    cfg.Session.Token,
		UserID:   cfg.Session.UserID,
		Role:     loqui.Role(cfg.Session.Role),
		OfficeID: cfg.Default.OfficeID,
		Logger:   newLogger(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build engine: %v\n", err)
		os.Exit(1)
	}
	return eng
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
