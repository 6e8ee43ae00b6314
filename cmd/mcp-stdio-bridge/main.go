package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gaspardpetit/mcp-stdio-bridge/core/logx"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/bridge"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/config"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()
	if *showVersion {
		fmt.Printf("mcp-stdio-bridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
		// explicit flags win over the file
		_ = flag.CommandLine.Parse(os.Args[1:])
	}
	logx.Configure(cfg.LogLevel, cfg.LogFormat)

	b, err := bridge.New(cfg, bridge.Options{
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Log:     logx.Log,
		Version: bridge.VersionInfo{Version: version, BuildSHA: buildSHA, BuildDate: buildDate},
	})
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := b.Run(ctx); err != nil {
		logx.Log.Fatal().Err(err).Msg("bridge stopped")
	}
}
