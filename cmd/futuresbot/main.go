// Command futuresbot manages the exit lifecycle of USDT-M perpetual
// futures positions.
//
//	futuresbot [-config config.toml] [-mode trade|monitor|backtest]
//	futuresbot seal -out secret.json < api_secret.txt
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/futuresbot/internal/app"
	"github.com/alanyoungcy/futuresbot/internal/config"
	"github.com/alanyoungcy/futuresbot/internal/crypto"
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "seal" {
		err = seal(os.Args[2:], os.Stdin)
	} else {
		err = run(os.Args[1:])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "futuresbot: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("futuresbot", flag.ContinueOnError)
	configPath := fs.String("config", "config.toml", "configuration file (.toml, .yaml or .yml)")
	mode := fs.String("mode", "", "override the configured mode (trade, monitor, backtest)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", *configPath, err)
	}
	if *mode != "" {
		cfg.Mode = strings.ToLower(*mode)
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logger.Warn("unknown log level, using info", slog.String("log_level", cfg.LogLevel))
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	err = application.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("futuresbot stopped", slog.String("mode", cfg.Mode))
		return nil
	}
	return err
}

// seal reads an API secret from stdin and writes the encrypted document
// that exchange.encrypted_secret_path points at.
func seal(args []string, stdin io.Reader) error {
	fs := flag.NewFlagSet("seal", flag.ContinueOnError)
	out := fs.String("out", "secret.json", "where to write the sealed secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	password := os.Getenv("FUTBOT_EXCHANGE_SECRET_PASSWORD")
	if password == "" {
		return errors.New("seal: FUTBOT_EXCHANGE_SECRET_PASSWORD must be set")
	}

	secret, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("seal: read secret: %w", err)
	}
	doc, err := crypto.EncryptSecret(secret, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, doc, 0o600); err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	fmt.Fprintf(os.Stderr, "sealed secret written to %s\n", *out)
	return nil
}
