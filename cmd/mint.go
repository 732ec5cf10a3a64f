package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/go-cashu/mint/mint"
	"github.com/go-cashu/mint/mint/config"
	"github.com/go-cashu/mint/mint/lightning"
	"github.com/go-cashu/mint/mint/server"
	"github.com/go-cashu/mint/mint/storage/bbolt"
)

func main() {
	app := &cli.App{
		Name:  "gocashu-mint",
		Usage: "run a Cashu mint backed by a Lightning node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db-path", Usage: "override MINT_DB_PATH"},
			&cli.UintFlag{Name: "port", Usage: "override MINT_PORT"},
			&cli.StringFlag{Name: "mnemonic", Usage: "restore the mint seed from a BIP-39 mnemonic instead of loading/generating one (only valid against a fresh db-path)"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := newLogger()

	cfg := config.GetConfig()
	if path := c.String("db-path"); path != "" {
		cfg.DBPath = path
	}
	if port := c.Uint("port"); port != 0 {
		cfg.Port = port
	}

	if err := os.MkdirAll(cfg.DBPath, 0700); err != nil {
		return fmt.Errorf("could not prepare db path: %v", err)
	}

	store, err := bbolt.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("could not open storage: %v", err)
	}
	defer store.Close()

	// No real Lightning node backend ships with this mint; operators wire
	// one in by implementing lightning.Client against their node.
	lnClient := lightning.NewFakeBackend()

	var ledger *mint.Mint
	if mnemonic := c.String("mnemonic"); mnemonic != "" {
		ledger, err = mint.NewFromMnemonic(store, lnClient, mnemonic, cfg.DerivationPathIdx, cfg.InputFeePpk, cfg.Limits, logger)
	} else {
		ledger, err = mint.New(store, lnClient, cfg.DerivationPathIdx, cfg.InputFeePpk, cfg.Limits, logger)
	}
	if err != nil {
		return fmt.Errorf("could not start ledger: %v", err)
	}

	mintInfo := config.MintInfo(cfg, firstPubkeyHex(ledger))

	srv := server.New(ledger, store, mintInfo, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("mint listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	return httpServer.Shutdown(context.Background())
}

func firstPubkeyHex(ledger *mint.Mint) string {
	keys := ledger.GetActiveKeyset().PublicKeys()
	if key, ok := keys[1]; ok {
		return hex.EncodeToString(key.SerializeCompressed())
	}
	return ""
}

// newLogger mirrors the reference mint's own handler setup: JSON output,
// source file trimmed to its basename.
func newLogger() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if src, ok := a.Value.Any().(*slog.Source); ok {
					src.File = filepath.Base(src.File)
				}
			}
			return a
		},
	})
	return slog.New(handler)
}
