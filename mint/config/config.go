// Package config loads the mint's process configuration from the
// environment, the teacher's own approach to configuration (no config
// file format, no flags framework beyond the CLI entrypoint's own).
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/go-cashu/mint/cashu"
	"github.com/go-cashu/mint/cashu/nuts/nut06"
	"github.com/go-cashu/mint/mint"
)

const (
	envPort              = "MINT_PORT"
	envDBPath            = "MINT_DB_PATH"
	envDerivationPathIdx = "MINT_DERIVATION_PATH_IDX"
	envInputFeePpk       = "MINT_INPUT_FEE_PPK"
	envMaxMintAmount     = "MINT_MAX_MINT_AMOUNT"
	envMaxMeltAmount     = "MINT_MAX_MELT_AMOUNT"
	envMaxBalance        = "MINT_MAX_BALANCE"
	envName              = "MINT_NAME"
	envDescription       = "MINT_DESCRIPTION"
	envMotd              = "MINT_MOTD"
)

// Config is the mint process's runtime configuration, loaded once at
// startup from the environment (and a .env file, if present).
type Config struct {
	Port              uint
	DBPath            string
	DerivationPathIdx uint32
	InputFeePpk       uint

	Limits mint.Limits

	Name        string
	Description string
	Motd        string
}

// GetConfig loads Config from the environment, calling log.Fatalf on any
// malformed value — a misconfigured mint must never start silently
// degraded.
func GetConfig() Config {
	godotenv.Load()

	cfg := Config{
		Port:        getUintEnv(envPort, 3338),
		DBPath:      getDBPath(),
		Name:        getStringEnv(envName, "gocashu mint"),
		Description: getStringEnv(envDescription, ""),
		Motd:        getStringEnv(envMotd, ""),
	}

	cfg.DerivationPathIdx = uint32(getUintEnv(envDerivationPathIdx, 0))
	cfg.InputFeePpk = getUintEnv(envInputFeePpk, 0)

	cfg.Limits = mint.Limits{
		MaxMintAmount: uint64(getUintEnv(envMaxMintAmount, 0)),
		MaxMeltAmount: uint64(getUintEnv(envMaxMeltAmount, 0)),
		MaxBalance:    uint64(getUintEnv(envMaxBalance, 0)),
	}

	return cfg
}

func getDBPath() string {
	if path := os.Getenv(envDBPath); path != "" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("could not determine home directory: %v", err)
	}
	path := filepath.Join(home, ".gocashu", "mint")
	if err := os.MkdirAll(path, 0700); err != nil {
		log.Fatalf("could not create mint data directory: %v", err)
	}
	return path
}

func getStringEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getUintEnv(key string, fallback uint) uint {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid value for %s: %v", key, err)
	}
	return uint(parsed)
}

// MintInfo builds the /info response from cfg and the ledger's active
// keyset public key, per spec.md's ambient-info endpoint.
func MintInfo(cfg Config, activeKeysetPubkey string) nut06.MintInfo {
	return nut06.MintInfo{
		Name:        cfg.Name,
		Pubkey:      activeKeysetPubkey,
		Version:     fmt.Sprintf("gocashu/%s", "0.1.0"),
		Description: cfg.Description,
		Motd:        cfg.Motd,
		Nuts: nut06.NutsMap{
			1: nut06.NutSetting{Methods: []nut06.MethodSetting{{Method: cashu.BOLT11Method, Unit: cashu.Sat.String()}}},
			2: nut06.NutSetting{},
			6: nut06.NutSetting{},
		},
	}
}
