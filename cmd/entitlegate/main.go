package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entitlegate/entitlegate/internal/api"
	"github.com/entitlegate/entitlegate/internal/config"
	"github.com/entitlegate/entitlegate/internal/entitlement"
	"github.com/entitlegate/entitlegate/internal/gate"
	"github.com/entitlegate/entitlegate/internal/license"
	"github.com/entitlegate/entitlegate/internal/logging"
	"github.com/entitlegate/entitlegate/internal/provider"
	"github.com/entitlegate/entitlegate/internal/quota"
	"github.com/entitlegate/entitlegate/internal/risk"
	"github.com/entitlegate/entitlegate/internal/tier"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:     "entitlegate",
	Short:   "Entitlegate - tiered entitlement enforcement and AI provider routing",
	Long:    `Entitlegate verifies license tokens, enforces tier entitlements and quotas, routes AI requests to backend providers, and escalates risky operations for human confirmation`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Entitlegate %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Config directory (default /etc/entitlegate)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(licenseCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline defaults for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "entitlegate",
	})

	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlegate",
	})

	log.Info().Str("version", Version).Msg("Starting entitlegate server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, stores, err := buildService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize gate service")
	}
	stores.escalations.StartCleanup(ctx)
	stores.quotas.StartCleanup(ctx)
	stores.licenses.StartCleanup(ctx)

	// Watch the policy files so matrix, limits and provider changes
	// apply without a restart. A bad file keeps the prior snapshot.
	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, policy changes will require restart")
	} else {
		watcher.OnMatrixChange(func(path string) {
			if err := stores.matrix.ReloadFromFile(path); err != nil {
				log.Error().Err(err).Msg("Entitlement matrix reload rejected, keeping prior snapshot")
			}
		})
		watcher.OnLimitsChange(func(path string) {
			limits, err := config.LoadLimits(path)
			if err != nil {
				log.Error().Err(err).Msg("Quota limits reload rejected, keeping prior limits")
				return
			}
			stores.quotas.SetLimits(limits)
			log.Info().Msg("Quota limits reloaded")
		})
		watcher.OnProvidersChange(func(path string) {
			log.Warn().Str("path", path).Msg("Provider config changed, restart to apply")
		})
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(service, Version),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			log.Info().Msg("Received SIGHUP, reloading policy files")
			if watcher != nil {
				watcher.Reload()
			}
			continue
		}
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Persist counters and escalations before exit.
	stores.quotas.Flush()
	stores.escalations.Flush()
	log.Info().Msg("Shutdown complete")
}

// serviceStores holds the stateful components main keeps handles on
// for reloads and shutdown flushing.
type serviceStores struct {
	matrix      *entitlement.Store
	licenses    *license.Verifier
	quotas      *quota.Tracker
	escalations *risk.Store
}

func buildService(cfg *config.Config) (*gate.Service, *serviceStores, error) {
	remote, err := buildRemoteVerifier(cfg)
	if err != nil {
		return nil, nil, err
	}
	licenses := license.NewVerifier(remote, license.VerifierConfig{
		CacheTTL:    cfg.LicenseCacheTTL,
		GracePeriod: cfg.LicenseGrace,
	})

	matrix, err := entitlement.LoadFile(cfg.MatrixPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load entitlement matrix: %w", err)
	}
	matrixStore, err := entitlement.NewStore(matrix)
	if err != nil {
		return nil, nil, err
	}

	limits, err := config.LoadLimits(cfg.LimitsPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load quota limits: %w", err)
	}
	quotas, err := quota.NewTracker(quota.TrackerConfig{
		Limits:  limits,
		DataDir: cfg.DataDir,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init quota tracker: %w", err)
	}

	router, err := provider.LoadFile(cfg.ProvidersPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load provider config: %w", err)
	}

	escalations, err := risk.NewStore(risk.StoreConfig{
		DataDir:        cfg.DataDir,
		DefaultTimeout: cfg.EscalationTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init escalation store: %w", err)
	}

	assessor := risk.NewAssessor(cfg.RiskThreshold)
	service := gate.NewService(licenses, matrixStore, quotas, router, assessor, escalations)
	return service, &serviceStores{
		matrix:      matrixStore,
		licenses:    licenses,
		quotas:      quotas,
		escalations: escalations,
	}, nil
}

func buildRemoteVerifier(cfg *config.Config) (license.RemoteVerifier, error) {
	if cfg.LicenseEndpoint != "" {
		return license.NewHTTPVerifier(cfg.LicenseEndpoint, cfg.LicenseTimeout), nil
	}
	if cfg.LicensePublicKey == "" {
		return nil, fmt.Errorf("either a license endpoint or a license public key is required")
	}
	key, err := base64.StdEncoding.DecodeString(cfg.LicensePublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode license public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("license public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return license.NewSignatureVerifier(ed25519.PublicKey(key)), nil
}

var checkCmd = &cobra.Command{
	Use:   "check <capability>",
	Short: "Run a one-shot gate check against the local configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		amount, _ := cmd.Flags().GetInt64("amount")
		if token == "" {
			return fmt.Errorf("--token is required")
		}
		if _, err := tier.ParseCapability(args[0]); err != nil {
			return err
		}

		logging.Init(logging.Config{Format: "console", Level: "warn", Component: "entitlegate"})
		cfg, err := config.Load(configDir)
		if err != nil {
			return err
		}
		service, _, err := buildService(cfg)
		if err != nil {
			return err
		}

		capability, _ := tier.ParseCapability(args[0])
		decision, err := service.Check(cmd.Context(), gate.Request{
			Token:      token,
			Capability: capability,
			Amount:     amount,
		})
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(decision, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	checkCmd.Flags().String("token", "", "License token to check")
	checkCmd.Flags().Int64("amount", 1, "Quota amount to request")
}

var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "License token utilities for development",
}

var licenseGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a fresh keypair and signed license token",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		tierName, _ := cmd.Flags().GetString("tier")
		validity, _ := cmd.Flags().GetDuration("validity")

		tr, err := tier.ParseTier(tierName)
		if err != nil {
			return err
		}

		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generate keypair: %w", err)
		}

		now := time.Now()
		token, err := license.GenerateToken(license.Claims{
			LicenseID: fmt.Sprintf("lic-%d", now.Unix()),
			SubjectID: subject,
			Tier:      tr,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(validity).Unix(),
		}, priv)
		if err != nil {
			return err
		}

		fmt.Printf("public key: %s\n", base64.StdEncoding.EncodeToString(pub))
		fmt.Printf("token:      %s\n", token)
		return nil
	},
}

var licenseInspectCmd = &cobra.Command{
	Use:   "inspect <token>",
	Short: "Decode a license token without verifying its signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		claims, err := license.DecodeClaims(args[0])
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(claims, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	licenseGenerateCmd.Flags().String("subject", "dev-subject", "Subject ID for the token")
	licenseGenerateCmd.Flags().String("tier", "team", "Tier the token grants")
	licenseGenerateCmd.Flags().Duration("validity", 365*24*time.Hour, "Token validity window")
	licenseCmd.AddCommand(licenseGenerateCmd)
	licenseCmd.AddCommand(licenseInspectCmd)
}
