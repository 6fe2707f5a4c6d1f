package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sovereignos/gsep/core/pkg/audit"
	"github.com/sovereignos/gsep/core/pkg/config"
	"github.com/sovereignos/gsep/core/pkg/consensus"
	"github.com/sovereignos/gsep/core/pkg/crypto"
	"github.com/sovereignos/gsep/core/pkg/finality"
	"github.com/sovereignos/gsep/core/pkg/identity"
	"github.com/sovereignos/gsep/core/pkg/ledger"
	"github.com/sovereignos/gsep/core/pkg/pipeline"
)

// kernel bundles everything a run needs, assembled from the environment
// config and the governance profile.
type kernel struct {
	cfg     *config.Config
	profile *config.GovernanceProfile
	logger  *slog.Logger
	ledger  *ledger.Ledger
	store   ledger.Store
	engine  *pipeline.Engine
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lv = slog.LevelDebug
	case "WARN":
		lv = slog.LevelWarn
	case "ERROR":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

func buildKernel(ctx context.Context, profilePath string) (*kernel, error) {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	profile, err := config.LoadProfile(profilePath)
	if err != nil {
		return nil, err
	}

	registry := identity.NewRegistry()
	for _, e := range profile.Electorate {
		if err := registry.Register(identity.Role{
			ID:           e.ID,
			KeyID:        e.KeyID,
			PublicKeyHex: e.PublicKey,
			Weight:       e.Weight,
		}); err != nil {
			return nil, fmt.Errorf("register elector %s: %w", e.ID, err)
		}
	}

	var resolver identity.Resolver = identity.NewCachingResolver(registry)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		resolver = identity.NewRedisResolver(registry, redis.NewClient(opt), 5*time.Minute, logger)
	}

	verifier, err := crypto.NewRoleVerifier(resolver, logger)
	if err != nil {
		return nil, err
	}
	eval, err := consensus.NewEvaluator(verifier, logger)
	if err != nil {
		return nil, err
	}

	vetoes, err := finality.NewVetoEvaluator(profile.VetoRules)
	if err != nil {
		return nil, err
	}

	var riskService finality.ThresholdService
	if profile.Risk.ServiceURL != "" {
		riskService = finality.NewHTTPThresholdService(profile.Risk.ServiceURL, nil)
	}
	risk, err := finality.NewThresholdClient(riskService, finality.ThresholdClientConfig{
		SafeDefault:   profile.Risk.SafeDefaultMargin,
		Timeout:       profile.Risk.Timeout(),
		RatePerSecond: profile.Risk.RatePerSecond,
		BreakerTrips:  profile.Risk.BreakerTrips,
		BreakerReset:  profile.Risk.BreakerReset(),
	}, logger)
	if err != nil {
		return nil, err
	}

	signer, err := authoritySigner(profile)
	if err != nil {
		return nil, err
	}
	store, err := ledgerStore(cfg)
	if err != nil {
		return nil, err
	}
	led, err := ledger.New(signer, store)
	if err != nil {
		return nil, err
	}

	stages, err := pipeline.StandardStages(pipeline.StandardConfig{
		Consensus: eval,
		Electorate: func(context.Context) ([]identity.Role, error) {
			return registry.Roles(), nil
		},
		Threshold:      profile.Quorum.Threshold,
		Vetoes:         vetoes,
		RiskClient:     risk,
		MaxProposalAge: profile.MaxProposalAge(),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	emitter := audit.NewEmitter(100, audit.NewWriterSink(os.Stderr))
	engine, err := pipeline.NewEngine(stages, led, emitter, logger)
	if err != nil {
		return nil, err
	}

	return &kernel{
		cfg:     cfg,
		profile: profile,
		logger:  logger,
		ledger:  led,
		store:   store,
		engine:  engine,
	}, nil
}

func authoritySigner(profile *config.GovernanceProfile) (crypto.Signer, error) {
	if profile.Authority.KeyFile == "" {
		return nil, fmt.Errorf("authority key_file is required to seal records")
	}
	raw, err := os.ReadFile(profile.Authority.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read authority key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("authority key is not hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("authority key must be a %d-byte seed, got %d", ed25519.SeedSize, len(seed))
	}
	keyID := profile.Authority.KeyID
	if keyID == "" {
		keyID = "ledger-authority"
	}
	return crypto.NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}

func ledgerStore(cfg *config.Config) (ledger.Store, error) {
	switch cfg.LedgerBackend {
	case "memory":
		return nil, nil
	case "sqlite":
		return ledger.OpenSQLiteStore(cfg.LedgerPath)
	case "postgres":
		return ledger.OpenPostgresStore(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}
