// Package bundler wires the storage, chain clients and engines into one
// long-running service exposing the json-rpc surface.
package bundler

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/labstack/echo/v4"

	"github.com/AvaProtocol/userop-bundler/core/chainio/entrypoint"
	paymasterio "github.com/AvaProtocol/userop-bundler/core/chainio/paymaster"
	"github.com/AvaProtocol/userop-bundler/core/config"
	"github.com/AvaProtocol/userop-bundler/core/gas"
	"github.com/AvaProtocol/userop-bundler/core/paymaster"
	"github.com/AvaProtocol/userop-bundler/core/submitter"
	"github.com/AvaProtocol/userop-bundler/pkg/gasprice"
	"github.com/AvaProtocol/userop-bundler/storage"
	"github.com/AvaProtocol/userop-bundler/version"
)

type BundlerStatus string

const (
	initStatus     BundlerStatus = "init"
	runningStatus  BundlerStatus = "running"
	shutdownStatus BundlerStatus = "shutdown"
)

func RunWithConfig(configPath string) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		panic(fmt.Errorf("failed to parse config file: %s\nmake sure it exists and is a valid yaml file %w", configPath, err))
	}

	b, err := NewBundler(cfg)
	if err != nil {
		panic(fmt.Errorf("cannot initialize bundler from config: %w", err))
	}

	return b.Start(context.Background())
}

type Bundler struct {
	logger logging.Logger
	config *config.Config
	db     storage.Storage

	ethClient *ethclient.Client
	chainID   *big.Int

	entryPoint *entrypoint.Client
	estimator  *gas.Estimator
	submitter  *submitter.Submitter

	// nil when this deployment runs without a paymaster
	sponsor *paymaster.Engine

	httpServer *echo.Echo

	// status is read by the health endpoint while Start/Stop write it
	status atomic.Value
}

func (b *Bundler) setStatus(s BundlerStatus) {
	b.status.Store(s)
}

func (b *Bundler) Status() BundlerStatus {
	if s, ok := b.status.Load().(BundlerStatus); ok {
		return s
	}
	return initStatus
}

// NewBundler creates the service from a resolved config.
func NewBundler(cfg *config.Config) (*Bundler, error) {
	logger := cfg.Logger

	ethClient, err := ethclient.Dial(cfg.EthRpcUrl)
	if err != nil {
		logger.Error("cannot connect to eth rpc", "url", cfg.EthRpcUrl, "err", err)
		return nil, err
	}

	chainID, err := ethClient.ChainID(context.Background())
	if err != nil {
		logger.Error("cannot get chain id", "err", err)
		return nil, err
	}
	if chainID.Uint64() != cfg.ChainID {
		return nil, fmt.Errorf("configured chain id %d but node reports %s", cfg.ChainID, chainID)
	}

	db, err := storage.NewWithPath(cfg.DbPath)
	if err != nil {
		logger.Error("cannot open storage", "path", cfg.DbPath, "err", err)
		return nil, err
	}

	entryPoint, err := entrypoint.NewClient(cfg.EntryPointAddress, cfg.EntryPointVersion, ethClient)
	if err != nil {
		return nil, err
	}

	var oracle *gasprice.Oracle
	if cfg.GasOracleUrl != "" || len(cfg.FeeOverrides) > 0 {
		oracle = gasprice.NewOracle(cfg.GasOracleUrl, cfg.ChainID, cfg.FeeOverrides, logger)
	}

	estimator := gas.NewEstimator(ethClient, entryPoint, oracle, cfg.VerificationGasLimit, logger)

	sub := submitter.New(
		ethClient,
		entryPoint,
		db,
		cfg.ControllerPrivateKey,
		cfg.ControllerAddress,
		chainID,
		submitter.Config{
			Beneficiary:     cfg.Beneficiary,
			FixedGasCeiling: cfg.FixedGasCeiling,
			LegacyFees:      cfg.LegacyFees,
			WaitTimeout:     cfg.WaitTimeout,
		},
		logger,
	)

	b := &Bundler{
		logger:     logger,
		config:     cfg,
		db:         db,
		ethClient:  ethClient,
		chainID:    chainID,
		entryPoint: entryPoint,
		estimator:  estimator,
		submitter:  sub,
	}
	b.setStatus(initStatus)

	if cfg.SponsorshipEnabled() {
		rates, err := paymaster.NewRateFetcher(cfg.RateCacheTTL, logger)
		if err != nil {
			return nil, err
		}

		contract, err := paymasterio.NewClient(cfg.PaymasterAddress, ethClient)
		if err != nil {
			return nil, err
		}

		b.sponsor = paymaster.NewEngine(
			cfg.ChainID,
			cfg.ApprovedTokens,
			rates,
			contract,
			cfg.PaymasterSigningKey,
			cfg.ValidWindow,
			logger,
		)
	}

	return b, nil
}

// Start runs the rpc server until the process receives SIGINT or SIGTERM.
func (b *Bundler) Start(ctx context.Context) error {
	b.logger.Info("starting bundler",
		"version", version.Get(),
		"chain", b.chainID.String(),
		"entryPoint", b.entryPoint.Address().Hex(),
		"controller", b.config.ControllerAddress.Hex(),
		"sponsorship", b.sponsor != nil,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.startRpcServer(ctx)
	go b.runStorageGC(ctx)
	b.setStatus(runningStatus)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	return b.Stop(ctx)
}

// runStorageGC reclaims badger value-log space while the service runs. Badger
// only rewrites logs when enough garbage accumulated, so errors from a no-op
// pass are expected and dropped.
func (b *Bundler) runStorageGC(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.db.Vacuum(); err == nil {
				b.logger.Debug("storage gc reclaimed space")
			}
		}
	}
}

func (b *Bundler) Stop(ctx context.Context) error {
	b.logger.Info("shutting down bundler")
	b.setStatus(shutdownStatus)

	if b.httpServer != nil {
		if err := b.httpServer.Shutdown(ctx); err != nil {
			b.logger.Error("rpc server shutdown", "err", err)
		}
	}

	return b.db.Close()
}
