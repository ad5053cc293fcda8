// Package config loads and validates the bundler's yaml configuration and
// resolves it into the runtime dependencies the service wires together.
package config

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	sdkutils "github.com/Layr-Labs/eigensdk-go/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/AvaProtocol/userop-bundler/core/chainio/entrypoint"
	"github.com/AvaProtocol/userop-bundler/core/chainio/signer"
	"github.com/AvaProtocol/userop-bundler/model"
	"github.com/AvaProtocol/userop-bundler/pkg/gasprice"
)

// ConfigRaw is the yaml shape on disk. Everything chain-policy lives here so
// nothing per-chain is hardcoded in the engine packages.
type ConfigRaw struct {
	Environment sdklogging.LogLevel `yaml:"environment"`

	ChainID   uint64 `yaml:"chain_id" validate:"required"`
	EthRpcUrl string `yaml:"eth_rpc_url" validate:"required,url"`

	EntryPointAddress string `yaml:"entry_point_address" validate:"required"`
	EntryPointVersion string `yaml:"entry_point_version"`

	ControllerPrivateKey string `yaml:"controller_private_key" validate:"required"`
	Beneficiary          string `yaml:"beneficiary" validate:"required"`

	VerificationGasLimit uint64 `yaml:"verification_gas_limit"`
	FixedGasCeiling      uint64 `yaml:"fixed_gas_ceiling"`
	WaitTimeoutSeconds   uint64 `yaml:"wait_timeout_seconds"`
	LegacyFees           bool   `yaml:"legacy_fees"`

	GasOracleUrl string                        `yaml:"gas_oracle_url" validate:"omitempty,url"`
	FeeOverrides map[uint64]gasprice.FixedFees `yaml:"fee_overrides"`

	Paymaster PaymasterRaw `yaml:"paymaster"`

	BindAddress string `yaml:"bind_address"`
	DbPath      string `yaml:"db_path" validate:"required"`
}

type PaymasterRaw struct {
	Address             string     `yaml:"address"`
	SigningKey          string     `yaml:"signing_key"`
	ValidWindowSeconds  uint64     `yaml:"valid_window_seconds"`
	RateCacheTTLSeconds uint64     `yaml:"rate_cache_ttl_seconds"`
	ApprovedTokens      []TokenRaw `yaml:"approved_tokens" validate:"dive"`
}

type TokenRaw struct {
	Address    string `yaml:"address" validate:"required"`
	Enabled    bool   `yaml:"enabled"`
	RateSource string `yaml:"rate_source" validate:"required,url"`
	Decimals   uint8  `yaml:"decimals" validate:"required"`
}

// Config is the resolved, validated runtime configuration.
type Config struct {
	Logger sdklogging.Logger

	ChainID   uint64
	EthRpcUrl string

	EntryPointAddress common.Address
	EntryPointVersion string

	ControllerPrivateKey *ecdsa.PrivateKey
	ControllerAddress    common.Address
	Beneficiary          common.Address

	VerificationGasLimit uint64
	FixedGasCeiling      uint64
	WaitTimeout          time.Duration
	LegacyFees           bool

	GasOracleUrl string
	FeeOverrides map[uint64]gasprice.FixedFees

	PaymasterAddress    common.Address
	PaymasterSigningKey *ecdsa.PrivateKey
	ValidWindow         time.Duration
	RateCacheTTL        time.Duration
	ApprovedTokens      []model.ApprovedToken

	BindAddress string
	DbPath      string
}

// NewConfig reads and resolves the config file at path.
func NewConfig(path string) (*Config, error) {
	raw := ConfigRaw{}
	if err := sdkutils.ReadYamlConfig(path, &raw); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := validator.New().Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := sdklogging.NewZapLogger(raw.Environment)
	if err != nil {
		return nil, err
	}

	controllerKey, controllerAddr, err := signer.LoadKey(raw.ControllerPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("controller_private_key: %w", err)
	}

	entryPointAddr, err := parseAddress("entry_point_address", raw.EntryPointAddress)
	if err != nil {
		return nil, err
	}
	beneficiary, err := parseAddress("beneficiary", raw.Beneficiary)
	if err != nil {
		return nil, err
	}

	version := raw.EntryPointVersion
	if version == "" {
		version = entrypoint.SchemaV06
	}
	if _, err := entrypoint.SchemaForVersion(version); err != nil {
		return nil, err
	}

	cfg := &Config{
		Logger:               logger,
		ChainID:              raw.ChainID,
		EthRpcUrl:            raw.EthRpcUrl,
		EntryPointAddress:    entryPointAddr,
		EntryPointVersion:    version,
		ControllerPrivateKey: controllerKey,
		ControllerAddress:    controllerAddr,
		Beneficiary:          beneficiary,
		VerificationGasLimit: raw.VerificationGasLimit,
		FixedGasCeiling:      raw.FixedGasCeiling,
		WaitTimeout:          time.Duration(raw.WaitTimeoutSeconds) * time.Second,
		LegacyFees:           raw.LegacyFees,
		GasOracleUrl:         raw.GasOracleUrl,
		FeeOverrides:         raw.FeeOverrides,
		ValidWindow:          time.Duration(raw.Paymaster.ValidWindowSeconds) * time.Second,
		RateCacheTTL:         time.Duration(raw.Paymaster.RateCacheTTLSeconds) * time.Second,
		BindAddress:          raw.BindAddress,
		DbPath:               raw.DbPath,
	}

	if cfg.BindAddress == "" {
		cfg.BindAddress = ":4337"
	}
	if cfg.FixedGasCeiling == 0 {
		cfg.FixedGasCeiling = 30000000
	}

	if raw.Paymaster.Address != "" {
		cfg.PaymasterAddress, err = parseAddress("paymaster.address", raw.Paymaster.Address)
		if err != nil {
			return nil, err
		}

		// the paymaster signs with its own key unless it shares the
		// controller's
		if raw.Paymaster.SigningKey != "" {
			cfg.PaymasterSigningKey, _, err = signer.LoadKey(raw.Paymaster.SigningKey)
			if err != nil {
				return nil, fmt.Errorf("paymaster.signing_key: %w", err)
			}
		} else {
			cfg.PaymasterSigningKey = controllerKey
		}

		for _, t := range raw.Paymaster.ApprovedTokens {
			addr, err := parseAddress("paymaster.approved_tokens.address", t.Address)
			if err != nil {
				return nil, err
			}
			cfg.ApprovedTokens = append(cfg.ApprovedTokens, model.ApprovedToken{
				Address:    addr,
				Enabled:    t.Enabled,
				RateSource: t.RateSource,
				Decimals:   t.Decimals,
			})
		}
	}

	return cfg, nil
}

// SponsorshipEnabled reports whether this deployment runs a paymaster at all.
func (c *Config) SponsorshipEnabled() bool {
	return c.PaymasterAddress != (common.Address{})
}

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", field, value)
	}
	return common.HexToAddress(value), nil
}
