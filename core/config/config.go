package config

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// Defaults applied when the config file omits a field. The entry point is the
// canonical v0.6 deployment.
const (
	DefaultEntryPoint         = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
	DefaultHttpBindAddress    = ":4337"
	DefaultDbPath             = "/tmp/ap-bundler"
	DefaultMaxBundleSize      = 10
	DefaultBundleIntervalMs   = 15000
	DefaultSubmitWaitSeconds  = 90
	DefaultMaxAttempts        = 5
	DefaultStagingTTL         = time.Hour
	DefaultReceiptTTL         = 24 * time.Hour
	DefaultSimulationGasLimit = uint64(15_000_000)
)

// Config carries everything the bundler service needs at runtime: the chain
// client, signing identity, entry point and the scheduling knobs.
type Config struct {
	Logger sdklogging.Logger

	EthRpcUrl     string
	EthHttpClient *ethclient.Client
	ChainID       *big.Int

	EntryPointAddress  common.Address
	BeneficiaryAddress common.Address

	EcdsaPrivateKey *ecdsa.PrivateKey
	BundlerAddress  common.Address

	HttpBindAddress string
	DbPath          string

	MaxBundleSize      int
	BundleInterval     time.Duration
	SubmitWaitTimeout  time.Duration
	MaxAttempts        int
	StagingTTL         time.Duration
	ReceiptTTL         time.Duration
	SimulationGasLimit uint64

	Environment sdklogging.LogLevel
}

// ConfigRaw is the yaml shape read from disk. String fields run through
// os.ExpandEnv first so secrets can live in environment variables, e.g.
// ecdsa_private_key: ${BUNDLER_PRIVATE_KEY}.
type ConfigRaw struct {
	Environment       sdklogging.LogLevel `yaml:"environment"`
	EthRpcUrl         string              `yaml:"eth_rpc_url" validate:"required,url"`
	EntryPointAddress string              `yaml:"entrypoint_address" validate:"omitempty,eth_addr"`
	Beneficiary       string              `yaml:"beneficiary_address" validate:"omitempty,eth_addr"`
	EcdsaPrivateKey   string              `yaml:"ecdsa_private_key" validate:"required"`
	HttpBindAddress   string              `yaml:"http_bind_address"`
	DbPath            string              `yaml:"db_path"`

	MaxBundleSize      int    `yaml:"max_bundle_size" validate:"omitempty,gt=0"`
	BundleIntervalMs   int    `yaml:"bundle_interval_ms" validate:"omitempty,gt=0"`
	SubmitWaitSeconds  int    `yaml:"submit_wait_seconds" validate:"omitempty,gt=0"`
	MaxAttempts        int    `yaml:"max_attempts" validate:"omitempty,gt=0"`
	StagingTTLMinutes  int    `yaml:"staging_ttl_minutes" validate:"omitempty,gt=0"`
	ReceiptTTLMinutes  int    `yaml:"receipt_ttl_minutes" validate:"omitempty,gt=0"`
	SimulationGasLimit uint64 `yaml:"simulation_gas_limit"`
}

// NewConfig parses the yaml config file, applies defaults and builds the
// shared chain client and logger.
func NewConfig(configFilePath string) (*Config, error) {
	raw, err := readRaw(configFilePath)
	if err != nil {
		return nil, err
	}

	if err := validator.New().Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFilePath, err)
	}

	lgr, err := logger.New(raw.Environment)
	if err != nil {
		return nil, err
	}

	ethRpcClient, err := ethclient.Dial(raw.EthRpcUrl)
	if err != nil {
		lgr.Errorf("Cannot create http ethclient: %v", err)
		return nil, err
	}

	ecdsaPrivateKey, err := crypto.HexToECDSA(strip0x(raw.EcdsaPrivateKey))
	if err != nil {
		lgr.Errorf("Cannot parse ecdsa private key: %v", err)
		return nil, err
	}
	bundlerAddress := crypto.PubkeyToAddress(ecdsaPrivateKey.PublicKey)

	chainID, err := ethRpcClient.ChainID(context.Background())
	if err != nil {
		lgr.Error("Cannot get chainId", "err", err)
		return nil, err
	}

	entryPoint := common.HexToAddress(DefaultEntryPoint)
	if raw.EntryPointAddress != "" {
		entryPoint = common.HexToAddress(raw.EntryPointAddress)
	}

	// Fees default back to the signing account when no beneficiary is set.
	beneficiary := bundlerAddress
	if raw.Beneficiary != "" {
		beneficiary = common.HexToAddress(raw.Beneficiary)
	}

	cfg := &Config{
		Logger:             lgr,
		EthRpcUrl:          raw.EthRpcUrl,
		EthHttpClient:      ethRpcClient,
		ChainID:            chainID,
		EntryPointAddress:  entryPoint,
		BeneficiaryAddress: beneficiary,
		EcdsaPrivateKey:    ecdsaPrivateKey,
		BundlerAddress:     bundlerAddress,
		HttpBindAddress:    withDefault(raw.HttpBindAddress, DefaultHttpBindAddress),
		DbPath:             withDefault(raw.DbPath, DefaultDbPath),
		MaxBundleSize:      withDefaultInt(raw.MaxBundleSize, DefaultMaxBundleSize),
		BundleInterval:     time.Duration(withDefaultInt(raw.BundleIntervalMs, DefaultBundleIntervalMs)) * time.Millisecond,
		SubmitWaitTimeout:  time.Duration(withDefaultInt(raw.SubmitWaitSeconds, DefaultSubmitWaitSeconds)) * time.Second,
		MaxAttempts:        withDefaultInt(raw.MaxAttempts, DefaultMaxAttempts),
		StagingTTL:         minutesOrDefault(raw.StagingTTLMinutes, DefaultStagingTTL),
		ReceiptTTL:         minutesOrDefault(raw.ReceiptTTLMinutes, DefaultReceiptTTL),
		SimulationGasLimit: raw.SimulationGasLimit,
		Environment:        raw.Environment,
	}
	if cfg.SimulationGasLimit == 0 {
		cfg.SimulationGasLimit = DefaultSimulationGasLimit
	}

	return cfg, nil
}

func readRaw(path string) (*ConfigRaw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	raw := &ConfigRaw{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), raw); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return raw, nil
}

func strip0x(s string) string {
	if len(s) >= 2 && s[0:2] == "0x" {
		return s[2:]
	}
	return s
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func withDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func minutesOrDefault(minutes int, def time.Duration) time.Duration {
	if minutes == 0 {
		return def
	}
	return time.Duration(minutes) * time.Minute
}
