package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ava-labs/libevm/common"
	"github.com/urfave/cli/v2"

	"github.com/ava-labs/keeper-network/pkg/protocol"
	"github.com/ava-labs/keeper-network/pkg/queue"
	"github.com/ava-labs/keeper-network/pkg/utils"
)

// Config holds all configuration for the keeper
type Config struct {
	Verbose bool

	// Chain
	RPCURL       string
	ChainID      uint64 // 0 reads the chain ID from the RPC
	RPCRateLimit float64
	RPCBurst     int

	// Protocol
	Coordinator common.Address
	Registry    common.Address
	Network     [32]byte
	PrivateKey  *ecdsa.PrivateKey // nil in dry-run mode
	DryRun      bool

	// Scheduling
	AverageBlockTime  time.Duration
	WindowTolerance   time.Duration
	RetryBackoff      time.Duration
	ResyncInterval    time.Duration
	EventBuffer       int
	MaxConcurrentJobs int64

	// Broadcast
	BurstSize           int
	PriorityFee         *big.Int
	InclusionBlocks     int
	ReceiptPollInterval time.Duration

	// Attempt reports
	Kafka queue.Config

	// Metrics
	MetricsHost   string
	MetricsPort   int
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// InclusionTimeout is how long a submission may stay pending before fees are bumped.
func (c *Config) InclusionTimeout() time.Duration {
	return time.Duration(c.InclusionBlocks) * c.AverageBlockTime
}

// buildConfig builds a Config from CLI context flags and the Kafka environment
func buildConfig(c *cli.Context) (*Config, error) {
	coordinator, err := utils.ParseAddress(c.String("coordinator"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	registry, err := utils.ParseAddress(c.String("registry"))
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	network, err := utils.ParseNetworkTag(c.String("network"))
	if err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}

	dryRun := c.Bool("dry-run")
	var key *ecdsa.PrivateKey
	if raw := c.String("private-key"); raw != "" {
		key, err = utils.ParsePrivateKey(raw)
		if err != nil {
			return nil, err
		}
	} else if !dryRun {
		return nil, errors.New("private-key is required unless dry-run is set")
	}

	kafkaCfg, err := queue.LoadConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Verbose:             c.Bool("verbose"),
		RPCURL:              c.String("rpc-url"),
		ChainID:             c.Uint64("chain-id"),
		RPCRateLimit:        c.Float64("rpc-rate-limit"),
		RPCBurst:            c.Int("rpc-burst"),
		Coordinator:         coordinator,
		Registry:            registry,
		Network:             network,
		PrivateKey:          key,
		DryRun:              dryRun,
		AverageBlockTime:    c.Duration("average-block-time"),
		WindowTolerance:     c.Duration("window-tolerance"),
		RetryBackoff:        c.Duration("retry-backoff"),
		ResyncInterval:      c.Duration("resync-interval"),
		EventBuffer:         c.Int("event-buffer"),
		MaxConcurrentJobs:   c.Int64("max-concurrent-jobs"),
		BurstSize:           c.Int("burst-size"),
		PriorityFee:         new(big.Int).SetUint64(c.Uint64("priority-fee")),
		InclusionBlocks:     c.Int("inclusion-blocks"),
		ReceiptPollInterval: c.Duration("receipt-poll-interval"),
		Kafka:               kafkaCfg,
		MetricsHost:         c.String("metrics-host"),
		MetricsPort:         c.Int("metrics-port"),
		Environment:         c.String("environment"),
		Region:              c.String("region"),
		CloudProvider:       c.String("cloud-provider"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.AverageBlockTime <= 0:
		return errors.New("average-block-time must be greater than 0")
	case c.WindowTolerance < 0:
		return errors.New("window-tolerance must not be negative")
	case c.RetryBackoff <= 0:
		return errors.New("retry-backoff must be greater than 0")
	case c.ResyncInterval < 0:
		return errors.New("resync-interval must not be negative")
	case c.EventBuffer <= 0:
		return errors.New("event-buffer must be greater than 0")
	case c.MaxConcurrentJobs <= 0:
		return errors.New("max-concurrent-jobs must be greater than 0")
	case c.BurstSize <= 0:
		return errors.New("burst-size must be greater than 0")
	case c.InclusionBlocks <= 0:
		return errors.New("inclusion-blocks must be greater than 0")
	case c.ReceiptPollInterval <= 0:
		return errors.New("receipt-poll-interval must be greater than 0")
	case c.RPCRateLimit < 0:
		return errors.New("rpc-rate-limit must not be negative")
	case c.MetricsPort < 0 || c.MetricsPort > 65535:
		return fmt.Errorf("metrics-port must be between 0 and 65535, got %d", c.MetricsPort)
	}
	return nil
}

// logFields lists the configuration for the startup log line. Secrets are omitted.
func (c *Config) logFields() []any {
	return []any{
		"verbose", c.Verbose,
		"rpcURL", c.RPCURL,
		"chainID", c.ChainID,
		"rpcRateLimit", c.RPCRateLimit,
		"coordinator", c.Coordinator,
		"registry", c.Registry,
		"network", protocol.NetworkString(c.Network),
		"dryRun", c.DryRun,
		"averageBlockTime", c.AverageBlockTime,
		"windowTolerance", c.WindowTolerance,
		"retryBackoff", c.RetryBackoff,
		"resyncInterval", c.ResyncInterval,
		"maxConcurrentJobs", c.MaxConcurrentJobs,
		"burstSize", c.BurstSize,
		"priorityFee", c.PriorityFee,
		"inclusionBlocks", c.InclusionBlocks,
		"reportsEnabled", c.Kafka.Enabled(),
		"reportTopic", c.Kafka.Topic,
		"metricsAddr", c.MetricsAddr(),
		"environment", c.Environment,
		"region", c.Region,
		"cloudProvider", c.CloudProvider,
	}
}
