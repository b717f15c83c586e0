package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

// runFlags returns all CLI flags for the keeper run command
func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"KEEPER_VERBOSE"},
		},
		// Chain
		&cli.StringFlag{
			Name:     "rpc-url",
			Aliases:  []string{"r"},
			Usage:    "Websocket RPC URL of the chain",
			EnvVars:  []string{"RPC_URL"},
			Required: true,
		},
		&cli.Uint64Flag{
			Name:    "chain-id",
			Aliases: []string{"C"},
			Usage:   "EVM chain ID used for signing (0 reads it from the RPC)",
			EnvVars: []string{"CHAIN_ID"},
		},
		&cli.Float64Flag{
			Name:    "rpc-rate-limit",
			Usage:   "Maximum read calls per second against the RPC (0 disables limiting)",
			EnvVars: []string{"RPC_RATE_LIMIT"},
			Value:   50,
		},
		&cli.IntFlag{
			Name:    "rpc-burst",
			Usage:   "Read call burst allowed above the rate limit",
			EnvVars: []string{"RPC_BURST"},
			Value:   10,
		},
		// Protocol
		&cli.StringFlag{
			Name:     "coordinator",
			Usage:    "Address of the window coordinator contract",
			EnvVars:  []string{"KEEPER_COORDINATOR"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "registry",
			Usage:    "Address of the registry receiving work calls",
			EnvVars:  []string{"KEEPER_REGISTRY"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "network",
			Aliases:  []string{"n"},
			Usage:    "Whitelist tag of this keeper, as a 0x-prefixed bytes32 or a short label",
			EnvVars:  []string{"KEEPER_NETWORK"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "private-key",
			Usage:   "Hex private key of the signing account",
			EnvVars: []string{"KEEPER_PRIVATE_KEY"},
		},
		&cli.BoolFlag{
			Name:    "dry-run",
			Usage:   "Log work instead of broadcasting transactions",
			EnvVars: []string{"KEEPER_DRY_RUN"},
		},
		// Scheduling
		&cli.DurationFlag{
			Name:    "average-block-time",
			Usage:   "Expected interval between blocks",
			EnvVars: []string{"KEEPER_AVERAGE_BLOCK_TIME"},
			Value:   2 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "window-tolerance",
			Usage:   "How early to start watching blocks before the window opens",
			EnvVars: []string{"KEEPER_WINDOW_TOLERANCE"},
			Value:   10 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "retry-backoff",
			Usage:   "Delay before retrying a failed window cycle",
			EnvVars: []string{"KEEPER_RETRY_BACKOFF"},
			Value:   5 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "resync-interval",
			Usage:   "Interval between full protocol resyncs (0 disables)",
			EnvVars: []string{"KEEPER_RESYNC_INTERVAL"},
			Value:   10 * time.Minute,
		},
		&cli.IntFlag{
			Name:    "event-buffer",
			Usage:   "Buffered coordinator logs and block headers per subscription",
			EnvVars: []string{"KEEPER_EVENT_BUFFER"},
			Value:   64,
		},
		&cli.Int64Flag{
			Name:    "max-concurrent-jobs",
			Usage:   "Maximum concurrent job attempts",
			EnvVars: []string{"KEEPER_MAX_CONCURRENT_JOBS"},
			Value:   16,
		},
		// Broadcast
		&cli.IntFlag{
			Name:    "burst-size",
			Usage:   "Maximum submissions per work call, fee-bumped replacements included",
			EnvVars: []string{"KEEPER_BURST_SIZE"},
			Value:   3,
		},
		&cli.Uint64Flag{
			Name:    "priority-fee",
			Usage:   "Priority fee per gas in wei",
			EnvVars: []string{"KEEPER_PRIORITY_FEE"},
			Value:   2_000_000_000,
		},
		&cli.IntFlag{
			Name:    "inclusion-blocks",
			Usage:   "Blocks to wait for a receipt before bumping fees",
			EnvVars: []string{"KEEPER_INCLUSION_BLOCKS"},
			Value:   3,
		},
		&cli.DurationFlag{
			Name:    "receipt-poll-interval",
			Usage:   "Interval between receipt lookups",
			EnvVars: []string{"KEEPER_RECEIPT_POLL_INTERVAL"},
			Value:   time.Second,
		},
		// Metrics
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Aliases: []string{"m"},
			Usage:   "Port for Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment label for metrics (e.g., 'production', 'staging')",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "Cloud region label for metrics (e.g., 'us-east-1')",
			EnvVars: []string{"REGION"},
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Usage:   "Cloud provider label for metrics (e.g., 'aws', 'oci', 'gcp')",
			EnvVars: []string{"CLOUD_PROVIDER"},
		},
	}
}
