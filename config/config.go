package config

import (
	"errors"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
)

type RPC struct {
	URL               string `long:"rpc-url" env:"RPC_URL" description:"URL for the blockchain node"`
	MaxConcurrent     int    `long:"max-concurrent-requests" env:"MAX_CONCURRENT_REQUESTS" description:"Cap on in-flight upstream calls" default:"5"`
	MaxRetries        int    `long:"max-retries" env:"MAX_RETRIES" description:"Retries per request on rate-limit signals" default:"5"`
	RequestsPerSecond int    `long:"rpc-rate-limit" env:"RPC_RATE_LIMIT" description:"Upstream requests per second, 0 to disable" default:"0"`
}

func (r RPC) HasError() error {
	if r.URL == "" {
		return errors.New("RPC URL is required")
	}
	return nil
}

type Config struct {
	RPC                    RPC
	ContractAddress        string        `long:"contract-address" env:"CONTRACT_ADDRESS" description:"ERC-20 contract to index"`
	StartBlock             uint64        `long:"start-block" env:"START_BLOCK" description:"Block to start from; 0 locates the contract creation block" default:"0"`
	DBName                 string        `long:"db-name" env:"DB_NAME" description:"Path to the local database" default:"events.db"`
	InitialBatchSize       uint64        `long:"initial-batch-size" env:"INITIAL_BATCH_SIZE" description:"Starting backfill batch size" default:"200"`
	PollInterval           time.Duration `long:"poll-interval" env:"POLL_INTERVAL" description:"Interval to poll the live log filter" default:"5s"`
	ReportProgressInterval time.Duration `long:"report-progress-interval" env:"REPORT_PROGRESS_INTERVAL" description:"Interval to report progress" default:"30s"`
	MetricsAddr            string        `long:"metrics-addr" env:"METRICS_ADDR" description:"Listen address for prometheus metrics, empty to disable"`
}

func (c Config) HasError() error {
	if err := c.RPC.HasError(); err != nil {
		return err
	}
	if c.ContractAddress == "" {
		return errors.New("contract address is required")
	}
	if !strings.HasPrefix(c.ContractAddress, "0x") || len(c.ContractAddress) != 42 {
		return errors.New("contract address must be a 0x-prefixed 20-byte hex string")
	}
	if c.DBName == "" {
		return errors.New("database path is required")
	}
	return nil
}

func Parse() (*Config, error) {
	var config Config
	parser := flags.NewParser(&config, flags.Default)
	_, err := parser.Parse()
	if err != nil {
		return nil, err
	}
	// the pipeline matches on lowercase addresses everywhere
	config.ContractAddress = strings.ToLower(config.ContractAddress)
	if err := config.HasError(); err != nil {
		return nil, err
	}
	return &config, nil
}
