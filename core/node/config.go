package node

import (
	"time"

	"github.com/jayian1890/dhthunter/core/krpc"
	"github.com/jayian1890/dhthunter/core/lookup"
	"github.com/jayian1890/dhthunter/core/routing"
	"github.com/jayian1890/dhthunter/core/storage"
	"github.com/jayian1890/dhthunter/core/token"
	"github.com/jayian1890/dhthunter/core/transport"
)

// Config aggregates every tunable the core consumes.
type Config struct {
	ListenPort int `json:"listen_port"`

	K     int `json:"k"`
	Alpha int `json:"alpha"`

	RPCBaseTimeout time.Duration `json:"rpc_base_timeout"`
	RPCMaxRetries  int           `json:"rpc_max_retries"`
	RPCMaxDelay    time.Duration `json:"rpc_max_delay"`

	LookupDeadline        time.Duration `json:"lookup_deadline"`
	BucketRefreshInterval time.Duration `json:"bucket_refresh_interval"`
	TickInterval          time.Duration `json:"tick_interval"`
	TokenRotationInterval time.Duration `json:"token_rotation_interval"`
	BootstrapRoundTimeout time.Duration `json:"bootstrap_round_timeout"`

	GlobalRateOpsPerSec    int64         `json:"global_rate_ops_per_sec"`
	GlobalRateBurst        int64         `json:"global_rate_burst"`
	PerEndpointBurstSize   int64         `json:"per_endpoint_burst_size"`
	PerEndpointBurstWindow time.Duration `json:"per_endpoint_burst_window"`
	MaxOutboundQueue       int           `json:"max_outbound_queue"`

	MetadataBaseDir string `json:"metadata_base_dir"`
	ShardingLevel   int    `json:"sharding_level"`

	RoutingTablePath  string `json:"routing_table_path"`
	ProbeQuestionable bool   `json:"probe_questionable"`

	BootstrapEndpoints []string `json:"bootstrap_endpoints"`
}

// DefaultConfig returns production-ready defaults
func DefaultConfig() Config {
	return Config{
		ListenPort:             6881,
		K:                      8,
		Alpha:                  3,
		RPCBaseTimeout:         5 * time.Second,
		RPCMaxRetries:          2,
		RPCMaxDelay:            5 * time.Second,
		LookupDeadline:         30 * time.Second,
		BucketRefreshInterval:  15 * time.Minute,
		TickInterval:           60 * time.Second,
		TokenRotationInterval:  5 * time.Minute,
		BootstrapRoundTimeout:  60 * time.Second,
		GlobalRateOpsPerSec:    200,
		GlobalRateBurst:        400,
		PerEndpointBurstSize:   10,
		PerEndpointBurstWindow: time.Second,
		MaxOutboundQueue:       4096,
		MetadataBaseDir:        "./metadata",
		ShardingLevel:          2,
		RoutingTablePath:       "./routing_table.ben",
		ProbeQuestionable:      true,
		BootstrapEndpoints: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
		},
	}
}

// Validate normalizes zero values back to defaults.
func (c *Config) Validate() {
	def := DefaultConfig()
	if c.K <= 0 {
		c.K = def.K
	}
	if c.Alpha <= 0 {
		c.Alpha = def.Alpha
	}
	if c.RPCBaseTimeout <= 0 {
		c.RPCBaseTimeout = def.RPCBaseTimeout
	}
	if c.RPCMaxDelay <= 0 {
		c.RPCMaxDelay = def.RPCMaxDelay
	}
	if c.LookupDeadline <= 0 {
		c.LookupDeadline = def.LookupDeadline
	}
	if c.BucketRefreshInterval <= 0 {
		c.BucketRefreshInterval = def.BucketRefreshInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.TokenRotationInterval <= 0 {
		c.TokenRotationInterval = def.TokenRotationInterval
	}
	if c.BootstrapRoundTimeout <= 0 {
		c.BootstrapRoundTimeout = def.BootstrapRoundTimeout
	}
	if c.GlobalRateOpsPerSec <= 0 {
		c.GlobalRateOpsPerSec = def.GlobalRateOpsPerSec
	}
	if c.GlobalRateBurst <= 0 {
		c.GlobalRateBurst = def.GlobalRateBurst
	}
	if c.PerEndpointBurstSize <= 0 {
		c.PerEndpointBurstSize = def.PerEndpointBurstSize
	}
	if c.PerEndpointBurstWindow <= 0 {
		c.PerEndpointBurstWindow = def.PerEndpointBurstWindow
	}
	if c.MaxOutboundQueue <= 0 {
		c.MaxOutboundQueue = def.MaxOutboundQueue
	}
	if c.MetadataBaseDir == "" {
		c.MetadataBaseDir = def.MetadataBaseDir
	}
	if c.ShardingLevel <= 0 {
		c.ShardingLevel = def.ShardingLevel
	}
	if c.RoutingTablePath == "" {
		c.RoutingTablePath = def.RoutingTablePath
	}
}

func (c Config) transportConfig() transport.Config {
	return transport.Config{
		ListenPort:             c.ListenPort,
		MaxDatagramSize:        1500,
		MaxOutboundQueue:       c.MaxOutboundQueue,
		GlobalRateOpsPerSec:    c.GlobalRateOpsPerSec,
		GlobalRateBurst:        c.GlobalRateBurst,
		PerEndpointBurstSize:   c.PerEndpointBurstSize,
		PerEndpointBurstWindow: c.PerEndpointBurstWindow,
		SendMaxRetries:         3,
	}
}

func (c Config) rpcConfig() krpc.Config {
	cfg := krpc.DefaultConfig()
	cfg.BaseTimeout = c.RPCBaseTimeout
	cfg.MaxRetries = c.RPCMaxRetries
	cfg.MaxDelay = c.RPCMaxDelay
	return cfg
}

func (c Config) routingConfig() routing.Config {
	return routing.Config{
		K:                 c.K,
		RefreshInterval:   c.BucketRefreshInterval,
		ProbeQuestionable: c.ProbeQuestionable,
	}
}

func (c Config) lookupConfig() lookup.Config {
	cfg := lookup.DefaultConfig()
	cfg.Alpha = c.Alpha
	cfg.K = c.K
	cfg.Deadline = c.LookupDeadline
	return cfg
}

func (c Config) tokenConfig() token.Config {
	return token.Config{RotationInterval: c.TokenRotationInterval}
}

func (c Config) storageConfig() storage.Config {
	return storage.Config{
		BaseDir:       c.MetadataBaseDir,
		ShardingLevel: c.ShardingLevel,
	}
}
