package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const redacted = "[redacted]"

// Secret holds key material. It renders as [redacted] through fmt, JSON and
// zerolog so it cannot leak into logs or responses by accident.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string { return s.String() }

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Reveal returns the raw value. Only the tool adapters call it.
func (s Secret) Reveal() string { return string(s) }

// Config is the process-wide configuration. It is built once by Load and
// treated as read-only afterwards.
type Config struct {
	Cluster   Cluster
	Keys      Keys
	Server    ServerConfig
	Tools     ToolsConfig
	Timeouts  TimeoutsConfig
	Faucet    FaucetConfig
	Ledger    LedgerConfig
	Events    EventsConfig
	Archive   ArchiveConfig
	Telemetry TelemetryConfig
}

type Keys struct {
	Faucet   Secret
	Service  Secret
	NodeSeed string
}

type ServerConfig struct {
	Addr                string
	CORSOrigins         []string
	FaucetRatePerMinute int
	MaxSourceBytes      int64
}

type ToolsConfig struct {
	Pynadac     string
	Cast        string
	Nillion     string
	ScratchDir  string
	TargetDir   string
	KeepScratch bool
}

type TimeoutsConfig struct {
	Compile time.Duration
	Submit  time.Duration
	Faucet  time.Duration
}

type FaucetConfig struct {
	RPCURL   string
	Amount   string
	Cooldown time.Duration
}

type LedgerConfig struct {
	DSN string
}

type EventsConfig struct {
	NATSURL string
}

type ArchiveConfig struct {
	Enabled   bool
	Bucket    string
	Recipient string
}

type TelemetryConfig struct {
	OTLPEndpoint string
	LogPretty    bool
	LogLevel     string
}

// Cluster mirrors the cluster descriptor document.
type Cluster struct {
	ClusterID string   `json:"cluster_id" yaml:"cluster_id"`
	Bootnodes []string `json:"bootnodes" yaml:"bootnodes"`
	Payments  Payments `json:"payments_config" yaml:"payments_config"`
}

type Payments struct {
	RPCEndpoint            string            `json:"rpc_endpoint" yaml:"rpc_endpoint"`
	Signer                 Signer            `json:"signer" yaml:"signer"`
	SmartContractAddresses ContractAddresses `json:"smart_contract_addresses" yaml:"smart_contract_addresses"`
}

type Signer struct {
	Wallet Wallet `json:"wallet" yaml:"wallet"`
}

// Wallet carries the chain id from the descriptor and the service key
// injected from the environment at load time.
type Wallet struct {
	ChainID    ChainID `json:"chain_id" yaml:"chain_id"`
	PrivateKey Secret  `json:"private_key,omitempty" yaml:"private_key,omitempty"`
}

type ContractAddresses struct {
	Payments               string `json:"payments" yaml:"payments"`
	BlindingFactorsManager string `json:"blinding_factors_manager" yaml:"blinding_factors_manager"`
}

// ChainID accepts either a JSON number or a numeric string.
type ChainID uint64

func (c *ChainID) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	return c.parse(raw)
}

func (c *ChainID) UnmarshalYAML(node *yaml.Node) error {
	return c.parse(strings.TrimSpace(node.Value))
}

func (c *ChainID) parse(raw string) error {
	if raw == "" {
		return fmt.Errorf("chain_id is empty")
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chain_id %q: %w", raw, err)
	}
	*c = ChainID(v)
	return nil
}

func (c ChainID) String() string { return strconv.FormatUint(uint64(c), 10) }

// BootnodeList returns a copy so callers cannot alter the shared config.
func (c Cluster) BootnodeList() []string {
	out := make([]string, len(c.Bootnodes))
	copy(out, c.Bootnodes)
	return out
}

// LoadError is returned for every failure that prevents the gateway from starting.
type LoadError struct {
	Op  string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load config: %s: %v", e.Op, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
