package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DefaultClusterConfigPath = "/var/task/remote.json"
	DefaultNodeSeed          = "test-seed-0"
)

type env struct {
	FaucetKey   Secret `env:"NILLION_FAUCET_PK,required"`
	ServiceKey  Secret `env:"NILLION_SERVICE_PK,required"`
	NodeSeed    string `env:"NILLION_NODE_SEED,default=test-seed-0"`
	ClusterPath string `env:"NILLION_CLUSTER_CONFIG,default=/var/task/remote.json"`

	Addr                string   `env:"NILGW_ADDR,default=:8080"`
	CORSOrigins         []string `env:"NILGW_CORS_ORIGINS,default=*"`
	FaucetRatePerMinute int      `env:"NILGW_FAUCET_RATE_PER_MINUTE,default=10"`
	MaxSourceBytes      int64    `env:"NILGW_MAX_SOURCE_BYTES,default=1048576"`

	Tools toolsEnv

	FaucetRPCURL   string        `env:"NILGW_FAUCET_RPC_URL,default=https://rpc-endpoint.testnet-fe.nilogy.xyz"`
	FaucetAmount   string        `env:"NILGW_FAUCET_AMOUNT,default=10ether"`
	FaucetCooldown time.Duration `env:"NILGW_FAUCET_COOLDOWN,default=0s"`

	DBDSN            string `env:"NILGW_DB_DSN"`
	NATSURL          string `env:"NATS_URL"`
	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3Bucket         string `env:"S3_BUCKET"`
	ArchiveRecipient string `env:"NILGW_ARCHIVE_RECIPIENT"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogPretty    bool   `env:"NILGW_LOG_PRETTY,default=false"`
	LogLevel     string `env:"NILGW_LOG_LEVEL,default=info"`
}

type toolsEnv struct {
	Pynadac     string `env:"NILGW_PYNADAC_BIN,default=/var/task/pynadac"`
	Cast        string `env:"NILGW_CAST_BIN,default=/root/.foundry/bin/cast"`
	Nillion     string `env:"NILGW_NILLION_BIN,default=/var/task/nillion"`
	ScratchDir  string `env:"NILGW_SCRATCH_DIR"`
	TargetDir   string `env:"NILGW_TARGET_DIR"`
	KeepScratch bool   `env:"NILGW_KEEP_SCRATCH,default=false"`

	CompileTimeout time.Duration `env:"NILGW_COMPILE_TIMEOUT,default=30s"`
	SubmitTimeout  time.Duration `env:"NILGW_SUBMIT_TIMEOUT,default=60s"`
	FaucetTimeout  time.Duration `env:"NILGW_FAUCET_TIMEOUT,default=60s"`
}

func (t toolsEnv) resolve() (ToolsConfig, TimeoutsConfig, error) {
	if t.CompileTimeout <= 0 || t.SubmitTimeout <= 0 || t.FaucetTimeout <= 0 {
		return ToolsConfig{}, TimeoutsConfig{}, &LoadError{Op: "environment", Err: errors.New("timeouts must be positive")}
	}
	scratch := strings.TrimSpace(t.ScratchDir)
	if scratch == "" {
		scratch = os.TempDir()
	}
	target := strings.TrimSpace(t.TargetDir)
	if target == "" {
		target = scratch
	}
	tools := ToolsConfig{
		Pynadac:     t.Pynadac,
		Cast:        t.Cast,
		Nillion:     t.Nillion,
		ScratchDir:  scratch,
		TargetDir:   target,
		KeepScratch: t.KeepScratch,
	}
	timeouts := TimeoutsConfig{
		Compile: t.CompileTimeout,
		Submit:  t.SubmitTimeout,
		Faucet:  t.FaucetTimeout,
	}
	return tools, timeouts, nil
}

// LoadTools reads only the tool locations and timeouts, for commands that
// never sign anything.
func LoadTools(ctx context.Context, lookuper envconfig.Lookuper) (ToolsConfig, TimeoutsConfig, error) {
	var t toolsEnv
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &t,
		Lookuper: lookuper,
	}); err != nil {
		return ToolsConfig{}, TimeoutsConfig{}, &LoadError{Op: "environment", Err: err}
	}
	return t.resolve()
}

// Load reads the process environment and the cluster descriptor it points at.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit environment source.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var e env
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &e,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, &LoadError{Op: "environment", Err: err}
	}
	if strings.TrimSpace(e.FaucetKey.Reveal()) == "" {
		return Config{}, &LoadError{Op: "environment", Err: errors.New("NILLION_FAUCET_PK is empty")}
	}
	if strings.TrimSpace(e.ServiceKey.Reveal()) == "" {
		return Config{}, &LoadError{Op: "environment", Err: errors.New("NILLION_SERVICE_PK is empty")}
	}

	cluster, err := ReadCluster(e.ClusterPath)
	if err != nil {
		return Config{}, err
	}
	// The service key lives in the signer section so the submission adapter
	// reads all payment settings from one place. Injected here, once.
	cluster.Payments.Signer.Wallet.PrivateKey = e.ServiceKey

	tools, timeouts, err := e.Tools.resolve()
	if err != nil {
		return Config{}, err
	}
	if e.FaucetCooldown < 0 {
		return Config{}, &LoadError{Op: "environment", Err: errors.New("NILGW_FAUCET_COOLDOWN must not be negative")}
	}
	if e.MaxSourceBytes <= 0 {
		return Config{}, &LoadError{Op: "environment", Err: errors.New("NILGW_MAX_SOURCE_BYTES must be positive")}
	}

	archiveEnabled := strings.TrimSpace(e.S3Endpoint) != ""
	if archiveEnabled && strings.TrimSpace(e.S3Bucket) == "" {
		return Config{}, &LoadError{Op: "environment", Err: errors.New("S3_BUCKET is required when S3_ENDPOINT is set")}
	}

	return Config{
		Cluster: cluster,
		Keys: Keys{
			Faucet:   e.FaucetKey,
			Service:  e.ServiceKey,
			NodeSeed: e.NodeSeed,
		},
		Server: ServerConfig{
			Addr:                e.Addr,
			CORSOrigins:         trimList(e.CORSOrigins),
			FaucetRatePerMinute: e.FaucetRatePerMinute,
			MaxSourceBytes:      e.MaxSourceBytes,
		},
		Tools:    tools,
		Timeouts: timeouts,
		Faucet: FaucetConfig{
			RPCURL:   e.FaucetRPCURL,
			Amount:   e.FaucetAmount,
			Cooldown: e.FaucetCooldown,
		},
		Ledger:  LedgerConfig{DSN: strings.TrimSpace(e.DBDSN)},
		Events:  EventsConfig{NATSURL: strings.TrimSpace(e.NATSURL)},
		Archive: ArchiveConfig{
			Enabled:   archiveEnabled,
			Bucket:    strings.TrimSpace(e.S3Bucket),
			Recipient: strings.TrimSpace(e.ArchiveRecipient),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: strings.TrimSpace(e.OTLPEndpoint),
			LogPretty:    e.LogPretty,
			LogLevel:     e.LogLevel,
		},
	}, nil
}

// ReadCluster decodes and validates the cluster descriptor at path. Files
// ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func ReadCluster(path string) (Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Cluster{}, &LoadError{Op: "read cluster descriptor", Err: err}
	}

	var cluster Cluster
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cluster)
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		err = dec.Decode(&cluster)
	}
	if err != nil {
		return Cluster{}, &LoadError{Op: "decode cluster descriptor", Err: fmt.Errorf("%s: %w", path, err)}
	}
	if err := validateCluster(cluster); err != nil {
		return Cluster{}, &LoadError{Op: "validate cluster descriptor", Err: err}
	}
	cluster.Bootnodes = trimList(cluster.Bootnodes)
	return cluster, nil
}

func validateCluster(c Cluster) error {
	var problems []string
	if strings.TrimSpace(c.ClusterID) == "" {
		problems = append(problems, "cluster_id is required")
	}
	if len(trimList(c.Bootnodes)) == 0 {
		problems = append(problems, "at least one bootnode is required")
	}
	if strings.TrimSpace(c.Payments.RPCEndpoint) == "" {
		problems = append(problems, "payments_config.rpc_endpoint is required")
	}
	if c.Payments.Signer.Wallet.ChainID == 0 {
		problems = append(problems, "payments_config.signer.wallet.chain_id is required")
	}
	if strings.TrimSpace(c.Payments.SmartContractAddresses.Payments) == "" {
		problems = append(problems, "payments_config.smart_contract_addresses.payments is required")
	}
	if strings.TrimSpace(c.Payments.SmartContractAddresses.BlindingFactorsManager) == "" {
		problems = append(problems, "payments_config.smart_contract_addresses.blinding_factors_manager is required")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
