package submit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nilgw/services/gateway/internal/config"
	"nilgw/services/gateway/internal/toolrun"
)

// ConnectionModeRelay routes client traffic through a relay node.
const ConnectionModeRelay = "relay"

const defaultTimeout = 60 * time.Second

var programIDLine = regexp.MustCompile(`(?im)^\s*program id:\s*(\S+)\s*$`)

// Identity is the pair of key seeds the client derives its node and user keys from.
type Identity struct {
	NodeKeySeed string
	UserKeySeed string
}

// Options configures a Client.
type Options struct {
	Binary   string
	Cluster  config.Cluster
	NodeSeed string
	Timeout  time.Duration
	Policy   toolrun.Policy
	Redactor toolrun.Redactor
	// NewUserSeed returns the seed for a fresh user identity. Defaults to a random UUID.
	NewUserSeed func() string
	Logger      zerolog.Logger
}

// Client stores compiled programs on a Nillion cluster through the nillion
// command-line client.
type Client struct {
	runner toolrun.Runner
	opts   Options
}

// New validates opts and applies defaults.
func New(runner toolrun.Runner, opts Options) (*Client, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if strings.TrimSpace(opts.Binary) == "" {
		return nil, errors.New("nillion client binary is required")
	}
	if strings.TrimSpace(opts.Cluster.ClusterID) == "" {
		return nil, errors.New("cluster id is required")
	}
	if opts.Cluster.Payments.Signer.Wallet.PrivateKey.Reveal() == "" {
		return nil, errors.New("payments signer key is required")
	}
	if strings.TrimSpace(opts.NodeSeed) == "" {
		opts.NodeSeed = config.DefaultNodeSeed
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Policy == nil {
		opts.Policy = toolrun.MarkerPolicy
	}
	if opts.NewUserSeed == nil {
		opts.NewUserSeed = uuid.NewString
	}
	return &Client{runner: runner, opts: opts}, nil
}

// StoreProgram uploads the compiled program at artifactPath under
// programName and returns the program id reported by the cluster. Each call
// uses a fresh user identity. No retries.
func (c *Client) StoreProgram(ctx context.Context, programName, artifactPath string) (string, error) {
	if strings.TrimSpace(programName) == "" {
		return "", errors.New("program name is required")
	}
	if strings.TrimSpace(artifactPath) == "" {
		return "", errors.New("artifact path is required")
	}

	id := Identity{NodeKeySeed: c.opts.NodeSeed, UserKeySeed: c.opts.NewUserSeed()}

	runCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	res, err := c.runner.Run(runCtx, toolrun.Command{
		Path: c.opts.Binary,
		Args: c.Args(id, programName, artifactPath),
	})
	res = c.opts.Redactor.Result(res)
	if err != nil {
		return "", &SubmissionError{Output: res.Diagnostics(), Err: c.opts.Redactor.Error(err)}
	}
	if c.opts.Policy(res) {
		return "", &SubmissionError{Output: res.Diagnostics()}
	}
	// The last-line fallback in ParseProgramID is only trusted on a clean exit.
	if res.ExitCode != 0 {
		return "", &SubmissionError{Output: res.Diagnostics(), Err: fmt.Errorf("client exited with code %d", res.ExitCode)}
	}

	programID := ParseProgramID(res.Stdout)
	if programID == "" {
		return "", &SubmissionError{Output: res.Diagnostics(), Err: errors.New("no program id in client output")}
	}

	c.opts.Logger.Debug().
		Str("program", programName).
		Str("program_id", programID).
		Dur("duration", res.Duration).
		Msg("program stored")
	return programID, nil
}

// Args builds the client command line for one store-program call.
func (c *Client) Args(id Identity, programName, artifactPath string) []string {
	cluster := c.opts.Cluster
	payments := cluster.Payments

	args := []string{
		"--node-key-seed", id.NodeKeySeed,
		"--user-key-seed", id.UserKeySeed,
	}
	for _, node := range cluster.BootnodeList() {
		args = append(args, "--bootnode", node)
	}
	args = append(args,
		"--connection-mode", ConnectionModeRelay,
		"--payments-rpc-endpoint", payments.RPCEndpoint,
		"--payments-chain-id", payments.Signer.Wallet.ChainID.String(),
		"--payments-sc-address", payments.SmartContractAddresses.Payments,
		"--blinding-factors-manager-sc-address", payments.SmartContractAddresses.BlindingFactorsManager,
		"--payments-private-key", payments.Signer.Wallet.PrivateKey.Reveal(),
		"store-program",
		"--cluster-id", cluster.ClusterID,
		"--",
		programName,
		artifactPath,
	)
	return args
}

// ParseProgramID extracts the program id from the output of a successful
// client run: the value of a "Program ID:" line, or else the last non-empty line.
func ParseProgramID(stdout string) string {
	if m := programIDLine.FindStringSubmatch(stdout); m != nil {
		return m[1]
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// SubmissionError reports a failed store-program call. Output is the
// redacted client output.
type SubmissionError struct {
	Output string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store program failed: %v: [%s]", e.Err, e.Output)
	}
	return fmt.Sprintf("store program failed: [%s]", e.Output)
}

func (e *SubmissionError) Unwrap() error { return e.Err }
