package submit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nilgw/services/gateway/internal/config"
	"nilgw/services/gateway/internal/toolrun"
	"nilgw/services/gateway/internal/toolrun/toolruntest"
)

const serviceKey = "0xservicekey"

func testCluster() config.Cluster {
	return config.Cluster{
		ClusterID: "cluster-1",
		Bootnodes: []string{"/dns/a", "/dns/b"},
		Payments: config.Payments{
			RPCEndpoint: "https://rpc.example",
			Signer:      config.Signer{Wallet: config.Wallet{ChainID: 22255222, PrivateKey: serviceKey}},
			SmartContractAddresses: config.ContractAddresses{
				Payments:               "0xpay",
				BlindingFactorsManager: "0xbfm",
			},
		},
	}
}

func newClient(t *testing.T, runner toolrun.Runner) *Client {
	t.Helper()
	seeds := []string{"user-a", "user-b", "user-c"}
	n := 0
	c, err := New(runner, Options{
		Binary:   "/var/task/nillion",
		Cluster:  testCluster(),
		Redactor: toolrun.NewRedactor(serviceKey),
		NewUserSeed: func() string {
			s := seeds[n%len(seeds)]
			n++
			return s
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestStoreProgram(t *testing.T) {
	runner := &toolruntest.Runner{Fn: toolruntest.Reply(toolrun.Result{
		Stdout: "Storing program...\nProgram ID: 3rgqxWd/my-program\n",
	}, nil)}
	c := newClient(t, runner)

	id, err := c.StoreProgram(context.Background(), "alice-program", "/tmp/xyz.nada.bin")
	require.NoError(t, err)
	assert.Equal(t, "3rgqxWd/my-program", id)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/var/task/nillion", calls[0].Path)
	assert.Equal(t, []string{
		"--node-key-seed", config.DefaultNodeSeed,
		"--user-key-seed", "user-a",
		"--bootnode", "/dns/a",
		"--bootnode", "/dns/b",
		"--connection-mode", "relay",
		"--payments-rpc-endpoint", "https://rpc.example",
		"--payments-chain-id", "22255222",
		"--payments-sc-address", "0xpay",
		"--blinding-factors-manager-sc-address", "0xbfm",
		"--payments-private-key", serviceKey,
		"store-program",
		"--cluster-id", "cluster-1",
		"--",
		"alice-program",
		"/tmp/xyz.nada.bin",
	}, calls[0].Args)
}

func TestStoreProgramFreshUserIdentityPerCall(t *testing.T) {
	runner := &toolruntest.Runner{Fn: toolruntest.Reply(toolrun.Result{Stdout: "Program ID: p"}, nil)}
	c := newClient(t, runner)

	for i := 0; i < 2; i++ {
		_, err := c.StoreProgram(context.Background(), "p", "/tmp/p.nada.bin")
		require.NoError(t, err)
	}
	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "user-a", calls[0].Args[3])
	assert.Equal(t, "user-b", calls[1].Args[3])
	assert.Equal(t, calls[0].Args[1], calls[1].Args[1], "node identity is deterministic")
}

func TestStoreProgramFailureIsRedacted(t *testing.T) {
	runner := &toolruntest.Runner{Fn: toolruntest.Reply(toolrun.Result{
		Stderr: "payment failed for signer " + serviceKey,
		Stdout: "args: --payments-private-key " + serviceKey,
	}, nil)}
	c := newClient(t, runner)

	_, err := c.StoreProgram(context.Background(), "p", "/tmp/p.nada.bin")
	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.NotContains(t, err.Error(), serviceKey)
	assert.Contains(t, err.Error(), "[redacted]")
	assert.Len(t, runner.Calls(), 1, "no retries")
}

func TestStoreProgramHonoursTimeout(t *testing.T) {
	runner := &toolruntest.Runner{Fn: func(ctx context.Context, _ toolrun.Command) (toolrun.Result, error) {
		<-ctx.Done()
		return toolrun.Result{}, ctx.Err()
	}}
	c, err := New(runner, Options{
		Binary:  "nillion",
		Cluster: testCluster(),
		Timeout: 50 * time.Millisecond,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = c.StoreProgram(context.Background(), "p", "/tmp/p.nada.bin")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStoreProgramNonZeroExit(t *testing.T) {
	tests := []struct {
		name string
		res  toolrun.Result
	}{
		{"error on stderr", toolrun.Result{
			Stdout:   "Connecting to cluster via relay...\n",
			Stderr:   "Error: payment rejected: insufficient balance",
			ExitCode: 1,
		}},
		{"program id line", toolrun.Result{Stdout: "Program ID: abc/def\n", ExitCode: 2}},
		{"silent", toolrun.Result{Stdout: "Storing program...\n", ExitCode: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &toolruntest.Runner{Fn: toolruntest.Reply(tt.res, nil)}
			c := newClient(t, runner)

			id, err := c.StoreProgram(context.Background(), "p", "/tmp/p.nada.bin")
			assert.Empty(t, id)
			var subErr *SubmissionError
			require.True(t, errors.As(err, &subErr), "got %v", err)
			assert.Contains(t, err.Error(), "exited with code")
		})
	}
}

func TestStoreProgramWithoutProgramID(t *testing.T) {
	runner := &toolruntest.Runner{Fn: toolruntest.Reply(toolrun.Result{Stdout: "\n\n"}, nil)}
	c := newClient(t, runner)

	_, err := c.StoreProgram(context.Background(), "p", "/tmp/p.nada.bin")
	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
}

func TestParseProgramID(t *testing.T) {
	tests := map[string]string{
		"Program ID: abc/def\n":            "abc/def",
		"info\nprogram id:   xyz  \nbye\n": "xyz",
		"connecting\nuser123/prog\n\n":     "user123/prog",
		"":                                 "",
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseProgramID(in), "input %q", in)
	}
}

func TestNewValidates(t *testing.T) {
	runner := &toolruntest.Runner{}

	_, err := New(runner, Options{Cluster: testCluster()})
	assert.Error(t, err, "binary required")

	noKey := testCluster()
	noKey.Payments.Signer.Wallet.PrivateKey = ""
	_, err = New(runner, Options{Binary: "nillion", Cluster: noKey})
	assert.Error(t, err, "signer key required")
}
