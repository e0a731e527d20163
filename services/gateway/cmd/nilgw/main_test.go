package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nilgw/pkg/bus"
	"nilgw/services/gateway/internal/config"
)

func TestServeFailsFastWithoutKeys(t *testing.T) {
	t.Setenv("NILLION_FAUCET_PK", "")
	t.Setenv("NILLION_SERVICE_PK", "")

	err := serve(context.Background())
	var loadErr *config.LoadError
	require.True(t, errors.As(err, &loadErr), "got %v", err)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.env")

	assert.NoError(t, loadEnvFile(missing, false))
	assert.Error(t, loadEnvFile(missing, true))

	path := filepath.Join(dir, "gw.env")
	require.NoError(t, os.WriteFile(path, []byte("NILGW_TEST_FROM_DOTENV=yes\n"), 0o600))
	t.Setenv("NILGW_TEST_FROM_DOTENV", "")
	require.NoError(t, os.Unsetenv("NILGW_TEST_FROM_DOTENV"))
	require.NoError(t, loadEnvFile(path, true))
	assert.Equal(t, "yes", os.Getenv("NILGW_TEST_FROM_DOTENV"))
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "nillion_programs_stored", subjectToken("nillion.programs.stored"))
	assert.Equal(t, "nillion__", subjectToken("nillion.>"))
}

func TestEventLine(t *testing.T) {
	line, err := eventLine(bus.Message{
		Subject: "nillion.faucet.funded",
		ID:      "g-1",
		Data:    json.RawMessage(`{"address":"0xABC"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"subject":"nillion.faucet.funded","id":"g-1","event":{"address":"0xABC"}}`, string(line))

	_, err = eventLine(bus.Message{Subject: "nillion.faucet.funded", Data: []byte("not json")})
	assert.Error(t, err)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "compile", "faucet", "migrate", "events"}, names)
}
