package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Poly-pay/polypay-app-sub000/verifier"
)

func TestDefaults(t *testing.T) {
	c, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "5000", c.HTTP.Port)
	assert.Equal(t, 5*time.Second, c.Verifier.PollInterval)
	assert.Equal(t, 30, c.Verifier.MaxPollAttempts)
	assert.Equal(t, uint64(3), c.Verifier.SubmitRetries)
	assert.Equal(t, time.Second, c.Verifier.SubmitBackoff)
	assert.Equal(t, verifier.JobIncludedInBlock, c.Verifier.TerminalStatus)
	assert.Equal(t, 5*time.Second, c.Verifier.VKSettleDelay)
	assert.Equal(t, 1, c.Consensus.DenialQuorum)
	assert.Equal(t, 10*time.Minute, c.Consensus.ReservationTTL)
	assert.False(t, c.Audit.Enabled)
	assert.Equal(t, "info", c.Log.Level)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("POLYPAY_HTTP_PORT", "8080")
	t.Setenv("POLYPAY_VERIFIER_POLL_INTERVAL", "250ms")
	t.Setenv("POLYPAY_CONSENSUS_DENIAL_QUORUM", "2")
	t.Setenv("POLYPAY_AUDIT_ENABLED", "true")

	c, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "8080", c.HTTP.Port)
	assert.Equal(t, 250*time.Millisecond, c.Verifier.PollInterval)
	assert.Equal(t, 2, c.Consensus.DenialQuorum)
	assert.True(t, c.Audit.Enabled)
}

func TestConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "polypay.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
verifier:
  base_url: https://relayer.example
  api_key: secret
  max_poll_attempts: 12
  terminal_status: Aggregated
badger:
  in_memory: true
`), 0o600))

	c, err := Load(New(), file)
	require.NoError(t, err)
	require.NoError(t, c.ValidateServe())

	vc := c.Verifier.Client()
	assert.Equal(t, "https://relayer.example", vc.BaseURL)
	assert.Equal(t, "secret", vc.APIKey)
	assert.Equal(t, 12, vc.MaxPollAttempts)
	assert.Equal(t, verifier.JobAggregated, vc.TerminalStatus)
	assert.Equal(t, 5*time.Second, vc.PollInterval)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("POLYPAY_CONSENSUS_DENIAL_QUORUM", "0")
	_, err := Load(New(), "")
	require.ErrorContains(t, err, "denial_quorum")
}

func TestValidateServeRequiresVerifier(t *testing.T) {
	c, err := Load(New(), "")
	require.NoError(t, err)
	require.ErrorContains(t, c.ValidateServe(), "verifier.base_url")
}

func TestChainValidate(t *testing.T) {
	c := ChainConfig{ContractAddress: "nope", PrivateKey: "ab", ChainID: 1}
	require.Error(t, c.Validate())

	c.ContractAddress = "0x00000000000000000000000000000000000000c0"
	require.NoError(t, c.Validate())

	c.ChainID = 0
	require.Error(t, c.Validate())
}

func TestValidateReservationTTL(t *testing.T) {
	t.Setenv("POLYPAY_CONSENSUS_RESERVATION_TTL", "0s")
	_, err := Load(New(), "")
	require.ErrorContains(t, err, "reservation_ttl")
}
