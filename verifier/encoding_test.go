package verifier

import (
	"encoding/base64"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePublicInputs(t *testing.T) {
	inputs, err := ParsePublicInputs([]string{"255", "0xff", "0XFF"})
	require.NoError(t, err)
	require.Len(t, inputs, 3)
	for _, in := range inputs {
		assert.Equal(t, byte(0xff), in[31])
		assert.Equal(t, byte(0), in[30])
	}
}

func TestParsePublicInputsRejectsOutOfField(t *testing.T) {
	_, err := ParsePublicInputs([]string{fr.Modulus().String()})
	require.Error(t, err)

	_, err = ParsePublicInputs([]string{"-1"})
	require.Error(t, err)

	_, err = ParsePublicInputs([]string{"0xzz"})
	require.Error(t, err)

	_, err = ParsePublicInputs([]string{""})
	require.Error(t, err)
}

func TestDecodeProof(t *testing.T) {
	b, err := DecodeProof("0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b)

	b, err = DecodeProof("deadbeef")
	require.NoError(t, err)
	assert.Len(t, b, 4)

	_, err = DecodeProof("0x")
	require.Error(t, err)
	_, err = DecodeProof("xyz")
	require.Error(t, err)
}

func TestEncodeProofDataOrder(t *testing.T) {
	var in [32]byte
	in[31] = 9
	encoded := EncodeProofData([]byte{1, 2}, [][32]byte{in})

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	require.Len(t, raw, 34)
	assert.Equal(t, byte(9), raw[31])
	assert.Equal(t, []byte{1, 2}, raw[32:])
}

func TestJobStatusReached(t *testing.T) {
	assert.True(t, (&JobStatus{Status: JobIncludedInBlock}).Reached(JobIncludedInBlock))
	assert.True(t, (&JobStatus{Status: JobAggregated}).Reached(JobIncludedInBlock))
	assert.False(t, (&JobStatus{Status: JobSubmitted}).Reached(JobIncludedInBlock))
	assert.False(t, (&JobStatus{Status: "Mystery"}).Reached(JobIncludedInBlock))
	assert.False(t, (&JobStatus{Status: JobFailed}).Reached(JobIncludedInBlock))
}
