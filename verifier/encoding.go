package verifier

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// ParsePublicInputs converts public inputs given as decimal or hex strings into
// 32-byte big-endian bn254 scalar field elements. Values outside the field are
// rejected rather than reduced.
func ParsePublicInputs(inputs []string) ([][32]byte, error) {
	out := make([][32]byte, 0, len(inputs))
	modulus := fr.Modulus()
	for i, raw := range inputs {
		v, err := parseInteger(raw)
		if err != nil {
			return nil, fmt.Errorf("public input %d: %w", i, err)
		}
		if v.Sign() < 0 || v.Cmp(modulus) >= 0 {
			return nil, fmt.Errorf("public input %d: value outside the bn254 scalar field", i)
		}
		var e fr.Element
		e.SetBigInt(v)
		out = append(out, e.Bytes())
	}
	return out, nil
}

// DecodeProof decodes a hex proof, with or without the 0x prefix
func DecodeProof(proof string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimSpace(proof), "0x")
	if s == "" {
		return nil, fmt.Errorf("proof is empty")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("proof is not valid hex: %w", err)
	}
	return b, nil
}

// EncodeProofData builds the verifier's proof field:
// base64(publicInputs || proofBytes)
func EncodeProofData(proof []byte, publicInputs [][32]byte) string {
	buf := make([]byte, 0, len(publicInputs)*32+len(proof))
	for _, in := range publicInputs {
		buf = append(buf, in[:]...)
	}
	buf = append(buf, proof...)
	return base64.StdEncoding.EncodeToString(buf)
}

func parseInteger(raw string) (*big.Int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty value")
	}
	v := new(big.Int)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if _, ok := v.SetString(s[2:], 16); !ok {
			return nil, fmt.Errorf("invalid hex value %q", raw)
		}
		return v, nil
	}
	if _, ok := v.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid decimal value %q", raw)
	}
	return v, nil
}
