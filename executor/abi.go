package executor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Poly-pay/polypay-app-sub000/consensus"
)

// MultisigABI is the part of the multisig contract the executor calls
const MultisigABI = `[
  {
    "type": "function",
    "name": "execute",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "to", "type": "address"},
      {"name": "value", "type": "uint256"},
      {"name": "data", "type": "bytes"},
      {
        "name": "proofs",
        "type": "tuple[]",
        "components": [
          {"name": "nullifier", "type": "bytes32"},
          {"name": "aggregationId", "type": "uint256"},
          {"name": "merklePath", "type": "bytes32[]"},
          {"name": "leafCount", "type": "uint256"},
          {"name": "index", "type": "uint256"}
        ]
      }
    ],
    "outputs": []
  }
]`

// Proof mirrors the contract's proof tuple
type Proof struct {
	Nullifier     [32]byte
	AggregationId *big.Int
	MerklePath    [][32]byte
	LeafCount     *big.Int
	Index         *big.Int
}

var multisigABI = mustParseABI(MultisigABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid multisig abi: %v", err))
	}
	return parsed
}

// PackExecute encodes the execute call for data
func PackExecute(data *consensus.ExecutionData) ([]byte, error) {
	if !common.IsHexAddress(data.To) {
		return nil, fmt.Errorf("invalid target address %q", data.To)
	}
	value, ok := new(big.Int).SetString(data.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value %q", data.Value)
	}
	var callData []byte
	if data.CallData != "" {
		var err error
		callData, err = hexutil.Decode(data.CallData)
		if err != nil {
			return nil, fmt.Errorf("invalid call data: %w", err)
		}
	}

	proofs := make([]Proof, 0, len(data.Proofs))
	for i, p := range data.Proofs {
		nullifier, err := toBytes32(p.Nullifier)
		if err != nil {
			return nil, fmt.Errorf("proof %d nullifier: %w", i, err)
		}
		path := make([][32]byte, 0, len(p.MerkleProof))
		for j, node := range p.MerkleProof {
			b, err := toBytes32(node)
			if err != nil {
				return nil, fmt.Errorf("proof %d merkle node %d: %w", i, j, err)
			}
			path = append(path, b)
		}
		proofs = append(proofs, Proof{
			Nullifier:     nullifier,
			AggregationId: new(big.Int).SetUint64(p.AggregationID),
			MerklePath:    path,
			LeafCount:     new(big.Int).SetUint64(p.LeafCount),
			Index:         new(big.Int).SetUint64(p.Index),
		})
	}

	return multisigABI.Pack("execute", common.HexToAddress(data.To), value, callData, proofs)
}

// toBytes32 left-pads a hex value of at most 32 bytes
func toBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		return out, err
	}
	if len(b) > 32 {
		return out, fmt.Errorf("%d bytes does not fit bytes32", len(b))
	}
	copy(out[32-len(b):], b)
	return out, nil
}
