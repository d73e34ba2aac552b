package agent

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Wallet is a throwaway secp256k1 key used only to answer an agent's
// wallet-link challenge.
type Wallet struct {
	key     *ecdsa.PrivateKey
	Address common.Address
}

// NewWallet generates a fresh random key.
func NewWallet() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("agent: generate key: %w", err)
	}
	return &Wallet{key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// SignTypedData signs an EIP-712 payload as returned by the challenge
// endpoint and returns the 0x-prefixed 65-byte signature with V in {27,28}.
func (w *Wallet) SignTypedData(raw json.RawMessage) (string, error) {
	td, err := ParseTypedData(raw)
	if err != nil {
		return "", err
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return "", fmt.Errorf("agent: hash typed data: %w", err)
	}
	sig, err := crypto.Sign(hash, w.key)
	if err != nil {
		return "", fmt.Errorf("agent: sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// ParseTypedData decodes a typed-data document. Challenges often omit the
// EIP712Domain type and the primary type; both are derived when missing.
func ParseTypedData(raw json.RawMessage) (apitypes.TypedData, error) {
	var td apitypes.TypedData
	if err := json.Unmarshal(raw, &td); err != nil {
		return td, fmt.Errorf("agent: decode typed data: %w", err)
	}
	if len(td.Types) == 0 {
		return td, errors.New("agent: typed data has no types")
	}
	if _, ok := td.Types["EIP712Domain"]; !ok {
		td.Types["EIP712Domain"] = domainFields(td.Domain)
	}
	if td.PrimaryType == "" {
		pt, err := primaryType(td.Types)
		if err != nil {
			return td, err
		}
		td.PrimaryType = pt
	}
	return td, nil
}

func domainFields(d apitypes.TypedDataDomain) []apitypes.Type {
	var fields []apitypes.Type
	if d.Name != "" {
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if d.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if d.ChainId != nil {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if d.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if d.Salt != "" {
		fields = append(fields, apitypes.Type{Name: "salt", Type: "bytes32"})
	}
	return fields
}

// primaryType finds the single struct type no other type references.
func primaryType(types apitypes.Types) (string, error) {
	referenced := make(map[string]bool)
	for name, fields := range types {
		if name == "EIP712Domain" {
			continue
		}
		for _, f := range fields {
			base, _, _ := strings.Cut(f.Type, "[")
			referenced[base] = true
		}
	}
	var candidates []string
	for name := range types {
		if name != "EIP712Domain" && !referenced[name] {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) != 1 {
		return "", fmt.Errorf("agent: ambiguous primary type (%d candidates)", len(candidates))
	}
	return candidates[0], nil
}
