package utils

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/crypto"
)

// HexToBytes32 converts a hex string (with or without 0x prefix) to a 32-byte array.
// Shorter inputs are left padded with zeros; longer inputs are rejected.
func HexToBytes32(hexStr string) ([32]byte, error) {
	hexStr = strings.TrimPrefix(hexStr, "0x")
	if len(hexStr) > 64 {
		return [32]byte{}, fmt.Errorf("hex value longer than 32 bytes: %d characters", len(hexStr))
	}
	if len(hexStr)%2 == 1 {
		hexStr = "0" + hexStr
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[32-len(b):], b)
	return out, nil
}

// ParseNetworkTag reads a whitelist tag. A 0x-prefixed value is decoded as hex;
// anything else is taken as a UTF-8 label, right padded with zeros the way
// bytes32 string constants are encoded on-chain.
func ParseNetworkTag(s string) ([32]byte, error) {
	if s == "" {
		return [32]byte{}, errors.New("network tag must not be empty")
	}
	if strings.HasPrefix(s, "0x") {
		return HexToBytes32(s)
	}
	if len(s) > 31 {
		return [32]byte{}, fmt.Errorf("network label %q longer than 31 bytes", s)
	}
	var out [32]byte
	copy(out[:], s)
	return out, nil
}

// ParseAddress parses a hex contract or account address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParsePrivateKey decodes a hex secp256k1 private key.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
