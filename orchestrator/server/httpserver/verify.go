package httpserver

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/autoflow/orchestrator-api/lib/auth"
)

// recoverAddress extracts the signer address from a personal-sign
// signature over msg.
func recoverAddress(sig string, msg string) (string, error) {
	hash := auth.Hash([]byte(auth.EncloseEth(msg)))

	signature, err := auth.HexDecode(sig)
	if err != nil {
		return "", err
	}

	addrBytes := auth.SigToAddress(hash, signature)
	if addrBytes == nil {
		return "", errors.New("cannot recover address from signature")
	}
	return "0x" + hex.EncodeToString(addrBytes), nil
}

// sameAddress compares two hex addresses ignoring case and 0x prefix.
func sameAddress(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(a), "0x")
	b = strings.TrimPrefix(strings.ToLower(b), "0x")
	return a != "" && a == b
}
