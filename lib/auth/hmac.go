package auth

import (
	"crypto"
	"crypto/hmac"
	"encoding/base64"
	"errors"
	"strings"
)

var ErrTokenInvalid = errors.New("token is invalid")

// VerifyToken checks the HS256 signature of signingString. Returns nil
// if the signature is valid.
func VerifyToken(signingString, signature string, key []byte) error {
	sig, err := DecodeSegment(signature)
	if err != nil {
		return err
	}

	// symmetric scheme: reproduce the signature and compare
	hasher := hmac.New(crypto.SHA256.New, key)
	hasher.Write([]byte(signingString))
	if !hmac.Equal(sig, hasher.Sum(nil)) {
		return ErrTokenInvalid
	}

	return nil
}

// SignToken produces the HS256 signature of signingString.
func SignToken(signingString string, key []byte) string {
	hasher := hmac.New(crypto.SHA256.New, key)
	hasher.Write([]byte(signingString))

	return EncodeSegment(hasher.Sum(nil))
}

// base64url encoding with padding stripped
func EncodeSegment(seg []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(seg), "=")
}

func DecodeSegment(seg string) ([]byte, error) {
	if l := len(seg) % 4; l > 0 {
		seg += strings.Repeat("=", 4-l)
	}

	return base64.URLEncoding.DecodeString(seg)
}
