package keystore

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec"
	"github.com/ethereum/go-ethereum/crypto"
)

type KeyType byte

const (
	Secp256k1 KeyType = 1
)

// KeyInfo is used for storing keys in KeyStore
type KeyInfo struct {
	Type      KeyType
	SecretKey []byte
}

// create a keyinfo from random data
func NewKey() (*KeyInfo, error) {
	k, err := ecdsa.GenerateKey(btcec.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	// to bytes
	b := (*btcec.PrivateKey)(k).Serialize()

	ki := KeyInfo{
		SecretKey: b,
		Type:      Secp256k1,
	}

	return &ki, nil
}

// import a keyinfo with a sk string
func Import(sk string) (*KeyInfo, error) {
	b, err := hex.DecodeString(sk)
	if err != nil {
		return nil, err
	}

	ki := KeyInfo{
		SecretKey: b,
		Type:      Secp256k1,
	}

	return &ki, nil
}

// get address of the key
func (ki KeyInfo) Address() string {
	_, pubKey := btcec.PrivKeyFromBytes(btcec.S256(), ki.SecretKey)

	addr := crypto.PubkeyToAddress(ecdsa.PublicKey(*pubKey))

	return addr.String()
}

// get the sk as a string
func (ki KeyInfo) SK() string {
	return hex.EncodeToString(ki.SecretKey)
}
