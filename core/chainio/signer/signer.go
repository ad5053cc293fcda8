package signer

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	eip191Prefix = "\x19Ethereum Signed Message:\n"
)

// LoadKey parses an optionally 0x-prefixed hex private key and derives its
// address. The key is shared between bundle submission and sponsorship
// signing; callers must serialize access per signing operation.
func LoadKey(privateKeyHex string) (*ecdsa.PrivateKey, common.Address, error) {
	if strings.HasPrefix(privateKeyHex, "0x") {
		privateKeyHex = privateKeyHex[2:]
	}

	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("invalid signing key: %w", err)
	}

	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

// SignMessage generates an EIP-191 personal-sign signature over data. The
// recovery byte is shifted to 27/28 as on-chain verifiers expect.
func SignMessage(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	prefix := []byte(eip191Prefix + fmt.Sprint(len(data)))
	prefixedData := append(prefix, data...)
	hash := crypto.Keccak256Hash(prefixedData)

	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, err
	}
	// https://stackoverflow.com/questions/69762108/implementing-ethereum-personal-sign-eip-191-from-go-ethereum-gives-different-s
	sig[64] += 27

	return sig, nil
}

func SignMessageAsHex(key *ecdsa.PrivateKey, data []byte) (string, error) {
	signature, err := SignMessage(key, data)
	if err != nil {
		return "", err
	}

	return common.Bytes2Hex(signature), nil
}
