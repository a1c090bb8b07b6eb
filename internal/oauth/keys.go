package oauth

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"
)

// KeyManager holds the RSA key pair used to verify host-app user-session
// tokens and to serve the JWKS document.
type KeyManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	kid        string
}

// NewKeyManager wraps an existing private key.
func NewKeyManager(key *rsa.PrivateKey) (*KeyManager, error) {
	pub := &key.PublicKey
	kid, err := computeKID(pub)
	if err != nil {
		return nil, err
	}
	return &KeyManager{privateKey: key, publicKey: pub, kid: kid}, nil
}

// LoadKeyManagerFromEnv loads an RSA private key from GATEWAY_SESSION_KEY_PEM
// or the file at GATEWAY_SESSION_KEY_PATH.
func LoadKeyManagerFromEnv() (*KeyManager, error) {
	pemValue := os.Getenv("GATEWAY_SESSION_KEY_PEM")
	if pemValue == "" {
		if path := os.Getenv("GATEWAY_SESSION_KEY_PATH"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read GATEWAY_SESSION_KEY_PATH: %w", err)
			}
			pemValue = string(data)
		}
	}
	if pemValue == "" {
		return nil, fmt.Errorf("GATEWAY_SESSION_KEY_PEM or GATEWAY_SESSION_KEY_PATH is required")
	}
	pemValue = strings.ReplaceAll(pemValue, `\n`, "\n")

	block, _ := pem.Decode([]byte(pemValue))
	if block == nil {
		return nil, fmt.Errorf("invalid private key PEM")
	}

	var key *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = parsed
	} else if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		key = rsaKey
	} else {
		return nil, fmt.Errorf("unable to parse RSA private key")
	}

	return NewKeyManager(key)
}

func (k *KeyManager) PrivateKey() *rsa.PrivateKey { return k.privateKey }

func (k *KeyManager) PublicKey() *rsa.PublicKey { return k.publicKey }

func (k *KeyManager) KID() string { return k.kid }

// JWKS renders the public key as a JWK set document.
func (k *KeyManager) JWKS() map[string]interface{} {
	n := base64.RawURLEncoding.EncodeToString(k.publicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.publicKey.E)).Bytes())
	return map[string]interface{}{
		"keys": []map[string]interface{}{
			{
				"kty": "RSA",
				"use": "sig",
				"kid": k.kid,
				"alg": "RS256",
				"n":   n,
				"e":   e,
			},
		},
	}
}

func computeKID(pub *rsa.PublicKey) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(derBytes)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
