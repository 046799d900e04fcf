// Description: keys package
// Host keys for the sftp gateway. Keys are generated in PEM format and
// the public half is returned in authorized_keys format for operators.

package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// Kind is a host key algorithm
type Kind string

const (
	RSA     Kind = "rsa"
	ECDSA   Kind = "ecdsa"
	ED25519 Kind = "ed25519"
)

// GeneratesRSAKeys generates a new RSA key pair, bitSize must be 2048, 3072 or 4096.
func GeneratesRSAKeys(bitSize int) (privateKeyFile, publicKey []byte, err error) {
	validBitSizes := map[int]bool{2048: true, 3072: true, 4096: true}
	if !validBitSizes[bitSize] {
		return nil, nil, fmt.Errorf("invalid RSA bit size: %d", bitSize)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		return nil, nil, fmt.Errorf("error generating RSA private key: %w", err)
	}

	privateKeyFile = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	publicKey, err = authorizedKey(&privateKey.PublicKey)
	return privateKeyFile, publicKey, err
}

// GeneratesECDSAKeys generates a new ECDSA key pair, bitSize selects the curve.
// ssh only knows the 256, 384 and 521 bit curves.
func GeneratesECDSAKeys(bitSize int) (privateKeyFile, publicKey []byte, err error) {
	var curve elliptic.Curve
	switch bitSize {
	case 256:
		curve = elliptic.P256()
	case 384:
		curve = elliptic.P384()
	case 521:
		curve = elliptic.P521()
	default:
		return nil, nil, fmt.Errorf("invalid ECDSA bit size: %d", bitSize)
	}

	privateKey, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("error generating ECDSA private key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error encoding ECDSA private key: %w", err)
	}
	privateKeyFile = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes})
	publicKey, err = authorizedKey(&privateKey.PublicKey)
	return privateKeyFile, publicKey, err
}

// GeneratesED25519Keys generates a new EdDSA key pair.
func GeneratesED25519Keys() (privateKeyFile, publicKey []byte, err error) {
	pub, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("error generating ED25519 private key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error encoding ED25519 private key: %w", err)
	}
	privateKeyFile = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateKeyBytes})
	publicKey, err = authorizedKey(pub)
	return privateKeyFile, publicKey, err
}

// Generate dispatches on kind, bitSize is ignored for ED25519.
func Generate(kind Kind, bitSize int) (privateKeyFile, publicKey []byte, err error) {
	switch kind {
	case RSA:
		return GeneratesRSAKeys(bitSize)
	case ECDSA:
		return GeneratesECDSAKeys(bitSize)
	case ED25519, "":
		return GeneratesED25519Keys()
	}
	return nil, nil, fmt.Errorf("unknown key kind %q", kind)
}

func authorizedKey(pub crypto.PublicKey) ([]byte, error) {
	sshKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("error converting public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshKey), nil
}

// LoadOrGenerate reads the PEM private key at path. When the file does not
// exist an ED25519 key is generated and saved there with 0600 permissions.
// An empty path generates a key that only lives as long as the process.
func LoadOrGenerate(path string, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "keys")

	if path != "" {
		pk, err := os.ReadFile(path)
		if err == nil {
			if _, err := ssh.ParsePrivateKey(pk); err != nil {
				return nil, fmt.Errorf("error parsing private key %s: %w", path, err)
			}
			logger.Debug("loaded host key", "path", path)
			return pk, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading private key file: %w", err)
		}
	}

	pk, pub, err := GeneratesED25519Keys()
	if err != nil {
		return nil, err
	}
	if path == "" {
		logger.Warn("using an ephemeral host key", "publicKey", string(pub))
		return pk, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("error creating key directory: %w", err)
	}
	if err := os.WriteFile(path, pk, 0600); err != nil {
		return nil, fmt.Errorf("error writing private key file: %w", err)
	}
	logger.Info("generated host key", "path", path, "publicKey", string(pub))
	return pk, nil
}
