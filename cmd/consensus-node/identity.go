package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/crypto"
	"github.com/hgnode/consensus-node/pkg/platform"
)

// identity is this node's signing key and the agreement certificate that
// announces its public half to the roster.
type identity struct {
	Private ed25519.PrivateKey
	Cert    *x509.Certificate
}

// loadOrCreateIdentity loads nodeID's signing key and certificate from the
// data directory's keystore subdirectory (created by Config.InitDataDir),
// generating and persisting a fresh Ed25519 identity on first run. The
// encrypted key material round-trips through pkg/crypto's Keystore so the
// same scrypt-like KDF and AES-CTR-style cipher the keystore uses for
// in-memory key handling also protects it at rest.
func loadOrCreateIdentity(cfg *platform.Config, nodeID uuid.UUID, passphrase string) (*identity, error) {
	dir := cfg.ResolvePath("keystore")
	keyFile := filepath.Join(dir, nodeID.String()+".key.json")
	certFile := filepath.Join(dir, nodeID.String()+".cert.pem")

	if fileExists(keyFile) && fileExists(certFile) {
		return loadIdentity(keyFile, certFile, nodeID, passphrase)
	}
	return createIdentity(keyFile, certFile, nodeID, passphrase)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadIdentity(keyFile, certFile string, nodeID uuid.UUID, passphrase string) (*identity, error) {
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("identity: read key file: %w", err)
	}
	var ek crypto.EncryptedKey
	if err := json.Unmarshal(raw, &ek); err != nil {
		return nil, fmt.Errorf("identity: decode key file: %w", err)
	}

	ks := crypto.NewKeystore(crypto.DefaultKeystoreConfig())
	if err := ks.Import(&ek); err != nil {
		return nil, err
	}
	seed, err := ks.LoadKey(nodeID, passphrase)
	if err != nil {
		return nil, fmt.Errorf("identity: unlock key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: unexpected seed length %d", len(seed))
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("identity: read cert file: %w", err)
	}
	cert, err := decodeCertPEM(certPEM)
	if err != nil {
		return nil, err
	}

	return &identity{Private: ed25519.NewKeyFromSeed(seed), Cert: cert}, nil
}

func createIdentity(keyFile, certFile string, nodeID uuid.UUID, passphrase string) (*identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}

	cert, certDER, err := selfSignedCert(nodeID, pub, priv)
	if err != nil {
		return nil, err
	}

	ks := crypto.NewKeystore(crypto.DefaultKeystoreConfig())
	if _, err := ks.StoreKey(nodeID, priv.Seed(), passphrase); err != nil {
		return nil, fmt.Errorf("identity: store key: %w", err)
	}
	ek, err := ks.Export(nodeID)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return nil, fmt.Errorf("identity: create keystore dir: %w", err)
	}
	keyJSON, err := json.Marshal(ek)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyFile, keyJSON, 0600); err != nil {
		return nil, fmt.Errorf("identity: write key file: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return nil, fmt.Errorf("identity: write cert file: %w", err)
	}

	return &identity{Private: priv, Cert: cert}, nil
}

// selfSignedCert builds a self-signed agreement certificate carrying pub,
// usable both as this node's TLS leaf certificate and, once distributed
// to peers via the roster file, as the trust anchor matched during mTLS
// peer identification.
func selfSignedCert(nodeID uuid.UUID, pub ed25519.PublicKey, priv ed25519.PrivateKey) (*x509.Certificate, []byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("identity: serial number: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: nodeID.String()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: parse generated certificate: %w", err)
	}
	return cert, der, nil
}

func decodeCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("identity: no PEM block found in certificate file")
	}
	return x509.ParseCertificate(block.Bytes)
}
