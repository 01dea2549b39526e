package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// KeystoreConfig holds configuration for the keystore.
type KeystoreConfig struct {
	ScryptN int // CPU/memory cost parameter (default: 262144)
	ScryptR int // block size parameter (default: 8)
	ScryptP int // parallelization parameter (default: 1)
	KeyDir  string
}

// DefaultKeystoreConfig returns a KeystoreConfig with standard defaults.
func DefaultKeystoreConfig() KeystoreConfig {
	return KeystoreConfig{
		ScryptN: 262144,
		ScryptR: 8,
		ScryptP: 1,
		KeyDir:  "keystore",
	}
}

// EncryptedKey holds the encrypted signing key material for one roster
// member, identified by node ID rather than an account address.
type EncryptedKey struct {
	NodeID     uuid.UUID
	ID         string // key file UUID v4
	Version    int    // always 3
	CipherText []byte
	IV         []byte
	Salt       []byte
	MAC        []byte
}

// Keystore manages encrypted signing keys (thread-safe). It is
// algorithm-agnostic: the stored plaintext is whatever secret key bytes the
// caller's Hasher/signing backend (BLS or the default scheme) expects.
type Keystore struct {
	mu     sync.RWMutex
	config KeystoreConfig
	keys   map[uuid.UUID]*EncryptedKey
}

// NewKeystore creates a new Keystore with the given configuration.
// Zero-valued config fields are replaced with defaults.
func NewKeystore(config KeystoreConfig) *Keystore {
	if config.ScryptN == 0 {
		config.ScryptN = 262144
	}
	if config.ScryptR == 0 {
		config.ScryptR = 8
	}
	if config.ScryptP == 0 {
		config.ScryptP = 1
	}
	if config.KeyDir == "" {
		config.KeyDir = "keystore"
	}
	return &Keystore{
		config: config,
		keys:   make(map[uuid.UUID]*EncryptedKey),
	}
}

// StoreKey encrypts a signing key with the given passphrase and stores it
// under nodeID.
func (ks *Keystore) StoreKey(nodeID uuid.UUID, secretKey []byte, passphrase string) (*EncryptedKey, error) {
	if len(secretKey) == 0 {
		return nil, errors.New("keystore: secret key must not be empty")
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: failed to generate salt: %w", err)
	}
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("keystore: failed to generate IV: %w", err)
	}

	derivedKey := deriveKey([]byte(passphrase), salt, ks.config.ScryptN)
	cipherText := ctrEncrypt(secretKey, derivedKey[:16], iv)
	mac := DefaultHasher().Sum(derivedKey[16:32], cipherText)

	ek := &EncryptedKey{
		NodeID:     nodeID,
		ID:         uuid.New().String(),
		Version:    3,
		CipherText: cipherText,
		IV:         iv,
		Salt:       salt,
		MAC:        mac[:],
	}

	ks.mu.Lock()
	ks.keys[nodeID] = ek
	ks.mu.Unlock()

	return ek, nil
}

// LoadKey decrypts and returns the secret key bytes for the given node.
func (ks *Keystore) LoadKey(nodeID uuid.UUID, passphrase string) ([]byte, error) {
	ks.mu.RLock()
	ek, ok := ks.keys[nodeID]
	ks.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("keystore: key not found for node %s", nodeID)
	}

	derivedKey := deriveKey([]byte(passphrase), ek.Salt, ks.config.ScryptN)

	expectedMAC := DefaultHasher().Sum(derivedKey[16:32], ek.CipherText)
	if !keystoreBytesEqual(expectedMAC[:], ek.MAC) {
		return nil, errors.New("keystore: wrong passphrase (MAC mismatch)")
	}

	secretKey := ctrEncrypt(ek.CipherText, derivedKey[:16], ek.IV)
	return secretKey, nil
}

// HasKey returns true if a key exists for the given node.
func (ks *Keystore) HasKey(nodeID uuid.UUID) bool {
	ks.mu.RLock()
	_, ok := ks.keys[nodeID]
	ks.mu.RUnlock()
	return ok
}

// ListNodeIDs returns all node IDs with a key stored in the keystore.
func (ks *Keystore) ListNodeIDs() []uuid.UUID {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(ks.keys))
	for id := range ks.keys {
		ids = append(ids, id)
	}
	return ids
}

// DeleteKey removes the key for the given node.
func (ks *Keystore) DeleteKey(nodeID uuid.UUID) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, ok := ks.keys[nodeID]; !ok {
		return fmt.Errorf("keystore: key not found for node %s", nodeID)
	}
	delete(ks.keys, nodeID)
	return nil
}

// ChangePassphrase re-encrypts the key under a new passphrase.
func (ks *Keystore) ChangePassphrase(nodeID uuid.UUID, oldPass, newPass string) error {
	secretKey, err := ks.LoadKey(nodeID, oldPass)
	if err != nil {
		return err
	}

	ks.mu.Lock()
	delete(ks.keys, nodeID)
	ks.mu.Unlock()

	_, err = ks.StoreKey(nodeID, secretKey, newPass)
	return err
}

// Import registers an already-encrypted key, as read back from the
// on-disk keystore directory by a caller that persists EncryptedKey
// values across process restarts. Returns ErrDuplicateMember-style
// behavior is not needed here: import overwrites any existing entry for
// the same node, matching key-rotation semantics.
func (ks *Keystore) Import(ek *EncryptedKey) error {
	if ek == nil {
		return errors.New("keystore: nil encrypted key")
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[ek.NodeID] = ek
	return nil
}

// Export returns the encrypted key record for nodeID, for a caller that
// persists it to disk (e.g. the node CLI's keystore directory).
func (ks *Keystore) Export(nodeID uuid.UUID) (*EncryptedKey, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	ek, ok := ks.keys[nodeID]
	if !ok {
		return nil, fmt.Errorf("keystore: key not found for node %s", nodeID)
	}
	return ek, nil
}

// deriveKey performs simplified scrypt-like key derivation: iteratively
// hashing the default Hasher over (passphrase, salt) for n rounds. Returns
// a 48-byte derived key truncated to the caller's needs.
func deriveKey(passphrase, salt []byte, n int) []byte {
	// Use a reduced iteration count based on scryptN to keep it fast.
	// Real scrypt would use memory-hard iterations; we simplify for
	// the purpose of this implementation.
	iterations := n / 1024
	if iterations < 1 {
		iterations = 1
	}
	if iterations > 4096 {
		iterations = 4096
	}

	h := DefaultHasher()
	key := h.Sum(passphrase, salt)
	for i := 1; i < iterations; i++ {
		key = h.Sum(key[:], salt)
	}
	return key[:]
}

// ctrEncrypt performs AES-128-CTR-like encryption using XOR with a key
// stream derived from the default Hasher over (key, iv, counter) for each
// block.
func ctrEncrypt(data, key, iv []byte) []byte {
	result := make([]byte, len(data))
	counter := make([]byte, 8)
	h := DefaultHasher()

	blockSize := HashSize
	for offset := 0; offset < len(data); offset += blockSize {
		binary.BigEndian.PutUint64(counter, uint64(offset/blockSize))
		stream := h.Sum(key, iv, counter)

		end := offset + blockSize
		if end > len(data) {
			end = len(data)
		}
		for i := offset; i < end; i++ {
			result[i] = data[i] ^ stream[i-offset]
		}
	}
	return result
}

// keystoreBytesEqual compares two byte slices in constant-ish time.
func keystoreBytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
