package crypto

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestKeystoreStoreAndLoad(t *testing.T) {
	ks := NewKeystore(DefaultKeystoreConfig())
	nodeID := uuid.New()
	secret := []byte("a-pretend-bls-secret-key-------")

	if _, err := ks.StoreKey(nodeID, secret, "hunter2"); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}
	if !ks.HasKey(nodeID) {
		t.Fatal("expected HasKey to report true after StoreKey")
	}

	loaded, err := ks.LoadKey(nodeID, "hunter2")
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if !bytes.Equal(loaded, secret) {
		t.Fatalf("LoadKey returned %x, want %x", loaded, secret)
	}
}

func TestKeystoreWrongPassphrase(t *testing.T) {
	ks := NewKeystore(DefaultKeystoreConfig())
	nodeID := uuid.New()
	if _, err := ks.StoreKey(nodeID, []byte("secret-key-bytes"), "correct"); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}

	if _, err := ks.LoadKey(nodeID, "wrong"); err == nil {
		t.Fatal("expected LoadKey to fail with wrong passphrase")
	}
}

func TestKeystoreDeleteAndMissing(t *testing.T) {
	ks := NewKeystore(DefaultKeystoreConfig())
	nodeID := uuid.New()
	if _, err := ks.LoadKey(nodeID, "x"); err == nil {
		t.Fatal("expected error loading key for unknown node")
	}

	if _, err := ks.StoreKey(nodeID, []byte("secret-key-bytes"), "pw"); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}
	if err := ks.DeleteKey(nodeID); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if ks.HasKey(nodeID) {
		t.Fatal("expected key to be gone after DeleteKey")
	}
}
