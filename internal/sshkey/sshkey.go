// Package sshkey manages the daemon's SSH key pair. The public half is
// injected into every instance through cloud-init; the private half is
// handed to clients by ssh_info.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	privateKeyName = "id_ed25519"
	publicKeyName  = "id_ed25519.pub"
	keyComment     = "vmd@localhost"
)

// Manager owns the key pair stored under {dataDir}/ssh-keys/.
type Manager struct {
	dir string
}

// NewManager returns a manager for keys under dataDir.
func NewManager(dataDir string) *Manager {
	return &Manager{dir: filepath.Join(dataDir, "ssh-keys")}
}

// Dir returns the key directory.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) privateKeyPath() string {
	return filepath.Join(m.dir, privateKeyName)
}

func (m *Manager) publicKeyPath() string {
	return filepath.Join(m.dir, publicKeyName)
}

// KeyPairExists returns true if both private and public keys exist.
func (m *Manager) KeyPairExists() bool {
	_, privErr := os.Stat(m.privateKeyPath())
	_, pubErr := os.Stat(m.publicKeyPath())
	return privErr == nil && pubErr == nil
}

// Ensure generates an ed25519 key pair unless one already exists.
func (m *Manager) Ensure() error {
	if m.KeyPairExists() {
		return nil
	}

	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}

	if err := writePrivateKey(m.privateKeyPath(), privKey); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := writePublicKey(m.publicKeyPath(), pubKey); err != nil {
		os.Remove(m.privateKeyPath())
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// PublicKey returns the authorized_keys line without a trailing newline.
func (m *Manager) PublicKey() (string, error) {
	data, err := os.ReadFile(m.publicKeyPath())
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// PrivateKey returns the PEM-encoded OpenSSH private key.
func (m *Manager) PrivateKey() (string, error) {
	data, err := os.ReadFile(m.privateKeyPath())
	if err != nil {
		return "", fmt.Errorf("read private key: %w", err)
	}
	if _, err := ssh.ParsePrivateKey(data); err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return string(data), nil
}

// Signer returns an ssh.Signer for the private key.
func (m *Manager) Signer() (ssh.Signer, error) {
	data, err := os.ReadFile(m.privateKeyPath())
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

func writePrivateKey(path string, privKey ed25519.PrivateKey) error {
	block, err := ssh.MarshalPrivateKey(privKey, keyComment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0600)
}

func writePublicKey(path string, pubKey ed25519.PublicKey) error {
	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("convert public key: %w", err)
	}
	// MarshalAuthorizedKey ends with a newline
	line := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(sshPubKey)), "\n")
	return os.WriteFile(path, []byte(line+" "+keyComment+"\n"), 0644)
}

// ErrNoKey is returned by Load when no key pair has been generated.
var ErrNoKey = errors.New("sshkey: key pair not generated")

// Load returns the public key, failing with ErrNoKey when absent.
func (m *Manager) Load() (string, error) {
	if !m.KeyPairExists() {
		return "", ErrNoKey
	}
	return m.PublicKey()
}
