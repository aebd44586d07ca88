// Package keystore owns the process-wide key pairs: the admin RSA pair that
// wraps per-asset scramble keys, and the Paillier pair for homomorphic
// metadata. Both are created lazily on first use and persisted once.
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"examseal/internal/logging"
	"examseal/internal/phe"
	"examseal/internal/sealerr"
	"examseal/internal/security"
)

// File names inside the keys directory.
const (
	PrivateKeyFile = "admin_private_key.pem"
	PublicKeyFile  = "admin_public_key.pem"
	PHEKeyFile     = "phe_keys.json"
	lockFile       = ".keys.lock"

	maxKeyFileSize = 1 << 20
)

var (
	// ErrKeyPairIncomplete is returned when the admin private key is
	// missing but its public half exists. Regenerating would orphan every
	// wrapped key. A missing public half is rebuilt from the private key.
	ErrKeyPairIncomplete = errors.New("keystore: admin key pair incomplete")
	ErrKeyMismatch       = errors.New("keystore: public key does not match private key")
)

// Options configures a Manager.
type Options struct {
	Dir          string
	RSABits      int
	PaillierBits int

	// Passphrase, when non-empty, seals the admin private key at rest.
	Passphrase []byte

	Logger *logging.Logger
}

// Manager lazily loads or generates key pairs. It is safe for concurrent
// use; generation is additionally serialized across processes by a lock
// file in the keys directory.
type Manager struct {
	dir        string
	rsaBits    int
	pheBits    int
	passphrase []byte
	logger     *logging.Logger

	rsaMu  sync.Mutex
	rsaKey *rsa.PrivateKey
	rsaPub *rsa.PublicKey

	pheMu  sync.Mutex
	pheKey *phe.PrivateKey
}

// New creates a Manager rooted at opts.Dir.
func New(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("keystore: keys directory is required")
	}
	if opts.RSABits == 0 {
		opts.RSABits = 2048
	}
	if opts.PaillierBits == 0 {
		opts.PaillierBits = phe.DefaultKeyBits
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if err := security.EnsureSecureDir(opts.Dir); err != nil {
		return nil, fmt.Errorf("%w: keys directory: %v", sealerr.ErrStorageIO, err)
	}

	var pass []byte
	if len(opts.Passphrase) > 0 {
		pass = append([]byte(nil), opts.Passphrase...)
	}
	return &Manager{
		dir:        opts.Dir,
		rsaBits:    opts.RSABits,
		pheBits:    opts.PaillierBits,
		passphrase: pass,
		logger:     opts.Logger.WithComponent("keystore"),
	}, nil
}

// Dir returns the keys directory.
func (m *Manager) Dir() string {
	return m.dir
}

// AdminKeyPair returns the admin RSA key pair, loading it from disk or
// generating and persisting it on first use.
func (m *Manager) AdminKeyPair() (*rsa.PrivateKey, error) {
	m.rsaMu.Lock()
	defer m.rsaMu.Unlock()
	return m.adminKeyPairLocked()
}

func (m *Manager) adminKeyPairLocked() (*rsa.PrivateKey, error) {
	if m.rsaKey != nil {
		return m.rsaKey, nil
	}

	lock, err := security.AcquireLock(filepath.Join(m.dir, lockFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	defer lock.Release()

	privPath := filepath.Join(m.dir, PrivateKeyFile)
	pubPath := filepath.Join(m.dir, PublicKeyFile)
	privExists := fileExists(privPath)
	pubExists := fileExists(pubPath)

	var key *rsa.PrivateKey
	switch {
	case privExists && pubExists:
		key, err = m.loadRSA(privPath, pubPath)
	case privExists:
		key, err = m.recoverPublicKey(privPath, pubPath)
	case pubExists:
		return nil, fmt.Errorf("%w in %s", ErrKeyPairIncomplete, m.dir)
	default:
		key, err = m.generateRSA(privPath, pubPath)
	}
	if err != nil {
		return nil, err
	}
	m.rsaKey = key
	return key, nil
}

// AdminPublicKey returns the public half of the admin pair. Once the pair
// exists only admin_public_key.pem is read, so wrapping never needs the
// passphrase.
func (m *Manager) AdminPublicKey() (*rsa.PublicKey, error) {
	m.rsaMu.Lock()
	defer m.rsaMu.Unlock()

	switch {
	case m.rsaKey != nil:
		return &m.rsaKey.PublicKey, nil
	case m.rsaPub != nil:
		return m.rsaPub, nil
	}

	pubPath := filepath.Join(m.dir, PublicKeyFile)
	if fileExists(pubPath) && fileExists(filepath.Join(m.dir, PrivateKeyFile)) {
		data, err := os.ReadFile(pubPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read public key: %v", sealerr.ErrStorageIO, err)
		}
		pub, err := ParsePublicKeyPEM(data)
		if err != nil {
			return nil, err
		}
		m.rsaPub = pub
		return pub, nil
	}

	key, err := m.adminKeyPairLocked()
	if err != nil {
		return nil, err
	}
	return &key.PublicKey, nil
}

// recoverPublicKey rewrites a missing public key from the private key. This
// is the state left by a crash during generation.
func (m *Manager) recoverPublicKey(privPath, pubPath string) (*rsa.PrivateKey, error) {
	privData, err := security.ReadSecretFile(privPath, maxKeyFileSize)
	if err != nil {
		return nil, fmt.Errorf("%w: read private key: %v", sealerr.ErrStorageIO, err)
	}
	key, err := m.parsePrivateKey(privData)
	if err != nil {
		return nil, err
	}
	pubPEM, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := security.WriteFileAtomic(pubPath, pubPEM, security.PermPublicFile); err != nil {
		return nil, fmt.Errorf("%w: write public key: %v", sealerr.ErrStorageIO, err)
	}
	m.logger.Warn("admin public key rebuilt from private key", "path", pubPath)
	return key, nil
}

func encodePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("keystore: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func (m *Manager) generateRSA(privPath, pubPath string) (*rsa.PrivateKey, error) {
	m.logger.Info("generating admin key pair", "bits", m.rsaBits)

	key, err := rsa.GenerateKey(rand.Reader, m.rsaBits)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate rsa key: %w", err)
	}

	privPEM, err := m.encodePrivateKey(key)
	if err != nil {
		return nil, err
	}
	pubPEM, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	// The private half goes first: a crash in between is repaired by
	// recoverPublicKey on the next load.
	if err := security.WriteSecretFile(privPath, privPEM); err != nil {
		return nil, fmt.Errorf("%w: write private key: %v", sealerr.ErrStorageIO, err)
	}
	if err := security.WriteFileAtomic(pubPath, pubPEM, security.PermPublicFile); err != nil {
		return nil, fmt.Errorf("%w: write public key: %v", sealerr.ErrStorageIO, err)
	}
	return key, nil
}

func (m *Manager) encodePrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	var out []byte
	err := security.GuardedExec(x509.MarshalPKCS1PrivateKey(key), func(der []byte) error {
		if len(m.passphrase) == 0 {
			out = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
			return nil
		}
		block, err := sealPrivateKey(der, m.passphrase)
		if err != nil {
			return err
		}
		out = pem.EncodeToMemory(block)
		return nil
	})
	return out, err
}

func (m *Manager) loadRSA(privPath, pubPath string) (*rsa.PrivateKey, error) {
	privData, err := security.ReadSecretFile(privPath, maxKeyFileSize)
	if err != nil {
		return nil, fmt.Errorf("%w: read private key: %v", sealerr.ErrStorageIO, err)
	}
	key, err := m.parsePrivateKey(privData)
	if err != nil {
		return nil, err
	}

	pubData, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read public key: %v", sealerr.ErrStorageIO, err)
	}
	pub, err := ParsePublicKeyPEM(pubData)
	if err != nil {
		return nil, err
	}
	if !pub.Equal(&key.PublicKey) {
		return nil, ErrKeyMismatch
	}
	return key, nil
}

func (m *Manager) parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("keystore: private key is not PEM")
	}

	der := block.Bytes
	if block.Type == sealedBlockType {
		if len(m.passphrase) == 0 {
			return nil, ErrPassphraseRequired
		}
		opened, err := openPrivateKey(block, m.passphrase)
		if err != nil {
			return nil, err
		}
		defer security.Wipe(opened)
		der = opened
	}
	return parsePrivateDER(der)
}

func parsePrivateDER(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("keystore: private key is not RSA")
	}
	return key, nil
}

// ParsePublicKeyPEM parses a PKIX or PKCS#1 RSA public key.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("keystore: public key is not PEM")
	}
	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keystore: public key is not RSA")
	}
	return pub, nil
}

// PHEKeyPair returns the Paillier key pair, loading or generating it.
func (m *Manager) PHEKeyPair() (*phe.PrivateKey, error) {
	m.pheMu.Lock()
	defer m.pheMu.Unlock()

	if m.pheKey != nil {
		return m.pheKey, nil
	}

	lock, err := security.AcquireLock(filepath.Join(m.dir, lockFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	defer lock.Release()

	path := filepath.Join(m.dir, PHEKeyFile)
	if fileExists(path) {
		data, err := security.ReadSecretFile(path, maxKeyFileSize)
		if err != nil {
			return nil, fmt.Errorf("%w: read paillier keys: %v", sealerr.ErrStorageIO, err)
		}
		key, err := phe.ParseKeyPair(data)
		if err != nil {
			return nil, err
		}
		m.pheKey = key
		return key, nil
	}

	m.logger.Info("generating paillier key pair", "bits", m.pheBits)
	key, err := phe.GenerateKeyPair(rand.Reader, m.pheBits)
	if err != nil {
		return nil, err
	}
	data, err := phe.MarshalKeyPair(key)
	if err != nil {
		return nil, err
	}
	if err := security.WriteSecretFile(path, data); err != nil {
		return nil, fmt.Errorf("%w: write paillier keys: %v", sealerr.ErrStorageIO, err)
	}
	m.pheKey = key
	return key, nil
}

// PHEPublicKey returns the Paillier public key.
func (m *Manager) PHEPublicKey() (*phe.PublicKey, error) {
	key, err := m.PHEKeyPair()
	if err != nil {
		return nil, err
	}
	return key.Public(), nil
}

// Close drops cached private material.
func (m *Manager) Close() {
	m.rsaMu.Lock()
	m.rsaKey = nil
	m.rsaPub = nil
	m.rsaMu.Unlock()

	m.pheMu.Lock()
	m.pheKey = nil
	m.pheMu.Unlock()

	security.Wipe(m.passphrase)
	m.passphrase = nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
