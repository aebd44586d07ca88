package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const sealedBlockType = "EXAMSEAL ENCRYPTED PRIVATE KEY"

// Argon2id parameters for the key-encryption key.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = chacha20poly1305.KeySize
	saltSize     = 16
)

var (
	ErrPassphraseRequired = errors.New("keystore: private key is sealed and no passphrase is configured")
	ErrWrongPassphrase    = errors.New("keystore: wrong passphrase or corrupt sealed key")
)

func deriveKEK(passphrase, salt []byte, t, mem uint32, threads uint8) *memguard.LockedBuffer {
	return memguard.NewBufferFromBytes(argon2.IDKey(passphrase, salt, t, mem, threads, argonKeyLen))
}

// sealPrivateKey encrypts der with XChaCha20-Poly1305 under an argon2id
// key. The KDF parameters travel in the PEM headers.
func sealPrivateKey(der, passphrase []byte) (*pem.Block, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keystore: nonce: %w", err)
	}

	kek := deriveKEK(passphrase, salt, argonTime, argonMemory, argonThreads)
	defer kek.Destroy()

	aead, err := chacha20poly1305.NewX(kek.Bytes())
	if err != nil {
		return nil, fmt.Errorf("keystore: cipher: %w", err)
	}

	return &pem.Block{
		Type: sealedBlockType,
		Headers: map[string]string{
			"KDF":     "argon2id",
			"Time":    strconv.Itoa(argonTime),
			"Memory":  strconv.Itoa(argonMemory),
			"Threads": strconv.Itoa(argonThreads),
			"Salt":    hex.EncodeToString(salt),
			"Nonce":   hex.EncodeToString(nonce),
		},
		Bytes: aead.Seal(nil, nonce, der, []byte(sealedBlockType)),
	}, nil
}

func openPrivateKey(block *pem.Block, passphrase []byte) ([]byte, error) {
	h := block.Headers
	if h["KDF"] != "argon2id" {
		return nil, fmt.Errorf("keystore: unsupported kdf %q", h["KDF"])
	}
	t, err1 := strconv.ParseUint(h["Time"], 10, 32)
	mem, err2 := strconv.ParseUint(h["Memory"], 10, 32)
	threads, err3 := strconv.ParseUint(h["Threads"], 10, 8)
	salt, err4 := hex.DecodeString(h["Salt"])
	nonce, err5 := hex.DecodeString(h["Nonce"])
	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		return nil, fmt.Errorf("keystore: malformed sealed key headers: %w", err)
	}
	if len(nonce) != chacha20poly1305.NonceSizeX || t == 0 || threads == 0 {
		return nil, fmt.Errorf("keystore: malformed sealed key headers")
	}

	kek := deriveKEK(passphrase, salt, uint32(t), uint32(mem), uint8(threads))
	defer kek.Destroy()

	aead, err := chacha20poly1305.NewX(kek.Bytes())
	if err != nil {
		return nil, fmt.Errorf("keystore: cipher: %w", err)
	}
	der, err := aead.Open(nil, nonce, block.Bytes, []byte(sealedBlockType))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return der, nil
}
