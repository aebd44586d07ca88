// Package keyvault wraps per-asset scramble keys for the admin: the key is
// encrypted with a one-time AES-256-CBC key, which is in turn encrypted
// with RSA-OAEP under the admin public key.
//
// The format is chaos_key.enc:
//
//	{"encrypted_aes_key": b64, "encrypted_data": b64, "iv": b64}
//
// OAEP uses SHA-1 for both the hash and MGF1, matching the default of the
// PyCryptodome files already in circulation.
package keyvault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"
	"os"

	"github.com/awnumar/memguard"

	"examseal/internal/chaos"
	"examseal/internal/sealerr"
	"examseal/internal/security"
)

const (
	aesKeySize     = 32
	maxWrappedSize = 64 << 10
)

// KeyProvider supplies the admin key pair. keystore.Manager implements it.
type KeyProvider interface {
	AdminKeyPair() (*rsa.PrivateKey, error)
	AdminPublicKey() (*rsa.PublicKey, error)
}

// WrappedKey is the persisted form of a scramble key.
type WrappedKey struct {
	EncryptedAESKey []byte
	EncryptedData   []byte
	IV              []byte
}

// Vault wraps and unwraps scramble keys.
type Vault struct {
	keys KeyProvider
}

// New creates a Vault backed by keys.
func New(keys KeyProvider) *Vault {
	return &Vault{keys: keys}
}

// Wrap encrypts key for the admin.
func (v *Vault) Wrap(key chaos.Key) (*WrappedKey, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	pub, err := v.keys.AdminPublicKey()
	if err != nil {
		return nil, fmt.Errorf("keyvault: admin public key: %w", err)
	}

	plain, err := key.Marshal()
	if err != nil {
		return nil, fmt.Errorf("keyvault: marshal key: %w", err)
	}
	defer security.Wipe(plain)

	aesKey := memguard.NewBufferRandom(aesKeySize)
	defer aesKey.Destroy()

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("keyvault: iv: %w", err)
	}

	block, err := aes.NewCipher(aesKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("keyvault: cipher: %w", err)
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	defer security.Wipe(padded)

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	encKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, aesKey.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("keyvault: encrypt aes key: %w", err)
	}

	return &WrappedKey{
		EncryptedAESKey: encKey,
		EncryptedData:   ciphertext,
		IV:              iv,
	}, nil
}

// Unwrap recovers the scramble key. Every failure is reported as
// sealerr.ErrUnwrapFailure and no partial key is returned.
func (v *Vault) Unwrap(w *WrappedKey) (chaos.Key, error) {
	if w == nil {
		return chaos.Key{}, fmt.Errorf("%w: nil wrapped key", sealerr.ErrUnwrapFailure)
	}
	priv, err := v.keys.AdminKeyPair()
	if err != nil {
		return chaos.Key{}, fmt.Errorf("keyvault: admin private key: %w", err)
	}

	if len(w.IV) != aes.BlockSize {
		return chaos.Key{}, fmt.Errorf("%w: iv length %d", sealerr.ErrUnwrapFailure, len(w.IV))
	}
	if len(w.EncryptedData) == 0 || len(w.EncryptedData)%aes.BlockSize != 0 {
		return chaos.Key{}, fmt.Errorf("%w: ciphertext not block aligned", sealerr.ErrUnwrapFailure)
	}

	rawKey, err := rsa.DecryptOAEP(sha1.New(), nil, priv, w.EncryptedAESKey, nil)
	if err != nil {
		return chaos.Key{}, fmt.Errorf("%w: rsa-oaep", sealerr.ErrUnwrapFailure)
	}
	aesKey := memguard.NewBufferFromBytes(rawKey)
	defer aesKey.Destroy()
	if aesKey.Size() != aesKeySize {
		return chaos.Key{}, fmt.Errorf("%w: aes key length", sealerr.ErrUnwrapFailure)
	}

	block, err := aes.NewCipher(aesKey.Bytes())
	if err != nil {
		return chaos.Key{}, fmt.Errorf("%w: cipher", sealerr.ErrUnwrapFailure)
	}
	padded := make([]byte, len(w.EncryptedData))
	defer security.Wipe(padded)
	cipher.NewCBCDecrypter(block, w.IV).CryptBlocks(padded, w.EncryptedData)

	plain, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return chaos.Key{}, fmt.Errorf("%w: %v", sealerr.ErrUnwrapFailure, err)
	}

	key, err := chaos.ParseKey(plain)
	if err != nil {
		return chaos.Key{}, fmt.Errorf("%w: %v", sealerr.ErrUnwrapFailure, err)
	}
	return key, nil
}

// Save persists w atomically at path.
func (v *Vault) Save(path string, w *WrappedKey) error {
	data, err := w.MarshalJSON()
	if err != nil {
		return err
	}
	if err := security.WriteSecretFile(path, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", sealerr.ErrStorageIO, path, err)
	}
	return nil
}

// Load reads and parses a chaos_key.enc file.
func (v *Vault) Load(path string) (*WrappedKey, error) {
	data, err := security.ReadSecretFile(path, maxWrappedSize)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", sealerr.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", sealerr.ErrStorageIO, path, err)
	}
	return ParseWrappedKey(data)
}

// UnwrapFile loads and unwraps the key stored at path.
func (v *Vault) UnwrapFile(path string) (chaos.Key, error) {
	w, err := v.Load(path)
	if err != nil {
		return chaos.Key{}, err
	}
	return v.Unwrap(w)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	copy(out[len(data):], bytes.Repeat([]byte{byte(n)}, n))
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
