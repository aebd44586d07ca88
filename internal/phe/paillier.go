// Package phe implements the Paillier additively homomorphic cryptosystem
// with the integer encoding and JSON serialization used by python-paillier,
// so ciphertexts in existing metadata files remain readable.
package phe

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"

	"examseal/internal/sealerr"
)

// DefaultKeyBits matches the python-paillier default key length.
const DefaultKeyBits = 3072

// MinKeyBits is the smallest modulus GenerateKeyPair accepts.
const MinKeyBits = 256

var (
	ErrValueOutOfRange = errors.New("phe: value outside encodable range")
	ErrKeyMismatch     = errors.New("phe: ciphertexts under different keys")
	ErrWeakKey         = errors.New("phe: key size too small")
)

var one = big.NewInt(1)

// PublicKey is a Paillier public key with generator g = n+1.
type PublicKey struct {
	N        *big.Int
	NSquare  *big.Int
	MaxInt   *big.Int
	negFloor *big.Int
}

// NewPublicKey derives the cached values for modulus n.
func NewPublicKey(n *big.Int) *PublicKey {
	maxInt := new(big.Int).Div(n, big.NewInt(3))
	maxInt.Sub(maxInt, one)
	return &PublicKey{
		N:        new(big.Int).Set(n),
		NSquare:  new(big.Int).Mul(n, n),
		MaxInt:   maxInt,
		negFloor: new(big.Int).Sub(n, maxInt),
	}
}

// PrivateKey holds the factorization of n and the decryption constants.
type PrivateKey struct {
	PublicKey
	P, Q   *big.Int
	lambda *big.Int
	mu     *big.Int
}

// EncryptedNumber is a Paillier ciphertext. Only integers are supported,
// so Exponent is always zero.
type EncryptedNumber struct {
	Ciphertext *big.Int
	Exponent   int
}

// GenerateKeyPair creates a key pair whose modulus has exactly bits bits.
func GenerateKeyPair(random io.Reader, bits int) (*PrivateKey, error) {
	if bits < MinKeyBits || bits%2 != 0 {
		return nil, fmt.Errorf("%w: %d bits", ErrWeakKey, bits)
	}
	if random == nil {
		random = rand.Reader
	}
	for {
		p, err := rand.Prime(random, bits/2)
		if err != nil {
			return nil, fmt.Errorf("phe: generate prime: %w", err)
		}
		q, err := rand.Prime(random, bits/2)
		if err != nil {
			return nil, fmt.Errorf("phe: generate prime: %w", err)
		}
		if p.Cmp(q) == 0 {
			continue
		}
		n := new(big.Int).Mul(p, q)
		if n.BitLen() != bits {
			continue
		}
		priv, err := NewPrivateKey(p, q)
		if err != nil {
			continue
		}
		return priv, nil
	}
}

// NewPrivateKey rebuilds a private key from its prime factors.
func NewPrivateKey(p, q *big.Int) (*PrivateKey, error) {
	if p.Sign() <= 0 || q.Sign() <= 0 || p.Cmp(q) == 0 {
		return nil, fmt.Errorf("phe: invalid prime factors")
	}
	n := new(big.Int).Mul(p, q)
	pm1 := new(big.Int).Sub(p, one)
	qm1 := new(big.Int).Sub(q, one)
	lambda := new(big.Int).Mul(pm1, qm1)

	mu := new(big.Int).ModInverse(lambda, n)
	if mu == nil {
		return nil, fmt.Errorf("phe: lambda not invertible mod n")
	}

	return &PrivateKey{
		PublicKey: *NewPublicKey(n),
		P:         new(big.Int).Set(p),
		Q:         new(big.Int).Set(q),
		lambda:    lambda,
		mu:        mu,
	}, nil
}

// Public returns the public half of the key pair.
func (k *PrivateKey) Public() *PublicKey {
	return NewPublicKey(k.N)
}

// Encode maps a signed integer into Z_n: negative values wrap to n+v.
func (pk *PublicKey) Encode(v *big.Int) (*big.Int, error) {
	abs := new(big.Int).Abs(v)
	if abs.Cmp(pk.MaxInt) > 0 {
		return nil, fmt.Errorf("%w: |%s| > max_int", ErrValueOutOfRange, v.String())
	}
	if v.Sign() < 0 {
		return new(big.Int).Add(pk.N, v), nil
	}
	return new(big.Int).Set(v), nil
}

// Decode maps an element of Z_n back to a signed integer. Values in the
// gap between max_int and n-max_int indicate overflow or a wrong key.
func (pk *PublicKey) Decode(m *big.Int) (*big.Int, error) {
	switch {
	case m.Sign() < 0 || m.Cmp(pk.N) >= 0:
		return nil, fmt.Errorf("%w: encoding outside [0, n)", sealerr.ErrDecryptionFailure)
	case m.Cmp(pk.MaxInt) <= 0:
		return new(big.Int).Set(m), nil
	case m.Cmp(pk.negFloor) >= 0:
		return new(big.Int).Sub(m, pk.N), nil
	default:
		return nil, fmt.Errorf("%w: overflow detected in decoded value", sealerr.ErrDecryptionFailure)
	}
}

// EncryptBig encrypts an arbitrary signed integer.
func (pk *PublicKey) EncryptBig(v *big.Int) (*EncryptedNumber, error) {
	m, err := pk.Encode(v)
	if err != nil {
		return nil, err
	}
	r, err := pk.randomUnit()
	if err != nil {
		return nil, err
	}

	// (1 + n*m) * r^n mod n^2
	c := new(big.Int).Mul(pk.N, m)
	c.Add(c, one)
	c.Mod(c, pk.NSquare)
	rn := new(big.Int).Exp(r, pk.N, pk.NSquare)
	return &EncryptedNumber{Ciphertext: mulMod(c, rn, pk.NSquare)}, nil
}

// Encrypt encrypts an int64.
func (pk *PublicKey) Encrypt(v int64) (*EncryptedNumber, error) {
	return pk.EncryptBig(big.NewInt(v))
}

func (pk *PublicKey) randomUnit() (*big.Int, error) {
	for {
		r, err := rand.Int(rand.Reader, pk.N)
		if err != nil {
			return nil, fmt.Errorf("phe: random: %w", err)
		}
		if r.Sign() == 0 {
			continue
		}
		if new(big.Int).GCD(nil, nil, r, pk.N).Cmp(one) == 0 {
			return r, nil
		}
	}
}

// Check verifies that c lies in Z*_{n^2}.
func (pk *PublicKey) Check(c *EncryptedNumber) error {
	if c == nil || c.Ciphertext == nil {
		return fmt.Errorf("%w: missing ciphertext", sealerr.ErrInvalidCiphertext)
	}
	if c.Exponent != 0 {
		return fmt.Errorf("%w: non-integer exponent %d", sealerr.ErrInvalidCiphertext, c.Exponent)
	}
	if c.Ciphertext.Sign() <= 0 || c.Ciphertext.Cmp(pk.NSquare) >= 0 {
		return fmt.Errorf("%w: ciphertext out of range", sealerr.ErrInvalidCiphertext)
	}
	if new(big.Int).GCD(nil, nil, c.Ciphertext, pk.NSquare).Cmp(one) != 0 {
		return fmt.Errorf("%w: ciphertext not invertible mod n^2", sealerr.ErrInvalidCiphertext)
	}
	return nil
}

// Add returns Enc(a+b) without decrypting either operand.
func (pk *PublicKey) Add(a, b *EncryptedNumber) (*EncryptedNumber, error) {
	if err := pk.Check(a); err != nil {
		return nil, err
	}
	if err := pk.Check(b); err != nil {
		return nil, err
	}
	return &EncryptedNumber{Ciphertext: mulMod(a.Ciphertext, b.Ciphertext, pk.NSquare)}, nil
}

// AddPlain returns Enc(a+k), re-randomized by a fresh encryption of k.
func (pk *PublicKey) AddPlain(a *EncryptedNumber, k int64) (*EncryptedNumber, error) {
	enc, err := pk.Encrypt(k)
	if err != nil {
		return nil, err
	}
	return pk.Add(a, enc)
}

// DecryptBig returns the signed plaintext of c.
func (k *PrivateKey) DecryptBig(c *EncryptedNumber) (*big.Int, error) {
	if c == nil || c.Ciphertext == nil || c.Exponent != 0 {
		return nil, k.Check(c)
	}
	// A well-formed ciphertext outside Z*_{n^2} was produced under
	// another key.
	if err := k.Check(c); err != nil {
		return nil, fmt.Errorf("%w: ciphertext not under this key", sealerr.ErrDecryptionFailure)
	}

	// L(c^lambda mod n^2) * mu mod n, with L(u) = (u-1)/n
	u := new(big.Int).Exp(c.Ciphertext, k.lambda, k.NSquare)
	u.Sub(u, one)
	u.Div(u, k.N)
	m := mulMod(u, k.mu, k.N)

	return k.Decode(m)
}

// Decrypt returns the plaintext of c as an int64.
func (k *PrivateKey) Decrypt(c *EncryptedNumber) (int64, error) {
	v, err := k.DecryptBig(c)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("%w: plaintext exceeds int64", sealerr.ErrDecryptionFailure)
	}
	return v.Int64(), nil
}

func mulMod(x, y, mod *big.Int) *big.Int {
	z := new(big.Int).Mul(x, y)
	return z.Mod(z, mod)
}

type encryptedNumberJSON struct {
	Ciphertext string `json:"ciphertext"`
	Exponent   int    `json:"exponent"`
}

// MarshalJSON renders {"ciphertext": "<decimal>", "exponent": 0}.
func (e EncryptedNumber) MarshalJSON() ([]byte, error) {
	if e.Ciphertext == nil {
		return nil, fmt.Errorf("%w: missing ciphertext", sealerr.ErrInvalidCiphertext)
	}
	return json.Marshal(encryptedNumberJSON{
		Ciphertext: e.Ciphertext.Text(10),
		Exponent:   e.Exponent,
	})
}

// UnmarshalJSON parses the python-paillier serialization. The ciphertext
// may be a decimal string or a bare JSON integer.
func (e *EncryptedNumber) UnmarshalJSON(data []byte) error {
	var raw struct {
		Ciphertext json.RawMessage `json:"ciphertext"`
		Exponent   *int            `json:"exponent"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", sealerr.ErrInvalidCiphertext, err)
	}
	if raw.Ciphertext == nil || raw.Exponent == nil {
		return fmt.Errorf("%w: missing field", sealerr.ErrInvalidCiphertext)
	}

	text := string(raw.Ciphertext)
	if s, err := strconv.Unquote(text); err == nil {
		text = s
	}
	c, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return fmt.Errorf("%w: ciphertext is not a decimal integer", sealerr.ErrInvalidCiphertext)
	}
	if *raw.Exponent != 0 {
		return fmt.Errorf("%w: non-integer exponent %d", sealerr.ErrInvalidCiphertext, *raw.Exponent)
	}

	e.Ciphertext = c
	e.Exponent = 0
	return nil
}
