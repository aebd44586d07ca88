// Package chaos implements the reversible page scrambling cipher: a
// logistic-map pixel permutation followed by three iterations of the
// discrete Arnold cat map.
package chaos

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"examseal/internal/sealerr"
)

// Parameter ranges. GenerateKey draws from the half-open generation
// ranges; Validate accepts the closed chaotic regime.
const (
	MinLogisticR = 3.57
	MaxLogisticR = 4.0

	genMinX0     = 0.1
	genMaxX0     = 0.9
	genMaxArnold = 9
	genSeedBound = 1_000_000

	// Iterations is the fixed number of Arnold cat map rounds.
	Iterations = 3
)

// Key holds the permutation parameters for one sealed asset.
type Key struct {
	LogisticR  float64 `json:"logistic_r"`
	LogisticX0 float64 `json:"logistic_x0"`
	ArnoldA    int     `json:"arnold_a"`
	ArnoldB    int     `json:"arnold_b"`

	// Seed is carried for compatibility with previously sealed assets.
	// The permutation is fully determined by the other four parameters.
	Seed int64 `json:"seed"`
}

// GenerateKey draws a fresh key from crypto/rand.
func GenerateKey() (Key, error) {
	r, err := uniform(MinLogisticR, MaxLogisticR)
	if err != nil {
		return Key{}, err
	}
	x0, err := uniform(genMinX0, genMaxX0)
	if err != nil {
		return Key{}, err
	}
	a, err := intn(genMaxArnold)
	if err != nil {
		return Key{}, err
	}
	b, err := intn(genMaxArnold)
	if err != nil {
		return Key{}, err
	}
	seed, err := intn(genSeedBound)
	if err != nil {
		return Key{}, err
	}
	return Key{
		LogisticR:  r,
		LogisticX0: x0,
		ArnoldA:    int(a) + 1,
		ArnoldB:    int(b) + 1,
		Seed:       int64(seed),
	}, nil
}

// uniform returns a float in [lo, hi) using 53 random bits.
func uniform(lo, hi float64) (float64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("chaos: read random: %w", err)
	}
	f := float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
	return lo + f*(hi-lo), nil
}

// intn returns a uniform integer in [0, n).
func intn(n uint64) (uint64, error) {
	var buf [8]byte
	limit := math.MaxUint64 - math.MaxUint64%n
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("chaos: read random: %w", err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return v % n, nil
		}
	}
}

// Validate checks the key parameters.
func (k Key) Validate() error {
	switch {
	case math.IsNaN(k.LogisticR) || math.IsInf(k.LogisticR, 0):
		return fmt.Errorf("%w: logistic_r is not finite", sealerr.ErrInvalidKeyParameters)
	case k.LogisticR < MinLogisticR || k.LogisticR > MaxLogisticR:
		return fmt.Errorf("%w: logistic_r %v outside [%v, %v]", sealerr.ErrInvalidKeyParameters, k.LogisticR, MinLogisticR, MaxLogisticR)
	case math.IsNaN(k.LogisticX0) || k.LogisticX0 <= 0 || k.LogisticX0 >= 1:
		return fmt.Errorf("%w: logistic_x0 %v outside (0, 1)", sealerr.ErrInvalidKeyParameters, k.LogisticX0)
	case k.ArnoldA < 1 || k.ArnoldB < 1:
		return fmt.Errorf("%w: arnold parameters must be positive", sealerr.ErrInvalidKeyParameters)
	case k.Seed < 0:
		return fmt.Errorf("%w: seed is negative", sealerr.ErrInvalidKeyParameters)
	}
	return nil
}

// Zero clears the key material.
func (k *Key) Zero() {
	*k = Key{}
}

// IsZero reports whether the key has been cleared.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Marshal serializes the key to its JSON form.
func (k Key) Marshal() ([]byte, error) {
	return json.Marshal(k)
}

// ParseKey decodes and validates a serialized key. Unknown fields are
// rejected.
func ParseKey(data []byte) (Key, error) {
	var k Key
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&k); err != nil {
		return Key{}, fmt.Errorf("%w: %v", sealerr.ErrInvalidKeyParameters, err)
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}
