package phe

import (
	"encoding/json"
	"fmt"
	"math/big"
)

type keyPairJSON struct {
	Public struct {
		N string `json:"n"`
	} `json:"public"`
	Private struct {
		P string `json:"p"`
		Q string `json:"q"`
	} `json:"private"`
}

// MarshalKeyPair serializes a private key (and its public half) as
// decimal strings.
func MarshalKeyPair(k *PrivateKey) ([]byte, error) {
	var out keyPairJSON
	out.Public.N = k.N.Text(10)
	out.Private.P = k.P.Text(10)
	out.Private.Q = k.Q.Text(10)
	return json.MarshalIndent(out, "", "  ")
}

// ParseKeyPair restores a key pair written by MarshalKeyPair.
func ParseKeyPair(data []byte) (*PrivateKey, error) {
	var in keyPairJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("phe: parse key pair: %w", err)
	}
	p, ok := new(big.Int).SetString(in.Private.P, 10)
	if !ok {
		return nil, fmt.Errorf("phe: parse key pair: invalid p")
	}
	q, ok := new(big.Int).SetString(in.Private.Q, 10)
	if !ok {
		return nil, fmt.Errorf("phe: parse key pair: invalid q")
	}
	k, err := NewPrivateKey(p, q)
	if err != nil {
		return nil, err
	}
	if in.Public.N != "" && in.Public.N != k.N.Text(10) {
		return nil, fmt.Errorf("phe: parse key pair: public modulus does not match factors")
	}
	return k, nil
}
