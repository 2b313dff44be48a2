package crypto

import "fmt"

// PRFPlus is PRF+(key, pepper) from RFC 6113 section 5.1: PRF outputs for
// the counters 1, 2, ... prefixed to pepper, concatenated and truncated to
// n bytes.
func PRFPlus(key EncryptionKey, pepper []byte, n int) ([]byte, error) {
	e, err := Lookup(key.KeyType)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, n)
	for i := 1; len(out) < n; i++ {
		if i > 255 {
			return nil, cryptoErr("prf+", key.KeyType, fmt.Errorf("%w: output too long", ErrInvalidInput))
		}
		p, err := e.PRF(key.KeyValue, append([]byte{byte(i)}, pepper...))
		if err != nil {
			return nil, err
		}
		out = append(out, p...)
	}
	return out[:n], nil
}

// CF2 combines two keys into one of k1's encryption type (RFC 6113
// section 5.1).
func CF2(k1, k2 EncryptionKey, pepper1, pepper2 string) (EncryptionKey, error) {
	e, err := Lookup(k1.KeyType)
	if err != nil {
		return EncryptionKey{}, err
	}
	n := e.KeySeedSize()
	a, err := PRFPlus(k1, []byte(pepper1), n)
	if err != nil {
		return EncryptionKey{}, err
	}
	b, err := PRFPlus(k2, []byte(pepper2), n)
	if err != nil {
		return EncryptionKey{}, err
	}
	k, err := e.RandomToKey(xorBytes(a, b))
	if err != nil {
		return EncryptionKey{}, err
	}
	return EncryptionKey{KeyType: k1.KeyType, KeyValue: k}, nil
}
