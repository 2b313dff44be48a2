package krb5

import (
	"fmt"

	"github.com/kardianos/gokdc/krb5/crypto"
)

// Marshaler is a part that can be encrypted.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// Unmarshaler is a part that can be decoded after decryption.
type Unmarshaler interface {
	Unmarshal([]byte) error
}

// Seal encodes p and encrypts it under key for the given usage.
func Seal(key crypto.EncryptionKey, usage uint32, p Marshaler) (crypto.EncryptedData, error) {
	b, err := p.Marshal()
	if err != nil {
		return crypto.EncryptedData{}, err
	}
	return crypto.Encrypt(key, usage, b)
}

// Open decrypts ed and decodes the plaintext into p. Crypto failures are
// returned unwrapped so callers can match *crypto.CryptoError.
func Open(key crypto.EncryptionKey, usage uint32, ed crypto.EncryptedData, p Unmarshaler) error {
	b, err := crypto.Decrypt(key, usage, ed)
	if err != nil {
		return err
	}
	if err := p.Unmarshal(b); err != nil {
		return fmt.Errorf("decode decrypted part: %w", err)
	}
	return nil
}

// PasswordKey derives the long-term key of a principal. A salt or
// parameters advertised in info take precedence over the defaults.
func PasswordKey(etype int32, password string, name PrincipalName, realm string, info *ETypeInfo2Entry) (crypto.EncryptionKey, error) {
	salt := crypto.Salt(realm, name.NameString)
	var params []byte
	if info != nil {
		if info.HasSalt {
			salt = info.Salt
		}
		params = info.S2KParams
	}
	return crypto.StringToKey(etype, password, salt, params)
}
