package preauth

import (
	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
)

// EncTimestamp is PA-ENC-TIMESTAMP: the current time encrypted under the
// client's long-term key. It is refused inside FAST, where EncChallenge
// replaces it.
type EncTimestamp struct{}

func (EncTimestamp) Type() int32 { return krb5.PAEncTimestamp }
func (EncTimestamp) Real() bool  { return true }

func (EncTimestamp) Hint(c *Context) (krb5.PAData, bool) {
	if c.FAST() {
		return krb5.PAData{}, false
	}
	return krb5.PAData{PADataType: krb5.PAEncTimestamp}, true
}

func (EncTimestamp) Verify(c *Context, pa krb5.PAData) error {
	if c.FAST() {
		return failed("encrypted timestamp inside FAST")
	}
	return verifyTimestamp(c, pa, func(k crypto.EncryptionKey) (crypto.EncryptionKey, error) {
		return k, nil
	}, crypto.KeyUsageASReqTimestamp)
}

func (EncTimestamp) Respond(*Context, *[]krb5.PAData) {}

// EncChallenge is PA-ENCRYPTED-CHALLENGE (RFC 6113 section 5.4.6). It is
// only valid inside FAST; the timestamp is encrypted under a key mixed from
// the armor key and the client key.
type EncChallenge struct{}

func (EncChallenge) Type() int32 { return krb5.PAEncryptedChal }
func (EncChallenge) Real() bool  { return true }

func (EncChallenge) Hint(c *Context) (krb5.PAData, bool) {
	if !c.FAST() {
		return krb5.PAData{}, false
	}
	return krb5.PAData{PADataType: krb5.PAEncryptedChal}, true
}

func (EncChallenge) Verify(c *Context, pa krb5.PAData) error {
	armor, ok := c.ArmorKey()
	if !ok || !c.FAST() {
		return failed("encrypted challenge outside FAST")
	}
	return verifyTimestamp(c, pa, func(k crypto.EncryptionKey) (crypto.EncryptionKey, error) {
		return ClientChallengeKey(armor, k)
	}, crypto.KeyUsageEncChallengeClient)
}

// Respond returns the KDC's own timestamp under the KDC challenge key so
// the client can authenticate the KDC.
func (EncChallenge) Respond(c *Context, out *[]krb5.PAData) {
	if m, ok := c.Used(); !ok || m.Type() != krb5.PAEncryptedChal {
		return
	}
	armor, _ := c.ArmorKey()
	reply, ok := c.ReplyKey()
	if !ok {
		return
	}
	k, err := KDCChallengeKey(armor, reply)
	if err != nil {
		return
	}
	ed, err := krb5.Seal(k, crypto.KeyUsageEncChallengeKDC, krb5.NewPAEncTSEnc(c.Now))
	if err != nil {
		return
	}
	b, err := ed.Marshal()
	if err != nil {
		return
	}
	*out = append(*out, krb5.PAData{PADataType: krb5.PAEncryptedChal, PADataValue: b})
}

// ClientChallengeKey is the key of the client's encrypted challenge.
func ClientChallengeKey(armor, client crypto.EncryptionKey) (crypto.EncryptionKey, error) {
	return crypto.CF2(armor, client, "clientchallengearmor", "challengelongterm")
}

// KDCChallengeKey is the key of the KDC's encrypted challenge.
func KDCChallengeKey(armor, client crypto.EncryptionKey) (crypto.EncryptionKey, error) {
	return crypto.CF2(armor, client, "kdcchallengearmor", "challengelongterm")
}

// verifyTimestamp tries each client key of the data's etype. derive maps
// the long-term key to the decryption key.
func verifyTimestamp(c *Context, pa krb5.PAData, derive func(crypto.EncryptionKey) (crypto.EncryptionKey, error), usage uint32) error {
	ed, err := crypto.UnmarshalEncryptedData(pa.PADataValue)
	if err != nil {
		return failed("decode encrypted data: %w", err)
	}
	keys := c.candidates(ed.EType)
	if len(keys) == 0 {
		return failed("no client key for etype %d", ed.EType)
	}
	var lastErr error
	for _, k := range keys {
		dk, err := derive(k)
		if err != nil {
			lastErr = err
			continue
		}
		var ts krb5.PAEncTSEnc
		if err := krb5.Open(dk, usage, ed, &ts); err != nil {
			lastErr = err
			continue
		}
		if err := c.checkTimestamp(ts); err != nil {
			return err
		}
		c.SetReplyKey(k)
		return nil
	}
	return failed("decrypt timestamp: %w", lastErr)
}
