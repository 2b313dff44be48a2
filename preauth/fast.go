package preauth

import (
	"errors"
	"fmt"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
)

// FAST unwraps PA-FX-FAST armored requests (RFC 6113). It establishes the
// armor key, checks the request checksum and replaces the effective request
// with the decrypted inner one. It is informational: the armor alone does
// not authenticate the client.
type FAST struct{}

func (FAST) Type() int32 { return krb5.PAFXFast }
func (FAST) Real() bool  { return false }

// Hint advertises FAST support outside an armored exchange.
func (FAST) Hint(c *Context) (krb5.PAData, bool) {
	if c.FAST() {
		return krb5.PAData{}, false
	}
	return krb5.PAData{PADataType: krb5.PAFXFast}, true
}

func (FAST) Verify(c *Context, pa krb5.PAData) error {
	if c.fast != nil {
		return nil
	}
	var req krb5.PAFXFastRequest
	if err := req.Unmarshal(pa.PADataValue); err != nil {
		return &Error{Code: krb5.KRBErrGeneric, Err: err}
	}
	ar := req.ArmoredData

	if ar.Armor != nil {
		key, err := verifyArmor(c, ar.Armor)
		if err != nil {
			return err
		}
		if err := c.SetArmorKey(key); err != nil {
			return failed("%w", err)
		}
	}
	armor, ok := c.ArmorKey()
	if !ok {
		return failed("PA-FX-FAST without armor")
	}

	// The request checksum covers the PA-TGS-REQ AP-REQ in a TGS request
	// and the outer req-body otherwise.
	data := c.Request.RawReqBody
	if c.Request.MsgType == krb5.MsgTypeTGSReq {
		if tgs, ok := krb5.FindPAData(c.Request.PAData, krb5.PATGSReq); ok {
			data = tgs.PADataValue
		}
	}
	if err := crypto.VerifyChecksum(armor, crypto.KeyUsageFastReqChecksum, data, ar.ReqChecksum); err != nil {
		return &Error{Code: krb5.APErrModified, Err: fmt.Errorf("FAST request checksum: %w", err)}
	}

	var inner krb5.KrbFastReq
	if err := krb5.Open(armor, crypto.KeyUsageFastEnc, ar.EncFastReq, &inner); err != nil {
		return failed("decrypt KrbFastReq: %w", err)
	}
	c.fast = &inner
	c.Body = inner.ReqBody
	c.RawBody = inner.RawReqBody
	c.PAData = inner.PAData
	return nil
}

func (FAST) Respond(*Context, *[]krb5.PAData) {}

func verifyArmor(c *Context, a *krb5.KrbFastArmor) (crypto.EncryptionKey, error) {
	if a.ArmorType != krb5.ArmorTypeAPRequest {
		return crypto.EncryptionKey{}, failed("unsupported armor type %d", a.ArmorType)
	}
	if c.Armor == nil {
		return crypto.EncryptionKey{}, failed("armor not accepted for this request")
	}
	var ap krb5.APReq
	if err := ap.Unmarshal(a.ArmorValue); err != nil {
		return crypto.EncryptionKey{}, &Error{Code: krb5.KRBErrGeneric, Err: fmt.Errorf("armor AP-REQ: %w", err)}
	}
	res, err := c.Armor(c.Context(), &ap)
	if err != nil {
		var ve *krb5.VerifyError
		if errors.As(err, &ve) {
			return crypto.EncryptionKey{}, &Error{Code: ve.Code, Err: err}
		}
		return crypto.EncryptionKey{}, err
	}
	if res.Authenticator.SubKey == nil {
		return crypto.EncryptionKey{}, failed("armor authenticator has no subkey")
	}
	return ArmorKeyFromTicket(*res.Authenticator.SubKey, res.Ticket.Key)
}
