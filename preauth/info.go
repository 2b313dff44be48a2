package preauth

import (
	"slices"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krblog"
)

// ETypeInfo2 advertises how the client derives its key: etype, salt and
// string-to-key parameters.
type ETypeInfo2 struct{}

func (ETypeInfo2) Type() int32 { return krb5.PAETypeInfo2 }
func (ETypeInfo2) Real() bool  { return false }

// Hint lists one entry per client key, in the client's etype preference
// order.
func (ETypeInfo2) Hint(c *Context) (krb5.PAData, bool) {
	var info krb5.ETypeInfo2
	for _, et := range c.Body.EType {
		if len(c.candidates(et)) == 0 || slices.ContainsFunc(info, func(e krb5.ETypeInfo2Entry) bool { return e.EType == et }) {
			continue
		}
		info = append(info, krb5.ETypeInfo2Entry{EType: et, Salt: c.Salt, HasSalt: true})
	}
	if len(info) == 0 {
		return krb5.PAData{}, false
	}
	b, err := info.Marshal()
	if err != nil {
		return krb5.PAData{}, false
	}
	return krb5.PAData{PADataType: krb5.PAETypeInfo2, PADataValue: b}, true
}

func (ETypeInfo2) Verify(*Context, krb5.PAData) error { return nil }

// Respond adds the entry for the reply key etype to an AS reply.
func (ETypeInfo2) Respond(c *Context, out *[]krb5.PAData) {
	if c.Request == nil || c.Request.MsgType != krb5.MsgTypeASReq {
		return
	}
	k, ok := c.ReplyKey()
	if !ok {
		return
	}
	b, err := krb5.ETypeInfo2{{EType: k.KeyType, Salt: c.Salt, HasSalt: true}}.Marshal()
	if err != nil {
		return
	}
	*out = append(*out, krb5.PAData{PADataType: krb5.PAETypeInfo2, PADataValue: b})
}

// PACRequest records KERB-PA-PAC-REQUEST. No PAC is issued.
type PACRequest struct{}

func (PACRequest) Type() int32 { return krb5.PAPACRequest }
func (PACRequest) Real() bool  { return false }

func (PACRequest) Hint(*Context) (krb5.PAData, bool) { return krb5.PAData{}, false }

func (PACRequest) Verify(c *Context, pa krb5.PAData) error {
	var p krb5.PACRequest
	if err := p.Unmarshal(pa.PADataValue); err != nil {
		return failed("KERB-PA-PAC-REQUEST: %w", err)
	}
	c.pacRequest = &p
	c.Logger.Tracef(krblog.AreaPreauth, "%s PAC request include=%t", c.ClientName, p.IncludePAC)
	return nil
}

func (PACRequest) Respond(*Context, *[]krb5.PAData) {}
