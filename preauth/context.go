package preauth

import (
	"context"
	"fmt"
	"time"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krblog"
)

// Context is the negotiation state of one AS or TGS exchange. It is owned
// by the goroutine handling the request and discarded with it.
type Context struct {
	ctx context.Context

	// Request is the outer request as received.
	Request *krb5.KDCReq
	// Body, RawBody and PAData are the effective request. They start as the
	// outer request and are replaced by the inner request when FAST is
	// unwrapped.
	Body    krb5.KDCReqBody
	RawBody []byte
	PAData  []krb5.PAData

	// ClientName is "name@REALM", the replay cache key.
	ClientName string
	// ClientKeys are the long-term key candidates of the client.
	ClientKeys []crypto.EncryptionKey
	// Salt is advertised in ETYPE-INFO2.
	Salt string
	// Required makes Negotiate fail when no real mechanism verifies.
	Required bool

	Now    time.Time
	Skew   time.Duration
	Replay ReplayCache
	// Armor verifies the armor AP-REQ of an AS request.
	Armor  ArmorFunc
	Logger *krblog.Logger

	unwrapped  bool
	armorKey   *crypto.EncryptionKey
	fast       *krb5.KrbFastReq
	used       Mechanism
	replyKey   *crypto.EncryptionKey
	pacRequest *krb5.PACRequest
	strengthen *crypto.EncryptionKey
}

// NewContext starts negotiation for req.
func NewContext(ctx context.Context, req *krb5.KDCReq) *Context {
	return &Context{
		ctx:     ctx,
		Request: req,
		Body:    req.ReqBody,
		RawBody: req.RawReqBody,
		PAData:  req.PAData,
		Now:     time.Now(),
		Skew:    krb5.DefaultSkew,
	}
}

// Context returns the context of the request.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// SetArmorKey fixes the armor key. It can be set once.
func (c *Context) SetArmorKey(k crypto.EncryptionKey) error {
	if c.armorKey != nil {
		return ErrArmorKeySet
	}
	c.armorKey = &k
	return nil
}

// ArmorKey returns the armor key if one was established.
func (c *Context) ArmorKey() (crypto.EncryptionKey, bool) {
	if c.armorKey == nil {
		return crypto.EncryptionKey{}, false
	}
	return *c.armorKey, true
}

// FAST reports whether the request was armored.
func (c *Context) FAST() bool { return c.fast != nil }

// FastOptions returns the options of the inner FAST request.
func (c *Context) FastOptions() krb5.KerberosFlags {
	if c.fast == nil {
		return 0
	}
	return c.fast.FastOptions
}

// SetReplyKey records the client key the reply is encrypted under when no
// mechanism selected one.
func (c *Context) SetReplyKey(k crypto.EncryptionKey) {
	c.replyKey = &k
}

// ReplyKey returns the client key the successful mechanism verified with,
// or the one set by SetReplyKey.
func (c *Context) ReplyKey() (crypto.EncryptionKey, bool) {
	if c.replyKey == nil {
		return crypto.EncryptionKey{}, false
	}
	return *c.replyKey, true
}

// PACRequested returns the client's KERB-PA-PAC-REQUEST, if any.
func (c *Context) PACRequested() (include bool, present bool) {
	if c.pacRequest == nil {
		return false, false
	}
	return c.pacRequest.IncludePAC, true
}

// Used returns the real mechanism that verified, if any.
func (c *Context) Used() (Mechanism, bool) {
	return c.used, c.used != nil
}

// ArmorKeyFromTicket derives the FAST armor key from an authenticator
// subkey and the ticket session key.
func ArmorKeyFromTicket(subkey, ticketKey crypto.EncryptionKey) (crypto.EncryptionKey, error) {
	return crypto.CF2(subkey, ticketKey, "subkeyarmor", "ticketarmor")
}

// Strengthen returns the reply key for an armored exchange. A random
// strengthen key is generated once per context and mixed into reply. For an
// unarmored exchange reply is returned unchanged.
func (c *Context) Strengthen(reply crypto.EncryptionKey) (crypto.EncryptionKey, error) {
	if !c.FAST() {
		return reply, nil
	}
	if c.strengthen == nil {
		sk, err := crypto.GenerateKey(reply.KeyType)
		if err != nil {
			return crypto.EncryptionKey{}, fmt.Errorf("preauth: strengthen key: %w", err)
		}
		c.strengthen = &sk
	}
	return crypto.CF2(*c.strengthen, reply, "strengthenkey", "replykey")
}

// WrapReply seals the reply PA-DATA into a KrbFastResponse and returns the
// outer PA-DATA of the reply. Strengthen must have been called first. The
// finished checksum binds tkt to the armored exchange.
func (c *Context) WrapReply(padata []krb5.PAData, tkt krb5.Ticket, crealm string, cname krb5.PrincipalName) ([]krb5.PAData, error) {
	armor, ok := c.ArmorKey()
	if !ok || !c.FAST() {
		return nil, fmt.Errorf("preauth: reply wrap without FAST")
	}
	tb, err := tkt.Marshal()
	if err != nil {
		return nil, err
	}
	sum, err := crypto.MakeChecksum(armor, crypto.KeyUsageFastFinished, tb)
	if err != nil {
		return nil, err
	}
	ts := krb5.NewPAEncTSEnc(c.Now)
	resp := krb5.KrbFastResponse{
		PAData:        padata,
		StrengthenKey: c.strengthen,
		Finished: &krb5.KrbFastFinished{
			Timestamp:      ts.PATimestamp,
			USec:           ts.PAUSec,
			CRealm:         crealm,
			CName:          cname,
			TicketChecksum: sum,
		},
		Nonce: c.Body.Nonce,
	}
	return c.sealResponse(armor, resp)
}

// WrapError seals kerr into a KrbFastResponse carried in PA-FX-ERROR and
// returns the METHOD-DATA to use as the outer e-data.
func (c *Context) WrapError(kerr *krb5.KRBError) ([]byte, error) {
	armor, ok := c.ArmorKey()
	if !ok || !c.FAST() {
		return nil, fmt.Errorf("preauth: error wrap without FAST")
	}
	b, err := kerr.Marshal()
	if err != nil {
		return nil, err
	}
	padata := []krb5.PAData{{PADataType: krb5.PAFXError, PADataValue: b}}
	if len(kerr.EData) > 0 {
		if md, err := kerr.MethodData(); err == nil {
			padata = append(padata, md...)
		}
	}
	outer, err := c.sealResponse(armor, krb5.KrbFastResponse{PAData: padata, Nonce: c.Body.Nonce})
	if err != nil {
		return nil, err
	}
	return krb5.MarshalMethodData(outer)
}

func (c *Context) sealResponse(armor crypto.EncryptionKey, resp krb5.KrbFastResponse) ([]krb5.PAData, error) {
	ed, err := krb5.Seal(armor, crypto.KeyUsageFastRep, resp)
	if err != nil {
		return nil, fmt.Errorf("preauth: seal FAST response: %w", err)
	}
	b, err := krb5.PAFXFastReply{ArmoredData: krb5.KrbFastArmoredRep{EncFastRep: ed}}.Marshal()
	if err != nil {
		return nil, err
	}
	return []krb5.PAData{{PADataType: krb5.PAFXFast, PADataValue: b}}, nil
}
