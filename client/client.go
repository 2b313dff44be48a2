// Package client obtains Kerberos tickets from a KDC: a TGT through the AS
// exchange, with encrypted timestamp or FAST encrypted challenge, and
// service tickets through the TGS exchange.
package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kardianos/gokdc/keytab"
	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krblog"
)

// Config configures a client.
type Config struct {
	// Realm is the client realm (e.g., "EXAMPLE.COM").
	Realm string

	// Principal is the client name, such as "alice" or "host/client".
	Principal string

	// Password derives the client keys. Either Password or Keytab is
	// required.
	Password string

	// Keytab supplies the client keys instead of a password.
	Keytab *keytab.Keytab

	// ETypes are requested in order (default crypto.Strong).
	ETypes []int32

	// Lifetime is the requested ticket lifetime (default 10 hours).
	Lifetime time.Duration

	// RenewLifetime, if set, requests renewable tickets.
	RenewLifetime time.Duration

	// Forwardable requests forwardable tickets.
	Forwardable bool

	// ArmorTGT, if set, armors the AS exchange with FAST using this
	// ticket, typically a host TGT.
	ArmorTGT *Credential

	// Transport sends requests to the KDC.
	Transport Exchanger

	// Logger for debug output. If nil, logs are discarded.
	Logger *krblog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Credential is a ticket with its session key.
type Credential struct {
	CName      krb5.PrincipalName
	CRealm     string
	SName      krb5.PrincipalName
	SRealm     string
	Ticket     krb5.Ticket
	SessionKey crypto.EncryptionKey
	Flags      krb5.KerberosFlags
	AuthTime   time.Time
	StartTime  time.Time
	EndTime    time.Time
	RenewTill  time.Time
}

// Client is a Kerberos client that can obtain tickets from a KDC.
type Client struct {
	config Config
	cname  krb5.PrincipalName
	log    *krblog.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Realm == "" {
		return nil, fmt.Errorf("realm is required")
	}
	if cfg.Principal == "" {
		return nil, fmt.Errorf("principal is required")
	}
	if cfg.Password == "" && cfg.Keytab == nil {
		return nil, fmt.Errorf("password or keytab is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if len(cfg.ETypes) == 0 {
		cfg.ETypes = crypto.Strong
	}
	if cfg.Lifetime == 0 {
		cfg.Lifetime = 10 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cname, _ := krb5.ParsePrincipal(cfg.Principal)
	return &Client{config: cfg, cname: cname, log: cfg.Logger}, nil
}

func (c *Client) now() time.Time { return c.config.Now().UTC() }

func (c *Client) options() krb5.KerberosFlags {
	var opts krb5.KerberosFlags
	if c.config.Forwardable {
		opts.Set(krb5.KDCOptForwardable)
	}
	if c.config.RenewLifetime > 0 {
		opts.Set(krb5.KDCOptRenewable)
	}
	return opts
}

func (c *Client) body(sname krb5.PrincipalName, opts krb5.KerberosFlags) (krb5.KDCReqBody, error) {
	nonce, err := randomNonce()
	if err != nil {
		return krb5.KDCReqBody{}, err
	}
	now := c.now()
	b := krb5.KDCReqBody{
		KDCOptions: opts,
		Realm:      c.config.Realm,
		SName:      sname,
		Till:       now.Add(c.config.Lifetime).Truncate(time.Second),
		Nonce:      nonce,
		EType:      c.config.ETypes,
	}
	if opts.Has(krb5.KDCOptRenewable) {
		b.RTime = now.Add(c.config.RenewLifetime).Truncate(time.Second)
	}
	return b, nil
}

// longTermKey derives or looks up the client key for etype.
func (c *Client) longTermKey(etype int32, info *krb5.ETypeInfo2Entry) (crypto.EncryptionKey, error) {
	if c.config.Keytab != nil {
		return c.config.Keytab.FindKey(c.cname, c.config.Realm, 0, etype)
	}
	return krb5.PasswordKey(etype, c.config.Password, c.cname, c.config.Realm, info)
}

// exchange sends req and decodes the reply. A KRB-ERROR is returned as a
// *krb5.KRBError error.
func (c *Client) exchange(ctx context.Context, req *krb5.KDCReq) (*krb5.KDCRep, error) {
	b, err := req.Marshal()
	if err != nil {
		return nil, err
	}
	resp, err := c.config.Transport.Exchange(ctx, b)
	if err != nil {
		return nil, err
	}
	msg, err := krb5.DecodeMessage(resp)
	if err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	switch m := msg.(type) {
	case *krb5.KDCRep:
		want := krb5.MsgTypeASRep
		if req.MsgType == krb5.MsgTypeTGSReq {
			want = krb5.MsgTypeTGSRep
		}
		if m.MsgType != want {
			return nil, fmt.Errorf("reply message type %d, want %d", m.MsgType, want)
		}
		return m, nil
	case *krb5.KRBError:
		return nil, m
	}
	return nil, fmt.Errorf("unexpected reply message type %d", msg.MessageType())
}

// GetTGT runs the AS exchange for krbtgt/REALM.
func (c *Client) GetTGT(ctx context.Context) (*Credential, error) {
	return c.GetInitial(ctx, krb5.TGSName(c.config.Realm))
}

// GetInitial runs the AS exchange for sname. The first request carries no
// pre-authentication; if the KDC asks for it, the request is retried with
// the etype and salt from ETYPE-INFO2. An armored exchange builds fresh
// armor for every request.
func (c *Client) GetInitial(ctx context.Context, sname krb5.PrincipalName) (*Credential, error) {
	body, err := c.body(sname, c.options())
	if err != nil {
		return nil, err
	}
	body.CName = c.cname

	var (
		info *krb5.ETypeInfo2Entry
		key  *crypto.EncryptionKey
	)
	for round := 0; ; round++ {
		var fast *fastState
		if c.config.ArmorTGT != nil {
			fast, err = newFAST(c.config.ArmorTGT, c.now())
			if err != nil {
				return nil, err
			}
		}
		var padata []krb5.PAData
		if key != nil {
			pa, err := c.preauth(*key, fast)
			if err != nil {
				return nil, err
			}
			padata = []krb5.PAData{pa}
		}
		req, err := c.asReq(body, padata, fast)
		if err != nil {
			return nil, err
		}
		rep, err := c.exchange(ctx, req)
		if err == nil {
			return c.asReply(rep, body, info, fast)
		}
		var kerr *krb5.KRBError
		if !errors.As(err, &kerr) {
			return nil, err
		}
		if fast != nil {
			kerr, err = fast.unwrapError(kerr)
			if err != nil {
				return nil, err
			}
		}
		if round > 0 || (kerr.ErrorCode != krb5.KDCErrPreauthRequired && kerr.ErrorCode != krb5.KDCErrPreauthFailed) {
			return nil, kerr
		}
		hints, err := kerr.MethodData()
		if err != nil {
			return nil, fmt.Errorf("decode pre-authentication hints: %w", err)
		}
		info = c.pickETypeInfo(hints)
		if info == nil {
			return nil, fmt.Errorf("no usable ETYPE-INFO2 in KDC reply: %w", kerr)
		}
		c.log.Debugf(krblog.AreaPreauth, "KDC requires pre-authentication, using etype %d", info.EType)

		k, err := c.longTermKey(info.EType, info)
		if err != nil {
			return nil, err
		}
		key = &k
		body.Nonce, err = randomNonce()
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) asReq(body krb5.KDCReqBody, padata []krb5.PAData, fast *fastState) (*krb5.KDCReq, error) {
	req := &krb5.KDCReq{MsgType: krb5.MsgTypeASReq, PAData: padata, ReqBody: body}
	if fast == nil {
		return req, nil
	}
	outer, err := fast.wrap(body, padata)
	if err != nil {
		return nil, err
	}
	req.PAData = outer
	return req, nil
}

// pickETypeInfo returns the first ETYPE-INFO2 entry for a requested etype.
func (c *Client) pickETypeInfo(hints []krb5.PAData) *krb5.ETypeInfo2Entry {
	pa, ok := krb5.FindPAData(hints, krb5.PAETypeInfo2)
	if !ok {
		return nil
	}
	var info krb5.ETypeInfo2
	if err := info.Unmarshal(pa.PADataValue); err != nil {
		return nil
	}
	for _, e := range info {
		if slices.Contains(c.config.ETypes, e.EType) {
			return &e
		}
	}
	return nil
}

// preauth builds PA-ENC-TIMESTAMP, or PA-ENCRYPTED-CHALLENGE under FAST.
func (c *Client) preauth(key crypto.EncryptionKey, fast *fastState) (krb5.PAData, error) {
	ts := krb5.NewPAEncTSEnc(c.now())
	paType, usage := krb5.PAEncTimestamp, crypto.KeyUsageASReqTimestamp
	if fast != nil {
		var err error
		key, err = fast.challengeKey(key)
		if err != nil {
			return krb5.PAData{}, err
		}
		paType, usage = krb5.PAEncryptedChal, crypto.KeyUsageEncChallengeClient
	}
	ed, err := krb5.Seal(key, usage, ts)
	if err != nil {
		return krb5.PAData{}, err
	}
	b, err := ed.Marshal()
	if err != nil {
		return krb5.PAData{}, err
	}
	return krb5.PAData{PADataType: paType, PADataValue: b}, nil
}

func (c *Client) asReply(rep *krb5.KDCRep, body krb5.KDCReqBody, info *krb5.ETypeInfo2Entry, fast *fastState) (*Credential, error) {
	padata := rep.PAData
	var strengthen *crypto.EncryptionKey
	if fast != nil {
		resp, err := fast.unwrapReply(rep)
		if err != nil {
			return nil, err
		}
		padata = resp.PAData
		strengthen = resp.StrengthenKey
	}

	// The reply ETYPE-INFO2 names the reply key when it differs from the
	// one used for pre-authentication.
	etype := rep.EncPart.EType
	if pa, ok := krb5.FindPAData(padata, krb5.PAETypeInfo2); ok {
		var ri krb5.ETypeInfo2
		if err := ri.Unmarshal(pa.PADataValue); err == nil && len(ri) > 0 && ri[0].EType == etype {
			info = &ri[0]
		}
	}
	if info != nil && info.EType != etype {
		info = nil
	}
	key, err := c.longTermKey(etype, info)
	if err != nil {
		return nil, err
	}
	if fast != nil {
		if err := fast.verifyKDCChallenge(padata, key); err != nil {
			return nil, err
		}
		if strengthen != nil {
			key, err = crypto.CF2(*strengthen, key, "strengthenkey", "replykey")
			if err != nil {
				return nil, err
			}
		}
	}

	var part krb5.EncKDCRepPart
	if err := krb5.Open(key, crypto.KeyUsageASRepEncPart, rep.EncPart, &part); err != nil {
		return nil, fmt.Errorf("decrypt AS-REP: %w", err)
	}
	cred, err := credential(rep, &part, body)
	if err != nil {
		return nil, err
	}
	c.log.Debugf(krblog.AreaKDC, "got ticket for %s@%s until %s", cred.SName, cred.SRealm, cred.EndTime)
	return cred, nil
}

// credential checks the reply part against the request.
func credential(rep *krb5.KDCRep, part *krb5.EncKDCRepPart, body krb5.KDCReqBody) (*Credential, error) {
	if part.Nonce != body.Nonce {
		return nil, fmt.Errorf("reply nonce %d, want %d", part.Nonce, body.Nonce)
	}
	if !part.SName.Equal(body.SName) && !body.KDCOptions.Has(krb5.KDCOptCanonicalize) {
		return nil, fmt.Errorf("reply for %s, requested %s", part.SName, body.SName)
	}
	return &Credential{
		CName:      rep.CName,
		CRealm:     rep.CRealm,
		SName:      part.SName,
		SRealm:     part.SRealm,
		Ticket:     rep.Ticket,
		SessionKey: part.Key,
		Flags:      part.Flags,
		AuthTime:   part.AuthTime,
		StartTime:  part.StartTime,
		EndTime:    part.EndTime,
		RenewTill:  part.RenewTill,
	}, nil
}

// GetServiceTicket exchanges tgt for a ticket to service, such as
// "cifs/server.example.com".
func (c *Client) GetServiceTicket(ctx context.Context, tgt *Credential, service string) (*Credential, error) {
	sname, realm := krb5.ParsePrincipal(service)
	body, err := c.body(sname, c.options())
	if err != nil {
		return nil, err
	}
	if realm != "" {
		body.Realm = realm
	}
	return c.tgs(ctx, tgt, body)
}

// Renew renews cred, which must be renewable.
func (c *Client) Renew(ctx context.Context, cred *Credential) (*Credential, error) {
	opts := krb5.NewFlags(krb5.KDCOptRenew)
	body, err := c.body(cred.SName, opts)
	if err != nil {
		return nil, err
	}
	body.Realm = cred.SRealm
	body.Till = cred.RenewTill
	return c.tgs(ctx, cred, body)
}

func (c *Client) tgs(ctx context.Context, tgt *Credential, body krb5.KDCReqBody) (*Credential, error) {
	bb, err := body.Marshal()
	if err != nil {
		return nil, err
	}
	cksum, err := crypto.MakeChecksum(tgt.SessionKey, crypto.KeyUsageTGSReqChecksum, bb)
	if err != nil {
		return nil, err
	}
	subkey, err := crypto.GenerateKey(tgt.SessionKey.KeyType)
	if err != nil {
		return nil, err
	}
	auth := krb5.NewAuthenticator(tgt.CRealm, tgt.CName, c.now())
	auth.Cksum = &cksum
	auth.SubKey = &subkey
	ap, err := krb5.NewAPReq(tgt.Ticket, tgt.SessionKey, crypto.KeyUsageTGSReqAuthenticator, auth, 0)
	if err != nil {
		return nil, err
	}
	apb, err := ap.Marshal()
	if err != nil {
		return nil, err
	}

	req := &krb5.KDCReq{
		MsgType: krb5.MsgTypeTGSReq,
		PAData:  []krb5.PAData{{PADataType: krb5.PATGSReq, PADataValue: apb}},
		ReqBody: body,
	}
	rep, err := c.exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	var part krb5.EncKDCRepPart
	if err := krb5.Open(subkey, crypto.KeyUsageTGSRepSubkeyEncPart, rep.EncPart, &part); err != nil {
		return nil, fmt.Errorf("decrypt TGS-REP: %w", err)
	}
	return credential(rep, &part, body)
}

// APReq builds an AP-REQ presenting cred to its service, as sent inside a
// GSS-API or SPNEGO token.
func (c *Client) APReq(cred *Credential, mutual bool) (*krb5.APReq, error) {
	var opts krb5.KerberosFlags
	if mutual {
		opts.Set(krb5.APOptMutualRequired)
	}
	auth := krb5.NewAuthenticator(cred.CRealm, cred.CName, c.now())
	return krb5.NewAPReq(cred.Ticket, cred.SessionKey, crypto.KeyUsageAPReqAuthenticator, auth, opts)
}

func randomNonce() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	// Use 31 bits to ensure positive value
	return binary.BigEndian.Uint32(buf[:]) & 0x7FFFFFFF, nil
}
