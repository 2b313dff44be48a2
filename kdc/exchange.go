package kdc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krblog"
	"github.com/kardianos/gokdc/preauth"
	"github.com/kardianos/gokdc/store"
)

func (e *Engine) handleAS(ctx context.Context, x *exchange, req *krb5.KDCReq) ([]byte, error) {
	pc := e.newContext(ctx, x, req)
	pc.Armor = func(ctx context.Context, ap *krb5.APReq) (*krb5.APResult, error) {
		return e.verifier(crypto.KeyUsageAPReqAuthenticator).Verify(ctx, ap)
	}
	if err := e.config.Preauth.Unwrap(pc); err != nil {
		return nil, err
	}
	body := pc.Body
	x.cname, x.crealm, x.sname = body.CName, body.Realm, body.SName

	start := x.now.Truncate(time.Second)
	if err := e.validate(body, start); err != nil {
		return nil, err
	}
	if body.CName.IsZero() {
		return nil, protoErr(krb5.KDCErrCPrincipalUnknown, "AS-REQ without cname")
	}

	client, err := e.lookup(ctx, body.CName, body.Realm, krb5.KDCErrCPrincipalUnknown)
	if err != nil {
		return nil, err
	}
	if err := checkEntry(client, x.now, true); err != nil {
		return nil, err
	}
	server, err := e.lookup(ctx, body.SName, body.Realm, krb5.KDCErrSPrincipalUnknown)
	if err != nil {
		return nil, err
	}
	if err := checkEntry(server, x.now, false); err != nil {
		return nil, err
	}

	pc.ClientName = client.Key()
	pc.ClientKeys = e.keys(client)
	pc.Salt = client.SaltFor()
	pc.Required = e.config.RequirePreauth || client.Flags.Has(store.FlagRequiresPreauth)

	res, err := e.config.Preauth.Negotiate(pc, req.PAData)
	if err != nil {
		var perr *preauth.Error
		if errors.As(err, &perr) && perr.Code == krb5.KDCErrPreauthRequired {
			x.to(statePreauthRequired)
		}
		return nil, err
	}
	if res.Preauthenticated {
		e.log.Printf(krblog.AreaKDC, "%s %s pre-authenticated (PA-DATA type %d, FAST %t)", x.id, pc.ClientName, res.Mechanism, res.FAST)
	}
	x.to(stateBuildingReply)

	replyKey, ok := pc.ReplyKey()
	if !ok {
		replyKey, err = e.clientReplyKey(body.EType, pc.ClientKeys)
		if err != nil {
			return nil, err
		}
		pc.SetReplyKey(replyKey)
	}

	setype, err := e.sessionEType(body.EType, server)
	if err != nil {
		return nil, err
	}
	session, err := crypto.GenerateKey(setype)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	lt, err := e.grant(body, start, client, server, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}

	flags := krb5.NewFlags(krb5.TktFlagInitial)
	if res.Preauthenticated {
		flags.Set(krb5.TktFlagPreAuthent)
	}
	opts := body.KDCOptions
	if opts.Has(krb5.KDCOptForwardable) && allowed(store.FlagForwardable, client) {
		flags.Set(krb5.TktFlagForwardable)
	}
	if opts.Has(krb5.KDCOptProxiable) && allowed(store.FlagProxiable, client) {
		flags.Set(krb5.TktFlagProxiable)
	}
	if !lt.renewTill.IsZero() && allowed(store.FlagRenewable, client) {
		flags.Set(krb5.TktFlagRenewable)
	} else {
		lt.renewTill = time.Time{}
	}

	part := krb5.EncTicketPart{
		Flags:     flags,
		Key:       session,
		CRealm:    body.Realm,
		CName:     body.CName,
		Transited: krb5.TransitedEncoding{TRType: 1, Contents: []byte{}},
		AuthTime:  start,
		StartTime: lt.start,
		EndTime:   lt.end,
		RenewTill: lt.renewTill,
		CAddr:     body.Addresses,
	}
	tkt, err := e.sealTicket(server, body.SName, part)
	if err != nil {
		return nil, err
	}

	rep := krb5.EncKDCRepPart{
		AppTag:    krb5.TagEncASRepPart,
		Key:       session,
		LastReq:   []krb5.LastReqEntry{{LRType: 0, LRValue: start}},
		Nonce:     body.Nonce,
		Flags:     flags,
		AuthTime:  start,
		StartTime: lt.start,
		EndTime:   lt.end,
		RenewTill: lt.renewTill,
		SRealm:    server.Realm,
		SName:     body.SName,
		CAddr:     body.Addresses,
	}
	if !client.ValidUntil.IsZero() {
		rep.KeyExpiration = client.ValidUntil
	}
	out, err := e.finish(x, krb5.MsgTypeASRep, replyKey, crypto.KeyUsageASRepEncPart, rep, tkt, body.Realm, body.CName)
	if err != nil {
		return nil, err
	}
	e.log.Printf(krblog.AreaKDC, "%s AS-REP %s for %s until %s", x.id, pc.ClientName, body.SName, lt.end.Format(time.RFC3339))
	return out, nil
}

// clientReplyKey picks the reply key when no mechanism chose one: the first
// requested etype the client has a key for.
func (e *Engine) clientReplyKey(requested []int32, keys []crypto.EncryptionKey) (crypto.EncryptionKey, error) {
	for _, et := range requested {
		for _, k := range keys {
			if k.KeyType == et {
				return k, nil
			}
		}
	}
	return crypto.EncryptionKey{}, protoErr(krb5.KDCErrETypeNoSupp, "client has no key for %v", requested)
}

func (e *Engine) handleTGS(ctx context.Context, x *exchange, req *krb5.KDCReq) ([]byte, error) {
	pc := e.newContext(ctx, x, req)

	tgsPA, ok := krb5.FindPAData(req.PAData, krb5.PATGSReq)
	if !ok {
		return nil, protoErr(krb5.KDCErrPADataTypeNoSupp, "TGS-REQ without PA-TGS-REQ")
	}
	var ap krb5.APReq
	if err := ap.Unmarshal(tgsPA.PADataValue); err != nil {
		return nil, fmt.Errorf("decode PA-TGS-REQ: %w", err)
	}
	res, err := e.verifier(crypto.KeyUsageTGSReqAuthenticator).Verify(ctx, &ap)
	if err != nil {
		return nil, err
	}
	tgt := &res.Ticket
	auth := &res.Authenticator
	x.cname, x.crealm = tgt.CName, tgt.CRealm
	x.ctime, x.cusec = auth.CTime, auth.CUSec

	if auth.SubKey != nil {
		armor, err := preauth.ArmorKeyFromTicket(*auth.SubKey, tgt.Key)
		if err != nil {
			return nil, err
		}
		if err := pc.SetArmorKey(armor); err != nil {
			return nil, err
		}
	}
	if err := e.config.Preauth.Unwrap(pc); err != nil {
		return nil, err
	}
	if auth.Cksum != nil {
		if err := crypto.VerifyChecksum(tgt.Key, crypto.KeyUsageTGSReqChecksum, req.RawReqBody, *auth.Cksum); err != nil {
			return nil, protoErr(krb5.APErrModified, "request body checksum: %w", err)
		}
	}

	body := pc.Body
	x.sname = body.SName
	now := x.now.Truncate(time.Second)
	if err := e.validate(body, now); err != nil {
		return nil, err
	}

	// The ticket authenticates the client; this records PAC requests.
	if _, err := e.config.Preauth.Negotiate(pc, req.PAData); err != nil {
		return nil, err
	}
	x.to(stateBuildingReply)

	opts := body.KDCOptions
	renew := opts.Has(krb5.KDCOptRenew)
	if opts.Has(krb5.KDCOptValidate) {
		e.log.Debugf(krblog.AreaKDC, "%s VALIDATE ignored, postdated tickets are not issued", x.id)
	}
	if renew {
		if !tgt.Flags.Has(krb5.TktFlagRenewable) {
			return nil, protoErr(krb5.KDCErrBadOption, "ticket is not renewable")
		}
		if !now.Before(tgt.RenewTill) {
			return nil, protoErr(krb5.APErrTktExpired, "renew-till %s passed", tgt.RenewTill)
		}
		body.SName = ap.Ticket.SName
	} else {
		if !ap.Ticket.SName.IsTGS() {
			return nil, protoErr(krb5.KDCErrPolicy, "PA-TGS-REQ ticket is for %s", ap.Ticket.SName)
		}
		// The verifier tolerates skew past endtime; issuing does not.
		if !x.now.Before(tgt.EndTime) {
			return nil, protoErr(krb5.APErrTktExpired, "ticket expired at %s", tgt.EndTime)
		}
	}

	server, err := e.lookup(ctx, body.SName, body.Realm, krb5.KDCErrSPrincipalUnknown)
	if err != nil {
		return nil, err
	}
	if err := checkEntry(server, x.now, false); err != nil {
		return nil, err
	}
	if server.Flags.Has(store.FlagNoTGS) && !renew {
		return nil, protoErr(krb5.KDCErrPolicy, "%s does not accept service tickets", server.Key())
	}

	setype, err := e.sessionEType(body.EType, server)
	if err != nil {
		return nil, err
	}
	session, err := crypto.GenerateKey(setype)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	var (
		lt    lifetime
		flags krb5.KerberosFlags
	)
	if renew {
		life := tgt.EndTime.Sub(tgt.Start())
		lt = lifetime{start: now, end: now.Add(life), renewTill: tgt.RenewTill}
		if lt.end.After(tgt.RenewTill) {
			lt.end = tgt.RenewTill
		}
		flags = tgt.Flags
	} else {
		lt, err = e.grant(body, now, nil, server, tgt.EndTime, tgt.RenewTill)
		if err != nil {
			return nil, err
		}
		if tgt.Flags.Has(krb5.TktFlagPreAuthent) {
			flags.Set(krb5.TktFlagPreAuthent)
		}
		if opts.Has(krb5.KDCOptForwardable) && tgt.Flags.Has(krb5.TktFlagForwardable) {
			flags.Set(krb5.TktFlagForwardable)
		}
		if opts.Has(krb5.KDCOptProxiable) && tgt.Flags.Has(krb5.TktFlagProxiable) {
			flags.Set(krb5.TktFlagProxiable)
		}
		if !lt.renewTill.IsZero() && tgt.Flags.Has(krb5.TktFlagRenewable) {
			flags.Set(krb5.TktFlagRenewable)
		} else {
			lt.renewTill = time.Time{}
		}
	}

	part := krb5.EncTicketPart{
		Flags:             flags,
		Key:               session,
		CRealm:            tgt.CRealm,
		CName:             tgt.CName,
		Transited:         tgt.Transited,
		AuthTime:          tgt.AuthTime,
		StartTime:         lt.start,
		EndTime:           lt.end,
		RenewTill:         lt.renewTill,
		CAddr:             tgt.CAddr,
		AuthorizationData: tgt.AuthorizationData,
	}
	tkt, err := e.sealTicket(server, body.SName, part)
	if err != nil {
		return nil, err
	}

	replyKey, usage := tgt.Key, uint32(crypto.KeyUsageTGSRepEncPart)
	if auth.SubKey != nil {
		replyKey, usage = *auth.SubKey, crypto.KeyUsageTGSRepSubkeyEncPart
	}
	rep := krb5.EncKDCRepPart{
		AppTag:    krb5.TagEncTGSRepPart,
		Key:       session,
		LastReq:   []krb5.LastReqEntry{{LRType: 0, LRValue: tgt.AuthTime}},
		Nonce:     body.Nonce,
		Flags:     flags,
		AuthTime:  tgt.AuthTime,
		StartTime: lt.start,
		EndTime:   lt.end,
		RenewTill: lt.renewTill,
		SRealm:    server.Realm,
		SName:     body.SName,
		CAddr:     tgt.CAddr,
	}
	out, err := e.finish(x, krb5.MsgTypeTGSRep, replyKey, usage, rep, tkt, tgt.CRealm, tgt.CName)
	if err != nil {
		return nil, err
	}
	e.log.Printf(krblog.AreaKDC, "%s TGS-REP %s for %s until %s (renew %t)", x.id, res.Client(), body.SName, lt.end.Format(time.RFC3339), renew)
	return out, nil
}
