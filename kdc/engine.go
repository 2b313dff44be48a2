// Package kdc implements the Kerberos Key Distribution Center: the AS and
// TGS exchanges over a principal store, and the UDP/TCP transport that
// feeds them.
package kdc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krblog"
	"github.com/kardianos/gokdc/preauth"
	"github.com/kardianos/gokdc/store"
)

// Config configures the exchange engine.
type Config struct {
	// Realm is the default realm (e.g., "EXAMPLE.COM").
	Realm string

	// Realms lists every realm served. Realm is always included.
	Realms []string

	// Store holds the principals, including krbtgt/REALM.
	Store store.Backend

	// Replay rejects repeated timestamps and authenticators. If nil,
	// nothing is rejected as a replay.
	Replay krb5.ReplayChecker

	// Preauth is the mechanism registry (default preauth.DefaultRegistry).
	Preauth *preauth.Registry

	// RequirePreauth requires pre-authentication for every client.
	RequirePreauth bool

	// Skew is the permitted clock difference (default 5 minutes).
	Skew time.Duration

	// MinLife is the shortest ticket issued (default 5 minutes).
	MinLife time.Duration

	// MaxLife caps ticket lifetimes (default 10 hours).
	MaxLife time.Duration

	// MaxRenew caps renew-till (default 7 days). Negative disables
	// renewable tickets.
	MaxRenew time.Duration

	// ETypes are the permitted encryption types, in preference order
	// (default crypto.Strong).
	ETypes []int32

	// Logger for debug output. If nil, logs are discarded.
	Logger *krblog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine handles decoded KDC requests. It keeps no state between requests
// and is safe for concurrent use.
type Engine struct {
	config Config
	log    *krblog.Logger
}

// NewEngine creates an engine with the given configuration.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Realm == "" {
		return nil, fmt.Errorf("realm is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if !slices.Contains(cfg.Realms, cfg.Realm) {
		cfg.Realms = append([]string{cfg.Realm}, cfg.Realms...)
	}
	if cfg.Preauth == nil {
		cfg.Preauth = preauth.DefaultRegistry()
	}
	if cfg.Skew == 0 {
		cfg.Skew = krb5.DefaultSkew
	}
	if cfg.MinLife == 0 {
		cfg.MinLife = 5 * time.Minute
	}
	if cfg.MaxLife == 0 {
		cfg.MaxLife = 10 * time.Hour
	}
	if cfg.MaxRenew == 0 {
		cfg.MaxRenew = 7 * 24 * time.Hour
	}
	if len(cfg.ETypes) == 0 {
		cfg.ETypes = crypto.Strong
	}
	for _, et := range cfg.ETypes {
		if !crypto.Supported(et) {
			return nil, fmt.Errorf("unsupported encryption type %d", et)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{config: cfg, log: cfg.Logger}, nil
}

// Realm returns the default realm.
func (e *Engine) Realm() string { return e.config.Realm }

type state int

const (
	stateAwaitingRequest state = iota
	stateDecoding
	statePreauthRequired
	stateBuildingReply
	stateComplete
	stateError
)

func (s state) String() string {
	switch s {
	case stateAwaitingRequest:
		return "AwaitingRequest"
	case stateDecoding:
		return "Decoding"
	case statePreauthRequired:
		return "PreauthRequired"
	case stateBuildingReply:
		return "BuildingReply"
	case stateComplete:
		return "Complete"
	case stateError:
		return "Error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// exchange is the state of one request. It never outlives HandleRequest.
type exchange struct {
	id    string
	state state
	log   *krblog.Logger
	now   time.Time

	msgType int32
	pc      *preauth.Context

	// Echoed in KRB-ERROR.
	realm  string
	crealm string
	cname  krb5.PrincipalName
	sname  krb5.PrincipalName
	ctime  time.Time
	cusec  int32
}

func (x *exchange) to(s state) {
	if x.state == stateError {
		return
	}
	x.log.Tracef(krblog.AreaKDC, "%s %s -> %s", x.id, x.state, s)
	x.state = s
}

func (x *exchange) client() string {
	if x.cname.IsZero() {
		return "-"
	}
	return x.cname.String() + "@" + x.crealm
}

// HandleRequest decodes raw, runs the AS or TGS exchange and returns the
// encoded reply. The result is always either a KDC-REP or a KRB-ERROR.
func (e *Engine) HandleRequest(ctx context.Context, raw []byte) (reply []byte) {
	x := &exchange{
		id:    RequestID(ctx),
		state: stateAwaitingRequest,
		log:   e.log,
		now:   e.config.Now().UTC(),
		realm: e.config.Realm,
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf(krblog.AreaKDC, "%s panic: %v\n%s", x.id, r, debug.Stack())
			reply = e.errorReply(x, protoErr(krb5.KDCErrSvcUnavailable, "panic: %v", r))
		}
	}()

	out, err := e.handle(ctx, x, raw)
	if err != nil {
		return e.errorReply(x, err)
	}
	x.to(stateComplete)
	return out
}

func (e *Engine) handle(ctx context.Context, x *exchange, raw []byte) ([]byte, error) {
	x.to(stateDecoding)
	msg, err := krb5.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	req, ok := msg.(*krb5.KDCReq)
	if !ok {
		return nil, protoErr(krb5.APErrMsgType, "unexpected message type %d", msg.MessageType())
	}
	x.msgType = req.MsgType
	x.cname = req.ReqBody.CName
	x.crealm = req.ReqBody.Realm
	x.sname = req.ReqBody.SName
	if e.served(req.ReqBody.Realm) {
		x.realm = req.ReqBody.Realm
	}

	switch req.MsgType {
	case krb5.MsgTypeASReq:
		e.log.Debugf(krblog.AreaKDC, "%s AS-REQ %s for %s", x.id, x.client(), req.ReqBody.SName)
		return e.handleAS(ctx, x, req)
	case krb5.MsgTypeTGSReq:
		e.log.Debugf(krblog.AreaKDC, "%s TGS-REQ for %s", x.id, req.ReqBody.SName)
		return e.handleTGS(ctx, x, req)
	}
	return nil, protoErr(krb5.APErrMsgType, "unexpected message type %d", req.MsgType)
}

func (e *Engine) served(realm string) bool {
	return slices.ContainsFunc(e.config.Realms, func(r string) bool {
		return strings.EqualFold(r, realm)
	})
}

func (e *Engine) newContext(ctx context.Context, x *exchange, req *krb5.KDCReq) *preauth.Context {
	pc := preauth.NewContext(ctx, req)
	pc.Now = x.now
	pc.Skew = e.config.Skew
	if e.config.Replay != nil {
		pc.Replay = e.config.Replay
	}
	pc.Logger = e.log
	x.pc = pc
	return pc
}

// validate checks the effective request body.
func (e *Engine) validate(body krb5.KDCReqBody, start time.Time) error {
	if err := body.Validate(); err != nil {
		return protoErr(krb5.KRBErrGeneric, "%w", err)
	}
	// A requested from later than now is where validity would begin.
	if body.From.After(start) {
		start = body.From
	}
	if !body.Till.IsZero() && !body.Till.After(start) {
		return protoErr(krb5.KDCErrNeverValid, "till %s is not after %s", body.Till, start)
	}
	if !slices.ContainsFunc(body.EType, e.permitted) {
		return protoErr(krb5.KDCErrETypeNoSupp, "no permitted etype in %v", body.EType)
	}
	if !e.served(body.Realm) {
		return protoErr(krb5.KDCErrWrongRealm, "realm %q not served", body.Realm)
	}
	return nil
}

func (e *Engine) permitted(et int32) bool {
	return slices.Contains(e.config.ETypes, et)
}

// lookup gets a principal, mapping a missing entry to unknown.
func (e *Engine) lookup(ctx context.Context, name krb5.PrincipalName, realm string, unknown int32) (*store.Entry, error) {
	ent, err := e.config.Store.Get(ctx, name, realm)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protoErr(unknown, "%s@%s not found", name, realm)
	}
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// checkEntry applies the disabled flag and the validity window.
func checkEntry(ent *store.Entry, now time.Time, client bool) error {
	revoked, notYet, expired := krb5.KDCErrServiceRevoked, krb5.KDCErrServiceNotYet, krb5.KDCErrServiceExp
	if client {
		revoked, notYet, expired = krb5.KDCErrClientRevoked, krb5.KDCErrClientNotYet, krb5.KDCErrNameExp
	}
	switch {
	case ent.Flags.Has(store.FlagDisabled):
		return protoErr(revoked, "%s is disabled", ent.Key())
	case !ent.ValidFrom.IsZero() && now.Before(ent.ValidFrom):
		return protoErr(notYet, "%s is not valid until %s", ent.Key(), ent.ValidFrom)
	case !ent.ValidAt(now):
		return protoErr(expired, "%s expired at %s", ent.Key(), ent.ValidUntil)
	}
	return nil
}

// keys returns the entry keys of permitted etypes, strongest first.
func (e *Engine) keys(ent *store.Entry) []crypto.EncryptionKey {
	var out []crypto.EncryptionKey
	for _, et := range ent.ETypes() {
		if !e.permitted(et) {
			continue
		}
		k, _ := ent.EncryptionKey(et)
		out = append(out, k)
	}
	return out
}

// sessionEType picks the first client etype the server also has a key
// for.
func (e *Engine) sessionEType(requested []int32, server *store.Entry) (int32, error) {
	for _, et := range requested {
		if !e.permitted(et) {
			continue
		}
		if _, ok := server.Keys[et]; ok {
			return et, nil
		}
	}
	return 0, protoErr(krb5.KDCErrETypeNoSupp, "no etype in %v shared with %s", requested, server.Key())
}

// ticketKey returns the strongest permitted server key.
func (e *Engine) ticketKey(server *store.Entry) (crypto.EncryptionKey, error) {
	ks := e.keys(server)
	if len(ks) == 0 {
		return crypto.EncryptionKey{}, protoErr(krb5.KDCErrETypeNoSupp, "%s has no permitted key", server.Key())
	}
	return ks[0], nil
}

// serviceKey is the krb5.KeyFunc for tickets presented to the KDC. A
// missing key and a kvno mismatch fail the same way as a wrong key.
func (e *Engine) serviceKey(ctx context.Context, sname krb5.PrincipalName, realm string, etype int32, kvno uint32) (crypto.EncryptionKey, error) {
	if !e.served(realm) {
		return crypto.EncryptionKey{}, protoErr(krb5.APErrNotUs, "ticket for realm %q", realm)
	}
	ent, err := e.lookup(ctx, sname, realm, krb5.KDCErrSPrincipalUnknown)
	if err != nil {
		return crypto.EncryptionKey{}, err
	}
	k, ok := ent.EncryptionKey(etype)
	if !ok || (kvno != 0 && kvno != ent.KVNO) {
		return crypto.EncryptionKey{}, &krb5.VerifyError{
			Code: krb5.APErrBadIntegrity,
			Err:  fmt.Errorf("no key for %s etype %d kvno %d", ent.Key(), etype, kvno),
		}
	}
	return k, nil
}

func (e *Engine) verifier(usage uint32) *krb5.APVerifier {
	return &krb5.APVerifier{
		Key:    e.serviceKey,
		Usage:  usage,
		Skew:   e.config.Skew,
		Replay: e.config.Replay,
		Now:    e.config.Now,
	}
}

// sealTicket encrypts part under the server key.
func (e *Engine) sealTicket(server *store.Entry, sname krb5.PrincipalName, part krb5.EncTicketPart) (krb5.Ticket, error) {
	key, err := e.ticketKey(server)
	if err != nil {
		return krb5.Ticket{}, err
	}
	ed, err := krb5.Seal(key, crypto.KeyUsageTicket, part)
	if err != nil {
		return krb5.Ticket{}, fmt.Errorf("seal ticket: %w", err)
	}
	ed.KVNO = server.KVNO
	return krb5.Ticket{Realm: server.Realm, SName: sname, EncPart: ed}, nil
}

// finish seals the reply part, wraps FAST and encodes the KDC-REP.
func (e *Engine) finish(x *exchange, msgType int32, replyKey crypto.EncryptionKey, usage uint32, part krb5.EncKDCRepPart, tkt krb5.Ticket, crealm string, cname krb5.PrincipalName) ([]byte, error) {
	pc := x.pc
	padata := e.config.Preauth.Respond(pc)
	key, err := pc.Strengthen(replyKey)
	if err != nil {
		return nil, err
	}
	if pc.FAST() {
		padata, err = pc.WrapReply(padata, tkt, crealm, cname)
		if err != nil {
			return nil, err
		}
	}
	ed, err := krb5.Seal(key, usage, part)
	if err != nil {
		return nil, fmt.Errorf("seal reply: %w", err)
	}
	rep := &krb5.KDCRep{
		MsgType: msgType,
		PAData:  padata,
		CRealm:  crealm,
		CName:   cname,
		Ticket:  tkt,
		EncPart: ed,
	}
	return rep.Marshal()
}

// errorReply encodes err as a KRB-ERROR.
func (e *Engine) errorReply(x *exchange, err error) []byte {
	x.to(stateError)
	code, md := errorCode(err)
	e.log.Printf(krblog.AreaKDC, "%s %s: %s: %v", x.id, x.client(), krb5.ErrorCodeName(code), err)

	now := e.config.Now().UTC()
	sname := x.sname
	if sname.IsZero() {
		sname = krb5.TGSName(x.realm)
	}
	kerr := &krb5.KRBError{
		CTime:     x.ctime,
		CUSec:     x.cusec,
		STime:     now.Truncate(time.Second),
		SUSec:     int32(now.Nanosecond() / 1000),
		ErrorCode: code,
		Realm:     x.realm,
		SName:     sname,
		EText:     errorText(code),
	}
	if !x.cname.IsZero() && x.crealm != "" {
		kerr.CRealm = x.crealm
		kerr.CName = x.cname
	}
	if len(md) > 0 {
		if b, err := krb5.MarshalMethodData(md); err == nil {
			kerr.EData = b
		}
	}
	if x.pc != nil && x.pc.FAST() {
		edata, err := x.pc.WrapError(kerr)
		if err != nil {
			e.log.Errorf(krblog.AreaKDC, "%s wrap FAST error: %v", x.id, err)
		} else {
			outer := *kerr
			outer.EData = edata
			kerr = &outer
		}
	}
	b, merr := kerr.Marshal()
	if merr == nil {
		return b
	}
	e.log.Errorf(krblog.AreaKDC, "%s encode KRB-ERROR: %v", x.id, merr)
	fallback := &krb5.KRBError{
		STime:     kerr.STime,
		ErrorCode: krb5.KRBErrGeneric,
		Realm:     e.config.Realm,
		SName:     krb5.TGSName(e.config.Realm),
	}
	b, _ = fallback.Marshal()
	return b
}

type requestIDKey struct{}

// WithRequestID attaches a request id used in log lines.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by WithRequestID, or "-".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return "-"
}
