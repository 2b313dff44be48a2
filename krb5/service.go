package krb5

import (
	"context"
	"fmt"
	"time"

	"github.com/kardianos/gokdc/krb5/crypto"
)

// DefaultSkew is the permitted clock difference between peers.
const DefaultSkew = 5 * time.Minute

// KeyFunc returns the long-term key a ticket was encrypted under.
type KeyFunc func(ctx context.Context, sname PrincipalName, realm string, etype int32, kvno uint32) (crypto.EncryptionKey, error)

// ReplayChecker records authenticators. Seen reports true when the entry
// was already present.
type ReplayChecker interface {
	Seen(principal string, ts time.Time, usec int) bool
}

// VerifyError is an AP-REQ rejection with the error code to send.
type VerifyError struct {
	Code int32
	Err  error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify AP-REQ: %s: %v", ErrorCodeName(e.Code), e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }

func verifyErr(code int32, format string, args ...any) error {
	return &VerifyError{Code: code, Err: fmt.Errorf(format, args...)}
}

// APVerifier validates AP-REQs, either for a service or for the TGS
// inside PA-TGS-REQ.
type APVerifier struct {
	// Key finds the service key for the ticket. Its errors are returned
	// unwrapped.
	Key KeyFunc

	// Usage is the key usage of the authenticator:
	// crypto.KeyUsageTGSReqAuthenticator inside PA-TGS-REQ and
	// crypto.KeyUsageAPReqAuthenticator otherwise.
	Usage uint32

	// Skew defaults to DefaultSkew.
	Skew time.Duration

	// Replay, if set, rejects authenticators seen before.
	Replay ReplayChecker

	// Now defaults to time.Now.
	Now func() time.Time
}

// APResult is a verified AP-REQ.
type APResult struct {
	Ticket        EncTicketPart
	Authenticator Authenticator
	// ServiceKey is the key the ticket was decrypted with.
	ServiceKey crypto.EncryptionKey
}

// SessionKey is the authenticator subkey when present, otherwise the
// ticket session key.
func (r *APResult) SessionKey() crypto.EncryptionKey {
	if r.Authenticator.SubKey != nil {
		return *r.Authenticator.SubKey
	}
	return r.Ticket.Key
}

// Client returns the authenticated principal as "name@REALM".
func (r *APResult) Client() string {
	return r.Ticket.CName.String() + "@" + r.Ticket.CRealm
}

// Verify decrypts and checks req. The ticket lifetime is checked before
// the authenticator is decrypted.
func (v *APVerifier) Verify(ctx context.Context, req *APReq) (*APResult, error) {
	skew := v.Skew
	if skew == 0 {
		skew = DefaultSkew
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	ed := req.Ticket.EncPart
	key, err := v.Key(ctx, req.Ticket.SName, req.Ticket.Realm, ed.EType, ed.KVNO)
	if err != nil {
		return nil, err
	}

	res := &APResult{ServiceKey: key}
	if err := Open(key, crypto.KeyUsageTicket, ed, &res.Ticket); err != nil {
		return nil, verifyErr(APErrBadIntegrity, "decrypt ticket: %w", err)
	}
	tkt := &res.Ticket
	if now.After(tkt.EndTime.Add(skew)) {
		return nil, verifyErr(APErrTktExpired, "ticket expired at %s", tkt.EndTime)
	}
	if tkt.Start().After(now.Add(skew)) || tkt.Flags.Has(TktFlagInvalid) {
		return nil, verifyErr(APErrTktNYV, "ticket not yet valid")
	}

	auth := &res.Authenticator
	if err := Open(tkt.Key, v.Usage, req.Authenticator, auth); err != nil {
		return nil, verifyErr(APErrBadIntegrity, "decrypt authenticator: %w", err)
	}
	if auth.CRealm != tkt.CRealm || !auth.CName.Equal(tkt.CName) {
		return nil, verifyErr(APErrBadMatch, "authenticator names %s@%s, ticket names %s", auth.CName, auth.CRealm, res.Client())
	}
	if d := now.Sub(auth.CTime); d > skew || d < -skew {
		return nil, verifyErr(APErrSkew, "authenticator time off by %s", d)
	}
	if v.Replay != nil && v.Replay.Seen(res.Client(), auth.CTime, int(auth.CUSec)) {
		return nil, verifyErr(APErrRepeat, "authenticator replayed")
	}
	return res, nil
}

// Reply builds the AP-REP for mutual authentication. It echoes the
// authenticator time and subkey under the ticket session key.
func (r *APResult) Reply() (*APRep, error) {
	part := EncAPRepPart{
		CTime:     r.Authenticator.CTime,
		CUSec:     r.Authenticator.CUSec,
		SubKey:    r.Authenticator.SubKey,
		SeqNumber: r.Authenticator.SeqNumber,
	}
	ed, err := Seal(r.Ticket.Key, crypto.KeyUsageAPRepEncPart, part)
	if err != nil {
		return nil, fmt.Errorf("seal AP-REP: %w", err)
	}
	return &APRep{EncPart: ed}, nil
}

// NewAuthenticator builds an authenticator for cname@crealm at now. The
// microseconds are taken from now.
func NewAuthenticator(crealm string, cname PrincipalName, now time.Time) Authenticator {
	return Authenticator{
		CRealm: crealm,
		CName:  cname,
		CTime:  now.UTC().Truncate(time.Second),
		CUSec:  int32(now.Nanosecond() / 1000),
	}
}

// NewAPReq seals auth under the ticket session key and returns the
// AP-REQ.
func NewAPReq(tkt Ticket, sessionKey crypto.EncryptionKey, usage uint32, auth Authenticator, opts KerberosFlags) (*APReq, error) {
	ed, err := Seal(sessionKey, usage, auth)
	if err != nil {
		return nil, fmt.Errorf("seal authenticator: %w", err)
	}
	return &APReq{APOptions: opts, Ticket: tkt, Authenticator: ed}, nil
}
