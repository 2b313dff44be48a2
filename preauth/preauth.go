// Package preauth negotiates Kerberos pre-authentication for the KDC.
//
// A Registry holds the mechanisms the KDC accepts, keyed by PA-DATA type.
// For each request the engine builds a Context, unwraps FAST, fills in the
// client key candidates and calls Negotiate. Mechanisms are tried in the
// order the client sent its PA-DATA and negotiation stops at the first one
// that verifies and is real, as opposed to informational.
package preauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krblog"
)

// Mechanism is one pre-authentication method.
type Mechanism interface {
	// Type is the PA-DATA type handled.
	Type() int32
	// Real reports whether a successful Verify authenticates the client.
	Real() bool
	// Hint returns the PA-DATA advertised when the KDC asks for
	// pre-authentication.
	Hint(c *Context) (krb5.PAData, bool)
	// Verify checks a PA-DATA element sent by the client.
	Verify(c *Context, pa krb5.PAData) error
	// Respond appends reply PA-DATA after the reply key is known.
	Respond(c *Context, out *[]krb5.PAData)
}

// ReplayCache records timestamps. Seen inserts the entry and reports
// whether it was already present.
type ReplayCache interface {
	Seen(principal string, ts time.Time, usec int) bool
}

// ArmorFunc verifies the AP-REQ carried as FAST armor.
type ArmorFunc func(ctx context.Context, ap *krb5.APReq) (*krb5.APResult, error)

// ErrArmorKeySet is returned when a second armor key is set on a context.
var ErrArmorKeySet = errors.New("preauth: armor key already set")

// Error is a pre-authentication rejection. EData is sent as METHOD-DATA in
// the KRB-ERROR.
type Error struct {
	Code  int32
	EData []krb5.PAData
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "preauth: " + krb5.ErrorCodeName(e.Code)
	}
	return fmt.Sprintf("preauth: %s: %v", krb5.ErrorCodeName(e.Code), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func failed(format string, args ...any) *Error {
	return &Error{Code: krb5.KDCErrPreauthFailed, Err: fmt.Errorf(format, args...)}
}

// Result is the outcome of a successful negotiation.
type Result struct {
	// Mechanism is the PA-DATA type of the real mechanism that verified,
	// zero when none did.
	Mechanism int32
	// Preauthenticated is true when a real mechanism verified.
	Preauthenticated bool
	// FAST is true when the request was armored.
	FAST bool
}

// Registry is a closed set of mechanisms. It is read-only after
// NewRegistry and safe for concurrent use.
type Registry struct {
	mechs  []Mechanism
	byType map[int32]Mechanism
	logger *krblog.Logger
}

// NewRegistry builds a registry. Hints are offered in the order given. It
// panics on a duplicate PA-DATA type.
func NewRegistry(mechs ...Mechanism) *Registry {
	r := &Registry{byType: make(map[int32]Mechanism, len(mechs))}
	for _, m := range mechs {
		if _, ok := r.byType[m.Type()]; ok {
			panic(fmt.Sprintf("preauth: duplicate mechanism for PA-DATA type %d", m.Type()))
		}
		r.byType[m.Type()] = m
		r.mechs = append(r.mechs, m)
	}
	return r
}

// DefaultRegistry returns the mechanisms the KDC supports: ETYPE-INFO2,
// encrypted timestamp, FAST, encrypted challenge and PAC-REQUEST.
func DefaultRegistry() *Registry {
	return NewRegistry(
		ETypeInfo2{},
		EncTimestamp{},
		FAST{},
		EncChallenge{},
		PACRequest{},
	)
}

// Lookup returns the mechanism for a PA-DATA type.
func (r *Registry) Lookup(paType int32) (Mechanism, bool) {
	m, ok := r.byType[paType]
	return m, ok
}

// Types returns the registered PA-DATA types in registration order.
func (r *Registry) Types() []int32 {
	out := make([]int32, len(r.mechs))
	for i, m := range r.mechs {
		out[i] = m.Type()
	}
	return out
}

// Hints collects one hint per registered mechanism that offers one.
func (r *Registry) Hints(c *Context) []krb5.PAData {
	var out []krb5.PAData
	for _, m := range r.mechs {
		if pa, ok := m.Hint(c); ok {
			out = append(out, pa)
		}
	}
	return out
}

// Unwrap processes PA-FX-FAST if the request carries it and FAST is
// registered, replacing the effective body and PA-DATA of c with the inner
// request. It runs at most once per context.
func (r *Registry) Unwrap(c *Context) error {
	if c.unwrapped {
		return nil
	}
	c.unwrapped = true
	pa, ok := krb5.FindPAData(c.Request.PAData, krb5.PAFXFast)
	if !ok {
		return nil
	}
	m, ok := r.byType[krb5.PAFXFast]
	if !ok {
		c.Logger.Debugf(krblog.AreaPreauth, "FAST not enabled, ignoring PA-FX-FAST")
		return nil
	}
	return m.Verify(c, pa)
}

// Negotiate runs pre-authentication over padata, normally the outer
// request PA-DATA. FAST is unwrapped first, after which the inner PA-DATA
// is negotiated instead.
func (r *Registry) Negotiate(c *Context, padata []krb5.PAData) (Result, error) {
	if !c.unwrapped {
		if c.Request == nil {
			c.Request = &krb5.KDCReq{PAData: padata}
		}
		if err := r.Unwrap(c); err != nil {
			return Result{}, err
		}
	}
	if c.FAST() {
		padata = c.PAData
	}

	var firstErr error
	for _, pa := range padata {
		if pa.PADataType == krb5.PAFXFast {
			continue
		}
		m, ok := r.byType[pa.PADataType]
		if !ok {
			c.Logger.Tracef(krblog.AreaPreauth, "skipping unsupported PA-DATA type %d", pa.PADataType)
			continue
		}
		err := m.Verify(c, pa)
		if err != nil {
			c.Logger.Debugf(krblog.AreaPreauth, "PA-DATA type %d for %s rejected: %v", pa.PADataType, c.ClientName, err)
			if m.Real() && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if m.Real() {
			c.used = m
			c.Logger.Printf(krblog.AreaPreauth, "%s pre-authenticated with PA-DATA type %d", c.ClientName, pa.PADataType)
			return Result{Mechanism: pa.PADataType, Preauthenticated: true, FAST: c.FAST()}, nil
		}
	}

	if firstErr != nil {
		perr := &Error{Code: krb5.KDCErrPreauthFailed, Err: firstErr}
		var inner *Error
		if errors.As(firstErr, &inner) {
			perr.Code = inner.Code
		}
		perr.EData = r.Hints(c)
		return Result{}, perr
	}
	if c.Required {
		return Result{}, &Error{
			Code:  krb5.KDCErrPreauthRequired,
			EData: r.Hints(c),
			Err:   errors.New("pre-authentication required"),
		}
	}
	return Result{FAST: c.FAST()}, nil
}

// Respond collects reply PA-DATA from every mechanism.
func (r *Registry) Respond(c *Context) []krb5.PAData {
	var out []krb5.PAData
	for _, m := range r.mechs {
		m.Respond(c, &out)
	}
	return out
}

// candidates returns the client keys of the given etype.
func (c *Context) candidates(etype int32) []crypto.EncryptionKey {
	var out []crypto.EncryptionKey
	for _, k := range c.ClientKeys {
		if k.KeyType == etype {
			out = append(out, k)
		}
	}
	return out
}

// checkTimestamp enforces the skew window and the replay cache.
func (c *Context) checkTimestamp(ts krb5.PAEncTSEnc) error {
	d := c.Now.Sub(ts.Time())
	if d > c.Skew || d < -c.Skew {
		return failed("timestamp off by %s", d)
	}
	if c.Replay != nil && c.Replay.Seen(c.ClientName, ts.PATimestamp, int(ts.PAUSec)) {
		return failed("timestamp replayed")
	}
	return nil
}
