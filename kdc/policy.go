package kdc

import (
	"time"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/store"
)

// lifetime is the ticket window granted for a request.
type lifetime struct {
	start     time.Time
	end       time.Time
	renewTill time.Time
}

// capDuration returns the smallest positive of d and caps.
func capDuration(d time.Duration, caps ...time.Duration) time.Duration {
	for _, c := range caps {
		if c > 0 && c < d {
			d = c
		}
	}
	return d
}

// grant computes endtime and renew-till for a new ticket starting at
// start. A zero till is infinite. limit, if set, bounds both times (the
// TGT end and renew-till for TGS).
func (e *Engine) grant(body krb5.KDCReqBody, start time.Time, client, server *store.Entry, limitEnd, limitRenew time.Time) (lifetime, error) {
	var clientLife, clientRenew time.Duration
	if client != nil {
		clientLife, clientRenew = client.MaxLife, client.MaxRenew
	}
	maxLife := capDuration(e.config.MaxLife, clientLife, server.MaxLife)

	lt := lifetime{start: start, end: start.Add(maxLife)}
	if !body.Till.IsZero() && body.Till.Before(lt.end) {
		lt.end = body.Till
	}
	if !limitEnd.IsZero() && limitEnd.Before(lt.end) {
		lt.end = limitEnd
	}
	if lt.end.Sub(start) < e.config.MinLife {
		return lifetime{}, protoErr(krb5.KDCErrNeverValid, "lifetime %s below minimum %s", lt.end.Sub(start), e.config.MinLife)
	}

	opts := body.KDCOptions
	tooLong := body.Till.IsZero() || body.Till.After(lt.end)
	if !opts.Has(krb5.KDCOptRenewable) && !(opts.Has(krb5.KDCOptRenewableOK) && tooLong) {
		return lt, nil
	}
	if e.config.MaxRenew < 0 {
		return lt, nil
	}
	maxRenew := capDuration(e.config.MaxRenew, clientRenew, server.MaxRenew)
	rtime := body.RTime
	if !opts.Has(krb5.KDCOptRenewable) {
		rtime = body.Till
	}
	renew := start.Add(maxRenew)
	if !rtime.IsZero() && rtime.Before(renew) {
		renew = rtime
	}
	if !limitRenew.IsZero() && limitRenew.Before(renew) {
		renew = limitRenew
	}
	if renew.Before(lt.end) {
		renew = lt.end
	}
	lt.renewTill = renew
	return lt, nil
}

// allowed reports whether the store flag f is set on every given entry.
func allowed(f store.Flags, entries ...*store.Entry) bool {
	for _, ent := range entries {
		if ent != nil && !ent.Flags.Has(f) {
			return false
		}
	}
	return true
}
