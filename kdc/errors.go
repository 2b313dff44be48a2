package kdc

import (
	"errors"
	"fmt"

	"github.com/kardianos/gokdc/der"
	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/preauth"
	"github.com/kardianos/gokdc/store"
)

// ProtocolError is a policy rejection mapped to a single Kerberos error
// code.
type ProtocolError struct {
	Code int32
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("kdc: %s: %v", krb5.ErrorCodeName(e.Code), e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(code int32, format string, args ...any) error {
	return &ProtocolError{Code: code, Err: fmt.Errorf(format, args...)}
}

// errorCode maps an internal error to the wire code and the METHOD-DATA
// sent back as e-data.
func errorCode(err error) (int32, []krb5.PAData) {
	var (
		perr  *preauth.Error
		prot  *ProtocolError
		verr  *krb5.VerifyError
		berr  *store.BackendError
		derr  *der.DecodeError
		cerr  *crypto.CryptoError
		kderr *krb5.KRBError
	)
	switch {
	case errors.As(err, &perr):
		return perr.Code, perr.EData
	case errors.As(err, &prot):
		return prot.Code, nil
	case errors.As(err, &verr):
		return verr.Code, nil
	case errors.As(err, &berr):
		return krb5.KDCErrSvcUnavailable, nil
	case errors.Is(err, krb5.ErrBadVersion):
		return krb5.APErrBadVersion, nil
	case errors.Is(err, krb5.ErrMessageType), errors.Is(err, der.ErrUnrecognizedAlternative):
		return krb5.APErrMsgType, nil
	case errors.As(err, &derr):
		return krb5.KRBErrGeneric, nil
	case errors.As(err, &cerr):
		return krb5.APErrBadIntegrity, nil
	case errors.As(err, &kderr):
		return kderr.ErrorCode, nil
	}
	return krb5.KDCErrSvcUnavailable, nil
}

// errorText is the e-text sent for a code. It never carries the internal
// error.
func errorText(code int32) string {
	switch code {
	case krb5.KDCErrPreauthRequired:
		return "Additional pre-authentication required"
	case krb5.KDCErrPreauthFailed:
		return "Pre-authentication failed"
	case krb5.KDCErrCPrincipalUnknown:
		return "Client not found in Kerberos database"
	case krb5.KDCErrSPrincipalUnknown:
		return "Server not found in Kerberos database"
	case krb5.KDCErrETypeNoSupp:
		return "KDC has no support for encryption type"
	case krb5.KDCErrNeverValid:
		return "Requested effective lifetime is negative or too short"
	case krb5.KDCErrWrongRealm:
		return "Wrong realm"
	case krb5.KDCErrSvcUnavailable:
		return "Service unavailable"
	case krb5.APErrTktExpired:
		return "Ticket expired"
	case krb5.APErrSkew:
		return "Clock skew too great"
	case krb5.APErrRepeat:
		return "Request is a replay"
	case krb5.APErrModified:
		return "Message stream modified"
	case krb5.APErrBadIntegrity:
		return "Decrypt integrity check failed"
	}
	return ""
}
