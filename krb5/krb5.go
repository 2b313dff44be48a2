// Package krb5 is the Kerberos V5 message model of RFC 4120 and the FAST
// extensions of RFC 6113.
//
// Every PDU declares its layout once as a der.FieldTable and converts
// to and from bytes with Marshal and Unmarshal. Parts that travel
// encrypted (EncTicketPart, EncKDCRepPart, Authenticator, EncAPRepPart,
// PA-ENC-TS-ENC and the FAST inner messages) tolerate the zero padding
// left by block ciphers without ciphertext stealing.
package krb5

import (
	"errors"
	"fmt"
)

// PVNO is the protocol version number carried by every message.
const PVNO = 5

// Message types (RFC 4120 section 7.5.7). Each is also the APPLICATION tag
// of the message.
const (
	MsgTypeASReq    int32 = 10
	MsgTypeASRep    int32 = 11
	MsgTypeTGSReq   int32 = 12
	MsgTypeTGSRep   int32 = 13
	MsgTypeAPReq    int32 = 14
	MsgTypeAPRep    int32 = 15
	MsgTypeKRBError int32 = 30
)

// APPLICATION tags of the types that are not messages.
const (
	TagTicket        = 1
	TagAuthenticator = 2
	TagEncTicketPart = 3
	TagEncASRepPart  = 25
	TagEncTGSRepPart = 26
	TagEncAPRepPart  = 27
)

// Principal name types (RFC 4120 section 6.2).
const (
	NameTypeUnknown    int32 = 0
	NameTypePrincipal  int32 = 1
	NameTypeSrvInst    int32 = 2
	NameTypeSrvHst     int32 = 3
	NameTypeSrvXHst    int32 = 4
	NameTypeUID        int32 = 5
	NameTypeX500       int32 = 6
	NameTypeSMTP       int32 = 7
	NameTypeEnterprise int32 = 10
)

// Pre-authentication data types.
const (
	PATGSReq          int32 = 1
	PAEncTimestamp    int32 = 2
	PAPWSalt          int32 = 3
	PAETypeInfo       int32 = 11
	PAETypeInfo2      int32 = 19
	PAPACRequest      int32 = 128
	PAFXCookie        int32 = 133
	PAFXFast          int32 = 136
	PAFXError         int32 = 137
	PAEncryptedChal   int32 = 138
	PAReqEncPARep     int32 = 149
	PAEncryptedPAData int32 = 150
)

// KDC option bits (RFC 4120 section 5.4.1).
const (
	KDCOptForwardable     = 1
	KDCOptForwarded       = 2
	KDCOptProxiable       = 3
	KDCOptProxy           = 4
	KDCOptAllowPostdate   = 5
	KDCOptPostdated       = 6
	KDCOptRenewable       = 8
	KDCOptCanonicalize    = 15
	KDCOptRenewableOK     = 27
	KDCOptEncTktInSkey    = 28
	KDCOptRenew           = 30
	KDCOptValidate        = 31
	FastOptHideClientName = 1
)

// Ticket flag bits (RFC 4120 section 5.3, RFC 6113 section 5.4.3).
const (
	TktFlagForwardable      = 1
	TktFlagForwarded        = 2
	TktFlagProxiable        = 3
	TktFlagProxy            = 4
	TktFlagMayPostdate      = 5
	TktFlagPostdated        = 6
	TktFlagInvalid          = 7
	TktFlagRenewable        = 8
	TktFlagInitial          = 9
	TktFlagPreAuthent       = 10
	TktFlagHWAuthent        = 11
	TktFlagTransitedChecked = 12
	TktFlagOKAsDelegate     = 13
	TktFlagEncPARep         = 15
)

// AP option bits.
const (
	APOptUseSessionKey  = 1
	APOptMutualRequired = 2
)

// FAST armor types.
const ArmorTypeAPRequest int32 = 1

// Error codes (RFC 4120 section 7.5.9, RFC 6113, RFC 6806).
const (
	KDCErrNone                   int32 = 0
	KDCErrNameExp                int32 = 1
	KDCErrServiceExp             int32 = 2
	KDCErrBadPVNO                int32 = 3
	KDCErrCOldMastKVNO           int32 = 4
	KDCErrSOldMastKVNO           int32 = 5
	KDCErrCPrincipalUnknown      int32 = 6
	KDCErrSPrincipalUnknown      int32 = 7
	KDCErrPrincipalNotUnique     int32 = 8
	KDCErrNullKey                int32 = 9
	KDCErrCannotPostdate         int32 = 10
	KDCErrNeverValid             int32 = 11
	KDCErrPolicy                 int32 = 12
	KDCErrBadOption              int32 = 13
	KDCErrETypeNoSupp            int32 = 14
	KDCErrSumTypeNoSupp          int32 = 15
	KDCErrPADataTypeNoSupp       int32 = 16
	KDCErrTRTypeNoSupp           int32 = 17
	KDCErrClientRevoked          int32 = 18
	KDCErrServiceRevoked         int32 = 19
	KDCErrTGTRevoked             int32 = 20
	KDCErrClientNotYet           int32 = 21
	KDCErrServiceNotYet          int32 = 22
	KDCErrKeyExpired             int32 = 23
	KDCErrPreauthFailed          int32 = 24
	KDCErrPreauthRequired        int32 = 25
	KDCErrServerNoMatch          int32 = 26
	KDCErrMustUseUser2User       int32 = 27
	KDCErrPathNotAccepted        int32 = 28
	KDCErrSvcUnavailable         int32 = 29
	APErrBadIntegrity            int32 = 31
	APErrTktExpired              int32 = 32
	APErrTktNYV                  int32 = 33
	APErrRepeat                  int32 = 34
	APErrNotUs                   int32 = 35
	APErrBadMatch                int32 = 36
	APErrSkew                    int32 = 37
	APErrBadAddr                 int32 = 38
	APErrBadVersion              int32 = 39
	APErrMsgType                 int32 = 40
	APErrModified                int32 = 41
	APErrBadOrder                int32 = 42
	APErrBadKeyVer               int32 = 44
	APErrNoKey                   int32 = 45
	APErrMutFail                 int32 = 46
	APErrBadDirection            int32 = 47
	APErrMethod                  int32 = 48
	APErrBadSeq                  int32 = 49
	APErrInappCksum              int32 = 50
	APPathNotAccepted            int32 = 51
	KRBErrResponseTooBig         int32 = 52
	KRBErrGeneric                int32 = 60
	KRBErrFieldTooLong           int32 = 61
	KDCErrWrongRealm             int32 = 68
	KDCErrPreauthExpired         int32 = 90
	KDCErrMorePreauthDataNeeded  int32 = 91
	KDCErrUnknownCriticalFastOpt int32 = 93
)

var errorCodeNames = map[int32]string{
	KDCErrNone:                   "KDC_ERR_NONE",
	KDCErrNameExp:                "KDC_ERR_NAME_EXP",
	KDCErrServiceExp:             "KDC_ERR_SERVICE_EXP",
	KDCErrBadPVNO:                "KDC_ERR_BAD_PVNO",
	KDCErrCOldMastKVNO:           "KDC_ERR_C_OLD_MAST_KVNO",
	KDCErrSOldMastKVNO:           "KDC_ERR_S_OLD_MAST_KVNO",
	KDCErrCPrincipalUnknown:      "KDC_ERR_C_PRINCIPAL_UNKNOWN",
	KDCErrSPrincipalUnknown:      "KDC_ERR_S_PRINCIPAL_UNKNOWN",
	KDCErrPrincipalNotUnique:     "KDC_ERR_PRINCIPAL_NOT_UNIQUE",
	KDCErrNullKey:                "KDC_ERR_NULL_KEY",
	KDCErrCannotPostdate:         "KDC_ERR_CANNOT_POSTDATE",
	KDCErrNeverValid:             "KDC_ERR_NEVER_VALID",
	KDCErrPolicy:                 "KDC_ERR_POLICY",
	KDCErrBadOption:              "KDC_ERR_BADOPTION",
	KDCErrETypeNoSupp:            "KDC_ERR_ETYPE_NOSUPP",
	KDCErrSumTypeNoSupp:          "KDC_ERR_SUMTYPE_NOSUPP",
	KDCErrPADataTypeNoSupp:       "KDC_ERR_PADATA_TYPE_NOSUPP",
	KDCErrTRTypeNoSupp:           "KDC_ERR_TRTYPE_NOSUPP",
	KDCErrClientRevoked:          "KDC_ERR_CLIENT_REVOKED",
	KDCErrServiceRevoked:         "KDC_ERR_SERVICE_REVOKED",
	KDCErrTGTRevoked:             "KDC_ERR_TGT_REVOKED",
	KDCErrClientNotYet:           "KDC_ERR_CLIENT_NOTYET",
	KDCErrServiceNotYet:          "KDC_ERR_SERVICE_NOTYET",
	KDCErrKeyExpired:             "KDC_ERR_KEY_EXPIRED",
	KDCErrPreauthFailed:          "KDC_ERR_PREAUTH_FAILED",
	KDCErrPreauthRequired:        "KDC_ERR_PREAUTH_REQUIRED",
	KDCErrServerNoMatch:          "KDC_ERR_SERVER_NOMATCH",
	KDCErrMustUseUser2User:       "KDC_ERR_MUST_USE_USER2USER",
	KDCErrPathNotAccepted:        "KDC_ERR_PATH_NOT_ACCEPTED",
	KDCErrSvcUnavailable:         "KDC_ERR_SVC_UNAVAILABLE",
	APErrBadIntegrity:            "KRB_AP_ERR_BAD_INTEGRITY",
	APErrTktExpired:              "KRB_AP_ERR_TKT_EXPIRED",
	APErrTktNYV:                  "KRB_AP_ERR_TKT_NYV",
	APErrRepeat:                  "KRB_AP_ERR_REPEAT",
	APErrNotUs:                   "KRB_AP_ERR_NOT_US",
	APErrBadMatch:                "KRB_AP_ERR_BADMATCH",
	APErrSkew:                    "KRB_AP_ERR_SKEW",
	APErrBadAddr:                 "KRB_AP_ERR_BADADDR",
	APErrBadVersion:              "KRB_AP_ERR_BADVERSION",
	APErrMsgType:                 "KRB_AP_ERR_MSG_TYPE",
	APErrModified:                "KRB_AP_ERR_MODIFIED",
	APErrBadOrder:                "KRB_AP_ERR_BADORDER",
	APErrBadKeyVer:               "KRB_AP_ERR_BADKEYVER",
	APErrNoKey:                   "KRB_AP_ERR_NOKEY",
	APErrMutFail:                 "KRB_AP_ERR_MUT_FAIL",
	APErrBadDirection:            "KRB_AP_ERR_BADDIRECTION",
	APErrMethod:                  "KRB_AP_ERR_METHOD",
	APErrBadSeq:                  "KRB_AP_ERR_BADSEQ",
	APErrInappCksum:              "KRB_AP_ERR_INAPP_CKSUM",
	APPathNotAccepted:            "KRB_AP_PATH_NOT_ACCEPTED",
	KRBErrResponseTooBig:         "KRB_ERR_RESPONSE_TOO_BIG",
	KRBErrGeneric:                "KRB_ERR_GENERIC",
	KRBErrFieldTooLong:           "KRB_ERR_FIELD_TOOLONG",
	KDCErrWrongRealm:             "KDC_ERR_WRONG_REALM",
	KDCErrPreauthExpired:         "KDC_ERR_PREAUTH_EXPIRED",
	KDCErrMorePreauthDataNeeded:  "KDC_ERR_MORE_PREAUTH_DATA_REQUIRED",
	KDCErrUnknownCriticalFastOpt: "KDC_ERR_UNKNOWN_CRITICAL_FAST_OPTIONS",
}

// ErrorCodeName returns the RFC name of an error code, such as
// "KDC_ERR_PREAUTH_REQUIRED".
func ErrorCodeName(code int32) string {
	if n, ok := errorCodeNames[code]; ok {
		return n
	}
	return fmt.Sprintf("KRB_ERROR_%d", code)
}

// Decode errors raised above the DER layer.
var (
	ErrBadVersion  = errors.New("krb5: unsupported protocol version")
	ErrMessageType = errors.New("krb5: unexpected message type")
)
