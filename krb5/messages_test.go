package krb5

import (
	"errors"
	"testing"
	"time"

	gkmsg "github.com/jcmturner/gokrb5/v8/messages"
	gktypes "github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kardianos/gokdc/der"
	"github.com/kardianos/gokdc/krb5/crypto"
)

var (
	t0    = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	alice = PrincipalName{NameType: NameTypePrincipal, NameString: []string{"alice"}}
	tgs   = TGSName("EXAMPLE.COM")
)

func sampleTicket() Ticket {
	return Ticket{
		Realm:   "EXAMPLE.COM",
		SName:   tgs,
		EncPart: crypto.EncryptedData{EType: crypto.ETypeAES256CTSHMACSHA196, KVNO: 2, Cipher: []byte("ciphertext")},
	}
}

func sampleBody() KDCReqBody {
	return KDCReqBody{
		KDCOptions: NewFlags(KDCOptForwardable, KDCOptRenewableOK),
		CName:      alice,
		Realm:      "EXAMPLE.COM",
		SName:      tgs,
		Till:       t0.Add(10 * time.Hour),
		RTime:      t0.Add(7 * 24 * time.Hour),
		Nonce:      0x7fff1234,
		EType:      []int32{18, 17, 23},
		Addresses:  []HostAddress{{AddrType: 2, Address: []byte{127, 0, 0, 1}}},
	}
}

func TestKerberosFlags(t *testing.T) {
	f := NewFlags(KDCOptForwardable, KDCOptRenew)
	assert.True(t, f.Has(KDCOptForwardable))
	assert.True(t, f.Has(KDCOptRenew))
	assert.False(t, f.Has(KDCOptProxiable))
	assert.Equal(t, KerberosFlags(0x40000002), f)

	v, err := f.value()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x05, 0x00, 0x40, 0x00, 0x00, 0x02}, der.Encode(v))

	f.Clear(KDCOptRenew)
	assert.False(t, f.Has(KDCOptRenew))

	// A peer may send fewer than 32 bits.
	short := der.BitString{Bytes: []byte{0x40}, BitLength: 8}.Value()
	got, err := decodeFlags(short)
	require.NoError(t, err)
	assert.True(t, got.Has(KDCOptForwardable))
}

func TestPrincipalName(t *testing.T) {
	p, realm := ParsePrincipal("HTTP/www.example.com@EXAMPLE.COM")
	assert.Equal(t, "EXAMPLE.COM", realm)
	assert.Equal(t, NameTypeSrvInst, p.NameType)
	assert.Equal(t, []string{"HTTP", "www.example.com"}, p.NameString)
	assert.Equal(t, "HTTP/www.example.com", p.String())

	p, realm = ParsePrincipal("alice")
	assert.Equal(t, "", realm)
	assert.Equal(t, NameTypePrincipal, p.NameType)
	assert.True(t, p.Equal(alice))

	assert.True(t, tgs.IsTGS())
	assert.False(t, alice.IsTGS())
	assert.NoError(t, alice.Validate())
	assert.Error(t, PrincipalName{}.Validate())
	assert.Error(t, PrincipalName{NameString: []string{"a", ""}}.Validate())
}

func TestRoundTrip(t *testing.T) {
	body := sampleBody()
	rawBody, err := body.Marshal()
	require.NoError(t, err)
	subkey := crypto.EncryptionKey{KeyType: 17, KeyValue: make([]byte, 16)}
	cksum := crypto.Checksum{CksumType: crypto.CksumHMACSHA196AES256, Checksum: []byte("twelve bytes")}

	tests := []struct {
		name string
		in   Marshaler
		out  Unmarshaler
		want any
	}{
		{
			name: "Ticket",
			in:   sampleTicket(),
			out:  &Ticket{},
			want: func() *Ticket { t := sampleTicket(); return &t }(),
		},
		{
			name: "EncTicketPart",
			in: EncTicketPart{
				Flags:     NewFlags(TktFlagInitial, TktFlagPreAuthent),
				Key:       subkey,
				CRealm:    "EXAMPLE.COM",
				CName:     alice,
				Transited: TransitedEncoding{TRType: 1, Contents: []byte("EXAMPLE.COM,")},
				AuthTime:  t0,
				StartTime: t0,
				EndTime:   t0.Add(time.Hour),
				RenewTill: t0.Add(2 * time.Hour),
				AuthorizationData: []AuthorizationDataEntry{
					{ADType: 1, ADData: []byte{0x30, 0x00}},
				},
			},
			out: &EncTicketPart{},
			want: &EncTicketPart{
				Flags:     NewFlags(TktFlagInitial, TktFlagPreAuthent),
				Key:       subkey,
				CRealm:    "EXAMPLE.COM",
				CName:     alice,
				Transited: TransitedEncoding{TRType: 1, Contents: []byte("EXAMPLE.COM,")},
				AuthTime:  t0,
				StartTime: t0,
				EndTime:   t0.Add(time.Hour),
				RenewTill: t0.Add(2 * time.Hour),
				AuthorizationData: []AuthorizationDataEntry{
					{ADType: 1, ADData: []byte{0x30, 0x00}},
				},
			},
		},
		{
			name: "AS-REQ",
			in: &KDCReq{
				MsgType: MsgTypeASReq,
				PAData:  []PAData{{PADataType: PAPACRequest, PADataValue: []byte{1}}},
				ReqBody: body,
			},
			out: &KDCReq{},
			want: &KDCReq{
				MsgType:    MsgTypeASReq,
				PAData:     []PAData{{PADataType: PAPACRequest, PADataValue: []byte{1}}},
				ReqBody:    body,
				RawReqBody: rawBody,
			},
		},
		{
			name: "EncKDCRepPart",
			in: EncKDCRepPart{
				AppTag:          TagEncTGSRepPart,
				Key:             subkey,
				LastReq:         []LastReqEntry{{LRType: 0, LRValue: t0}},
				Nonce:           42,
				Flags:           NewFlags(TktFlagRenewable),
				AuthTime:        t0,
				EndTime:         t0.Add(time.Hour),
				RenewTill:       t0.Add(time.Hour * 24),
				SRealm:          "EXAMPLE.COM",
				SName:           tgs,
				EncryptedPAData: []PAData{{PADataType: PAReqEncPARep, PADataValue: []byte{9}}},
			},
			out: &EncKDCRepPart{},
			want: &EncKDCRepPart{
				AppTag:          TagEncTGSRepPart,
				Key:             subkey,
				LastReq:         []LastReqEntry{{LRType: 0, LRValue: t0}},
				Nonce:           42,
				Flags:           NewFlags(TktFlagRenewable),
				AuthTime:        t0,
				EndTime:         t0.Add(time.Hour),
				RenewTill:       t0.Add(time.Hour * 24),
				SRealm:          "EXAMPLE.COM",
				SName:           tgs,
				EncryptedPAData: []PAData{{PADataType: PAReqEncPARep, PADataValue: []byte{9}}},
			},
		},
		{
			name: "Authenticator",
			in: Authenticator{
				CRealm: "EXAMPLE.COM", CName: alice, Cksum: &cksum,
				CUSec: 999999, CTime: t0, SubKey: &subkey, SeqNumber: 7,
			},
			out: &Authenticator{},
			want: &Authenticator{
				CRealm: "EXAMPLE.COM", CName: alice, Cksum: &cksum,
				CUSec: 999999, CTime: t0, SubKey: &subkey, SeqNumber: 7,
			},
		},
		{
			name: "EncAPRepPart",
			in:   EncAPRepPart{CTime: t0, CUSec: 5, SubKey: &subkey},
			out:  &EncAPRepPart{},
			want: &EncAPRepPart{CTime: t0, CUSec: 5, SubKey: &subkey},
		},
		{
			name: "KRB-ERROR",
			in: &KRBError{
				CTime: t0, CUSec: 1, STime: t0, SUSec: 2,
				ErrorCode: KDCErrPreauthRequired, CRealm: "EXAMPLE.COM", CName: alice,
				Realm: "EXAMPLE.COM", SName: tgs, EText: "preauth required", EData: []byte{0x30, 0x00},
			},
			out: &KRBError{},
			want: &KRBError{
				CTime: t0, CUSec: 1, STime: t0, SUSec: 2,
				ErrorCode: KDCErrPreauthRequired, CRealm: "EXAMPLE.COM", CName: alice,
				Realm: "EXAMPLE.COM", SName: tgs, EText: "preauth required", EData: []byte{0x30, 0x00},
			},
		},
		{
			name: "PA-ENC-TS-ENC",
			in:   NewPAEncTSEnc(t0.Add(123456 * time.Microsecond)),
			out:  &PAEncTSEnc{},
			want: &PAEncTSEnc{PATimestamp: t0, PAUSec: 123456, HasUSec: true},
		},
		{
			name: "ETYPE-INFO2",
			in: ETypeInfo2{
				{EType: 18, Salt: "EXAMPLE.COMalice", HasSalt: true, S2KParams: []byte{0, 0, 16, 0}},
				{EType: 23},
			},
			out: &ETypeInfo2{},
			want: &ETypeInfo2{
				{EType: 18, Salt: "EXAMPLE.COMalice", HasSalt: true, S2KParams: []byte{0, 0, 16, 0}},
				{EType: 23},
			},
		},
		{
			name: "KrbFastReq",
			in: KrbFastReq{
				PAData:  []PAData{{PADataType: PAEncryptedChal, PADataValue: []byte{1, 2}}},
				ReqBody: body,
			},
			out: &KrbFastReq{},
			want: &KrbFastReq{
				PAData:     []PAData{{PADataType: PAEncryptedChal, PADataValue: []byte{1, 2}}},
				ReqBody:    body,
				RawReqBody: rawBody,
			},
		},
		{
			name: "KrbFastResponse",
			in: KrbFastResponse{
				PAData:        []PAData{{PADataType: PAFXCookie, PADataValue: []byte("c")}},
				StrengthenKey: &subkey,
				Finished: &KrbFastFinished{
					Timestamp: t0, USec: 3, CRealm: "EXAMPLE.COM", CName: alice, TicketChecksum: cksum,
				},
				Nonce: 99,
			},
			out: &KrbFastResponse{},
			want: &KrbFastResponse{
				PAData:        []PAData{{PADataType: PAFXCookie, PADataValue: []byte("c")}},
				StrengthenKey: &subkey,
				Finished: &KrbFastFinished{
					Timestamp: t0, USec: 3, CRealm: "EXAMPLE.COM", CName: alice, TicketChecksum: cksum,
				},
				Nonce: 99,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.in.Marshal()
			require.NoError(t, err)
			require.NoError(t, tt.out.Unmarshal(b))
			assert.Equal(t, tt.want, tt.out)

			again, err := tt.out.(Marshaler).Marshal()
			require.NoError(t, err)
			assert.Equal(t, b, again)
		})
	}
}

func TestFastChoiceRoundTrip(t *testing.T) {
	req := PAFXFastRequest{ArmoredData: KrbFastArmoredReq{
		Armor:       &KrbFastArmor{ArmorType: ArmorTypeAPRequest, ArmorValue: []byte{0x6e, 0x00}},
		ReqChecksum: crypto.Checksum{CksumType: 16, Checksum: []byte("sum")},
		EncFastReq:  crypto.EncryptedData{EType: 18, Cipher: []byte("enc")},
	}}
	b, err := req.Marshal()
	require.NoError(t, err)
	assert.Equal(t, byte(0xa0), b[0])
	var got PAFXFastRequest
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, req, got)

	rep := PAFXFastReply{ArmoredData: KrbFastArmoredRep{EncFastRep: crypto.EncryptedData{EType: 18, Cipher: []byte("rep")}}}
	b, err = rep.Marshal()
	require.NoError(t, err)
	var gotRep PAFXFastReply
	require.NoError(t, gotRep.Unmarshal(b))
	assert.Equal(t, rep, gotRep)

	// [1] is not an alternative of the CHOICE.
	bad := der.Encode(der.Context(1, der.Sequence()))
	err = got.Unmarshal(bad)
	assert.True(t, errors.Is(err, der.ErrUnrecognizedAlternative), "%v", err)
}

func TestDecodeMessage(t *testing.T) {
	req := &KDCReq{MsgType: MsgTypeTGSReq, ReqBody: sampleBody()}
	b, err := req.Marshal()
	require.NoError(t, err)
	m, err := DecodeMessage(b)
	require.NoError(t, err)
	got, ok := m.(*KDCReq)
	require.True(t, ok, "%T", m)
	assert.Equal(t, MsgTypeTGSReq, got.MessageType())

	kerr := &KRBError{STime: t0, ErrorCode: KDCErrCPrincipalUnknown, Realm: "EXAMPLE.COM", SName: tgs}
	b, err = kerr.Marshal()
	require.NoError(t, err)
	m, err = DecodeMessage(b)
	require.NoError(t, err)
	var asErr error = m.(*KRBError)
	var target *KRBError
	require.True(t, errors.As(asErr, &target))
	assert.Equal(t, "krb5: KDC_ERR_C_PRINCIPAL_UNKNOWN", target.Error())

	_, err = DecodeMessage(der.Encode(der.Application(22, der.Sequence())))
	assert.True(t, errors.Is(err, der.ErrUnrecognizedAlternative), "%v", err)
}

func TestDecodeMessageHeader(t *testing.T) {
	body, err := sampleBody().value()
	require.NoError(t, err)
	build := func(tag int, pvno, msgType int64) []byte {
		return der.Encode(der.Application(tag, der.Sequence(
			der.Context(1, der.Int(pvno)),
			der.Context(2, der.Int(msgType)),
			der.Context(4, body),
		)))
	}

	_, err = DecodeMessage(build(10, 4, 10))
	assert.True(t, errors.Is(err, ErrBadVersion), "%v", err)

	_, err = DecodeMessage(build(10, 5, 12))
	assert.True(t, errors.Is(err, ErrMessageType), "%v", err)

	m, err := DecodeMessage(build(10, 5, 10))
	require.NoError(t, err)
	assert.Equal(t, der.Encode(body), m.(*KDCReq).RawReqBody)
}

func TestPaddedParts(t *testing.T) {
	b, err := EncAPRepPart{CTime: t0}.Marshal()
	require.NoError(t, err)

	var got EncAPRepPart
	require.NoError(t, got.Unmarshal(append(b, 0, 0, 0, 0, 0, 0, 0)))
	assert.Equal(t, t0, got.CTime)

	err = got.Unmarshal(append(b, 0, 1))
	assert.True(t, errors.Is(err, der.ErrTrailingBytes), "%v", err)

	// Top-level messages are never padded.
	kerr := &KRBError{STime: t0, Realm: "R", SName: tgs}
	mb, err := kerr.Marshal()
	require.NoError(t, err)
	_, err = DecodeMessage(append(mb, 0))
	assert.True(t, errors.Is(err, der.ErrTrailingBytes), "%v", err)
}

func TestMethodData(t *testing.T) {
	list := []PAData{
		{PADataType: PAEncTimestamp, PADataValue: []byte{}},
		{PADataType: PAETypeInfo2, PADataValue: []byte{0x30, 0x00}},
	}
	b, err := MarshalMethodData(list)
	require.NoError(t, err)
	kerr := &KRBError{EData: b}
	got, err := kerr.MethodData()
	require.NoError(t, err)
	assert.Equal(t, list, got)

	p, ok := FindPAData(got, PAETypeInfo2)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x30, 0x00}, p.PADataValue)
	_, ok = FindPAData(got, PAFXFast)
	assert.False(t, ok)
}

func TestInteropGokrb5ASReq(t *testing.T) {
	req := gkmsg.ASReq{KDCReqFields: gkmsg.KDCReqFields{
		PVNO:    5,
		MsgType: 10,
		PAData:  gktypes.PADataSequence{{PADataType: 128, PADataValue: []byte{0x30, 0x05, 0xa0, 0x03, 0x01, 0x01, 0xff}}},
		ReqBody: gkmsg.KDCReqBody{
			KDCOptions: gktypes.NewKrbFlags(),
			CName:      gktypes.NewPrincipalName(1, "alice"),
			Realm:      "EXAMPLE.COM",
			SName:      gktypes.NewPrincipalName(2, "krbtgt/EXAMPLE.COM"),
			Till:       t0.Add(10 * time.Hour),
			Nonce:      12345,
			EType:      []int32{18, 17},
		},
	}}
	gktypes.SetFlag(&req.ReqBody.KDCOptions, KDCOptForwardable)
	b, err := req.Marshal()
	require.NoError(t, err)

	var got KDCReq
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, MsgTypeASReq, got.MsgType)
	assert.True(t, got.ReqBody.KDCOptions.Has(KDCOptForwardable))
	assert.Equal(t, "alice", got.ReqBody.CName.String())
	assert.True(t, got.ReqBody.SName.Equal(tgs))
	assert.Equal(t, uint32(12345), got.ReqBody.Nonce)
	assert.Equal(t, []int32{18, 17}, got.ReqBody.EType)
	assert.Equal(t, t0.Add(10*time.Hour), got.ReqBody.Till)

	var pac PACRequest
	require.NoError(t, pac.Unmarshal(got.PAData[0].PADataValue))
	assert.True(t, pac.IncludePAC)

	again, err := got.Marshal()
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestInteropGokrb5Reply(t *testing.T) {
	kerr := &KRBError{
		STime: t0, SUSec: 10, ErrorCode: KDCErrPreauthRequired,
		Realm: "EXAMPLE.COM", SName: tgs, EText: "need preauth",
	}
	b, err := kerr.Marshal()
	require.NoError(t, err)
	var gk gkmsg.KRBError
	require.NoError(t, gk.Unmarshal(b))
	assert.Equal(t, KDCErrPreauthRequired, gk.ErrorCode)
	assert.Equal(t, "need preauth", gk.EText)
	assert.Equal(t, "EXAMPLE.COM", gk.Realm)

	tb, err := sampleTicket().Marshal()
	require.NoError(t, err)
	var gt gkmsg.Ticket
	require.NoError(t, gt.Unmarshal(tb))
	assert.Equal(t, "EXAMPLE.COM", gt.Realm)
	assert.Equal(t, []string{"krbtgt", "EXAMPLE.COM"}, gt.SName.NameString)
	assert.Equal(t, 2, gt.EncPart.KVNO)
}

func TestErrorCodeName(t *testing.T) {
	assert.Equal(t, "KDC_ERR_PREAUTH_FAILED", ErrorCodeName(KDCErrPreauthFailed))
	assert.Equal(t, "KRB_AP_ERR_SKEW", ErrorCodeName(APErrSkew))
	assert.Equal(t, "KDC_ERR_WRONG_REALM", ErrorCodeName(KDCErrWrongRealm))
	assert.Equal(t, "KRB_ERROR_999", ErrorCodeName(999))
}
