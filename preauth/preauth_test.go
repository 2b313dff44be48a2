package preauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/replay"
)

const realm = "EXAMPLE.COM"

var (
	alice = krb5.NewPrincipalName(krb5.NameTypePrincipal, "alice")
	now   = time.Date(2024, 6, 1, 10, 0, 0, 123456000, time.UTC)
)

func clientKey(t *testing.T, etype int32, password string) crypto.EncryptionKey {
	t.Helper()
	k, err := crypto.StringToKey(etype, password, crypto.Salt(realm, alice.NameString), nil)
	require.NoError(t, err)
	return k
}

func body() krb5.KDCReqBody {
	return krb5.KDCReqBody{
		KDCOptions: krb5.NewFlags(krb5.KDCOptForwardable),
		CName:      alice,
		Realm:      realm,
		SName:      krb5.TGSName(realm),
		Till:       now.Add(10 * time.Hour).Truncate(time.Second),
		Nonce:      12345,
		EType:      []int32{crypto.ETypeAES256CTSHMACSHA196, crypto.ETypeAES128CTSHMACSHA196},
	}
}

// wire round-trips req so RawReqBody is populated as it is on receipt.
func wire(t *testing.T, req *krb5.KDCReq) *krb5.KDCReq {
	t.Helper()
	b, err := req.Marshal()
	require.NoError(t, err)
	var out krb5.KDCReq
	require.NoError(t, out.Unmarshal(b))
	return &out
}

func encTS(t *testing.T, key crypto.EncryptionKey, usage uint32, paType int32, ts time.Time) krb5.PAData {
	t.Helper()
	ed, err := krb5.Seal(key, usage, krb5.NewPAEncTSEnc(ts))
	require.NoError(t, err)
	b, err := ed.Marshal()
	require.NoError(t, err)
	return krb5.PAData{PADataType: paType, PADataValue: b}
}

func newContext(t *testing.T, req *krb5.KDCReq, rc ReplayCache) *Context {
	t.Helper()
	c := NewContext(context.Background(), wire(t, req))
	c.ClientName = "alice@" + realm
	c.ClientKeys = []crypto.EncryptionKey{
		clientKey(t, crypto.ETypeAES256CTSHMACSHA196, "secret"),
		clientKey(t, crypto.ETypeAES128CTSHMACSHA196, "secret"),
	}
	c.Salt = crypto.Salt(realm, alice.NameString)
	c.Required = true
	c.Now = now
	c.Replay = rc
	return c
}

func paTypes(list []krb5.PAData) []int32 {
	var out []int32
	for _, p := range list {
		out = append(out, p.PADataType)
	}
	return out
}

func requireCode(t *testing.T, err error, code int32) *Error {
	t.Helper()
	var perr *Error
	require.True(t, errors.As(err, &perr), "err = %v", err)
	require.Equal(t, krb5.ErrorCodeName(code), krb5.ErrorCodeName(perr.Code), "err = %v", err)
	return perr
}

func TestPreauthRequired(t *testing.T) {
	reg := DefaultRegistry()
	req := &krb5.KDCReq{MsgType: krb5.MsgTypeASReq, ReqBody: body()}
	c := newContext(t, req, replay.NewMemory(time.Minute))

	_, err := reg.Negotiate(c, c.Request.PAData)
	perr := requireCode(t, err, krb5.KDCErrPreauthRequired)
	assert.Equal(t, []int32{krb5.PAETypeInfo2, krb5.PAEncTimestamp, krb5.PAFXFast}, paTypes(perr.EData))

	var info krb5.ETypeInfo2
	require.NoError(t, info.Unmarshal(perr.EData[0].PADataValue))
	require.Len(t, info, 2)
	assert.Equal(t, crypto.ETypeAES256CTSHMACSHA196, info[0].EType)
	assert.Equal(t, "EXAMPLE.COMalice", info[0].Salt)

	c.Required = false
	c2 := newContext(t, req, nil)
	c2.Required = false
	res, err := reg.Negotiate(c2, c2.Request.PAData)
	require.NoError(t, err)
	assert.False(t, res.Preauthenticated)
}

func TestEncTimestamp(t *testing.T) {
	reg := DefaultRegistry()
	rc := replay.NewMemory(time.Minute)
	key := clientKey(t, crypto.ETypeAES256CTSHMACSHA196, "secret")
	pa := encTS(t, key, crypto.KeyUsageASReqTimestamp, krb5.PAEncTimestamp, now.Add(-time.Minute))
	pac, err := krb5.PACRequest{IncludePAC: true}.Marshal()
	require.NoError(t, err)

	req := &krb5.KDCReq{MsgType: krb5.MsgTypeASReq, ReqBody: body(), PAData: []krb5.PAData{
		{PADataType: 9999, PADataValue: []byte{1, 2, 3}},
		{PADataType: krb5.PAPACRequest, PADataValue: pac},
		pa,
	}}

	c := newContext(t, req, rc)
	res, err := reg.Negotiate(c, c.Request.PAData)
	require.NoError(t, err)
	assert.Equal(t, Result{Mechanism: krb5.PAEncTimestamp, Preauthenticated: true}, res)
	rk, ok := c.ReplyKey()
	require.True(t, ok)
	assert.Equal(t, key.KeyValue, rk.KeyValue)
	include, present := c.PACRequested()
	assert.True(t, present)
	assert.True(t, include)

	out := reg.Respond(c)
	assert.Equal(t, []int32{krb5.PAETypeInfo2}, paTypes(out))

	t.Run("replay", func(t *testing.T) {
		c := newContext(t, req, rc)
		_, err := reg.Negotiate(c, c.Request.PAData)
		perr := requireCode(t, err, krb5.KDCErrPreauthFailed)
		assert.Contains(t, paTypes(perr.EData), krb5.PAETypeInfo2)
	})
	t.Run("wrong password", func(t *testing.T) {
		bad := encTS(t, clientKey(t, crypto.ETypeAES256CTSHMACSHA196, "wrong"), crypto.KeyUsageASReqTimestamp, krb5.PAEncTimestamp, now)
		r := &krb5.KDCReq{MsgType: krb5.MsgTypeASReq, ReqBody: body(), PAData: []krb5.PAData{bad}}
		c := newContext(t, r, rc)
		_, err := reg.Negotiate(c, c.Request.PAData)
		requireCode(t, err, krb5.KDCErrPreauthFailed)
		_, ok := c.ReplyKey()
		assert.False(t, ok)
	})
	t.Run("skew", func(t *testing.T) {
		old := encTS(t, key, crypto.KeyUsageASReqTimestamp, krb5.PAEncTimestamp, now.Add(-10*time.Minute))
		r := &krb5.KDCReq{MsgType: krb5.MsgTypeASReq, ReqBody: body(), PAData: []krb5.PAData{old}}
		c := newContext(t, r, rc)
		_, err := reg.Negotiate(c, c.Request.PAData)
		requireCode(t, err, krb5.KDCErrPreauthFailed)
	})
	t.Run("etype without key", func(t *testing.T) {
		k := clientKey(t, crypto.ETypeCamellia128CTSCMAC, "secret")
		r := &krb5.KDCReq{MsgType: krb5.MsgTypeASReq, ReqBody: body(), PAData: []krb5.PAData{
			encTS(t, k, crypto.KeyUsageASReqTimestamp, krb5.PAEncTimestamp, now),
		}}
		c := newContext(t, r, rc)
		_, err := reg.Negotiate(c, c.Request.PAData)
		requireCode(t, err, krb5.KDCErrPreauthFailed)
	})
	t.Run("second mechanism succeeds", func(t *testing.T) {
		bad := encTS(t, clientKey(t, crypto.ETypeAES256CTSHMACSHA196, "wrong"), crypto.KeyUsageASReqTimestamp, krb5.PAEncTimestamp, now)
		good := encTS(t, key, crypto.KeyUsageASReqTimestamp, krb5.PAEncTimestamp, now.Add(time.Second))
		r := &krb5.KDCReq{MsgType: krb5.MsgTypeASReq, ReqBody: body(), PAData: []krb5.PAData{bad, good}}
		c := newContext(t, r, rc)
		res, err := reg.Negotiate(c, c.Request.PAData)
		require.NoError(t, err)
		assert.True(t, res.Preauthenticated)
	})
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()
	assert.Equal(t, []int32{krb5.PAETypeInfo2, krb5.PAEncTimestamp, krb5.PAFXFast, krb5.PAEncryptedChal, krb5.PAPACRequest}, reg.Types())
	m, ok := reg.Lookup(krb5.PAEncTimestamp)
	require.True(t, ok)
	assert.True(t, m.Real())
	_, ok = reg.Lookup(krb5.PAPWSalt)
	assert.False(t, ok)

	assert.Panics(t, func() { NewRegistry(EncTimestamp{}, EncTimestamp{}) })

	c := NewContext(context.Background(), &krb5.KDCReq{})
	k, err := crypto.GenerateKey(crypto.ETypeAES128CTSHMACSHA196)
	require.NoError(t, err)
	require.NoError(t, c.SetArmorKey(k))
	assert.ErrorIs(t, c.SetArmorKey(k), ErrArmorKeySet)
}

type armored struct {
	req      *krb5.KDCReq
	armorKey crypto.EncryptionKey
	krbtgt   crypto.EncryptionKey
}

// buildArmored builds an AS-REQ armored with a TGT for a host principal.
// inner returns the inner PA-DATA given the armor key.
func buildArmored(t *testing.T, inner func(armorKey crypto.EncryptionKey) []krb5.PAData, corruptChecksum bool) armored {
	t.Helper()
	krbtgt, err := crypto.GenerateKey(crypto.ETypeAES256CTSHMACSHA196)
	require.NoError(t, err)
	session, err := crypto.GenerateKey(crypto.ETypeAES256CTSHMACSHA196)
	require.NoError(t, err)
	subkey, err := crypto.GenerateKey(crypto.ETypeAES256CTSHMACSHA196)
	require.NoError(t, err)

	host := krb5.NewPrincipalName(krb5.NameTypeSrvHst, "host/client.example.com")
	part := krb5.EncTicketPart{
		Flags:     krb5.NewFlags(krb5.TktFlagInitial),
		Key:       session,
		CRealm:    realm,
		CName:     host,
		Transited: krb5.TransitedEncoding{TRType: 1, Contents: []byte{}},
		AuthTime:  now.Truncate(time.Second),
		EndTime:   now.Add(time.Hour).Truncate(time.Second),
	}
	ed, err := krb5.Seal(krbtgt, crypto.KeyUsageTicket, part)
	require.NoError(t, err)
	ed.KVNO = 1
	tgt := krb5.Ticket{Realm: realm, SName: krb5.TGSName(realm), EncPart: ed}

	auth := krb5.NewAuthenticator(realm, host, now)
	auth.SubKey = &subkey
	ap, err := krb5.NewAPReq(tgt, session, crypto.KeyUsageAPReqAuthenticator, auth, 0)
	require.NoError(t, err)
	apb, err := ap.Marshal()
	require.NoError(t, err)

	armorKey, err := ArmorKeyFromTicket(subkey, session)
	require.NoError(t, err)

	b := body()
	bb, err := b.Marshal()
	require.NoError(t, err)
	sum, err := crypto.MakeChecksum(armorKey, crypto.KeyUsageFastReqChecksum, bb)
	require.NoError(t, err)
	if corruptChecksum {
		sum.Checksum[0] ^= 0xff
	}
	var padata []krb5.PAData
	if inner != nil {
		padata = inner(armorKey)
	}
	enc, err := krb5.Seal(armorKey, crypto.KeyUsageFastEnc, krb5.KrbFastReq{PAData: padata, ReqBody: b})
	require.NoError(t, err)
	fx, err := krb5.PAFXFastRequest{ArmoredData: krb5.KrbFastArmoredReq{
		Armor:       &krb5.KrbFastArmor{ArmorType: krb5.ArmorTypeAPRequest, ArmorValue: apb},
		ReqChecksum: sum,
		EncFastReq:  enc,
	}}.Marshal()
	require.NoError(t, err)

	return armored{
		req: &krb5.KDCReq{
			MsgType: krb5.MsgTypeASReq,
			ReqBody: b,
			PAData:  []krb5.PAData{{PADataType: krb5.PAFXFast, PADataValue: fx}},
		},
		armorKey: armorKey,
		krbtgt:   krbtgt,
	}
}

func armorFunc(krbtgt crypto.EncryptionKey) ArmorFunc {
	return func(ctx context.Context, ap *krb5.APReq) (*krb5.APResult, error) {
		v := krb5.APVerifier{
			Key: func(context.Context, krb5.PrincipalName, string, int32, uint32) (crypto.EncryptionKey, error) {
				return krbtgt, nil
			},
			Usage: crypto.KeyUsageAPReqAuthenticator,
			Now:   func() time.Time { return now },
		}
		return v.Verify(ctx, ap)
	}
}

func armoredContext(t *testing.T, a armored) *Context {
	c := newContext(t, a.req, replay.NewMemory(time.Minute))
	c.Armor = armorFunc(a.krbtgt)
	return c
}

func TestFASTEncryptedChallenge(t *testing.T) {
	reg := DefaultRegistry()
	key := clientKey(t, crypto.ETypeAES256CTSHMACSHA196, "secret")

	// Armored without real pre-authentication.
	first := buildArmored(t, nil, false)
	c := armoredContext(t, first)
	_, err := reg.Negotiate(c, c.Request.PAData)
	perr := requireCode(t, err, krb5.KDCErrPreauthRequired)
	assert.Equal(t, []int32{krb5.PAETypeInfo2, krb5.PAEncryptedChal}, paTypes(perr.EData))
	assert.True(t, c.FAST())

	a := buildArmored(t, func(armorKey crypto.EncryptionKey) []krb5.PAData {
		ck, err := ClientChallengeKey(armorKey, key)
		require.NoError(t, err)
		return []krb5.PAData{encTS(t, ck, crypto.KeyUsageEncChallengeClient, krb5.PAEncryptedChal, now)}
	}, false)
	c = armoredContext(t, a)
	res, err := reg.Negotiate(c, c.Request.PAData)
	require.NoError(t, err)
	assert.Equal(t, Result{Mechanism: krb5.PAEncryptedChal, Preauthenticated: true, FAST: true}, res)

	reply, ok := c.ReplyKey()
	require.True(t, ok)
	assert.Equal(t, key.KeyValue, reply.KeyValue)

	out := reg.Respond(c)
	require.Equal(t, []int32{krb5.PAETypeInfo2, krb5.PAEncryptedChal}, paTypes(out))

	kck, err := KDCChallengeKey(a.armorKey, key)
	require.NoError(t, err)
	ed, err := crypto.UnmarshalEncryptedData(out[1].PADataValue)
	require.NoError(t, err)
	var kdcTS krb5.PAEncTSEnc
	require.NoError(t, krb5.Open(kck, crypto.KeyUsageEncChallengeKDC, ed, &kdcTS))
	assert.True(t, now.Truncate(time.Second).Equal(kdcTS.PATimestamp))

	strong, err := c.Strengthen(reply)
	require.NoError(t, err)
	assert.NotEqual(t, reply.KeyValue, strong.KeyValue)
	tkt := krb5.Ticket{Realm: realm, SName: krb5.TGSName(realm), EncPart: crypto.EncryptedData{EType: 18, KVNO: 1, Cipher: []byte("opaque")}}
	outer, err := c.WrapReply(out, tkt, realm, alice)
	require.NoError(t, err)
	require.Len(t, outer, 1)

	var fr krb5.PAFXFastReply
	require.NoError(t, fr.Unmarshal(outer[0].PADataValue))
	var resp krb5.KrbFastResponse
	require.NoError(t, krb5.Open(a.armorKey, crypto.KeyUsageFastRep, fr.ArmoredData.EncFastRep, &resp))
	assert.Equal(t, uint32(12345), resp.Nonce)
	require.NotNil(t, resp.StrengthenKey)
	again, err := crypto.CF2(*resp.StrengthenKey, reply, "strengthenkey", "replykey")
	require.NoError(t, err)
	assert.Equal(t, strong.KeyValue, again.KeyValue)
	require.NotNil(t, resp.Finished)
	tb, err := tkt.Marshal()
	require.NoError(t, err)
	assert.NoError(t, crypto.VerifyChecksum(a.armorKey, crypto.KeyUsageFastFinished, tb, resp.Finished.TicketChecksum))
	assert.Equal(t, []int32{krb5.PAETypeInfo2, krb5.PAEncryptedChal}, paTypes(resp.PAData))

	edata, err := c.WrapError(&krb5.KRBError{ErrorCode: krb5.KDCErrPreauthFailed, Realm: realm, SName: krb5.TGSName(realm), STime: now.Truncate(time.Second)})
	require.NoError(t, err)
	md, err := krb5.UnmarshalMethodData(edata)
	require.NoError(t, err)
	require.Equal(t, []int32{krb5.PAFXFast}, paTypes(md))
	require.NoError(t, fr.Unmarshal(md[0].PADataValue))
	require.NoError(t, krb5.Open(a.armorKey, crypto.KeyUsageFastRep, fr.ArmoredData.EncFastRep, &resp))
	fxErr, ok := krb5.FindPAData(resp.PAData, krb5.PAFXError)
	require.True(t, ok)
	var inner krb5.KRBError
	require.NoError(t, inner.Unmarshal(fxErr.PADataValue))
	assert.Equal(t, krb5.KDCErrPreauthFailed, inner.ErrorCode)
}

func TestFASTRejections(t *testing.T) {
	reg := DefaultRegistry()
	key := clientKey(t, crypto.ETypeAES256CTSHMACSHA196, "secret")

	t.Run("timestamp inside FAST", func(t *testing.T) {
		a := buildArmored(t, func(crypto.EncryptionKey) []krb5.PAData {
			return []krb5.PAData{encTS(t, key, crypto.KeyUsageASReqTimestamp, krb5.PAEncTimestamp, now)}
		}, false)
		c := armoredContext(t, a)
		_, err := reg.Negotiate(c, c.Request.PAData)
		perr := requireCode(t, err, krb5.KDCErrPreauthFailed)
		assert.Equal(t, []int32{krb5.PAETypeInfo2, krb5.PAEncryptedChal}, paTypes(perr.EData))
	})
	t.Run("bad checksum", func(t *testing.T) {
		c := armoredContext(t, buildArmored(t, nil, true))
		_, err := reg.Negotiate(c, c.Request.PAData)
		requireCode(t, err, krb5.APErrModified)
	})
	t.Run("wrong krbtgt", func(t *testing.T) {
		a := buildArmored(t, nil, false)
		other, err := crypto.GenerateKey(crypto.ETypeAES256CTSHMACSHA196)
		require.NoError(t, err)
		c := newContext(t, a.req, nil)
		c.Armor = armorFunc(other)
		_, err = reg.Negotiate(c, c.Request.PAData)
		requireCode(t, err, krb5.APErrBadIntegrity)
	})
	t.Run("armor not accepted", func(t *testing.T) {
		c := newContext(t, buildArmored(t, nil, false).req, nil)
		_, err := reg.Negotiate(c, c.Request.PAData)
		requireCode(t, err, krb5.KDCErrPreauthFailed)
	})
}
