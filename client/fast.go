package client

import (
	"fmt"
	"time"

	"github.com/kardianos/gokdc/krb5"
	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/preauth"
)

// fastState is the client side of one armored AS exchange.
type fastState struct {
	armor    krb5.KrbFastArmor
	armorKey crypto.EncryptionKey
	nonce    uint32
}

// newFAST builds the AP-REQ armor from tgt with a fresh subkey.
func newFAST(tgt *Credential, now time.Time) (*fastState, error) {
	subkey, err := crypto.GenerateKey(tgt.SessionKey.KeyType)
	if err != nil {
		return nil, err
	}
	auth := krb5.NewAuthenticator(tgt.CRealm, tgt.CName, now)
	auth.SubKey = &subkey
	ap, err := krb5.NewAPReq(tgt.Ticket, tgt.SessionKey, crypto.KeyUsageAPReqAuthenticator, auth, 0)
	if err != nil {
		return nil, err
	}
	apb, err := ap.Marshal()
	if err != nil {
		return nil, err
	}
	key, err := preauth.ArmorKeyFromTicket(subkey, tgt.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("armor key: %w", err)
	}
	return &fastState{
		armor:    krb5.KrbFastArmor{ArmorType: krb5.ArmorTypeAPRequest, ArmorValue: apb},
		armorKey: key,
	}, nil
}

// wrap seals body and padata into PA-FX-FAST. The checksum covers the
// outer req-body, which is body itself.
func (f *fastState) wrap(body krb5.KDCReqBody, padata []krb5.PAData) ([]krb5.PAData, error) {
	f.nonce = body.Nonce
	bb, err := body.Marshal()
	if err != nil {
		return nil, err
	}
	sum, err := crypto.MakeChecksum(f.armorKey, crypto.KeyUsageFastReqChecksum, bb)
	if err != nil {
		return nil, err
	}
	ed, err := krb5.Seal(f.armorKey, crypto.KeyUsageFastEnc, krb5.KrbFastReq{PAData: padata, ReqBody: body})
	if err != nil {
		return nil, fmt.Errorf("seal KrbFastReq: %w", err)
	}
	armor := f.armor
	b, err := krb5.PAFXFastRequest{ArmoredData: krb5.KrbFastArmoredReq{
		Armor:       &armor,
		ReqChecksum: sum,
		EncFastReq:  ed,
	}}.Marshal()
	if err != nil {
		return nil, err
	}
	return []krb5.PAData{{PADataType: krb5.PAFXFast, PADataValue: b}}, nil
}

// open decrypts the KrbFastResponse carried in padata.
func (f *fastState) open(padata []krb5.PAData) (*krb5.KrbFastResponse, error) {
	pa, ok := krb5.FindPAData(padata, krb5.PAFXFast)
	if !ok {
		return nil, fmt.Errorf("armored reply without PA-FX-FAST")
	}
	var rep krb5.PAFXFastReply
	if err := rep.Unmarshal(pa.PADataValue); err != nil {
		return nil, err
	}
	var resp krb5.KrbFastResponse
	if err := krb5.Open(f.armorKey, crypto.KeyUsageFastRep, rep.ArmoredData.EncFastRep, &resp); err != nil {
		return nil, fmt.Errorf("decrypt KrbFastResponse: %w", err)
	}
	if resp.Nonce != f.nonce {
		return nil, fmt.Errorf("FAST response nonce %d, want %d", resp.Nonce, f.nonce)
	}
	return &resp, nil
}

// unwrapError returns the KRB-ERROR carried in PA-FX-ERROR. Errors sent
// before the armor was accepted are returned unchanged.
func (f *fastState) unwrapError(kerr *krb5.KRBError) (*krb5.KRBError, error) {
	md, err := kerr.MethodData()
	if err != nil {
		return kerr, nil
	}
	if _, ok := krb5.FindPAData(md, krb5.PAFXFast); !ok {
		return kerr, nil
	}
	resp, err := f.open(md)
	if err != nil {
		return nil, err
	}
	pa, ok := krb5.FindPAData(resp.PAData, krb5.PAFXError)
	if !ok {
		return nil, fmt.Errorf("FAST error response without PA-FX-ERROR")
	}
	inner := new(krb5.KRBError)
	if err := inner.Unmarshal(pa.PADataValue); err != nil {
		return nil, err
	}
	if len(inner.EData) == 0 {
		var rest []krb5.PAData
		for _, p := range resp.PAData {
			if p.PADataType != krb5.PAFXError {
				rest = append(rest, p)
			}
		}
		if len(rest) > 0 {
			inner.EData, err = krb5.MarshalMethodData(rest)
			if err != nil {
				return nil, err
			}
		}
	}
	return inner, nil
}

// unwrapReply opens the FAST response of an AS-REP and checks the
// finished checksum over the issued ticket.
func (f *fastState) unwrapReply(rep *krb5.KDCRep) (*krb5.KrbFastResponse, error) {
	resp, err := f.open(rep.PAData)
	if err != nil {
		return nil, err
	}
	if resp.Finished == nil {
		return nil, fmt.Errorf("FAST reply without finished")
	}
	tb, err := rep.Ticket.Marshal()
	if err != nil {
		return nil, err
	}
	if err := crypto.VerifyChecksum(f.armorKey, crypto.KeyUsageFastFinished, tb, resp.Finished.TicketChecksum); err != nil {
		return nil, fmt.Errorf("FAST ticket checksum: %w", err)
	}
	if !resp.Finished.CName.Equal(rep.CName) || resp.Finished.CRealm != rep.CRealm {
		return nil, fmt.Errorf("FAST finished names %s@%s, reply %s@%s",
			resp.Finished.CName, resp.Finished.CRealm, rep.CName, rep.CRealm)
	}
	return resp, nil
}

// challengeKey returns the key of the client's encrypted challenge.
func (f *fastState) challengeKey(client crypto.EncryptionKey) (crypto.EncryptionKey, error) {
	return preauth.ClientChallengeKey(f.armorKey, client)
}

// verifyKDCChallenge authenticates the KDC by its encrypted challenge,
// when the reply carries one.
func (f *fastState) verifyKDCChallenge(padata []krb5.PAData, client crypto.EncryptionKey) error {
	pa, ok := krb5.FindPAData(padata, krb5.PAEncryptedChal)
	if !ok {
		return nil
	}
	ed, err := crypto.UnmarshalEncryptedData(pa.PADataValue)
	if err != nil {
		return err
	}
	k, err := preauth.KDCChallengeKey(f.armorKey, client)
	if err != nil {
		return err
	}
	var ts krb5.PAEncTSEnc
	if err := krb5.Open(k, crypto.KeyUsageEncChallengeKDC, ed, &ts); err != nil {
		return fmt.Errorf("KDC encrypted challenge: %w", err)
	}
	return nil
}
