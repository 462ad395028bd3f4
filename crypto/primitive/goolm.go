package primitive

import (
	"fmt"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"
)

// Goolm adapts maunium.net/go/mautrix/crypto/olm to the Library interface.
type Goolm struct{}

var _ Library = Goolm{}

type goolmAccount struct {
	acc olm.Account
}

func (Goolm) NewAccount() (Account, error) {
	acc, err := olm.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("create olm account: %w", err)
	}
	return &goolmAccount{acc: acc}, nil
}

func (Goolm) UnpickleAccount(pickled, key []byte) (Account, error) {
	acc, err := olm.AccountFromPickled(pickled, key)
	if err != nil {
		return nil, fmt.Errorf("unpickle olm account: %w", err)
	}
	return &goolmAccount{acc: acc}, nil
}

func (a *goolmAccount) IdentityKeys() (id.Ed25519, id.Curve25519, error) {
	return a.acc.IdentityKeys()
}

func (a *goolmAccount) Sign(message []byte) ([]byte, error) {
	return a.acc.Sign(message)
}

func (a *goolmAccount) OneTimeKeys() (map[string]id.Curve25519, error) {
	return a.acc.OneTimeKeys()
}

func (a *goolmAccount) GenOneTimeKeys(num uint) error {
	return a.acc.GenOneTimeKeys(num)
}

func (a *goolmAccount) MarkKeysAsPublished() error {
	a.acc.MarkKeysAsPublished()
	return nil
}

func (a *goolmAccount) MaxNumberOfOneTimeKeys() uint {
	return a.acc.MaxNumberOfOneTimeKeys()
}

func (a *goolmAccount) NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (Session, error) {
	sess, err := a.acc.NewOutboundSession(theirIdentityKey, theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	return goolmSession{sess}, nil
}

func (a *goolmAccount) NewInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (Session, error) {
	sess, err := a.acc.NewInboundSessionFrom(&theirIdentityKey, preKeyMessage)
	if err != nil {
		return nil, err
	}
	if err := a.acc.RemoveOneTimeKeys(sess); err != nil {
		return nil, fmt.Errorf("remove used one-time key: %w", err)
	}
	return goolmSession{sess}, nil
}

func (a *goolmAccount) Pickle(key []byte) ([]byte, error) {
	return a.acc.Pickle(key)
}

type goolmSession struct {
	sess olm.Session
}

func (Goolm) UnpickleSession(pickled, key []byte) (Session, error) {
	sess, err := olm.SessionFromPickled(pickled, key)
	if err != nil {
		return nil, fmt.Errorf("unpickle olm session: %w", err)
	}
	return goolmSession{sess}, nil
}

func (s goolmSession) ID() id.SessionID           { return s.sess.ID() }
func (s goolmSession) HasReceivedMessage() bool   { return s.sess.HasReceivedMessage() }
func (s goolmSession) Pickle(key []byte) ([]byte, error) { return s.sess.Pickle(key) }

func (s goolmSession) Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error) {
	return s.sess.Encrypt(plaintext)
}

func (s goolmSession) Decrypt(ciphertext string, msgType id.OlmMsgType) ([]byte, error) {
	plaintext, err := s.sess.Decrypt(ciphertext, msgType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return plaintext, nil
}

type goolmInbound struct {
	sess olm.InboundGroupSession
}

func (Goolm) NewInboundGroupSession(sessionKey []byte) (InboundGroupSession, error) {
	sess, err := olm.NewInboundGroupSession(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSessionKey, err)
	}
	return goolmInbound{sess}, nil
}

func (Goolm) ImportInboundGroupSession(sessionKey []byte) (InboundGroupSession, error) {
	sess, err := olm.InboundGroupSessionImport(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSessionKey, err)
	}
	return goolmInbound{sess}, nil
}

func (Goolm) UnpickleInboundGroupSession(pickled, key []byte) (InboundGroupSession, error) {
	sess, err := olm.InboundGroupSessionFromPickled(pickled, key)
	if err != nil {
		return nil, fmt.Errorf("unpickle group session: %w", err)
	}
	return goolmInbound{sess}, nil
}

func (s goolmInbound) ID() id.SessionID        { return s.sess.ID() }
func (s goolmInbound) FirstKnownIndex() uint32 { return s.sess.FirstKnownIndex() }

func (s goolmInbound) Decrypt(ciphertext []byte) ([]byte, uint32, error) {
	plaintext, index, err := s.sess.Decrypt(ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return plaintext, uint32(index), nil
}

func (s goolmInbound) Export(index uint32) ([]byte, error) {
	return s.sess.Export(index)
}

func (s goolmInbound) Pickle(key []byte) ([]byte, error) {
	return s.sess.Pickle(key)
}

type goolmOutbound struct {
	sess olm.OutboundGroupSession
}

func (Goolm) NewOutboundGroupSession() (OutboundGroupSession, error) {
	sess, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("create outbound group session: %w", err)
	}
	return goolmOutbound{sess}, nil
}

func (s goolmOutbound) ID() id.SessionID      { return s.sess.ID() }
func (s goolmOutbound) MessageIndex() uint32  { return uint32(s.sess.MessageIndex()) }

func (s goolmOutbound) Encrypt(plaintext []byte) ([]byte, error) {
	return s.sess.Encrypt(plaintext)
}

func (s goolmOutbound) SessionKey() ([]byte, error) {
	return []byte(s.sess.Key()), nil
}

func (Goolm) VerifySignatureJSON(obj any, userID id.UserID, keyName string, key id.Ed25519) error {
	ok, err := signatures.VerifySignatureJSON(obj, userID, keyName, key)
	if err != nil || !ok {
		return ErrBadSignature
	}
	return nil
}
