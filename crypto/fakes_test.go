package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/loom-chat/loom/crypto/primitive"
)

// fakeLibrary is a deterministic stand-in for the real Olm bindings. Its
// "ciphertexts" are JSON envelopes carrying the plaintext plus enough
// session identity to enforce the same matching rules the real ratchets
// do, so the engine's bookkeeping can be tested without any cryptography.
type fakeLibrary struct {
	nextAccount int

	// verifyJSON overrides signature verification; nil accepts everything.
	verifyJSON func(obj any, userID id.UserID, keyName string, key id.Ed25519) error
}

var _ primitive.Library = (*fakeLibrary)(nil)

func (f *fakeLibrary) NewAccount() (primitive.Account, error) {
	f.nextAccount++
	n := f.nextAccount
	return &fakeAccount{
		SigningKey:  id.Ed25519(fmt.Sprintf("ed25519-acct-%d", n)),
		IdentityKey: id.Curve25519(fmt.Sprintf("curve25519-acct-%d", n)),
		Unpublished: map[string]id.Curve25519{},
	}, nil
}

func (f *fakeLibrary) UnpickleAccount(pickled, key []byte) (primitive.Account, error) {
	var acc fakeAccount
	if err := json.Unmarshal(pickled, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (f *fakeLibrary) UnpickleSession(pickled, key []byte) (primitive.Session, error) {
	var sess fakeSession
	if err := json.Unmarshal(pickled, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (f *fakeLibrary) NewInboundGroupSession(sessionKey []byte) (primitive.InboundGroupSession, error) {
	return parseFakeGroupKey(sessionKey)
}

func (f *fakeLibrary) ImportInboundGroupSession(sessionKey []byte) (primitive.InboundGroupSession, error) {
	return parseFakeGroupKey(sessionKey)
}

func (f *fakeLibrary) UnpickleInboundGroupSession(pickled, key []byte) (primitive.InboundGroupSession, error) {
	var sess fakeInboundGroup
	if err := json.Unmarshal(pickled, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

var fakeGroupCounter int

func (f *fakeLibrary) NewOutboundGroupSession() (primitive.OutboundGroupSession, error) {
	fakeGroupCounter++
	return &fakeOutboundGroup{
		SessionID: id.SessionID(fmt.Sprintf("group-%d", fakeGroupCounter)),
	}, nil
}

func (f *fakeLibrary) VerifySignatureJSON(obj any, userID id.UserID, keyName string, key id.Ed25519) error {
	if f.verifyJSON != nil {
		return f.verifyJSON(obj, userID, keyName, key)
	}
	return nil
}

type fakeAccount struct {
	SigningKey  id.Ed25519               `json:"signing_key"`
	IdentityKey id.Curve25519            `json:"identity_key"`
	Unpublished map[string]id.Curve25519 `json:"unpublished"`
	NextOTK     int                      `json:"next_otk"`
	NextSession int                      `json:"next_session"`
}

var _ primitive.Account = (*fakeAccount)(nil)

func (a *fakeAccount) IdentityKeys() (id.Ed25519, id.Curve25519, error) {
	return a.SigningKey, a.IdentityKey, nil
}

func (a *fakeAccount) Sign(message []byte) ([]byte, error) {
	return []byte("sig-" + string(a.SigningKey)), nil
}

func (a *fakeAccount) OneTimeKeys() (map[string]id.Curve25519, error) {
	out := make(map[string]id.Curve25519, len(a.Unpublished))
	for kid, key := range a.Unpublished {
		out[kid] = key
	}
	return out, nil
}

func (a *fakeAccount) GenOneTimeKeys(num uint) error {
	for i := uint(0); i < num; i++ {
		a.NextOTK++
		a.Unpublished[fmt.Sprintf("AAAA%d", a.NextOTK)] = id.Curve25519(fmt.Sprintf("otk-%s-%d", a.IdentityKey, a.NextOTK))
	}
	return nil
}

func (a *fakeAccount) MarkKeysAsPublished() error {
	a.Unpublished = map[string]id.Curve25519{}
	return nil
}

func (a *fakeAccount) MaxNumberOfOneTimeKeys() uint { return 100 }

func (a *fakeAccount) NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (primitive.Session, error) {
	a.NextSession++
	secret := string(theirIdentityKey) + "/" + string(theirOneTimeKey)
	return &fakeSession{
		SessionID: id.SessionID(fmt.Sprintf("olm-%s-%d", a.IdentityKey, a.NextSession)),
		Secret:    secret,
	}, nil
}

func (a *fakeAccount) NewInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (primitive.Session, error) {
	var msg fakeOlmMessage
	if err := json.Unmarshal([]byte(preKeyMessage), &msg); err != nil {
		return nil, primitive.ErrBadMessage
	}
	a.NextSession++
	return &fakeSession{
		SessionID: msg.SessionID,
		Secret:    msg.Secret,
		Received:  true,
	}, nil
}

func (a *fakeAccount) Pickle(key []byte) ([]byte, error) {
	return json.Marshal(a)
}

// fakeOlmMessage is the fake 1:1 "ciphertext": a JSON envelope carrying a
// shared secret both ends derived from the same one-time key.
type fakeOlmMessage struct {
	SessionID id.SessionID `json:"session_id"`
	Secret    string       `json:"secret"`
	Plain     []byte       `json:"plain"`
}

type fakeSession struct {
	SessionID id.SessionID `json:"session_id"`
	Secret    string       `json:"secret"`
	Received  bool         `json:"received"`
}

var _ primitive.Session = (*fakeSession)(nil)

func (s *fakeSession) ID() id.SessionID { return s.SessionID }

func (s *fakeSession) HasReceivedMessage() bool { return s.Received }

func (s *fakeSession) Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error) {
	msgType := id.OlmMsgTypePreKey
	if s.Received {
		msgType = id.OlmMsgTypeMsg
	}
	raw, err := json.Marshal(&fakeOlmMessage{SessionID: s.SessionID, Secret: s.Secret, Plain: plaintext})
	return msgType, raw, err
}

func (s *fakeSession) Decrypt(ciphertext string, msgType id.OlmMsgType) ([]byte, error) {
	var msg fakeOlmMessage
	if err := json.Unmarshal([]byte(ciphertext), &msg); err != nil {
		return nil, primitive.ErrBadMessage
	}
	if msg.Secret != s.Secret {
		return nil, primitive.ErrBadMessage
	}
	s.Received = true
	return msg.Plain, nil
}

func (s *fakeSession) Pickle(key []byte) ([]byte, error) {
	return json.Marshal(s)
}

// fakeGroupMessage is the fake Megolm "ciphertext".
type fakeGroupMessage struct {
	SessionID id.SessionID `json:"session_id"`
	Index     uint32       `json:"index"`
	Plain     []byte       `json:"plain"`
}

// fake group session keys look like "gkey|<session id>|<first index>".
func fakeGroupKey(sessionID id.SessionID, index uint32) []byte {
	return []byte(fmt.Sprintf("gkey|%s|%d", sessionID, index))
}

func parseFakeGroupKey(sessionKey []byte) (*fakeInboundGroup, error) {
	parts := strings.Split(string(sessionKey), "|")
	if len(parts) != 3 || parts[0] != "gkey" {
		return nil, primitive.ErrBadSessionKey
	}
	index, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return nil, primitive.ErrBadSessionKey
	}
	return &fakeInboundGroup{
		SessionID:  id.SessionID(parts[1]),
		FirstIndex: uint32(index),
	}, nil
}

type fakeInboundGroup struct {
	SessionID  id.SessionID `json:"session_id"`
	FirstIndex uint32       `json:"first_index"`
}

var _ primitive.InboundGroupSession = (*fakeInboundGroup)(nil)

func (s *fakeInboundGroup) ID() id.SessionID { return s.SessionID }

func (s *fakeInboundGroup) Decrypt(ciphertext []byte) ([]byte, uint32, error) {
	var msg fakeGroupMessage
	if err := json.Unmarshal(ciphertext, &msg); err != nil {
		return nil, 0, primitive.ErrBadMessage
	}
	if msg.SessionID != s.SessionID || msg.Index < s.FirstIndex {
		return nil, 0, primitive.ErrBadMessage
	}
	return msg.Plain, msg.Index, nil
}

func (s *fakeInboundGroup) FirstKnownIndex() uint32 { return s.FirstIndex }

func (s *fakeInboundGroup) Export(index uint32) ([]byte, error) {
	if index < s.FirstIndex {
		return nil, primitive.ErrBadSessionKey
	}
	return fakeGroupKey(s.SessionID, index), nil
}

func (s *fakeInboundGroup) Pickle(key []byte) ([]byte, error) {
	return json.Marshal(s)
}

type fakeOutboundGroup struct {
	SessionID id.SessionID `json:"session_id"`
	Index     uint32       `json:"index"`
}

var _ primitive.OutboundGroupSession = (*fakeOutboundGroup)(nil)

func (s *fakeOutboundGroup) ID() id.SessionID { return s.SessionID }

func (s *fakeOutboundGroup) Encrypt(plaintext []byte) ([]byte, error) {
	raw, err := json.Marshal(&fakeGroupMessage{SessionID: s.SessionID, Index: s.Index, Plain: plaintext})
	s.Index++
	return raw, err
}

func (s *fakeOutboundGroup) SessionKey() ([]byte, error) {
	return fakeGroupKey(s.SessionID, s.Index), nil
}

func (s *fakeOutboundGroup) MessageIndex() uint32 { return s.Index }

// fakeTransport records uploads and sends, and answers queries and claims
// from configured fixtures.
type fakeTransport struct {
	mu sync.Mutex

	uploads    []*mautrix.ReqUploadKeys
	sent       []sentToDevice
	queryResp  *mautrix.RespQueryKeys
	claimResp  *mautrix.RespClaimKeys
	queryErr   error
	claimErr   error
	sendErr    error
	queryCalls int

	// queryGate, when set, blocks QueryKeys after it has been counted
	// until the channel is closed. Lets tests hold a download in flight.
	queryGate chan struct{}
}

type sentToDevice struct {
	EventType event.Type
	Request   *mautrix.ReqSendToDevice
}

var _ Transport = (*fakeTransport)(nil)

func (t *fakeTransport) UploadKeys(ctx context.Context, req *mautrix.ReqUploadKeys) (*mautrix.RespUploadKeys, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uploads = append(t.uploads, req)
	return &mautrix.RespUploadKeys{}, nil
}

func (t *fakeTransport) QueryKeys(ctx context.Context, req *mautrix.ReqQueryKeys) (*mautrix.RespQueryKeys, error) {
	t.mu.Lock()
	t.queryCalls++
	gate := t.queryGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queryErr != nil {
		return nil, t.queryErr
	}
	if t.queryResp != nil {
		return t.queryResp, nil
	}
	return &mautrix.RespQueryKeys{}, nil
}

func (t *fakeTransport) ClaimKeys(ctx context.Context, req *mautrix.ReqClaimKeys) (*mautrix.RespClaimKeys, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.claimErr != nil {
		return nil, t.claimErr
	}
	if t.claimResp != nil {
		return t.claimResp, nil
	}
	return &mautrix.RespClaimKeys{}, nil
}

func (t *fakeTransport) SendToDevice(ctx context.Context, eventType event.Type, req *mautrix.ReqSendToDevice) (*mautrix.RespSendToDevice, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return nil, t.sendErr
	}
	t.sent = append(t.sent, sentToDevice{EventType: eventType, Request: req})
	return &mautrix.RespSendToDevice{}, nil
}

// claimRespFor fabricates a one-time key claim response for each device.
func claimRespFor(devices ...*DeviceIdentity) *mautrix.RespClaimKeys {
	resp := &mautrix.RespClaimKeys{
		OneTimeKeys: map[id.UserID]map[id.DeviceID]map[id.KeyID]mautrix.OneTimeKey{},
	}
	for i, dev := range devices {
		if resp.OneTimeKeys[dev.UserID] == nil {
			resp.OneTimeKeys[dev.UserID] = map[id.DeviceID]map[id.KeyID]mautrix.OneTimeKey{}
		}
		keyID := id.NewKeyID(id.KeyAlgorithmSignedCurve25519, fmt.Sprintf("AAAB%d", i))
		resp.OneTimeKeys[dev.UserID][dev.DeviceID] = map[id.KeyID]mautrix.OneTimeKey{
			keyID: {Key: id.Curve25519("claimed-otk-" + dev.DeviceID.String())},
		}
	}
	return resp
}

func (t *fakeTransport) sentOfType(eventType event.Type) []sentToDevice {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sentToDevice
	for _, s := range t.sent {
		if s.EventType == eventType {
			out = append(out, s)
		}
	}
	return out
}
