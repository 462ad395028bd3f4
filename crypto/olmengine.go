package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/id"

	"github.com/loom-chat/loom/crypto/primitive"
)

// OlmEngine wraps the injected crypto library: it owns the local account,
// the live 1:1 and group session objects, and the per-timeline replay
// index. All mutating calls are expected to run on the crypto executor.
type OlmEngine struct {
	lib       primitive.Library
	store     Store
	logger    *slog.Logger
	pickleKey []byte

	ownUserID   id.UserID
	ownDeviceID id.DeviceID

	account     primitive.Account
	signingKey  id.Ed25519
	identityKey id.Curve25519

	// live session objects, backed by their pickled records in the store
	olmSessions   *xsync.Map[string, primitive.Session]
	groupSessions *xsync.Map[string, primitive.InboundGroupSession]

	// replayIndex maps timelineID|senderKey|sessionID|index to the fact
	// that the ciphertext at that position was already decrypted once.
	// In-memory only; cleared per timeline on explicit reset.
	replayIndex *xsync.Map[string, struct{}]
}

func newOlmEngine(ownUserID id.UserID, ownDeviceID id.DeviceID, lib primitive.Library, store Store, logger *slog.Logger, pickleKey []byte) *OlmEngine {
	return &OlmEngine{
		lib:           lib,
		store:         store,
		logger:        logger,
		pickleKey:     pickleKey,
		ownUserID:     ownUserID,
		ownDeviceID:   ownDeviceID,
		olmSessions:   xsync.NewMap[string, primitive.Session](),
		groupSessions: xsync.NewMap[string, primitive.InboundGroupSession](),
		replayIndex:   xsync.NewMap[string, struct{}](),
	}
}

// load restores the pickled account from the store or creates a fresh one.
// It reports whether a new account was created.
func (o *OlmEngine) load(ctx context.Context) (bool, error) {
	pickled, err := o.store.GetAccount(ctx)
	if err != nil {
		return false, storeErr("get account", err)
	}

	created := false
	if pickled == nil {
		o.account, err = o.lib.NewAccount()
		if err != nil {
			return false, fmt.Errorf("create account: %w", err)
		}
		if err := o.persistAccount(ctx); err != nil {
			return false, err
		}
		created = true
	} else {
		o.account, err = o.lib.UnpickleAccount(pickled, o.pickleKey)
		if err != nil {
			return false, fmt.Errorf("restore account: %w", err)
		}
	}

	o.signingKey, o.identityKey, err = o.account.IdentityKeys()
	if err != nil {
		return false, fmt.Errorf("read identity keys: %w", err)
	}
	return created, nil
}

func (o *OlmEngine) persistAccount(ctx context.Context) error {
	pickled, err := o.account.Pickle(o.pickleKey)
	if err != nil {
		return fmt.Errorf("pickle account: %w", err)
	}
	if err := o.store.PutAccount(ctx, pickled); err != nil {
		return storeErr("put account", err)
	}
	return nil
}

func (o *OlmEngine) IdentityKeys() (ed id.Ed25519, curve id.Curve25519) {
	return o.signingKey, o.identityKey
}

// SignJSON signs the canonical JSON of obj, ignoring signatures/unsigned.
func (o *OlmEngine) SignJSON(obj any) (string, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal signable: %w", err)
	}
	sig, err := o.account.Sign(canonicaljson.CanonicalJSONAssumeValid(raw))
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return string(sig), nil
}

// VerifySignatureJSON checks the Ed25519 signature by (userID, keyName)
// over obj. A missing key and a bad signature are the same failure.
func (o *OlmEngine) VerifySignatureJSON(obj any, userID id.UserID, keyName string, key id.Ed25519) error {
	if err := o.lib.VerifySignatureJSON(obj, userID, keyName, key); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// one-time key management

func (o *OlmEngine) MaxOneTimeKeys() int {
	return int(o.account.MaxNumberOfOneTimeKeys())
}

// GenerateOneTimeKeys tops the pool up and returns the unpublished keys.
func (o *OlmEngine) GenerateOneTimeKeys(ctx context.Context, count int) (map[string]id.Curve25519, error) {
	if count > 0 {
		if err := o.account.GenOneTimeKeys(uint(count)); err != nil {
			return nil, fmt.Errorf("generate one-time keys: %w", err)
		}
		if err := o.persistAccount(ctx); err != nil {
			return nil, err
		}
	}
	keys, err := o.account.OneTimeKeys()
	if err != nil {
		return nil, fmt.Errorf("read one-time keys: %w", err)
	}
	return keys, nil
}

func (o *OlmEngine) MarkKeysAsPublished(ctx context.Context) error {
	if err := o.account.MarkKeysAsPublished(); err != nil {
		return fmt.Errorf("mark keys published: %w", err)
	}
	return o.persistAccount(ctx)
}

// 1:1 Olm sessions

func olmSessionCacheKey(senderKey id.Curve25519, sessionID id.SessionID) string {
	return string(senderKey) + "|" + string(sessionID)
}

// CreateOutboundSession establishes a session towards a peer device and
// persists it with a fresh last-used stamp so it is immediately the
// preferred send-session for that peer.
func (o *OlmEngine) CreateOutboundSession(ctx context.Context, peerIdentityKey, peerOneTimeKey id.Curve25519) (id.SessionID, error) {
	sess, err := o.account.NewOutboundSession(peerIdentityKey, peerOneTimeKey)
	if err != nil {
		return "", fmt.Errorf("create outbound session: %w", err)
	}
	if err := o.persistOlmSession(ctx, peerIdentityKey, sess); err != nil {
		return "", err
	}
	return sess.ID(), nil
}

func (o *OlmEngine) persistOlmSession(ctx context.Context, senderKey id.Curve25519, sess primitive.Session) error {
	pickled, err := sess.Pickle(o.pickleKey)
	if err != nil {
		return fmt.Errorf("pickle session: %w", err)
	}
	now := time.Now().UTC()
	rec := &OlmSessionRecord{
		SessionID: sess.ID(),
		SenderKey: senderKey,
		Pickled:   pickled,
		CreatedAt: now,
		LastUsed:  now,
	}
	if err := o.store.PutOlmSession(ctx, rec); err != nil {
		return storeErr("put olm session", err)
	}
	o.olmSessions.Store(olmSessionCacheKey(senderKey, sess.ID()), sess)
	return nil
}

func (o *OlmEngine) liveOlmSession(rec *OlmSessionRecord) (primitive.Session, error) {
	if sess, ok := o.olmSessions.Load(olmSessionCacheKey(rec.SenderKey, rec.SessionID)); ok {
		return sess, nil
	}
	sess, err := o.lib.UnpickleSession(rec.Pickled, o.pickleKey)
	if err != nil {
		return nil, err
	}
	o.olmSessions.Store(olmSessionCacheKey(rec.SenderKey, rec.SessionID), sess)
	return sess, nil
}

// HasOlmSession reports whether any usable session exists for the peer.
func (o *OlmEngine) HasOlmSession(ctx context.Context, senderKey id.Curve25519) bool {
	sessions, err := o.store.OlmSessions(ctx, senderKey)
	return err == nil && len(sessions) > 0
}

// EncryptOlm encrypts plaintext on the peer's preferred session: the most
// recently used one the peer has answered on, falling back to the most
// recent overall. The ratchet advance is persisted before the ciphertext
// is returned.
func (o *OlmEngine) EncryptOlm(ctx context.Context, senderKey id.Curve25519, plaintext []byte) (id.OlmMsgType, []byte, error) {
	sessions, err := o.store.OlmSessions(ctx, senderKey)
	if err != nil {
		return 0, nil, storeErr("list olm sessions", err)
	}
	if len(sessions) == 0 {
		return 0, nil, fmt.Errorf("%w: no olm session for %s", ErrUnknownDevice, senderKey)
	}
	var sess, fallback primitive.Session
	for _, rec := range sessions {
		live, err := o.liveOlmSession(rec)
		if err != nil {
			return 0, nil, err
		}
		if live.HasReceivedMessage() {
			sess = live
			break
		}
		if fallback == nil {
			fallback = live
		}
	}
	if sess == nil {
		sess = fallback
	}
	msgType, ciphertext, err := sess.Encrypt(plaintext)
	if err != nil {
		return 0, nil, fmt.Errorf("olm encrypt: %w", err)
	}
	if err := o.persistOlmSession(ctx, senderKey, sess); err != nil {
		return 0, nil, err
	}
	return msgType, ciphertext, nil
}

// DecryptOlm decrypts a 1:1 message, trying the peer's known sessions in
// recency order and falling back to inbound session establishment for
// pre-key messages. Establishment failure is a plain decryption failure.
func (o *OlmEngine) DecryptOlm(ctx context.Context, senderKey id.Curve25519, msgType id.OlmMsgType, ciphertext string) ([]byte, error) {
	sessions, err := o.store.OlmSessions(ctx, senderKey)
	if err != nil {
		return nil, storeErr("list olm sessions", err)
	}
	for _, rec := range sessions {
		sess, err := o.liveOlmSession(rec)
		if err != nil {
			o.logger.Warn("skipping unrestorable olm session",
				"sender_key", senderKey,
				"session_id", rec.SessionID,
				"err", err,
			)
			continue
		}
		plaintext, err := sess.Decrypt(ciphertext, msgType)
		if err == nil {
			if err := o.persistOlmSession(ctx, senderKey, sess); err != nil {
				return nil, err
			}
			return plaintext, nil
		}
	}

	if msgType != id.OlmMsgTypePreKey {
		return nil, fmt.Errorf("%w: no session decrypted the message", primitive.ErrBadMessage)
	}

	// Pre-key message for a session we don't have yet: establish it,
	// consuming one of our one-time keys.
	sess, err := o.account.NewInboundSession(senderKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: inbound session establishment failed", primitive.ErrBadMessage)
	}
	plaintext, err := sess.Decrypt(ciphertext, msgType)
	if err != nil {
		return nil, err
	}
	// The one-time key is gone from the account either way; both must hit
	// the store before the plaintext escapes.
	if err := o.persistAccount(ctx); err != nil {
		return nil, err
	}
	if err := o.persistOlmSession(ctx, senderKey, sess); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// inbound Megolm group sessions

// AddInboundGroupSession stores a group session received via m.room_key.
// The session's self-reported ID must match the claimed one; two sessions
// for the same ID reconcile by keeping the lower first-known index. It
// reports whether the new session was stored.
func (o *OlmEngine) AddInboundGroupSession(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID, sessionKey []byte, senderClaimedKey id.Ed25519, forwardingChains []string, exported bool) (bool, error) {
	var sess primitive.InboundGroupSession
	var err error
	if exported {
		sess, err = o.lib.ImportInboundGroupSession(sessionKey)
	} else {
		sess, err = o.lib.NewInboundGroupSession(sessionKey)
	}
	if err != nil {
		return false, err
	}
	if sess.ID() != sessionID {
		return false, ErrSessionIDMismatch
	}

	existing, err := o.store.GetGroupSession(ctx, roomID, senderKey, sessionID)
	if err != nil {
		return false, storeErr("get group session", err)
	}
	if existing != nil && existing.FirstKnownIndex <= sess.FirstKnownIndex() {
		// The stored session decrypts at least as much history.
		return false, nil
	}

	pickled, err := sess.Pickle(o.pickleKey)
	if err != nil {
		return false, fmt.Errorf("pickle group session: %w", err)
	}
	rec := &GroupSessionRecord{
		RoomID:           roomID,
		SenderKey:        senderKey,
		SessionID:        sessionID,
		Pickled:          pickled,
		FirstKnownIndex:  sess.FirstKnownIndex(),
		SenderClaimedKey: senderClaimedKey,
		ForwardingChains: forwardingChains,
	}
	if err := o.store.PutGroupSession(ctx, rec); err != nil {
		return false, storeErr("put group session", err)
	}
	o.groupSessions.Store(groupSessionKey(roomID, senderKey, sessionID), sess)
	return true, nil
}

// HasInboundGroupSession reports whether the session is held for the room.
func (o *OlmEngine) HasInboundGroupSession(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) bool {
	rec, err := o.store.GetGroupSession(ctx, roomID, senderKey, sessionID)
	return err == nil && rec != nil
}

func (o *OlmEngine) liveGroupSession(rec *GroupSessionRecord) (primitive.InboundGroupSession, error) {
	key := groupSessionKey(rec.RoomID, rec.SenderKey, rec.SessionID)
	if sess, ok := o.groupSessions.Load(key); ok {
		return sess, nil
	}
	sess, err := o.lib.UnpickleInboundGroupSession(rec.Pickled, o.pickleKey)
	if err != nil {
		return nil, err
	}
	o.groupSessions.Store(key, sess)
	return sess, nil
}

func replayKey(timelineID string, senderKey id.Curve25519, sessionID id.SessionID, index uint32) string {
	return fmt.Sprintf("%s|%s|%s|%d", timelineID, senderKey, sessionID, index)
}

// DecryptGroupMessage decrypts a Megolm ciphertext. It rejects sessions
// bound to a different room and refuses to return plaintext for a
// (senderKey, sessionID, index) already seen on the same timeline.
func (o *OlmEngine) DecryptGroupMessage(ctx context.Context, ciphertext []byte, roomID id.RoomID, timelineID string, sessionID id.SessionID, senderKey id.Curve25519) ([]byte, uint32, error) {
	rec, err := o.store.GetGroupSession(ctx, roomID, senderKey, sessionID)
	if err != nil {
		return nil, 0, storeErr("get group session", err)
	}
	if rec == nil {
		// The same session in another room means a cross-room replay.
		var foreign *GroupSessionRecord
		scanErr := o.store.ForEachGroupSession(ctx, func(other *GroupSessionRecord) error {
			if other.SenderKey == senderKey && other.SessionID == sessionID {
				foreign = other
			}
			return nil
		})
		if scanErr != nil {
			return nil, 0, storeErr("scan group sessions", scanErr)
		}
		if foreign != nil {
			return nil, 0, fmt.Errorf("%w: bound to %s, claimed %s", ErrRoomIDMismatch, foreign.RoomID, roomID)
		}
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	sess, err := o.liveGroupSession(rec)
	if err != nil {
		return nil, 0, err
	}
	plaintext, index, err := sess.Decrypt(ciphertext)
	if err != nil {
		return nil, 0, err
	}

	if timelineID != "" {
		if _, seen := o.replayIndex.LoadOrStore(replayKey(timelineID, senderKey, sessionID, index), struct{}{}); seen {
			return nil, 0, fmt.Errorf("%w: index %d", ErrReplayDetected, index)
		}
	}

	pickled, err := sess.Pickle(o.pickleKey)
	if err != nil {
		return nil, 0, fmt.Errorf("pickle group session: %w", err)
	}
	rec.Pickled = pickled
	if err := o.store.PutGroupSession(ctx, rec); err != nil {
		return nil, 0, storeErr("put group session", err)
	}
	return plaintext, index, nil
}

// ResetTimeline drops the replay index for one timeline, e.g. when the
// application clears and refetches it.
func (o *OlmEngine) ResetTimeline(timelineID string) {
	prefix := timelineID + "|"
	o.replayIndex.Range(func(key string, _ struct{}) bool {
		if strings.HasPrefix(key, prefix) {
			o.replayIndex.Delete(key)
		}
		return true
	})
}

// ExportGroupSession re-exports a held session at its first known index.
func (o *OlmEngine) ExportGroupSession(ctx context.Context, rec *GroupSessionRecord) (*ExportedSession, error) {
	sess, err := o.liveGroupSession(rec)
	if err != nil {
		return nil, err
	}
	key, err := sess.Export(sess.FirstKnownIndex())
	if err != nil {
		return nil, fmt.Errorf("export group session: %w", err)
	}
	return &ExportedSession{
		Algorithm:         id.AlgorithmMegolmV1,
		ForwardingChains:  rec.ForwardingChains,
		RoomID:            rec.RoomID,
		SenderClaimedKeys: map[string]string{"ed25519": string(rec.SenderClaimedKey)},
		SenderKey:         rec.SenderKey,
		SessionID:         rec.SessionID,
		SessionKey:        string(key),
	}, nil
}

// outbound Megolm group sessions

// NewOutboundGroupSession creates the sending ratchet for a room together
// with our own matching inbound session, so we can decrypt our own
// messages and answer key requests for them.
func (o *OlmEngine) NewOutboundGroupSession(ctx context.Context, roomID id.RoomID) (primitive.OutboundGroupSession, error) {
	sess, err := o.lib.NewOutboundGroupSession()
	if err != nil {
		return nil, err
	}
	key, err := sess.SessionKey()
	if err != nil {
		return nil, fmt.Errorf("export new session key: %w", err)
	}
	if _, err := o.AddInboundGroupSession(ctx, roomID, o.identityKey, sess.ID(), key, o.signingKey, nil, false); err != nil {
		return nil, fmt.Errorf("mirror own session: %w", err)
	}
	return sess, nil
}
