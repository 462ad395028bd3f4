package crypto

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOlmEngine(t *testing.T) (*OlmEngine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	o := newOlmEngine("@alice:example.org", "ALICEDEV", &fakeLibrary{}, store, testLogger(), []byte("pickle"))
	_, err := o.load(context.Background())
	require.NoError(t, err)
	return o, store
}

func fakeGroupCiphertext(t *testing.T, sessionID id.SessionID, index uint32, plaintext string) []byte {
	t.Helper()
	raw, err := json.Marshal(&fakeGroupMessage{SessionID: sessionID, Index: index, Plain: []byte(plaintext)})
	require.NoError(t, err)
	return raw
}

func TestAccountSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	lib := &fakeLibrary{}

	first := newOlmEngine("@alice:example.org", "ALICEDEV", lib, store, testLogger(), []byte("pickle"))
	created, err := first.load(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	ed1, curve1 := first.IdentityKeys()

	second := newOlmEngine("@alice:example.org", "ALICEDEV", lib, store, testLogger(), []byte("pickle"))
	created, err = second.load(ctx)
	require.NoError(t, err)
	assert.False(t, created)
	ed2, curve2 := second.IdentityKeys()
	assert.Equal(t, ed1, ed2)
	assert.Equal(t, curve1, curve2)
}

func TestAddInboundGroupSessionIDMismatch(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOlmEngine(t)

	_, err := o.AddInboundGroupSession(ctx, "!room:example.org", "sender-key", "claimed-id",
		fakeGroupKey("actual-id", 0), "ed-key", nil, false)
	assert.ErrorIs(t, err, ErrSessionIDMismatch)
}

func TestAddInboundGroupSessionKeepsLowestIndex(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOlmEngine(t)
	roomID := id.RoomID("!room:example.org")
	senderKey := id.Curve25519("sender-key")
	sessionID := id.SessionID("sess")

	added, err := o.AddInboundGroupSession(ctx, roomID, senderKey, sessionID, fakeGroupKey(sessionID, 5), "ed", nil, false)
	require.NoError(t, err)
	assert.True(t, added)

	// A copy covering more history replaces the stored one.
	added, err = o.AddInboundGroupSession(ctx, roomID, senderKey, sessionID, fakeGroupKey(sessionID, 2), "ed", nil, true)
	require.NoError(t, err)
	assert.True(t, added)

	// A copy covering less history is discarded.
	added, err = o.AddInboundGroupSession(ctx, roomID, senderKey, sessionID, fakeGroupKey(sessionID, 7), "ed", nil, true)
	require.NoError(t, err)
	assert.False(t, added)

	rec, err := store.GetGroupSession(ctx, roomID, senderKey, sessionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint32(2), rec.FirstKnownIndex)
}

func TestDecryptGroupMessageUnknownSession(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOlmEngine(t)

	_, _, err := o.DecryptGroupMessage(ctx, fakeGroupCiphertext(t, "nope", 0, "hi"),
		"!room:example.org", "tl-1", "nope", "sender-key")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestDecryptGroupMessageRoomMismatch(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOlmEngine(t)
	senderKey := id.Curve25519("sender-key")
	sessionID := id.SessionID("sess")

	_, err := o.AddInboundGroupSession(ctx, "!real:example.org", senderKey, sessionID, fakeGroupKey(sessionID, 0), "ed", nil, false)
	require.NoError(t, err)

	_, _, err = o.DecryptGroupMessage(ctx, fakeGroupCiphertext(t, sessionID, 0, "hi"),
		"!other:example.org", "tl-1", sessionID, senderKey)
	assert.ErrorIs(t, err, ErrRoomIDMismatch)
}

func TestDecryptGroupMessageReplayPerTimeline(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOlmEngine(t)
	roomID := id.RoomID("!room:example.org")
	senderKey := id.Curve25519("sender-key")
	sessionID := id.SessionID("sess")

	_, err := o.AddInboundGroupSession(ctx, roomID, senderKey, sessionID, fakeGroupKey(sessionID, 0), "ed", nil, false)
	require.NoError(t, err)
	ciphertext := fakeGroupCiphertext(t, sessionID, 3, "hello")

	plaintext, index, err := o.DecryptGroupMessage(ctx, ciphertext, roomID, "tl-1", sessionID, senderKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
	assert.Equal(t, uint32(3), index)

	// Same position on the same timeline is a replay.
	_, _, err = o.DecryptGroupMessage(ctx, ciphertext, roomID, "tl-1", sessionID, senderKey)
	assert.ErrorIs(t, err, ErrReplayDetected)

	// A different timeline sees the event for the first time.
	_, _, err = o.DecryptGroupMessage(ctx, ciphertext, roomID, "tl-2", sessionID, senderKey)
	assert.NoError(t, err)

	// Resetting the timeline forgets its replay state.
	o.ResetTimeline("tl-1")
	_, _, err = o.DecryptGroupMessage(ctx, ciphertext, roomID, "tl-1", sessionID, senderKey)
	assert.NoError(t, err)
}

func TestNewOutboundGroupSessionMirrorsOwnInbound(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOlmEngine(t)
	roomID := id.RoomID("!room:example.org")

	sess, err := o.NewOutboundGroupSession(ctx, roomID)
	require.NoError(t, err)

	_, identityKey := o.IdentityKeys()
	assert.True(t, o.HasInboundGroupSession(ctx, roomID, identityKey, sess.ID()))

	// Our own messages decrypt through the mirrored session.
	ciphertext, err := sess.Encrypt([]byte("self"))
	require.NoError(t, err)
	plaintext, _, err := o.DecryptGroupMessage(ctx, ciphertext, roomID, "tl", sess.ID(), identityKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("self"), plaintext)
}

func TestEncryptOlmPrefersAnsweredSession(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOlmEngine(t)
	bobIdentity := id.Curve25519("bob-curve")

	confirmed, err := o.CreateOutboundSession(ctx, bobIdentity, "otk-1")
	require.NoError(t, err)

	// Bob answers on the first session, confirming he holds it.
	reply, err := json.Marshal(&fakeOlmMessage{
		SessionID: confirmed,
		Secret:    "bob-curve/otk-1",
		Plain:     []byte("ack"),
	})
	require.NoError(t, err)
	_, err = o.DecryptOlm(ctx, bobIdentity, id.OlmMsgTypeMsg, string(reply))
	require.NoError(t, err)

	// A second, newer session Bob has never spoken on.
	unanswered, err := o.CreateOutboundSession(ctx, bobIdentity, "otk-2")
	require.NoError(t, err)
	require.NotEqual(t, confirmed, unanswered)

	msgType, ciphertext, err := o.EncryptOlm(ctx, bobIdentity, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, id.OlmMsgTypeMsg, msgType)

	var msg fakeOlmMessage
	require.NoError(t, json.Unmarshal(ciphertext, &msg))
	assert.Equal(t, confirmed, msg.SessionID)
}

func TestOlmSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	lib := &fakeLibrary{}

	alice := newOlmEngine("@alice:example.org", "ALICEDEV", lib, store, testLogger(), []byte("pickle"))
	_, err := alice.load(ctx)
	require.NoError(t, err)

	bobStore := NewMemoryStore()
	bob := newOlmEngine("@bob:example.org", "BOBDEV", lib, bobStore, testLogger(), []byte("pickle"))
	_, err = bob.load(ctx)
	require.NoError(t, err)

	otks, err := bob.GenerateOneTimeKeys(ctx, 1)
	require.NoError(t, err)
	require.Len(t, otks, 1)
	var bobOTK id.Curve25519
	for _, key := range otks {
		bobOTK = key
	}

	_, bobIdentity := bob.IdentityKeys()
	_, err = alice.CreateOutboundSession(ctx, bobIdentity, bobOTK)
	require.NoError(t, err)
	require.True(t, alice.HasOlmSession(ctx, bobIdentity))

	msgType, ciphertext, err := alice.EncryptOlm(ctx, bobIdentity, []byte("pre-key hello"))
	require.NoError(t, err)
	assert.Equal(t, id.OlmMsgTypePreKey, msgType)

	_, aliceIdentity := alice.IdentityKeys()
	plaintext, err := bob.DecryptOlm(ctx, aliceIdentity, msgType, string(ciphertext))
	require.NoError(t, err)
	assert.Equal(t, []byte("pre-key hello"), plaintext)

	// The established session carries the reply back.
	msgType, reply, err := bob.EncryptOlm(ctx, aliceIdentity, []byte("reply"))
	require.NoError(t, err)
	assert.Equal(t, id.OlmMsgTypeMsg, msgType)
	plaintext, err = alice.DecryptOlm(ctx, bobIdentity, msgType, string(reply))
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), plaintext)
}
