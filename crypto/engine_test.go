package crypto

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func newTestEngine(t *testing.T, transport *fakeTransport, members []id.UserID) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		UserID:    "@alice:example.org",
		DeviceID:  "ALICEDEV",
		PickleKey: []byte("pickle"),
		Store:     NewMemoryStore(),
		Transport: transport,
		Library:   &fakeLibrary{},
		Logger:    testLogger(),
		ResolveMembers: func(context.Context, id.RoomID) ([]id.UserID, error) {
			return members, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngineStartUploadsIdentityAndOneTimeKeys(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	e := newTestEngine(t, transport, nil)

	require.NoError(t, e.Start(ctx, true))
	// Idempotent.
	require.NoError(t, e.Start(ctx, true))

	transport.mu.Lock()
	uploads := transport.uploads
	transport.mu.Unlock()
	require.Len(t, uploads, 2)

	keys := uploads[0].DeviceKeys
	require.NotNil(t, keys)
	assert.Equal(t, id.UserID("@alice:example.org"), keys.UserID)
	assert.NotEmpty(t, keys.Keys[id.NewDeviceKeyID(id.KeyAlgorithmEd25519, "ALICEDEV")])
	assert.NotEmpty(t, keys.Keys[id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, "ALICEDEV")])
	assert.Contains(t, keys.Signatures, id.UserID("@alice:example.org"))

	// The pool is topped up to half the account maximum.
	assert.Len(t, uploads[1].OneTimeKeys, 50)

	_, _, err := e.IdentityKeys()
	assert.NoError(t, err)
}

func TestEngineIdentityKeysBeforeStart(t *testing.T) {
	e := newTestEngine(t, &fakeTransport{}, nil)
	_, _, err := e.IdentityKeys()
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestEngineReplenishesOnLowServerCount(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	e := newTestEngine(t, transport, nil)
	require.NoError(t, e.Start(ctx, true))

	e.OnSyncCompleted(ctx, nil, nil, 10)

	transport.mu.Lock()
	uploads := transport.uploads
	transport.mu.Unlock()
	require.Len(t, uploads, 3)
	assert.Len(t, uploads[2].OneTimeKeys, 40)

	// A healthy pool does not trigger an upload.
	e.OnSyncCompleted(ctx, nil, nil, 50)
	transport.mu.Lock()
	count := len(transport.uploads)
	transport.mu.Unlock()
	assert.Equal(t, 3, count)
}

func TestEngineEncryptDecryptOwnRoomMessage(t *testing.T) {
	ctx := context.Background()
	alice := id.UserID("@alice:example.org")
	roomID := id.RoomID("!room:example.org")
	transport := &fakeTransport{}
	e := newTestEngine(t, transport, []id.UserID{alice})
	require.NoError(t, e.Start(ctx, true))

	signingKey, identityKey, err := e.IdentityKeys()
	require.NoError(t, err)
	transport.mu.Lock()
	transport.queryResp = queryRespFor(alice, queryDeviceKeys(alice, "ALICEDEV", signingKey, identityKey))
	transport.mu.Unlock()

	e.OnRoomStateEvent(ctx, &event.Event{
		Type:   event.StateEncryption,
		RoomID: roomID,
		Content: event.Content{Parsed: &event.EncryptionEventContent{
			Algorithm: id.AlgorithmMegolmV1,
		}},
	})

	encrypted, err := e.Encrypt(ctx, roomID, event.EventMessage, map[string]any{
		"msgtype": "m.text",
		"body":    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, id.AlgorithmMegolmV1, encrypted.Algorithm)
	assert.Equal(t, identityKey, encrypted.SenderKey)

	decrypted, err := e.Decrypt(ctx, &event.Event{
		Type:    event.EventEncrypted,
		RoomID:  roomID,
		Sender:  alice,
		Content: event.Content{Parsed: encrypted},
	}, "tl-1")
	require.NoError(t, err)
	assert.Equal(t, event.EventMessage, decrypted.Type)

	var body map[string]any
	require.NoError(t, json.Unmarshal(decrypted.Content, &body))
	assert.Equal(t, "hello", body["body"])

	// The same ciphertext on the same timeline is refused.
	_, err = e.Decrypt(ctx, &event.Event{
		Type:    event.EventEncrypted,
		RoomID:  roomID,
		Sender:  alice,
		Content: event.Content{Parsed: encrypted},
	}, "tl-1")
	assert.ErrorIs(t, err, ErrReplayDetected)
}

func TestEngineEncryptUnencryptedRoom(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &fakeTransport{}, []id.UserID{"@alice:example.org"})
	require.NoError(t, e.Start(ctx, true))

	_, err := e.Encrypt(ctx, "!plain:example.org", event.EventMessage, map[string]any{"body": "hi"})
	assert.ErrorIs(t, err, ErrNotEncrypted)
}

func TestEngineDecryptUnsupportedAlgorithm(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &fakeTransport{}, nil)
	require.NoError(t, e.Start(ctx, true))

	_, err := e.Decrypt(ctx, &event.Event{
		Type:   event.EventEncrypted,
		RoomID: "!room:example.org",
		Content: event.Content{VeryRaw: json.RawMessage(
			`{"algorithm":"m.quantum.v9","ciphertext":"xxx"}`,
		)},
	}, "tl-1")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

// TestEngineIngestsRoomKey drives a full m.room_key delivery: a peer
// establishes an Olm session to us with a pre-key message carrying a
// group session, and the engine files the session and settles the
// matching outgoing request.
func TestEngineIngestsRoomKey(t *testing.T) {
	ctx := context.Background()
	roomID := id.RoomID("!room:example.org")
	transport := &fakeTransport{}
	e := newTestEngine(t, transport, nil)
	require.NoError(t, e.Start(ctx, true))

	aliceSigning, aliceIdentity, err := e.IdentityKeys()
	require.NoError(t, err)

	// A pending request for exactly this session.
	body := event.RequestedKeyInfo{
		Algorithm: id.AlgorithmMegolmV1,
		RoomID:    roomID,
		SenderKey: "bob-curve",
		SessionID: "bob-group-1",
	}
	require.NoError(t, e.outgoing.RequestRoomKey(ctx, body, []KeyRequestRecipient{
		{UserID: "@alice:example.org", DeviceID: wildcardDevice},
	}))

	// Bob's side, built directly on the fake primitives.
	bobSession := &fakeSession{SessionID: "bob-olm-1", Secret: "shared"}
	roomKey, err := json.Marshal(&event.RoomKeyEventContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     roomID,
		SessionID:  "bob-group-1",
		SessionKey: string(fakeGroupKey("bob-group-1", 0)),
	})
	require.NoError(t, err)
	plaintext, err := json.Marshal(&olmPayload{
		Sender:        "@bob:example.org",
		SenderDevice:  "BOBDEV",
		Keys:          olmPayloadKeys{Ed25519: "bob-ed"},
		Recipient:     "@alice:example.org",
		RecipientKeys: olmPayloadKeys{Ed25519: aliceSigning},
		Type:          event.ToDeviceRoomKey,
		Content:       roomKey,
	})
	require.NoError(t, err)
	msgType, ciphertext, err := bobSession.Encrypt(plaintext)
	require.NoError(t, err)
	require.Equal(t, id.OlmMsgTypePreKey, msgType)

	e.OnToDeviceEvent(ctx, &event.Event{
		Type:   event.ToDeviceEncrypted,
		Sender: "@bob:example.org",
		Content: event.Content{Parsed: &event.EncryptedEventContent{
			Algorithm: id.AlgorithmOlmV1,
			SenderKey: "bob-curve",
			OlmCiphertext: event.OlmCiphertexts{
				aliceIdentity: {Body: string(ciphertext), Type: msgType},
			},
		}},
	})

	assert.True(t, e.olm.HasInboundGroupSession(ctx, roomID, "bob-curve", "bob-group-1"))

	// The arrival settled the outgoing request.
	req, err := e.store.FindOutgoingKeyRequest(ctx, body)
	require.NoError(t, err)
	assert.Nil(t, req)
}

// TestEngineRejectsMismatchedClaimedKey delivers a room key whose envelope
// claims an Ed25519 key different from the one pinned for the sending
// device. The payload must be dropped.
func TestEngineRejectsMismatchedClaimedKey(t *testing.T) {
	ctx := context.Background()
	roomID := id.RoomID("!room:example.org")
	transport := &fakeTransport{}
	e := newTestEngine(t, transport, nil)
	require.NoError(t, e.Start(ctx, true))

	aliceSigning, aliceIdentity, err := e.IdentityKeys()
	require.NoError(t, err)

	require.NoError(t, e.store.PutDevice(ctx, &DeviceIdentity{
		UserID:      "@bob:example.org",
		DeviceID:    "BOBDEV",
		IdentityKey: "bob-curve",
		SigningKey:  "bob-ed",
		Algorithms:  []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Trust:       TrustUnverified,
	}))

	bobSession := &fakeSession{SessionID: "bob-olm-1", Secret: "shared"}
	roomKey, err := json.Marshal(&event.RoomKeyEventContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     roomID,
		SessionID:  "bob-group-1",
		SessionKey: string(fakeGroupKey("bob-group-1", 0)),
	})
	require.NoError(t, err)
	plaintext, err := json.Marshal(&olmPayload{
		Sender:        "@bob:example.org",
		SenderDevice:  "BOBDEV",
		Keys:          olmPayloadKeys{Ed25519: "evil-ed"},
		Recipient:     "@alice:example.org",
		RecipientKeys: olmPayloadKeys{Ed25519: aliceSigning},
		Type:          event.ToDeviceRoomKey,
		Content:       roomKey,
	})
	require.NoError(t, err)
	msgType, ciphertext, err := bobSession.Encrypt(plaintext)
	require.NoError(t, err)

	e.OnToDeviceEvent(ctx, &event.Event{
		Type:   event.ToDeviceEncrypted,
		Sender: "@bob:example.org",
		Content: event.Content{Parsed: &event.EncryptedEventContent{
			Algorithm: id.AlgorithmOlmV1,
			SenderKey: "bob-curve",
			OlmCiphertext: event.OlmCiphertexts{
				aliceIdentity: {Body: string(ciphertext), Type: msgType},
			},
		}},
	})

	assert.False(t, e.olm.HasInboundGroupSession(ctx, roomID, "bob-curve", "bob-group-1"))
}

func TestEngineRoutesKeyRequests(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	e := newTestEngine(t, transport, nil)
	require.NoError(t, e.Start(ctx, true))

	e.OnToDeviceEvent(ctx, &event.Event{
		Type:   event.ToDeviceRoomKeyRequest,
		Sender: "@eve:example.org",
		Content: event.Content{Parsed: &event.RoomKeyRequestEventContent{
			Action:             event.KeyRequestActionRequest,
			Body:               testRequestBody("sess-1"),
			RequestID:          "req-1",
			RequestingDeviceID: "EVEDEV",
		}},
	})

	req, _ := e.store.GetIncomingKeyRequest(ctx, "@eve:example.org", "EVEDEV", "req-1")
	require.NotNil(t, req)
	assert.Equal(t, IncomingRejected, req.State)
}

func TestEngineBlacklistToggles(t *testing.T) {
	e := newTestEngine(t, &fakeTransport{}, nil)
	roomID := id.RoomID("!room:example.org")

	assert.False(t, e.IsBlacklistingUnverified(roomID))
	e.SetBlacklistUnverified(true)
	assert.True(t, e.IsBlacklistingUnverified(roomID))
	e.SetRoomBlacklistUnverified(roomID, false)
	assert.False(t, e.IsBlacklistingUnverified(roomID))
	assert.True(t, e.IsBlacklistingUnverified("!other:example.org"))
}
