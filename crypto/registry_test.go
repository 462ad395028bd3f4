package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func newTestRegistry(t *testing.T) (*RoomCipherRegistry, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	olm := newOlmEngine("@alice:example.org", "ALICEDEV", &fakeLibrary{}, store, testLogger(), []byte("pickle"))
	_, err := olm.load(context.Background())
	require.NoError(t, err)
	exec := NewExecutor()
	t.Cleanup(exec.Close)
	devices := newDeviceListManager("@alice:example.org", "ALICEDEV", store, &fakeTransport{}, olm, exec, testLogger())
	r := newRoomCipherRegistry(store, olm, devices, exec, testLogger())
	r.newMegolmEncryptor = func(roomID id.RoomID, cfg *RoomEncryptionConfig) Encryptor {
		return &megolmEncryptor{roomID: roomID, cfg: cfg}
	}
	r.newOlmEncryptor = func(roomID id.RoomID) Encryptor {
		return &olmEncryptor{roomID: roomID}
	}
	return r, store
}

func TestConfigureRoomAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t)

	ok := r.ConfigureRoom(ctx, "!room:example.org", &RoomEncryptionConfig{
		Algorithm: id.AlgorithmMegolmV1,
	}, nil, true)
	require.True(t, ok)

	cfg, err := store.GetRoomEncryption(ctx, "!room:example.org")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, defaultRotationPeriod, cfg.RotationPeriod)
	assert.Equal(t, defaultRotationMessages, cfg.RotationPeriodMessages)
}

func TestConfigureRoomRejectsAlgorithmChange(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t)

	require.True(t, r.ConfigureRoom(ctx, "!room:example.org", &RoomEncryptionConfig{
		Algorithm: id.AlgorithmMegolmV1,
	}, nil, true))

	// A later state event cannot downgrade the algorithm.
	ok := r.ConfigureRoom(ctx, "!room:example.org", &RoomEncryptionConfig{
		Algorithm: id.AlgorithmOlmV1,
	}, nil, true)
	assert.False(t, ok)

	cfg, _ := store.GetRoomEncryption(ctx, "!room:example.org")
	require.NotNil(t, cfg)
	assert.Equal(t, id.AlgorithmMegolmV1, cfg.Algorithm)
}

func TestConfigureRoomIgnoresUnsupportedAlgorithm(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t)

	ok := r.ConfigureRoom(ctx, "!room:example.org", &RoomEncryptionConfig{
		Algorithm: "m.quantum.v9",
	}, nil, true)
	assert.False(t, ok)

	cfg, _ := store.GetRoomEncryption(ctx, "!room:example.org")
	assert.Nil(t, cfg)
}

func TestEncryptorForUnconfiguredRoom(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	_, err := r.EncryptorFor(ctx, "!room:example.org")
	assert.ErrorIs(t, err, ErrNotEncrypted)
}

func TestEncryptorForIsCachedPerRoom(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	require.True(t, r.ConfigureRoom(ctx, "!room:example.org", &RoomEncryptionConfig{
		Algorithm: id.AlgorithmMegolmV1,
	}, nil, true))

	first, err := r.EncryptorFor(ctx, "!room:example.org")
	require.NoError(t, err)
	second, err := r.EncryptorFor(ctx, "!room:example.org")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestDecryptorForUnknownAlgorithmIsNil(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.NotNil(t, r.DecryptorFor("!room:example.org", id.AlgorithmMegolmV1))
	assert.NotNil(t, r.DecryptorFor("!room:example.org", id.AlgorithmOlmV1))
	assert.Nil(t, r.DecryptorFor("!room:example.org", "m.quantum.v9"))
}
