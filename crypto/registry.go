package crypto

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DecryptedEvent is the outcome of a successful room-event decryption.
type DecryptedEvent struct {
	Type      event.Type
	Content   json.RawMessage
	SenderKey id.Curve25519
	// ClaimedEd25519 is the sender's claimed signing key; it is only as
	// trustworthy as the session's provenance.
	ClaimedEd25519 id.Ed25519
	SessionID      id.SessionID
	Index          uint32
	Forwarded      bool
}

// Encryptor turns plaintext room content into m.room.encrypted content.
type Encryptor interface {
	Encrypt(ctx context.Context, roomID id.RoomID, eventType event.Type, content any, members []id.UserID) (*event.EncryptedEventContent, error)
}

// Decryptor turns m.room.encrypted events back into plaintext.
type Decryptor interface {
	Algorithm() id.Algorithm
	Decrypt(ctx context.Context, evt *event.Event, timelineID string) (*DecryptedEvent, error)
}

const (
	defaultRotationPeriod   = 7 * 24 * time.Hour
	defaultRotationMessages = 100
)

// RoomCipherRegistry maps rooms to their configured algorithm and owns one
// live encryptor/decryptor per room+algorithm pair. The supported
// algorithm set is a closed static registry; unknown identifiers are an
// unsupported-algorithm-in-the-wild event, not an error.
type RoomCipherRegistry struct {
	store   Store
	olm     *OlmEngine
	devices *DeviceListManager
	exec    *Executor
	logger  *slog.Logger

	// newMegolmEncryptor is injected by the engine so encryptors can reach
	// the transport and policy config without the registry knowing them.
	newMegolmEncryptor func(roomID id.RoomID, cfg *RoomEncryptionConfig) Encryptor
	newOlmEncryptor    func(roomID id.RoomID) Encryptor
	requestMissingKey  func(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID)

	encryptors *xsync.Map[id.RoomID, Encryptor]
	decryptors *xsync.Map[string, Decryptor]
}

func newRoomCipherRegistry(store Store, olm *OlmEngine, devices *DeviceListManager, exec *Executor, logger *slog.Logger) *RoomCipherRegistry {
	return &RoomCipherRegistry{
		store:      store,
		olm:        olm,
		devices:    devices,
		exec:       exec,
		logger:     logger,
		encryptors: xsync.NewMap[id.RoomID, Encryptor](),
		decryptors: xsync.NewMap[string, Decryptor](),
	}
}

func supportedAlgorithm(alg id.Algorithm) bool {
	return alg == id.AlgorithmMegolmV1 || alg == id.AlgorithmOlmV1
}

// ConfigureRoom records a room's encryption settings. An attempt to change
// an already-set algorithm is rejected: encryption is append-only per room
// so a malicious state event cannot downgrade it. Returns whether the
// configuration is in effect.
func (r *RoomCipherRegistry) ConfigureRoom(ctx context.Context, roomID id.RoomID, cfg *RoomEncryptionConfig, members []id.UserID, suppressDeviceQuery bool) bool {
	if !supportedAlgorithm(cfg.Algorithm) {
		r.logger.Warn("ignoring room with unsupported algorithm",
			"room", roomID,
			"algorithm", cfg.Algorithm,
		)
		return false
	}
	if cfg.RotationPeriod <= 0 {
		cfg.RotationPeriod = defaultRotationPeriod
	}
	if cfg.RotationPeriodMessages <= 0 {
		cfg.RotationPeriodMessages = defaultRotationMessages
	}

	first := false
	err := r.exec.Do(ctx, func() error {
		existing, err := r.store.GetRoomEncryption(ctx, roomID)
		if err != nil {
			return storeErr("get room encryption", err)
		}
		if existing != nil && existing.Algorithm != cfg.Algorithm {
			r.logger.Warn("rejecting encryption algorithm change",
				"room", roomID,
				"configured", existing.Algorithm,
				"requested", cfg.Algorithm,
			)
			cfg = nil
			return nil
		}
		first = existing == nil
		return r.store.PutRoomEncryption(ctx, roomID, cfg)
	})
	if err != nil {
		r.logger.Error("failed to configure room encryption",
			"room", roomID,
			"err", err,
		)
		return false
	}
	if cfg == nil {
		return false
	}

	if first && len(members) > 0 {
		if err := r.devices.StartTracking(ctx, members); err != nil {
			r.logger.Error("failed to start tracking room members",
				"room", roomID,
				"err", err,
			)
		}
		if !suppressDeviceQuery {
			go func() {
				if _, err := r.devices.DownloadKeys(context.Background(), members, false); err != nil {
					r.logger.Warn("initial member key download failed",
						"room", roomID,
						"err", err,
					)
				}
			}()
		}
	}
	return true
}

// EncryptorFor returns the room's encryptor, building it on first use.
func (r *RoomCipherRegistry) EncryptorFor(ctx context.Context, roomID id.RoomID) (Encryptor, error) {
	if enc, ok := r.encryptors.Load(roomID); ok {
		return enc, nil
	}
	cfg, err := r.store.GetRoomEncryption(ctx, roomID)
	if err != nil {
		return nil, storeErr("get room encryption", err)
	}
	if cfg == nil {
		return nil, ErrNotEncrypted
	}

	var enc Encryptor
	switch cfg.Algorithm {
	case id.AlgorithmMegolmV1:
		enc = r.newMegolmEncryptor(roomID, cfg)
	case id.AlgorithmOlmV1:
		enc = r.newOlmEncryptor(roomID)
	default:
		return nil, ErrUnsupportedAlgorithm
	}
	actual, _ := r.encryptors.LoadOrStore(roomID, enc)
	return actual, nil
}

// DecryptorFor returns a decryptor for the algorithm, or nil when the
// algorithm is not in the static registry.
func (r *RoomCipherRegistry) DecryptorFor(roomID id.RoomID, alg id.Algorithm) Decryptor {
	key := string(roomID) + "|" + string(alg)
	if dec, ok := r.decryptors.Load(key); ok {
		return dec
	}

	var dec Decryptor
	switch alg {
	case id.AlgorithmMegolmV1:
		dec = &megolmDecryptor{
			roomID:            roomID,
			olm:               r.olm,
			logger:            r.logger,
			requestMissingKey: r.requestMissingKey,
		}
	case id.AlgorithmOlmV1:
		dec = &olmDecryptor{olm: r.olm, logger: r.logger}
	default:
		return nil
	}
	actual, _ := r.decryptors.LoadOrStore(key, dec)
	return actual
}
