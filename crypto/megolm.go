package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/loom-chat/loom/crypto/primitive"
)

// megolmPlaintext is the cleartext carried inside a Megolm ciphertext. The
// embedded room ID pins the message to the room it was encrypted for.
type megolmPlaintext struct {
	Type    event.Type      `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  id.RoomID       `json:"room_id"`
}

// megolmEncryptor owns one room's outbound group session: its rotation,
// the record of which devices it was shared with, and the encryption of
// room events on it. The outbound session is deliberately not persisted;
// a restart rotates it, which only affects forward-secrecy granularity.
type megolmEncryptor struct {
	roomID id.RoomID
	cfg    *RoomEncryptionConfig

	olm     *OlmEngine
	devices *DeviceListManager
	sender  *olmSender
	exec    *Executor
	logger  *slog.Logger

	// unverifiedBlocked reports whether the room refuses to share keys
	// with unverified devices.
	unverifiedBlocked func(roomID id.RoomID) bool

	outbound   primitive.OutboundGroupSession
	createdAt  time.Time
	sharedWith map[id.Curve25519]struct{}
}

var _ Encryptor = (*megolmEncryptor)(nil)

// Encrypt distributes the room's current session to any recipient device
// that lacks it, then encrypts the event content on the session. A room
// whose session cannot be rotated fails the whole encryption; a single
// undeliverable device does not.
func (m *megolmEncryptor) Encrypt(ctx context.Context, roomID id.RoomID, eventType event.Type, content any, members []id.UserID) (*event.EncryptedEventContent, error) {
	deviceMap, err := m.devices.DownloadKeys(ctx, members, false)
	if err != nil {
		return nil, err
	}

	var toShare []*DeviceIdentity
	err = m.exec.Do(ctx, func() error {
		if err := m.ensureOutboundLocked(ctx); err != nil {
			return err
		}
		toShare = m.unsharedDevicesLocked(deviceMap)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(toShare) > 0 {
		if err := m.shareSession(ctx, toShare); err != nil {
			return nil, err
		}
	}

	var encrypted *event.EncryptedEventContent
	err = m.exec.Do(ctx, func() error {
		rawContent, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("marshal event content: %w", err)
		}
		plaintext, err := json.Marshal(&megolmPlaintext{
			Type:    eventType,
			Content: rawContent,
			RoomID:  m.roomID,
		})
		if err != nil {
			return fmt.Errorf("marshal megolm plaintext: %w", err)
		}
		ciphertext, err := m.outbound.Encrypt(plaintext)
		if err != nil {
			return fmt.Errorf("megolm encrypt: %w", err)
		}
		_, identityKey := m.olm.IdentityKeys()
		encrypted = &event.EncryptedEventContent{
			Algorithm:        id.AlgorithmMegolmV1,
			SenderKey:        identityKey,
			DeviceID:         m.sender.ownDeviceID,
			SessionID:        m.outbound.ID(),
			MegolmCiphertext: ciphertext,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return encrypted, nil
}

// ensureOutboundLocked creates or rotates the outbound session. Must run
// on the executor.
func (m *megolmEncryptor) ensureOutboundLocked(ctx context.Context) error {
	if m.outbound != nil {
		expired := time.Since(m.createdAt) >= m.cfg.RotationPeriod
		exhausted := int(m.outbound.MessageIndex()) >= m.cfg.RotationPeriodMessages
		if !expired && !exhausted {
			return nil
		}
		m.logger.Debug("rotating outbound group session",
			"room", m.roomID,
			"expired", expired,
			"exhausted", exhausted,
		)
	}
	sess, err := m.olm.NewOutboundGroupSession(ctx, m.roomID)
	if err != nil {
		return err
	}
	m.outbound = sess
	m.createdAt = time.Now()
	m.sharedWith = make(map[id.Curve25519]struct{})
	return nil
}

// unsharedDevicesLocked picks the devices eligible to receive the current
// session that have not been sent it yet. Must run on the executor.
func (m *megolmEncryptor) unsharedDevicesLocked(deviceMap map[id.UserID]map[id.DeviceID]*DeviceIdentity) []*DeviceIdentity {
	_, ownIdentityKey := m.olm.IdentityKeys()
	blockUnverified := m.unverifiedBlocked(m.roomID)

	var out []*DeviceIdentity
	for _, devices := range deviceMap {
		for _, dev := range devices {
			if dev.IdentityKey == ownIdentityKey {
				continue
			}
			if dev.Trust == TrustBlocked {
				continue
			}
			if blockUnverified && dev.Trust != TrustVerified {
				continue
			}
			if !dev.SupportsAlgorithm(id.AlgorithmMegolmV1) {
				continue
			}
			if _, done := m.sharedWith[dev.IdentityKey]; done {
				continue
			}
			out = append(out, dev)
		}
	}
	return out
}

// shareSession delivers the current session key to the given devices over
// fresh Olm envelopes.
func (m *megolmEncryptor) shareSession(ctx context.Context, devices []*DeviceIdentity) error {
	if err := m.sender.ensureSessions(ctx, devices); err != nil {
		return err
	}

	var roomKey *event.RoomKeyEventContent
	err := m.exec.Do(ctx, func() error {
		key, err := m.outbound.SessionKey()
		if err != nil {
			return fmt.Errorf("export session key: %w", err)
		}
		roomKey = &event.RoomKeyEventContent{
			Algorithm:  id.AlgorithmMegolmV1,
			RoomID:     m.roomID,
			SessionID:  m.outbound.ID(),
			SessionKey: string(key),
		}
		return nil
	})
	if err != nil {
		return err
	}

	delivered, err := m.sender.sendEncrypted(ctx, devices, event.ToDeviceRoomKey, roomKey)
	if err != nil {
		return err
	}
	return m.exec.Do(ctx, func() error {
		for _, dev := range delivered {
			m.sharedWith[dev.IdentityKey] = struct{}{}
		}
		return nil
	})
}

// megolmDecryptor decrypts m.room.encrypted events for one room.
type megolmDecryptor struct {
	roomID id.RoomID
	olm    *OlmEngine
	logger *slog.Logger

	// requestMissingKey fires an outgoing gossip request when a session is
	// absent; the decryption still fails for the caller.
	requestMissingKey func(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID)
}

var _ Decryptor = (*megolmDecryptor)(nil)

func (m *megolmDecryptor) Algorithm() id.Algorithm { return id.AlgorithmMegolmV1 }

func (m *megolmDecryptor) Decrypt(ctx context.Context, evt *event.Event, timelineID string) (*DecryptedEvent, error) {
	content, err := parseEncryptedContent(evt)
	if err != nil {
		return nil, err
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, content.Algorithm)
	}
	if content.SessionID == "" || content.SenderKey == "" {
		return nil, fmt.Errorf("encrypted content missing session id or sender key")
	}

	plaintext, index, err := m.olm.DecryptGroupMessage(ctx, content.MegolmCiphertext, evt.RoomID, timelineID, content.SessionID, content.SenderKey)
	if err != nil {
		if errors.Is(err, ErrUnknownSession) && m.requestMissingKey != nil {
			m.requestMissingKey(ctx, evt.RoomID, content.SenderKey, content.SessionID)
		}
		return nil, err
	}

	var payload megolmPlaintext
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("parse megolm plaintext: %w", err)
	}
	if payload.RoomID != evt.RoomID {
		return nil, fmt.Errorf("%w: payload bound to %s", ErrRoomIDMismatch, payload.RoomID)
	}

	rec, err := m.olm.store.GetGroupSession(ctx, evt.RoomID, content.SenderKey, content.SessionID)
	if err != nil {
		return nil, storeErr("get group session", err)
	}
	decrypted := &DecryptedEvent{
		Type:      payload.Type,
		Content:   payload.Content,
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
		Index:     index,
	}
	if rec != nil {
		decrypted.ClaimedEd25519 = rec.SenderClaimedKey
		decrypted.Forwarded = len(rec.ForwardingChains) > 0
	}
	return decrypted, nil
}

func parseEncryptedContent(evt *event.Event) (*event.EncryptedEventContent, error) {
	if content, ok := evt.Content.Parsed.(*event.EncryptedEventContent); ok {
		return content, nil
	}
	var content event.EncryptedEventContent
	if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil {
		return nil, fmt.Errorf("parse encrypted content: %w", err)
	}
	return &content, nil
}
