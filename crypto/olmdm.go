package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// olmEncryptor implements the per-device Olm direct-message algorithm:
// every recipient device gets its own ciphertext in the event content.
// Only suitable for small rooms; Megolm is the room-scale path.
type olmEncryptor struct {
	roomID  id.RoomID
	olm     *OlmEngine
	devices *DeviceListManager
	sender  *olmSender
	logger  *slog.Logger
}

var _ Encryptor = (*olmEncryptor)(nil)

func (o *olmEncryptor) Encrypt(ctx context.Context, roomID id.RoomID, eventType event.Type, content any, members []id.UserID) (*event.EncryptedEventContent, error) {
	deviceMap, err := o.devices.DownloadKeys(ctx, members, false)
	if err != nil {
		return nil, err
	}

	_, ownIdentityKey := o.olm.IdentityKeys()
	var recipients []*DeviceIdentity
	for _, devices := range deviceMap {
		for _, dev := range devices {
			if dev.IdentityKey == ownIdentityKey || dev.Trust == TrustBlocked {
				continue
			}
			if !dev.SupportsAlgorithm(id.AlgorithmOlmV1) {
				continue
			}
			recipients = append(recipients, dev)
		}
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no olm-capable recipient devices", ErrUnknownDevice)
	}
	if err := o.sender.ensureSessions(ctx, recipients); err != nil {
		return nil, err
	}

	payload := struct {
		Type    event.Type `json:"type"`
		Content any        `json:"content"`
		RoomID  id.RoomID  `json:"room_id"`
	}{eventType, content, o.roomID}

	merged := &event.EncryptedEventContent{
		Algorithm:     id.AlgorithmOlmV1,
		SenderKey:     ownIdentityKey,
		OlmCiphertext: event.OlmCiphertexts{},
	}
	for _, dev := range recipients {
		encrypted, err := o.sender.encryptPayload(ctx, dev, eventType, payload)
		if err != nil {
			o.logger.Warn("failed to encrypt for device",
				"room", o.roomID,
				"user", dev.UserID,
				"device", dev.DeviceID,
				"err", err,
			)
			continue
		}
		for key, ct := range encrypted.OlmCiphertext {
			merged.OlmCiphertext[key] = ct
		}
	}
	if len(merged.OlmCiphertext) == 0 {
		return nil, fmt.Errorf("encryption failed for every recipient device")
	}
	return merged, nil
}

// olmDecryptor decrypts per-device Olm room events.
type olmDecryptor struct {
	olm    *OlmEngine
	logger *slog.Logger
}

var _ Decryptor = (*olmDecryptor)(nil)

func (o *olmDecryptor) Algorithm() id.Algorithm { return id.AlgorithmOlmV1 }

func (o *olmDecryptor) Decrypt(ctx context.Context, evt *event.Event, timelineID string) (*DecryptedEvent, error) {
	content, err := parseEncryptedContent(evt)
	if err != nil {
		return nil, err
	}
	payload, err := o.olm.DecryptToDevice(ctx, evt.Sender, content)
	if err != nil {
		return nil, err
	}

	var inner struct {
		Type    event.Type      `json:"type"`
		Content json.RawMessage `json:"content"`
		RoomID  id.RoomID       `json:"room_id"`
	}
	if err := json.Unmarshal(payload.Content, &inner); err != nil {
		return nil, fmt.Errorf("parse olm room payload: %w", err)
	}
	if inner.RoomID != "" && inner.RoomID != evt.RoomID {
		return nil, fmt.Errorf("%w: payload bound to %s", ErrRoomIDMismatch, inner.RoomID)
	}
	return &DecryptedEvent{
		Type:           inner.Type,
		Content:        inner.Content,
		SenderKey:      payload.SenderKey,
		ClaimedEd25519: payload.ClaimedEd25519,
	}, nil
}
