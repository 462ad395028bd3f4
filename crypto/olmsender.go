package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// olmPayload is the cleartext envelope inside a 1:1 Olm message. The
// recipient fields bind the ciphertext to one device so a malicious server
// cannot re-route it.
type olmPayload struct {
	Sender        id.UserID       `json:"sender"`
	SenderDevice  id.DeviceID     `json:"sender_device"`
	Keys          olmPayloadKeys  `json:"keys"`
	Recipient     id.UserID       `json:"recipient"`
	RecipientKeys olmPayloadKeys  `json:"recipient_keys"`
	Type          event.Type      `json:"type"`
	Content       json.RawMessage `json:"content"`
}

type olmPayloadKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// DecryptedOlmPayload is a validated, decrypted to-device message.
type DecryptedOlmPayload struct {
	Sender         id.UserID
	SenderDevice   id.DeviceID
	SenderKey      id.Curve25519
	ClaimedEd25519 id.Ed25519
	Type           event.Type
	Content        json.RawMessage
}

// DecryptToDevice decrypts an m.room.encrypted to-device event addressed
// to this device and validates its envelope bindings.
func (o *OlmEngine) DecryptToDevice(ctx context.Context, sender id.UserID, content *event.EncryptedEventContent) (*DecryptedOlmPayload, error) {
	if content.Algorithm != id.AlgorithmOlmV1 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, content.Algorithm)
	}
	message, ok := content.OlmCiphertext[o.identityKey]
	if !ok {
		return nil, fmt.Errorf("olm message not addressed to this device")
	}

	plaintext, err := o.DecryptOlm(ctx, content.SenderKey, message.Type, message.Body)
	if err != nil {
		return nil, err
	}

	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("parse olm payload: %w", err)
	}
	if payload.Recipient != o.ownUserID {
		return nil, fmt.Errorf("olm payload addressed to %s, not us", payload.Recipient)
	}
	if payload.RecipientKeys.Ed25519 != o.signingKey {
		return nil, fmt.Errorf("olm payload bound to a different signing key")
	}
	if payload.Sender != sender {
		return nil, fmt.Errorf("olm payload sender %s does not match envelope sender %s", payload.Sender, sender)
	}

	return &DecryptedOlmPayload{
		Sender:         payload.Sender,
		SenderDevice:   payload.SenderDevice,
		SenderKey:      content.SenderKey,
		ClaimedEd25519: payload.Keys.Ed25519,
		Type:           payload.Type,
		Content:        payload.Content,
	}, nil
}

// olmSender encrypts and delivers to-device payloads over Olm sessions.
// Shared by the Megolm key distribution path and the gossip managers.
type olmSender struct {
	ownUserID   id.UserID
	ownDeviceID id.DeviceID
	olm         *OlmEngine
	transport   Transport
	exec        *Executor
	logger      *slog.Logger
}

// ensureSessions claims one-time keys for the given devices that have no
// Olm session yet and establishes outbound sessions with them. A device
// whose claim or validation fails is skipped, not fatal.
func (s *olmSender) ensureSessions(ctx context.Context, devices []*DeviceIdentity) error {
	var missing []*DeviceIdentity
	for _, dev := range devices {
		if !s.olm.HasOlmSession(ctx, dev.IdentityKey) {
			missing = append(missing, dev)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	req := &mautrix.ReqClaimKeys{
		OneTimeKeys: make(map[id.UserID]map[id.DeviceID]id.KeyAlgorithm, len(missing)),
		Timeout:     10 * 1000,
	}
	for _, dev := range missing {
		if req.OneTimeKeys[dev.UserID] == nil {
			req.OneTimeKeys[dev.UserID] = make(map[id.DeviceID]id.KeyAlgorithm)
		}
		req.OneTimeKeys[dev.UserID][dev.DeviceID] = id.KeyAlgorithmSignedCurve25519
	}

	resp, err := s.transport.ClaimKeys(ctx, req)
	if err != nil {
		return transportErr("claim one-time keys", err)
	}

	return s.exec.Do(ctx, func() error {
		for _, dev := range missing {
			claimed := resp.OneTimeKeys[dev.UserID][dev.DeviceID]
			if len(claimed) == 0 {
				s.logger.Warn("no one-time key claimed for device",
					"user", dev.UserID,
					"device", dev.DeviceID,
				)
				continue
			}
			for _, otk := range claimed {
				if err := s.olm.VerifySignatureJSON(otk, dev.UserID, dev.DeviceID.String(), dev.SigningKey); err != nil {
					s.logger.Warn("claimed one-time key has bad signature",
						"user", dev.UserID,
						"device", dev.DeviceID,
					)
					continue
				}
				if _, err := s.olm.CreateOutboundSession(ctx, dev.IdentityKey, otk.Key); err != nil {
					s.logger.Warn("failed to create olm session",
						"user", dev.UserID,
						"device", dev.DeviceID,
						"err", err,
					)
				}
				break
			}
		}
		return nil
	})
}

// encryptPayload wraps content in the Olm envelope for one device and
// encrypts it on the device's active session. Runs on the executor.
func (s *olmSender) encryptPayload(ctx context.Context, dev *DeviceIdentity, eventType event.Type, content any) (*event.EncryptedEventContent, error) {
	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal to-device content: %w", err)
	}
	ownSigningKey, ownIdentityKey := s.olm.IdentityKeys()
	payload := olmPayload{
		Sender:        s.ownUserID,
		SenderDevice:  s.ownDeviceID,
		Keys:          olmPayloadKeys{Ed25519: ownSigningKey},
		Recipient:     dev.UserID,
		RecipientKeys: olmPayloadKeys{Ed25519: dev.SigningKey},
		Type:          eventType,
		Content:       rawContent,
	}
	plaintext, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("marshal olm payload: %w", err)
	}

	var encrypted *event.EncryptedEventContent
	err = s.exec.Do(ctx, func() error {
		msgType, ciphertext, err := s.olm.EncryptOlm(ctx, dev.IdentityKey, plaintext)
		if err != nil {
			return err
		}
		encrypted = &event.EncryptedEventContent{
			Algorithm: id.AlgorithmOlmV1,
			SenderKey: ownIdentityKey,
			OlmCiphertext: event.OlmCiphertexts{
				dev.IdentityKey: {
					Body: string(ciphertext),
					Type: msgType,
				},
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return encrypted, nil
}

// sendEncrypted olm-encrypts content for each device and delivers the
// batch in one to-device request. Devices that fail to encrypt are
// skipped; the rest still go out.
func (s *olmSender) sendEncrypted(ctx context.Context, devices []*DeviceIdentity, eventType event.Type, content any) ([]*DeviceIdentity, error) {
	req := &mautrix.ReqSendToDevice{
		Messages: make(map[id.UserID]map[id.DeviceID]*event.Content),
	}
	var mu sync.Mutex
	var delivered []*DeviceIdentity
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, dev := range devices {
		g.Go(func() error {
			encrypted, err := s.encryptPayload(gctx, dev, eventType, content)
			if err != nil {
				s.logger.Warn("failed to encrypt to-device payload",
					"user", dev.UserID,
					"device", dev.DeviceID,
					"err", err,
				)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if req.Messages[dev.UserID] == nil {
				req.Messages[dev.UserID] = make(map[id.DeviceID]*event.Content)
			}
			req.Messages[dev.UserID][dev.DeviceID] = &event.Content{Parsed: encrypted}
			delivered = append(delivered, dev)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(delivered) == 0 {
		return nil, nil
	}
	if _, err := s.transport.SendToDevice(ctx, event.ToDeviceEncrypted, req); err != nil {
		return nil, transportErr("send to-device", err)
	}
	return delivered, nil
}
