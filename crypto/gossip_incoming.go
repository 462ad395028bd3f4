package crypto

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// secretShareWindow bounds how long after verification a device may still
// obtain secrets automatically; a device compromised after verification
// should not be able to silently drain secrets forever.
const secretShareWindow = 5 * time.Minute

// RoomKeyShare is a deferred incoming room-key request handed to the
// application. Exactly one of Share or Ignore should eventually be called.
type RoomKeyShare struct {
	Request *IncomingKeyRequest
	Device  *DeviceIdentity
	Share   func(ctx context.Context) error
	Ignore  func(ctx context.Context) error
}

// SecretShare is the secret-request counterpart of RoomKeyShare.
type SecretShare struct {
	Request *IncomingSecretRequest
	Device  *DeviceIdentity
	Share   func(ctx context.Context) error
	Ignore  func(ctx context.Context) error
}

// GossipPolicy decides what happens to requests from devices that are
// neither verified nor blocked.
type GossipPolicy int

const (
	// GossipAsk defers undecided requests to the application listener.
	GossipAsk GossipPolicy = iota
	// GossipDiscardUntrusted silently rejects them.
	GossipDiscardUntrusted
)

// IncomingGossipManager resolves incoming m.room_key_request and
// m.secret.request messages: automatic accept/reject by device trust, a
// policy gate for unknown devices, and listener deferral for the rest.
type IncomingGossipManager struct {
	ownUserID   id.UserID
	ownDeviceID id.DeviceID

	store    Store
	olm      *OlmEngine
	registry *RoomCipherRegistry
	sender   *olmSender
	exec     *Executor
	logger   *slog.Logger

	policy     func(roomID id.RoomID) GossipPolicy
	onRoomKey  func(*RoomKeyShare)
	onSecret   func(*SecretShare)
	recentSeen *lru.Cache[string, struct{}]
}

func newIncomingGossipManager(ownUserID id.UserID, ownDeviceID id.DeviceID, store Store, olm *OlmEngine, registry *RoomCipherRegistry, sender *olmSender, exec *Executor, logger *slog.Logger, policy func(id.RoomID) GossipPolicy) *IncomingGossipManager {
	seen, _ := lru.New[string, struct{}](512)
	return &IncomingGossipManager{
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
		store:       store,
		olm:         olm,
		registry:    registry,
		sender:      sender,
		exec:        exec,
		logger:      logger,
		policy:      policy,
		recentSeen:  seen,
	}
}

func (g *IncomingGossipManager) SetListeners(onRoomKey func(*RoomKeyShare), onSecret func(*SecretShare)) {
	g.onRoomKey = onRoomKey
	g.onSecret = onSecret
}

// HandleRoomKeyRequest processes one m.room_key_request to-device event.
func (g *IncomingGossipManager) HandleRoomKeyRequest(ctx context.Context, sender id.UserID, content *event.RoomKeyRequestEventContent) {
	dedupeKey := fmt.Sprintf("key|%s|%s|%s|%s", sender, content.RequestingDeviceID, content.RequestID, content.Action)
	if found, _ := g.recentSeen.ContainsOrAdd(dedupeKey, struct{}{}); found {
		return
	}

	switch content.Action {
	case event.KeyRequestActionRequest:
		g.handleKeyRequest(ctx, sender, content)
	case event.KeyRequestActionCancel:
		g.handleKeyCancellation(ctx, sender, content)
	}
}

func (g *IncomingGossipManager) handleKeyRequest(ctx context.Context, sender id.UserID, content *event.RoomKeyRequestEventContent) {
	log := g.logger.With(
		"user", sender,
		"device", content.RequestingDeviceID,
		"request_id", content.RequestID,
	)

	req := &IncomingKeyRequest{
		UserID:    sender,
		DeviceID:  content.RequestingDeviceID,
		RequestID: content.RequestID,
		Body:      content.Body,
		State:     IncomingPending,
	}

	var device *DeviceIdentity
	var deferToListener bool
	err := g.exec.Do(ctx, func() error {
		// Room keys are only ever shared with our own other devices.
		if sender != g.ownUserID {
			log.Debug("rejecting key request from foreign user")
			return g.reject(ctx, req)
		}
		if content.RequestingDeviceID == g.ownDeviceID {
			// Remote echo of our own request; recorded, never answered.
			log.Debug("rejecting echo of our own key request")
			return g.reject(ctx, req)
		}
		if dec := g.registry.DecryptorFor(content.Body.RoomID, content.Body.Algorithm); dec == nil {
			log.Debug("rejecting key request for unsupported algorithm",
				"algorithm", content.Body.Algorithm,
			)
			return g.reject(ctx, req)
		}
		if !g.olm.HasInboundGroupSession(ctx, content.Body.RoomID, content.Body.SenderKey, content.Body.SessionID) {
			log.Debug("rejecting key request for session we do not hold",
				"session_id", content.Body.SessionID,
			)
			return g.reject(ctx, req)
		}

		var err error
		device, err = g.store.GetDevice(ctx, sender, content.RequestingDeviceID)
		if err != nil {
			return storeErr("get device", err)
		}
		if device != nil && device.Trust == TrustBlocked {
			log.Debug("rejecting key request from blocked device")
			return g.reject(ctx, req)
		}
		if device != nil && device.Trust == TrustVerified {
			return g.accept(ctx, req)
		}
		if g.policy(content.Body.RoomID) == GossipDiscardUntrusted {
			log.Debug("rejecting key request from untrusted device by policy")
			return g.reject(ctx, req)
		}

		if err := g.store.PutIncomingKeyRequest(ctx, req); err != nil {
			return storeErr("put incoming request", err)
		}
		deferToListener = true
		return nil
	})
	if err != nil {
		log.Error("failed to process key request", "err", err)
		return
	}

	if req.State == IncomingAccepted {
		if err := g.forwardRoomKey(ctx, req, device); err != nil {
			log.Warn("failed to forward room key", "err", err)
		}
		return
	}
	if deferToListener {
		g.dispatchRoomKeyShare(req, device)
	}
}

func (g *IncomingGossipManager) dispatchRoomKeyShare(req *IncomingKeyRequest, device *DeviceIdentity) {
	if g.onRoomKey == nil {
		return
	}
	g.onRoomKey(&RoomKeyShare{
		Request: req,
		Device:  device,
		Share: func(ctx context.Context) error {
			err := g.exec.Do(ctx, func() error {
				cur, err := g.store.GetIncomingKeyRequest(ctx, req.UserID, req.DeviceID, req.RequestID)
				if err != nil {
					return storeErr("get incoming request", err)
				}
				if cur == nil || cur.State != IncomingPending {
					return nil
				}
				return g.accept(ctx, cur)
			})
			if err != nil {
				return err
			}
			dev := device
			if dev == nil {
				dev, _ = g.store.GetDevice(ctx, req.UserID, req.DeviceID)
			}
			return g.forwardRoomKey(ctx, req, dev)
		},
		Ignore: func(ctx context.Context) error {
			return g.exec.Do(ctx, func() error {
				cur, err := g.store.GetIncomingKeyRequest(ctx, req.UserID, req.DeviceID, req.RequestID)
				if err != nil {
					return storeErr("get incoming request", err)
				}
				if cur == nil || cur.State != IncomingPending {
					return nil
				}
				return g.reject(ctx, cur)
			})
		},
	})
}

func (g *IncomingGossipManager) accept(ctx context.Context, req *IncomingKeyRequest) error {
	req.State = IncomingAccepted
	if err := g.store.PutIncomingKeyRequest(ctx, req); err != nil {
		return storeErr("put incoming request", err)
	}
	return nil
}

func (g *IncomingGossipManager) reject(ctx context.Context, req *IncomingKeyRequest) error {
	req.State = IncomingRejected
	if err := g.store.PutIncomingKeyRequest(ctx, req); err != nil {
		return storeErr("put incoming request", err)
	}
	return nil
}

// handleKeyCancellation withdraws a pending request. An already-accepted
// request stays accepted: a shared key cannot be un-shared.
func (g *IncomingGossipManager) handleKeyCancellation(ctx context.Context, sender id.UserID, content *event.RoomKeyRequestEventContent) {
	err := g.exec.Do(ctx, func() error {
		req, err := g.store.GetIncomingKeyRequest(ctx, sender, content.RequestingDeviceID, content.RequestID)
		if err != nil {
			return storeErr("get incoming request", err)
		}
		if req == nil || req.State != IncomingPending {
			return nil
		}
		return g.reject(ctx, req)
	})
	if err != nil {
		g.logger.Error("failed to process key request cancellation",
			"user", sender,
			"request_id", content.RequestID,
			"err", err,
		)
	}
}

// forwardRoomKey exports the requested session at its first known index
// and delivers it to the requesting device over Olm.
func (g *IncomingGossipManager) forwardRoomKey(ctx context.Context, req *IncomingKeyRequest, device *DeviceIdentity) error {
	if device == nil {
		return fmt.Errorf("%w: %s/%s", ErrUnknownDevice, req.UserID, req.DeviceID)
	}
	rec, err := g.store.GetGroupSession(ctx, req.Body.RoomID, req.Body.SenderKey, req.Body.SessionID)
	if err != nil {
		return storeErr("get group session", err)
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, req.Body.SessionID)
	}

	var forwarded *event.ForwardedRoomKeyEventContent
	err = g.exec.Do(ctx, func() error {
		exported, err := g.olm.ExportGroupSession(ctx, rec)
		if err != nil {
			return err
		}
		forwarded = &event.ForwardedRoomKeyEventContent{
			RoomKeyEventContent: event.RoomKeyEventContent{
				Algorithm:  id.AlgorithmMegolmV1,
				RoomID:     rec.RoomID,
				SessionID:  rec.SessionID,
				SessionKey: exported.SessionKey,
			},
			SenderKey:          rec.SenderKey,
			SenderClaimedKey:   rec.SenderClaimedKey,
			ForwardingKeyChain: rec.ForwardingChains,
		}
		return nil
	})
	if err != nil {
		return err
	}

	devices := []*DeviceIdentity{device}
	if err := g.sender.ensureSessions(ctx, devices); err != nil {
		return err
	}
	_, err = g.sender.sendEncrypted(ctx, devices, event.ToDeviceForwardedRoomKey, forwarded)
	return err
}

// HandleSecretRequest processes one m.secret.request to-device event.
// Secrets are gated harder than room keys: automatic sharing requires a
// verification newer than secretShareWindow.
func (g *IncomingGossipManager) HandleSecretRequest(ctx context.Context, sender id.UserID, content *SecretRequestContent) {
	dedupeKey := fmt.Sprintf("secret|%s|%s|%s|%s", sender, content.RequestingDeviceID, content.RequestID, content.Action)
	if found, _ := g.recentSeen.ContainsOrAdd(dedupeKey, struct{}{}); found {
		return
	}

	if content.Action == SecretActionCancel {
		g.handleSecretCancellation(ctx, sender, content)
		return
	}

	log := g.logger.With(
		"user", sender,
		"device", content.RequestingDeviceID,
		"secret", content.Name,
		"request_id", content.RequestID,
	)

	req := &IncomingSecretRequest{
		UserID:    sender,
		DeviceID:  content.RequestingDeviceID,
		RequestID: content.RequestID,
		Name:      content.Name,
		State:     IncomingPending,
	}

	var device *DeviceIdentity
	var deferToListener bool
	err := g.exec.Do(ctx, func() error {
		if sender != g.ownUserID || content.RequestingDeviceID == g.ownDeviceID {
			return g.rejectSecret(ctx, req)
		}
		secret, err := g.store.GetSecret(ctx, content.Name)
		if err != nil {
			return storeErr("get secret", err)
		}
		if secret == "" {
			log.Debug("rejecting request for secret we do not hold")
			return g.rejectSecret(ctx, req)
		}

		device, err = g.store.GetDevice(ctx, sender, content.RequestingDeviceID)
		if err != nil {
			return storeErr("get device", err)
		}
		if device != nil && device.Trust == TrustBlocked {
			log.Debug("rejecting secret request from blocked device")
			return g.rejectSecret(ctx, req)
		}
		if device != nil && device.Trust == TrustVerified && time.Since(device.VerifiedAt) <= secretShareWindow {
			req.State = IncomingAccepted
			return g.putSecretReq(ctx, req)
		}
		if g.policy("") == GossipDiscardUntrusted {
			log.Debug("rejecting secret request by policy")
			return g.rejectSecret(ctx, req)
		}
		if err := g.putSecretReq(ctx, req); err != nil {
			return err
		}
		deferToListener = true
		return nil
	})
	if err != nil {
		log.Error("failed to process secret request", "err", err)
		return
	}

	if req.State == IncomingAccepted {
		if err := g.sendSecret(ctx, req, device); err != nil {
			log.Warn("failed to send secret", "err", err)
		}
		return
	}
	if deferToListener && g.onSecret != nil {
		g.onSecret(&SecretShare{
			Request: req,
			Device:  device,
			Share: func(ctx context.Context) error {
				err := g.exec.Do(ctx, func() error {
					cur, err := g.store.GetIncomingSecretRequest(ctx, req.UserID, req.DeviceID, req.RequestID)
					if err != nil {
						return storeErr("get secret request", err)
					}
					if cur == nil || cur.State != IncomingPending {
						return nil
					}
					cur.State = IncomingAccepted
					req.State = IncomingAccepted
					return g.putSecretReq(ctx, cur)
				})
				if err != nil {
					return err
				}
				dev := device
				if dev == nil {
					dev, _ = g.store.GetDevice(ctx, req.UserID, req.DeviceID)
				}
				return g.sendSecret(ctx, req, dev)
			},
			Ignore: func(ctx context.Context) error {
				return g.exec.Do(ctx, func() error {
					cur, err := g.store.GetIncomingSecretRequest(ctx, req.UserID, req.DeviceID, req.RequestID)
					if err != nil {
						return storeErr("get secret request", err)
					}
					if cur == nil || cur.State != IncomingPending {
						return nil
					}
					return g.rejectSecret(ctx, cur)
				})
			},
		})
	}
}

func (g *IncomingGossipManager) handleSecretCancellation(ctx context.Context, sender id.UserID, content *SecretRequestContent) {
	_ = g.exec.Do(ctx, func() error {
		req, err := g.store.GetIncomingSecretRequest(ctx, sender, content.RequestingDeviceID, content.RequestID)
		if err != nil {
			return storeErr("get secret request", err)
		}
		if req == nil || req.State != IncomingPending {
			return nil
		}
		return g.rejectSecret(ctx, req)
	})
}

func (g *IncomingGossipManager) putSecretReq(ctx context.Context, req *IncomingSecretRequest) error {
	if err := g.store.PutIncomingSecretRequest(ctx, req); err != nil {
		return storeErr("put secret request", err)
	}
	return nil
}

func (g *IncomingGossipManager) rejectSecret(ctx context.Context, req *IncomingSecretRequest) error {
	req.State = IncomingRejected
	return g.putSecretReq(ctx, req)
}

func (g *IncomingGossipManager) sendSecret(ctx context.Context, req *IncomingSecretRequest, device *DeviceIdentity) error {
	if device == nil {
		return fmt.Errorf("%w: %s/%s", ErrUnknownDevice, req.UserID, req.DeviceID)
	}
	secret, err := g.store.GetSecret(ctx, req.Name)
	if err != nil {
		return storeErr("get secret", err)
	}
	if secret == "" {
		return fmt.Errorf("secret %q no longer held", req.Name)
	}

	devices := []*DeviceIdentity{device}
	if err := g.sender.ensureSessions(ctx, devices); err != nil {
		return err
	}
	_, err = g.sender.sendEncrypted(ctx, devices, event.ToDeviceSecretSend, &SecretSendContent{
		RequestID: req.RequestID,
		Secret:    secret,
	})
	return err
}

// DrainPending re-dispatches requests that were deferred to the listener
// but never resolved, e.g. after a restart.
func (g *IncomingGossipManager) DrainPending(ctx context.Context) error {
	pendingKeys, err := g.store.PendingIncomingKeyRequests(ctx)
	if err != nil {
		return storeErr("list pending key requests", err)
	}
	for _, req := range pendingKeys {
		device, _ := g.store.GetDevice(ctx, req.UserID, req.DeviceID)
		g.dispatchRoomKeyShare(req, device)
	}
	return nil
}
