package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/loom-chat/loom/crypto/primitive"
)

const startRetryDelay = 5 * time.Second

// Config carries everything the engine needs to run. Store and Transport
// are required; the rest has working defaults.
type Config struct {
	UserID    id.UserID
	DeviceID  id.DeviceID
	PickleKey []byte

	Store     Store
	Transport Transport

	// Library is the low-level crypto implementation; defaults to goolm.
	Library primitive.Library
	Logger  *slog.Logger

	// ResolveMembers returns the current joined members of a room. The
	// engine deliberately does not keep its own room state.
	ResolveMembers func(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)

	// GossipPolicy decides incoming requests from devices that are neither
	// verified nor blocked. RoomGossipPolicy, when set, overrides it per
	// room.
	GossipPolicy     GossipPolicy
	RoomGossipPolicy func(roomID id.RoomID) GossipPolicy

	// BlacklistUnverifiedDevices withholds outbound session keys from
	// unverified devices in every room.
	BlacklistUnverifiedDevices bool
}

// Engine is the crypto entry point: it owns the executor, the Olm/Megolm
// machinery, device tracking and key gossiping, and routes sync output
// into them. One Engine per logged-in device.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	exec     *Executor
	store    Store
	olm      *OlmEngine
	devices  *DeviceListManager
	registry *RoomCipherRegistry
	sender   *olmSender
	outgoing *OutgoingGossipManager
	incoming *IncomingGossipManager
	members  *memberCache

	startMu sync.Mutex
	started bool

	blacklistUnverified atomic.Bool
	roomBlacklist       *xsync.Map[id.RoomID, bool]
}

// NewEngine wires the engine's components. Nothing touches the store or
// the network until Start.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.UserID == "" || cfg.DeviceID == "" {
		return nil, fmt.Errorf("crypto engine needs a user and device ID")
	}
	if cfg.Store == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("crypto engine needs a store and a transport")
	}
	if cfg.Library == nil {
		cfg.Library = primitive.Goolm{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "crypto")

	e := &Engine{
		cfg:           cfg,
		logger:        logger,
		exec:          NewExecutor(),
		store:         cfg.Store,
		roomBlacklist: xsync.NewMap[id.RoomID, bool](),
	}
	e.blacklistUnverified.Store(cfg.BlacklistUnverifiedDevices)
	e.olm = newOlmEngine(cfg.UserID, cfg.DeviceID, cfg.Library, cfg.Store, logger, cfg.PickleKey)
	e.devices = newDeviceListManager(cfg.UserID, cfg.DeviceID, cfg.Store, cfg.Transport, e.olm, e.exec, logger)
	e.sender = &olmSender{
		ownUserID:   cfg.UserID,
		ownDeviceID: cfg.DeviceID,
		olm:         e.olm,
		transport:   cfg.Transport,
		exec:        e.exec,
		logger:      logger,
	}
	e.registry = newRoomCipherRegistry(cfg.Store, e.olm, e.devices, e.exec, logger)
	e.registry.newMegolmEncryptor = func(roomID id.RoomID, roomCfg *RoomEncryptionConfig) Encryptor {
		return &megolmEncryptor{
			roomID:            roomID,
			cfg:               roomCfg,
			olm:               e.olm,
			devices:           e.devices,
			sender:            e.sender,
			exec:              e.exec,
			logger:            logger,
			unverifiedBlocked: e.IsBlacklistingUnverified,
		}
	}
	e.registry.newOlmEncryptor = func(roomID id.RoomID) Encryptor {
		return &olmEncryptor{
			roomID:  roomID,
			olm:     e.olm,
			devices: e.devices,
			sender:  e.sender,
			logger:  logger,
		}
	}
	e.registry.requestMissingKey = e.requestMissingKey

	e.outgoing = newOutgoingGossipManager(cfg.UserID, cfg.DeviceID, cfg.Store, cfg.Transport, e.exec, logger)
	policy := cfg.RoomGossipPolicy
	if policy == nil {
		policy = func(id.RoomID) GossipPolicy { return cfg.GossipPolicy }
	}
	e.incoming = newIncomingGossipManager(cfg.UserID, cfg.DeviceID, cfg.Store, e.olm, e.registry, e.sender, e.exec, logger, policy)
	if cfg.ResolveMembers != nil {
		e.members = newMemberCache(cfg.ResolveMembers)
	}
	return e, nil
}

// SetGossipListeners installs the application callbacks for deferred
// incoming key and secret requests.
func (e *Engine) SetGossipListeners(onRoomKey func(*RoomKeyShare), onSecret func(*SecretShare)) {
	e.incoming.SetListeners(onRoomKey, onSecret)
}

// Start brings the engine up: account restore or creation, device key and
// one-time key upload, and state machine recovery. coldStart invalidates
// every tracked device list instead of trusting the stored freshness.
// Transient failures are retried with a fixed delay until ctx is done.
// Start is idempotent; a second call on a started engine is a no-op.
func (e *Engine) Start(ctx context.Context, coldStart bool) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return nil
	}

	for {
		err := e.startOnce(ctx, coldStart)
		if err == nil {
			e.started = true
			e.outgoing.Kick()
			return nil
		}
		e.logger.Warn("crypto engine start failed, retrying",
			"cold_start", coldStart,
			"err", err,
		)
		select {
		case <-time.After(startRetryDelay):
		case <-ctx.Done():
			return fmt.Errorf("crypto engine start: %w", ctx.Err())
		}
	}
}

func (e *Engine) startOnce(ctx context.Context, coldStart bool) error {
	var created bool
	err := e.exec.Do(ctx, func() error {
		var err error
		created, err = e.olm.load(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if created {
		e.logger.Info("created new crypto identity",
			"user", e.cfg.UserID,
			"device", e.cfg.DeviceID,
		)
	}

	otkCount, err := e.uploadDeviceKeys(ctx)
	if err != nil {
		return err
	}
	if err := e.replenishOneTimeKeys(ctx, otkCount); err != nil {
		return err
	}

	if coldStart {
		if err := e.devices.InvalidateAll(ctx); err != nil {
			return err
		}
		return nil
	}
	if err := e.devices.CollapseInterrupted(ctx); err != nil {
		return err
	}
	return e.incoming.DrainPending(ctx)
}

func (e *Engine) ensureStarted(ctx context.Context) error {
	e.startMu.Lock()
	started := e.started
	e.startMu.Unlock()
	if started {
		return nil
	}
	return e.Start(ctx, false)
}

// uploadDeviceKeys publishes our signed identity keys. The response's
// one-time key count seeds replenishment.
func (e *Engine) uploadDeviceKeys(ctx context.Context) (int, error) {
	var deviceKeys *mautrix.DeviceKeys
	err := e.exec.Do(ctx, func() error {
		signingKey, identityKey := e.olm.IdentityKeys()
		deviceKeys = &mautrix.DeviceKeys{
			UserID:     e.cfg.UserID,
			DeviceID:   e.cfg.DeviceID,
			Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
			Keys: mautrix.KeyMap{
				id.NewDeviceKeyID(id.KeyAlgorithmEd25519, e.cfg.DeviceID):    signingKey.String(),
				id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, e.cfg.DeviceID): identityKey.String(),
			},
		}
		sig, err := e.olm.SignJSON(deviceKeys)
		if err != nil {
			return err
		}
		deviceKeys.Signatures = signatures.Signatures{
			e.cfg.UserID: {
				id.NewKeyID(id.KeyAlgorithmEd25519, e.cfg.DeviceID.String()): sig,
			},
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	resp, err := e.cfg.Transport.UploadKeys(ctx, &mautrix.ReqUploadKeys{DeviceKeys: deviceKeys})
	if err != nil {
		return 0, transportErr("upload device keys", err)
	}
	return resp.OneTimeKeyCounts.SignedCurve25519, nil
}

// replenishOneTimeKeys tops the server-side pool back up to half the
// account maximum, the headroom convention that leaves room for keys
// claimed while the upload is in flight.
func (e *Engine) replenishOneTimeKeys(ctx context.Context, serverCount int) error {
	var upload map[id.KeyID]mautrix.OneTimeKey
	err := e.exec.Do(ctx, func() error {
		target := e.olm.MaxOneTimeKeys() / 2
		if serverCount >= target {
			return nil
		}
		unpublished, err := e.olm.GenerateOneTimeKeys(ctx, target-serverCount)
		if err != nil {
			return err
		}
		upload = make(map[id.KeyID]mautrix.OneTimeKey, len(unpublished))
		for keyID, key := range unpublished {
			otk := mautrix.OneTimeKey{Key: key, IsSigned: true}
			sig, err := e.olm.SignJSON(map[string]id.Curve25519{"key": key})
			if err != nil {
				return err
			}
			otk.Signatures = signatures.Signatures{
				e.cfg.UserID: {
					id.NewKeyID(id.KeyAlgorithmEd25519, e.cfg.DeviceID.String()): sig,
				},
			}
			upload[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, keyID)] = otk
		}
		return nil
	})
	if err != nil || len(upload) == 0 {
		return err
	}

	if _, err := e.cfg.Transport.UploadKeys(ctx, &mautrix.ReqUploadKeys{OneTimeKeys: upload}); err != nil {
		return transportErr("upload one-time keys", err)
	}
	return e.exec.Do(ctx, func() error {
		return e.olm.MarkKeysAsPublished(ctx)
	})
}

// IdentityKeys returns this device's signing and identity keys. Only
// available once the engine has started.
func (e *Engine) IdentityKeys() (id.Ed25519, id.Curve25519, error) {
	e.startMu.Lock()
	started := e.started
	e.startMu.Unlock()
	if !started {
		return "", "", ErrNotStarted
	}
	signingKey, identityKey := e.olm.IdentityKeys()
	return signingKey, identityKey, nil
}

// Close stops the executor after draining queued work.
func (e *Engine) Close() error {
	e.exec.Close()
	return e.store.Close()
}

// Encrypt encrypts a room event for the room's configured algorithm,
// distributing session keys to member devices as needed. The engine is
// started on demand.
func (e *Engine) Encrypt(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (*event.EncryptedEventContent, error) {
	if err := e.ensureStarted(ctx); err != nil {
		return nil, err
	}
	members, err := e.resolveMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	enc, err := e.registry.EncryptorFor(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return enc.Encrypt(ctx, roomID, eventType, content, members)
}

// Decrypt decrypts an m.room.encrypted room event. timelineID scopes
// replay detection; pagination into a fresh timeline uses a new ID.
func (e *Engine) Decrypt(ctx context.Context, evt *event.Event, timelineID string) (*DecryptedEvent, error) {
	if err := e.ensureStarted(ctx); err != nil {
		return nil, err
	}
	content, err := parseEncryptedContent(evt)
	if err != nil {
		return nil, err
	}
	dec := e.registry.DecryptorFor(evt.RoomID, content.Algorithm)
	if dec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, content.Algorithm)
	}

	var decrypted *DecryptedEvent
	err = e.exec.Do(ctx, func() error {
		var err error
		decrypted, err = dec.Decrypt(ctx, evt, timelineID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decrypted, nil
}

// ResetTimeline drops replay-protection state for one timeline, e.g.
// after the application discards and re-fetches it.
func (e *Engine) ResetTimeline(timelineID string) {
	e.exec.Schedule(func() {
		e.olm.ResetTimeline(timelineID)
	})
}

func (e *Engine) resolveMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	if e.members == nil {
		return nil, fmt.Errorf("no member resolver configured")
	}
	members, err := e.members.Get(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("resolve members of %s: %w", roomID, err)
	}
	return members, nil
}

// requestMissingKey files an outgoing gossip request towards our own
// other devices for a session we cannot decrypt with. Fire and forget;
// the triggering decryption has already failed.
func (e *Engine) requestMissingKey(_ context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := e.outgoing.RequestRoomKey(ctx, event.RequestedKeyInfo{
			Algorithm: id.AlgorithmMegolmV1,
			RoomID:    roomID,
			SenderKey: senderKey,
			SessionID: sessionID,
		}, []KeyRequestRecipient{
			{UserID: e.cfg.UserID, DeviceID: wildcardDevice},
		})
		if err != nil {
			e.logger.Warn("failed to file room key request",
				"room", roomID,
				"session", sessionID,
				"err", err,
			)
		}
	}()
}

// OnSyncCompleted folds one sync response's crypto side channels in:
// device-list deltas and the server's one-time key count.
func (e *Engine) OnSyncCompleted(ctx context.Context, changed, left []id.UserID, otkCount int) {
	if len(changed) > 0 {
		if err := e.devices.MarkOutdated(ctx, changed); err != nil {
			e.logger.Error("failed to mark device lists outdated", "err", err)
		}
	}
	for _, userID := range left {
		if err := e.devices.StopTracking(ctx, userID); err != nil {
			e.logger.Error("failed to stop tracking user", "user", userID, "err", err)
		}
	}
	if err := e.replenishOneTimeKeys(ctx, otkCount); err != nil {
		e.logger.Error("failed to replenish one-time keys", "err", err)
	}
}

// OnToDeviceEvent routes one to-device event into the crypto machinery.
// Unknown event types are ignored.
func (e *Engine) OnToDeviceEvent(ctx context.Context, evt *event.Event) {
	if err := e.ensureStarted(ctx); err != nil {
		e.logger.Error("dropping to-device event, engine not started", "err", err)
		return
	}
	switch evt.Type {
	case event.ToDeviceEncrypted:
		e.onEncryptedToDevice(ctx, evt)
	case event.ToDeviceRoomKeyRequest:
		var content event.RoomKeyRequestEventContent
		if err := parseToDeviceContent(evt, &content); err != nil {
			e.logger.Debug("ignoring malformed key request", "err", err)
			return
		}
		e.incoming.HandleRoomKeyRequest(ctx, evt.Sender, &content)
	case event.ToDeviceSecretRequest:
		var content SecretRequestContent
		if err := parseToDeviceContent(evt, &content); err != nil {
			e.logger.Debug("ignoring malformed secret request", "err", err)
			return
		}
		e.incoming.HandleSecretRequest(ctx, evt.Sender, &content)
	}
}

func (e *Engine) onEncryptedToDevice(ctx context.Context, evt *event.Event) {
	content, err := parseEncryptedContent(evt)
	if err != nil {
		e.logger.Debug("ignoring malformed encrypted to-device event", "err", err)
		return
	}

	var payload *DecryptedOlmPayload
	err = e.exec.Do(ctx, func() error {
		var err error
		payload, err = e.olm.DecryptToDevice(ctx, evt.Sender, content)
		if err != nil {
			return err
		}
		// If the sending device is known, the key it claims inside the
		// envelope must match the pinned one.
		dev, err := e.store.FindDeviceByIdentityKey(ctx, evt.Sender, content.SenderKey)
		if err != nil {
			return storeErr("find device", err)
		}
		if dev != nil && dev.SigningKey != payload.ClaimedEd25519 {
			return fmt.Errorf("%w: claimed ed25519 key does not match pinned key of %s/%s",
				ErrSignatureInvalid, evt.Sender, dev.DeviceID)
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("failed to decrypt to-device event",
			"sender", evt.Sender,
			"err", err,
		)
		return
	}

	switch payload.Type {
	case event.ToDeviceRoomKey:
		e.onRoomKey(ctx, payload)
	case event.ToDeviceForwardedRoomKey:
		e.onForwardedRoomKey(ctx, payload)
	default:
		e.logger.Debug("ignoring encrypted to-device event",
			"type", payload.Type.Type,
			"sender", evt.Sender,
		)
	}
}

// onRoomKey ingests an m.room_key: a fresh session shared directly by its
// creator. The claimed Ed25519 key comes from the Olm envelope, which the
// sender proved ownership of.
func (e *Engine) onRoomKey(ctx context.Context, payload *DecryptedOlmPayload) {
	var content event.RoomKeyEventContent
	if err := json.Unmarshal(payload.Content, &content); err != nil {
		e.logger.Debug("ignoring malformed room key", "err", err)
		return
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		e.logger.Debug("ignoring room key for unsupported algorithm",
			"algorithm", content.Algorithm,
		)
		return
	}

	err := e.exec.Do(ctx, func() error {
		_, err := e.olm.AddInboundGroupSession(ctx,
			content.RoomID,
			payload.SenderKey,
			content.SessionID,
			[]byte(content.SessionKey),
			payload.ClaimedEd25519,
			nil,
			false,
		)
		return err
	})
	if err != nil {
		e.logger.Warn("failed to store room key",
			"room", content.RoomID,
			"session", content.SessionID,
			"err", err,
		)
		return
	}
	e.markRequestFulfilled(ctx, event.RequestedKeyInfo{
		Algorithm: content.Algorithm,
		RoomID:    content.RoomID,
		SenderKey: payload.SenderKey,
		SessionID: content.SessionID,
	})
}

// onForwardedRoomKey ingests an m.forwarded_room_key: a session relayed by
// a device that is not its creator. The relay's identity key is appended
// to the forwarding chain, and the sender's claimed key is taken from the
// content since the envelope only proves the relay.
func (e *Engine) onForwardedRoomKey(ctx context.Context, payload *DecryptedOlmPayload) {
	var content event.ForwardedRoomKeyEventContent
	if err := json.Unmarshal(payload.Content, &content); err != nil {
		e.logger.Debug("ignoring malformed forwarded room key", "err", err)
		return
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return
	}

	chain := append(append([]string(nil), content.ForwardingKeyChain...), payload.SenderKey.String())
	err := e.exec.Do(ctx, func() error {
		_, err := e.olm.AddInboundGroupSession(ctx,
			content.RoomID,
			content.SenderKey,
			content.SessionID,
			[]byte(content.SessionKey),
			content.SenderClaimedKey,
			chain,
			true,
		)
		return err
	})
	if err != nil {
		e.logger.Warn("failed to store forwarded room key",
			"room", content.RoomID,
			"session", content.SessionID,
			"err", err,
		)
		return
	}
	e.markRequestFulfilled(ctx, event.RequestedKeyInfo{
		Algorithm: content.Algorithm,
		RoomID:    content.RoomID,
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
	})
}

func (e *Engine) markRequestFulfilled(ctx context.Context, body event.RequestedKeyInfo) {
	if err := e.outgoing.MarkFulfilled(ctx, body); err != nil {
		e.logger.Warn("failed to mark key request fulfilled",
			"session", body.SessionID,
			"err", err,
		)
	}
}

// OnRoomStateEvent folds room state changes into crypto bookkeeping:
// encryption enablement and membership-driven device tracking.
func (e *Engine) OnRoomStateEvent(ctx context.Context, evt *event.Event) {
	switch evt.Type {
	case event.StateEncryption:
		var content event.EncryptionEventContent
		if err := parseToDeviceContent(evt, &content); err != nil {
			e.logger.Debug("ignoring malformed encryption state", "room", evt.RoomID, "err", err)
			return
		}
		members, err := e.resolveMembers(ctx, evt.RoomID)
		if err != nil {
			e.logger.Warn("configuring encrypted room without member list",
				"room", evt.RoomID,
				"err", err,
			)
		}
		e.registry.ConfigureRoom(ctx, evt.RoomID, &RoomEncryptionConfig{
			Algorithm:              content.Algorithm,
			RotationPeriod:         time.Duration(content.RotationPeriodMillis) * time.Millisecond,
			RotationPeriodMessages: content.RotationPeriodMessages,
		}, members, false)

	case event.StateMember:
		if e.members != nil {
			e.members.Invalidate(evt.RoomID)
		}
		cfg, err := e.store.GetRoomEncryption(ctx, evt.RoomID)
		if err != nil || cfg == nil {
			return
		}
		var content event.MemberEventContent
		if err := parseToDeviceContent(evt, &content); err != nil {
			return
		}
		if content.Membership == event.MembershipJoin || content.Membership == event.MembershipInvite {
			userID := id.UserID(evt.GetStateKey())
			if err := e.devices.StartTracking(ctx, []id.UserID{userID}); err != nil {
				e.logger.Error("failed to track joining member",
					"room", evt.RoomID,
					"user", userID,
					"err", err,
				)
			}
		}
	}
}

// parseToDeviceContent parses an event's content into out, preferring the
// already-parsed form.
func parseToDeviceContent(evt *event.Event, out any) error {
	if evt.Content.Parsed != nil {
		raw, err := json.Marshal(evt.Content.Parsed)
		if err == nil && json.Unmarshal(raw, out) == nil {
			return nil
		}
	}
	if len(evt.Content.VeryRaw) > 0 {
		return json.Unmarshal(evt.Content.VeryRaw, out)
	}
	return fmt.Errorf("event has no content")
}

// trust management

// SetDeviceVerification records the local verification decision for a
// peer device.
func (e *Engine) SetDeviceVerification(ctx context.Context, userID id.UserID, deviceID id.DeviceID, trust TrustState) error {
	return e.devices.SetDeviceVerification(ctx, userID, deviceID, trust)
}

// SetBlacklistUnverified toggles the global refusal to share outbound
// session keys with unverified devices.
func (e *Engine) SetBlacklistUnverified(enabled bool) {
	e.blacklistUnverified.Store(enabled)
}

// SetRoomBlacklistUnverified overrides the global toggle for one room.
func (e *Engine) SetRoomBlacklistUnverified(roomID id.RoomID, enabled bool) {
	e.roomBlacklist.Store(roomID, enabled)
}

// IsBlacklistingUnverified reports whether the room withholds keys from
// unverified devices.
func (e *Engine) IsBlacklistingUnverified(roomID id.RoomID) bool {
	if enabled, ok := e.roomBlacklist.Load(roomID); ok {
		return enabled
	}
	return e.blacklistUnverified.Load()
}

// key portability

// ExportRoomKeys serializes all held group sessions, password-protected.
func (e *Engine) ExportRoomKeys(ctx context.Context, password string) ([]byte, error) {
	if err := e.ensureStarted(ctx); err != nil {
		return nil, err
	}
	var data []byte
	err := e.exec.Do(ctx, func() error {
		var err error
		data, err = e.olm.ExportRoomKeys(ctx, password)
		return err
	})
	return data, err
}

// ImportRoomKeys merges a password-protected key export into the store.
func (e *Engine) ImportRoomKeys(ctx context.Context, data []byte, password string) (*ImportResult, error) {
	if err := e.ensureStarted(ctx); err != nil {
		return nil, err
	}
	var result *ImportResult
	err := e.exec.Do(ctx, func() error {
		var err error
		result, err = e.olm.ImportRoomKeys(ctx, data, password)
		return err
	})
	return result, err
}
