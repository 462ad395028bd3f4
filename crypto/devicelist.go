package crypto

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// DeviceListManager tracks per-user device-list freshness and performs
// deduplicated batched key downloads. Concurrent callers asking for
// overlapping user sets are coalesced onto the in-flight download; stale
// download generations never overwrite a newer invalidation.
type DeviceListManager struct {
	ownUserID   id.UserID
	ownDeviceID id.DeviceID

	store     Store
	transport Transport
	olm       *OlmEngine
	exec      *Executor
	logger    *slog.Logger

	inflight    *xsync.Map[id.UserID, *keyDownloadFlight]
	generations *xsync.Map[id.UserID, uint64]
}

type keyDownloadFlight struct {
	done    chan struct{}
	devices map[id.DeviceID]*DeviceIdentity
	err     error
}

func newDeviceListManager(ownUserID id.UserID, ownDeviceID id.DeviceID, store Store, transport Transport, olm *OlmEngine, exec *Executor, logger *slog.Logger) *DeviceListManager {
	return &DeviceListManager{
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
		store:       store,
		transport:   transport,
		olm:         olm,
		exec:        exec,
		logger:      logger,
		inflight:    xsync.NewMap[id.UserID, *keyDownloadFlight](),
		generations: xsync.NewMap[id.UserID, uint64](),
	}
}

// StartTracking moves not-yet-tracked users to pending download.
func (d *DeviceListManager) StartTracking(ctx context.Context, userIDs []id.UserID) error {
	for _, userID := range userIDs {
		_, err := d.store.UpdateTrackingStatus(ctx, userID, func(cur TrackingStatus) TrackingStatus {
			if cur == TrackingNotTracked {
				return TrackingPendingDownload
			}
			return cur
		})
		if err != nil {
			return storeErr("update tracking status", err)
		}
	}
	return nil
}

// StopTracking forgets a user who no longer shares any encrypted room.
func (d *DeviceListManager) StopTracking(ctx context.Context, userID id.UserID) error {
	_, err := d.store.UpdateTrackingStatus(ctx, userID, func(TrackingStatus) TrackingStatus {
		return TrackingNotTracked
	})
	if err != nil {
		return storeErr("update tracking status", err)
	}
	return nil
}

// MarkOutdated flags tracked users whose device list changed per a sync
// delta. Bumping the generation invalidates any download still in flight.
// Runs on the executor so the bump and the status write cannot interleave
// with a download applying its results.
func (d *DeviceListManager) MarkOutdated(ctx context.Context, userIDs []id.UserID) error {
	return d.exec.Do(ctx, func() error {
		for _, userID := range userIDs {
			d.bumpGeneration(userID)
			_, err := d.store.UpdateTrackingStatus(ctx, userID, func(cur TrackingStatus) TrackingStatus {
				if cur == TrackingNotTracked {
					return cur
				}
				return TrackingPendingDownload
			})
			if err != nil {
				return storeErr("update tracking status", err)
			}
		}
		return nil
	})
}

// InvalidateAll marks every tracked user outdated (cold start).
func (d *DeviceListManager) InvalidateAll(ctx context.Context) error {
	users, err := d.store.TrackedUsers(ctx)
	if err != nil {
		return storeErr("list tracked users", err)
	}
	return d.MarkOutdated(ctx, users)
}

// CollapseInterrupted resets downloads that were in progress when the
// process died. Downloads are not resumable.
func (d *DeviceListManager) CollapseInterrupted(ctx context.Context) error {
	users, err := d.store.TrackedUsers(ctx)
	if err != nil {
		return storeErr("list tracked users", err)
	}
	for _, userID := range users {
		_, err := d.store.UpdateTrackingStatus(ctx, userID, func(cur TrackingStatus) TrackingStatus {
			if cur == TrackingDownloadInProgress {
				return TrackingPendingDownload
			}
			return cur
		})
		if err != nil {
			return storeErr("update tracking status", err)
		}
	}
	return nil
}

func (d *DeviceListManager) bumpGeneration(userID id.UserID) {
	d.generations.Compute(userID, func(cur uint64, _ bool) (uint64, xsync.ComputeOp) {
		return cur + 1, xsync.UpdateOp
	})
}

func (d *DeviceListManager) generation(userID id.UserID) uint64 {
	gen, _ := d.generations.Load(userID)
	return gen
}

// DownloadKeys returns the device identities of the given users, serving
// fresh users from the store and fetching the rest in one batched query.
// A failure for one user does not abort the rest.
func (d *DeviceListManager) DownloadKeys(ctx context.Context, userIDs []id.UserID, force bool) (map[id.UserID]map[id.DeviceID]*DeviceIdentity, error) {
	result := make(map[id.UserID]map[id.DeviceID]*DeviceIdentity, len(userIDs))

	var batch []id.UserID
	var waits []*keyDownloadFlight
	waitUsers := make(map[*keyDownloadFlight][]id.UserID)
	batchGens := make(map[id.UserID]uint64)

	// Flights already created in this call must be completed on every
	// return, or later callers coalesce onto a flight nobody finishes.
	failBatch := func(err error) {
		for _, userID := range batch {
			d.completeFlight(userID, nil, err)
		}
	}

	seen := make(map[id.UserID]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		status, err := d.store.GetTrackingStatus(ctx, userID)
		if err != nil {
			err = storeErr("get tracking status", err)
			failBatch(err)
			return nil, err
		}
		needsFetch := force || status == TrackingNotTracked || status.NeedsDownload()
		if !needsFetch {
			devices, err := d.store.GetDevices(ctx, userID)
			if err != nil {
				err = storeErr("get devices", err)
				failBatch(err)
				return nil, err
			}
			if devices != nil {
				result[userID] = devices
				continue
			}
			// Status says fresh but nothing stored: refetch.
		}

		newFlight := &keyDownloadFlight{done: make(chan struct{})}
		flight, loaded := d.inflight.LoadOrStore(userID, newFlight)
		if loaded {
			waits = append(waits, flight)
			waitUsers[flight] = append(waitUsers[flight], userID)
			continue
		}
		batch = append(batch, userID)
		batchGens[userID] = d.generation(userID)
	}

	if len(batch) > 0 {
		if err := d.fetchBatch(ctx, batch, batchGens, result); err != nil {
			return nil, err
		}
	}

	for _, flight := range waits {
		select {
		case <-flight.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for flight, users := range waitUsers {
		if flight.err != nil {
			d.logger.Warn("coalesced key download failed", "err", flight.err)
			continue
		}
		for _, userID := range users {
			result[userID] = flight.devices
		}
	}
	return result, nil
}

func (d *DeviceListManager) fetchBatch(ctx context.Context, batch []id.UserID, gens map[id.UserID]uint64, result map[id.UserID]map[id.DeviceID]*DeviceIdentity) error {
	req := &mautrix.ReqQueryKeys{
		DeviceKeys: make(mautrix.DeviceKeysRequest, len(batch)),
		Timeout:    10 * 1000,
	}
	for _, userID := range batch {
		req.DeviceKeys[userID] = mautrix.DeviceIDList{}
		if _, err := d.store.UpdateTrackingStatus(ctx, userID, func(TrackingStatus) TrackingStatus {
			return TrackingDownloadInProgress
		}); err != nil {
			serr := storeErr("update tracking status", err)
			for _, u := range batch {
				d.completeFlight(u, nil, serr)
			}
			return serr
		}
	}

	resp, err := d.transport.QueryKeys(ctx, req)
	if err != nil {
		terr := transportErr("query keys", err)
		for _, userID := range batch {
			_, _ = d.store.UpdateTrackingStatus(ctx, userID, func(TrackingStatus) TrackingStatus {
				return TrackingPendingDownload
			})
			d.completeFlight(userID, nil, terr)
		}
		return terr
	}

	unreachable := make(map[string]struct{}, len(resp.Failures))
	for server := range resp.Failures {
		unreachable[server] = struct{}{}
	}

	for _, userID := range batch {
		if _, down := unreachable[userID.Homeserver()]; down {
			_, _ = d.store.UpdateTrackingStatus(ctx, userID, func(TrackingStatus) TrackingStatus {
				return TrackingServerUnreachable
			})
			d.completeFlight(userID, nil, transportErr("query keys", fmt.Errorf("resident server %s unreachable", userID.Homeserver())))
			continue
		}

		devices, err := d.applyDownload(ctx, userID, gens[userID], resp.DeviceKeys[userID])
		if err != nil {
			d.completeFlight(userID, nil, err)
			continue
		}
		result[userID] = devices
		d.completeFlight(userID, devices, nil)
	}
	return nil
}

// applyDownload validates and stores one user's downloaded devices on the
// crypto executor. A download raced by a newer invalidation leaves the
// user pending so the newer download stays authoritative.
func (d *DeviceListManager) applyDownload(ctx context.Context, userID id.UserID, gen uint64, downloaded map[id.DeviceID]mautrix.DeviceKeys) (map[id.DeviceID]*DeviceIdentity, error) {
	var devices map[id.DeviceID]*DeviceIdentity
	err := d.exec.Do(ctx, func() error {
		existing, err := d.store.GetDevices(ctx, userID)
		if err != nil {
			return storeErr("get devices", err)
		}

		devices = make(map[id.DeviceID]*DeviceIdentity, len(downloaded))
		for deviceID, keys := range downloaded {
			dev := d.validateDevice(userID, deviceID, keys, existing[deviceID])
			if dev != nil {
				devices[deviceID] = dev
			}
		}
		if err := d.store.PutDevices(ctx, userID, devices); err != nil {
			return storeErr("put devices", err)
		}

		stale := d.generation(userID) != gen
		_, err = d.store.UpdateTrackingStatus(ctx, userID, func(TrackingStatus) TrackingStatus {
			if stale {
				return TrackingPendingDownload
			}
			return TrackingUpToDate
		})
		if err != nil {
			return storeErr("update tracking status", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// validateDevice applies the acceptance rules: claimed IDs must match the
// query key, the self-signature must verify, and a previously pinned
// Ed25519 key must be unchanged. Rejections keep the existing record.
func (d *DeviceListManager) validateDevice(userID id.UserID, deviceID id.DeviceID, keys mautrix.DeviceKeys, existing *DeviceIdentity) *DeviceIdentity {
	if keys.UserID != userID || keys.DeviceID != deviceID {
		d.logger.Debug("dropping device with mismatched identifiers",
			"user", userID,
			"device", deviceID,
			"claimed_user", keys.UserID,
			"claimed_device", keys.DeviceID,
		)
		return existing
	}

	signingKey := id.Ed25519(keys.Keys[id.NewDeviceKeyID(id.KeyAlgorithmEd25519, deviceID)])
	identityKey := id.Curve25519(keys.Keys[id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, deviceID)])
	if signingKey == "" || identityKey == "" {
		d.logger.Debug("dropping device without identity keys",
			"user", userID,
			"device", deviceID,
		)
		return existing
	}

	if err := d.olm.VerifySignatureJSON(keys, userID, deviceID.String(), signingKey); err != nil {
		d.logger.Debug("dropping device with bad self-signature",
			"user", userID,
			"device", deviceID,
			"err", err,
		)
		return existing
	}

	if existing != nil && existing.SigningKey != signingKey {
		// Pinned signing key changed: possible MITM, keep the old record.
		d.logger.Warn("device signing key changed, rejecting update",
			"user", userID,
			"device", deviceID,
			"pinned_key", existing.SigningKey,
			"claimed_key", signingKey,
		)
		return existing
	}

	trust := TrustUnverified
	verifiedAt := time.Time{}
	if existing != nil {
		trust = existing.Trust
		verifiedAt = existing.VerifiedAt
	} else if userID == d.ownUserID && deviceID == d.ownDeviceID {
		// Self-trust avoids a verification deadlock on first boot.
		trust = TrustVerified
		verifiedAt = time.Now().UTC()
	}

	return &DeviceIdentity{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		Algorithms:  keys.Algorithms,
		Trust:       trust,
		VerifiedAt:  verifiedAt,
	}
}

func (d *DeviceListManager) completeFlight(userID id.UserID, devices map[id.DeviceID]*DeviceIdentity, err error) {
	flight, ok := d.inflight.LoadAndDelete(userID)
	if !ok {
		return
	}
	flight.devices = devices
	flight.err = err
	close(flight.done)
}

// SetDeviceVerification updates the local trust decision for a device.
func (d *DeviceListManager) SetDeviceVerification(ctx context.Context, userID id.UserID, deviceID id.DeviceID, trust TrustState) error {
	return d.exec.Do(ctx, func() error {
		dev, err := d.store.GetDevice(ctx, userID, deviceID)
		if err != nil {
			return storeErr("get device", err)
		}
		if dev == nil {
			return fmt.Errorf("%w: %s/%s", ErrUnknownDevice, userID, deviceID)
		}
		dev.Trust = trust
		if trust == TrustVerified {
			dev.VerifiedAt = time.Now().UTC()
		}
		if err := d.store.PutDevice(ctx, dev); err != nil {
			return storeErr("put device", err)
		}
		return nil
	})
}
