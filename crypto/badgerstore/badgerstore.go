// Package badgerstore persists the crypto engine's state in a local
// Badger database. Values are JSON; keys are type-prefixed composites so
// related records share a scan prefix.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/loom-chat/loom/crypto"
)

var keyAccount = []byte("acct")

const (
	prefixDevice    = "dev|"
	prefixTracking  = "trk|"
	prefixRoom      = "room|"
	prefixOlm       = "olm|"
	prefixGroup     = "grp|"
	prefixOutgoing  = "outreq|"
	prefixIncoming  = "inreq|"
	prefixSecretReq = "secreq|"
	prefixSecret    = "secret|"
)

// Store implements crypto.Store on Badger.
type Store struct {
	db *badger.DB

	// trackingMu serializes tracking-status read-modify-writes; Badger's
	// optimistic transactions would surface them as conflicts instead.
	trackingMu sync.Mutex
}

var _ crypto.Store = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open crypto store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key []byte, out any) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) put(key []byte, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal store value: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, raw)
	})
}

func (s *Store) scan(prefix []byte, each func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				return each(val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func compositeKey(prefix string, parts ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString(prefix)
	for i, part := range parts {
		if i > 0 {
			buf.WriteByte('|')
		}
		buf.WriteString(part)
	}
	return buf.Bytes()
}

func (s *Store) GetAccount(ctx context.Context) ([]byte, error) {
	var pickled []byte
	found, err := s.get(keyAccount, &pickled)
	if err != nil || !found {
		return nil, err
	}
	return pickled, nil
}

func (s *Store) PutAccount(ctx context.Context, pickled []byte) error {
	return s.put(keyAccount, pickled)
}

func (s *Store) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*crypto.DeviceIdentity, error) {
	var dev crypto.DeviceIdentity
	found, err := s.get(compositeKey(prefixDevice, userID.String(), deviceID.String()), &dev)
	if err != nil || !found {
		return nil, err
	}
	return &dev, nil
}

func (s *Store) GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*crypto.DeviceIdentity, error) {
	var out map[id.DeviceID]*crypto.DeviceIdentity
	err := s.scan(compositeKey(prefixDevice, userID.String(), ""), func(val []byte) error {
		var dev crypto.DeviceIdentity
		if err := json.Unmarshal(val, &dev); err != nil {
			return err
		}
		if out == nil {
			out = make(map[id.DeviceID]*crypto.DeviceIdentity)
		}
		out[dev.DeviceID] = &dev
		return nil
	})
	return out, err
}

func (s *Store) PutDevice(ctx context.Context, device *crypto.DeviceIdentity) error {
	return s.put(compositeKey(prefixDevice, device.UserID.String(), device.DeviceID.String()), device)
}

func (s *Store) PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*crypto.DeviceIdentity) error {
	return s.db.Update(func(txn *badger.Txn) error {
		// Replace semantics: drop devices absent from the new set.
		opts := badger.DefaultIteratorOptions
		opts.Prefix = compositeKey(prefixDevice, userID.String(), "")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for deviceID, dev := range devices {
			raw, err := json.Marshal(dev)
			if err != nil {
				return fmt.Errorf("marshal device: %w", err)
			}
			if err := txn.Set(compositeKey(prefixDevice, userID.String(), deviceID.String()), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) FindDeviceByIdentityKey(ctx context.Context, userID id.UserID, identityKey id.Curve25519) (*crypto.DeviceIdentity, error) {
	var found *crypto.DeviceIdentity
	err := s.scan(compositeKey(prefixDevice, userID.String(), ""), func(val []byte) error {
		if found != nil {
			return nil
		}
		var dev crypto.DeviceIdentity
		if err := json.Unmarshal(val, &dev); err != nil {
			return err
		}
		if dev.IdentityKey == identityKey {
			found = &dev
		}
		return nil
	})
	return found, err
}

func (s *Store) GetRoomEncryption(ctx context.Context, roomID id.RoomID) (*crypto.RoomEncryptionConfig, error) {
	var cfg crypto.RoomEncryptionConfig
	found, err := s.get(compositeKey(prefixRoom, roomID.String()), &cfg)
	if err != nil || !found {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) PutRoomEncryption(ctx context.Context, roomID id.RoomID, cfg *crypto.RoomEncryptionConfig) error {
	return s.put(compositeKey(prefixRoom, roomID.String()), cfg)
}

func (s *Store) GetTrackingStatus(ctx context.Context, userID id.UserID) (crypto.TrackingStatus, error) {
	var status crypto.TrackingStatus
	_, err := s.get(compositeKey(prefixTracking, userID.String()), &status)
	return status, err
}

func (s *Store) UpdateTrackingStatus(ctx context.Context, userID id.UserID, mutate func(crypto.TrackingStatus) crypto.TrackingStatus) (crypto.TrackingStatus, error) {
	s.trackingMu.Lock()
	defer s.trackingMu.Unlock()

	cur, err := s.GetTrackingStatus(ctx, userID)
	if err != nil {
		return cur, err
	}
	next := mutate(cur)
	key := compositeKey(prefixTracking, userID.String())
	if next == crypto.TrackingNotTracked {
		err = s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
	} else {
		err = s.put(key, next)
	}
	return next, err
}

func (s *Store) TrackedUsers(ctx context.Context) ([]id.UserID, error) {
	var users []id.UserID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTracking)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			users = append(users, id.UserID(key[len(prefixTracking):]))
		}
		return nil
	})
	return users, err
}

func (s *Store) PutOlmSession(ctx context.Context, session *crypto.OlmSessionRecord) error {
	return s.put(compositeKey(prefixOlm, session.SenderKey.String(), session.SessionID.String()), session)
}

func (s *Store) OlmSessions(ctx context.Context, senderKey id.Curve25519) ([]*crypto.OlmSessionRecord, error) {
	var sessions []*crypto.OlmSessionRecord
	err := s.scan(compositeKey(prefixOlm, senderKey.String(), ""), func(val []byte) error {
		var rec crypto.OlmSessionRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		sessions = append(sessions, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUsed.After(sessions[j].LastUsed)
	})
	return sessions, nil
}

func (s *Store) GetGroupSession(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*crypto.GroupSessionRecord, error) {
	var rec crypto.GroupSessionRecord
	found, err := s.get(compositeKey(prefixGroup, roomID.String(), senderKey.String(), sessionID.String()), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutGroupSession(ctx context.Context, session *crypto.GroupSessionRecord) error {
	return s.put(compositeKey(prefixGroup, session.RoomID.String(), session.SenderKey.String(), session.SessionID.String()), session)
}

func (s *Store) ForEachGroupSession(ctx context.Context, fn func(*crypto.GroupSessionRecord) error) error {
	return s.scan([]byte(prefixGroup), func(val []byte) error {
		var rec crypto.GroupSessionRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		return fn(&rec)
	})
}

func (s *Store) PutOutgoingKeyRequest(ctx context.Context, req *crypto.OutgoingKeyRequest) error {
	return s.put(compositeKey(prefixOutgoing, req.RequestID), req)
}

func (s *Store) GetOutgoingKeyRequest(ctx context.Context, requestID string) (*crypto.OutgoingKeyRequest, error) {
	var req crypto.OutgoingKeyRequest
	found, err := s.get(compositeKey(prefixOutgoing, requestID), &req)
	if err != nil || !found {
		return nil, err
	}
	return &req, nil
}

func (s *Store) FindOutgoingKeyRequest(ctx context.Context, body event.RequestedKeyInfo) (*crypto.OutgoingKeyRequest, error) {
	var found *crypto.OutgoingKeyRequest
	err := s.scan([]byte(prefixOutgoing), func(val []byte) error {
		if found != nil {
			return nil
		}
		var req crypto.OutgoingKeyRequest
		if err := json.Unmarshal(val, &req); err != nil {
			return err
		}
		if req.Body == body {
			found = &req
		}
		return nil
	})
	return found, err
}

func (s *Store) OutgoingKeyRequests(ctx context.Context) ([]*crypto.OutgoingKeyRequest, error) {
	var out []*crypto.OutgoingKeyRequest
	err := s.scan([]byte(prefixOutgoing), func(val []byte) error {
		var req crypto.OutgoingKeyRequest
		if err := json.Unmarshal(val, &req); err != nil {
			return err
		}
		out = append(out, &req)
		return nil
	})
	return out, err
}

func (s *Store) DeleteOutgoingKeyRequest(ctx context.Context, requestID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(compositeKey(prefixOutgoing, requestID))
	})
}

func (s *Store) PutIncomingKeyRequest(ctx context.Context, req *crypto.IncomingKeyRequest) error {
	return s.put(compositeKey(prefixIncoming, req.UserID.String(), req.DeviceID.String(), req.RequestID), req)
}

func (s *Store) GetIncomingKeyRequest(ctx context.Context, userID id.UserID, deviceID id.DeviceID, requestID string) (*crypto.IncomingKeyRequest, error) {
	var req crypto.IncomingKeyRequest
	found, err := s.get(compositeKey(prefixIncoming, userID.String(), deviceID.String(), requestID), &req)
	if err != nil || !found {
		return nil, err
	}
	return &req, nil
}

func (s *Store) PendingIncomingKeyRequests(ctx context.Context) ([]*crypto.IncomingKeyRequest, error) {
	var out []*crypto.IncomingKeyRequest
	err := s.scan([]byte(prefixIncoming), func(val []byte) error {
		var req crypto.IncomingKeyRequest
		if err := json.Unmarshal(val, &req); err != nil {
			return err
		}
		if req.State == crypto.IncomingPending {
			out = append(out, &req)
		}
		return nil
	})
	return out, err
}

func (s *Store) GetSecret(ctx context.Context, name string) (string, error) {
	var value string
	_, err := s.get(compositeKey(prefixSecret, name), &value)
	return value, err
}

func (s *Store) PutSecret(ctx context.Context, name, value string) error {
	return s.put(compositeKey(prefixSecret, name), value)
}

func (s *Store) PutIncomingSecretRequest(ctx context.Context, req *crypto.IncomingSecretRequest) error {
	return s.put(compositeKey(prefixSecretReq, req.UserID.String(), req.DeviceID.String(), req.RequestID), req)
}

func (s *Store) GetIncomingSecretRequest(ctx context.Context, userID id.UserID, deviceID id.DeviceID, requestID string) (*crypto.IncomingSecretRequest, error) {
	var req crypto.IncomingSecretRequest
	found, err := s.get(compositeKey(prefixSecretReq, userID.String(), deviceID.String(), requestID), &req)
	if err != nil || !found {
		return nil, err
	}
	return &req, nil
}

func (s *Store) PendingIncomingSecretRequests(ctx context.Context) ([]*crypto.IncomingSecretRequest, error) {
	var out []*crypto.IncomingSecretRequest
	err := s.scan([]byte(prefixSecretReq), func(val []byte) error {
		var req crypto.IncomingSecretRequest
		if err := json.Unmarshal(val, &req); err != nil {
			return err
		}
		if req.State == crypto.IncomingPending {
			out = append(out, &req)
		}
		return nil
	})
	return out, err
}
