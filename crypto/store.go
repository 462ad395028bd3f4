package crypto

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/btree"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Store is the persistence boundary of the engine. Implementations must be
// crash-consistent; lookups that find nothing return (nil, nil). The
// tracking-status update is an atomic read-modify-write because racing
// download generations depend on it.
type Store interface {
	GetAccount(ctx context.Context) ([]byte, error)
	PutAccount(ctx context.Context, pickled []byte) error

	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error)
	GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*DeviceIdentity, error)
	PutDevice(ctx context.Context, device *DeviceIdentity) error
	// PutDevices replaces the user's whole device set.
	PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*DeviceIdentity) error
	FindDeviceByIdentityKey(ctx context.Context, userID id.UserID, identityKey id.Curve25519) (*DeviceIdentity, error)

	GetRoomEncryption(ctx context.Context, roomID id.RoomID) (*RoomEncryptionConfig, error)
	PutRoomEncryption(ctx context.Context, roomID id.RoomID, cfg *RoomEncryptionConfig) error

	GetTrackingStatus(ctx context.Context, userID id.UserID) (TrackingStatus, error)
	UpdateTrackingStatus(ctx context.Context, userID id.UserID, mutate func(TrackingStatus) TrackingStatus) (TrackingStatus, error)
	TrackedUsers(ctx context.Context) ([]id.UserID, error)

	PutOlmSession(ctx context.Context, session *OlmSessionRecord) error
	// OlmSessions returns the peer's sessions, most recently used first.
	OlmSessions(ctx context.Context, senderKey id.Curve25519) ([]*OlmSessionRecord, error)

	GetGroupSession(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*GroupSessionRecord, error)
	PutGroupSession(ctx context.Context, session *GroupSessionRecord) error
	ForEachGroupSession(ctx context.Context, fn func(*GroupSessionRecord) error) error

	PutOutgoingKeyRequest(ctx context.Context, req *OutgoingKeyRequest) error
	GetOutgoingKeyRequest(ctx context.Context, requestID string) (*OutgoingKeyRequest, error)
	FindOutgoingKeyRequest(ctx context.Context, body event.RequestedKeyInfo) (*OutgoingKeyRequest, error)
	OutgoingKeyRequests(ctx context.Context) ([]*OutgoingKeyRequest, error)
	DeleteOutgoingKeyRequest(ctx context.Context, requestID string) error

	PutIncomingKeyRequest(ctx context.Context, req *IncomingKeyRequest) error
	GetIncomingKeyRequest(ctx context.Context, userID id.UserID, deviceID id.DeviceID, requestID string) (*IncomingKeyRequest, error)
	PendingIncomingKeyRequests(ctx context.Context) ([]*IncomingKeyRequest, error)

	// Secrets are small named blobs (cross-signing private keys, backup
	// recovery key) shared over gossip. Empty string means absent.
	GetSecret(ctx context.Context, name string) (string, error)
	PutSecret(ctx context.Context, name, value string) error

	PutIncomingSecretRequest(ctx context.Context, req *IncomingSecretRequest) error
	GetIncomingSecretRequest(ctx context.Context, userID id.UserID, deviceID id.DeviceID, requestID string) (*IncomingSecretRequest, error)
	PendingIncomingSecretRequests(ctx context.Context) ([]*IncomingSecretRequest, error)

	Close() error
}

// MemoryStore keeps everything in process memory. Group sessions and
// gossip requests live in ordered B-trees so prefix scans stay cheap; the
// rest are plain maps under one lock.
type MemoryStore struct {
	mu sync.RWMutex

	account  []byte
	devices  map[id.UserID]map[id.DeviceID]*DeviceIdentity
	tracking map[id.UserID]TrackingStatus
	rooms    map[id.RoomID]*RoomEncryptionConfig

	olmSessions map[id.Curve25519][]*OlmSessionRecord

	groupSessions *btree.Map[string, *GroupSessionRecord]
	outgoing      *btree.Map[string, *OutgoingKeyRequest]

	incomingKeys    map[string]*IncomingKeyRequest
	incomingSecrets map[string]*IncomingSecretRequest
	secrets         map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:         make(map[id.UserID]map[id.DeviceID]*DeviceIdentity),
		tracking:        make(map[id.UserID]TrackingStatus),
		rooms:           make(map[id.RoomID]*RoomEncryptionConfig),
		olmSessions:     make(map[id.Curve25519][]*OlmSessionRecord),
		groupSessions:   btree.NewMap[string, *GroupSessionRecord](8),
		outgoing:        btree.NewMap[string, *OutgoingKeyRequest](8),
		incomingKeys:    make(map[string]*IncomingKeyRequest),
		incomingSecrets: make(map[string]*IncomingSecretRequest),
		secrets:         make(map[string]string),
	}
}

func groupSessionKey(roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) string {
	return fmt.Sprintf("%s|%s|%s", roomID, senderKey, sessionID)
}

func incomingRequestKey(userID id.UserID, deviceID id.DeviceID, requestID string) string {
	return fmt.Sprintf("%s|%s|%s", userID, deviceID, requestID)
}

func (s *MemoryStore) GetAccount(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account, nil
}

func (s *MemoryStore) PutAccount(ctx context.Context, pickled []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = pickled
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[userID][deviceID], nil
}

func (s *MemoryStore) GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*DeviceIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.devices[userID]
	if !ok {
		return nil, nil
	}
	out := make(map[id.DeviceID]*DeviceIdentity, len(src))
	for did, dev := range src {
		out[did] = dev
	}
	return out, nil
}

func (s *MemoryStore) PutDevice(ctx context.Context, device *DeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices[device.UserID] == nil {
		s.devices[device.UserID] = make(map[id.DeviceID]*DeviceIdentity)
	}
	s.devices[device.UserID][device.DeviceID] = device
	return nil
}

func (s *MemoryStore) PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*DeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[userID] = devices
	return nil
}

func (s *MemoryStore) FindDeviceByIdentityKey(ctx context.Context, userID id.UserID, identityKey id.Curve25519) (*DeviceIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, dev := range s.devices[userID] {
		if dev.IdentityKey == identityKey {
			return dev, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetRoomEncryption(ctx context.Context, roomID id.RoomID) (*RoomEncryptionConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID], nil
}

func (s *MemoryStore) PutRoomEncryption(ctx context.Context, roomID id.RoomID, cfg *RoomEncryptionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = cfg
	return nil
}

func (s *MemoryStore) GetTrackingStatus(ctx context.Context, userID id.UserID) (TrackingStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracking[userID], nil
}

func (s *MemoryStore) UpdateTrackingStatus(ctx context.Context, userID id.UserID, mutate func(TrackingStatus) TrackingStatus) (TrackingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := mutate(s.tracking[userID])
	if next == TrackingNotTracked {
		delete(s.tracking, userID)
	} else {
		s.tracking[userID] = next
	}
	return next, nil
}

func (s *MemoryStore) TrackedUsers(ctx context.Context) ([]id.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]id.UserID, 0, len(s.tracking))
	for userID := range s.tracking {
		users = append(users, userID)
	}
	return users, nil
}

func (s *MemoryStore) PutOlmSession(ctx context.Context, session *OlmSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.olmSessions[session.SenderKey]
	for i, existing := range sessions {
		if existing.SessionID == session.SessionID {
			sessions[i] = session
			s.olmSessions[session.SenderKey] = sessions
			return nil
		}
	}
	s.olmSessions[session.SenderKey] = append(sessions, session)
	return nil
}

func (s *MemoryStore) OlmSessions(ctx context.Context, senderKey id.Curve25519) ([]*OlmSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.olmSessions[senderKey]
	out := make([]*OlmSessionRecord, len(src))
	copy(out, src)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastUsed.After(out[j-1].LastUsed); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (s *MemoryStore) GetGroupSession(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*GroupSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, _ := s.groupSessions.Get(groupSessionKey(roomID, senderKey, sessionID))
	return rec, nil
}

func (s *MemoryStore) PutGroupSession(ctx context.Context, session *GroupSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupSessions.Set(groupSessionKey(session.RoomID, session.SenderKey, session.SessionID), session)
	return nil
}

func (s *MemoryStore) ForEachGroupSession(ctx context.Context, fn func(*GroupSessionRecord) error) error {
	s.mu.RLock()
	sessions := make([]*GroupSessionRecord, 0, s.groupSessions.Len())
	s.groupSessions.Scan(func(_ string, rec *GroupSessionRecord) bool {
		sessions = append(sessions, rec)
		return true
	})
	s.mu.RUnlock()
	for _, rec := range sessions {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) PutOutgoingKeyRequest(ctx context.Context, req *OutgoingKeyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outgoing.Set(req.RequestID, req)
	return nil
}

func (s *MemoryStore) GetOutgoingKeyRequest(ctx context.Context, requestID string) (*OutgoingKeyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, _ := s.outgoing.Get(requestID)
	return req, nil
}

func (s *MemoryStore) FindOutgoingKeyRequest(ctx context.Context, body event.RequestedKeyInfo) (*OutgoingKeyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *OutgoingKeyRequest
	s.outgoing.Scan(func(_ string, req *OutgoingKeyRequest) bool {
		if req.Body == body {
			found = req
			return false
		}
		return true
	})
	return found, nil
}

func (s *MemoryStore) OutgoingKeyRequests(ctx context.Context) ([]*OutgoingKeyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*OutgoingKeyRequest, 0, s.outgoing.Len())
	s.outgoing.Scan(func(_ string, req *OutgoingKeyRequest) bool {
		out = append(out, req)
		return true
	})
	return out, nil
}

func (s *MemoryStore) DeleteOutgoingKeyRequest(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outgoing.Delete(requestID)
	return nil
}

func (s *MemoryStore) PutIncomingKeyRequest(ctx context.Context, req *IncomingKeyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incomingKeys[incomingRequestKey(req.UserID, req.DeviceID, req.RequestID)] = req
	return nil
}

func (s *MemoryStore) GetIncomingKeyRequest(ctx context.Context, userID id.UserID, deviceID id.DeviceID, requestID string) (*IncomingKeyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.incomingKeys[incomingRequestKey(userID, deviceID, requestID)], nil
}

func (s *MemoryStore) PendingIncomingKeyRequests(ctx context.Context) ([]*IncomingKeyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*IncomingKeyRequest
	for _, req := range s.incomingKeys {
		if req.State == IncomingPending {
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secrets[name], nil
}

func (s *MemoryStore) PutSecret(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
	return nil
}

func (s *MemoryStore) PutIncomingSecretRequest(ctx context.Context, req *IncomingSecretRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incomingSecrets[incomingRequestKey(req.UserID, req.DeviceID, req.RequestID)] = req
	return nil
}

func (s *MemoryStore) GetIncomingSecretRequest(ctx context.Context, userID id.UserID, deviceID id.DeviceID, requestID string) (*IncomingSecretRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.incomingSecrets[incomingRequestKey(userID, deviceID, requestID)], nil
}

func (s *MemoryStore) PendingIncomingSecretRequests(ctx context.Context) ([]*IncomingSecretRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*IncomingSecretRequest
	for _, req := range s.incomingSecrets {
		if req.State == IncomingPending {
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// wildcardDevice matches every device of a request recipient.
const wildcardDevice = id.DeviceID("*")
