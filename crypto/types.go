package crypto

import (
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// TrustState is the local trust decision for a peer device.
type TrustState int

const (
	TrustUnknown TrustState = iota
	TrustUnverified
	TrustVerified
	TrustBlocked
)

func (t TrustState) String() string {
	switch t {
	case TrustUnverified:
		return "unverified"
	case TrustVerified:
		return "verified"
	case TrustBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// DeviceIdentity is one device of one user, as accepted after signature
// validation. The Ed25519 signing key is pinned on first acceptance and
// never replaced (a changed key on a later download is a MITM signal).
type DeviceIdentity struct {
	UserID      id.UserID      `json:"user_id"`
	DeviceID    id.DeviceID    `json:"device_id"`
	IdentityKey id.Curve25519  `json:"identity_key"`
	SigningKey  id.Ed25519     `json:"signing_key"`
	Algorithms  []id.Algorithm `json:"algorithms"`
	DisplayName string         `json:"display_name,omitempty"`

	Trust TrustState `json:"trust"`
	// VerifiedAt is set whenever Trust transitions to TrustVerified. It
	// gates automatic secret sharing (recent verifications only).
	VerifiedAt time.Time `json:"verified_at,omitempty"`
}

func (d *DeviceIdentity) SupportsAlgorithm(alg id.Algorithm) bool {
	for _, a := range d.Algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// RoomEncryptionConfig is a room's persisted encryption settings. The
// algorithm is append-only: once set it never changes (downgrade defense).
type RoomEncryptionConfig struct {
	Algorithm              id.Algorithm  `json:"algorithm"`
	RotationPeriod         time.Duration `json:"rotation_period"`
	RotationPeriodMessages int           `json:"rotation_period_messages"`
}

// TrackingStatus drives the per-user device-list state machine.
type TrackingStatus int

const (
	TrackingNotTracked TrackingStatus = iota
	TrackingPendingDownload
	TrackingDownloadInProgress
	TrackingUpToDate
	TrackingServerUnreachable
)

func (s TrackingStatus) String() string {
	switch s {
	case TrackingPendingDownload:
		return "pending_download"
	case TrackingDownloadInProgress:
		return "download_in_progress"
	case TrackingUpToDate:
		return "up_to_date"
	case TrackingServerUnreachable:
		return "server_unreachable"
	default:
		return "not_tracked"
	}
}

// NeedsDownload reports whether the user's device list cannot be served
// from the store without a refresh.
func (s TrackingStatus) NeedsDownload() bool {
	switch s {
	case TrackingPendingDownload, TrackingDownloadInProgress, TrackingServerUnreachable:
		return true
	default:
		return false
	}
}

// KeyRequestState is the lifecycle of an outgoing gossip request.
type KeyRequestState int

const (
	RequestUnsent KeyRequestState = iota
	RequestSent
	// RequestCancelling: a cancellation must go out, then the request is
	// deleted.
	RequestCancelling
	// RequestCancellingAndResend: a cancellation must go out, then a fresh
	// request with a new transaction ID replaces this one.
	RequestCancellingAndResend
)

func (s KeyRequestState) String() string {
	switch s {
	case RequestSent:
		return "sent"
	case RequestCancelling:
		return "cancelling"
	case RequestCancellingAndResend:
		return "cancelling_and_resend"
	default:
		return "unsent"
	}
}

// KeyRequestRecipient is one target device of an outgoing gossip request.
// A wildcard device ID ("*") addresses every device of the user.
type KeyRequestRecipient struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

// OutgoingKeyRequest is a persisted room-key gossip request we initiated.
type OutgoingKeyRequest struct {
	RequestID  string                 `json:"request_id"`
	State      KeyRequestState        `json:"state"`
	Body       event.RequestedKeyInfo `json:"body"`
	Recipients []KeyRequestRecipient  `json:"recipients"`
	CreatedAt  time.Time              `json:"created_at"`
}

// IncomingRequestState is the resolution of an incoming gossip request.
type IncomingRequestState int

const (
	IncomingPending IncomingRequestState = iota
	IncomingAccepted
	IncomingRejected
)

// IncomingKeyRequest is a persisted m.room_key_request from a peer device.
type IncomingKeyRequest struct {
	UserID    id.UserID              `json:"user_id"`
	DeviceID  id.DeviceID            `json:"device_id"`
	RequestID string                 `json:"request_id"`
	Body      event.RequestedKeyInfo `json:"body"`
	State     IncomingRequestState   `json:"state"`
}

// IncomingSecretRequest is a persisted m.secret.request from a peer device.
type IncomingSecretRequest struct {
	UserID    id.UserID            `json:"user_id"`
	DeviceID  id.DeviceID          `json:"device_id"`
	RequestID string               `json:"request_id"`
	Name      string               `json:"name"`
	State     IncomingRequestState `json:"state"`
}

// SecretRequestContent is the m.secret.request to-device payload.
type SecretRequestContent struct {
	Name               string      `json:"name,omitempty"`
	Action             string      `json:"action"`
	RequestingDeviceID id.DeviceID `json:"requesting_device_id"`
	RequestID          string      `json:"request_id"`
}

const (
	SecretActionRequest = "request"
	SecretActionCancel  = "request_cancellation"
)

// SecretSendContent is the m.secret.send to-device payload.
type SecretSendContent struct {
	RequestID string `json:"request_id"`
	Secret    string `json:"secret"`
}

// OlmSessionRecord is a pickled 1:1 session plus the metadata used to pick
// the active session for a peer (most recently used wins).
type OlmSessionRecord struct {
	SessionID id.SessionID  `json:"session_id"`
	SenderKey id.Curve25519 `json:"sender_key"`
	Pickled   []byte        `json:"pickled"`
	CreatedAt time.Time     `json:"created_at"`
	LastUsed  time.Time     `json:"last_used"`
}

// GroupSessionRecord is a pickled inbound Megolm session with its sharing
// provenance.
type GroupSessionRecord struct {
	RoomID           id.RoomID     `json:"room_id"`
	SenderKey        id.Curve25519 `json:"sender_key"`
	SessionID        id.SessionID  `json:"session_id"`
	Pickled          []byte        `json:"pickled"`
	FirstKnownIndex  uint32        `json:"first_known_index"`
	SenderClaimedKey id.Ed25519    `json:"sender_claimed_key"`
	ForwardingChains []string      `json:"forwarding_chains,omitempty"`
}

// ExportedSession is one entry of the key export file. The field names and
// order-insensitive JSON shape are a compatibility contract with other
// implementations and must not change.
type ExportedSession struct {
	Algorithm         id.Algorithm      `json:"algorithm"`
	ForwardingChains  []string          `json:"forwarding_curve25519_key_chain"`
	RoomID            id.RoomID         `json:"room_id"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys"`
	SenderKey         id.Curve25519     `json:"sender_key"`
	SessionID         id.SessionID      `json:"session_id"`
	SessionKey        string            `json:"session_key"`
}

// ImportResult summarizes a key import.
type ImportResult struct {
	Total    int `json:"total"`
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}
