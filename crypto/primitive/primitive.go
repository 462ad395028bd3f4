// Package primitive defines the boundary to the low-level Olm/Megolm
// cryptographic library. The engine only ever talks to these interfaces;
// the default implementation is backed by mautrix's goolm bindings.
package primitive

import (
	"errors"

	"maunium.net/go/mautrix/id"
)

var (
	ErrBadSignature  = errors.New("signature verification failed")
	ErrBadMessage    = errors.New("message failed to decrypt")
	ErrBadSessionKey = errors.New("invalid session key")
)

// Account is the device's long-lived Olm account: identity key pair plus
// the one-time key pool.
type Account interface {
	// IdentityKeys returns the account's Ed25519 signing key and
	// Curve25519 identity key.
	IdentityKeys() (id.Ed25519, id.Curve25519, error)
	// Sign returns the unpadded base64 Ed25519 signature over message.
	Sign(message []byte) ([]byte, error)
	// OneTimeKeys returns the not-yet-published one-time keys by key ID.
	OneTimeKeys() (map[string]id.Curve25519, error)
	GenOneTimeKeys(num uint) error
	MarkKeysAsPublished() error
	MaxNumberOfOneTimeKeys() uint
	// NewOutboundSession establishes a 1:1 session towards a peer device
	// using one of its claimed one-time keys.
	NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (Session, error)
	// NewInboundSession consumes a pre-key message, creating the matching
	// session and removing the used one-time key from the account.
	NewInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (Session, error)
	Pickle(key []byte) ([]byte, error)
}

// Session is one 1:1 Olm double-ratchet session with a peer device.
type Session interface {
	ID() id.SessionID
	HasReceivedMessage() bool
	Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error)
	Decrypt(ciphertext string, msgType id.OlmMsgType) ([]byte, error)
	Pickle(key []byte) ([]byte, error)
}

// InboundGroupSession is a receiving Megolm ratchet bound to one room.
type InboundGroupSession interface {
	ID() id.SessionID
	// Decrypt returns the plaintext and the ratchet index the message was
	// encrypted at.
	Decrypt(ciphertext []byte) ([]byte, uint32, error)
	FirstKnownIndex() uint32
	// Export returns the session key ratcheted forward to index, suitable
	// for m.forwarded_room_key payloads and key export files.
	Export(index uint32) ([]byte, error)
	Pickle(key []byte) ([]byte, error)
}

// OutboundGroupSession is the sending Megolm ratchet for a room.
type OutboundGroupSession interface {
	ID() id.SessionID
	Encrypt(plaintext []byte) ([]byte, error)
	// SessionKey exports the current ratchet state for sharing with
	// recipient devices.
	SessionKey() ([]byte, error)
	MessageIndex() uint32
}

// Library is the injected factory surface of the crypto implementation.
type Library interface {
	NewAccount() (Account, error)
	UnpickleAccount(pickled, key []byte) (Account, error)
	UnpickleSession(pickled, key []byte) (Session, error)

	// NewInboundGroupSession builds a session from an m.room_key session
	// key (trusted, starts at the key's current index).
	NewInboundGroupSession(sessionKey []byte) (InboundGroupSession, error)
	// ImportInboundGroupSession builds a session from an exported /
	// forwarded session key.
	ImportInboundGroupSession(sessionKey []byte) (InboundGroupSession, error)
	UnpickleInboundGroupSession(pickled, key []byte) (InboundGroupSession, error)
	NewOutboundGroupSession() (OutboundGroupSession, error)

	// VerifySignatureJSON checks the Ed25519 signature by (userID, keyName)
	// over the canonical JSON of obj, ignoring the signatures and unsigned
	// fields. Missing and invalid signatures both return ErrBadSignature.
	VerifySignatureJSON(obj any, userID id.UserID, keyName string, key id.Ed25519) error
}
