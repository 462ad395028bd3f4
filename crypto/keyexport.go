package crypto

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/pbkdf2"
	"maunium.net/go/mautrix/id"

	"github.com/loom-chat/loom/crypto/primitive"
)

const (
	exportHeader = "-----BEGIN MEGOLM SESSION DATA-----"
	exportFooter = "-----END MEGOLM SESSION DATA-----"

	exportVersion       = 0x01
	exportPBKDF2Rounds  = 100_000
	exportArmorLineSize = 76
)

// exportPrefixSize is version(1) + salt(16) + iv(16) + rounds(4).
const exportPrefixSize = 1 + 16 + 16 + 4

// ExportRoomKeys serializes every held inbound group session into the
// portable armored format, encrypted with the given password. Another
// client importing the file gains exactly the history we could decrypt.
func (o *OlmEngine) ExportRoomKeys(ctx context.Context, password string) ([]byte, error) {
	var sessions []*ExportedSession
	err := o.store.ForEachGroupSession(ctx, func(rec *GroupSessionRecord) error {
		exported, err := o.ExportGroupSession(ctx, rec)
		if err != nil {
			o.logger.Warn("skipping unexportable group session",
				"room", rec.RoomID,
				"session", rec.SessionID,
				"err", err,
			)
			return nil
		}
		sessions = append(sessions, exported)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sealExport(sessions, password)
}

// ImportRoomKeys decrypts an armored export produced by ExportRoomKeys
// (or any compatible client) and merges each session through the usual
// reconciliation rules. A wrong password and a corrupt file are reported
// as distinct errors so callers can prompt accordingly.
func (o *OlmEngine) ImportRoomKeys(ctx context.Context, data []byte, password string) (*ImportResult, error) {
	sessions, err := openExport(data, password)
	if err != nil {
		return nil, err
	}
	result := &ImportResult{Total: len(sessions)}
	for _, sess := range sessions {
		added, err := o.AddInboundGroupSession(ctx,
			sess.RoomID,
			sess.SenderKey,
			sess.SessionID,
			[]byte(sess.SessionKey),
			id.Ed25519(sess.SenderClaimedKeys["ed25519"]),
			sess.ForwardingChains,
			true,
		)
		if err != nil {
			o.logger.Warn("skipping bad session in import",
				"room", sess.RoomID,
				"session", sess.SessionID,
				"err", err,
			)
			result.Skipped++
			continue
		}
		if added {
			result.Imported++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

// ExportRoomKeysFromStore exports straight from a store, for offline
// tooling that has no transport to build a full engine around.
func ExportRoomKeysFromStore(ctx context.Context, store Store, lib primitive.Library, pickleKey []byte, logger *slog.Logger, password string) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := newOlmEngine("", "", lib, store, logger, pickleKey)
	return o.ExportRoomKeys(ctx, password)
}

// ImportRoomKeysToStore is the offline counterpart of ImportRoomKeys.
func ImportRoomKeysToStore(ctx context.Context, store Store, lib primitive.Library, pickleKey []byte, logger *slog.Logger, data []byte, password string) (*ImportResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := newOlmEngine("", "", lib, store, logger, pickleKey)
	return o.ImportRoomKeys(ctx, data, password)
}

func exportKeys(password string, salt []byte, rounds int) (encKey, macKey []byte) {
	derived := pbkdf2.Key([]byte(password), salt, rounds, 64, sha512.New)
	return derived[:32], derived[32:]
}

func sealExport(sessions []*ExportedSession, password string) ([]byte, error) {
	plaintext, err := json.Marshal(sessions)
	if err != nil {
		return nil, fmt.Errorf("marshal export payload: %w", err)
	}

	prefix := make([]byte, exportPrefixSize)
	prefix[0] = exportVersion
	salt := prefix[1:17]
	iv := prefix[17:33]
	if _, err := io.ReadFull(rand.Reader, prefix[1:33]); err != nil {
		return nil, fmt.Errorf("generate export salt: %w", err)
	}
	// Bit 63 of the IV is cleared to keep the CTR counter from wrapping
	// in clients using a signed counter.
	iv[8] &= 0x7f
	binary.BigEndian.PutUint32(prefix[33:], exportPBKDF2Rounds)

	encKey, macKey := exportKeys(password, salt, exportPBKDF2Rounds)
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("init export cipher: %w", err)
	}

	body := make([]byte, exportPrefixSize+len(plaintext))
	copy(body, prefix)
	cipher.NewCTR(block, iv).XORKeyStream(body[exportPrefixSize:], plaintext)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	body = mac.Sum(body)

	return armorExport(body), nil
}

func openExport(data []byte, password string) ([]*ExportedSession, error) {
	body, err := dearmorExport(data)
	if err != nil {
		return nil, err
	}
	if len(body) < exportPrefixSize+32 {
		return nil, fmt.Errorf("%w: truncated payload", ErrCorruptExport)
	}
	if body[0] != exportVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptExport, body[0])
	}
	salt := body[1:17]
	iv := body[17:33]
	rounds := binary.BigEndian.Uint32(body[33:exportPrefixSize])
	ciphertext := body[exportPrefixSize : len(body)-32]
	theirMAC := body[len(body)-32:]

	encKey, macKey := exportKeys(password, salt, int(rounds))
	mac := hmac.New(sha256.New, macKey)
	mac.Write(body[:len(body)-32])
	if !hmac.Equal(mac.Sum(nil), theirMAC) {
		return nil, ErrWrongPassword
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("init export cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)

	var sessions []*ExportedSession
	if err := json.Unmarshal(plaintext, &sessions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptExport, err)
	}
	for _, sess := range sessions {
		if sess.Algorithm != id.AlgorithmMegolmV1 {
			return nil, fmt.Errorf("%w: session with algorithm %s", ErrCorruptExport, sess.Algorithm)
		}
	}
	return sessions, nil
}

func armorExport(body []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(body)
	var buf bytes.Buffer
	buf.Grow(len(exportHeader) + len(exportFooter) + len(encoded) + len(encoded)/exportArmorLineSize + 4)
	buf.WriteString(exportHeader)
	for i := 0; i < len(encoded); i += exportArmorLineSize {
		end := min(i+exportArmorLineSize, len(encoded))
		buf.WriteByte('\n')
		buf.WriteString(encoded[i:end])
	}
	buf.WriteByte('\n')
	buf.WriteString(exportFooter)
	buf.WriteByte('\n')
	return buf.Bytes()
}

func dearmorExport(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte(exportHeader)) || !bytes.HasSuffix(trimmed, []byte(exportFooter)) {
		return nil, fmt.Errorf("%w: missing armor", ErrCorruptExport)
	}
	encoded := trimmed[len(exportHeader) : len(trimmed)-len(exportFooter)]
	encoded = bytes.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, encoded)
	body, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptExport, err)
	}
	return body, nil
}
