// Package credentials persists per-session authentication blobs on disk,
// optionally sealed with XChaCha20-Poly1305 under a key derived from an
// operator secret.
package credentials

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	fileName = "creds.bin"

	formatPlain  byte = 0x00
	formatSealed byte = 0x01
)

var hkdfInfo = []byte("inbox-service.credentials.v1")

var (
	ErrCorrupt   = errors.New("credentials corrupt")
	ErrInvalidID = errors.New("invalid session id for credential path")
)

type Store struct {
	dir  string
	aead cipher.AEAD
}

// New opens a store rooted at dir. An empty secret stores blobs unsealed.
func New(dir, secret string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}
	s := &Store{dir: dir}
	if secret == "" {
		return s, nil
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive credentials key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("credentials cipher: %w", err)
	}
	s.aead = aead
	return s, nil
}

// Path is the directory holding the session's credentials.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID)
}

func (s *Store) Exists(sessionID string) bool {
	if validID(sessionID) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.Path(sessionID), fileName))
	return err == nil
}

// Load returns nil without error when nothing is stored for the session.
func (s *Store) Load(sessionID string) ([]byte, error) {
	if err := validID(sessionID); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(s.Path(sessionID), fileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrCorrupt)
	}
	switch raw[0] {
	case formatPlain:
		return raw[1:], nil
	case formatSealed:
		if s.aead == nil {
			return nil, fmt.Errorf("%w: sealed credentials but no secret configured", ErrCorrupt)
		}
		overhead := 1 + chacha20poly1305.NonceSizeX + s.aead.Overhead()
		if len(raw) < overhead {
			return nil, fmt.Errorf("%w: %d bytes is shorter than the sealed header", ErrCorrupt, len(raw))
		}
		nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
		plain, err := s.aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], aad(formatSealed, sessionID))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return plain, nil
	default:
		return nil, fmt.Errorf("%w: unknown format %d", ErrCorrupt, raw[0])
	}
}

// Save replaces the stored blob atomically.
func (s *Store) Save(sessionID string, data []byte) error {
	if err := validID(sessionID); err != nil {
		return err
	}
	dir := s.Path(sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	var out []byte
	if s.aead == nil {
		out = append([]byte{formatPlain}, data...)
	} else {
		nonce := make([]byte, chacha20poly1305.NonceSizeX)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return fmt.Errorf("credentials nonce: %w", err)
		}
		out = make([]byte, 1+len(nonce), 1+len(nonce)+len(data)+s.aead.Overhead())
		out[0] = formatSealed
		copy(out[1:], nonce)
		out = s.aead.Seal(out, nonce, data, aad(formatSealed, sessionID))
	}

	tmp, err := os.CreateTemp(dir, fileName+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, fileName))
}

func (s *Store) Wipe(sessionID string) error {
	if err := validID(sessionID); err != nil {
		return err
	}
	return os.RemoveAll(s.Path(sessionID))
}

func aad(format byte, sessionID string) []byte {
	return append([]byte{format}, sessionID...)
}

func validID(sessionID string) error {
	if sessionID == "" || sessionID == "." || sessionID == ".." || strings.ContainsAny(sessionID, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, sessionID)
	}
	return nil
}
