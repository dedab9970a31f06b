// Package secret implements Aia's per-topic AEAD secret manager: AES-GCM
// encryption/decryption keyed by topic and sequence number, with ECDH
// Curve25519 key derivation and topic-bounded key rotation (spec.md §4.2).
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"aia/topic"
)

// Algorithm identifies the AEAD cipher and key size in use.
type Algorithm int

const (
	AESGCM128 Algorithm = iota
	AESGCM256
)

// KeyBits returns the key size in bits for the algorithm.
func (a Algorithm) KeyBits() int {
	if a == AESGCM256 {
		return 256
	}
	return 128
}

// DerivationAlgorithm identifies how a shared ECDH secret is turned into an
// AES-GCM key (spec.md §3 "DecryptionKey").
type DerivationAlgorithm int

const (
	// ECDHCurve25519_16BSHA256 derives a 128-bit AES-GCM key by running the
	// raw X25519 shared secret through HKDF-SHA256 (no salt, no info) and
	// truncating to 16 bytes.
	ECDHCurve25519_16BSHA256 DerivationAlgorithm = iota
	// ECDHCurve25519_32B uses the 32-byte X25519 shared secret directly as a
	// 256-bit AES-GCM key.
	ECDHCurve25519_32B
)

// Direction distinguishes nonces for device-originated messages from
// service-originated ones sharing the same topic and sequence number, so
// the two streams never collide (spec.md §9 "Nonce reconstruction").
type Direction uint8

const (
	FromDevice Direction = 0
	FromService Direction = 1
)

// Key is a symmetric AEAD key plus its epoch (bumped on each Rotate).
type Key struct {
	Algorithm Algorithm
	Material  []byte
	Epoch     int
}

var (
	// ErrNoKey is returned when no key has been installed yet.
	ErrNoKey = errors.New("secret: no key installed")
	// ErrAuthFail is returned when AEAD tag verification fails.
	ErrAuthFail = errors.New("secret: authentication failed")
)

// DeriveKey runs the ECDH-Curve25519 handshake (priv, peerPub) and derives a
// key per algo (spec.md §3 "DecryptionKey").
func DeriveKey(algo DerivationAlgorithm, priv, peerPub [32]byte) (Key, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return Key{}, fmt.Errorf("secret: ecdh: %w", err)
	}

	switch algo {
	case ECDHCurve25519_16BSHA256:
		hk := hkdf.New(sha256.New, shared, nil, nil)
		material := make([]byte, 16)
		if _, err := io.ReadFull(hk, material); err != nil {
			return Key{}, fmt.Errorf("secret: hkdf: %w", err)
		}
		return Key{Algorithm: AESGCM128, Material: material}, nil
	case ECDHCurve25519_32B:
		return Key{Algorithm: AESGCM256, Material: shared}, nil
	default:
		return Key{}, fmt.Errorf("secret: unknown derivation algorithm %v", algo)
	}
}

// GenerateKeypair produces a random X25519 private/public keypair for the
// device side of the ECDH handshake.
func GenerateKeypair() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("secret: generate private key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("secret: derive public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// rotation tracks the per-topic boundary below which the previous key still
// applies, and whether each topic has crossed it.
type rotation struct {
	boundaries map[topic.Topic]uint32
	crossed    map[topic.Topic]bool
}

// Manager holds the current (and, during rotation, previous) symmetric key
// and performs nonce-keyed AES-GCM encryption/decryption (spec.md §4.2).
// The zero Manager is not usable; construct with NewManager.
type Manager struct {
	mu       sync.Mutex
	current  *Key
	previous *Key
	rot      *rotation
	log      *log.Logger
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger attaches a logger in place of the default, log.Default().
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager constructs a Manager with no key installed; every
// Encrypt/Decrypt call fails with ErrNoKey until InstallKey is called.
func NewManager(opts ...Option) *Manager {
	m := &Manager{log: log.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InstallKey installs key as the current key at epoch 0, discarding any
// previous key and in-progress rotation.
func (m *Manager) InstallKey(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	installed := key
	installed.Epoch = 0
	m.current = &installed
	m.previous = nil
	m.rot = nil
}

// Rotate installs newKey as the current key and retains the old current key
// as "previous", usable for any topic whose sequence number has not yet
// crossed its boundary in perTopicBoundaries (spec.md §4.2 "Rotation").
// Rotate is a no-op error if no key is currently installed.
func (m *Manager) Rotate(newKey Key, perTopicBoundaries map[topic.Topic]uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ErrNoKey
	}

	bounds := make(map[topic.Topic]uint32, len(perTopicBoundaries))
	for t, n := range perTopicBoundaries {
		bounds[t] = n
	}

	prev := *m.current
	prev.Epoch = m.current.Epoch
	next := newKey
	next.Epoch = m.current.Epoch + 1

	m.previous = &prev
	m.current = &next
	m.rot = &rotation{boundaries: bounds, crossed: make(map[topic.Topic]bool, len(bounds))}
	return nil
}

// keyForLocked selects the key that should be used for (t, seq), tracking
// rotation boundary crossings and dropping the previous key once every
// bounded topic has crossed it. Must be called with mu held.
func (m *Manager) keyForLocked(t topic.Topic, seq uint32) (*Key, error) {
	if m.current == nil {
		return nil, ErrNoKey
	}
	if m.rot == nil || m.previous == nil {
		return m.current, nil
	}

	boundary, bounded := m.rot.boundaries[t]
	if !bounded {
		return m.current, nil
	}

	var key *Key
	if seq < boundary {
		key = m.previous
	} else {
		key = m.current
		m.rot.crossed[t] = true
	}

	if m.allCrossedLocked() {
		m.previous = nil
		m.rot = nil
	}
	return key, nil
}

// PendingBoundaries returns the per-topic rotation boundaries currently
// tracked, or nil if no rotation is in progress. Used to persist rotation
// state across restarts (store.SaveRotationBoundaries).
func (m *Manager) PendingBoundaries() map[topic.Topic]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rot == nil {
		return nil
	}
	out := make(map[topic.Topic]uint32, len(m.rot.boundaries))
	for t, n := range m.rot.boundaries {
		out[t] = n
	}
	return out
}

// PreviousKey returns the pre-rotation key still in use for any
// not-yet-crossed topic, or nil if no rotation is in progress. Paired with
// PendingBoundaries so a restart can persist enough to resume mid-rotation.
func (m *Manager) PreviousKey() *Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.previous == nil {
		return nil
	}
	k := *m.previous
	return &k
}

// RestorePending reinstates rotation bookkeeping recovered from a prior
// run. current must already be installed (via InstallKey) as the new key
// before calling RestorePending; previous is the pre-rotation key that
// still applies below each topic's boundary.
func (m *Manager) RestorePending(previous Key, boundaries map[topic.Topic]uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ErrNoKey
	}
	prev := previous
	if m.current.Epoch > 0 {
		prev.Epoch = m.current.Epoch - 1
	}
	bounds := make(map[topic.Topic]uint32, len(boundaries))
	for t, n := range boundaries {
		bounds[t] = n
	}
	m.previous = &prev
	m.rot = &rotation{boundaries: bounds, crossed: make(map[topic.Topic]bool, len(bounds))}
	return nil
}

func (m *Manager) allCrossedLocked() bool {
	for t := range m.rot.boundaries {
		if !m.rot.crossed[t] {
			return false
		}
	}
	return true
}

// Decrypt authenticates and decrypts ciphertext received on t at seq, using
// the nonce reconstructed from (t, seq, FromService) (spec.md §4.2
// "Nonce construction"). Decrypt must be called in sequence order per topic
// (the Sequencer's job), since the nonce and rotation bookkeeping assume it.
func (m *Manager) Decrypt(t topic.Topic, seq uint32, ciphertext []byte, tag [16]byte) ([]byte, error) {
	m.mu.Lock()
	key, err := m.keyForLocked(t, seq)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(*key)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}

	nonce := buildNonce(t, seq, FromService)
	sealed := append(append([]byte{}, ciphertext...), tag[:]...)
	plaintext, err := aead.Open(nil, nonce[:], sealed, nil)
	if err != nil {
		m.log.Warn("secret: auth failed", "topic", t, "seq", seq)
		return nil, ErrAuthFail
	}
	return plaintext, nil
}

// Encrypt authenticates and encrypts plaintext for t at seq using the
// current key and the nonce reconstructed from (t, seq, FromDevice).
func (m *Manager) Encrypt(t topic.Topic, seq uint32, plaintext []byte) (ciphertext []byte, tag [16]byte, err error) {
	m.mu.Lock()
	key := m.current
	m.mu.Unlock()
	if key == nil {
		return nil, tag, ErrNoKey
	}

	aead, err := newAEAD(*key)
	if err != nil {
		return nil, tag, fmt.Errorf("secret: %w", err)
	}

	nonce := buildNonce(t, seq, FromDevice)
	sealed := aead.Seal(nil, nonce[:], plaintext, nil)
	n := len(sealed) - aead.Overhead()
	copy(tag[:], sealed[n:])
	return sealed[:n], tag, nil
}

func newAEAD(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.Material)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// buildNonce constructs the 96-bit AES-GCM nonce deterministically from
// (topic, direction, sequence number) per spec.md §4.2:
//
//	topic_id (1 byte) || direction (top bit of byte 1) || padding (remaining
//	23 bits, zero) || sequenceNumber (8 bytes, big-endian, zero-extended
//	from 32 bits)
//
// so sender and receiver agree on the nonce without transmitting it inline.
func buildNonce(t topic.Topic, seq uint32, dir Direction) [12]byte {
	var nonce [12]byte
	nonce[0] = byte(t)
	if dir == FromService {
		nonce[1] = 0x80
	}
	binary.BigEndian.PutUint64(nonce[4:12], uint64(seq))
	return nonce
}
