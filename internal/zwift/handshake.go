// Package zwift implements the encrypted controller channel: a P-256 key
// exchange over the control point, HKDF session key derivation and AES-CCM
// decryption of the measurement stream.
package zwift

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"filippo.io/nistec"
	"golang.org/x/crypto/hkdf"

	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
)

var (
	ErrMalformedPacket   = errors.New("malformed packet")
	ErrAuthentication    = errors.New("packet authentication failed")
	ErrSessionKeyLength  = errors.New("invalid session key length")
	ErrHandshakeState    = errors.New("handshake in wrong state")
	ErrHandshakeResponse = errors.New("malformed handshake response")
	ErrPeerKey           = errors.New("invalid peer public key")
)

// RideOnHeader prefixes both handshake messages
var RideOnHeader = []byte{0x52, 0x69, 0x64, 0x65, 0x4f, 0x6e, 0x01, 0x02}

const (
	rawKeyLen      = 64
	handshakeLen   = 8 + rawKeyLen
	uncompressedPt = 0x04
)

var (
	Measurement = gatt.CharacteristicID{
		Service:        gatt.ServiceUUIDZwift,
		Characteristic: gatt.CharUUIDZwiftMeasurement,
	}
	ControlPoint = gatt.CharacteristicID{
		Service:        gatt.ServiceUUIDZwift,
		Characteristic: gatt.CharUUIDZwiftControlPoint,
	}
	Response = gatt.CharacteristicID{
		Service:        gatt.ServiceUUIDZwift,
		Characteristic: gatt.CharUUIDZwiftResponse,
	}
)

type State int

const (
	StateIdle State = iota
	StateKeysGenerated
	StateHandshakeSent
	StateSessionKeyDerived
	StateStreaming
	StateFailed
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKeysGenerated:
		return "keysGenerated"
	case StateHandshakeSent:
		return "handshakeSent"
	case StateSessionKeyDerived:
		return "sessionKeyDerived"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Handshake holds one connection's key pair and, once derived, its session key.
// The session key is set at most once.
type Handshake struct {
	logger       *log.Logger
	responseFrom gatt.CharacteristicID

	mu         sync.Mutex
	state      State
	key        *ecdh.PrivateKey
	sessionKey []byte
	channel    *Channel
}

// NewHandshake generates a fresh P-256 key pair from random. The handshake
// response is read back from the control point.
func NewHandshake(logger *log.Logger, random io.Reader) (*Handshake, error) {
	key, err := ecdh.P256().GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewHandshakeWithKey(logger, key), nil
}

// NewHandshakeWithKey uses an existing private key
func NewHandshakeWithKey(logger *log.Logger, key *ecdh.PrivateKey) *Handshake {
	if logger == nil {
		panic("Zwift Handshake: logger cannot be nil")
	}
	if key == nil {
		panic("Zwift Handshake: key cannot be nil")
	}
	return &Handshake{
		logger:       logger,
		responseFrom: ControlPoint,
		state:        StateKeysGenerated,
		key:          key,
	}
}

// ReadResponseFrom changes the characteristic the peer key is read from
func (h *Handshake) ReadResponseFrom(id gatt.CharacteristicID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responseFrom = id
}

// PublicKey returns the 64 byte raw local key, without the point prefix
func (h *Handshake) PublicKey() []byte {
	return h.key.PublicKey().Bytes()[1:]
}

func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SessionKey returns a copy of the session key once derived
func (h *Handshake) SessionKey() ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionKey == nil {
		return nil, false
	}
	return append([]byte(nil), h.sessionKey...), true
}

// setState moves to s unless the handshake was discarded
func (h *Handshake) setState(s State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDiscarded {
		return fmt.Errorf("handshake discarded: %w", ErrHandshakeState)
	}
	h.state = s
	return nil
}

func (h *Handshake) fail(err error) error {
	if h.setState(StateFailed) == nil {
		h.logger.Printf("Zwift: handshake failed: %v", err)
	}
	return err
}

// Run performs the exchange: send the header and local key with a write
// response, read the peer key back, derive the session key. On any failure the
// session key stays unset and the handshake is marked failed.
func (h *Handshake) Run(ctx context.Context, p gatt.Peripheral) error {
	h.mu.Lock()
	if h.state != StateKeysGenerated {
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("run from %s: %w", state, ErrHandshakeState)
	}
	from := h.responseFrom
	h.mu.Unlock()

	packet := make([]byte, 0, handshakeLen)
	packet = append(packet, RideOnHeader...)
	packet = append(packet, h.PublicKey()...)

	if err := p.Write(ctx, ControlPoint, packet, true); err != nil {
		return h.fail(fmt.Errorf("send handshake: %w", err))
	}
	if err := h.setState(StateHandshakeSent); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return h.fail(err)
	}
	resp, err := p.Read(ctx, from)
	if err != nil {
		return h.fail(fmt.Errorf("read handshake response: %w", err))
	}
	peer, err := ParseHandshakeResponse(resp)
	if err != nil {
		return h.fail(err)
	}
	sk, err := h.DeriveSessionKey(peer)
	if err != nil {
		return h.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return h.fail(err)
	}
	if err := h.setSessionKey(sk); err != nil {
		return h.fail(err)
	}
	h.logger.Printf("Zwift: session key derived for %s", p.Address())
	return nil
}

func (h *Handshake) setSessionKey(sk []byte) error {
	ch, err := NewChannel(sk)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDiscarded {
		return fmt.Errorf("handshake discarded: %w", ErrHandshakeState)
	}
	if h.sessionKey != nil {
		return fmt.Errorf("session key already set: %w", ErrHandshakeState)
	}
	h.sessionKey = sk
	h.channel = ch
	h.state = StateSessionKeyDerived
	return nil
}

// ParseHandshakeResponse returns the peer's raw public key from a response
func ParseHandshakeResponse(buf []byte) ([]byte, error) {
	if len(buf) < handshakeLen {
		return nil, fmt.Errorf("response of %d bytes: %w", len(buf), ErrHandshakeResponse)
	}
	if !bytes.Equal(buf[:len(RideOnHeader)], RideOnHeader) {
		return nil, fmt.Errorf("bad header [% X]: %w", buf[:len(RideOnHeader)], ErrHandshakeResponse)
	}
	return append([]byte(nil), buf[len(RideOnHeader):handshakeLen]...), nil
}

// DeriveSessionKey computes the 36 byte session key for a peer key given raw
// (64 bytes) or uncompressed (65 bytes). The HKDF secret is the shared point
// in 33 byte compressed form and the salt is peer key || local key, with no
// info.
func (h *Handshake) DeriveSessionKey(peer []byte) ([]byte, error) {
	var point []byte
	switch {
	case len(peer) == rawKeyLen:
		point = append([]byte{uncompressedPt}, peer...)
	case len(peer) == rawKeyLen+1 && peer[0] == uncompressedPt:
		point = peer
	default:
		return nil, fmt.Errorf("peer key of %d bytes: %w", len(peer), ErrPeerKey)
	}

	if _, err := ecdh.P256().NewPublicKey(point); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrPeerKey)
	}
	secret, err := h.sharedPoint(point)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, 0, 2*rawKeyLen)
	salt = append(salt, point[1:]...)
	salt = append(salt, h.PublicKey()...)

	sk := make([]byte, SessionKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, nil), sk); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return sk, nil
}

// sharedPoint multiplies the peer point by the local scalar. crypto/ecdh only
// hands back the x-coordinate; the y parity is needed for the prefix byte.
func (h *Handshake) sharedPoint(peer []byte) ([]byte, error) {
	q, err := nistec.NewP256Point().SetBytes(peer)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrPeerKey)
	}
	shared, err := nistec.NewP256Point().ScalarMult(q, h.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return shared.BytesCompressed(), nil
}

// Stream subscribes to the measurement characteristic and hands each
// decrypted packet to out, in arrival order, until ctx ends or the
// subscription closes. Packets that fail to decrypt are logged and skipped.
func (h *Handshake) Stream(ctx context.Context, p gatt.Subscriber, out func([]byte)) error {
	h.mu.Lock()
	if h.state != StateSessionKeyDerived {
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("stream from %s: %w", state, ErrHandshakeState)
	}
	ch := h.channel
	h.mu.Unlock()

	stream, err := p.Subscribe(ctx, Measurement)
	if err != nil {
		return fmt.Errorf("subscribe measurement: %w", err)
	}
	defer stream.Close()
	if err := h.setState(StateStreaming); err != nil {
		return err
	}

	return stream.Range(ctx, func(packet []byte) {
		plain, err := ch.Decrypt(packet)
		if err != nil {
			h.logger.Printf("Zwift: dropping packet: %v", err)
			return
		}
		out(plain)
	})
}

// Discard forgets the session key. The handshake cannot be reused: Run,
// Stream and a late session key are refused from here on.
func (h *Handshake) Discard() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.sessionKey {
		h.sessionKey[i] = 0
	}
	h.sessionKey = nil
	h.channel = nil
	h.state = StateDiscarded
}
