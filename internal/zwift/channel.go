package zwift

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/pion/dtls/v2/pkg/crypto/ccm"
)

const (
	SessionKeyLen = 36

	keyLen   = 16
	nonceLen = 12
	tagLen   = 8
	seqLen   = 4
)

// Channel decrypts measurement packets with a derived session key. The key
// holds the AES key, the base nonce and the authentication tag, in that order.
type Channel struct {
	aead  cipher.AEAD
	nonce [nonceLen]byte
	tag   [tagLen]byte
}

func NewChannel(sessionKey []byte) (*Channel, error) {
	if len(sessionKey) != SessionKeyLen {
		return nil, fmt.Errorf("session key of %d bytes: %w", len(sessionKey), ErrSessionKeyLength)
	}
	block, err := aes.NewCipher(sessionKey[:keyLen])
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := ccm.NewCCM(block, tagLen, nonceLen)
	if err != nil {
		return nil, fmt.Errorf("ccm: %w", err)
	}
	c := &Channel{aead: aead}
	copy(c.nonce[:], sessionKey[keyLen:keyLen+nonceLen])
	copy(c.tag[:], sessionKey[keyLen+nonceLen:])
	return c, nil
}

// Nonce returns the per-packet nonce: the base nonce with its last four bytes
// XORed, back to front, with the sequence number bytes
func (c *Channel) Nonce(seq []byte) []byte {
	nonce := c.nonce
	for i := 0; i < seqLen && i < len(seq); i++ {
		nonce[nonceLen-1-i] ^= seq[i]
	}
	return nonce[:]
}

// Decrypt authenticates and decrypts one packet: a 4 byte little-endian
// sequence number followed by ciphertext. Failures affect this packet only.
func (c *Channel) Decrypt(packet []byte) ([]byte, error) {
	if len(packet) < seqLen {
		return nil, fmt.Errorf("packet of %d bytes: %w", len(packet), ErrMalformedPacket)
	}
	seq := packet[:seqLen]

	sealed := make([]byte, 0, len(packet)-seqLen+tagLen)
	sealed = append(sealed, packet[seqLen:]...)
	sealed = append(sealed, c.tag[:]...)

	plain, err := c.aead.Open(nil, c.Nonce(seq), sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("packet %d: %w", binary.LittleEndian.Uint32(seq), ErrAuthentication)
	}
	return plain, nil
}
