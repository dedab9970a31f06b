// Package wire encodes and decodes the on-the-wire frame layout shared by
// every Aia topic: a common header, an IV, ciphertext, and an AEAD tag.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"aia/topic"
)

// ErrShortFrame is returned when a buffer is too small to contain a valid
// frame at the point framing is parsed.
var ErrShortFrame = errors.New("wire: frame too short")

const (
	// ivSize is the AEAD nonce length carried inline on the wire (spec.md §6).
	ivSize = 12
	// TagSize is the AEAD authentication tag length.
	TagSize = 16

	// headerSize is the length of the common header: topic(1) | seqNum(4 BE) | length(4 BE).
	headerSize = 1 + 4 + 4
)

// SequenceNumber is an unsigned, monotonically increasing (per topic)
// message counter assigned by the sender. 0 is reserved as "unset".
type SequenceNumber uint32

// Unset reports whether n is the reserved "unset" sentinel.
func (n SequenceNumber) Unset() bool { return n == 0 }

// ChannelMessage is a single message received (or about to be sent) on a
// topic: sequence-tagged and AEAD-protected. The plaintext it ultimately
// decrypts to is either a JSON object (event/directive topics) or a
// concatenation of AudioFrames (the Speaker topic).
type ChannelMessage struct {
	Topic          topic.Topic
	SequenceNumber SequenceNumber
	IV             [ivSize]byte
	Ciphertext     []byte
	Tag            [TagSize]byte
}

// Decode parses a raw frame as laid out in spec.md §6:
//
//	[ topic(1) | seqNum(4 BE) | length(4 BE) ]
//	[ IV (12 bytes) ] [ ciphertext (length) ] [ tag (16 bytes) ]
//
// The returned ChannelMessage's Ciphertext aliases buf; callers needing to
// retain it past the current call must copy it (spec.md §3 Lifecycle).
func Decode(buf []byte) (ChannelMessage, error) {
	var m ChannelMessage
	if len(buf) < headerSize {
		return m, fmt.Errorf("%w: need %d header bytes, got %d", ErrShortFrame, headerSize, len(buf))
	}

	m.Topic = topic.Topic(buf[0])
	m.SequenceNumber = SequenceNumber(binary.BigEndian.Uint32(buf[1:5]))
	length := binary.BigEndian.Uint32(buf[5:9])

	rest := buf[headerSize:]
	need := int(length) + ivSize + TagSize
	if need < 0 || len(rest) < need {
		return m, fmt.Errorf("%w: need %d payload bytes, got %d", ErrShortFrame, need, len(rest))
	}

	copy(m.IV[:], rest[:ivSize])
	m.Ciphertext = rest[ivSize : ivSize+int(length)]
	copy(m.Tag[:], rest[ivSize+int(length):ivSize+int(length)+TagSize])
	return m, nil
}

// Encode serializes m into the frame layout Decode understands.
func Encode(m ChannelMessage) []byte {
	buf := make([]byte, headerSize+ivSize+len(m.Ciphertext)+TagSize)
	buf[0] = byte(m.Topic)
	binary.BigEndian.PutUint32(buf[1:5], uint32(m.SequenceNumber))
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(m.Ciphertext)))

	rest := buf[headerSize:]
	copy(rest[:ivSize], m.IV[:])
	copy(rest[ivSize:ivSize+len(m.Ciphertext)], m.Ciphertext)
	copy(rest[ivSize+len(m.Ciphertext):], m.Tag[:])
	return buf
}

// ExtractSequenceNumber adapts a ChannelMessage for use as the Sequencer's
// extractSeqNum callback (spec.md §4.1 Construction).
func ExtractSequenceNumber(m ChannelMessage) (uint32, error) {
	return uint32(m.SequenceNumber), nil
}
