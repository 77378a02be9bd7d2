// Package framer splits outbound DeviceMessages into MTU-sized Packets and
// reassembles inbound Packets back into DeviceMessages, detecting
// duplicates and out-of-order delivery.
package framer

import (
	"errors"
	"math"

	"github.com/basaltlabs/carlink/compress"
	"github.com/basaltlabs/carlink/wire"
)

// Fatal framer errors. ErrOutOfOrderPacket, in particular, is unrecoverable
// to the owning stream: it signals the peer and this side have desynced.
var (
	ErrPayloadTooLarge  = errors.New("framer: payload too large for any packet count representable in i32")
	ErrCannotSerialize  = errors.New("framer: cannot serialize device message")
	ErrCannotDecompress = errors.New("framer: cannot decompress reassembled payload")
	ErrCannotDecrypt    = errors.New("framer: cannot decrypt reassembled payload")
	ErrOutOfOrderPacket = errors.New("framer: out-of-order or mismatched packet")
)

// MaxPacketSize is the hard ceiling on a serialized packet, independent of
// the peripheral's reported MTU.
const MaxPacketSize = 182

// MakePackets chunks a DeviceMessage's serialized bytes into Packets no
// larger than maxSize each. The concatenation of the returned packets'
// payloads, re-assembled and parsed as a DeviceMessage, is bit-identical to
// the input.
func MakePackets(messageID int32, operation wire.OperationType, payload []byte, originalSize uint32, isEncrypted bool, recipient []byte, maxSize int) ([]*wire.Packet, error) {
	if maxSize > MaxPacketSize {
		maxSize = MaxPacketSize
	}
	msg := &wire.DeviceMessage{
		Operation:          operation,
		IsPayloadEncrypted: isEncrypted,
		Payload:            payload,
		OriginalSize:       originalSize,
		Recipient:          recipient,
	}
	b := msg.Marshal()

	maxPayloadPerPacket, total, err := solveChunking(messageID, len(b), maxSize)
	if err != nil {
		return nil, err
	}

	packets := make([]*wire.Packet, 0, total)
	for i := int32(0); i < total; i++ {
		start := int(i) * maxPayloadPerPacket
		end := start + maxPayloadPerPacket
		if end > len(b) {
			end = len(b)
		}
		packets = append(packets, &wire.Packet{
			PacketNumber: i + 1,
			TotalPackets: total,
			MessageID:    messageID,
			Payload:      append([]byte(nil), b[start:end]...),
		})
	}
	return packets, nil
}

// solveChunking finds the smallest total-packet count consistent with its
// own varint encoding occupying the byte width the header-size computation
// assumed for it: the total_packets field is itself
// varint-encoded, so a packet count just crossing a varint-width boundary
// (e.g. 127 -> 128) changes the header size, which can in turn change the
// packet count. Iterating candidate widths k=1..5 and accepting the first
// fixed point avoids that feedback loop.
func solveChunking(messageID int32, payloadLen, maxSize int) (maxPayloadPerPacket int, total int32, err error) {
	// The per-packet payload-length varint is sized against maxSize, an
	// upper bound no real chunk payload can exceed, keeping header size
	// independent of which packet (first, middle, or short last) we're
	// computing for.
	headerSize := wire.HeaderSize(messageID, maxSize)
	for k := 1; k <= 5; k++ {
		maxPayload := maxSize - headerSize - (k + 1)
		if maxPayload <= 0 {
			continue
		}
		count := ceilDiv(payloadLen, maxPayload)
		if count < 1 {
			count = 1
		}
		if count > math.MaxInt32 {
			continue
		}
		if varintByteLen(uint64(count)) == k {
			return maxPayload, int32(count), nil
		}
	}
	return 0, 0, ErrPayloadTooLarge
}

func ceilDiv(a, b int) int {
	if a == 0 {
		return 1
	}
	return (a + b - 1) / b
}

func varintByteLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// Message is a fully reassembled inbound DeviceMessage, paired with the
// stream parameters it was delivered under.
type Message struct {
	Payload   []byte
	Operation wire.OperationType
	Recipient []byte
}

type reassembly struct {
	payload      []byte
	lastPacket   int32
	totalPackets int32
}

// Reassembler accumulates inbound packets per message id and reconstructs
// completed DeviceMessages. It is not safe for concurrent use; callers run
// it from their single serialized connection context.
type Reassembler struct {
	// Decrypt, if set, is invoked on the reassembled payload of any
	// message with is_payload_encrypted set. It is installed by the owning
	// stream once the secure channel reaches Established.
	Decrypt func([]byte) ([]byte, error)

	inFlight map[int32]*reassembly
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{inFlight: make(map[int32]*reassembly)}
}

// Process consumes one raw wire Packet. It returns a non-nil Message only
// when the packet completes a message. A non-nil error is fatal to the
// owning stream: the caller must treat it as an
// unrecoverable-stream signal, not merely a failed call.
func (r *Reassembler) Process(raw []byte) (*Message, error) {
	p, err := wire.UnmarshalPacket(raw)
	if err != nil {
		return nil, ErrOutOfOrderPacket
	}

	entry, ok := r.inFlight[p.MessageID]
	if !ok {
		switch {
		case p.PacketNumber == 1:
			entry = &reassembly{
				payload:      append([]byte(nil), p.Payload...),
				lastPacket:   1,
				totalPackets: p.TotalPackets,
			}
			r.inFlight[p.MessageID] = entry
		case p.PacketNumber == p.TotalPackets && p.TotalPackets != 1:
			// Duplicate delivery of the final packet of a message we've
			// already completed and forgotten: tolerated, a no-op.
			return nil, nil
		default:
			return nil, ErrOutOfOrderPacket
		}
	} else {
		if entry.totalPackets != p.TotalPackets {
			return nil, ErrOutOfOrderPacket
		}
		switch {
		case entry.lastPacket == p.PacketNumber:
			// Duplicate of the most recently accepted packet: a no-op.
			return nil, nil
		case entry.lastPacket+1 == p.PacketNumber:
			entry.payload = append(entry.payload, p.Payload...)
			entry.lastPacket = p.PacketNumber
		default:
			return nil, ErrOutOfOrderPacket
		}
	}

	if entry.lastPacket != entry.totalPackets {
		return nil, nil
	}

	delete(r.inFlight, p.MessageID)

	msg, err := wire.UnmarshalDeviceMessage(entry.payload)
	if err != nil {
		return nil, ErrCannotSerialize
	}

	payload := msg.Payload
	if msg.IsPayloadEncrypted {
		if r.Decrypt == nil {
			return nil, ErrCannotDecrypt
		}
		payload, err = r.Decrypt(payload)
		if err != nil {
			return nil, ErrCannotDecrypt
		}
	}
	if msg.OriginalSize > 0 {
		payload, err = compress.Decompress(payload, msg.OriginalSize)
		if err != nil {
			return nil, ErrCannotDecompress
		}
	}

	return &Message{
		Payload:   payload,
		Operation: msg.Operation,
		Recipient: msg.Recipient,
	}, nil
}
