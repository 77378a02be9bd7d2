package wire

import "google.golang.org/protobuf/encoding/protowire"

// Packet field numbers, fixed by the wire contract:
//
//	fixed32 packet_number = 1;
//	int32   total_packets = 2;
//	int32   message_id    = 3;
//	bytes   payload       = 4;
const (
	packetFieldNumber       protowire.Number = 1
	packetFieldTotalPackets protowire.Number = 2
	packetFieldMessageID    protowire.Number = 3
	packetFieldPayload      protowire.Number = 4
)

// Packet is one chunk of a larger, reassembled DeviceMessage.
// PacketNumber is 1-based.
type Packet struct {
	PacketNumber int32
	TotalPackets int32
	MessageID    int32
	Payload      []byte
}

// Marshal serializes the packet using the protobuf wire format.
func (p *Packet) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, packetFieldNumber, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(p.PacketNumber))
	b = protowire.AppendTag(b, packetFieldTotalPackets, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(p.TotalPackets)))
	b = protowire.AppendTag(b, packetFieldMessageID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(p.MessageID)))
	b = protowire.AppendTag(b, packetFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Payload)
	return b
}

// UnmarshalPacket parses a wire-format Packet.
func UnmarshalPacket(b []byte) (*Packet, error) {
	p := &Packet{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrMalformed
		}
		b = b[n:]
		switch num {
		case packetFieldNumber:
			if typ != protowire.Fixed32Type {
				return nil, ErrMalformed
			}
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			p.PacketNumber = int32(v)
			b = b[n:]
		case packetFieldTotalPackets:
			if typ != protowire.VarintType {
				return nil, ErrMalformed
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			p.TotalPackets = int32(uint32(v))
			b = b[n:]
		case packetFieldMessageID:
			if typ != protowire.VarintType {
				return nil, ErrMalformed
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			p.MessageID = int32(uint32(v))
			b = b[n:]
		case packetFieldPayload:
			if typ != protowire.BytesType {
				return nil, ErrMalformed
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			p.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			var err error
			b, err = skipUnknown(b, typ)
			if err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// HeaderSize returns the constant portion of a marshaled packet's size: the
// fixed32 packet_number field (tag + 4 bytes), the message_id field's tag plus
// its varint encoding, and the payload field's tag plus length-prefix varint
// — everything except the total_packets field (whose own varint width is
// the caller's fixed point to solve for, see framer.MakePackets) and the
// payload bytes themselves.
func HeaderSize(messageID int32, payloadLen int) int {
	n := 1 + 4 // packet_number tag + fixed32
	n += 1 + varintSize(uint64(uint32(messageID)))
	n += 1 + varintSize(uint64(payloadLen))
	return n
}

func varintSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
