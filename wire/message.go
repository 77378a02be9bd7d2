package wire

import "google.golang.org/protobuf/encoding/protowire"

// OperationType tags the purpose of a DeviceMessage.
type OperationType int32

// OperationType values, fixed by the wire contract.
const (
	OperationUnknown            OperationType = 0
	OperationEncryptionHandshake OperationType = 2
	OperationClientMessage      OperationType = 3
	OperationQuery              OperationType = 4
	OperationQueryResponse      OperationType = 5
	OperationAck                OperationType = 6
)

func (o OperationType) String() string {
	switch o {
	case OperationEncryptionHandshake:
		return "encryption_handshake"
	case OperationClientMessage:
		return "client_message"
	case OperationQuery:
		return "query"
	case OperationQueryResponse:
		return "query_response"
	case OperationAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Message field numbers:
//
//	OperationType operation          = 1;
//	bool          is_payload_encrypted = 2;
//	bytes         payload            = 3;
//	uint32        original_size      = 4;
//	bytes         recipient          = 5;
const (
	messageFieldOperation    protowire.Number = 1
	messageFieldEncrypted    protowire.Number = 2
	messageFieldPayload      protowire.Number = 3
	messageFieldOriginalSize protowire.Number = 4
	messageFieldRecipient    protowire.Number = 5
)

// DeviceMessage is the reassembled logical payload carried by one or more
// Packets. Recipient is never nil on the wire: callers that have no
// recipient (e.g. the encryption handshake) must pass an empty, non-nil
// slice.
type DeviceMessage struct {
	Operation          OperationType
	IsPayloadEncrypted bool
	Payload            []byte
	OriginalSize       uint32
	Recipient          []byte
}

// Marshal serializes the DeviceMessage using the protobuf wire format.
func (m *DeviceMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, messageFieldOperation, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(m.Operation)))
	b = protowire.AppendTag(b, messageFieldEncrypted, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(m.IsPayloadEncrypted))
	b = protowire.AppendTag(b, messageFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Payload)
	b = protowire.AppendTag(b, messageFieldOriginalSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.OriginalSize))
	b = protowire.AppendTag(b, messageFieldRecipient, protowire.BytesType)
	// recipient must never serialize as absent: an empty slice still emits
	// an empty length-delimited field, distinguishing "no recipient" from
	// a decode producing a nil slice.
	recipient := m.Recipient
	if recipient == nil {
		recipient = []byte{}
	}
	b = protowire.AppendBytes(b, recipient)
	return b
}

// UnmarshalDeviceMessage parses a wire-format Message.
func UnmarshalDeviceMessage(b []byte) (*DeviceMessage, error) {
	m := &DeviceMessage{Recipient: []byte{}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrMalformed
		}
		b = b[n:]
		switch num {
		case messageFieldOperation:
			if typ != protowire.VarintType {
				return nil, ErrMalformed
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Operation = OperationType(int32(uint32(v)))
			b = b[n:]
		case messageFieldEncrypted:
			if typ != protowire.VarintType {
				return nil, ErrMalformed
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.IsPayloadEncrypted = v != 0
			b = b[n:]
		case messageFieldPayload:
			if typ != protowire.BytesType {
				return nil, ErrMalformed
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Payload = append([]byte(nil), v...)
			b = b[n:]
		case messageFieldOriginalSize:
			if typ != protowire.VarintType {
				return nil, ErrMalformed
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.OriginalSize = uint32(v)
			b = b[n:]
		case messageFieldRecipient:
			if typ != protowire.BytesType {
				return nil, ErrMalformed
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Recipient = append([]byte(nil), v...)
			b = b[n:]
		default:
			var err error
			b, err = skipUnknown(b, typ)
			if err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func boolToVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
