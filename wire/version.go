package wire

import "google.golang.org/protobuf/encoding/protowire"

// VersionExchange field numbers:
//
//	int32 min_supported_messaging_version = 1;
//	int32 max_supported_messaging_version = 2;
//	int32 min_supported_security_version  = 3;
//	int32 max_supported_security_version  = 4;
const (
	versionFieldMinMessaging protowire.Number = 1
	versionFieldMaxMessaging protowire.Number = 2
	versionFieldMinSecurity  protowire.Number = 3
	versionFieldMaxSecurity  protowire.Number = 4
)

// VersionExchange is sent as plain bytes over the raw read/write
// characteristics before framing is established.
type VersionExchange struct {
	MinMessaging int32
	MaxMessaging int32
	MinSecurity  int32
	MaxSecurity  int32
}

// Marshal serializes the VersionExchange using the protobuf wire format.
func (v *VersionExchange) Marshal() []byte {
	var b []byte
	b = appendInt32Field(b, versionFieldMinMessaging, v.MinMessaging)
	b = appendInt32Field(b, versionFieldMaxMessaging, v.MaxMessaging)
	b = appendInt32Field(b, versionFieldMinSecurity, v.MinSecurity)
	b = appendInt32Field(b, versionFieldMaxSecurity, v.MaxSecurity)
	return b
}

// UnmarshalVersionExchange parses a wire-format VersionExchange.
func UnmarshalVersionExchange(b []byte) (*VersionExchange, error) {
	if len(b) == 0 {
		return nil, ErrTruncated
	}
	v := &VersionExchange{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrMalformed
		}
		b = b[n:]
		if typ != protowire.VarintType {
			var err error
			b, err = skipUnknown(b, typ)
			if err != nil {
				return nil, err
			}
			continue
		}
		val, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		switch num {
		case versionFieldMinMessaging:
			v.MinMessaging = int32(uint32(val))
		case versionFieldMaxMessaging:
			v.MaxMessaging = int32(uint32(val))
		case versionFieldMinSecurity:
			v.MinSecurity = int32(uint32(val))
		case versionFieldMaxSecurity:
			v.MaxSecurity = int32(uint32(val))
		}
	}
	return v, nil
}

func appendInt32Field(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(uint32(v)))
}
