package bridge

import "github.com/ThreeDotsLabs/watermill/message"

// Metadata keys set on every mirrored Watermill message.
const (
	MetadataKeyTopic     = "unitkernel_topic"
	MetadataKeyTimestamp = "unitkernel_timestamp"
	MetadataKeyReplyTo   = "unitkernel_reply_to"
	MetadataKeyUnitID    = "unitkernel_unit_id"
	MetadataKeyType      = "unitkernel_payload_type"
)

// Metadata represents the headers carried alongside a mirrored message.
type Metadata map[string]string

// With returns a copy of m containing key=value. Empty values are skipped.
func (m Metadata) With(key, value string) Metadata {
	cloned := make(Metadata, len(m)+1)
	for k, v := range m {
		cloned[k] = v
	}
	if value != "" {
		cloned[key] = value
	}
	return cloned
}

// ToWatermill converts m into a Watermill metadata map.
func (m Metadata) ToWatermill() message.Metadata {
	wm := make(message.Metadata, len(m))
	for k, v := range m {
		wm[k] = v
	}
	return wm
}

// FromWatermill converts Watermill metadata back into Metadata.
func FromWatermill(md message.Metadata) Metadata {
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
