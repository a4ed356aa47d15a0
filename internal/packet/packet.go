// Package packet implements the MQTT 3.1 fixed-header codec: pure
// functions over raw byte slices that classify, measure, and slice apart
// control packets without allocating a parsed struct for the common path.
package packet

import (
	"encoding/binary"
)

// Kind is the MQTT control packet type carried in the top nibble of the
// fixed header's first byte.
type Kind byte

const (
	Connect    Kind = 1
	Publish    Kind = 3
	Subscribe  Kind = 8
	PingReq    Kind = 12
	Disconnect Kind = 14
	Other      Kind = 0xFF
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "CONNECT"
	case Publish:
		return "PUBLISH"
	case Subscribe:
		return "SUBSCRIBE"
	case PingReq:
		return "PINGREQ"
	case Disconnect:
		return "DISCONNECT"
	default:
		return "OTHER"
	}
}

// Classify reads the top nibble of byte 0 and maps it to a recognized
// Kind, or Other for anything this broker doesn't act on.
func Classify(b []byte) Kind {
	if len(b) == 0 {
		return Other
	}
	switch Kind((b[0] >> 4) & 0x0F) {
	case Connect, Publish, Subscribe, PingReq, Disconnect:
		return Kind((b[0] >> 4) & 0x0F)
	default:
		return Other
	}
}

// RemainingLength decodes MQTT's variable-length "remaining length" field
// starting at byte 1: up to four continuation-bit-terminated septets,
// accumulated little-endian. Returns 0 when b is too short to hold one.
func RemainingLength(b []byte) int {
	if len(b) < 2 {
		return 0
	}
	b = b[1:]
	multiplier := 1
	value := 0
	i := 0
	for {
		var digit byte
		if i < len(b) {
			digit = b[i]
		}
		value += int(digit&0x7F) * multiplier
		if digit&0x80 == 0 {
			break
		}
		multiplier *= 128
		i++
		if i >= 4 {
			break
		}
	}
	return value
}

// HeaderLength returns the number of bytes occupied by the fixed header:
// 1 type/flags byte plus however many continuation bytes the remaining
// length field consumed, minimum 2.
func HeaderLength(b []byte) int {
	if len(b) < 2 {
		return 2
	}
	n := 1
	for i := 1; i < len(b) && i <= 4; i++ {
		n++
		if b[i]&0x80 == 0 {
			break
		}
	}
	if n < 2 {
		n = 2
	}
	return n
}

// TotalLength is the full on-wire size of the packet starting at b:
// the fixed header plus the remaining-length payload.
func TotalLength(b []byte) int {
	return RemainingLength(b) + HeaderLength(b)
}

// PublishTopic extracts the topic name from a PUBLISH packet: a
// big-endian u16 length right after the fixed header (bytes 2-3 when the
// remaining length fits in one byte) followed by that many UTF-8 bytes.
func PublishTopic(b []byte) string {
	h := HeaderLength(b)
	if len(b) < h+2 {
		return ""
	}
	l := int(binary.BigEndian.Uint16(b[h : h+2]))
	end := h + 2 + l
	if end > len(b) {
		end = len(b)
	}
	return string(b[h+2 : end])
}

// PublishPayload returns the application payload of a PUBLISH packet,
// skipping the 2-byte packet identifier that follows the topic when QoS
// (byte 0, bits 1-2) is nonzero.
func PublishPayload(b []byte) []byte {
	topic := PublishTopic(b)
	start := HeaderLength(b) + 2 + len(topic)
	if len(b) > 0 && (b[0]&0x06) != 0 {
		start += 2
	}
	if start > len(b) {
		return nil
	}
	return b[start:]
}

// SubscribeMsgID returns the big-endian u16 message identifier at
// offset 2-3 of a SUBSCRIBE packet.
func SubscribeMsgID(b []byte) uint16 {
	if len(b) < 4 {
		return 0
	}
	return binary.BigEndian.Uint16(b[2:4])
}

// SubscribeTopics walks the repeated (length-prefixed topic, QoS byte)
// entries that follow the 2-byte message id in a SUBSCRIBE packet.
func SubscribeTopics(b []byte) []string {
	const fixedAndMsgID = 4 // 2 fixed header + 2 msg id, per the reference codec
	if len(b) < fixedAndMsgID {
		return nil
	}
	var topics []string
	rest := b[fixedAndMsgID:]
	for len(rest) >= 2 {
		l := int(binary.BigEndian.Uint16(rest[0:2]))
		end := 2 + l
		if end > len(rest) {
			break
		}
		topics = append(topics, string(rest[2:end]))
		if end+1 > len(rest) {
			break
		}
		rest = rest[end+1:] // skip the requested-QoS byte
	}
	return topics
}

// ConnAck is the fixed CONNACK success response: session-not-present,
// return code 0.
var ConnAck = []byte{0x20, 0x02, 0x00, 0x00}

// PingResp is the fixed PINGRESP response.
var PingResp = []byte{0xD0, 0x00}

// SubAck builds the SUBACK response for msgID: a single granted-QoS-0
// byte regardless of how many filters the SUBSCRIBE carried, matching
// the reference broker's behavior (see DESIGN.md).
func SubAck(msgID uint16) []byte {
	return []byte{0x90, 0x03, byte(msgID >> 8), byte(msgID), 0x00}
}
