// Package packet defines the decoded MQTT 3.1/3.1.1 control packets
// consumed and emitted by the session core.
//
// Encoding and decoding the MQTT wire format is out of scope for this
// module (see spec §1 Non-goals): a transport implementation is expected to
// hand the session a stream of already-decoded packets of these types, and
// to write packets of these types back to the wire.
package packet

// QoS is the MQTT Quality of Service level.
type QoS uint8

const (
	// AtMostOnce (QoS 0) delivers a message at most once, with no
	// acknowledgment and no retry.
	AtMostOnce QoS = 0

	// AtLeastOnce (QoS 1) delivers a message at least once; the receiver
	// acknowledges with PUBACK and the sender may retry until acknowledged.
	AtLeastOnce QoS = 1

	// ExactlyOnce (QoS 2) is not supported by this broker core; any
	// subscription requesting it is downgraded to AtLeastOnce.
	ExactlyOnce QoS = 2
)

// Will describes a last-will-and-testament message registered on CONNECT.
type Will struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

// Connect is a decoded CONNECT packet.
type Connect struct {
	ClientID  string
	Username  string
	Password  []byte
	KeepAlive uint16 // seconds
	Clean     bool
	Will      *Will // nil if no will was registered
}

// ConnAck return codes (MQTT 3.1.1, §3.2.2.3).
const (
	ConnAckAccepted      uint8 = 0
	ConnAckNotAuthorized uint8 = 5
)

// ConnAck is the CONNECT acknowledgment.
type ConnAck struct {
	ReturnCode     uint8
	SessionPresent bool
}

// Subscribe is a decoded SUBSCRIBE packet.
type Subscribe struct {
	MessageID uint16
	Topics    []string
	QoS       []QoS // one per Topics entry
}

// SubAck acknowledges a SUBSCRIBE. Granted holds one entry per requested
// topic, in the original request order; only 0 and 1 are ever returned by
// this broker core.
type SubAck struct {
	MessageID uint16
	Granted   []QoS
}

// Unsubscribe is a decoded UNSUBSCRIBE packet.
type Unsubscribe struct {
	MessageID uint16
	Topics    []string
}

// UnsubAck acknowledges an UNSUBSCRIBE.
type UnsubAck struct {
	MessageID uint16
}

// Publish is a decoded PUBLISH packet, inbound or outbound.
type Publish struct {
	Topic     string
	Payload   []byte
	QoS       QoS
	Retain    bool
	Dup       bool
	MessageID uint16 // only meaningful when QoS > 0
}

// PubAck acknowledges a QoS-1 PUBLISH.
type PubAck struct {
	MessageID uint16
}

// PingReq is the keepalive ping sent by the client.
type PingReq struct{}

// PingResp is the keepalive ping response sent by the broker.
type PingResp struct{}

// Disconnect is a graceful client-initiated disconnect; its receipt
// suppresses will delivery.
type Disconnect struct{}
