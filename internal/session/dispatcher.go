// Package session maps decoded MQTT packets onto subscription-trie
// mutations and response bytes, one Dispatcher per connection.
package session

import (
	"log"

	"github.com/mqttcore/broker/internal/broker"
	"github.com/mqttcore/broker/internal/packet"
)

// State is the connection's position in the INITIAL -> CONNECTED ->
// DISCONNECTED lifecycle. The reference broker does not reject
// non-CONNECT packets while INITIAL, and neither does this Dispatcher —
// State exists for observability, not enforcement (see DESIGN.md).
type State int

const (
	StateInitial State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "INITIAL"
	}
}

// Dispatcher interprets one connection's packets against the shared
// subscription Trie. It holds no transport state of its own — responses
// go back out through the originating Subscriber's Deliver method.
type Dispatcher struct {
	trie  *broker.Trie
	state State
}

// New returns a Dispatcher for one connection, routing subscriptions and
// publishes through the given (shared) Trie.
func New(trie *broker.Trie) *Dispatcher {
	return &Dispatcher{trie: trie, state: StateInitial}
}

// State reports the dispatcher's current lifecycle position.
func (d *Dispatcher) State() State {
	return d.state
}

// OnPacket handles one complete raw packet from subscriber. It matches
// framer.Dispatch's signature so a Dispatcher can be wired in directly as
// a connection's packet handler. Returns false only for DISCONNECT.
func (d *Dispatcher) OnPacket(subscriber any, raw []byte) bool {
	sub, ok := subscriber.(broker.Subscriber)
	if !ok {
		log.Printf("session: subscriber %T does not implement broker.Subscriber, dropping packet", subscriber)
		return true
	}

	switch packet.Classify(raw) {
	case packet.Connect:
		d.state = StateConnected
		sub.Deliver(packet.ConnAck)

	case packet.PingReq:
		sub.Deliver(packet.PingResp)

	case packet.Subscribe:
		topics := packet.SubscribeTopics(raw)
		if err := d.trie.SubscribeAll(sub, topics); err != nil {
			log.Printf("session: subscribe error: %v", err)
		}
		sub.Deliver(packet.SubAck(packet.SubscribeMsgID(raw)))

	case packet.Publish:
		topic := packet.PublishTopic(raw)
		d.trie.Publish(topic, raw)

	case packet.Disconnect:
		d.state = StateDisconnected
		return false

	default:
		if len(raw) > 0 {
			log.Printf("session: ignoring packet of unrecognized type (first byte 0x%02x)", raw[0])
		} else {
			log.Printf("session: ignoring empty packet")
		}
	}

	return true
}
