package session

import (
	"reflect"
	"testing"

	"github.com/mqttcore/broker/internal/broker"
)

type testSubscriber struct {
	sent [][]byte
}

func (t *testSubscriber) Deliver(payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.sent = append(t.sent, cp)
	return nil
}

func TestConnectThenPing(t *testing.T) {
	d := New(broker.New())
	client := &testSubscriber{}

	connect := []byte{
		0x10, 0x0a, 0x00, 0x06, 'M', 'Q', 'I', 's', 'd', 'p', 0x03, 0x02, 0x00, 0x3c, 0x00, 0x00,
	}
	if !d.OnPacket(client, connect) {
		t.Fatal("CONNECT should keep the connection open")
	}
	if d.State() != StateConnected {
		t.Fatalf("state = %v, want CONNECTED", d.State())
	}

	ping := []byte{0xc0, 0x00}
	if !d.OnPacket(client, ping) {
		t.Fatal("PINGREQ should keep the connection open")
	}

	want := [][]byte{{0x20, 0x02, 0x00, 0x00}, {0xD0, 0x00}}
	if !reflect.DeepEqual(client.sent, want) {
		t.Errorf("sent = %v, want %v", client.sent, want)
	}
}

func TestSubscribeThenSelfPublish(t *testing.T) {
	d := New(broker.New())
	client := &testSubscriber{}

	sub := []byte{
		0x8c, 0x0f,
		0x00, 0x2A, // msg id 42
		0x00, 0x0a, 't', 'o', 'p', 'i', 'c', 's', '/', 'f', 'o', 'o',
		0x00, // requested qos
	}
	if !d.OnPacket(client, sub) {
		t.Fatal("SUBSCRIBE should keep the connection open")
	}

	pub := []byte{
		0x30, 0x0f,
		0x00, 0x0a, 't', 'o', 'p', 'i', 'c', 's', '/', 'f', 'o', 'o',
		0x01, 0x02, 0x03,
	}
	if !d.OnPacket(client, pub) {
		t.Fatal("PUBLISH should keep the connection open")
	}

	if len(client.sent) != 2 {
		t.Fatalf("expected SUBACK + re-delivered PUBLISH, got %d messages", len(client.sent))
	}
	wantSuback := []byte{0x90, 0x03, 0x00, 0x2A, 0x00}
	if !reflect.DeepEqual(client.sent[0], wantSuback) {
		t.Errorf("suback = %v, want %v", client.sent[0], wantSuback)
	}
	if !reflect.DeepEqual(client.sent[1], pub) {
		t.Errorf("redelivered publish = %v, want verbatim %v", client.sent[1], pub)
	}
}

func TestPublishToNonSubscriberDeliversNothing(t *testing.T) {
	trie := broker.New()
	dA := New(trie)
	dB := New(trie)
	a := &testSubscriber{}
	b := &testSubscriber{}

	dA.OnPacket(a, []byte{
		0x8c, 0x08, 0x00, 0x01, 0x00, 0x03, 'a', '/', 'b', 0x00,
	})

	dB.OnPacket(b, []byte{
		0x30, 0x05, 0x00, 0x03, 'a', '/', 'c',
	})

	if len(a.sent) != 1 { // just the SUBACK
		t.Fatalf("a should only have the SUBACK, got %d messages", len(a.sent))
	}
}

func TestDisconnectTerminates(t *testing.T) {
	trie := broker.New()
	d := New(trie)
	client := &testSubscriber{}

	d.OnPacket(client, []byte{
		0x8c, 0x06, 0x00, 0x01, 0x00, 0x01, 't', 0x00,
	})

	if d.OnPacket(client, []byte{0xe0, 0x00}) {
		t.Fatal("DISCONNECT should return false")
	}
	if d.State() != StateDisconnected {
		t.Fatalf("state = %v, want DISCONNECTED", d.State())
	}

	trie.UnsubscribeAll(client)

	other := &testSubscriber{}
	dOther := New(trie)
	dOther.OnPacket(other, []byte{0x30, 0x03, 0x00, 0x01, 't'})

	if len(client.sent) != 1 { // only the SUBACK from before disconnect
		t.Fatalf("disconnected client should receive no further deliveries, got %d messages", len(client.sent))
	}
}

func TestUnknownPacketTypeIsIgnored(t *testing.T) {
	d := New(broker.New())
	client := &testSubscriber{}
	if !d.OnPacket(client, []byte{0x50, 0x00}) {
		t.Fatal("unrecognized packet type should keep the connection open")
	}
	if len(client.sent) != 0 {
		t.Fatalf("expected no response for unrecognized packet type, got %d", len(client.sent))
	}
}
