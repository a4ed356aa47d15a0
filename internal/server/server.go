// Package server wires the framer, session dispatcher, and subscription
// trie into a running TCP listener: one goroutine per connection, a
// shared Trie guarded internally by its own mutex, and an audit.Store
// fed from the side for operational visibility.
package server

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/mqttcore/broker/internal/audit"
	"github.com/mqttcore/broker/internal/broker"
	"github.com/mqttcore/broker/internal/config"
	"github.com/mqttcore/broker/internal/framer"
	"github.com/mqttcore/broker/internal/metrics"
	"github.com/mqttcore/broker/internal/packet"
	"github.com/mqttcore/broker/internal/session"
)

// Server is the MQTT broker: a TCP listener plus the shared subscription
// trie every connection's Dispatcher publishes into and subscribes
// through.
type Server struct {
	config   *config.Config
	listener net.Listener
	trie     *broker.Trie
	audit    audit.Store

	mu      sync.RWMutex
	running bool
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

// Client adapts a net.Conn to broker.Subscriber: Deliver writes the raw
// packet bytes straight to the wire. Writes are serialized per-client
// since framing a PUBLISH across two interleaved Write calls would
// corrupt the stream for the peer.
type Client struct {
	conn net.Conn
	addr string

	mu sync.Mutex
}

// Deliver implements broker.Subscriber. It carries every byte this
// connection writes back to its peer: fixed responses (CONNACK, SUBACK,
// PINGRESP) from the dispatcher and forwarded PUBLISH packets from the
// trie alike.
func (c *Client) Deliver(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.conn.Write(payload)
	if err == nil {
		metrics.BytesSent.Add(float64(n))
		metrics.MessagesSent.WithLabelValues(kindLabel(packet.Classify(payload))).Inc()
	}
	return err
}

// New creates a server with defaults suitable for tests that don't care
// about configuration (mirrors the reference broker's bare constructor).
func New() (*Server, error) {
	return &Server{
		config: &config.Config{
			Server: config.ServerConfig{
				Host:       "127.0.0.1",
				Port:       1883,
				BufferSize: config.DefaultBufferSize,
			},
		},
		trie:    broker.New(),
		clients: make(map[*Client]struct{}),
	}, nil
}

// NewWithConfig creates a server bound to cfg, auditing connection events
// to st. st may be nil to disable auditing entirely.
func NewWithConfig(cfg *config.Config, st audit.Store) (*Server, error) {
	return &Server{
		config:  cfg,
		audit:   st,
		trie:    broker.New(),
		clients: make(map[*Client]struct{}),
	}, nil
}

// Start begins listening for MQTT connections. It blocks until the
// listener is closed by Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.listener = listener

	log.Printf("MQTT broker listening on %s", addr)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return nil
			}
			log.Printf("Error accepting connection: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Addr returns the listener's bound address. It's only meaningful once
// Start has begun listening; chiefly useful for tests that bind to port
// 0 and need to discover the OS-assigned port.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts down the server, closing the listener and every
// open client connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return fmt.Errorf("error closing listener: %w", err)
		}
	}

	for client := range s.clients {
		client.conn.Close()
	}

	return nil
}

func (s *Server) bufferSize() int {
	if s.config != nil && s.config.Server.BufferSize > 0 {
		return s.config.Server.BufferSize
	}
	return config.DefaultBufferSize
}

// handleConnection owns one TCP connection end to end: it frames the
// byte stream, dispatches each complete packet against the shared trie,
// and tears down session state (but never the trie's knowledge of other
// clients) when the peer disconnects.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	client := &Client{conn: conn, addr: conn.RemoteAddr().String()}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
	}()

	log.Printf("New connection from %s", client.addr)
	metrics.ConnectionsTotal.Inc()
	metrics.ClientsConnected.Inc()
	defer metrics.ClientsConnected.Dec()

	f := framer.New(s.bufferSize())
	d := session.New(s.trie)
	subscriptions := 0

	for {
		n, err := conn.Read(f.WritableRegion())
		if n > 0 {
			metrics.BytesReceived.Add(float64(n))
		}
		if err != nil {
			log.Printf("Connection from %s closed: %v", client.addr, err)
			break
		}

		keepOpen, ferr := f.HandleMessages(n, client, func(sub any, pkt []byte) bool {
			if packet.Classify(pkt) == packet.Subscribe {
				subscriptions += len(packet.SubscribeTopics(pkt))
			}
			return s.dispatch(d, client, sub, pkt)
		})
		if ferr != nil {
			log.Printf("Closing connection from %s: %v", client.addr, ferr)
			metrics.FramerOverflows.Inc()
			if s.audit != nil {
				s.audit.RecordOverflow(client.addr)
			}
			break
		}
		if !keepOpen {
			log.Printf("Client %s disconnected gracefully", client.addr)
			break
		}
	}

	s.trie.UnsubscribeAll(client)
	metrics.SubscriptionsActive.Sub(float64(subscriptions))
	if s.audit != nil {
		s.audit.RecordDisconnect(client.addr)
	}
}

// dispatch records audit events and metrics around a single packet
// before handing it to the session dispatcher.
func (s *Server) dispatch(d *session.Dispatcher, client *Client, sub any, pkt []byte) bool {
	kind := packet.Classify(pkt)
	metrics.MessagesReceived.WithLabelValues(kindLabel(kind)).Inc()

	switch kind {
	case packet.Connect:
		if s.audit != nil {
			s.audit.RecordConnect(client.addr)
		}
	case packet.Subscribe:
		if s.audit != nil {
			s.audit.RecordSubscribe(client.addr, packet.SubscribeTopics(pkt))
		}
		metrics.SubscriptionsActive.Add(float64(len(packet.SubscribeTopics(pkt))))
	}

	return d.OnPacket(sub, pkt)
}

func kindLabel(k packet.Kind) string {
	switch k {
	case packet.Connect:
		return "connect"
	case packet.Publish:
		return "publish"
	case packet.Subscribe:
		return "subscribe"
	case packet.PingReq:
		return "pingreq"
	case packet.Disconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}
