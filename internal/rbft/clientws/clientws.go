// Package clientws is the client-facing websocket gateway: clients dial a
// single /ws endpoint, submit Request envelopes as JSON frames, and
// receive RequestAck/RequestNack/Reply envelopes back on the same
// connection. Connections pool by remote address, which doubles as the
// client return address.
package clientws

import (
	"net/http"
	"sync"

	"github.com/btcsuite/websocket"
	"go.uber.org/zap"

	"github.com/sybtjp/plenum/internal/rbft/message"
)

// Sink receives inbound client envelopes; both transport.Memory and
// transportp2p.P2P satisfy it.
type Sink interface {
	DeliverClientRequest(from string, env message.Envelope)
}

// Gateway accepts websocket client connections and bridges them onto the
// node's client inbox. The connection's remote address doubles as the
// client return address the Node replies to.
type Gateway struct {
	mu     sync.Mutex
	conns  map[string]*websocket.Conn
	sink   Sink
	logger *zap.SugaredLogger

	upgrader websocket.Upgrader
}

// New builds a Gateway feeding sink.
func New(sink Sink, logger *zap.SugaredLogger) *Gateway {
	return &Gateway{
		conns:  make(map[string]*websocket.Conn),
		sink:   sink,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the http.Handler to mount at the node's /ws endpoint.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Warnw("websocket upgrade failed", "error", err)
			return
		}
		addr := conn.RemoteAddr().String()
		g.mu.Lock()
		g.conns[addr] = conn
		g.mu.Unlock()
		g.logger.Infow("client connected", "addr", addr)
		go g.readLoop(addr, conn)
	})
}

func (g *Gateway) readLoop(addr string, conn *websocket.Conn) {
	defer func() {
		g.mu.Lock()
		delete(g.conns, addr)
		g.mu.Unlock()
		conn.Close()
		g.logger.Infow("client disconnected", "addr", addr)
	}()
	for {
		var env message.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		g.sink.DeliverClientRequest(addr, env)
	}
}

// Send delivers a reply envelope to the client connected from addr. A
// client that has already disconnected loses the reply; it re-submits and
// the idempotent reply cache answers.
func (g *Gateway) Send(addr string, env message.Envelope) error {
	g.mu.Lock()
	conn, ok := g.conns[addr]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.WriteJSON(env)
}

// Close drops every open client connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for addr, conn := range g.conns {
		conn.Close()
		delete(g.conns, addr)
	}
}
