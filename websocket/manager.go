package websocket

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/NawaNapam/NawaNapam.dev/metrics"
)

// ClientManager holds the live websocket connections of a single server
// instance, keyed by connection id. This is the only state a process keeps
// in memory, and it is purely derived: the authoritative mapping from user
// to connection id lives in the presence record.
type ClientManager struct {
	clients  sync.Map
	wg       sync.WaitGroup
	serverID string
}

// NewClientManager creates a new client manager for this instance.
func NewClientManager(serverID string) *ClientManager {
	return &ClientManager{serverID: serverID}
}

// ServerID identifies this signaling instance.
func (m *ClientManager) ServerID() string {
	return m.serverID
}

// AddClient registers a live connection with this instance.
func (m *ClientManager) AddClient(session *ClientSession) {
	m.clients.Store(session.ID, session)
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	log.Printf("Client %s connected to instance %s", session.ID, m.serverID)
}

// RemoveClient drops a connection from the in-memory map.
func (m *ClientManager) RemoveClient(connID string) {
	m.clients.Delete(connID)
	metrics.ActiveConnections.Dec()
	log.Printf("Client %s disconnected", connID)
}

// GetClient retrieves a live connection by id. A miss means the connection
// belongs to another instance (or is gone), and the caller should do nothing.
func (m *ClientManager) GetClient(connID string) (*ClientSession, bool) {
	if client, ok := m.clients.Load(connID); ok {
		return client.(*ClientSession), true
	}
	return nil, false
}

// IncreaseWaitGroup tracks an in-flight background publish.
func (m *ClientManager) IncreaseWaitGroup() {
	m.wg.Add(1)
}

// DecreaseWaitGroup marks a background publish as finished.
func (m *ClientManager) DecreaseWaitGroup() {
	m.wg.Done()
}

// WaitForCompletion waits for all background publishes to complete.
func (m *ClientManager) WaitForCompletion() {
	m.wg.Wait()
}

// CloseAllConnections sends close messages to all clients and removes them.
func (m *ClientManager) CloseAllConnections(reason string) {
	m.clients.Range(func(key, value interface{}) bool {
		connID := key.(string)
		session := value.(*ClientSession)

		log.Printf("Closing connection for client %s: %s", connID, reason)
		session.Close(websocket.CloseGoingAway, reason)
		m.RemoveClient(connID)

		return true
	})
}
