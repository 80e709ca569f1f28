package registry

import (
	"crypto/md5"
	"fmt"
	"sync"
	"time"
)

// Transport is the minimal surface the registry needs from a client
// connection. *websocket.Conn satisfies it.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

// Metadata is optional display information supplied at connect time.
// Missing fields are derived from the user id.
type Metadata struct {
	Name   string
	Color  string
	Avatar string
}

// Connection is one live client connection. Owned exclusively by the
// Registry; transport writes are serialized by writeMu.
type Connection struct {
	ID            string
	UserID        string
	Name          string
	Color         string
	Avatar        string
	ConnectedAt   time.Time
	LastHeartbeat time.Time

	rooms     map[string]struct{}
	transport Transport
	writeMu   sync.Mutex
}

// write serializes one outbound frame on this connection's transport.
func (c *Connection) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteJSON(v)
}

// roomList snapshots the connection's room membership. Caller holds the
// registry lock.
func (c *Connection) roomList() []string {
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// userColor derives a deterministic display color from a user id:
// the first three bytes of the md5 sum pick hue/saturation/lightness.
// Not a security use.
func userColor(userID string) string {
	sum := md5.Sum([]byte(userID))
	v := int(sum[0])<<16 | int(sum[1])<<8 | int(sum[2])
	hue := v % 360
	sat := 70 + v%20
	light := 45 + v%15
	return fmt.Sprintf("hsl(%d, %d%%, %d%%)", hue, sat, light)
}

// defaultName is the fallback display name for a user without one.
func defaultName(userID string) string {
	if len(userID) > 8 {
		userID = userID[:8]
	}
	return "User " + userID
}
