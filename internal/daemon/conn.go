package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"

	"github.com/google/uuid"
)

// hookConn is one accepted hook-client connection: a framed line reader plus
// a serialized line writer, with a closed signal the resolution watcher polls
// to detect hooks that went away.
type hookConn struct {
	ID      string
	conn    net.Conn
	scanner *bufio.Scanner

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newHookConn(conn net.Conn) *hookConn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024) // 1MB max frame
	return &hookConn{
		ID:      uuid.New().String(),
		conn:    conn,
		scanner: scanner,
		closed:  make(chan struct{}),
	}
}

// ReadLine returns the next frame. Returned slices are copies; the scanner
// reuses its buffer.
func (c *hookConn) ReadLine() ([]byte, error) {
	if c.scanner.Scan() {
		line := c.scanner.Bytes()
		result := make([]byte, len(line))
		copy(result, line)
		return result, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, net.ErrClosed
}

// WriteJSON encodes v as one frame. A write error marks the connection closed
// so resolution paths stop trying to deliver on it.
func (c *hookConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		c.markClosed()
		return err
	}
	return nil
}

// Close closes the underlying connection and fires the closed signal.
func (c *hookConn) Close() error {
	err := c.conn.Close()
	c.markClosed()
	return err
}

func (c *hookConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Closed reports whether the hook side has gone away.
func (c *hookConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
