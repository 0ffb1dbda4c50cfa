package transport

import (
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kutluhann/kadnet/id"
	"github.com/sirupsen/logrus"
)

var connLog = logrus.WithField("component", "connection")

// TIdle is the stream idle timeout; an idle connection is dropped with
// reason Timeout.
const TIdle = 10 * time.Second

// DropReason identifies why a Connection transitioned to dropped.
type DropReason int

const (
	Timeout DropReason = iota
	ReadError
	WriteError
	ProtocolCorrupted
	ConnectionError
)

func (r DropReason) String() string {
	switch r {
	case Timeout:
		return "timeout"
	case ReadError:
		return "read error"
	case WriteError:
		return "write error"
	case ProtocolCorrupted:
		return "protocol corrupted"
	case ConnectionError:
		return "connection error"
	default:
		return "unknown"
	}
}

// owner is the subset of Host a Connection calls back into; declared here
// so Connection does not depend on Host's full surface.
type owner interface {
	onConnected(c *Connection, reg Packet)
	onPacketReceived(c *Connection, pkt Packet)
	onConnectionDropped(remote id.NodeId, active bool, reason DropReason)
	onPendingConnectionError(remote id.NodeId, reason DropReason)
}

// Connection owns one TCP stream, a send queue, and a single idle timer.
// It is identified, once the handshake completes, by the remote NodeId and
// a polarity flag: active (dialed out) vs passive (accepted).
type Connection struct {
	host   owner
	conn   net.Conn
	active bool
	self   id.NodeId

	mu                    sync.Mutex
	remoteID              id.NodeId
	registrationComplete  bool
	dropped               bool
	sendQueue             [][]byte
	notify                chan struct{}

	idleTimer *time.Timer
}

func newConnection(host owner, conn net.Conn, active bool, self id.NodeId) *Connection {
	return &Connection{
		host:   host,
		conn:   conn,
		active: active,
		self:   self,
		notify: make(chan struct{}, 1),
	}
}

// dialBackoff bounds dialWithBackoff to a handful of quick retries so a
// dial started by Connect gives up on a dead peer instead of retrying
// indefinitely.
func dialBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return backoff.WithMaxRetries(b, 3)
}

func dialWithBackoff(addr string) (net.Conn, error) {
	var conn net.Conn
	err := backoff.Retry(func() error {
		c, err := net.DialTimeout("tcp", addr, TIdle)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, dialBackoff())
	return conn, err
}

// Dial opens an active connection to addr and queues reg as the first
// frame, per the handshake protocol's dialer side.
func Dial(host owner, addr string, reg Packet) (*Connection, error) {
	conn, err := dialWithBackoff(addr)
	if err != nil {
		return nil, err
	}
	c := newConnection(host, conn, true, reg.Header.Sender)
	c.remoteID = reg.Header.Receiver
	c.sendQueue = append(c.sendQueue, reg.Encode())
	c.resetIdleTimer()
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// Accept wraps an inbound TCP connection as a passive Connection, awaiting
// the remote's Registration frame. self is echoed back as the sender of
// this side's own Registration reply once the peer's frame arrives.
func Accept(host owner, conn net.Conn, self id.NodeId) *Connection {
	c := newConnection(host, conn, false, self)
	c.resetIdleTimer()
	go c.writeLoop()
	go c.readLoop()
	return c
}

// RemoteID returns the remote NodeId, valid only once the handshake has
// completed.
func (c *Connection) RemoteID() id.NodeId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// Active reports the connection's polarity.
func (c *Connection) Active() bool { return c.active }

func (c *Connection) resetIdleTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return
	}
	if c.idleTimer == nil {
		c.idleTimer = time.AfterFunc(TIdle, func() { c.Drop(Timeout) })
		return
	}
	c.idleTimer.Reset(TIdle)
}

// Send enqueues a packet for transmission; the actual write happens
// asynchronously on the write loop.
func (c *Connection) Send(pkt Packet) {
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return
	}
	c.sendQueue = append(c.sendQueue, pkt.Encode())
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Connection) writeLoop() {
	for {
		c.mu.Lock()
		if c.dropped {
			c.mu.Unlock()
			return
		}
		if len(c.sendQueue) == 0 {
			c.mu.Unlock()
			<-c.notify
			continue
		}
		buf := c.sendQueue[0]
		c.mu.Unlock()

		if _, err := c.conn.Write(buf); err != nil {
			connLog.WithError(err).WithField("peer", c.RemoteID()).Debug("write failed")
			c.Drop(WriteError)
			return
		}
		c.resetIdleTimer()

		c.mu.Lock()
		if len(c.sendQueue) > 0 {
			c.sendQueue = c.sendQueue[1:]
		}
		c.mu.Unlock()
	}
}

func readFull(conn net.Conn, n int) ([]byte, error) {
	buf := make([]byte, n)
	total := 0
	for total < n {
		read, err := conn.Read(buf[total:])
		total += read
		if err != nil {
			return buf[:total], err
		}
	}
	return buf, nil
}

func (c *Connection) readLoop() {
	for {
		raw, err := readFull(c.conn, headerSize)
		if err != nil {
			c.Drop(ReadError)
			return
		}
		c.resetIdleTimer()

		header, err := DecodeHeader(raw)
		if err != nil {
			c.Drop(ProtocolCorrupted)
			return
		}

		payload, err := readFull(c.conn, int(header.DataSize))
		if err != nil {
			c.Drop(ReadError)
			return
		}
		c.resetIdleTimer()

		pkt := Packet{Header: header, Payload: payload}
		isReg := header.IsRegistration()

		c.mu.Lock()
		complete := c.registrationComplete
		c.mu.Unlock()

		if !complete {
			if !isReg {
				c.Drop(ProtocolCorrupted)
				return
			}
			c.mu.Lock()
			c.registrationComplete = true
			if !c.active {
				c.remoteID = header.Sender
			}
			c.mu.Unlock()
			if !c.active {
				// Echo our own Registration back now that we know who dialed
				// us, completing the passive side of the handshake.
				c.Send(NewPacket(Registration, c.self, c.remoteID, nil))
			}
			c.host.onConnected(c, pkt)
			continue
		}

		if isReg {
			connLog.WithField("peer", c.RemoteID()).Debug("registration received after handshake completed")
			c.Drop(ProtocolCorrupted)
			return
		}

		c.host.onPacketReceived(c, pkt)
	}
}

// Drop transitions the connection to dropped, notifying the owner exactly
// once. Passive pre-handshake drops are not surfaced, matching the
// handshake protocol's failure semantics.
func (c *Connection) Drop(reason DropReason) {
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return
	}
	c.dropped = true
	complete := c.registrationComplete
	remote := c.remoteID
	active := c.active
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.mu.Unlock()

	_ = c.conn.Close()
	select {
	case c.notify <- struct{}{}:
	default:
	}

	if complete {
		c.host.onConnectionDropped(remote, active, reason)
	} else if active {
		c.host.onPendingConnectionError(remote, reason)
	}
}

// Close drops the connection with reason ConnectionError, used by the
// owner for an explicit shutdown.
func (c *Connection) Close() { c.Drop(ConnectionError) }
