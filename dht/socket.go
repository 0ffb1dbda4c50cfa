package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// MTU is the maximum datagram payload: Ethernet payload minus IP and UDP
// headers.
const MTU = 1472

// ErrDatagramTooLarge is returned by Send when the encoded datagram exceeds
// MTU.
var ErrDatagramTooLarge = errors.New("dht: datagram exceeds MTU")

// PacketHandler receives a decoded datagram together with its source
// endpoint. It must be safe for concurrent invocation.
type PacketHandler func(from *net.UDPAddr, datagram Datagram)

type outgoing struct {
	buf []byte
	to  *net.UDPAddr
}

// Socket owns a bound UDP connection and a FIFO send queue so that
// concurrent Send calls serialize through a single writer rather than
// racing on the underlying conn.
type Socket struct {
	conn    *net.UDPConn
	handler PacketHandler

	mu     sync.Mutex
	closed bool

	sendCh chan outgoing
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

var socketLog = logrus.WithField("component", "datagram socket")

// Listen opens a UDP socket bound to addr and starts its receive and send
// loops. handler is invoked for every successfully decoded datagram.
func Listen(addr string, handler PacketHandler) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dht: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dht: listen %q: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		conn:    conn,
		handler: handler,
		sendCh:  make(chan outgoing, 256),
		cancel:  cancel,
	}
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s, nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Send encodes and enqueues a datagram for delivery to to. Sends after
// Close are silently dropped, matching the spec's close semantics.
func (s *Socket) Send(d Datagram, to *net.UDPAddr) error {
	buf := d.Encode()
	if len(buf) > MTU {
		return ErrDatagramTooLarge
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	select {
	case s.sendCh <- outgoing{buf: buf, to: to}:
	default:
		socketLog.WithField("peer", to.String()).Warn("send queue full, dropping datagram")
	}
	return nil
}

func (s *Socket) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-s.sendCh:
			if _, err := s.conn.WriteToUDP(out.buf, out.to); err != nil {
				socketLog.WithError(err).WithField("peer", out.to.String()).Debug("write failed")
			}
		}
	}
}

func (s *Socket) readLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, MTU)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			socketLog.WithError(err).Debug("read error, continuing")
			continue
		}
		d, err := DecodeDatagram(buf[:n])
		if err != nil {
			socketLog.WithError(err).WithField("peer", from.String()).Debug("malformed datagram discarded")
			continue
		}
		s.handler(from, d)
	}
}

// Close stops the send/receive loops and releases the socket. Any sends
// already queued are discarded.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.conn.Close()
	s.wg.Wait()
	return err
}
