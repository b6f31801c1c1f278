// Package transport moves report records, raw samples and estimates between
// the tracker and the outside world
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
)

// MaxPacketSize is the largest datagram the report server reads
const MaxPacketSize = 65535

// RecordHandler consumes one text record
type RecordHandler func(line string) error

// UDPServer receives newline separated "id,distance,pos_x,pos_y" records.
// One datagram may carry several records.
type UDPServer struct {
	conn    *net.UDPConn
	handler RecordHandler

	mu       sync.Mutex
	received uint64
	dropped  uint64
}

// NewUDPServer binds addr, e.g. ":5683"
func NewUDPServer(addr string, handler RecordHandler) (*UDPServer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	_ = conn.SetReadBuffer(256 * 1024)

	return &UDPServer{conn: conn, handler: handler}, nil
}

// Addr returns the bound address
func (s *UDPServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve reads datagrams until ctx is done or the socket is closed
func (s *UDPServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	log.Printf("UDP: listening on %s", s.conn.LocalAddr())
	buf := make([]byte, MaxPacketSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("UDP: read error: %v", err)
			continue
		}
		s.handlePacket(buf[:n], addr)
	}
}

func (s *UDPServer) handlePacket(data []byte, addr *net.UDPAddr) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		s.mu.Lock()
		s.received++
		s.mu.Unlock()

		if err := s.handler(line); err != nil {
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			log.Printf("UDP: dropped record %q from %s: %v", line, addr, err)
		}
	}
}

// Counts returns the number of records received and dropped
func (s *UDPServer) Counts() (received, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received, s.dropped
}

// Close releases the socket
func (s *UDPServer) Close() error {
	return s.conn.Close()
}

// UDPSender writes records to a report server
type UDPSender struct {
	conn *net.UDPConn
}

// DialUDP connects a sender to addr
func DialUDP(addr string) (*UDPSender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &UDPSender{conn: conn}, nil
}

// Send writes the records as one datagram
func (u *UDPSender) Send(records ...string) error {
	var buf bytes.Buffer
	for _, r := range records {
		buf.WriteString(r)
		buf.WriteByte('\n')
	}
	_, err := u.conn.Write(buf.Bytes())
	return err
}

// Close releases the socket
func (u *UDPSender) Close() error {
	return u.conn.Close()
}
