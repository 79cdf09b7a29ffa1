// Package zktest runs an in-process fake ZK terminal for tests.
package zktest

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/httprunner/AttendAgent/internal/zk"
)

// Server emulates the subset of the terminal protocol the client uses.
type Server struct {
	CommKey  int
	Firmware string
	Serial   string
	Platform string
	Name     string
	Clock    time.Time
	// ChunkThreshold forces the PREPARE_BUFFER/READ_BUFFER path for
	// payloads above this size. Zero answers every read with CMD_DATA.
	ChunkThreshold int
	// HangOn makes the server swallow the given command without replying.
	HangOn uint16

	mu      sync.Mutex
	users   []zk.UserRecord
	records []zk.AttendanceRecord

	ln       net.Listener
	wg       sync.WaitGroup
	active   atomic.Int32
	sessions atomic.Int32
	connects atomic.Int32
}

// Start listens on a loopback port and serves until the test ends.
func (s *Server) Start(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("zktest: listen failed: %v", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return ln.Addr().String()
}

// Close stops accepting and waits for sessions to end.
func (s *Server) Close() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
}

// SetUsers replaces the user directory.
func (s *Server) SetUsers(users ...zk.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append([]zk.UserRecord(nil), users...)
}

// AddRecords appends punches to the attendance log.
func (s *Server) AddRecords(records ...zk.AttendanceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
}

// ActiveSessions reports currently open sessions.
func (s *Server) ActiveSessions() int { return int(s.active.Load()) }

// Connects reports how many CMD_CONNECT handshakes were received.
func (s *Server) Connects() int { return int(s.connects.Load()) }

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	s.active.Add(1)
	defer func() {
		s.active.Add(-1)
		_ = conn.Close()
	}()

	session := uint16(s.sessions.Add(1) + 100)
	authed := s.CommKey == 0
	var pending []byte

	for {
		p, err := readFrame(conn)
		if err != nil {
			return
		}
		reply := func(code uint16, data []byte) bool {
			_, err := conn.Write(zk.EncodePacket(code, session, p.ReplyID, data))
			return err == nil
		}
		if s.HangOn != 0 && p.Command == s.HangOn {
			_, _ = io.Copy(io.Discard, conn)
			return
		}
		switch p.Command {
		case zk.CmdConnect:
			s.connects.Add(1)
			if s.CommKey != 0 {
				reply(zk.CmdAckUnauth, nil)
			} else {
				reply(zk.CmdAckOK, nil)
			}
			continue
		case zk.CmdAuth:
			if bytes.Equal(p.Data, zk.MakeCommKey(s.CommKey, session, 50)) {
				authed = true
				reply(zk.CmdAckOK, nil)
			} else {
				reply(zk.CmdAckUnauth, nil)
			}
			continue
		case zk.CmdExit:
			reply(zk.CmdAckOK, nil)
			return
		}
		if !authed {
			reply(zk.CmdAckUnauth, nil)
			continue
		}
		switch p.Command {
		case zk.CmdGetTime:
			reply(zk.CmdAckOK, zk.EncodeTime(s.clock()))
		case zk.CmdGetVersion:
			reply(zk.CmdAckOK, append([]byte(s.Firmware), 0))
		case zk.CmdOptionsRRQ:
			name := string(bytes.TrimRight(p.Data, "\x00"))
			reply(zk.CmdAckOK, append([]byte(name+"="+s.option(name)), 0))
		case zk.CmdGetFreeSizes:
			s.mu.Lock()
			payload := zk.EncodeFreeSizes(len(s.users), 0, len(s.records))
			s.mu.Unlock()
			reply(zk.CmdAckOK, payload)
		case zk.CmdPrepareBuffer:
			if len(p.Data) < 3 {
				reply(zk.CmdAckError, nil)
				continue
			}
			payload := s.payloadFor(binary.LittleEndian.Uint16(p.Data[1:]))
			if s.ChunkThreshold == 0 || len(payload) <= s.ChunkThreshold {
				reply(zk.CmdData, payload)
				continue
			}
			pending = payload
			sizeMsg := make([]byte, 9)
			binary.LittleEndian.PutUint32(sizeMsg[1:], uint32(len(pending)))
			reply(zk.CmdAckOK, sizeMsg)
		case zk.CmdReadBuffer:
			if len(p.Data) < 8 {
				reply(zk.CmdAckError, nil)
				continue
			}
			start := int(binary.LittleEndian.Uint32(p.Data[0:]))
			size := int(binary.LittleEndian.Uint32(p.Data[4:]))
			if start+size > len(pending) {
				reply(zk.CmdAckError, nil)
				continue
			}
			chunk := pending[start : start+size]
			head := make([]byte, 4)
			binary.LittleEndian.PutUint32(head, uint32(len(chunk)))
			if !reply(zk.CmdPrepareData, head) {
				return
			}
			for off := 0; off < len(chunk); off += 1024 {
				end := off + 1024
				if end > len(chunk) {
					end = len(chunk)
				}
				if !reply(zk.CmdData, chunk[off:end]) {
					return
				}
			}
			reply(zk.CmdAckOK, nil)
		case zk.CmdFreeData:
			pending = nil
			reply(zk.CmdAckOK, nil)
		default:
			reply(zk.CmdAckError, nil)
		}
	}
}

func (s *Server) clock() time.Time {
	if s.Clock.IsZero() {
		return time.Now()
	}
	return s.Clock
}

func (s *Server) option(name string) string {
	switch name {
	case "~SerialNumber":
		return s.Serial
	case "~Platform":
		return s.Platform
	case "~DeviceName":
		return s.Name
	}
	return ""
}

func (s *Server) payloadFor(command uint16) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch command {
	case zk.CmdAttLogRRQ:
		return zk.EncodeAttendance40(s.records)
	case zk.CmdUserTempRRQ:
		return zk.EncodeUsers72(s.users)
	}
	return []byte{0, 0, 0, 0}
}

func readFrame(r io.Reader) (zk.Packet, error) {
	head := make([]byte, 8)
	if _, err := io.ReadFull(r, head); err != nil {
		return zk.Packet{}, err
	}
	n, err := zk.DecodeTCPHeader(head)
	if err != nil {
		return zk.Packet{}, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return zk.Packet{}, err
	}
	return zk.DecodeBody(body)
}
