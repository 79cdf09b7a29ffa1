package zk

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultTimeout = 5 * time.Second
	commKeyTicks   = 50
)

var (
	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("zk: connection closed")
	// ErrUnauthorized is returned when the terminal rejects the comm key.
	ErrUnauthorized = errors.New("zk: unauthorized, check comm key")

	aLongTimeAgo = time.Unix(1, 0)
)

// Options controls dialing and per-operation deadlines.
type Options struct {
	// Timeout bounds dialing and each request/response exchange.
	Timeout time.Duration
	// CommKey is the numeric password; 0 for terminals without one.
	CommKey int
	// Location is the zone of the terminal clock.
	Location *time.Location
}

// Conn is one authenticated session with a terminal. It is safe for
// sequential use by multiple goroutines; requests are serialized.
type Conn struct {
	addr    string
	timeout time.Duration
	loc     *time.Location

	mu        sync.Mutex
	nc        net.Conn
	sessionID uint16
	replyID   uint16
}

// Dial opens a TCP session and performs the CONNECT/AUTH handshake.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	dialer := net.Dialer{Timeout: opts.Timeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "zk: dial %s", addr)
	}
	c := &Conn{
		addr:    addr,
		timeout: opts.Timeout,
		loc:     opts.Location,
		nc:      nc,
		replyID: ushrtMax - 1,
	}
	err = c.do(ctx, func() error {
		resp, err := c.command(CmdConnect, nil)
		if err != nil {
			return errors.Wrap(err, "zk: connect")
		}
		c.sessionID = resp.SessionID
		switch resp.Command {
		case CmdAckOK:
			return nil
		case CmdAckUnauth:
			resp, err = c.command(CmdAuth, MakeCommKey(opts.CommKey, c.sessionID, commKeyTicks))
			if err != nil {
				return errors.Wrap(err, "zk: auth")
			}
			if resp.Command != CmdAckOK {
				return ErrUnauthorized
			}
			return nil
		default:
			return errors.Errorf("zk: connect rejected with code %d", resp.Command)
		}
	})
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// Addr returns the dialed address.
func (c *Conn) Addr() string { return c.addr }

// SessionID returns the session assigned by the terminal.
func (c *Conn) SessionID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close sends CMD_EXIT best effort and closes the socket. Safe to call twice.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	_ = c.nc.SetDeadline(time.Now().Add(time.Second))
	if err := c.send(CmdExit, nil); err == nil {
		_, _ = c.readPacket()
	}
	err := c.nc.Close()
	c.nc = nil
	return err
}

// Time reads the terminal clock.
func (c *Conn) Time(ctx context.Context) (time.Time, error) {
	var ts time.Time
	err := c.do(ctx, func() error {
		resp, err := c.expectOK(CmdGetTime, nil)
		if err != nil {
			return err
		}
		if len(resp.Data) < 4 {
			return errors.New("zk: short time payload")
		}
		ts = DecodeTime(resp.Data[:4], c.loc)
		return nil
	})
	return ts, err
}

// FirmwareVersion returns the firmware version string.
func (c *Conn) FirmwareVersion(ctx context.Context) (string, error) {
	var v string
	err := c.do(ctx, func() error {
		resp, err := c.expectOK(CmdGetVersion, nil)
		if err != nil {
			return err
		}
		v = cString(resp.Data)
		return nil
	})
	return v, err
}

// Option reads a "~Name" style option value such as SerialNumber.
func (c *Conn) Option(ctx context.Context, name string) (string, error) {
	var v string
	err := c.do(ctx, func() error {
		resp, err := c.expectOK(CmdOptionsRRQ, append([]byte(name), 0))
		if err != nil {
			return err
		}
		raw := cString(resp.Data)
		if i := strings.LastIndexByte(raw, '='); i >= 0 {
			raw = raw[i+1:]
		}
		v = strings.TrimSpace(raw)
		return nil
	})
	return v, err
}

// FreeSizes reads user and record counters.
func (c *Conn) FreeSizes(ctx context.Context) (FreeSizes, error) {
	var sizes FreeSizes
	err := c.do(ctx, func() error {
		var err error
		sizes, err = c.freeSizes()
		return err
	})
	return sizes, err
}

// Attendance downloads the full attendance log.
func (c *Conn) Attendance(ctx context.Context) ([]AttendanceRecord, error) {
	var records []AttendanceRecord
	err := c.do(ctx, func() error {
		sizes, err := c.freeSizes()
		if err != nil {
			return err
		}
		if sizes.Records == 0 {
			return nil
		}
		buf, err := c.readBuffer(CmdAttLogRRQ, 0)
		if err != nil {
			return errors.Wrap(err, "zk: read attendance")
		}
		records, err = decodeAttendance(buf, sizes.Records, c.loc)
		return err
	})
	return records, err
}

// Users downloads the user directory.
func (c *Conn) Users(ctx context.Context) ([]UserRecord, error) {
	var users []UserRecord
	err := c.do(ctx, func() error {
		sizes, err := c.freeSizes()
		if err != nil {
			return err
		}
		if sizes.Users == 0 {
			return nil
		}
		buf, err := c.readBuffer(CmdUserTempRRQ, fctUser)
		if err != nil {
			return errors.Wrap(err, "zk: read users")
		}
		users, err = decodeUsers(buf, sizes.Users)
		return err
	})
	return users, err
}

// do serializes an operation and binds its socket deadline to ctx.
func (c *Conn) do(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return ErrClosed
	}
	stop := c.watch(ctx)
	defer stop()
	if err := fn(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrapf(ctxErr, "zk: %s interrupted", c.addr)
		}
		return err
	}
	return nil
}

func (c *Conn) watch(ctx context.Context) func() {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.nc.SetDeadline(deadline)
	if ctx.Done() == nil {
		return func() {}
	}
	nc := c.nc
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = nc.SetDeadline(aLongTimeAgo)
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (c *Conn) send(command uint16, data []byte) error {
	c.replyID = nextReplyID(c.replyID)
	frame := EncodePacket(command, c.sessionID, c.replyID, data)
	if _, err := c.nc.Write(frame); err != nil {
		return errors.Wrapf(err, "zk: write command %d", command)
	}
	return nil
}

func (c *Conn) readPacket() (Packet, error) {
	head := make([]byte, tcpHeaderSize)
	if _, err := io.ReadFull(c.nc, head); err != nil {
		return Packet{}, errors.Wrap(err, "zk: read header")
	}
	n, err := DecodeTCPHeader(head)
	if err != nil {
		return Packet{}, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return Packet{}, errors.Wrap(err, "zk: read body")
	}
	return DecodeBody(body)
}

func (c *Conn) command(command uint16, data []byte) (Packet, error) {
	if err := c.send(command, data); err != nil {
		return Packet{}, err
	}
	return c.readPacket()
}

func (c *Conn) expectOK(command uint16, data []byte) (Packet, error) {
	resp, err := c.command(command, data)
	if err != nil {
		return Packet{}, err
	}
	if !resp.OK() {
		return Packet{}, errors.Errorf("zk: command %d failed with code %d", command, resp.Command)
	}
	return resp, nil
}

func (c *Conn) freeSizes() (FreeSizes, error) {
	resp, err := c.expectOK(CmdGetFreeSizes, nil)
	if err != nil {
		return FreeSizes{}, err
	}
	return decodeFreeSizes(resp.Data)
}

// readBuffer runs the PREPARE_BUFFER / READ_BUFFER / FREE_DATA sequence.
func (c *Conn) readBuffer(command uint16, fct uint32) ([]byte, error) {
	req := make([]byte, 11)
	req[0] = 1
	binary.LittleEndian.PutUint16(req[1:], command)
	binary.LittleEndian.PutUint32(req[3:], fct)
	resp, err := c.command(CmdPrepareBuffer, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, errors.Errorf("zk: buffered read of command %d rejected with code %d", command, resp.Command)
	}
	if resp.Command == CmdData {
		return resp.Data, nil
	}
	if len(resp.Data) < 5 {
		return nil, errors.New("zk: short buffer size payload")
	}
	size := int(binary.LittleEndian.Uint32(resp.Data[1:5]))
	buf := make([]byte, 0, size)
	for start := 0; start < size; {
		n := size - start
		if n > maxChunk {
			n = maxChunk
		}
		chunk, err := c.readChunk(start, n)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		start += n
	}
	_, _ = c.command(CmdFreeData, nil)
	return buf, nil
}

func (c *Conn) readChunk(start, size int) ([]byte, error) {
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:], uint32(start))
	binary.LittleEndian.PutUint32(req[4:], uint32(size))
	resp, err := c.command(CmdReadBuffer, req)
	if err != nil {
		return nil, err
	}
	switch resp.Command {
	case CmdData:
		return resp.Data, nil
	case CmdPrepareData:
		if len(resp.Data) < 4 {
			return nil, errors.New("zk: short prepare data payload")
		}
		want := int(binary.LittleEndian.Uint32(resp.Data))
		out := make([]byte, 0, want)
		for len(out) < want {
			p, err := c.readPacket()
			if err != nil {
				return nil, err
			}
			if p.Command != CmdData {
				return nil, errors.Errorf("zk: unexpected code %d while streaming chunk", p.Command)
			}
			out = append(out, p.Data...)
		}
		ack, err := c.readPacket()
		if err != nil {
			return nil, err
		}
		if ack.Command != CmdAckOK {
			return nil, errors.Errorf("zk: chunk not acknowledged, code %d", ack.Command)
		}
		return out, nil
	default:
		return nil, errors.Errorf("zk: read chunk at %d failed with code %d", start, resp.Command)
	}
}
