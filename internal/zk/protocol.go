package zk

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// Command and reply codes understood by ZK-family terminals.
const (
	CmdConnect       = 1000
	CmdExit          = 1001
	CmdEnableDevice  = 1002
	CmdDisableDevice = 1003
	CmdAuth          = 1102
	CmdGetVersion    = 1100
	CmdOptionsRRQ    = 11
	CmdUserTempRRQ   = 9
	CmdAttLogRRQ     = 13
	CmdGetFreeSizes  = 50
	CmdGetTime       = 201

	CmdPrepareData   = 1500
	CmdData          = 1501
	CmdFreeData      = 1502
	CmdPrepareBuffer = 1503
	CmdReadBuffer    = 1504

	CmdAckOK     = 2000
	CmdAckError  = 2001
	CmdAckData   = 2002
	CmdAckUnauth = 2005
)

const (
	machinePrepareData1 = 0x5050
	machinePrepareData2 = 0x7D82

	tcpHeaderSize = 8
	cmdHeaderSize = 8
	ushrtMax      = 0xFFFF

	// maxChunk is the largest buffer slice requested per READ_BUFFER call.
	maxChunk = 0xFFC0
	// maxPacket guards against corrupt length prefixes.
	maxPacket = 4 << 20

	fctUser   = 5
)

// Header is the command header carried by every packet.
type Header struct {
	Command   uint16
	Checksum  uint16
	SessionID uint16
	ReplyID   uint16
}

// Packet is one decoded frame.
type Packet struct {
	Header
	Data []byte
}

// OK reports whether the reply code signals success.
func (p Packet) OK() bool {
	switch p.Command {
	case CmdAckOK, CmdPrepareData, CmdData:
		return true
	}
	return false
}

// Checksum implements the terminal's 16-bit one's-complement style sum.
func Checksum(buf []byte) uint16 {
	sum := 0
	i := 0
	for ; i+1 < len(buf); i += 2 {
		sum += int(binary.LittleEndian.Uint16(buf[i:]))
		if sum > ushrtMax {
			sum -= ushrtMax
		}
	}
	if i < len(buf) {
		sum += int(buf[len(buf)-1])
	}
	for sum > ushrtMax {
		sum -= ushrtMax
	}
	sum = ^sum
	for sum < 0 {
		sum += ushrtMax
	}
	return uint16(sum)
}

// EncodePacket builds a TCP frame for command with the given session state.
func EncodePacket(command, sessionID, replyID uint16, data []byte) []byte {
	body := make([]byte, cmdHeaderSize+len(data))
	binary.LittleEndian.PutUint16(body[0:], command)
	binary.LittleEndian.PutUint16(body[4:], sessionID)
	binary.LittleEndian.PutUint16(body[6:], replyID)
	copy(body[cmdHeaderSize:], data)
	binary.LittleEndian.PutUint16(body[2:], Checksum(body))

	frame := make([]byte, tcpHeaderSize+len(body))
	binary.LittleEndian.PutUint16(frame[0:], machinePrepareData1)
	binary.LittleEndian.PutUint16(frame[2:], machinePrepareData2)
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(body)))
	copy(frame[tcpHeaderSize:], body)
	return frame
}

// DecodeTCPHeader validates the magic words and returns the body length.
func DecodeTCPHeader(head []byte) (int, error) {
	if len(head) < tcpHeaderSize {
		return 0, errors.New("zk: short tcp header")
	}
	if binary.LittleEndian.Uint16(head[0:]) != machinePrepareData1 ||
		binary.LittleEndian.Uint16(head[2:]) != machinePrepareData2 {
		return 0, errors.New("zk: invalid tcp header magic")
	}
	n := int(binary.LittleEndian.Uint32(head[4:]))
	if n < cmdHeaderSize || n > maxPacket {
		return 0, errors.Errorf("zk: invalid packet length %d", n)
	}
	return n, nil
}

// DecodeBody splits a frame body into header and payload.
func DecodeBody(body []byte) (Packet, error) {
	if len(body) < cmdHeaderSize {
		return Packet{}, errors.New("zk: short packet")
	}
	p := Packet{
		Header: Header{
			Command:   binary.LittleEndian.Uint16(body[0:]),
			Checksum:  binary.LittleEndian.Uint16(body[2:]),
			SessionID: binary.LittleEndian.Uint16(body[4:]),
			ReplyID:   binary.LittleEndian.Uint16(body[6:]),
		},
		Data: append([]byte(nil), body[cmdHeaderSize:]...),
	}
	return p, nil
}

// nextReplyID advances the rolling reply counter.
func nextReplyID(id uint16) uint16 {
	n := int(id) + 1
	if n >= ushrtMax {
		n -= ushrtMax
	}
	return uint16(n)
}

// MakeCommKey derives the AUTH payload from the numeric comm key.
func MakeCommKey(key int, sessionID uint16, ticks byte) []byte {
	k := uint32(0)
	for i := 0; i < 32; i++ {
		if uint32(key)&(1<<uint(i)) != 0 {
			k = k<<1 | 1
		} else {
			k <<= 1
		}
	}
	k += uint32(sessionID)

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], k)
	b[0] ^= 'Z'
	b[1] ^= 'K'
	b[2] ^= 'S'
	b[3] ^= 'O'
	// swap the two 16-bit halves
	b[0], b[1], b[2], b[3] = b[2], b[3], b[0], b[1]

	return []byte{b[0] ^ ticks, b[1] ^ ticks, ticks, b[3] ^ ticks}
}

// DecodeTime unpacks the terminal's packed timestamp in loc.
func DecodeTime(raw []byte, loc *time.Location) time.Time {
	if len(raw) < 4 {
		return time.Time{}
	}
	t := int(binary.LittleEndian.Uint32(raw))
	second := t % 60
	t /= 60
	minute := t % 60
	t /= 60
	hour := t % 24
	t /= 24
	day := t%31 + 1
	t /= 31
	month := t%12 + 1
	t /= 12
	year := t + 2000
	if loc == nil {
		loc = time.Local
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
}

// EncodeTime is the inverse of DecodeTime, in the time's own location.
func EncodeTime(ts time.Time) []byte {
	v := ((ts.Year()%100)*12*31+(int(ts.Month())-1)*31+ts.Day()-1)*(24*60*60) +
		(ts.Hour()*60+ts.Minute())*60 + ts.Second()
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(v))
	return out
}
