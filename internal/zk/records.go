package zk

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Record layouts by firmware generation.
const (
	attRecordSize8  = 8
	attRecordSize16 = 16
	attRecordSize40 = 40

	userRecordSize28 = 28
	userRecordSize72 = 72
)

// AttendanceRecord is a raw punch as stored on the terminal.
type AttendanceRecord struct {
	UID       int
	UserID    string
	Timestamp time.Time
	// Status carries the verify code, Punch the punch state code.
	Status   int
	Punch    int
	WorkCode int
}

// UserRecord is a raw user directory entry.
type UserRecord struct {
	UID       int
	UserID    string
	Name      string
	Privilege int
	Password  string
	GroupID   string
	Card      int64
}

// FreeSizes mirrors the counters returned by CMD_GET_FREE_SIZES.
type FreeSizes struct {
	Users      int
	Fingers    int
	Records    int
	UsersCap   int
	FingersCap int
	RecordsCap int
}

func decodeFreeSizes(data []byte) (FreeSizes, error) {
	if len(data) < 80 {
		return FreeSizes{}, errors.Errorf("zk: free sizes payload too short (%d bytes)", len(data))
	}
	fields := make([]int32, 20)
	for i := range fields {
		fields[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return FreeSizes{
		Users:      int(fields[4]),
		Fingers:    int(fields[6]),
		Records:    int(fields[8]),
		FingersCap: int(fields[14]),
		UsersCap:   int(fields[15]),
		RecordsCap: int(fields[16]),
	}, nil
}

// EncodeFreeSizes builds a CMD_GET_FREE_SIZES payload.
func EncodeFreeSizes(users, fingers, records int) []byte {
	out := make([]byte, 80)
	binary.LittleEndian.PutUint32(out[4*4:], uint32(users))
	binary.LittleEndian.PutUint32(out[6*4:], uint32(fingers))
	binary.LittleEndian.PutUint32(out[8*4:], uint32(records))
	return out
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}

// decodeAttendance parses a buffered ATTLOG read. The first four bytes hold
// the total payload size; the per-record layout is derived from count.
func decodeAttendance(buf []byte, count int, loc *time.Location) ([]AttendanceRecord, error) {
	if len(buf) < 4 || count <= 0 {
		return nil, nil
	}
	total := int(binary.LittleEndian.Uint32(buf))
	data := buf[4:]
	if total > len(data) {
		total = len(data)
	}
	data = data[:total]
	size := total / count
	switch size {
	case attRecordSize8, attRecordSize16, attRecordSize40:
	default:
		return nil, errors.Errorf("zk: unsupported attendance record size %d (%d bytes / %d records)", size, total, count)
	}
	records := make([]AttendanceRecord, 0, count)
	for off := 0; off+size <= len(data); off += size {
		rec := data[off : off+size]
		var r AttendanceRecord
		switch size {
		case attRecordSize8:
			r.UID = int(binary.LittleEndian.Uint16(rec[0:]))
			r.UserID = strconv.Itoa(r.UID)
			r.Status = int(rec[2])
			r.Timestamp = DecodeTime(rec[3:7], loc)
			r.Punch = int(rec[7])
		case attRecordSize16:
			r.UserID = strconv.FormatUint(uint64(binary.LittleEndian.Uint32(rec[0:])), 10)
			r.Timestamp = DecodeTime(rec[4:8], loc)
			r.Status = int(rec[8])
			r.Punch = int(rec[9])
			r.WorkCode = int(binary.LittleEndian.Uint32(rec[12:]))
		case attRecordSize40:
			r.UID = int(binary.LittleEndian.Uint16(rec[0:]))
			r.UserID = cString(rec[2:26])
			r.Status = int(rec[26])
			r.Timestamp = DecodeTime(rec[27:31], loc)
			r.Punch = int(rec[31])
			r.WorkCode = int(binary.LittleEndian.Uint32(rec[32:]))
		}
		if r.UserID == "" {
			r.UserID = strconv.Itoa(r.UID)
		}
		records = append(records, r)
	}
	return records, nil
}

// EncodeAttendance40 builds a buffered ATTLOG payload in the 40-byte layout.
func EncodeAttendance40(records []AttendanceRecord) []byte {
	data := make([]byte, 4+len(records)*attRecordSize40)
	binary.LittleEndian.PutUint32(data, uint32(len(records)*attRecordSize40))
	for i, r := range records {
		rec := data[4+i*attRecordSize40:]
		binary.LittleEndian.PutUint16(rec[0:], uint16(r.UID))
		copy(rec[2:26], r.UserID)
		rec[26] = byte(r.Status)
		copy(rec[27:31], EncodeTime(r.Timestamp))
		rec[31] = byte(r.Punch)
		binary.LittleEndian.PutUint32(rec[32:], uint32(r.WorkCode))
	}
	return data
}

// decodeUsers parses a buffered USERTEMP read.
func decodeUsers(buf []byte, count int) ([]UserRecord, error) {
	if len(buf) < 4 || count <= 0 {
		return nil, nil
	}
	total := int(binary.LittleEndian.Uint32(buf))
	data := buf[4:]
	if total > len(data) {
		total = len(data)
	}
	data = data[:total]
	size := total / count
	if size != userRecordSize28 && size != userRecordSize72 {
		return nil, errors.Errorf("zk: unsupported user record size %d", size)
	}
	users := make([]UserRecord, 0, count)
	for off := 0; off+size <= len(data); off += size {
		rec := data[off : off+size]
		var u UserRecord
		if size == userRecordSize28 {
			u.UID = int(binary.LittleEndian.Uint16(rec[0:]))
			u.Privilege = int(rec[2])
			u.Password = cString(rec[3:8])
			u.Name = cString(rec[8:16])
			u.Card = int64(binary.LittleEndian.Uint32(rec[16:]))
			u.GroupID = strconv.Itoa(int(rec[21]))
			u.UserID = strconv.FormatUint(uint64(binary.LittleEndian.Uint32(rec[24:])), 10)
		} else {
			u.UID = int(binary.LittleEndian.Uint16(rec[0:]))
			u.Privilege = int(rec[2])
			u.Password = cString(rec[3:11])
			u.Name = cString(rec[11:35])
			u.Card = int64(binary.LittleEndian.Uint32(rec[35:]))
			u.GroupID = cString(rec[40:47])
			u.UserID = cString(rec[48:72])
		}
		if u.UserID == "" {
			u.UserID = strconv.Itoa(u.UID)
		}
		users = append(users, u)
	}
	return users, nil
}

// EncodeUsers72 builds a buffered USERTEMP payload in the 72-byte layout.
func EncodeUsers72(users []UserRecord) []byte {
	data := make([]byte, 4+len(users)*userRecordSize72)
	binary.LittleEndian.PutUint32(data, uint32(len(users)*userRecordSize72))
	for i, u := range users {
		rec := data[4+i*userRecordSize72:]
		binary.LittleEndian.PutUint16(rec[0:], uint16(u.UID))
		rec[2] = byte(u.Privilege)
		copy(rec[3:11], u.Password)
		copy(rec[11:35], u.Name)
		binary.LittleEndian.PutUint32(rec[35:], uint32(u.Card))
		copy(rec[40:47], u.GroupID)
		copy(rec[48:72], u.UserID)
	}
	return data
}
