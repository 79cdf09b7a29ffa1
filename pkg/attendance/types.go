package attendance

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is the TCP port ZK-family terminals listen on.
const DefaultPort = 4370

// Device describes one terminal as loaded from configuration.
type Device struct {
	DeviceID string `mapstructure:"device_id" yaml:"device_id" json:"device_id"`
	Name     string `mapstructure:"name" yaml:"name" json:"name"`
	Host     string `mapstructure:"host" yaml:"host" json:"host"`
	Port     int    `mapstructure:"port" yaml:"port" json:"port"`
	Username string `mapstructure:"username" yaml:"username,omitempty" json:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty" json:"-"`
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	// Timezone is the IANA zone of the terminal clock. Empty means local time.
	Timezone string `mapstructure:"timezone" yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// Address returns host:port for dialing.
func (d Device) Address() string {
	port := d.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(strings.TrimSpace(d.Host), strconv.Itoa(port))
}

// Location resolves the terminal clock zone, falling back to time.Local.
func (d Device) Location() *time.Location {
	name := strings.TrimSpace(d.Timezone)
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

// CommKey parses the numeric communication key terminals use for auth.
// Non-numeric or empty passwords yield 0, the factory default.
func (d Device) CommKey() int {
	key, err := strconv.Atoi(strings.TrimSpace(d.Password))
	if err != nil || key < 0 {
		return 0
	}
	return key
}

func (d Device) String() string {
	return fmt.Sprintf("%s(%s)", d.Name, d.Address())
}

// Event is a single attendance punch read from a terminal.
type Event struct {
	DeviceID     string       `json:"device_id"`
	DeviceName   string       `json:"device_name"`
	UserID       string       `json:"user_id"`
	UserName     string       `json:"user_name"`
	Timestamp    time.Time    `json:"timestamp"`
	PunchType    PunchType    `json:"punch_type"`
	VerifyMethod VerifyMethod `json:"verify_method"`
	WorkCode     int          `json:"work_code"`
	// RawPunch and RawVerify keep the device codes so unrecognized values
	// remain auditable.
	RawPunch  int `json:"raw_punch"`
	RawVerify int `json:"raw_verify"`
}

// User is one entry of a terminal's user directory.
type User struct {
	UID       int    `json:"uid"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Privilege int    `json:"privilege"`
	GroupID   string `json:"group_id,omitempty"`
	Card      int64  `json:"card,omitempty"`
}

// DisplayName returns the user name or the User_<id> placeholder.
func (u User) DisplayName() string {
	if name := strings.TrimSpace(u.Name); name != "" {
		return name
	}
	return FallbackUserName(u.UserID)
}

// FallbackUserName is used when a punch references an unknown user.
func FallbackUserName(userID string) string {
	return "User_" + userID
}

// DeviceInfo is a snapshot of terminal metadata and counters.
type DeviceInfo struct {
	DeviceID        string    `json:"device_id" yaml:"device_id"`
	Name            string    `json:"name" yaml:"name"`
	Address         string    `json:"address" yaml:"address"`
	FirmwareVersion string    `json:"firmware_version" yaml:"firmware_version"`
	SerialNumber    string    `json:"serial_number" yaml:"serial_number"`
	Platform        string    `json:"platform" yaml:"platform"`
	DeviceName      string    `json:"device_name" yaml:"device_name"`
	DeviceTime      time.Time `json:"device_time" yaml:"device_time"`
	UserCount       int       `json:"user_count" yaml:"user_count"`
	RecordCount     int       `json:"record_count" yaml:"record_count"`
}

// DeviceStatistics aggregates stored records for one device.
type DeviceStatistics struct {
	DeviceID     string    `json:"device_id" yaml:"device_id"`
	DeviceName   string    `json:"device_name" yaml:"device_name"`
	RecordCount  int64     `json:"record_count" yaml:"record_count"`
	LastRecordAt time.Time `json:"last_record_at" yaml:"last_record_at"`
}

// SyncStatistics aggregates the whole store.
type SyncStatistics struct {
	TotalRecords int64              `json:"total_records" yaml:"total_records"`
	OldestRecord time.Time          `json:"oldest_record" yaml:"oldest_record"`
	NewestRecord time.Time          `json:"newest_record" yaml:"newest_record"`
	Devices      []DeviceStatistics `json:"devices" yaml:"devices"`
}

// DeviceStatus is the persisted outcome of the latest sync of one device.
type DeviceStatus struct {
	DeviceID      string    `json:"device_id" yaml:"device_id"`
	DeviceName    string    `json:"device_name" yaml:"device_name"`
	LastResult    string    `json:"last_result" yaml:"last_result"`
	LastError     string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	NewRecords    int       `json:"new_records" yaml:"new_records"`
	LastSyncAt    time.Time `json:"last_sync_at" yaml:"last_sync_at"`
	LastSuccessAt time.Time `json:"last_success_at" yaml:"last_success_at"`
	HostID        string    `json:"host_id,omitempty" yaml:"host_id,omitempty"`
}
