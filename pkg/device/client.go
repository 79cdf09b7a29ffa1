// Package device talks to ZK-family attendance terminals and keeps at most
// one session open at a time.
package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/httprunner/AttendAgent/internal/zk"
	"github.com/httprunner/AttendAgent/pkg/attendance"
)

const (
	defaultTimeout       = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = 500 * time.Millisecond
)

// DialFunc opens an authenticated terminal session.
type DialFunc func(ctx context.Context, addr string, opts zk.Options) (*zk.Conn, error)

// Options configures a Client.
type Options struct {
	Logger zerolog.Logger
	// Timeout is the default connect timeout when callers pass zero.
	Timeout time.Duration
	// MaxRetries bounds connect attempts, including the first.
	MaxRetries    int
	RetryInterval time.Duration
	Dial          DialFunc
	Clock         func() time.Time
}

// Client implements the device side of a sync pass over internal/zk.
type Client struct {
	logger        zerolog.Logger
	timeout       time.Duration
	maxRetries    int
	retryInterval time.Duration
	dial          DialFunc
	reg           *registry
}

// NewClient builds a Client, filling defaults for zero options.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Dial == nil {
		opts.Dial = zk.Dial
	}
	return &Client{
		logger:        opts.Logger.With().Str("component", "device").Logger(),
		timeout:       opts.Timeout,
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
		dial:          opts.Dial,
		reg:           newRegistry(opts.Clock),
	}
}

// Connect opens a session with d, retrying transient failures. Any other
// open session is closed first. Connecting an already connected device is
// a no-op.
func (c *Client) Connect(ctx context.Context, d attendance.Device, timeout time.Duration) error {
	if c.reg.conn(d.DeviceID) != nil {
		return nil
	}
	for _, id := range c.reg.openIDs() {
		if id != d.DeviceID {
			c.logger.Warn().Str("device_id", id).Msg("closing stale session before connecting")
			c.Disconnect(id)
		}
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	addr := d.Address()
	opts := zk.Options{Timeout: timeout, CommKey: d.CommKey(), Location: d.Location()}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 10 * c.retryInterval

	attempt := 0
	operation := func() (*zk.Conn, error) {
		attempt++
		conn, err := c.dial(ctx, addr, opts)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, zk.ErrUnauthorized) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		c.logger.Debug().Err(err).Str("device", d.Name).Int("attempt", attempt).Msg("connect attempt failed")
		return nil, err
	}
	conn, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.maxRetries)),
	)
	if err != nil {
		err = errors.Wrapf(err, "connect %s after %d attempt(s)", d, attempt)
		c.reg.markError(d.DeviceID, addr, err)
		return err
	}
	c.reg.markConnected(d.DeviceID, addr, conn)
	c.logger.Info().Str("device", d.Name).Str("address", addr).Uint16("session", conn.SessionID()).Msg("connected to device")
	return nil
}

// Disconnect closes the session for deviceID. Unknown or closed ids are ignored.
func (c *Client) Disconnect(deviceID string) {
	conn := c.reg.detach(deviceID)
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		c.logger.Debug().Err(err).Str("device_id", deviceID).Msg("close session failed")
	}
	c.logger.Debug().Str("device_id", deviceID).Msg("disconnected from device")
}

// DisconnectAll closes every open session.
func (c *Client) DisconnectAll() {
	for _, id := range c.reg.openIDs() {
		c.Disconnect(id)
	}
}

// OpenConnections reports the number of live sessions.
func (c *Client) OpenConnections() int {
	return len(c.reg.openIDs())
}

// States returns per-device connection state sorted by id.
func (c *Client) States() []State {
	return c.reg.snapshot()
}

// TestConnection connects, reads the clock and counters, then disconnects.
func (c *Client) TestConnection(ctx context.Context, d attendance.Device) (bool, string) {
	if err := c.Connect(ctx, d, 0); err != nil {
		return false, fmt.Sprintf("Connection failed: %v", err)
	}
	defer c.Disconnect(d.DeviceID)

	conn := c.reg.conn(d.DeviceID)
	if conn == nil {
		return false, "Connection failed: session lost"
	}
	ts, err := conn.Time(ctx)
	if err != nil {
		c.fail(d, err)
		return false, fmt.Sprintf("Connection test failed: %v", err)
	}
	sizes, err := conn.FreeSizes(ctx)
	if err != nil {
		c.fail(d, err)
		return false, fmt.Sprintf("Connection test failed: %v", err)
	}
	c.reg.touch(d.DeviceID)
	return true, fmt.Sprintf("Connection successful. Device time: %s, Users: %d, Records: %d",
		ts.Format("2006-01-02 15:04:05"), sizes.Users, sizes.Records)
}

// FetchUsers downloads the user directory of d.
func (c *Client) FetchUsers(ctx context.Context, d attendance.Device) ([]attendance.User, error) {
	conn, err := c.session(ctx, d)
	if err != nil {
		return nil, err
	}
	raw, err := conn.Users(ctx)
	if err != nil {
		c.fail(d, err)
		return nil, errors.Wrapf(err, "fetch users from %s", d)
	}
	c.reg.touch(d.DeviceID)
	users := make([]attendance.User, 0, len(raw))
	for _, u := range raw {
		users = append(users, attendance.User{
			UID:       u.UID,
			UserID:    u.UserID,
			Name:      u.Name,
			Privilege: u.Privilege,
			GroupID:   u.GroupID,
			Card:      u.Card,
		})
	}
	return users, nil
}

// FetchEvents returns punches strictly newer than since, oldest first as
// stored on the terminal. A zero since returns the whole log.
func (c *Client) FetchEvents(ctx context.Context, d attendance.Device, since time.Time) ([]attendance.Event, error) {
	users, err := c.FetchUsers(ctx, d)
	if err != nil {
		// names are cosmetic; fall back to User_<id>
		c.logger.Warn().Err(err).Str("device", d.Name).Msg("user directory unavailable")
		if ctx.Err() != nil {
			return nil, err
		}
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.UserID] = u.DisplayName()
	}

	conn, err := c.session(ctx, d)
	if err != nil {
		return nil, err
	}
	raw, err := conn.Attendance(ctx)
	if err != nil {
		c.fail(d, err)
		return nil, errors.Wrapf(err, "fetch attendance from %s", d)
	}
	c.reg.touch(d.DeviceID)

	events := make([]attendance.Event, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		if !since.IsZero() && !r.Timestamp.After(since) {
			skipped++
			continue
		}
		events = append(events, c.toEvent(d, r, names))
	}
	c.logger.Debug().
		Str("device", d.Name).
		Int("total", len(raw)).
		Int("skipped", skipped).
		Int("new", len(events)).
		Msg("attendance log read")
	return events, nil
}

func (c *Client) toEvent(d attendance.Device, r zk.AttendanceRecord, names map[string]string) attendance.Event {
	punch, ok := attendance.PunchTypeFromCode(r.Punch)
	if !ok {
		c.logger.Warn().Str("device", d.Name).Str("user_id", r.UserID).Int("code", r.Punch).Msg("unrecognized punch code")
	}
	verify, ok := attendance.VerifyMethodFromCode(r.Status)
	if !ok {
		c.logger.Warn().Str("device", d.Name).Str("user_id", r.UserID).Int("code", r.Status).Msg("unrecognized verify code")
	}
	name, ok := names[r.UserID]
	if !ok {
		name = attendance.FallbackUserName(r.UserID)
	}
	return attendance.Event{
		DeviceID:     d.DeviceID,
		DeviceName:   d.Name,
		UserID:       r.UserID,
		UserName:     name,
		Timestamp:    r.Timestamp,
		PunchType:    punch,
		VerifyMethod: verify,
		WorkCode:     r.WorkCode,
		RawPunch:     r.Punch,
		RawVerify:    r.Status,
	}
}

// DeviceInfo reads firmware, serial number, clock and counters from d.
func (c *Client) DeviceInfo(ctx context.Context, d attendance.Device) (attendance.DeviceInfo, error) {
	info := attendance.DeviceInfo{DeviceID: d.DeviceID, Name: d.Name, Address: d.Address()}
	conn, err := c.session(ctx, d)
	if err != nil {
		return info, err
	}
	if info.FirmwareVersion, err = conn.FirmwareVersion(ctx); err != nil {
		c.fail(d, err)
		return info, errors.Wrapf(err, "read firmware version from %s", d)
	}
	if info.DeviceTime, err = conn.Time(ctx); err != nil {
		c.fail(d, err)
		return info, errors.Wrapf(err, "read clock from %s", d)
	}
	sizes, err := conn.FreeSizes(ctx)
	if err != nil {
		c.fail(d, err)
		return info, errors.Wrapf(err, "read counters from %s", d)
	}
	info.UserCount = sizes.Users
	info.RecordCount = sizes.Records

	// optional fields; older firmware answers with an error
	for name, dst := range map[string]*string{
		"~SerialNumber": &info.SerialNumber,
		"~Platform":     &info.Platform,
		"~DeviceName":   &info.DeviceName,
	} {
		v, err := conn.Option(ctx, name)
		if err != nil {
			c.logger.Debug().Err(err).Str("option", name).Msg("device option unavailable")
			continue
		}
		*dst = strings.TrimSpace(v)
	}
	c.reg.touch(d.DeviceID)
	return info, nil
}

// fail records err and drops the session, whose framing state is unknown.
func (c *Client) fail(d attendance.Device, err error) {
	c.Disconnect(d.DeviceID)
	c.reg.markError(d.DeviceID, d.Address(), err)
}

// session returns the open session for d, connecting on demand.
func (c *Client) session(ctx context.Context, d attendance.Device) (*zk.Conn, error) {
	if conn := c.reg.conn(d.DeviceID); conn != nil {
		return conn, nil
	}
	if err := c.Connect(ctx, d, 0); err != nil {
		return nil, err
	}
	conn := c.reg.conn(d.DeviceID)
	if conn == nil {
		return nil, errors.Errorf("session for %s lost", d)
	}
	return conn, nil
}
