package device

import (
	"sort"
	"sync"
	"time"

	"github.com/httprunner/AttendAgent/internal/zk"
)

// Status 描述终端连接在注册表中的状态。
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// State is a point-in-time view of one terminal's connection.
type State struct {
	DeviceID  string
	Address   string
	Status    Status
	LastSeen  time.Time
	LastError string
}

type entry struct {
	state State
	conn  *zk.Conn
}

// registry 维护每台终端的连接与最近状态。
type registry struct {
	mu      sync.Mutex
	devices map[string]*entry
	clock   func() time.Time
}

func newRegistry(clock func() time.Time) *registry {
	if clock == nil {
		clock = time.Now
	}
	return &registry{devices: make(map[string]*entry), clock: clock}
}

func (r *registry) get(deviceID string) *entry {
	e, ok := r.devices[deviceID]
	if !ok {
		e = &entry{state: State{DeviceID: deviceID, Status: StatusDisconnected}}
		r.devices[deviceID] = e
	}
	return e
}

// conn returns the open session for deviceID, if any.
func (r *registry) conn(deviceID string) *zk.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.devices[deviceID]; ok {
		return e.conn
	}
	return nil
}

func (r *registry) markConnected(deviceID, addr string, c *zk.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(deviceID)
	e.conn = c
	e.state.Address = addr
	e.state.Status = StatusConnected
	e.state.LastSeen = r.clock()
	e.state.LastError = ""
}

func (r *registry) markError(deviceID, addr string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(deviceID)
	e.state.Address = addr
	e.state.Status = StatusError
	if err != nil {
		e.state.LastError = err.Error()
	}
}

func (r *registry) touch(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.devices[deviceID]; ok {
		e.state.LastSeen = r.clock()
	}
}

// detach removes and returns the open session so the caller can close it
// outside the lock.
func (r *registry) detach(deviceID string) *zk.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok || e.conn == nil {
		return nil
	}
	c := e.conn
	e.conn = nil
	if e.state.Status == StatusConnected {
		e.state.Status = StatusDisconnected
	}
	return c
}

// openIDs lists devices with a live session.
func (r *registry) openIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.devices))
	for id, e := range r.devices {
		if e.conn != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *registry) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
