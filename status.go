package attendagent

import (
	"time"

	"github.com/httprunner/AttendAgent/internal/config"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateUninitialized     State = "uninitialized"
	StateInitialized       State = "initialized"
	StateRunning           State = "running"
	StateShutdownRequested State = "shutdown_requested"
	StateStopped           State = "stopped"
)

// SyncOutcome is the result of one device within a pass.
type SyncOutcome struct {
	DeviceID   string        `json:"device_id" yaml:"device_id"`
	DeviceName string        `json:"device_name" yaml:"device_name"`
	NewRecords int           `json:"new_records" yaml:"new_records"`
	Fetched    int           `json:"fetched" yaml:"fetched"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Success    bool          `json:"success" yaml:"success"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	Kind       ErrorKind     `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// Cancelled reports an outcome cut short by shutdown; it is neither a
// success nor a failure.
func (o SyncOutcome) Cancelled() bool { return o.Kind == KindCancellation }

// PassSummary aggregates one SyncAll call.
type PassSummary struct {
	PassID         string        `json:"pass_id" yaml:"pass_id"`
	StartedAt      time.Time     `json:"started_at" yaml:"started_at"`
	Duration       time.Duration `json:"duration" yaml:"duration"`
	Attempted      int           `json:"attempted" yaml:"attempted"`
	Succeeded      int           `json:"succeeded" yaml:"succeeded"`
	Failed         int           `json:"failed" yaml:"failed"`
	TotalNew       int           `json:"total_new" yaml:"total_new"`
	Cancelled      bool          `json:"cancelled" yaml:"cancelled"`
	CleanupRan     bool          `json:"cleanup_ran" yaml:"cleanup_ran"`
	CleanupRemoved int64         `json:"cleanup_removed" yaml:"cleanup_removed"`
	Outcomes       []SyncOutcome `json:"outcomes" yaml:"outcomes"`
}

func (p *PassSummary) add(o SyncOutcome) {
	p.Outcomes = append(p.Outcomes, o)
	if o.Cancelled() {
		return
	}
	p.Attempted++
	if o.Success {
		p.Succeeded++
		p.TotalNew += o.NewRecords
	} else {
		p.Failed++
	}
}

// Failures returns the failed outcomes.
func (p PassSummary) Failures() []SyncOutcome {
	var out []SyncOutcome
	for _, o := range p.Outcomes {
		if !o.Success && !o.Cancelled() {
			out = append(out, o)
		}
	}
	return out
}

// DeviceCounters accumulates outcomes for one device across passes.
type DeviceCounters struct {
	DeviceID      string      `json:"device_id" yaml:"device_id"`
	DeviceName    string      `json:"device_name" yaml:"device_name"`
	Enabled       bool        `json:"enabled" yaml:"enabled"`
	Syncs         int         `json:"syncs" yaml:"syncs"`
	Failures      int         `json:"failures" yaml:"failures"`
	TotalNew      int         `json:"total_new" yaml:"total_new"`
	LastSuccessAt time.Time   `json:"last_success_at" yaml:"last_success_at"`
	LastOutcome   SyncOutcome `json:"last_outcome" yaml:"last_outcome"`
}

// SystemStatus is the snapshot returned by Orchestrator.Status.
type SystemStatus struct {
	Running    bool             `json:"running" yaml:"running"`
	State      State            `json:"state" yaml:"state"`
	HostID     string           `json:"host_id" yaml:"host_id"`
	ConfigPath string           `json:"config_path" yaml:"config_path"`
	Config     config.Summary   `json:"config" yaml:"config"`
	Devices    []DeviceCounters `json:"devices" yaml:"devices"`
	LastPass   *PassSummary     `json:"last_pass,omitempty" yaml:"last_pass,omitempty"`
	OpenConns  int              `json:"open_connections" yaml:"open_connections"`
	CheckedAt  time.Time        `json:"checked_at" yaml:"checked_at"`
}

// ConnectionResult is one row of Orchestrator.TestConnections.
type ConnectionResult struct {
	DeviceID string        `json:"device_id" yaml:"device_id"`
	Name     string        `json:"name" yaml:"name"`
	Address  string        `json:"address" yaml:"address"`
	Success  bool          `json:"success" yaml:"success"`
	Message  string        `json:"message" yaml:"message"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}
