package attendagent

import (
	"context"

	"github.com/httprunner/AttendAgent/pkg/attendance"
)

// Lifecycle is what a host process (service wrapper, CLI) drives.
type Lifecycle interface {
	OnStart(ctx context.Context) error
	// OnStop must not block or perform I/O.
	OnStop()
}

var _ Lifecycle = (*Orchestrator)(nil)

// OnStart initializes the orchestrator.
func (o *Orchestrator) OnStart(ctx context.Context) error { return o.Initialize(ctx) }

// OnStop requests a cooperative shutdown.
func (o *Orchestrator) OnStop() { o.RequestShutdown() }

// Callbacks 聚合同步过程中的本地回调，均在执行同步的 goroutine 上调用。
type Callbacks struct {
	OnPassStarted  func(passID string, devices []attendance.Device)
	OnDeviceResult func(outcome SyncOutcome)
	OnPassFinished func(summary PassSummary)
}

func (c Callbacks) passStarted(passID string, devices []attendance.Device) {
	if c.OnPassStarted != nil {
		c.OnPassStarted(passID, devices)
	}
}

func (c Callbacks) deviceResult(o SyncOutcome) {
	if c.OnDeviceResult != nil {
		c.OnDeviceResult(o)
	}
}

func (c Callbacks) passFinished(s PassSummary) {
	if c.OnPassFinished != nil {
		c.OnPassFinished(s)
	}
}
