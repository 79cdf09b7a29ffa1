package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	attendagent "github.com/httprunner/AttendAgent"
	"github.com/httprunner/AttendAgent/pkg/attendance"
)

const (
	formatTable = "table"
	formatYAML  = "yaml"
	formatJSON  = "json"
)

func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	headerCells := make([]any, len(header))
	for i, h := range header {
		headerCells[i] = h
	}
	table.Header(headerCells...)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return errors.Wrap(err, "append table row")
		}
	}
	return table.Render()
}

func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return errors.Errorf("unsupported format %q, want table|yaml|json", format)
}

func renderPass(w io.Writer, summary attendagent.PassSummary) error {
	rows := make([][]string, 0, len(summary.Outcomes))
	for _, o := range summary.Outcomes {
		result := "ok"
		switch {
		case o.Cancelled():
			result = "cancelled"
		case !o.Success:
			result = "failed: " + o.Error
		}
		rows = append(rows, []string{
			o.DeviceID,
			o.DeviceName,
			itoa(o.Fetched),
			itoa(o.NewRecords),
			o.Duration.Round(time.Millisecond).String(),
			result,
		})
	}
	if err := renderTable(w, []string{"Device", "Name", "Fetched", "New", "Duration", "Result"}, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "pass %s: %d/%d devices succeeded, %d new records, cleanup removed %d\n",
		summary.PassID, summary.Succeeded, summary.Attempted, summary.TotalNew, summary.CleanupRemoved)
	return err
}

func renderConnections(w io.Writer, results []attendagent.ConnectionResult) error {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{
			r.DeviceID,
			r.Name,
			r.Address,
			yesNo(r.Success),
			r.Duration.Round(time.Millisecond).String(),
			r.Message,
		})
	}
	return renderTable(w, []string{"Device", "Name", "Address", "OK", "Duration", "Message"}, rows)
}

// statusReport is what `status` prints in yaml/json form.
type statusReport struct {
	System     attendagent.SystemStatus   `json:"system" yaml:"system"`
	Statistics *attendance.SyncStatistics `json:"statistics,omitempty" yaml:"statistics,omitempty"`
	History    []attendance.DeviceStatus  `json:"history,omitempty" yaml:"history,omitempty"`
	Warnings   []string                   `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func renderStatus(w io.Writer, report statusReport) error {
	sys := report.System
	fmt.Fprintf(w, "host: %s  state: %s  config: %s\n", sys.HostID, sys.State, sys.ConfigPath)
	fmt.Fprintf(w, "devices: %d enabled of %d  interval: %ds  retention: %dd  storage: %s\n",
		sys.Config.EnabledDevices, sys.Config.TotalDevices,
		sys.Config.SyncIntervalSeconds, sys.Config.RetentionDays, sys.Config.StorageDriver)

	history := make(map[string]attendance.DeviceStatus, len(report.History))
	for _, h := range report.History {
		history[h.DeviceID] = h
	}
	stored := make(map[string]attendance.DeviceStatistics)
	if report.Statistics != nil {
		for _, s := range report.Statistics.Devices {
			stored[s.DeviceID] = s
		}
	}
	rows := make([][]string, 0, len(sys.Devices))
	for _, d := range sys.Devices {
		h := history[d.DeviceID]
		rows = append(rows, []string{
			d.DeviceID,
			d.DeviceName,
			yesNo(d.Enabled),
			fmt.Sprintf("%d", stored[d.DeviceID].RecordCount),
			formatTime(stored[d.DeviceID].LastRecordAt),
			firstNonEmpty(h.LastResult, "-"),
			formatTime(h.LastSuccessAt),
			h.LastError,
		})
	}
	if err := renderTable(w, []string{"Device", "Name", "Enabled", "Records", "Last Punch", "Last Sync", "Last Success", "Error"}, rows); err != nil {
		return err
	}
	if report.Statistics != nil {
		fmt.Fprintf(w, "total records: %d  oldest: %s  newest: %s\n",
			report.Statistics.TotalRecords,
			formatTime(report.Statistics.OldestRecord),
			formatTime(report.Statistics.NewestRecord))
	}
	if len(report.Warnings) > 0 {
		fmt.Fprintf(w, "warnings: %s\n", strings.Join(report.Warnings, "; "))
	}
	return nil
}

func renderDeviceInfo(w io.Writer, info attendance.DeviceInfo) error {
	rows := [][]string{
		{"device_id", info.DeviceID},
		{"name", info.Name},
		{"address", info.Address},
		{"firmware", info.FirmwareVersion},
		{"serial", info.SerialNumber},
		{"platform", info.Platform},
		{"device_name", info.DeviceName},
		{"device_time", formatTime(info.DeviceTime)},
		{"users", itoa(info.UserCount)},
		{"records", itoa(info.RecordCount)},
	}
	return renderTable(w, []string{"Field", "Value"}, rows)
}

func renderUsers(w io.Writer, users []attendance.User) error {
	rows := make([][]string, 0, len(users))
	for _, u := range users {
		rows = append(rows, []string{
			itoa(u.UID),
			u.UserID,
			u.DisplayName(),
			itoa(u.Privilege),
			u.GroupID,
		})
	}
	if err := renderTable(w, []string{"UID", "User ID", "Name", "Privilege", "Group"}, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d users\n", len(users))
	return err
}
