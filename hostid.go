package attendagent

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/httprunner/AttendAgent/internal/config"
)

// EnvHostID overrides the detected host identifier.
const EnvHostID = "ATTEND_HOST_ID"

// HostID returns a best-effort stable identifier of this host, recorded with
// every device status so several sync hosts can share one store. Order:
// $ATTEND_HOST_ID, hardware UUID, hostname, "unknown".
func HostID() string {
	if id := config.String(EnvHostID, ""); id != "" {
		return id
	}
	if id, err := hostUUID(); err == nil && id != "" {
		return id
	}
	if name, err := os.Hostname(); err == nil && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	return "unknown"
}

// hostUUID reads the hardware UUID: `system_profiler` on macOS,
// /etc/machine-id then /sys/class/dmi/id/product_uuid on Linux.
func hostUUID() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	case "linux":
		if id, err := readSystemFile("/etc/machine-id"); err == nil && id != "" {
			return id, nil
		}
		if id, err := readSystemFile("/sys/class/dmi/id/product_uuid"); err == nil && id != "" {
			return id, nil
		}
		return "", nil
	default:
		return "", nil
	}
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
