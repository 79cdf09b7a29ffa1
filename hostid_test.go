package attendagent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostIDPrefersEnvOverride(t *testing.T) {
	t.Setenv(EnvHostID, "  sync-host-7 ")
	assert.Equal(t, "sync-host-7", HostID())

	t.Setenv(EnvHostID, "")
	assert.NotEmpty(t, HostID())
}
