//go:build linux

package serial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBaudToUnix(t *testing.T) {
	got, err := baudToUnix(921600)
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.B921600), got)

	_, err = baudToUnix(1382400)
	assert.Error(t, err, "non-standard baud")
}

func TestOpenTermios_MissingDevice(t *testing.T) {
	_, err := openTermios("/dev/does-not-exist-robot-telemetry", 9600)
	assert.Error(t, err)
}
