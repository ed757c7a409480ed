package statemachine

import (
	"testing"

	"github.com/brewblox/sparkgw/internal/gwerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func welcomeEvent(deviceID, protoVersion string) string {
	return "BREWBLOX,1.2.3," + protoVersion + ",2026-01-01,2026-01-01,1.0,photon,POR,0x0," + deviceID
}

func TestLinkUpThenWelcomeAcknowledges(t *testing.T) {
	m := New(Policy{})
	m.LinkUp()
	assert.Equal(t, Connected, m.State())

	err := m.HandleEvent(welcomeEvent("abc123", "v1"))
	require.NoError(t, err)
	assert.Equal(t, Acknowledged, m.State())
	assert.Equal(t, "abc123", m.DeviceInfo().DeviceID)
}

func TestRequireSynchronizedRejectsBeforeSync(t *testing.T) {
	m := New(Policy{})
	m.LinkUp()
	err := m.RequireSynchronized()
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindNotSynchronized))
}

func TestCompleteSyncAllowsOperations(t *testing.T) {
	m := New(Policy{})
	m.LinkUp()
	require.NoError(t, m.HandleEvent(welcomeEvent("abc", "v1")))
	require.NoError(t, m.CompleteSync())
	assert.Equal(t, Synchronized, m.State())
	assert.NoError(t, m.RequireSynchronized())
}

func TestCompleteSyncRefusesAfterIncompatibleFirmware(t *testing.T) {
	m := New(Policy{ExpectedProtoVersion: "v2"})
	m.LinkUp()
	require.Error(t, m.HandleEvent(welcomeEvent("abc", "v1")))

	err := m.CompleteSync()
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindIncompatibleFirmware))
	assert.Equal(t, Acknowledged, m.State())
}

func TestCompleteSyncRefusesAfterInvalidDeviceID(t *testing.T) {
	m := New(Policy{ExpectedDeviceID: "expected-id"})
	m.LinkUp()
	require.Error(t, m.HandleEvent(welcomeEvent("other-id", "v1")))

	err := m.CompleteSync()
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindInvalidDeviceID))
	assert.Equal(t, Acknowledged, m.State())
}

func TestIncompatibleFirmwareBlocksSyncAtAcknowledged(t *testing.T) {
	// scenario 5: welcome with mismatching proto_version advances to
	// acknowledged, then reports INCOMPATIBLE_FIRMWARE; the state machine
	// itself does not auto-retry back to disconnected.
	m := New(Policy{ExpectedProtoVersion: "v2"})
	m.LinkUp()
	err := m.HandleEvent(welcomeEvent("abc", "v1"))
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindIncompatibleFirmware))
	assert.Equal(t, Acknowledged, m.State())
	assert.Error(t, m.RequireSynchronized())
}

func TestInvalidDeviceID(t *testing.T) {
	m := New(Policy{ExpectedDeviceID: "expected-id"})
	m.LinkUp()
	err := m.HandleEvent(welcomeEvent("other-id", "v1"))
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindInvalidDeviceID))
}

func TestLinkDownClearsDeviceInfo(t *testing.T) {
	m := New(Policy{})
	m.LinkUp()
	require.NoError(t, m.HandleEvent(welcomeEvent("abc", "v1")))
	m.LinkDown()
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, DeviceInfo{}, m.DeviceInfo())
}

func TestListeningModeReturnsExitIntent(t *testing.T) {
	m := New(Policy{})
	err := m.HandleEvent("SETUP_MODE")
	require.Error(t, err)
	var exit *ExitIntent
	require.ErrorAs(t, err, &exit)
}

func TestControlboxErrorDoesNotChangeState(t *testing.T) {
	m := New(Policy{})
	m.LinkUp()
	err := m.HandleEvent("CBOXERROR:0A")
	require.NoError(t, err)
	assert.Equal(t, Connected, m.State())
}

func TestBeginUpdateRequiresSynchronized(t *testing.T) {
	m := New(Policy{})
	err := m.BeginUpdate()
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindNotSynchronized))
}
