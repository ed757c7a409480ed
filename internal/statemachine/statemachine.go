// Package statemachine drives the link lifecycle from disconnected
// through connected, acknowledged, and synchronized, gates block
// operations on synchronization, and classifies the controller's
// handshake and error events (spec.md §4.8).
//
// Grounded in the teacher's cs104 connection state tracking (explicit
// enum states, transition methods rather than a generic FSM library).
package statemachine

import (
	"strconv"
	"strings"
	"sync"

	"github.com/brewblox/sparkgw/internal/clog"
	"github.com/brewblox/sparkgw/internal/gwerr"
)

// State is one point in the link lifecycle.
type State int

const (
	Disconnected State = iota
	Connected
	Acknowledged
	Synchronized
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Acknowledged:
		return "acknowledged"
	case Synchronized:
		return "synchronized"
	default:
		return "unknown"
	}
}

// FirmwareError classifies a handshake firmware-compatibility failure.
type FirmwareError int

const (
	FirmwareOK FirmwareError = iota
	FirmwareIncompatible
)

// IdentityError classifies a handshake device-id mismatch.
type IdentityError int

const (
	IdentityOK IdentityError = iota
	IdentityInvalidDevice
)

// DeviceInfo is the handshake-derived device record (spec.md §3).
type DeviceInfo struct {
	FirmwareVersion string
	ProtoVersion    string
	FirmwareDate    string
	ProtoDate       string
	SystemVersion   string
	Platform        string
	ResetReason     string
	ResetData       string
	DeviceID        string
}

const welcomePrefix = "BREWBLOX,"
const listeningModeEvent = "SETUP_MODE"
const controlboxErrorPrefix = "CBOXERROR:"

// ExitIntent is returned by HandleEvent when the controller has signaled
// listening mode: the process should terminate with this intent so an
// external supervisor restarts it with adjusted config (spec.md §4.8,
// §7: "terminate process with exit intent").
type ExitIntent struct {
	Reason string
}

func (e *ExitIntent) Error() string { return "statemachine: exit intent: " + e.Reason }

// Policy configures handshake validation (spec.md §4.8).
type Policy struct {
	ExpectedProtoVersion string
	SkipVersionCheck     bool
	ExpectedDeviceID     string // empty means "accept any"
}

// Machine holds the current lifecycle state plus the active DeviceInfo
// and error flags, all under a single mutex (spec.md §3's "State"
// record).
type Machine struct {
	mu sync.Mutex

	state    State
	updating bool

	firmwareErr FirmwareError
	identityErr IdentityError
	device      DeviceInfo

	policy Policy
	log    clog.Clog

	onTransition func(State)
}

// New returns a Machine starting Disconnected.
func New(policy Policy) *Machine {
	return &Machine{state: Disconnected, policy: policy, log: clog.NewLogger("statemachine")}
}

// OnTransition registers a callback invoked after every state change.
func (m *Machine) OnTransition(f func(State)) {
	m.mu.Lock()
	m.onTransition = f
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// DeviceInfo returns a copy of the current device info.
func (m *Machine) DeviceInfo() DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// RequireSynchronized returns NOT_SYNCHRONIZED unless the machine is in
// the Synchronized state (spec.md §4.8: "Block-data operations are
// rejected unless state is synchronized").
func (m *Machine) RequireSynchronized() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Synchronized {
		return gwerr.Newf(gwerr.KindNotSynchronized, "statemachine: not synchronized (state=%s)", m.state)
	}
	return nil
}

func (m *Machine) transitionLocked(to State) {
	if m.state == to {
		return
	}
	m.state = to
	cb := m.onTransition
	if cb != nil {
		go cb(to)
	}
}

// LinkUp moves the machine to Connected from any state.
func (m *Machine) LinkUp() {
	m.mu.Lock()
	m.transitionLocked(Connected)
	m.mu.Unlock()
}

// LinkDown moves the machine to Disconnected from any state, clearing
// the device record (spec.md §3: "DeviceInfo ... cleared on disconnect").
func (m *Machine) LinkDown() {
	m.mu.Lock()
	m.device = DeviceInfo{}
	m.firmwareErr = FirmwareOK
	m.identityErr = IdentityOK
	m.updating = false
	m.transitionLocked(Disconnected)
	m.mu.Unlock()
}

// BeginUpdate transitions Synchronized -> updating (spec.md §4.8).
func (m *Machine) BeginUpdate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Synchronized {
		return gwerr.Newf(gwerr.KindNotSynchronized, "statemachine: firmware update requires synchronized state")
	}
	m.updating = true
	return nil
}

// Updating reports whether a firmware update is in progress.
func (m *Machine) Updating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updating
}

// CompleteSync moves the machine to Synchronized once the synchronizer
// finishes its handshake/identity/settings sequence. The synchronizer
// calls it from Acknowledged; the current state is not checked here.
// Refuses the transition and returns the classified handshake error
// when the last welcome event found the firmware incompatible or the
// device id mismatched (spec.md §4.8: "Incompatible firmware and
// invalid device id halt the sync loop").
func (m *Machine) CompleteSync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.validationErrorLocked(); err != nil {
		return err
	}
	m.transitionLocked(Synchronized)
	return nil
}

// ValidationError reports the classified handshake-validation error set
// by the last welcome event, or nil if the firmware and device id both
// checked out.
func (m *Machine) ValidationError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validationErrorLocked()
}

func (m *Machine) validationErrorLocked() error {
	if m.firmwareErr == FirmwareIncompatible {
		return gwerr.Newf(gwerr.KindIncompatibleFirmware, "statemachine: proto version %q incompatible", m.device.ProtoVersion)
	}
	if m.identityErr == IdentityInvalidDevice {
		return gwerr.Newf(gwerr.KindInvalidDeviceID, "statemachine: device id %q does not match configured id", m.device.DeviceID)
	}
	return nil
}

// HandleEvent classifies one parsed controller event (spec.md §4.8's
// event-driven transitions) and applies it. Returns an *ExitIntent when
// the controller signaled listening mode.
func (m *Machine) HandleEvent(event string) error {
	switch {
	case strings.HasPrefix(event, welcomePrefix):
		return m.handleWelcome(strings.TrimPrefix(event, welcomePrefix))
	case event == listeningModeEvent:
		return &ExitIntent{Reason: "controller entered listening mode"}
	case strings.HasPrefix(event, controlboxErrorPrefix):
		m.logControlboxError(strings.TrimPrefix(event, controlboxErrorPrefix))
		return nil
	default:
		m.log.Debug("unrecognized event: %s", event)
		return nil
	}
}

// handleWelcome parses and validates the BREWBLOX welcome annotation:
// firmware_version,proto_version,firmware_date,proto_date,system_version,
// platform,reset_reason,reset_data,device_id (spec.md §6).
func (m *Machine) handleWelcome(body string) error {
	fields := strings.Split(body, ",")
	if len(fields) < 9 {
		return gwerr.Newf(gwerr.KindMalformedFrame, "statemachine: malformed welcome event: %q", body)
	}
	info := DeviceInfo{
		FirmwareVersion: fields[0],
		ProtoVersion:    fields[1],
		FirmwareDate:    fields[2],
		ProtoDate:       fields[3],
		SystemVersion:   fields[4],
		Platform:        fields[5],
		ResetReason:     fields[6],
		ResetData:       fields[7],
		DeviceID:        fields[8],
	}

	m.mu.Lock()
	m.device = info
	m.firmwareErr = FirmwareOK
	m.identityErr = IdentityOK

	if !m.policy.SkipVersionCheck && m.policy.ExpectedProtoVersion != "" && info.ProtoVersion != m.policy.ExpectedProtoVersion {
		m.firmwareErr = FirmwareIncompatible
	}
	if m.policy.ExpectedDeviceID != "" && info.DeviceID != m.policy.ExpectedDeviceID {
		m.identityErr = IdentityInvalidDevice
	}
	m.transitionLocked(Acknowledged)
	err := m.validationErrorLocked()
	m.mu.Unlock()
	return err
}

func (m *Machine) logControlboxError(hexCode string) {
	code, err := strconv.ParseUint(strings.TrimSpace(hexCode), 16, 16)
	if err != nil {
		m.log.Warn("controlbox error event with unparsable code: %q", hexCode)
		return
	}
	m.log.Warn("controlbox error 0x%02x", code)
}
