// Package synchronizer drives the lifecycle transitions once a link
// comes up: prompting the handshake, loading the identity store (from
// the document chosen when the store was built, not from the device id
// in the handshake), and pushing global settings to the controller
// (spec.md §4.9).
package synchronizer

import (
	"context"
	"time"

	"github.com/brewblox/sparkgw/internal/clog"
	"github.com/brewblox/sparkgw/internal/gwerr"
	"github.com/brewblox/sparkgw/internal/identity"
	"github.com/brewblox/sparkgw/internal/settings"
	"github.com/brewblox/sparkgw/internal/statemachine"
	"github.com/brewblox/sparkgw/internal/units"
)

// PingInterval is how often the handshake prompt is re-issued.
const PingInterval = 2 * time.Second

// HandshakeTimeout bounds the total wait for an acknowledged handshake
// (spec.md §4.9, §5; original_source's HANDSHAKE_TIMEOUT_S = 120).
const HandshakeTimeout = 120 * time.Second

// Pinger issues the NONE opcode handshake prompt.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemPatcher applies a patch (read-merge-write) to the system-info
// block, used to push timezone/unit settings (spec.md §4.9 step 4).
type SystemPatcher interface {
	PatchSystemInfo(ctx context.Context, fields map[string]interface{}) error
}

// Synchronizer executes the connected->acknowledged->synchronized
// sequence and reacts to settings changes while synchronized.
type Synchronizer struct {
	machine  *statemachine.Machine
	pinger   Pinger
	patcher  SystemPatcher
	identity *identity.PersistentStore
	settings *settings.Settings
	units    *units.Converter
	log      clog.Clog
}

// New returns a Synchronizer wiring the given collaborators.
func New(machine *statemachine.Machine, pinger Pinger, patcher SystemPatcher, idStore *identity.PersistentStore, set *settings.Settings, conv *units.Converter) *Synchronizer {
	s := &Synchronizer{
		machine:  machine,
		pinger:   pinger,
		patcher:  patcher,
		identity: idStore,
		settings: set,
		units:    conv,
		log:      clog.NewLogger("synchronizer"),
	}
	set.OnUnitsChange(func(p units.Preference) {
		if conv.Temperature() == p {
			return
		}
		conv.SetTemperature(p)
		s.pushSettingsIfSynchronized(context.Background())
	})
	set.OnTimeZoneChange(func(settings.GlobalTimeZone) {
		s.pushSettingsIfSynchronized(context.Background())
	})
	return s
}

// Run executes the full handshake/identity/settings sequence once the
// link reaches Connected. It blocks until synchronized or the handshake
// times out.
func (s *Synchronizer) Run(ctx context.Context) error {
	if err := s.promptHandshake(ctx); err != nil {
		return err
	}
	// handleWelcome already classified the handshake; incompatible
	// firmware or a mismatched device id halts the sync here rather
	// than proceeding to identity load and settings push (spec.md
	// §4.8: "Incompatible firmware and invalid device id halt the sync
	// loop ... the supervisor does not auto-retry").
	if err := s.machine.ValidationError(); err != nil {
		return err
	}
	if err := s.identity.Load(ctx); err != nil {
		return err
	}
	if err := s.pushSettings(ctx); err != nil {
		return err
	}
	return s.machine.CompleteSync()
}

// promptHandshake issues NONE opcodes every PingInterval until the
// machine reaches Acknowledged or HandshakeTimeout elapses (spec.md
// §4.9 step 1; scenario 4).
func (s *Synchronizer) promptHandshake(ctx context.Context) error {
	deadline := time.NewTimer(HandshakeTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	if s.machine.State() == statemachine.Acknowledged {
		return nil
	}

	_ = s.pinger.Ping(ctx)
	for {
		select {
		case <-ctx.Done():
			return gwerr.New(gwerr.KindCancelled, ctx.Err())
		case <-deadline.C:
			return gwerr.Newf(gwerr.KindTimeout, "synchronizer: no handshake after %s", HandshakeTimeout)
		case <-ticker.C:
			if s.machine.State() == statemachine.Acknowledged {
				return nil
			}
			_ = s.pinger.Ping(ctx)
		}
	}
}

// pushSettings patches the system-info block with the POSIX timezone
// string and temperature unit enum (spec.md §4.9 step 4).
func (s *Synchronizer) pushSettings(ctx context.Context) error {
	tz := s.settings.GlobalTimeZoneSnapshot()
	gu := s.settings.GlobalUnitsSnapshot()
	return s.patcher.PatchSystemInfo(ctx, map[string]interface{}{
		"timeZone": tz.PosixValue,
		"tempUnit": gu.Temperature,
	})
}

// pushSettingsIfSynchronized re-pushes settings on a change notification
// only while synchronized; otherwise the next sync pass picks up the
// current snapshot (spec.md §4.9: "if state is synchronized, re-push ...
// otherwise defer").
func (s *Synchronizer) pushSettingsIfSynchronized(ctx context.Context) {
	if s.machine.State() != statemachine.Synchronized {
		return
	}
	if err := s.pushSettings(ctx); err != nil {
		s.log.Warn("failed to re-push settings: %v", err)
	}
}
