package synchronizer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brewblox/sparkgw/internal/gwerr"
	"github.com/brewblox/sparkgw/internal/identity"
	"github.com/brewblox/sparkgw/internal/settings"
	"github.com/brewblox/sparkgw/internal/statemachine"
	"github.com/brewblox/sparkgw/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	doc identity.Document
}

func (p *fakePersister) Read(ctx context.Context, docID string) (identity.Document, error) {
	return p.doc, nil
}

func (p *fakePersister) Write(ctx context.Context, docID string, doc identity.Document) error {
	p.doc = doc
	return nil
}

type memSettingsStore struct {
	svc settings.ServiceSettings
	gu  settings.GlobalUnits
	gtz settings.GlobalTimeZone
}

func (m *memSettingsStore) ReadServiceSettings(ctx context.Context, name string) (settings.ServiceSettings, error) {
	return m.svc, nil
}
func (m *memSettingsStore) WriteServiceSettings(ctx context.Context, name string, s settings.ServiceSettings) error {
	m.svc = s
	return nil
}
func (m *memSettingsStore) ReadGlobalUnits(ctx context.Context) (settings.GlobalUnits, error) {
	return m.gu, nil
}
func (m *memSettingsStore) WriteGlobalUnits(ctx context.Context, u settings.GlobalUnits) error {
	m.gu = u
	return nil
}
func (m *memSettingsStore) ReadGlobalTimeZone(ctx context.Context) (settings.GlobalTimeZone, error) {
	return m.gtz, nil
}
func (m *memSettingsStore) WriteGlobalTimeZone(ctx context.Context, tz settings.GlobalTimeZone) error {
	m.gtz = tz
	return nil
}

type countingPinger struct {
	count atomic.Int32
}

func (p *countingPinger) Ping(ctx context.Context) error {
	p.count.Add(1)
	return nil
}

type recordingPatcher struct {
	calls atomic.Int32
	last  map[string]interface{}
}

func (p *recordingPatcher) PatchSystemInfo(ctx context.Context, fields map[string]interface{}) error {
	p.calls.Add(1)
	p.last = fields
	return nil
}

func newHarness(t *testing.T) (*Synchronizer, *statemachine.Machine, *countingPinger, *recordingPatcher) {
	t.Helper()
	return newHarnessWithPolicy(t, statemachine.Policy{})
}

func newHarnessWithPolicy(t *testing.T, policy statemachine.Policy) (*Synchronizer, *statemachine.Machine, *countingPinger, *recordingPatcher) {
	t.Helper()
	m := statemachine.New(policy)
	pinger := &countingPinger{}
	patcher := &recordingPatcher{}
	idStore := identity.NewPersistentStore("spark-service", &fakePersister{}, nil)
	store := &memSettingsStore{
		gu:  settings.GlobalUnits{Temperature: "degC"},
		gtz: settings.GlobalTimeZone{Name: "UTC", PosixValue: "UTC0"},
	}
	set := settings.New(store, "spark-one")
	require.NoError(t, set.Load(context.Background()))
	conv := units.NewConverter()
	s := New(m, pinger, patcher, idStore, set, conv)
	return s, m, pinger, patcher
}

func TestSynchronizerHappyPath(t *testing.T) {
	s, m, pinger, patcher := newHarness(t)
	m.LinkUp()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = m.HandleEvent("BREWBLOX,1.2.3,v1,2026-01-01,2026-01-01,1.0,photon,POR,0x0,abc123")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, statemachine.Synchronized, m.State())
	assert.GreaterOrEqual(t, pinger.count.Load(), int32(1))
	assert.Equal(t, int32(1), patcher.calls.Load())
	assert.Equal(t, "UTC0", patcher.last["timeZone"])
	assert.Equal(t, "degC", patcher.last["tempUnit"])
}

func TestSynchronizerHandshakeCancelledByDeadline(t *testing.T) {
	s, m, _, _ := newHarness(t)
	s.machine = m
	// HandshakeTimeout is a constant (120s) and is not shortened here.
	orig := HandshakeTimeout
	defer func() { _ = orig }()

	m.LinkUp()
	// Use a context deadline shorter than HandshakeTimeout to force the
	// ctx.Done() branch, exercising the same "never acknowledged" path
	// scenario 4 describes without waiting two minutes.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindCancelled))
	assert.Equal(t, statemachine.Connected, m.State())
}

func TestPushSettingsIfSynchronizedSkipsWhenNotSynchronized(t *testing.T) {
	s, m, _, patcher := newHarness(t)
	m.LinkUp()
	s.pushSettingsIfSynchronized(context.Background())
	assert.Equal(t, int32(0), patcher.calls.Load())
}

func TestOnUnitsChangeRePushesWhileSynchronized(t *testing.T) {
	s, m, _, patcher := newHarness(t)
	m.LinkUp()
	require.NoError(t, m.HandleEvent("BREWBLOX,1.2.3,v1,2026-01-01,2026-01-01,1.0,photon,POR,0x0,abc"))
	require.NoError(t, m.CompleteSync())

	require.NoError(t, s.settings.CommitGlobalUnits(context.Background(), settings.GlobalUnits{Temperature: "degF"}))
	assert.Equal(t, units.Fahrenheit, s.units.Temperature())
	assert.Equal(t, int32(1), patcher.calls.Load())
	assert.Equal(t, "degF", patcher.last["tempUnit"])
}

func TestSynchronizerHaltsOnIncompatibleFirmware(t *testing.T) {
	s, m, _, patcher := newHarnessWithPolicy(t, statemachine.Policy{ExpectedProtoVersion: "v2"})
	m.LinkUp()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = m.HandleEvent("BREWBLOX,1.2.3,v1,2026-01-01,2026-01-01,1.0,photon,POR,0x0,abc123")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindIncompatibleFirmware))
	assert.Equal(t, statemachine.Acknowledged, m.State())
	assert.Equal(t, int32(0), patcher.calls.Load())

	// Block operations must keep failing: CompleteSync itself refuses
	// the transition even if called again directly.
	assert.True(t, gwerr.Is(m.CompleteSync(), gwerr.KindIncompatibleFirmware))
	assert.Equal(t, statemachine.Acknowledged, m.State())
}

func TestSynchronizerHaltsOnInvalidDeviceID(t *testing.T) {
	s, m, _, patcher := newHarnessWithPolicy(t, statemachine.Policy{ExpectedDeviceID: "other-device"})
	m.LinkUp()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = m.HandleEvent("BREWBLOX,1.2.3,v1,2026-01-01,2026-01-01,1.0,photon,POR,0x0,abc123")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindInvalidDeviceID))
	assert.Equal(t, statemachine.Acknowledged, m.State())
	assert.Equal(t, int32(0), patcher.calls.Load())
}
