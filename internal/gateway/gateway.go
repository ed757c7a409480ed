// Package gateway wires every core component (schema registry, unit
// converter, codec, identity store, settings cache, link, command layer,
// state machine, synchronizer, YMODEM sender) into a single Service and
// drives its task lifecycle (spec.md §5, §9: "pass them as an explicit
// context value ... avoid module-level globals").
//
// Grounded in the teacher's connection-orchestration style (explicit
// wiring of collaborators through constructor parameters, no package
// globals) and in golang.org/x/sync/errgroup for supervising the
// service's long-running tasks as one cancellation-linked group.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/brewblox/sparkgw/internal/clog"
	"github.com/brewblox/sparkgw/internal/codec"
	"github.com/brewblox/sparkgw/internal/command"
	"github.com/brewblox/sparkgw/internal/config"
	"github.com/brewblox/sparkgw/internal/datastore"
	"github.com/brewblox/sparkgw/internal/gwerr"
	"github.com/brewblox/sparkgw/internal/identity"
	"github.com/brewblox/sparkgw/internal/link"
	"github.com/brewblox/sparkgw/internal/schema"
	"github.com/brewblox/sparkgw/internal/settings"
	"github.com/brewblox/sparkgw/internal/statemachine"
	"github.com/brewblox/sparkgw/internal/synchronizer"
	"github.com/brewblox/sparkgw/internal/units"
	"github.com/brewblox/sparkgw/internal/ymodem"
)

// CompiledProtoVersion is the firmware protocol version this build
// expects during handshake validation (spec.md §4.8). The reference
// implementation derives this from its compiled schema descriptors; this
// build pins a literal since the descriptors are out of scope (spec.md
// §1) and not part of the retrieved source.
const CompiledProtoVersion = "1"

// Well-known system block SID/NIDs (spec.md §3: "Certain low NIDs (<
// 100) are reserved for system blocks"), grounded in the reference
// implementation's const.py.
const (
	sysInfoNID      = 2
	oneWireBusNID   = 4
	wifiSettingsNID = 5
	touchSettingsNID = 6
	displaySettingsNID = 7
	sparkPinsNID    = 19

	sysInfoSID = "SystemInfo"
)

func defaultSystemEntries() []identity.Entry {
	return []identity.Entry{
		{SID: sysInfoSID, NID: sysInfoNID, Data: map[string]interface{}{}},
		{SID: "OneWireBus", NID: oneWireBusNID, Data: map[string]interface{}{}},
		{SID: "WiFiSettings", NID: wifiSettingsNID, Data: map[string]interface{}{}},
		{SID: "TouchSettings", NID: touchSettingsNID, Data: map[string]interface{}{}},
		{SID: "DisplaySettings", NID: displaySettingsNID, Data: map[string]interface{}{}},
		{SID: "SparkPins", NID: sparkPinsNID, Data: map[string]interface{}{}},
	}
}

// Block is the client-facing representation of one controller object
// (spec.md §3).
type Block struct {
	NID     uint16
	SID     string
	Type    string
	Subtype uint16
	Data    map[string]interface{}
}

// Service owns every long-lived collaborator for a single controller
// connection and exposes the high-level block operations (spec.md §4.7).
type Service struct {
	cfg *config.Config
	log clog.Clog

	registry    *schema.Registry
	units       *units.Converter
	identity    *identity.PersistentStore
	codec       *codec.Codec
	link        *link.Link
	commander   *command.Commander
	machine     *statemachine.Machine
	sync        *synchronizer.Synchronizer
	settings    *settings.Settings
	store       *datastore.Client

	// opMu serializes patch's read-modify-write so it is atomic from the
	// service's perspective (spec.md §4.7: "executed under the operation
	// lock").
	opMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	exitErr error
}

// New wires a Service against the given transport dialer and datastore
// client. notifier may be nil if no MQTT change-notification
// collaborator is available (spec.md §1: out of scope).
func New(cfg *config.Config, dialer link.Dialer, store *datastore.Client, notifier settings.ChangeNotifier) (*Service, error) {
	registry, err := schema.Default()
	if err != nil {
		return nil, fmt.Errorf("gateway: load schema registry: %w", err)
	}
	conv := units.NewConverter()

	docID := cfg.DeviceID
	if docID == "" {
		docID = cfg.Name
	}
	idStore := identity.NewPersistentStore(docID+"-blocks-db", store, defaultSystemEntries())

	// The codec resolves typed links synchronously against the raw Store
	// (spec.md §5: "codec, parser, identity store lookups never
	// suspends"); the PersistentStore's own Set waits on the load-ready
	// signal and is reserved for explicit client-driven writes.
	cod := codec.New(registry, idStore.Store, conv)

	lnk := link.New(dialer, link.DefaultBackoff)
	cmder := command.New(lnk, cfg.CommandTimeout)

	policy := statemachine.Policy{
		ExpectedProtoVersion: CompiledProtoVersion,
		SkipVersionCheck:     cfg.SkipVersionCheck,
		ExpectedDeviceID:     cfg.DeviceID,
	}
	machine := statemachine.New(policy)

	set := settings.New(store, cfg.Name)

	svc := &Service{
		cfg:       cfg,
		log:       clog.NewLogger("gateway"),
		registry:  registry,
		units:     conv,
		identity:  idStore,
		codec:     cod,
		link:      lnk,
		commander: cmder,
		machine:   machine,
		settings:  set,
		store:     store,
	}

	svc.sync = synchronizer.New(machine, pingerFunc(func(ctx context.Context) error {
		_, err := cmder.Execute(ctx, command.OpNone, nil)
		return err
	}), svc, idStore, set, conv)

	if notifier != nil {
		notifier.OnChange("brewblox-global", func(id string, payload []byte) {
			if id != "units" {
				return
			}
			gu, err := parseGlobalUnits(payload)
			if err != nil {
				svc.log.Warn("ignoring malformed units change notification: %v", err)
				return
			}
			set.HandleNotification("brewblox-global", id, gu)
		})
	}

	lnk.OnResponse = svc.handleResponse
	lnk.OnEvent = svc.handleEvent
	lnk.OnDisconnect = svc.handleDisconnect

	return svc, nil
}

// pingerFunc adapts a plain function to synchronizer.Pinger.
type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// PatchSystemInfo implements synchronizer.SystemPatcher: it performs the
// read-merge-write against the system-info block without requiring
// Synchronized state, since the synchronizer calls it while still
// Acknowledged (spec.md §4.9 step 4).
func (s *Service) PatchSystemInfo(ctx context.Context, fields map[string]interface{}) error {
	_, err := s.patchBlock(ctx, sysInfoSID, fields)
	return err
}

// Run starts every long-running task (identity flusher, link
// supervisor) in one errgroup and blocks until one exits or ctx is
// cancelled. Both tasks share that cancellation, so they are stopped
// together rather than in a fixed order.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.identity.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return s.runSupervisor(gctx)
	})

	err := g.Wait()
	s.identity.Wait()

	s.mu.Lock()
	exitErr := s.exitErr
	s.mu.Unlock()
	if exitErr != nil {
		return exitErr
	}
	return err
}

// runSupervisor drives the connect/synchronize/reconnect loop (spec.md
// §4.9, §5: "state-machine supervisor").
func (s *Service) runSupervisor(ctx context.Context) error {
	for {
		if err := s.link.Connect(ctx); err != nil {
			return err
		}
		s.machine.LinkUp()
		s.commander.SetConnected(true)

		connCtx, cancelConn := context.WithCancel(ctx)
		go func() {
			if err := s.sync.Run(connCtx); err != nil {
				s.log.Warn("synchronization failed: %v", err)
			}
		}()

		runErr := s.link.Run(connCtx)
		cancelConn()

		s.commander.SetConnected(false)
		s.machine.LinkDown()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if runErr != nil && !gwerr.Is(runErr, gwerr.KindConnectionReset) {
			return runErr
		}
	}
}

// handleResponse decodes one hex-ASCII response line and delivers it to
// the command layer (spec.md §6's wire protocol).
func (s *Service) handleResponse(line string) {
	raw, err := codec.FromHex(line)
	if err != nil {
		s.log.Warn("malformed response line: %v", err)
		return
	}
	resp, err := codec.DecodeEnvelope(raw)
	if err != nil {
		s.log.Warn("malformed response envelope: %v", err)
		return
	}
	s.commander.HandleResponse(resp)
}

// handleEvent classifies one parsed controller event and acts on a fatal
// exit intent (spec.md §4.8, §7: "terminate process with exit intent").
func (s *Service) handleEvent(event string) {
	if err := s.machine.HandleEvent(event); err != nil {
		var exit *statemachine.ExitIntent
		if isExitIntent(err, &exit) {
			s.log.Critical("%v", exit)
			s.mu.Lock()
			s.exitErr = exit
			cancel := s.cancel
			s.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			_ = s.link.Close()
			return
		}
		s.log.Warn("handshake event error: %v", err)
	}
}

func isExitIntent(err error, target **statemachine.ExitIntent) bool {
	e, ok := err.(*statemachine.ExitIntent)
	if !ok {
		return false
	}
	*target = e
	return true
}

func (s *Service) handleDisconnect() {
	s.commander.SetConnected(false)
	s.machine.LinkDown()
}

// --- Block operations (spec.md §4.7) ---

// Ping issues a bare NONE opcode round-trip (spec.md §4.9 step 1; also
// exposed directly as a client operation per the opcode table).
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.commander.Execute(ctx, command.OpNone, nil)
	return err
}

// Read fetches and decodes a single block by SID.
func (s *Service) Read(ctx context.Context, sid string) (Block, error) {
	if err := s.machine.RequireSynchronized(); err != nil {
		return Block{}, err
	}
	return s.readBlock(ctx, command.OpReadObject, sid)
}

// ReadStored fetches a block from the controller's persisted (not live)
// storage.
func (s *Service) ReadStored(ctx context.Context, sid string) (Block, error) {
	if err := s.machine.RequireSynchronized(); err != nil {
		return Block{}, err
	}
	return s.readBlock(ctx, command.OpReadStoredObject, sid)
}

func (s *Service) readBlock(ctx context.Context, op command.OpCode, sid string) (Block, error) {
	nid, err := s.nidForSID(sid)
	if err != nil {
		return Block{}, err
	}
	resp, err := s.commander.Execute(ctx, op, &codec.Payload{BlockID: nid})
	if err != nil {
		return Block{}, err
	}
	if len(resp.Payloads) == 0 {
		return Block{}, gwerr.Newf(gwerr.KindMalformedFrame, "gateway: read %q: empty response", sid)
	}
	return s.decodeBlock(resp.Payloads[0])
}

// Write encodes and writes a full block replacement.
func (s *Service) Write(ctx context.Context, block Block) (Block, error) {
	if err := s.machine.RequireSynchronized(); err != nil {
		return Block{}, err
	}
	return s.writeBlock(ctx, block)
}

func (s *Service) writeBlock(ctx context.Context, block Block) (Block, error) {
	nid, err := s.nidForSID(block.SID)
	if err != nil {
		return Block{}, err
	}
	payload, err := s.codec.EncodePayload(nid, block.Type, block.Data)
	if err != nil {
		return Block{}, err
	}
	resp, err := s.commander.Execute(ctx, command.OpWriteObject, &payload)
	if err != nil {
		return Block{}, err
	}
	if len(resp.Payloads) == 0 {
		return Block{}, gwerr.Newf(gwerr.KindMalformedFrame, "gateway: write %q: empty response", block.SID)
	}
	return s.decodeBlock(resp.Payloads[0])
}

// Create allocates a fresh NID for sid and asks the controller to
// instantiate a new block of the given type (spec.md §4.4: NID
// allocation starts at UserNIDStart).
func (s *Service) Create(ctx context.Context, sid string, typeName string, data map[string]interface{}) (Block, error) {
	if err := s.machine.RequireSynchronized(); err != nil {
		return Block{}, err
	}
	if _, err := s.identity.Get(&sid, nil); err == nil {
		return Block{}, gwerr.Newf(gwerr.KindDuplicateSID, "gateway: create: sid %q already exists", sid)
	}
	nid := s.codec.AllocateNID()
	if err := s.identity.Set(ctx, sid, nid, map[string]interface{}{}); err != nil {
		return Block{}, err
	}

	payload, err := s.codec.EncodePayload(nid, typeName, data)
	if err != nil {
		return Block{}, err
	}
	resp, err := s.commander.Execute(ctx, command.OpCreateObject, &payload)
	if err != nil {
		return Block{}, err
	}
	if len(resp.Payloads) == 0 {
		return Block{}, gwerr.Newf(gwerr.KindMalformedFrame, "gateway: create %q: empty response", sid)
	}
	return s.decodeBlock(resp.Payloads[0])
}

// Delete removes a block both on the controller and from the identity
// store (spec.md §3: "destroyed only by explicit delete").
func (s *Service) Delete(ctx context.Context, sid string) error {
	if err := s.machine.RequireSynchronized(); err != nil {
		return err
	}
	nid, err := s.nidForSID(sid)
	if err != nil {
		return err
	}
	if _, err := s.commander.Execute(ctx, command.OpDeleteObject, &codec.Payload{BlockID: nid}); err != nil {
		return err
	}
	return s.identity.Delete(ctx, &sid, nil)
}

// List returns every live block.
func (s *Service) List(ctx context.Context) ([]Block, error) {
	if err := s.machine.RequireSynchronized(); err != nil {
		return nil, err
	}
	return s.listBlocks(ctx, command.OpListObjects, nil)
}

// ListStored returns every persisted (not necessarily live) block.
func (s *Service) ListStored(ctx context.Context) ([]Block, error) {
	if err := s.machine.RequireSynchronized(); err != nil {
		return nil, err
	}
	return s.listBlocks(ctx, command.OpListStoredObjects, nil)
}

// ListCompatible returns every block assignable to typeName.
func (s *Service) ListCompatible(ctx context.Context, typeName string) ([]Block, error) {
	if err := s.machine.RequireSynchronized(); err != nil {
		return nil, err
	}
	msg, err := s.registry.ByName(typeName)
	if err != nil {
		return nil, err
	}
	return s.listBlocks(ctx, command.OpListCompatibleObjects, &codec.Payload{ObjType: msg.WireTag})
}

// Discover asks the controller for blocks it has that the service has
// not yet seen, seeding the identity store for any newly observed NID
// (spec.md §3: "An identity entry is created when a block is first
// observed on the controller (by NID)").
func (s *Service) Discover(ctx context.Context) ([]Block, error) {
	if err := s.machine.RequireSynchronized(); err != nil {
		return nil, err
	}
	resp, err := s.commander.Execute(ctx, command.OpDiscoverObjects, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Block, 0, len(resp.Payloads))
	for _, p := range resp.Payloads {
		nid := p.BlockID
		if _, err := s.identity.Get(nil, &nid); gwerr.Is(err, gwerr.KindUnknownNID) {
			sid := fmt.Sprintf("%s%d", codec.GeneratedIDPrefix, nid)
			if setErr := s.identity.Set(ctx, sid, nid, map[string]interface{}{}); setErr != nil {
				s.log.Warn("discover: failed to seed identity for nid %d: %v", nid, setErr)
				continue
			}
		}
		blk, err := s.decodeBlock(p)
		if err != nil {
			s.log.Warn("discover: failed to decode nid %d: %v", nid, err)
			continue
		}
		out = append(out, blk)
	}
	return out, nil
}

func (s *Service) listBlocks(ctx context.Context, op command.OpCode, req *codec.Payload) ([]Block, error) {
	resp, err := s.commander.Execute(ctx, op, req)
	if err != nil {
		return nil, err
	}
	out := make([]Block, 0, len(resp.Payloads))
	for _, p := range resp.Payloads {
		blk, err := s.decodeBlock(p)
		if err != nil {
			return nil, err
		}
		out = append(out, blk)
	}
	return out, nil
}

// Clear removes every user block on the controller (system blocks are
// unaffected).
func (s *Service) Clear(ctx context.Context) error {
	if err := s.machine.RequireSynchronized(); err != nil {
		return err
	}
	_, err := s.commander.Execute(ctx, command.OpClearObjects, nil)
	return err
}

// Reboot issues a REBOOT opcode, which receives no reply (spec.md §4.7).
func (s *Service) Reboot(ctx context.Context) error {
	_, err := s.commander.Execute(ctx, command.OpReboot, nil)
	return err
}

// FactoryReset issues a FACTORY_RESET opcode, which receives no reply.
func (s *Service) FactoryReset(ctx context.Context) error {
	_, err := s.commander.Execute(ctx, command.OpFactoryReset, nil)
	return err
}

// Patch performs an atomic read-merge-write against a single block
// (spec.md §4.7: "composite operation ... executed under the operation
// lock").
func (s *Service) Patch(ctx context.Context, sid string, fields map[string]interface{}) (Block, error) {
	if err := s.machine.RequireSynchronized(); err != nil {
		return Block{}, err
	}
	return s.patchBlock(ctx, sid, fields)
}

func (s *Service) patchBlock(ctx context.Context, sid string, fields map[string]interface{}) (Block, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	current, err := s.readBlock(ctx, command.OpReadObject, sid)
	if err != nil {
		return Block{}, err
	}
	merged := make(map[string]interface{}, len(current.Data)+len(fields))
	for k, v := range current.Data {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	current.Data = merged
	return s.writeBlock(ctx, current)
}

// FirmwareUpdate transitions the state machine into updating mode,
// issues the FIRMWARE_UPDATE opcode, and transfers content over the same
// transport via YMODEM/1K (spec.md §4.10).
func (s *Service) FirmwareUpdate(ctx context.Context, filename string, content []byte) error {
	if err := s.machine.BeginUpdate(); err != nil {
		return err
	}
	if _, err := s.commander.Execute(ctx, command.OpFirmwareUpdate, nil); err != nil {
		return err
	}

	transport := s.link.Transport()
	if transport == nil {
		return gwerr.Newf(gwerr.KindNotConnected, "gateway: no active transport for firmware update")
	}
	sender := ymodem.New(transport, func(msg string) {
		s.log.Debug("firmware update: %s", msg)
	})
	return sender.Send(ctx, filename, content)
}

func (s *Service) nidForSID(sid string) (uint16, error) {
	entry, err := s.identity.Get(&sid, nil)
	if err != nil {
		return 0, err
	}
	return entry.NID, nil
}

func (s *Service) decodeBlock(p codec.Payload) (Block, error) {
	typeName, fields, err := s.codec.DecodePayload(p)
	if err != nil {
		return Block{}, err
	}
	nid := p.BlockID
	sid := ""
	if entry, err := s.identity.Get(nil, &nid); err == nil {
		sid = entry.SID
	}
	return Block{NID: nid, SID: sid, Type: typeName, Subtype: p.Subtype, Data: fields}, nil
}

func parseGlobalUnits(payload []byte) (settings.GlobalUnits, error) {
	var body struct {
		Changed []settings.GlobalUnits `json:"changed"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return settings.GlobalUnits{}, err
	}
	if len(body.Changed) == 0 {
		return settings.GlobalUnits{}, gwerr.Newf(gwerr.KindMalformedFrame, "gateway: empty units change notification")
	}
	return body.Changed[0], nil
}
