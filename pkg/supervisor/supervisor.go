// Package supervisor drives the connect/poll/reconnect state machine
// described in spec §4.10/§5: connect, bring up the right PanelProfile,
// poll each status block on an interval, and route status replies into the
// state store while async events flow through the dispatcher's OnEvent
// hook.
package supervisor

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/paradox-pai/bridge/pkg/dispatcher"
	"github.com/paradox-pai/bridge/pkg/notifier"
	"github.com/paradox-pai/bridge/pkg/panelprofile"
	"github.com/paradox-pai/bridge/pkg/statestore"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle state (spec §5).
type State int

const (
	StateStop State = iota
	StateRun
	StatePause
	StateError
)

func (s State) String() string {
	switch s {
	case StateStop:
		return "stop"
	case StateRun:
		return "run"
	case StatePause:
		return "pause"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Memory base addresses for the six status blocks (spec §4.10).
const (
	MemStatusBase1 = 0x8000
	MemStatusBase2 = 0x1fe0
)

// Config holds every tunable the original reads from its user config module.
type Config struct {
	Password                     string
	SourceID                     int
	SyncTime                     bool
	StatusRequests               []int
	KeepAliveInterval            time.Duration
	PowerUpdateInterval          time.Duration
	PushPowerUpdateWithoutChange bool
	PushUpdateWithoutChange      bool
	ConnectRetries               int

	// Inclusion lists: only these element keys are applied from a status
	// bulk reply (spec §3/§6, cfg.ZONES/PARTITIONS/OUTPUTS/BUSES/REPEATERS/
	// KEYPADS in the original). A nil list means "none", matching the
	// original's behavior when a limit_list is left empty.
	Zones      []int
	Partitions []int
	Outputs    []int
	Buses      []int
	Repeaters  []int
	Keypads    []int
}

// DefaultConfig matches the original module's defaults for an EVO-class
// panel: six status blocks, a 30s keepalive, and a 1s power update floor.
func DefaultConfig() Config {
	return Config{
		SourceID:            0x02,
		StatusRequests:       []int{0, 1, 2, 3, 4, 5},
		KeepAliveInterval:    30 * time.Second,
		PowerUpdateInterval:  time.Second,
		ConnectRetries:       3,
	}
}

// Requester is the dispatcher capability the supervisor drives the session
// with; *dispatcher.Dispatcher satisfies it.
type Requester interface {
	Do(ctx context.Context, opts dispatcher.Options) (panelprofile.ParsedMessage, error)
	SetProfile(profile panelprofile.PanelProfile)
}

// Supervisor owns the connection lifecycle for one panel session.
type Supervisor struct {
	cfg      Config
	conn     Requester
	registry *panelprofile.Registry
	store    *statestore.Store
	notif    notifier.Notifier
	logger   zerolog.Logger

	profile panelprofile.PanelProfile

	state       State
	lastPower   time.Time
	statusCache map[string]any

	// wake is set by a control.Surface (via Wake) after dispatching a
	// command, so Run's keepalive wait breaks early and re-polls status
	// immediately instead of waiting out KeepAliveInterval (spec §4.9/§4.10).
	wake chan struct{}
}

// New constructs a Supervisor. registry resolves the concrete PanelProfile
// once the StartCommunication reply reveals the product_id.
func New(cfg Config, conn Requester, registry *panelprofile.Registry, store *statestore.Store, notif notifier.Notifier, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		conn:        conn,
		registry:    registry,
		store:       store,
		notif:       notif,
		logger:      logger,
		state:       StateStop,
		statusCache: make(map[string]any),
		wake:        make(chan struct{}, 1),
	}
}

// State reports the current lifecycle state.
func (s *Supervisor) State() State { return s.state }

// Wake signals Run's keepalive wait to stop early and re-poll status
// immediately. Safe to call from any goroutine, including concurrently with
// itself; a pending wake is coalesced, matching the original's single wake
// flag rather than a counted queue.
func (s *Supervisor) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Profile returns the currently active PanelProfile, or nil before Connect
// completes.
func (s *Supervisor) Profile() panelprofile.PanelProfile { return s.profile }

func reply(code byte) *byte { return &code }

// Connect performs the full handshake sequence: InitiateCommunication,
// StartCommunication (which reveals the product_id and lets the right
// PanelProfile take over), family-specific InitializeCommunication, an
// optional time sync, and an initial label load.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.logger.Info().Msg("connecting to panel")
	s.store.Reset()
	s.statusCache = make(map[string]any)
	s.state = StateRun

	initiateTmpl, err := bootstrapProfile{}.GetMessage(panelprofile.MsgInitiateCommunication)
	if err != nil {
		return err
	}
	initial, err := s.conn.Do(ctx, dispatcher.Options{Template: &initiateTmpl, ReplyExpected: reply(0x07)})
	if err != nil {
		s.state = StateError
		return fmt.Errorf("supervisor: InitiateCommunication: %w", err)
	}
	if initial == nil {
		s.logger.Warn().Msg("unknown panel, proceeding without an InitiateCommunication reply")
	}

	startTmpl, err := bootstrapProfile{}.GetMessage(panelprofile.MsgStartCommunication)
	if err != nil {
		return err
	}
	startReply, err := s.conn.Do(ctx, dispatcher.Options{Template: &startTmpl, Args: map[string]any{"source_id": s.cfg.SourceID}, ReplyExpected: reply(0x00)})
	if err != nil {
		s.state = StateError
		return fmt.Errorf("supervisor: StartCommunication: %w", err)
	}
	if startReply == nil {
		s.state = StateStop
		return fmt.Errorf("supervisor: panel did not respond to StartCommunication")
	}
	r, ok := startReply.(panelprofile.Reply)
	if !ok {
		s.state = StateStop
		return fmt.Errorf("supervisor: unexpected StartCommunication reply type %T", startReply)
	}
	productID, _ := r.Body["product_id"].(int)

	profile, err := s.registry.New(productID)
	if err != nil {
		s.state = StateStop
		return fmt.Errorf("supervisor: %w", err)
	}
	s.profile = profile
	s.conn.SetProfile(profile)

	ready, err := profile.InitializeCommunication(ctx, dispatcherAdapter{s.conn}, startReply, s.cfg.Password)
	if err != nil || !ready {
		s.state = StateStop
		if err != nil {
			return fmt.Errorf("supervisor: InitializeCommunication: %w", err)
		}
		return fmt.Errorf("supervisor: panel rejected InitializeCommunication")
	}

	if s.cfg.SyncTime {
		s.syncTime(ctx)
	}

	if err := profile.UpdateLabels(ctx, dispatcherAdapter{s.conn}, s.store); err != nil {
		s.logger.Warn().Err(err).Msg("update labels")
	}

	s.logger.Info().Msg("connection OK")
	if s.notif != nil {
		s.notif.Notify("Paradox", "Connection OK", notifier.LevelInfo)
	}
	return nil
}

func (s *Supervisor) syncTime(ctx context.Context) {
	now := time.Now()
	tmpl, err := s.profile.GetMessage(panelprofile.MsgSetTimeDate)
	if err != nil {
		s.logger.Warn().Err(err).Msg("SetTimeDate unsupported on this panel family")
		return
	}
	args := map[string]any{
		"century": now.Year() / 100,
		"year":    now.Year() % 100,
		"month":   int(now.Month()),
		"day":     now.Day(),
		"hour":    now.Hour(),
		"minute":  now.Minute(),
	}
	if _, err := s.conn.Do(ctx, dispatcher.Options{Template: &tmpl, Args: args, ReplyExpected: reply(0x03)}); err != nil {
		s.logger.Warn().Err(err).Msg("could not set panel time")
	}
}

// Poll performs one sweep over every configured status block, updating the
// state store from each ReadEEPROM reply. It returns the time of the last
// reply that carried data, mirroring the original's tstart refresh.
func (s *Supervisor) Poll(ctx context.Context) (time.Time, error) {
	tmpl, err := s.profile.GetMessage(panelprofile.MsgReadEEPROM)
	if err != nil {
		return time.Time{}, err
	}
	last := time.Now()
	for _, i := range s.cfg.StatusRequests {
		args := map[string]any{"address": MemStatusBase1 + i}
		msg, err := s.conn.Do(ctx, dispatcher.Options{Template: &tmpl, Args: args, ReplyExpected: reply(0x05)})
		if err != nil {
			return last, err
		}
		if msg == nil {
			continue
		}
		sb, ok := msg.(panelprofile.StatusBulk)
		if !ok {
			continue
		}
		last = time.Now()
		s.handleStatus(sb)
	}
	return last, nil
}

// Run executes the connect-then-poll-forever loop until ctx is canceled or
// the panel sends a terminate. It reconnects (up to ConnectRetries times in
// a row) if Connect or Poll fails.
func (s *Supervisor) Run(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			s.state = StateStop
			return ctx.Err()
		default:
		}

		if err := s.Connect(ctx); err != nil {
			failures++
			s.logger.Error().Err(err).Int("attempt", failures).Msg("connect failed")
			if s.cfg.ConnectRetries > 0 && failures >= s.cfg.ConnectRetries {
				return fmt.Errorf("supervisor: giving up after %d connect attempts: %w", failures, err)
			}
			continue
		}
		failures = 0

		for s.state == StateRun {
			select {
			case <-ctx.Done():
				s.state = StateStop
				return ctx.Err()
			default:
			}

			tstart, err := s.Poll(ctx)
			if err != nil {
				if dispatcher.IsTerminate(err) {
					s.logger.Warn().Msg("panel terminated connection; stopping")
					s.state = StateStop
					return err
				}
				s.logger.Error().Err(err).Msg("poll")
				s.state = StateError
				break
			}

		keepalive:
			for time.Since(tstart) < s.cfg.KeepAliveInterval && s.state == StateRun {
				select {
				case <-s.wake:
					break keepalive
				default:
				}
				if _, err := s.conn.Do(ctx, dispatcher.Options{}); err != nil {
					if dispatcher.IsTerminate(err) {
						s.logger.Warn().Msg("panel terminated connection; stopping")
						s.state = StateStop
						return err
					}
					s.state = StateError
					break keepalive
				}
			}
		}
	}
}

// Pause stops polling without tearing down the session's logical state;
// Resume reconnects from scratch, matching the original's pause()/resume().
func (s *Supervisor) Pause(ctx context.Context) error {
	if s.state != StateRun {
		return nil
	}
	s.state = StatePause
	return s.closeConnection(ctx)
}

// Disconnect tears the session down permanently.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	if s.state != StateRun {
		return nil
	}
	s.state = StateStop
	return s.closeConnection(ctx)
}

// Resume re-establishes the session after a Pause.
func (s *Supervisor) Resume(ctx context.Context) error {
	if s.state != StatePause {
		return nil
	}
	return s.Connect(ctx)
}

func (s *Supervisor) closeConnection(ctx context.Context) error {
	if s.profile == nil {
		return nil
	}
	tmpl, err := s.profile.GetMessage(panelprofile.MsgCloseConnection)
	if err != nil {
		return err
	}
	_, err = s.conn.Do(ctx, dispatcher.Options{Template: &tmpl, ReplyExpected: reply(0x07)})
	return err
}

// handleStatus mirrors handle_status + process_status_bulk: for status
// block 0, it republishes the power/RF fields (rate-limited by
// PowerUpdateInterval) and every trouble flag except "not_used" padding (on
// each reply); every block's remaining "{kind}_{prop}" fields flow
// into UpdateProperties once per distinct observed value.
func (s *Supervisor) handleStatus(sb panelprofile.StatusBulk) {
	if sb.StatusRequest == 0 {
		if time.Since(s.lastPower) >= s.cfg.PowerUpdateInterval {
			s.lastPower = time.Now()
			force := s.cfg.PushPowerUpdateWithoutChange
			if vdc, ok := sb.Fields["vdc"]; ok {
				s.store.UpdateProperties("system", 0, map[string]any{"vdc": vdc}, force)
			}
			if battery, ok := sb.Fields["battery"]; ok {
				s.store.UpdateProperties("system", 0, map[string]any{"battery": battery}, force)
			}
			if dc, ok := sb.Fields["dc"]; ok {
				s.store.UpdateProperties("system", 0, map[string]any{"dc": dc}, force)
			}
			if rf, ok := sb.Fields["rf_noise_floor"]; ok {
				s.store.UpdateProperties("system", 1, map[string]any{"rf_noise_floor": rf}, force)
			}
		}
		if troubles, ok := sb.Fields["troubles"].(map[string]any); ok {
			for name, val := range troubles {
				if strings.Contains(name, "not_used") {
					continue
				}
				s.store.UpdateProperties("system", 2, map[string]any{name: val}, false)
			}
		}
	}
	s.processStatusBulk(sb)
}

// limitList returns the configured inclusion list for kind, and whether kind
// is one of the six recognized status-bulk element types. An element type
// process_status_bulk doesn't recognize is skipped entirely, matching the
// original's trailing "else: continue".
func (s *Supervisor) limitList(kind string) ([]int, bool) {
	switch kind {
	case "zone":
		return s.cfg.Zones, true
	case "partition":
		return s.cfg.Partitions, true
	case "output":
		return s.cfg.Outputs, true
	case "bus":
		return s.cfg.Buses, true
	case "repeater":
		return s.cfg.Repeaters, true
	case "keypad":
		return s.cfg.Keypads, true
	default:
		return nil, false
	}
}

func inList(list []int, key int) bool {
	for _, v := range list {
		if v == key {
			return true
		}
	}
	return false
}

func (s *Supervisor) processStatusBulk(sb panelprofile.StatusBulk) {
	for key, value := range sb.Fields {
		switch key {
		case "vdc", "battery", "dc", "rf_noise_floor", "troubles":
			continue // consumed by handleStatus for block 0 only
		}

		parts := strings.SplitN(key, "_", 2)
		if len(parts) != 2 {
			continue
		}
		kind, prop := parts[0], parts[1]
		switch kind {
		case "pgm":
			kind = "output"
		case "wireless-repeater":
			kind = "repeater"
		case "wireless-keypad":
			kind = "keypad"
		}

		// Keys outside the configured inclusion list for this element type
		// are ignored (spec §3/§6), mirroring process_status_bulk's
		// "if i in limit_list" check.
		limit, recognized := s.limitList(kind)
		if !recognized {
			continue
		}

		if cached, ok := s.statusCache[key]; ok && reflect.DeepEqual(cached, value) {
			continue
		}
		s.statusCache[key] = value

		if prop == "status" {
			byKey, ok := value.(map[int]map[string]any)
			if !ok {
				continue
			}
			for elKey, props := range byKey {
				if !inList(limit, elKey) {
					continue
				}
				s.store.UpdateProperties(kind, elKey, props, false)
			}
			continue
		}
		byKey, ok := value.(map[int]any)
		if !ok {
			continue
		}
		for elKey, v := range byKey {
			if !inList(limit, elKey) {
				continue
			}
			s.store.UpdateProperties(kind, elKey, map[string]any{prop: v}, false)
		}
	}
}

// bootstrapProfile provides the two pre-identification messages
// (InitiateCommunication, StartCommunication) that are identical across
// every panel family, so the supervisor doesn't need a profile to start
// the handshake that determines which profile to use.
type bootstrapProfile struct{}

func (bootstrapProfile) GetMessage(name string) (panelprofile.MessageTemplate, error) {
	switch name {
	case panelprofile.MsgInitiateCommunication:
		return panelprofile.MessageTemplate{Name: name, Encode: func(map[string]any) ([]byte, error) {
			return []byte{0x10}, nil
		}}, nil
	case panelprofile.MsgStartCommunication:
		return panelprofile.MessageTemplate{Name: name, Encode: func(args map[string]any) ([]byte, error) {
			sourceID, _ := args["source_id"].(int)
			return []byte{0x11, byte(sourceID)}, nil
		}}, nil
	default:
		return panelprofile.MessageTemplate{}, fmt.Errorf("supervisor: no bootstrap message %q", name)
	}
}

// dispatcherAdapter adapts Requester to panelprofile.Requester for the
// profile's own InitializeCommunication/UpdateLabels calls.
type dispatcherAdapter struct {
	conn Requester
}

func (d dispatcherAdapter) SendWait(ctx context.Context, tmpl panelprofile.MessageTemplate, args map[string]any, replyExpected byte) (panelprofile.ParsedMessage, error) {
	return d.conn.Do(ctx, dispatcher.Options{Template: &tmpl, Args: args, ReplyExpected: &replyExpected})
}

// ControlSend adapts a Requester into the send function control.Surface
// needs, so cmd/paibridge can wire the same dispatcher into both the
// supervisor and the control surface.
func ControlSend(conn Requester) func(context.Context, panelprofile.MessageTemplate, map[string]any, byte) (panelprofile.ParsedMessage, error) {
	return func(ctx context.Context, tmpl panelprofile.MessageTemplate, args map[string]any, replyExpected byte) (panelprofile.ParsedMessage, error) {
		return conn.Do(ctx, dispatcher.Options{Template: &tmpl, Args: args, ReplyExpected: &replyExpected})
	}
}
