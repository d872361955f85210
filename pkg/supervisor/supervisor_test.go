package supervisor

import (
	"context"
	"testing"

	"github.com/paradox-pai/bridge/pkg/dispatcher"
	"github.com/paradox-pai/bridge/pkg/notifier"
	"github.com/paradox-pai/bridge/pkg/panelprofile"
	"github.com/paradox-pai/bridge/pkg/statestore"
	"github.com/rs/zerolog"
)

// fakeConn scripts one reply per Do() call, keyed by call order, and
// records the profile the supervisor installs.
type fakeConn struct {
	replies  []panelprofile.ParsedMessage
	i        int
	profiles []panelprofile.PanelProfile
}

func (f *fakeConn) Do(ctx context.Context, opts dispatcher.Options) (panelprofile.ParsedMessage, error) {
	if f.i >= len(f.replies) {
		return nil, nil
	}
	r := f.replies[f.i]
	f.i++
	return r, nil
}

func (f *fakeConn) SetProfile(p panelprofile.PanelProfile) {
	f.profiles = append(f.profiles, p)
}

type fakeProfile struct {
	labels map[string]map[int]string
}

func (p *fakeProfile) GetMessage(name string) (panelprofile.MessageTemplate, error) {
	return panelprofile.MessageTemplate{Name: name, Encode: func(map[string]any) ([]byte, error) { return nil, nil }}, nil
}
func (p *fakeProfile) ParseMessage(data []byte) (panelprofile.ParsedMessage, error) { return nil, nil }
func (p *fakeProfile) InitializeCommunication(ctx context.Context, req panelprofile.Requester, initial panelprofile.ParsedMessage, password string) (bool, error) {
	return true, nil
}
func (p *fakeProfile) UpdateLabels(ctx context.Context, req panelprofile.Requester, w panelprofile.LabelWriter) error {
	return nil
}

// scriptedConn replays a fixed sequence of (message, error) steps,
// regardless of the Options passed in, so tests can inject a terminate
// error at a specific point in the connect/poll sequence.
type scriptedConn struct {
	steps []struct {
		msg panelprofile.ParsedMessage
		err error
	}
	i        int
	profiles []panelprofile.PanelProfile
}

func (f *scriptedConn) Do(ctx context.Context, opts dispatcher.Options) (panelprofile.ParsedMessage, error) {
	if f.i >= len(f.steps) {
		return nil, nil
	}
	st := f.steps[f.i]
	f.i++
	return st.msg, st.err
}

func (f *scriptedConn) SetProfile(p panelprofile.PanelProfile) {
	f.profiles = append(f.profiles, p)
}

type recordingNotifier struct{ messages []string }

func (r *recordingNotifier) Change(kind, label, property string, value any, initial bool) {}
func (r *recordingNotifier) Notify(source, message string, level notifier.Level) {
	r.messages = append(r.messages, message)
}
func (r *recordingNotifier) Event(major, minor int, minorLabel, eventType, text string) {}

func TestConnectSucceedsAndSelectsProfile(t *testing.T) {
	conn := &fakeConn{replies: []panelprofile.ParsedMessage{
		panelprofile.Reply{Code: 0x07, Body: map[string]any{"label": "EVO192"}},
		panelprofile.Reply{Code: 0x00, Body: map[string]any{"product_id": 7}},
	}}
	registry := panelprofile.NewRegistry()
	registry.Register(7, func() panelprofile.PanelProfile { return &fakeProfile{} })

	notif := &recordingNotifier{}
	store := statestore.New(notif, false)
	sup := New(DefaultConfig(), conn, registry, store, notif, zerolog.Nop())

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sup.State() != StateRun {
		t.Fatalf("expected StateRun, got %v", sup.State())
	}
	if len(conn.profiles) != 1 {
		t.Fatalf("expected SetProfile to be called once, got %d", len(conn.profiles))
	}
	if len(notif.messages) != 1 || notif.messages[0] != "Connection OK" {
		t.Fatalf("unexpected notifications: %v", notif.messages)
	}
}

func TestConnectFailsWithoutStartReply(t *testing.T) {
	conn := &fakeConn{replies: []panelprofile.ParsedMessage{
		panelprofile.Reply{Code: 0x07},
	}}
	registry := panelprofile.NewRegistry()
	notif := &recordingNotifier{}
	store := statestore.New(notif, false)
	sup := New(DefaultConfig(), conn, registry, store, notif, zerolog.Nop())

	if err := sup.Connect(context.Background()); err == nil {
		t.Fatal("expected error when StartCommunication gets no reply")
	}
	if sup.State() != StateStop {
		t.Fatalf("expected StateStop after failed connect, got %v", sup.State())
	}
}

func TestRunStopsOnTerminateWithoutReconnecting(t *testing.T) {
	conn := &scriptedConn{steps: []struct {
		msg panelprofile.ParsedMessage
		err error
	}{
		{panelprofile.Reply{Code: 0x07, Body: map[string]any{"label": "EVO192"}}, nil}, // InitiateCommunication
		{panelprofile.Reply{Code: 0x00, Body: map[string]any{"product_id": 7}}, nil},   // StartCommunication
		{nil, dispatcher.ErrTerminate},                                                 // first Poll ReadEEPROM
	}}
	registry := panelprofile.NewRegistry()
	registry.Register(7, func() panelprofile.PanelProfile { return &fakeProfile{} })

	notif := &recordingNotifier{}
	store := statestore.New(notif, false)
	cfg := DefaultConfig()
	cfg.StatusRequests = []int{0}
	sup := New(cfg, conn, registry, store, notif, zerolog.Nop())

	err := sup.Run(context.Background())
	if !dispatcher.IsTerminate(err) {
		t.Fatalf("expected a terminate error, got %v", err)
	}
	if sup.State() != StateStop {
		t.Fatalf("expected StateStop after terminate, got %v", sup.State())
	}
	if conn.i != len(conn.steps) {
		t.Fatalf("expected no further sends after terminate, conn consumed %d/%d steps", conn.i, len(conn.steps))
	}
}

func TestProcessStatusBulkFiltersByInclusionList(t *testing.T) {
	registry := panelprofile.NewRegistry()
	notif := &recordingNotifier{}
	store := statestore.New(notif, false)
	store.SetLabel("zone", 1, "Front Door")
	store.SetLabel("zone", 2, "Garage")

	cfg := DefaultConfig()
	cfg.Zones = []int{1} // zone 2 is outside the inclusion list
	sup := New(cfg, &fakeConn{}, registry, store, notif, zerolog.Nop())

	sup.processStatusBulk(panelprofile.StatusBulk{Fields: map[string]any{
		"zone_status": map[int]map[string]any{
			1: {"open": true},
			2: {"open": true},
		},
	}})

	if _, ok := store.Property("zone", 1, "open"); !ok {
		t.Fatal("expected zone 1 (in inclusion list) to be updated")
	}
	if _, ok := store.Property("zone", 2, "open"); ok {
		t.Fatal("expected zone 2 (outside inclusion list) to be ignored")
	}
}

func TestProcessStatusBulkSkipsUnrecognizedElementType(t *testing.T) {
	registry := panelprofile.NewRegistry()
	notif := &recordingNotifier{}
	store := statestore.New(notif, false)
	sup := New(DefaultConfig(), &fakeConn{}, registry, store, notif, zerolog.Nop())

	// "siren" has no dedicated inclusion list in the original's
	// process_status_bulk; its else-branch continues without applying.
	sup.processStatusBulk(panelprofile.StatusBulk{Fields: map[string]any{
		"siren_status": map[int]map[string]any{1: {"active": true}},
	}})

	if _, ok := store.Property("siren", 1, "active"); ok {
		t.Fatal("expected siren status to be skipped as an unrecognized element type")
	}
}

func TestWakeIsNonBlockingAndCoalesces(t *testing.T) {
	registry := panelprofile.NewRegistry()
	notif := &recordingNotifier{}
	store := statestore.New(notif, false)
	sup := New(DefaultConfig(), &fakeConn{}, registry, store, notif, zerolog.Nop())

	sup.Wake()
	sup.Wake() // must not block even though the channel is already full

	select {
	case <-sup.wake:
	default:
		t.Fatal("expected a pending wake signal")
	}
	select {
	case <-sup.wake:
		t.Fatal("expected wake signals to coalesce into one pending slot")
	default:
	}
}
