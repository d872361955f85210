package control

import (
	"context"
	"testing"
	"time"

	"github.com/paradox-pai/bridge/pkg/notifier"
	"github.com/paradox-pai/bridge/pkg/panelprofile"
	"github.com/paradox-pai/bridge/pkg/statestore"
)

type fakeProfile struct{}

func (fakeProfile) GetMessage(name string) (panelprofile.MessageTemplate, error) {
	return panelprofile.MessageTemplate{Name: name, Encode: func(map[string]any) ([]byte, error) { return nil, nil }}, nil
}
func (fakeProfile) ParseMessage(data []byte) (panelprofile.ParsedMessage, error) { return nil, nil }
func (fakeProfile) InitializeCommunication(ctx context.Context, req panelprofile.Requester, initial panelprofile.ParsedMessage, password string) (bool, error) {
	return true, nil
}
func (fakeProfile) UpdateLabels(ctx context.Context, req panelprofile.Requester, w panelprofile.LabelWriter) error {
	return nil
}

func newTestSurface(calls *[]map[string]any) *Surface {
	return newTestSurfaceWithWake(calls, nil)
}

func newTestSurfaceWithWake(calls *[]map[string]any, wakes *int) *Surface {
	store := statestore.New(testNotifier{}, false)
	store.SetLabel("zone", 1, "Front Door")
	store.SetLabel("output", 1, "Garage PGM")

	send := func(ctx context.Context, tmpl panelprofile.MessageTemplate, args map[string]any, replyExpected byte) (panelprofile.ParsedMessage, error) {
		*calls = append(*calls, args)
		return panelprofile.Reply{Code: replyExpected}, nil
	}
	var wake func()
	if wakes != nil {
		wake = func() { *wakes++ }
	}
	s := New(store, fakeProfile{}, send, wake)
	s.Sleep = func(time.Duration) {}
	return s
}

type testNotifier struct{}

func (testNotifier) Change(kind, label, property string, value any, initial bool) {}
func (testNotifier) Notify(source, message string, level notifier.Level)          {}
func (testNotifier) Event(major, minor int, minorLabel, eventType, text string)   {}

func TestControlZoneByLabel(t *testing.T) {
	var calls []map[string]any
	s := newTestSurface(&calls)

	accepted, err := s.ControlZone(context.Background(), "Front Door", "bypass")
	if err != nil {
		t.Fatal(err)
	}
	if !accepted {
		t.Fatal("expected accepted=true")
	}
	if len(calls) != 1 || calls[0]["argument"] != 0 {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestControlOutputPulseSendsOnThenOff(t *testing.T) {
	var calls []map[string]any
	s := newTestSurface(&calls)

	accepted, err := s.ControlOutput(context.Background(), "1", "pulse")
	if err != nil {
		t.Fatal(err)
	}
	if !accepted {
		t.Fatal("expected accepted=true")
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls (on, off), got %d", len(calls))
	}
	if calls[0]["action"] != PGMActions["on"] || calls[1]["action"] != PGMActions["off"] {
		t.Fatalf("unexpected action sequence: %+v", calls)
	}
}

func TestControlZoneUnknownCommand(t *testing.T) {
	var calls []map[string]any
	s := newTestSurface(&calls)

	if _, err := s.ControlZone(context.Background(), "all", "nonsense"); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestControlPartitionNoMatchReturnsFalse(t *testing.T) {
	var calls []map[string]any
	s := newTestSurface(&calls)

	accepted, err := s.ControlPartition(context.Background(), "99", "arm")
	if err != nil {
		t.Fatal(err)
	}
	if accepted {
		t.Fatal("expected accepted=false for unmatched selector")
	}
}

func TestControlZoneWakesSupervisorAfterDispatch(t *testing.T) {
	var calls []map[string]any
	var wakes int
	s := newTestSurfaceWithWake(&calls, &wakes)

	if _, err := s.ControlZone(context.Background(), "Front Door", "bypass"); err != nil {
		t.Fatal(err)
	}
	if wakes != 1 {
		t.Fatalf("expected 1 wake call, got %d", wakes)
	}
}

func TestControlOutputPulseWakesSupervisorTwice(t *testing.T) {
	var calls []map[string]any
	var wakes int
	s := newTestSurfaceWithWake(&calls, &wakes)

	if _, err := s.ControlOutput(context.Background(), "1", "pulse"); err != nil {
		t.Fatal(err)
	}
	if wakes != 2 {
		t.Fatalf("expected 2 wake calls (on, off), got %d", wakes)
	}
}
