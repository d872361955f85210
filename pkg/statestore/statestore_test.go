package statestore

import (
	"testing"

	"github.com/paradox-pai/bridge/pkg/notifier"
)

type change struct {
	kind, label, property string
	value                  any
	initial                bool
}

type notification struct {
	source, message string
	level           notifier.Level
}

type recordingNotifier struct {
	changes       []change
	notifications []notification
}

func (r *recordingNotifier) Change(kind, label, property string, value any, initial bool) {
	r.changes = append(r.changes, change{kind, label, property, value, initial})
}
func (r *recordingNotifier) Notify(source, message string, level notifier.Level) {
	r.notifications = append(r.notifications, notification{source, message, level})
}
func (r *recordingNotifier) Event(major, minor int, minorLabel, eventType, text string) {}

func TestUpdatePropertiesInitialWriteSuppressed(t *testing.T) {
	n := &recordingNotifier{}
	s := New(n, false)
	s.SetLabel("zone", 1, "Front Door")

	s.UpdateProperties("zone", 1, map[string]any{"open": false}, false)
	if len(n.changes) != 1 {
		t.Fatalf("expected 1 change, got %d: %+v", len(n.changes), n.changes)
	}
	if !n.changes[0].initial {
		t.Fatalf("expected initial write to be marked initial")
	}
}

func TestUpdatePropertiesSkipsUnchangedValue(t *testing.T) {
	n := &recordingNotifier{}
	s := New(n, false)
	s.SetLabel("zone", 1, "Front Door")
	s.UpdateProperties("zone", 1, map[string]any{"open": false}, false)

	s.UpdateProperties("zone", 1, map[string]any{"open": false}, false)
	if len(n.changes) != 1 {
		t.Fatalf("expected no additional change for unchanged value, got %d", len(n.changes))
	}

	s.UpdateProperties("zone", 1, map[string]any{"open": true}, false)
	if len(n.changes) != 2 {
		t.Fatalf("expected a change once value differs, got %d", len(n.changes))
	}
}

func TestUpdatePropertiesAggregatesTrouble(t *testing.T) {
	n := &recordingNotifier{}
	s := New(n, false)
	s.SetLabel("zone", 1, "Front Door")

	s.UpdateProperties("zone", 1, map[string]any{"supervision_trouble": true}, false)

	var sawTrouble bool
	for _, c := range n.changes {
		if c.property == "trouble" && c.value == true {
			sawTrouble = true
		}
	}
	if !sawTrouble {
		t.Fatalf("expected aggregated trouble=true, got %+v", n.changes)
	}
}

func TestUpdatePropertiesNotifiesOnPartitionChange(t *testing.T) {
	n := &recordingNotifier{}
	s := New(n, false)
	s.SetLabel("partition", 1, "Downstairs")
	s.UpdateProperties("partition", 1, map[string]any{"armed": false}, false)

	s.UpdateProperties("partition", 1, map[string]any{"armed": true}, false)
	if len(n.notifications) != 1 {
		t.Fatalf("expected a notification on partition change, got %+v", n.notifications)
	}
}

func TestUpdatePropertiesHonorsPartitionsChangeNotificationIgnore(t *testing.T) {
	n := &recordingNotifier{}
	s := New(n, false)
	s.PartitionsChangeNotificationIgnore = []string{"armed"}
	s.SetLabel("partition", 1, "Downstairs")
	s.UpdateProperties("partition", 1, map[string]any{"armed": false}, false)

	s.UpdateProperties("partition", 1, map[string]any{"armed": true}, false)
	if len(n.notifications) != 0 {
		t.Fatalf("expected ignored property to raise no notification, got %+v", n.notifications)
	}
}

func TestUpdatePropertiesNotifiesOnAnyTroubleChangeRegardlessOfKind(t *testing.T) {
	n := &recordingNotifier{}
	s := New(n, false)
	s.SetLabel("zone", 1, "Front Door")
	s.UpdateProperties("zone", 1, map[string]any{"supervision_trouble": false}, false)

	s.UpdateProperties("zone", 1, map[string]any{"supervision_trouble": true}, false)

	var sawTroubleNotify bool
	for _, m := range n.notifications {
		if m.message == "Front Door supervision_trouble true" {
			sawTroubleNotify = true
		}
	}
	if !sawTroubleNotify {
		t.Fatalf("expected a notification for the trouble change, got %+v", n.notifications)
	}
}

func TestKeyForLabel(t *testing.T) {
	s := New(&recordingNotifier{}, false)
	s.SetLabel("partition", 2, "Downstairs")
	key, ok := s.KeyForLabel("partition", "Downstairs")
	if !ok || key != 2 {
		t.Fatalf("KeyForLabel = %d, %v", key, ok)
	}
}
