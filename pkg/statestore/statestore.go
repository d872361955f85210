// Package statestore holds the in-memory model of every element the panel
// reports on (zones, partitions, outputs, buses, repeaters, keypads, system)
// and turns raw property writes into change notifications, matching the
// "update_properties" behavior described in spec §4.8/§3.
package statestore

import (
	"fmt"
	"strings"
	"sync"

	"github.com/paradox-pai/bridge/pkg/notifier"
)

// Element is one tracked object's current property set plus its label.
type Element struct {
	Label      string
	Properties map[string]any
}

// Store is the process's single source of truth for panel state. All
// methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	elements map[string]map[int]*Element
	labels   map[string]map[int]string

	notif notifier.Notifier

	// pushWithoutChange mirrors cfg.PUSH_UPDATE_WITHOUT_CHANGE: when true,
	// Change fires even if the new value equals the old one.
	pushWithoutChange bool

	// PartitionsChangeNotificationIgnore mirrors
	// cfg.PARTITIONS_CHANGE_NOTIFICATION_IGNORE: partition property names
	// listed here are excluded from the human-readable Notify a partition
	// property change would otherwise raise. Set directly after New, like
	// dispatcher.Dispatcher's DumpPackets/DumpMessages fields.
	PartitionsChangeNotificationIgnore []string
}

// Kinds the store tracks, matching type_to_element_dict in the original.
var Kinds = []string{"repeater", "keypad", "siren", "user", "bus", "zone", "partition", "output", "system"}

// New creates an empty Store reporting through notif.
func New(notif notifier.Notifier, pushWithoutChange bool) *Store {
	s := &Store{notif: notif, pushWithoutChange: pushWithoutChange}
	s.Reset()
	return s
}

// Reset clears all element and label state, as done on every (re)connect.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements = make(map[string]map[int]*Element)
	s.labels = make(map[string]map[int]string)
	for _, kind := range Kinds {
		s.elements[kind] = make(map[int]*Element)
		s.labels[kind] = make(map[int]string)
	}
	s.elements["system"][0] = &Element{Label: "power", Properties: map[string]any{}}
	s.elements["system"][1] = &Element{Label: "rf", Properties: map[string]any{}}
	s.elements["system"][2] = &Element{Label: "troubles", Properties: map[string]any{}}
}

// SetLabel implements panelprofile.LabelWriter: it records the label for an
// element key and seeds the element entry if it doesn't exist yet.
func (s *Store) SetLabel(kind string, key int, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.labels[kind]; !ok {
		return
	}
	s.labels[kind][key] = label
	if _, ok := s.elements[kind][key]; !ok {
		s.elements[kind][key] = &Element{Label: label, Properties: map[string]any{}}
	} else {
		s.elements[kind][key].Label = label
	}
}

// Label returns the label registered for kind/key, and whether it exists.
func (s *Store) Label(kind string, key int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.labels[kind][key]
	return l, ok
}

// KeyForLabel reverse-looks-up a key by its label, used by the control
// surface to resolve a selector given as a name rather than a number.
func (s *Store) KeyForLabel(kind, label string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, l := range s.labels[kind] {
		if l == label {
			return k, true
		}
	}
	return 0, false
}

// Keys returns every element key currently known for kind, in no particular
// order.
func (s *Store) Keys(kind string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]int, 0, len(s.elements[kind]))
	for k := range s.elements[kind] {
		keys = append(keys, k)
	}
	return keys
}

// Property reads a single current property value, returning (nil, false) if
// either the element or the property is unknown.
func (s *Store) Property(kind string, key int, property string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[kind][key]
	if !ok {
		return nil, false
	}
	v, ok := el.Properties[property]
	return v, ok
}

// UpdateProperties applies a batch of property changes to one element,
// publishing a Change notification per changed property and aggregating any
// "*_trouble" properties into a synthetic "trouble" property, exactly as
// update_properties does.
func (s *Store) UpdateProperties(kind string, key int, change map[string]any, forcePublish bool) {
	s.mu.Lock()
	kindMap, ok := s.elements[kind]
	if !ok {
		s.mu.Unlock()
		return
	}
	el, ok := kindMap[key]
	if !ok {
		s.mu.Unlock()
		return
	}

	type pub struct {
		label, property string
		value           any
		initial         bool
	}
	type notify struct {
		label, property string
		value           any
	}
	var toPublish []pub
	var toNotify []notify
	var troubleChange map[string]any
	troubleTouched := false

	for property, value := range change {
		if strings.Contains(property, "_trouble") {
			troubleTouched = true
		}

		if old, existed := el.Properties[property]; existed {
			if old != value || forcePublish || s.pushWithoutChange {
				el.Properties[property] = value
				toPublish = append(toPublish, pub{el.Label, property, value, false})

				// Partition property changes (except those listed in
				// PartitionsChangeNotificationIgnore) and any trouble change
				// additionally raise a human-readable notification, mirroring
				// update_properties's PARTITIONS_CHANGE_NOTIFICATION_IGNORE
				// check.
				if (kind == "partition" && !contains(s.PartitionsChangeNotificationIgnore, property)) ||
					strings.Contains(property, "trouble") {
					toNotify = append(toNotify, notify{el.Label, property, value})
				}
			}
		} else {
			el.Properties[property] = value
			// Initial writes still fire Change, flagged initial (for the
			// notifier to suppress) unless they carry trouble information,
			// matching the original's surpress logic.
			toPublish = append(toPublish, pub{el.Label, property, value, !strings.Contains(property, "trouble")})
		}
	}
	if troubleTouched {
		anyTrouble := false
		for k, v := range el.Properties {
			if strings.Contains(k, "_trouble") {
				if b, _ := v.(bool); b {
					anyTrouble = true
				}
			}
		}
		troubleChange = map[string]any{"trouble": anyTrouble}
	}
	s.mu.Unlock()

	for _, p := range toPublish {
		if s.notif != nil {
			s.notif.Change(kind, p.label, p.property, p.value, p.initial)
		}
	}
	for _, n := range toNotify {
		if s.notif != nil {
			s.notif.Notify("Paradox", fmt.Sprintf("%s %s %v", n.label, n.property, n.value), notifier.LevelInfo)
		}
	}
	if troubleChange != nil {
		s.UpdateProperties(kind, key, troubleChange, forcePublish)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Snapshot returns a deep-enough copy of one element for external callers
// (e.g. a control surface needing a label for a log line) without holding
// the store lock.
func (s *Store) Snapshot(kind string, key int) (Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[kind][key]
	if !ok {
		return Element{}, false
	}
	cp := Element{Label: el.Label, Properties: make(map[string]any, len(el.Properties))}
	for k, v := range el.Properties {
		cp.Properties[k] = v
	}
	return cp, true
}
