// Package eventproc turns a raw panel event's (major, minor) code pair into
// a state-store property delta and a classified notification, matching
// process_event/generate_event_notifications in spec §4.8.
package eventproc

import (
	"fmt"

	"github.com/paradox-pai/bridge/pkg/notifier"
	"github.com/paradox-pai/bridge/pkg/panelprofile"
	"github.com/paradox-pai/bridge/pkg/statestore"
)

// Processor classifies panel events, updates the Store, and emits
// notifications.
type Processor struct {
	Store *statestore.Store
	Notif notifier.Notifier
}

// New constructs a Processor writing into store and reporting through notif.
func New(store *statestore.Store, notif notifier.Notifier) *Processor {
	return &Processor{Store: store, Notif: notif}
}

// Handle processes one Event: it derives the property delta (if any),
// applies it to the store, resolves the minor code's label, and emits the
// classified notification.
func (p *Processor) Handle(ev panelprofile.Event) {
	major, minor := ev.Major.Num, ev.Minor.Num
	change := p.deriveChange(major, minor, ev.Type)

	minorLabel := ev.Minor.Text
	if change != nil {
		switch ev.Type {
		case "Zone":
			if label, ok := p.Store.Label("zone", minor); ok {
				p.Store.UpdateProperties("zone", minor, change, false)
				minorLabel = label
			}
		case "Partition":
			// process_event computes a change dict for partitions but never
			// applies it (the original's elif branch is a no-op `pass`);
			// preserved here rather than "fixed" per the Open Questions
			// resolution to keep behavior parity.
		case "Output":
			if label, ok := p.Store.Label("output", minor); ok {
				p.Store.UpdateProperties("output", minor, change, false)
				minorLabel = label
			}
		}
	}

	if p.Notif != nil {
		p.Notif.Event(major, minor, minorLabel, ev.Type, ev.Major.Text)
	}

	p.notify(major, minor, minorLabel, ev.Type, ev.Major.Text)
}

// deriveChange implements process_event's major/minor → property mapping.
// The two overlapping major-code branches for the wireless module (53,54)
// and (53,56) are preserved as written upstream — major==53 can only ever
// take the first branch since Go evaluates in source order, same as the
// original's if/elif chain; see SPEC_FULL.md's Open Questions resolution.
func (p *Processor) deriveChange(major, minor int, eventType string) map[string]any {
	switch {
	case major == 0 || major == 1:
		return map[string]any{"open": major == 1}
	case major == 35:
		// Toggles the zone's current bypass property, read as false when
		// the zone has none yet.
		current, _ := p.Store.Property("zone", minor, "bypass")
		bypassed, _ := current.(bool)
		return map[string]any{"bypass": !bypassed}
	case major == 36 || major == 38:
		return map[string]any{"alarm": major == 36}
	case major == 37 || major == 39:
		return map[string]any{"fire_alarm": major == 37}
	case major == 41:
		return map[string]any{"shutdown": true}
	case major == 42 || major == 43:
		return map[string]any{"tamper": major == 42}
	case major == 49 || major == 50:
		return map[string]any{"low_battery": major == 49}
	case major == 51 || major == 52:
		return map[string]any{"supervision_trouble": major == 51}

	case major == 2:
		switch {
		case minor >= 2 && minor <= 6:
			return map[string]any{"alarm": true}
		case minor == 7:
			return map[string]any{"alarm": false}
		case minor == 11:
			return map[string]any{"arm": false, "arm_full": false, "arm_sleep": false, "arm_stay": false, "alarm": false}
		case minor == 12:
			return map[string]any{"arm": true}
		case minor == 14:
			return map[string]any{"exit_delay": true}
		}
		return nil
	case major == 3:
		if minor == 0 || minor == 1 {
			return map[string]any{"bell": minor == 1}
		}
		return nil
	case major == 6:
		switch minor {
		case 3:
			return map[string]any{"arm": true, "arm_full": false, "arm_sleep": false, "arm_stay": true, "alarm": false}
		case 4:
			return map[string]any{"arm": true, "arm_full": false, "arm_sleep": true, "arm_stay": false, "alarm": false}
		}
		return nil

	// Wireless module. These two branches overlap at major==53: since the
	// first one matches first, a major==53 event only ever sets
	// supervision_trouble, never tamper_trouble, and major==55 (referenced
	// by the second branch's condition) can never be reached through the
	// (53,56) guard. This mirrors the upstream logic exactly, including its
	// two unreachable paths, rather than repairing them.
	case major == 53 || major == 54:
		return map[string]any{"supervision_trouble": major == 53}
	case major == 53 || major == 56:
		return map[string]any{"tamper_trouble": major == 55}

	default:
		return nil
	}
}

// notify classifies the event by severity and reports it, matching
// generate_event_notifications. The caller-resolved minorLabel is used in
// place of a fresh zone lookup where that lookup would otherwise be
// redundant.
func (p *Processor) notify(major, minor int, minorLabel, eventType, majorText string) {
	// Silently ignored categories.
	switch {
	case major == 45 && minor == 6: // clock loss
		return
	case major == 0 || major == 1: // open/close
		return
	case major == 2 && isIn(minor, 8, 9, 11, 12, 14): // squawk, arm/disarm
		return
	case major == 3 && isIn(minor, 2, 3): // bell squawk
		return
	case major == 6 && isIn(minor, 3, 4): // arm in sleep
		return
	case major == 30 && isIn(minor, 3, 5): // arming through winload / partial arming
		return
	case major == 34 && minor == 1: // disarming through winload
		return
	case major == 48 && minor == 2: // software log on
		return
	}

	if p.Notif == nil {
		return
	}

	switch {
	case isIn(major, 24, 36, 37, 38, 39, 40, 42, 43, 57) ||
		((major == 44 || major == 45) && isIn(minor, 1, 2, 3, 4, 5, 6, 7)):
		p.Notif.Notify("Paradox", fmt.Sprintf("%s %s", majorText, minorLabel), notifier.LevelCritical)

	case major == 2:
		switch {
		case isIn(minor, 2, 3, 4, 5, 6, 7, 13):
			// The original's second branch testing minor==13 again is dead
			// code: the first branch's (2..7,13) set already claims it.
			p.Notif.Notify("Paradox", minorLabel, notifier.LevelCritical)
		}

	case isIn(major, 40, 44, 45) && isIn(minor, 1, 2, 3, 4, 5, 6, 7):
		p.Notif.Notify("Paradox", fmt.Sprintf("%s: %s", majorText, minorLabel), notifier.LevelCritical)

	case isIn(major, 18, 19, 20, 21):
		p.Notif.Notify("Paradox", fmt.Sprintf("%s: %s", majorText, minorLabel), notifier.LevelInfo)

	default:
		p.Notif.Notify("Paradox", fmt.Sprintf("%s: %s", majorText, minorLabel), notifier.LevelInfo)
	}
}

func isIn(v int, candidates ...int) bool {
	for _, c := range candidates {
		if v == c {
			return true
		}
	}
	return false
}
