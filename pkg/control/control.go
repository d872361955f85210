// Package control implements the selector-based zone/partition/output
// commands described in spec §4.9: resolve a selector (by number, label, or
// "all") against the current state, then perform one PerformAction request
// per matched element.
package control

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/paradox-pai/bridge/pkg/panelprofile"
	"github.com/paradox-pai/bridge/pkg/statestore"
)

// ZoneActions maps a zone command name to its PerformAction action code.
// clear_bypass aliases bypass upstream, toggling the same bit.
var ZoneActions = map[string]int{
	"bypass":       0x10,
	"clear_bypass": 0x10,
}

// PartitionActions maps a partition command name to its PerformAction
// action code.
var PartitionActions = map[string]int{
	"arm":             0x04,
	"disarm":          0x05,
	"arm_stay":        0x01,
	"arm_sleep":       0x03,
	"arm_stay_stayd":  0x06,
	"arm_sleep_stay":  0x07,
	"disarm_all":      0x08,
}

// PGMActions unifies the original's PGM_ACTIONS and PGM_COMMAND tables
// (upstream references a PGM_COMMAND map that is never defined alongside
// PGM_ACTIONS; the two are unified here into one table per SPEC_FULL.md).
var PGMActions = map[string]int{
	"on_override":  0x30,
	"off_override": 0x31,
	"on":           0x32,
	"off":          0x33,
	"pulse":        0, // handled specially: on, sleep, off
}

// ReplyExpected is the PerformAction reply code every control call waits for.
const ReplyExpected = 0x04

// Surface performs zone/partition/output control commands against a panel.
type Surface struct {
	Store   *statestore.Store
	Profile panelprofile.PanelProfile
	Send    func(ctx context.Context, tmpl panelprofile.MessageTemplate, args map[string]any, replyExpected byte) (panelprofile.ParsedMessage, error)

	// Sleep is overridable in tests; defaults to time.Sleep.
	Sleep func(time.Duration)

	// Wake is called after each PerformAction dispatch, so a supervisor
	// waiting out its keepalive interval re-polls status immediately
	// instead of waiting for the next scheduled poll (spec §4.9/§4.10).
	// Defaults to a no-op.
	Wake func()
}

// New constructs a control Surface. send performs one PerformAction
// request/reply exchange (typically dispatcher.Dispatcher.SendWait). wake,
// if non-nil, is invoked after every dispatched command; pass
// supervisor.Supervisor.Wake to couple a live session, or nil in tests.
func New(store *statestore.Store, profile panelprofile.PanelProfile, send func(ctx context.Context, tmpl panelprofile.MessageTemplate, args map[string]any, replyExpected byte) (panelprofile.ParsedMessage, error), wake func()) *Surface {
	if wake == nil {
		wake = func() {}
	}
	return &Surface{Store: store, Profile: profile, Send: send, Sleep: time.Sleep, Wake: wake}
}

// ControlZone applies command to the zone(s) selected by zone ("all", "0",
// a label, or a 1-based number).
func (s *Surface) ControlZone(ctx context.Context, zone, command string) (bool, error) {
	action, ok := ZoneActions[command]
	if !ok {
		return false, fmt.Errorf("control: unknown zone command %q", command)
	}
	selected := s.resolveSelector("zone", zone)
	if len(selected) == 0 {
		return false, nil
	}
	return s.performAll(ctx, selected, action)
}

// ControlPartition applies command to the partition(s) selected by
// partition.
func (s *Surface) ControlPartition(ctx context.Context, partition, command string) (bool, error) {
	action, ok := PartitionActions[command]
	if !ok {
		return false, fmt.Errorf("control: unknown partition command %q", command)
	}
	selected := s.resolveSelector("partition", partition)
	if len(selected) == 0 {
		return false, nil
	}
	return s.performAll(ctx, selected, action)
}

// ControlOutput applies command to the output(s) selected by output. The
// "pulse" command is on, a 1-second hold, then off, matching the original's
// time.sleep(1) between the two PerformAction calls.
func (s *Surface) ControlOutput(ctx context.Context, output, command string) (bool, error) {
	if _, ok := PGMActions[command]; !ok {
		return false, fmt.Errorf("control: unknown output command %q", command)
	}
	selected := s.resolveSelector("output", output)
	if len(selected) == 0 {
		return false, nil
	}

	if command != "pulse" {
		return s.performAll(ctx, selected, PGMActions[command])
	}

	accepted := false
	for _, key := range selected {
		onAccepted, err := s.perform(ctx, key, PGMActions["on"])
		if err != nil {
			return accepted, err
		}
		accepted = accepted || onAccepted
		s.sleep(time.Second)
		offAccepted, err := s.perform(ctx, key, PGMActions["off"])
		if err != nil {
			return accepted, err
		}
		accepted = accepted || offAccepted
	}
	return accepted, nil
}

func (s *Surface) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

// resolveSelector mirrors the original's "all"/"0"/label/number resolution,
// returning 1-based element keys.
func (s *Surface) resolveSelector(kind, selector string) []int {
	if selector == "all" || selector == "0" {
		return s.Store.Keys(kind)
	}
	if key, ok := s.Store.KeyForLabel(kind, selector); ok {
		return []int{key}
	}
	if n, err := strconv.Atoi(selector); err == nil {
		for _, k := range s.Store.Keys(kind) {
			if k == n {
				return []int{n}
			}
		}
	}
	return nil
}

func (s *Surface) performAll(ctx context.Context, keys []int, action int) (bool, error) {
	accepted := false
	for _, key := range keys {
		ok, err := s.perform(ctx, key, action)
		if err != nil {
			return accepted, err
		}
		accepted = accepted || ok
	}
	return accepted, nil
}

func (s *Surface) perform(ctx context.Context, key, action int) (bool, error) {
	tmpl, err := s.Profile.GetMessage(panelprofile.MsgPerformAction)
	if err != nil {
		return false, err
	}
	args := map[string]any{"action": action, "argument": key - 1}
	reply, err := s.Send(ctx, tmpl, args, ReplyExpected)
	if err != nil {
		return false, err
	}
	if s.Wake != nil {
		s.Wake()
	}
	return reply != nil, nil
}
