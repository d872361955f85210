// Package evoprofile is the PanelProfile implementation for the common
// EVO/MG/SP panel family (the panels covered by most of the field mappings
// in spec §4.8/§4.10).
//
// The exact vendor byte layouts are out of this core's scope (spec §1); this
// package defines its own internal, documented wire encoding for the
// family's application messages, consistent with the message names and
// reply-code semantics the core depends on.
package evoprofile

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/paradox-pai/bridge/pkg/panelprofile"
)

// ProductID is the product_id this profile is registered under.
const ProductID = 0x01

// Wire command/reply codes for this family's application messages.
const (
	reqInitiate      = 0x10
	repInitiate      = 0x07
	reqStart         = 0x11
	repStart         = 0x00
	reqSetTime       = 0x12
	repSetTime       = 0x03
	reqReadEEPROM    = 0x13
	repReadEEPROM    = 0x05
	reqPerformAction = 0x14
	repPerformAction = 0x04
	reqClose         = 0x15
	repClose         = 0x07
	reqReadLabels    = 0x16
	repReadLabels    = 0x06
)

// bulkFieldNames maps a bulk status entry's field code to its
// "{kind}_{prop}" name (spec §4.10).
var bulkFieldNames = []string{
	"zone_status",
	"zone_open",
	"zone_bypass",
	"zone_alarm",
	"zone_fire_alarm",
	"zone_tamper",
	"zone_low_battery",
	"zone_supervision_trouble",
	"partition_status",
	"partition_arm",
	"partition_arm_stay",
	"partition_arm_sleep",
	"partition_alarm",
	"partition_exit_delay",
	"partition_bell",
	"pgm_status",
	"pgm_on",
	"bus_status",
	"wireless-repeater_status",
	"wireless-keypad_status",
}

func fieldCode(name string) (byte, bool) {
	for i, n := range bulkFieldNames {
		if n == name {
			return byte(i), true
		}
	}
	return 0, false
}

// troubleNames is the ordered set of system.troubles sub-keys; entries
// containing "not_used" are padding and are skipped by handle_status.
var troubleNames = []string{
	"ac_trouble",
	"battery_trouble",
	"not_used_2",
	"communication_trouble",
	"not_used_4",
	"bus_trouble",
	"rf_trouble",
	"not_used_7",
}

// zoneStatusBits/partitionStatusBits/pgmStatusBits define the packed-byte
// layout used for "_status" bulk entries.
var zoneStatusBits = []string{"open", "alarm", "fire_alarm", "tamper", "low_battery", "supervision_trouble", "bypass"}
var partitionStatusBits = []string{"arm", "arm_stay", "arm_sleep", "alarm", "exit_delay", "bell"}
var pgmStatusBits = []string{"on"}

// eventText is the major-code event description table (spec §4.8/§9).
var eventText = map[int]string{
	0:  "Zone close",
	1:  "Zone open",
	2:  "Partition status",
	3:  "Bell",
	6:  "Special arming",
	24: "Fire delay started",
	35: "Zone bypass",
	36: "Zone in alarm",
	37: "Fire alarm",
	38: "Zone alarm restore",
	39: "Fire alarm restore",
	40: "Non medical alarm",
	41: "Zone shutdown",
	42: "Zone tampered",
	43: "Zone tamper restore",
	44: "Special alarm",
	45: "Trouble",
	49: "Zone low battery",
	50: "Zone battery restore",
	51: "Zone supervision trouble",
	52: "Zone supervision restore",
	53: "Wireless module supervision trouble",
	54: "Wireless module supervision restore",
	56: "Wireless module tamper restore",
	57: "Special alarm",
}

// Profile implements panelprofile.PanelProfile for the EVO/MG/SP family.
type Profile struct{}

// New constructs an evoprofile.Profile.
func New() panelprofile.PanelProfile {
	return &Profile{}
}

func (p *Profile) GetMessage(name string) (panelprofile.MessageTemplate, error) {
	switch name {
	case panelprofile.MsgInitiateCommunication:
		return panelprofile.MessageTemplate{Name: name, Encode: func(map[string]any) ([]byte, error) {
			return []byte{reqInitiate}, nil
		}}, nil
	case panelprofile.MsgStartCommunication:
		return panelprofile.MessageTemplate{Name: name, Encode: func(args map[string]any) ([]byte, error) {
			sourceID, _ := args["source_id"].(int)
			return []byte{reqStart, byte(sourceID)}, nil
		}}, nil
	case panelprofile.MsgSetTimeDate:
		return panelprofile.MessageTemplate{Name: name, Encode: func(args map[string]any) ([]byte, error) {
			b := []byte{reqSetTime}
			for _, k := range []string{"century", "year", "month", "day", "hour", "minute"} {
				v, _ := args[k].(int)
				b = append(b, byte(v))
			}
			return b, nil
		}}, nil
	case panelprofile.MsgReadEEPROM:
		return panelprofile.MessageTemplate{Name: name, Encode: func(args map[string]any) ([]byte, error) {
			addr, _ := args["address"].(int)
			b := make([]byte, 3)
			b[0] = reqReadEEPROM
			binary.LittleEndian.PutUint16(b[1:3], uint16(addr))
			return b, nil
		}}, nil
	case panelprofile.MsgPerformAction:
		return panelprofile.MessageTemplate{Name: name, Encode: func(args map[string]any) ([]byte, error) {
			action, _ := args["action"].(int)
			argument, _ := args["argument"].(int)
			return []byte{reqPerformAction, byte(action), byte(argument)}, nil
		}}, nil
	case panelprofile.MsgCloseConnection:
		return panelprofile.MessageTemplate{Name: name, Encode: func(map[string]any) ([]byte, error) {
			return []byte{reqClose}, nil
		}}, nil
	default:
		return panelprofile.MessageTemplate{}, fmt.Errorf("evoprofile: unknown message %q", name)
	}
}

func (p *Profile) ParseMessage(data []byte) (panelprofile.ParsedMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	code := data[0]
	body := data[1:]

	switch code {
	case panelprofile.CommandEvent:
		if len(body) < 3 {
			return nil, nil
		}
		major := int(body[0])
		minor := int(body[1])
		typ := elementTypeName(body[2])
		return panelprofile.Event{
			Major: panelprofile.Code{Num: major, Text: eventText[major]},
			Minor: panelprofile.Code{Num: minor, Text: fmt.Sprintf("#%d", minor)},
			Type:  typ,
		}, nil
	case panelprofile.CommandTerminate:
		return panelprofile.Terminate{Message: strings.TrimRight(string(body), "\x00")}, nil
	case repInitiate:
		// repClose shares this code: a reply too short to carry the
		// InitiateCommunication fields is the CloseConnection reply.
		if len(body) < 19 {
			return panelprofile.Reply{Code: code, Body: nil}, nil
		}
		label := strings.Trim(string(body[0:16]), "\x00 ")
		return panelprofile.Reply{Code: code, Body: map[string]any{
			"label": label,
			"application": map[string]any{
				"version":  int(body[16]),
				"revision": int(body[17]),
				"build":    int(body[18]),
			},
		}}, nil
	case repStart:
		if len(body) < 1 {
			return nil, nil
		}
		return panelprofile.Reply{Code: code, Body: map[string]any{"product_id": int(body[0])}}, nil
	case repPerformAction, repSetTime:
		return panelprofile.Reply{Code: code, Body: nil}, nil
	case repReadEEPROM:
		return parseStatusBulk(body)
	case repReadLabels:
		return panelprofile.Reply{Code: code, Body: map[string]any{"raw": body}}, nil
	default:
		return nil, nil
	}
}

func elementTypeName(b byte) string {
	switch b {
	case 0:
		return "Zone"
	case 1:
		return "Partition"
	case 2:
		return "Output"
	default:
		return "Unknown"
	}
}

// parseStatusBulk decodes a ReadEEPROM reply into a StatusBulk message. See
// encodeStatusBulk (evoprofile_test.go) for the inverse used by tests.
func parseStatusBulk(body []byte) (panelprofile.ParsedMessage, error) {
	if len(body) < 1 {
		return nil, nil
	}
	statusRequest := int(body[0])
	rest := body[1:]

	fields := map[string]any{}

	if statusRequest == 0 {
		if len(rest) < 10 {
			return nil, nil
		}
		fields["vdc"] = decimal2(binary.LittleEndian.Uint16(rest[0:2]))
		fields["battery"] = decimal2(binary.LittleEndian.Uint16(rest[2:4]))
		fields["dc"] = decimal2(binary.LittleEndian.Uint16(rest[4:6]))
		fields["rf_noise_floor"] = decimal2(binary.LittleEndian.Uint16(rest[6:8]))

		troubleBits := binary.LittleEndian.Uint16(rest[8:10])
		troubles := map[string]any{}
		for i, name := range troubleNames {
			troubles[name] = troubleBits&(1<<uint(i)) != 0
		}
		fields["troubles"] = troubles

		rest = rest[10:]
	}

	entries, err := parseBulkEntries(rest)
	if err != nil {
		return nil, err
	}
	for k, v := range entries {
		fields[k] = v
	}

	return panelprofile.StatusBulk{ReplyCode: repReadEEPROM, StatusRequest: statusRequest, Fields: fields}, nil
}

func decimal2(v uint16) float64 {
	return float64(v) / 100
}

// parseBulkEntries decodes the repeated field records that follow the
// fixed-size header of a status block reply.
func parseBulkEntries(b []byte) (map[string]any, error) {
	out := map[string]any{}
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, fmt.Errorf("evoprofile: truncated bulk entry header")
		}
		code, count := b[0], int(b[1])
		if int(code) >= len(bulkFieldNames) {
			return nil, fmt.Errorf("evoprofile: unknown bulk field code %d", code)
		}
		name := bulkFieldNames[code]
		b = b[2:]

		isStatus := strings.HasSuffix(name, "_status")
		bits := statusBitsFor(name)

		if isStatus {
			m := map[int]map[string]any{}
			for i := 0; i < count; i++ {
				if len(b) < 2 {
					return nil, fmt.Errorf("evoprofile: truncated bulk entry")
				}
				key, value := int(b[0]), b[1]
				props := map[string]any{}
				for bi, prop := range bits {
					props[prop] = value&(1<<uint(bi)) != 0
				}
				m[key] = props
				b = b[2:]
			}
			out[name] = m
		} else {
			m := map[int]any{}
			for i := 0; i < count; i++ {
				if len(b) < 2 {
					return nil, fmt.Errorf("evoprofile: truncated bulk entry")
				}
				key, value := int(b[0]), b[1] != 0
				m[key] = value
				b = b[2:]
			}
			out[name] = m
		}
	}
	return out, nil
}

func statusBitsFor(name string) []string {
	switch {
	case strings.HasPrefix(name, "zone_"):
		return zoneStatusBits
	case strings.HasPrefix(name, "partition_"):
		return partitionStatusBits
	case strings.HasPrefix(name, "pgm_"):
		return pgmStatusBits
	default:
		return nil
	}
}

func (p *Profile) InitializeCommunication(ctx context.Context, req panelprofile.Requester, initial panelprofile.ParsedMessage, password string) (bool, error) {
	reply, ok := initial.(panelprofile.Reply)
	if !ok {
		return false, fmt.Errorf("evoprofile: unexpected initial message type %T", initial)
	}
	if _, ok := reply.Body["product_id"]; !ok {
		return false, fmt.Errorf("evoprofile: missing product_id in StartCommunication reply")
	}
	// The family's session is already fully keyed by the transport
	// handshake; nothing further is required beyond acknowledging the
	// product_id we were built for.
	return true, nil
}

func (p *Profile) UpdateLabels(ctx context.Context, req panelprofile.Requester, w panelprofile.LabelWriter) error {
	tmpl, err := p.GetMessage(panelprofile.MsgReadEEPROM)
	if err != nil {
		return err
	}
	// Label regions for this family: zones, partitions, outputs, in that
	// order, one EEPROM page each.
	for i, kind := range []string{"zone", "partition", "output"} {
		msg, err := req.SendWait(ctx, tmpl, map[string]any{"address": 0x4000 + i*0x100}, repReadLabels)
		if err != nil {
			return fmt.Errorf("evoprofile: update labels (%s): %w", kind, err)
		}
		reply, ok := msg.(panelprofile.Reply)
		if !ok {
			continue
		}
		raw, _ := reply.Body["raw"].([]byte)
		for key, label := range decodeLabelPage(raw) {
			w.SetLabel(kind, key, label)
		}
	}
	return nil
}

// decodeLabelPage splits a label-table EEPROM page into fixed 16-byte,
// 1-based entries, trimming NULs/spaces.
func decodeLabelPage(raw []byte) map[int]string {
	out := map[int]string{}
	const entrySize = 16
	for i := 0; i+entrySize <= len(raw); i += entrySize {
		label := strings.Trim(string(raw[i:i+entrySize]), "\x00 ")
		if label != "" {
			out[i/entrySize+1] = label
		}
	}
	return out
}
