// Package digiplexprofile is the PanelProfile implementation for the older
// Digiplex/NE panel family. The IP-frame session handshake is identical to
// the EVO family, but the EEPROM layout is different and the family
// recognizes a narrower set of status fields (no buses, repeaters, or
// wireless keypads).
package digiplexprofile

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/paradox-pai/bridge/pkg/panelprofile"
)

// ProductID is the product_id this profile is registered under.
const ProductID = 0x02

const (
	reqInitiate      = 0x10
	repInitiate      = 0x07
	reqStart         = 0x11
	repStart         = 0x00
	reqReadEEPROM    = 0x13
	repReadEEPROM    = 0x05
	reqPerformAction = 0x14
	repPerformAction = 0x04
	reqClose         = 0x15
	repClose         = 0x07
)

// bulkFieldNames is a reduced subset of evoprofile's table: Digiplex panels
// don't report bus, repeater, or wireless-keypad status.
var bulkFieldNames = []string{
	"zone_status",
	"zone_open",
	"zone_bypass",
	"zone_alarm",
	"partition_status",
	"partition_arm",
	"partition_alarm",
	"pgm_status",
	"pgm_on",
}

func fieldCode(name string) (byte, bool) {
	for i, n := range bulkFieldNames {
		if n == name {
			return byte(i), true
		}
	}
	return 0, false
}

var zoneStatusBits = []string{"open", "alarm", "bypass"}
var partitionStatusBits = []string{"arm", "alarm"}
var pgmStatusBits = []string{"on"}

// Profile implements panelprofile.PanelProfile for the Digiplex/NE family.
type Profile struct{}

// New constructs a digiplexprofile.Profile.
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
		// Digiplex panels predate remote time sync; callers should not
		// request this for digiplexprofile panels (SYNC_TIME is a no-op).
		return panelprofile.MessageTemplate{}, fmt.Errorf("digiplexprofile: SetTimeDate is not supported on this panel family")
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
		return panelprofile.MessageTemplate{}, fmt.Errorf("digiplexprofile: unknown message %q", name)
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
		return panelprofile.Event{
			Major: panelprofile.Code{Num: major, Text: fmt.Sprintf("event %d", major)},
			Minor: panelprofile.Code{Num: minor, Text: fmt.Sprintf("#%d", minor)},
			Type:  elementTypeName(body[2]),
		}, nil
	case panelprofile.CommandTerminate:
		return panelprofile.Terminate{Message: strings.TrimRight(string(body), "\x00")}, nil
	case repInitiate:
		// repClose shares this code: a reply too short to carry the
		// InitiateCommunication fields is the CloseConnection reply.
		if len(body) < 17 {
			return panelprofile.Reply{Code: code, Body: nil}, nil
		}
		return panelprofile.Reply{Code: code, Body: map[string]any{
			"label": strings.Trim(string(body[0:16]), "\x00 "),
			"application": map[string]any{
				"version": int(body[16]),
			},
		}}, nil
	case repStart:
		if len(body) < 1 {
			return nil, nil
		}
		return panelprofile.Reply{Code: code, Body: map[string]any{"product_id": int(body[0])}}, nil
	case repPerformAction:
		return panelprofile.Reply{Code: code, Body: nil}, nil
	case repReadEEPROM:
		return parseStatusBulk(body)
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

func parseStatusBulk(body []byte) (panelprofile.ParsedMessage, error) {
	if len(body) < 1 {
		return nil, nil
	}
	statusRequest := int(body[0])
	entries, err := parseBulkEntries(body[1:])
	if err != nil {
		return nil, err
	}
	return panelprofile.StatusBulk{ReplyCode: repReadEEPROM, StatusRequest: statusRequest, Fields: entries}, nil
}

func parseBulkEntries(b []byte) (map[string]any, error) {
	out := map[string]any{}
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, fmt.Errorf("digiplexprofile: truncated bulk entry header")
		}
		code, count := b[0], int(b[1])
		if int(code) >= len(bulkFieldNames) {
			return nil, fmt.Errorf("digiplexprofile: unknown bulk field code %d", code)
		}
		name := bulkFieldNames[code]
		b = b[2:]

		isStatus := strings.HasSuffix(name, "_status")
		bits := statusBitsFor(name)

		if isStatus {
			m := map[int]map[string]any{}
			for i := 0; i < count; i++ {
				if len(b) < 2 {
					return nil, fmt.Errorf("digiplexprofile: truncated bulk entry")
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
					return nil, fmt.Errorf("digiplexprofile: truncated bulk entry")
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
		return false, fmt.Errorf("digiplexprofile: unexpected initial message type %T", initial)
	}
	if _, ok := reply.Body["product_id"]; !ok {
		return false, fmt.Errorf("digiplexprofile: missing product_id in StartCommunication reply")
	}
	return true, nil
}

func (p *Profile) UpdateLabels(ctx context.Context, req panelprofile.Requester, w panelprofile.LabelWriter) error {
	tmpl, err := p.GetMessage(panelprofile.MsgReadEEPROM)
	if err != nil {
		return err
	}
	for i, kind := range []string{"zone", "partition"} {
		msg, err := req.SendWait(ctx, tmpl, map[string]any{"address": 0x2000 + i*0x100}, repReadEEPROM)
		if err != nil {
			return fmt.Errorf("digiplexprofile: update labels (%s): %w", kind, err)
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
