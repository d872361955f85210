// Package panelprofile defines the pluggable, panel-family-specific
// capability the core depends on: building request messages, parsing
// replies/events, and loading EEPROM label tables.
//
// The exact wire byte layouts of panel application messages are vendor IP
// and are deliberately out of this core's scope (spec §1); this package
// only fixes the *shape* (message names, reply/event semantics) that the
// dispatcher, state store and event processor rely on. Each PanelProfile
// implementation owns its own internal byte encoding.
package panelprofile

import (
	"context"
	"fmt"
)

// Reserved command codes the core core cares about regardless of profile.
const (
	CommandEvent     = 0x0E
	CommandTerminate = 0x70
)

// Well-known message template names used by the core.
const (
	MsgInitiateCommunication = "InitiateCommunication"
	MsgStartCommunication    = "StartCommunication"
	MsgSetTimeDate           = "SetTimeDate"
	MsgReadEEPROM            = "ReadEEPROM"
	MsgPerformAction         = "PerformAction"
	MsgCloseConnection       = "CloseConnection"
)

// MessageTemplate builds the wire bytes for one named outbound message.
type MessageTemplate struct {
	Name    string
	Encode  func(args map[string]any) ([]byte, error)
}

// Code pairs a panel-internal numeric code with its human label, as used
// for event major/minor codes.
type Code struct {
	Num  int
	Text string
}

// ParsedMessage is the result of parsing one inbound payload. Every variant
// exposes the wire command code so the dispatcher can classify it without
// a type switch before deciding whether to special-case events/terminate.
type ParsedMessage interface {
	Command() byte
}

// Reply is a normal command reply (anything that isn't an event or a
// terminate message).
type Reply struct {
	Code byte
	Body map[string]any
}

func (r Reply) Command() byte { return r.Code }

// Event is an asynchronous, unsolicited panel event (command 0x0E).
type Event struct {
	Major Code
	Minor Code
	Type  string // "Zone", "Partition", "Output", ...
}

func (Event) Command() byte { return CommandEvent }

// Terminate is the panel's connection-terminate message (command 0x70).
type Terminate struct {
	Message string
}

func (Terminate) Command() byte { return CommandTerminate }

// StatusBulk is the reply to a ReadEEPROM status-block request; field names
// follow the panel's "{kind}_{prop}" convention (spec §4.10).
type StatusBulk struct {
	// ReplyCode is the wire reply code this message was parsed from (0x05
	// for ReadEEPROM replies).
	ReplyCode byte
	// StatusRequest is the status-block index (0..5) this bulk reply is for.
	StatusRequest int
	// Fields maps "{kind}_{prop}" (or "{kind}_status") to either a single
	// value, or (for "_status" fields) a map[int]map[string]any keyed by
	// element key.
	Fields map[string]any
}

func (s StatusBulk) Command() byte { return s.ReplyCode }

// LabelWriter receives element labels read from the panel during
// UpdateLabels, decoupling PanelProfile from statestore to avoid an import
// cycle.
type LabelWriter interface {
	SetLabel(kind string, key int, label string)
}

// Requester is the minimal request/reply capability a PanelProfile needs in
// order to read EEPROM label regions; *dispatcher.Dispatcher satisfies it.
type Requester interface {
	SendWait(ctx context.Context, tmpl MessageTemplate, args map[string]any, replyExpected byte) (ParsedMessage, error)
}

// PanelProfile is the pluggable, per-panel-family capability set.
type PanelProfile interface {
	// GetMessage returns the template for one of the Msg* names.
	GetMessage(name string) (MessageTemplate, error)

	// ParseMessage parses one inbound payload, returning (nil, nil) when it
	// is not a complete or known message.
	ParseMessage(data []byte) (ParsedMessage, error)

	// InitializeCommunication completes family-specific session setup
	// using the InitiateCommunication reply and the panel password.
	InitializeCommunication(ctx context.Context, req Requester, initial ParsedMessage, password string) (bool, error)

	// UpdateLabels populates element labels by reading EEPROM label
	// regions.
	UpdateLabels(ctx context.Context, req Requester, w LabelWriter) error
}

// Factory constructs a PanelProfile for a given product_id.
type Factory func() PanelProfile

// Registry maps a product_id (from the StartCommunication reply) to the
// PanelProfile implementation for that panel family.
type Registry struct {
	factories map[int]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[int]Factory)}
}

// Register associates productID with factory.
func (r *Registry) Register(productID int, factory Factory) {
	r.factories[productID] = factory
}

// New constructs the profile registered for productID.
func (r *Registry) New(productID int) (PanelProfile, error) {
	f, ok := r.factories[productID]
	if !ok {
		return nil, fmt.Errorf("panelprofile: no profile registered for product_id %d", productID)
	}
	return f(), nil
}
