// Package relay implements the vendor's STUN/TURN-style rendezvous used to
// reach an IP150 module that isn't directly reachable, via
// turn.paradoxmyhome.com.
//
// The exchange borrows its message shapes from RFC 5389 (STUN Binding,
// CHANGE-REQUEST) and RFC 6062 (TURN-TCP CONNECT / CONNECTION-BIND), which
// is why this package is built on top of github.com/pion/stun/v3's message
// codec rather than hand-rolling attribute framing.
package relay

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// ErrSetupFailed is returned when any negotiation step's response carries a
// STUN error attribute, or the exchange otherwise can't complete.
var ErrSetupFailed = errors.New("relay: setup failed")

// DefaultHost is the vendor's public relay control host.
const DefaultHost = "turn.paradoxmyhome.com"

// DefaultPort is the vendor's STUN/TURN control port.
const DefaultPort = 3478

// RFC 6062 TURN-TCP methods, and the RFC 5389 CHANGE-REQUEST attribute,
// neither of which pion/stun defines constants for out of the box.
const (
	methodConnect       stun.Method = 0x000a
	methodConnectionBind stun.Method = 0x000b
)

const (
	attrChangeRequest  stun.AttrType = 0x0003
	attrConnectionID   stun.AttrType = 0x002a
	attrXorPeerAddress stun.AttrType = 0x0012
)

// connIDSize is the length in bytes of the CONNECTION-ID attribute value.
const connIDSize = 4

// Negotiator performs the single-use three-step negotiation and hands back
// a second TCP connection bound to the module's data channel.
type Negotiator struct {
	Host string
	Port int

	// Timeout bounds each individual round-trip.
	Timeout time.Duration

	ctrl net.Conn
	used bool
}

// New creates a Negotiator targeting the vendor's public relay.
func New() *Negotiator {
	return &Negotiator{Host: DefaultHost, Port: DefaultPort, Timeout: 5 * time.Second}
}

// Negotiate runs the four steps described in spec §4.4 and returns the data
// channel connection. xorAddr is the hex-decoded xoraddr bytes for the
// target module, as returned by the directory lookup.
func (n *Negotiator) Negotiate(xorAddr []byte) (net.Conn, error) {
	if n.used {
		return nil, errors.New("relay: negotiator is single-use")
	}
	n.used = true

	ctrl, err := net.DialTimeout("tcp", net.JoinHostPort(n.Host, fmt.Sprint(n.Port)), n.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial control channel: %v", ErrSetupFailed, err)
	}
	defer ctrl.Close()
	n.ctrl = ctrl

	// Step 1: change-request, to elicit the relay's mapped address.
	if _, err := n.roundTrip(ctrl, changeRequestMessage()); err != nil {
		return nil, fmt.Errorf("%w: change request: %v", ErrSetupFailed, err)
	}

	// Step 2: binding request, to confirm the mapping.
	if _, err := n.roundTrip(ctrl, bindingRequestMessage()); err != nil {
		return nil, fmt.Errorf("%w: binding request: %v", ErrSetupFailed, err)
	}

	// Step 3: connect request, bearing the module's xoraddr.
	resp, err := n.roundTrip(ctrl, connectRequestMessage(xorAddr))
	if err != nil {
		return nil, fmt.Errorf("%w: connect request: %v", ErrSetupFailed, err)
	}
	connID, err := resp.Get(attrConnectionID)
	if err != nil || len(connID) != connIDSize {
		return nil, fmt.Errorf("%w: missing or malformed connection-id", ErrSetupFailed)
	}

	// Step 4: open a second connection to the same relay peer and bind it
	// to the negotiated connection-id.
	raddr := ctrl.RemoteAddr()
	data, err := net.DialTimeout("tcp", raddr.String(), n.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial data channel: %v", ErrSetupFailed, err)
	}

	if _, err := n.roundTrip(data, connectionBindMessage(connID)); err != nil {
		data.Close()
		return nil, fmt.Errorf("%w: connection bind: %v", ErrSetupFailed, err)
	}

	return data, nil
}

func changeRequestMessage() *stun.Message {
	m, _ := stun.Build(stun.TransactionID, stun.BindingRequest)
	flags := make([]byte, 4)
	m.Add(attrChangeRequest, flags)
	return m
}

func bindingRequestMessage() *stun.Message {
	m, _ := stun.Build(stun.TransactionID, stun.BindingRequest)
	return m
}

func connectRequestMessage(xorAddr []byte) *stun.Message {
	m, _ := stun.Build(stun.TransactionID, stun.MessageType{Method: methodConnect, Class: stun.ClassRequest})
	m.Add(attrXorPeerAddress, xorAddr)
	return m
}

func connectionBindMessage(connID []byte) *stun.Message {
	m, _ := stun.Build(stun.TransactionID, stun.MessageType{Method: methodConnectionBind, Class: stun.ClassRequest})
	id := make([]byte, connIDSize)
	copy(id, connID)
	m.Add(attrConnectionID, id)
	return m
}

// roundTrip writes req to conn and reads+decodes the response, failing if
// the response carries a STUN ERROR-CODE attribute.
func (n *Negotiator) roundTrip(conn net.Conn, req *stun.Message) (*stun.Message, error) {
	req.Encode()

	deadline := time.Now().Add(n.Timeout)
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(req.Raw); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	resp := new(stun.Message)
	if _, err := resp.ReadFrom(conn); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	var errAttr stun.ErrorCodeAttribute
	if err := errAttr.GetFrom(resp); err == nil {
		return resp, fmt.Errorf("error response: %d %s", errAttr.Code, errAttr.Reason)
	}

	return resp, nil
}
