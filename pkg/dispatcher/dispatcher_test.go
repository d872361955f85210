package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/paradox-pai/bridge/pkg/panelprofile"
	"github.com/rs/zerolog"
)

func zeroLogger() zerolog.Logger {
	return zerolog.Nop()
}

// fakeConn feeds a scripted sequence of inbound payloads and records what
// was sent, without touching the network.
type fakeConn struct {
	inbox [][]byte
	sent  [][]byte
}

func (f *fakeConn) Send(ctx context.Context, plain []byte) error {
	f.sent = append(f.sent, plain)
	return nil
}

func (f *fakeConn) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if len(f.inbox) == 0 {
		return nil, nil
	}
	next := f.inbox[0]
	f.inbox = f.inbox[1:]
	return next, nil
}

// fakeProfile parses a one-byte command tag into the matching ParsedMessage
// variant, skipping the need for a real panel wire format in these tests.
type fakeProfile struct{}

func (fakeProfile) GetMessage(name string) (panelprofile.MessageTemplate, error) {
	return panelprofile.MessageTemplate{Name: name, Encode: func(map[string]any) ([]byte, error) {
		return []byte{0x01}, nil
	}}, nil
}

func (fakeProfile) ParseMessage(data []byte) (panelprofile.ParsedMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch data[0] {
	case panelprofile.CommandEvent:
		return panelprofile.Event{Major: panelprofile.Code{Num: 1}, Minor: panelprofile.Code{Num: 2}}, nil
	case panelprofile.CommandTerminate:
		return panelprofile.Terminate{Message: "bye"}, nil
	default:
		return panelprofile.Reply{Code: data[0]}, nil
	}
}

func (fakeProfile) InitializeCommunication(ctx context.Context, req panelprofile.Requester, initial panelprofile.ParsedMessage, password string) (bool, error) {
	return true, nil
}

func (fakeProfile) UpdateLabels(ctx context.Context, req panelprofile.Requester, w panelprofile.LabelWriter) error {
	return nil
}

func TestDoReturnsMatchingReply(t *testing.T) {
	conn := &fakeConn{inbox: [][]byte{{0x05}}}
	d := New(conn, fakeProfile{}, zeroLogger())

	tmpl, _ := fakeProfile{}.GetMessage("x")
	expected := byte(0x05)
	msg, err := d.Do(context.Background(), Options{Template: &tmpl, ReplyExpected: &expected})
	if err != nil {
		t.Fatal(err)
	}
	reply, ok := msg.(panelprofile.Reply)
	if !ok || reply.Code != 0x05 {
		t.Fatalf("unexpected reply: %+v", msg)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(conn.sent))
	}
}

func TestDoRoutesEventsThenReturnsReply(t *testing.T) {
	conn := &fakeConn{inbox: [][]byte{
		{panelprofile.CommandEvent},
		{0x09},
	}}
	var gotEvent bool
	d := New(conn, fakeProfile{}, zeroLogger())
	d.OnEvent = func(panelprofile.Event) { gotEvent = true }

	tmpl, _ := fakeProfile{}.GetMessage("x")
	expected := byte(0x09)
	msg, err := d.Do(context.Background(), Options{Template: &tmpl, ReplyExpected: &expected})
	if err != nil {
		t.Fatal(err)
	}
	if !gotEvent {
		t.Fatal("expected OnEvent to fire")
	}
	if reply, ok := msg.(panelprofile.Reply); !ok || reply.Code != 0x09 {
		t.Fatalf("unexpected reply: %+v", msg)
	}
}

func TestDoReturnsTerminateError(t *testing.T) {
	conn := &fakeConn{inbox: [][]byte{{panelprofile.CommandTerminate}}}
	var gotTerminate panelprofile.Terminate
	d := New(conn, fakeProfile{}, zeroLogger())
	d.OnTerminate = func(term panelprofile.Terminate) { gotTerminate = term }

	tmpl, _ := fakeProfile{}.GetMessage("x")
	expected := byte(0x01)
	_, err := d.Do(context.Background(), Options{Template: &tmpl, ReplyExpected: &expected})
	if !IsTerminate(err) {
		t.Fatalf("expected ErrTerminate, got %v", err)
	}
	if gotTerminate.Message != "bye" {
		t.Fatalf("unexpected terminate: %+v", gotTerminate)
	}
}

func TestDoMismatchedReplyRetriesThenGivesUp(t *testing.T) {
	conn := &fakeConn{inbox: [][]byte{{0x02}, {0x02}}}
	d := New(conn, fakeProfile{}, zeroLogger())

	tmpl, _ := fakeProfile{}.GetMessage("x")
	expected := byte(0x03)
	msg, err := d.Do(context.Background(), Options{Template: &tmpl, ReplyExpected: &expected, Retries: 1})
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("expected nil after exhausting retries, got %+v", msg)
	}
	if len(conn.sent) != 2 {
		t.Fatalf("expected 2 sends (1 retry), got %d", len(conn.sent))
	}
}
