package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/paradox-pai/bridge/pkg/ipframe"
	"github.com/paradox-pai/bridge/pkg/paradoxcrypto"
)

// fakePanel answers the four handshake frames on the server side of a
// net.Pipe, mimicking the panel stub described in spec §8 scenario 1.
func fakePanel(t *testing.T, conn net.Conn, password string, sessionKey []byte) {
	t.Helper()

	cur, err := paradoxcrypto.New([]byte(password))
	if err != nil {
		t.Fatalf("panel cipher: %v", err)
	}

	readOne := func() ipframe.Header {
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("panel read: %v", err)
		}
		h, _, err := ipframe.Parse(buf[:n], cur)
		if err != nil {
			t.Fatalf("panel parse: %v", err)
		}
		return h
	}
	writeReply := func(command byte, payload []byte) {
		h := ipframe.Header{Unknown0: ipframe.CtrlSession, Flags: ipframe.FlagEncrypted, Command: command}
		frame, err := ipframe.Build(h, payload, cur)
		if err != nil {
			t.Fatalf("panel build: %v", err)
		}
		if _, err := conn.Write(frame); err != nil {
			t.Fatalf("panel write: %v", err)
		}
	}

	if h := readOne(); h.Command != ipframe.CmdConnect {
		t.Fatalf("expected CONNECT, got %x", h.Command)
	}
	reply := append(append([]byte{}, sessionKey...), 3, 0, 5, 0)
	writeReply(ipframe.CmdConnect, reply)
	cur.SetKey(sessionKey)

	if h := readOne(); h.Command != ipframe.CmdF2 {
		t.Fatalf("expected F2, got %x", h.Command)
	}
	writeReply(ipframe.CmdF2, nil)

	if h := readOne(); h.Command != ipframe.CmdF3 {
		t.Fatalf("expected F3, got %x", h.Command)
	}
	writeReply(ipframe.CmdF3, nil)

	if h := readOne(); h.Command != ipframe.CmdF8 {
		t.Fatalf("expected F8, got %x", h.Command)
	}
	writeReply(ipframe.CmdF8, nil)
}

func TestOpenHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sessionKey := []byte("sessionkey123456")

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakePanel(t, server, "pw", sessionKey)
	}()

	tr := New(client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ver, err := tr.Open(ctx, "pw")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ver.Major != 3 || ver.Minor != 0 || ver.IPMajor != 5 || ver.IPMinor != 0 {
		t.Fatalf("unexpected version: %+v", ver)
	}
	if string(tr.SessionKey()) != string(sessionKey) {
		t.Fatalf("session key not applied: %q", tr.SessionKey())
	}

	<-done
}
