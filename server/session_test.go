package server

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jakobek09/FileServer-UDS/client"
	"github.com/jakobek09/FileServer-UDS/protocol"
)

// pipeSession runs one legacy session over net.Pipe. Every write on a pipe
// is delivered by its own read, which is what the legacy framing relies on.
func pipeSession(t *testing.T, s *Server) *client.Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConnection(serverConn)
	}()
	t.Cleanup(func() {
		clientConn.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("session did not end")
		}
	})

	c, err := client.NewClient(clientConn, protocol.FramingLegacy)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func newLegacyServer(t *testing.T) (*Server, func(name string) []byte) {
	s, store := newTestServer(t, func(s *Server) { s.Framing = protocol.FramingLegacy })
	read := func(name string) []byte {
		t.Helper()
		data, err := store.Read(name)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
	return s, read
}

func Test_LegacyAuthenticationRetries(t *testing.T) {
	s, _ := newLegacyServer(t)
	c := pipeSession(t, s)

	if err := c.Login("nope"); !errors.Is(err, client.ErrAuthRejected) {
		t.Fatalf("Login() = %v, want ErrAuthRejected", err)
	}
	if err := c.Login(testSecret); err != nil {
		t.Fatal(err)
	}
}

func Test_LegacyRoundTripWithinCapacity(t *testing.T) {
	s, read := newLegacyServer(t)
	c := pipeSession(t, s)
	if err := c.Login(testSecret); err != nil {
		t.Fatal(err)
	}

	for _, size := range []int{1, 512, protocol.LegacyChunkCapacity} {
		data := pattern(size, 3)
		if n, err := c.Upload("f.bin", data); err != nil || n != size {
			t.Fatalf("Upload(%d) = %d, %v", size, n, err)
		}
		if got := read("f.bin"); !bytes.Equal(got, data) {
			t.Fatalf("stored %d bytes, want %d", len(got), size)
		}
		got, err := c.Download("f.bin")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("size %d: downloaded %d bytes", size, len(got))
		}
	}
}

func Test_LegacyTruncatesAboveCapacity(t *testing.T) {
	s, read := newLegacyServer(t)
	c := pipeSession(t, s)
	if err := c.Login(testSecret); err != nil {
		t.Fatal(err)
	}

	data := pattern(3000, 9)
	n, err := c.Upload("big.bin", data)
	if err != nil {
		t.Fatal(err)
	}
	if n != protocol.LegacyChunkCapacity {
		t.Fatalf("Upload sent %d bytes, want %d", n, protocol.LegacyChunkCapacity)
	}
	if got := read("big.bin"); !bytes.Equal(got, data[:protocol.LegacyChunkCapacity]) {
		t.Fatalf("stored %d bytes, want the first %d", len(got), protocol.LegacyChunkCapacity)
	}

	// a big file put on disk directly comes back cut at the same boundary
	if err := s.store.Write("disk.bin", data); err != nil {
		t.Fatal(err)
	}
	got, err := c.Download("disk.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data[:protocol.LegacyChunkCapacity]) {
		t.Errorf("downloaded %d bytes, want the first %d", len(got), protocol.LegacyChunkCapacity)
	}
}

func Test_LegacyListAndMissing(t *testing.T) {
	s, _ := newLegacyServer(t)
	if err := s.store.Write("notes.txt", []byte("hi")); err != nil {
		t.Fatal(err)
	}
	c := pipeSession(t, s)
	if err := c.Login(testSecret); err != nil {
		t.Fatal(err)
	}

	names, err := c.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "notes.txt" {
		t.Errorf("List() = %q", names)
	}
	if _, err := c.Download("missing.txt"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("Download() = %v, want ErrNotFound", err)
	}
}

func Test_LegacyExit(t *testing.T) {
	s, _ := newLegacyServer(t)
	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConnection(serverConn)
	}()

	c, err := client.NewClient(clientConn, protocol.FramingLegacy)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Login(testSecret); err != nil {
		t.Fatal(err)
	}
	if err := c.Exit(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session still running after exit")
	}
	if s.Count() != 0 {
		t.Errorf("Count() = %d after exit", s.Count())
	}
}

func Test_SessionRecoversFromPanic(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.store = nil // List on a nil store panics inside the session

	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConnection(serverConn)
	}()
	defer clientConn.Close()

	c, err := client.NewClient(clientConn, protocol.FramingFramed)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Login(testSecret); err != nil {
		t.Fatal(err)
	}
	if _, err := c.List(); err == nil {
		t.Error("List() succeeded against a panicking session")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("panicking session did not end")
	}
}

func Test_StateString(t *testing.T) {
	for state, want := range map[State]string{
		StateAuthenticating: "authenticating",
		StateCommandWait:    "command-wait",
		StateAwaitingUpload: "awaiting-upload",
		StateClosed:         "closed",
		State(42):           "state(42)",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(state), got, want)
		}
	}
}
