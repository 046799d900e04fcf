package sftp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/jakobek09/FileServer-UDS/auth"
	"github.com/jakobek09/FileServer-UDS/filesystem"
	"github.com/jakobek09/FileServer-UDS/keys"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const testSecret = "sftp-secret"

func startServer(t *testing.T) (*Server, *filesystem.LocalFS) {
	t.Helper()
	store := filesystem.NewLocalFS(t.TempDir())
	s := NewSFTPServer("127.0.0.1:0", store, auth.PlainSecret(testSecret))

	pk, _, err := keys.GeneratesED25519Keys()
	if err != nil {
		t.Fatal(err)
	}
	s.SetPrivateKey(pk)

	if err := s.TryListenAndServe(50 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			t.Errorf("Close() = %v", err)
		}
	})
	return s, store
}

func dial(t *testing.T, s *Server, password string) (*sftp.Client, error) {
	t.Helper()
	config := &ssh.ClientConfig{
		User:            "anyone",
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	conn, err := ssh.Dial("tcp", s.ListenAddr().String(), config)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.Cleanup(func() {
		client.Close()
		conn.Close()
	})
	return client, nil
}

func Test_SFTPRejectsWrongPassword(t *testing.T) {
	s, _ := startServer(t)
	if _, err := dial(t, s, "wrong"); err == nil {
		t.Fatal("login with a wrong password succeeded")
	}
}

func Test_SFTPSharesTheStore(t *testing.T) {
	s, store := startServer(t)
	client, err := dial(t, s, testSecret)
	if err != nil {
		t.Fatal(err)
	}

	data := bytes.Repeat([]byte("sftp!"), 20000)
	f, err := client.Create("/up.bin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := store.Read("up.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("store holds %d bytes, want %d", len(got), len(data))
	}

	if err := store.Write("local.txt", []byte("from the socket side")); err != nil {
		t.Fatal(err)
	}
	r, err := client.Open("/local.txt")
	if err != nil {
		t.Fatal(err)
	}
	content, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "from the socket side" {
		t.Errorf("read %q", content)
	}

	infos, err := client.ReadDir("/")
	if err != nil {
		t.Fatal(err)
	}
	var listed []string
	for _, info := range infos {
		listed = append(listed, info.Name())
	}
	slices.Sort(listed)
	if !slices.Equal(listed, []string{"local.txt", "up.bin"}) {
		t.Errorf("ReadDir() = %v", listed)
	}
}

func Test_SFTPFileCommands(t *testing.T) {
	s, store := startServer(t)
	client, err := dial(t, s, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write("a.txt", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := store.Write("b.txt", []byte("b")); err != nil {
		t.Fatal(err)
	}

	if err := client.Rename("/a.txt", "/b.txt"); err == nil {
		t.Error("Rename() over an existing file succeeded")
	}
	if err := client.Rename("/a.txt", "/c.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Stat("c.txt"); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}
	if err := client.Remove("/c.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Stat("c.txt"); !errors.Is(err, filesystem.ErrNotFound) {
		t.Errorf("removed file still present: %v", err)
	}

	if _, err := client.Stat("/missing.txt"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Stat(missing) = %v, want not exist", err)
	}
	if err := client.Mkdir("/sub"); err == nil {
		t.Error("Mkdir() succeeded on a flat store")
	}
	if _, err := client.Open("/sub/x.txt"); err == nil {
		t.Error("Open() of a nested path succeeded")
	}
}

func Test_SFTPCloseStopsServe(t *testing.T) {
	store := filesystem.NewLocalFS(t.TempDir())
	s := NewSFTPServer("127.0.0.1:0", store, auth.PlainSecret(testSecret))
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve() = %v, want ErrServerClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after Close")
	}
}
