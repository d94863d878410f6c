package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alphauslabs/ferry/internal/apiclient"
)

func TestDestinationPath(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 678900000, time.UTC)
	tests := []struct {
		dest, name, want string
	}{
		{"/archive/userX", "My Run", "/archive/userX/My_Run-20240102_030405.tgz"},
		{"/archive/userX/", "My Run", "/archive/userX/My_Run-20240102_030405.tgz"},
		{"Personal", "a b  c", "Personal/a_b__c-20240102_030405.tgz"},
		{"/archive/userX", "RNA-seq 1/2", "/archive/userX/RNA-seq_1_2-20240102_030405.tgz"},
		{"/archive/userX", "../../../../etc/cron.d/x", "/archive/userX/.._.._.._.._etc_cron.d_x-20240102_030405.tgz"},
		{"/archive/userX", `win\path`, "/archive/userX/win_path-20240102_030405.tgz"},
		{"/archive/userX", "tab\there\x00nul", "/archive/userX/tab_here_nul-20240102_030405.tgz"},
		{"/archive/userX", "..", "/archive/userX/..-20240102_030405.tgz"},
	}
	for _, tt := range tests {
		got, err := DestinationPath(tt.dest, tt.name, created)
		if err != nil {
			t.Errorf("DestinationPath(%q, %q): %v", tt.dest, tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DestinationPath(%q, %q) = %q, want %q", tt.dest, tt.name, got, tt.want)
		}
	}
}

func TestDestinationPathUsesUTC(t *testing.T) {
	oslo := time.FixedZone("CET", 3600)
	created := time.Date(2024, 1, 2, 4, 4, 5, 0, oslo)
	got, err := DestinationPath("/archive/userX", "run", created)
	if err != nil {
		t.Fatalf("DestinationPath: %v", err)
	}
	if want := "/archive/userX/run-20240102_030405.tgz"; got != want {
		t.Errorf("DestinationPath = %q, want %q", got, want)
	}
}

func TestObjectName(t *testing.T) {
	if got := objectName(7, "/archive/../x/run.tgz"); got != "7/x/run.tgz" {
		t.Errorf("objectName = %q", got)
	}
}

func TestCredentialClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/users/1234" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"key-rsa":  "-----BEGIN KEY-----\nabc\n-----END KEY-----\n",
			"username": "u1234",
			"hostname": "nels.example.org",
		})
	}))
	defer srv.Close()

	c := NewCredentialClient(srv.URL, "client", "secret", apiclient.Options{})
	creds, err := c.Fetch(context.Background(), 1234)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if creds.Username != "u1234" || creds.Hostname != "nels.example.org" {
		t.Errorf("unexpected credentials %+v", creds)
	}

	if _, err := c.Fetch(context.Background(), 99); !apiclient.IsNotFound(err) {
		t.Errorf("unknown user: err = %v", err)
	}

	bad := NewCredentialClient(srv.URL, "client", "wrong", apiclient.Options{})
	if _, err := bad.Fetch(context.Background(), 1234); err == nil {
		t.Error("wrong secret accepted")
	}

	path, err := StageKey(t.TempDir(), creds)
	if err != nil {
		t.Fatalf("StageKey: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %v", st.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	if string(data) != creds.PrivateKey {
		t.Errorf("staged key mismatch")
	}
}

// remote simulates the far end of an scp session.
func remote(t *testing.T, fn func(in *bufio.Reader, out io.Writer)) (io.Writer, *bufio.Reader, func()) {
	t.Helper()
	toRemoteR, toRemoteW := io.Pipe()
	fromRemoteR, fromRemoteW := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(bufio.NewReader(toRemoteR), fromRemoteW)
		fromRemoteW.Close()
	}()
	return toRemoteW, bufio.NewReader(fromRemoteR), func() {
		toRemoteW.Close()
		<-done
	}
}

func TestSCPSend(t *testing.T) {
	var header string
	var got bytes.Buffer
	w, r, wait := remote(t, func(in *bufio.Reader, out io.Writer) {
		out.Write([]byte{0})
		header, _ = in.ReadString('\n')
		out.Write([]byte{0})
		var size int64
		fmt.Sscanf(header, "C0644 %d", &size)
		io.CopyN(&got, in, size)
		in.ReadByte()
		out.Write([]byte{0})
	})

	payload := "history archive"
	if err := scpSend(w, r, "My_Run.tgz", int64(len(payload)), strings.NewReader(payload)); err != nil {
		t.Fatalf("scpSend: %v", err)
	}
	wait()

	if header != fmt.Sprintf("C0644 %d My_Run.tgz\n", len(payload)) {
		t.Errorf("header = %q", header)
	}
	if got.String() != payload {
		t.Errorf("remote received %q", got.String())
	}
}

func TestSCPSendRemoteError(t *testing.T) {
	w, r, wait := remote(t, func(in *bufio.Reader, out io.Writer) {
		out.Write([]byte("\x01scp: /archive: Permission denied\n"))
	})
	err := scpSend(w, r, "x.tgz", 1, strings.NewReader("x"))
	wait()
	if err == nil || !strings.Contains(err.Error(), "Permission denied") {
		t.Fatalf("err = %v", err)
	}
}

func TestSCPReceive(t *testing.T) {
	payload := "imported history"
	w, r, wait := remote(t, func(in *bufio.Reader, out io.Writer) {
		in.ReadByte()
		fmt.Fprintf(out, "C0644 %d run.tgz\n", len(payload))
		in.ReadByte()
		io.WriteString(out, payload)
		out.Write([]byte{0})
		in.ReadByte()
	})

	var dst bytes.Buffer
	n, err := scpReceive(w, r, &dst)
	wait()
	if err != nil {
		t.Fatalf("scpReceive: %v", err)
	}
	if n != int64(len(payload)) || dst.String() != payload {
		t.Errorf("received %d bytes %q", n, dst.String())
	}
}

func TestSCPReceiveMissingFile(t *testing.T) {
	w, r, wait := remote(t, func(in *bufio.Reader, out io.Writer) {
		in.ReadByte()
		out.Write([]byte("\x01scp: run.tgz: No such file or directory\n"))
	})
	_, err := scpReceive(w, r, io.Discard)
	wait()
	if err == nil || !strings.Contains(err.Error(), "No such file") {
		t.Fatalf("err = %v", err)
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("/a/it's here"); got != `'/a/it'\''s here'` {
		t.Errorf("shellQuote = %s", got)
	}
}
