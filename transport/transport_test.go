package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/mcp"
	"github.com/zhubert/toolgate/process"
	"github.com/zhubert/toolgate/tool"
)

func callRequest(t *testing.T, id any, name string, args map[string]any) *mcp.JSONRPCRequest {
	t.Helper()
	req, err := mcp.NewRequest(id, mcp.MethodToolsCall, mcp.ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func callTool(t *testing.T, tr Transport, name string, args map[string]any) *tool.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := tr.Send(ctx, callRequest(t, "call-1", name, args))
	if err != nil {
		t.Fatalf("Send %s: %v", name, err)
	}
	if resp.ID != "call-1" {
		t.Errorf("response ID = %v, want caller's ID restored", resp.ID)
	}
	var out mcp.ToolCallResult
	if err := resp.DecodeResult(&out); err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	return mcp.ResultFromCallResult(out)
}

func listTools(t *testing.T, tr Transport) []mcp.ToolDefinition {
	t.Helper()
	req, _ := mcp.NewRequest(7, mcp.MethodToolsList, nil)
	resp, err := tr.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("tools/list: %v", err)
	}
	var out mcp.ToolsListResult
	if err := resp.DecodeResult(&out); err != nil {
		t.Fatal(err)
	}
	return out.Tools
}

func startHelper(t *testing.T, mode string, stop time.Duration) *Stdio {
	t.Helper()
	tr := NewStdio(StdioConfig{
		Name:        "helper",
		Command:     os.Args[0],
		Env:         map[string]string{helperEnv: mode, "HELPER_MARKER": "present"},
		StopTimeout: stop,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := tr.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.ServerInfo.Name != "helper" {
		t.Errorf("server name = %q", info.ServerInfo.Name)
	}
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func TestInProcess(t *testing.T) {
	tr := NewInProcess(newHelperEngine())

	if _, err := tr.Send(context.Background(), callRequest(t, 1, "echo", nil)); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Send before Start = %v, want ErrNotStarted", err)
	}

	info, err := tr.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.ProtocolVersion != mcp.ProtocolVersion {
		t.Errorf("protocol = %q", info.ProtocolVersion)
	}

	if got := len(listTools(t, tr)); got != 5 {
		t.Errorf("tools/list returned %d tools, want 5", got)
	}
	res := callTool(t, tr, "echo", map[string]any{"message": "hi"})
	if !res.Success || res.Content != "hi" {
		t.Errorf("echo = %+v", res)
	}

	note, _ := mcp.NewRequest(nil, mcp.MethodInitialized, nil)
	if resp, err := tr.Send(context.Background(), note); resp != nil || err != nil {
		t.Errorf("notification = %v, %v; want nil, nil", resp, err)
	}

	if err := tr.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Send(context.Background(), callRequest(t, 2, "echo", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Stop = %v, want ErrClosed", err)
	}
}

func TestInProcess_StopCancelsInFlight(t *testing.T) {
	tr := NewInProcess(newHelperEngine())
	if _, err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), callRequest(t, 1, "block", nil))
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	tr.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("in-flight call = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call not released by Stop")
	}
}

func TestStdio_CallAndEnv(t *testing.T) {
	tr := startHelper(t, "normal", time.Second)
	if tr.PID() <= 0 {
		t.Fatal("PID should be set after Start")
	}

	res := callTool(t, tr, "echo", map[string]any{"message": "over the pipe"})
	if !res.Success || res.Content != "over the pipe" {
		t.Errorf("echo = %+v", res)
	}
	res = callTool(t, tr, "getenv", map[string]any{"key": "HELPER_MARKER"})
	if res.Content != "present" {
		t.Errorf("configured env not passed to child: %+v", res)
	}
}

func TestStdio_ConcurrentCalls(t *testing.T) {
	tr := startHelper(t, "normal", time.Second)

	const n = 20
	errc := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			msg := string(rune('a' + i))
			req := callRequest(t, msg, "echo", map[string]any{"message": msg})
			resp, err := tr.Send(context.Background(), req)
			if err != nil {
				errc <- err
				return
			}
			var out mcp.ToolCallResult
			if err := resp.DecodeResult(&out); err != nil {
				errc <- err
				return
			}
			if got := mcp.ResultFromCallResult(out).Content; got != msg || resp.ID != msg {
				errc <- errors.New("response routed to the wrong caller")
				return
			}
			errc <- nil
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errc; err != nil {
			t.Error(err)
		}
	}
}

func TestStdio_CancelSendsNotification(t *testing.T) {
	tr := startHelper(t, "normal", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := tr.Send(ctx, callRequest(t, 1, "block", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send = %v, want deadline exceeded", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if callTool(t, tr, "cancelled_count", nil).Content == "1" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("backend never observed the cancellation")
}

func TestStdio_ProcessExit(t *testing.T) {
	tr := startHelper(t, "normal", time.Second)

	_, err := tr.Send(context.Background(), callRequest(t, 1, "crash", nil))
	if !errors.Is(err, ErrProcessExited) {
		t.Fatalf("Send to crashing backend = %v, want ErrProcessExited", err)
	}
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after exit")
	}
	if _, err := tr.Send(context.Background(), callRequest(t, 2, "echo", nil)); !errors.Is(err, ErrProcessExited) {
		t.Errorf("Send after exit = %v", err)
	}
}

func TestStdio_StopKillsStubbornChild(t *testing.T) {
	tr := startHelper(t, "stubborn", 200*time.Millisecond)

	start := time.Now()
	if err := tr.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-tr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("stubborn child still running after Stop")
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Stop returned after %v, before the stop timeout", elapsed)
	}
	if _, err := tr.Send(context.Background(), callRequest(t, 1, "echo", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Stop = %v, want ErrClosed", err)
	}
}

func TestStdio_StopWithBlockedWrite(t *testing.T) {
	tr := startHelper(t, "deaf", 200*time.Millisecond)
	pid := tr.PID()

	// Far larger than a pipe buffer, so the write blocks on a peer that
	// stopped reading.
	big := strings.Repeat("x", 4<<20)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := tr.Send(ctx, callRequest(t, 1, "echo", map[string]any{"message": big})); err == nil {
		t.Fatal("Send to a peer that is not reading should fail")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send returned after %v, long past its deadline", elapsed)
	}

	stopped := make(chan struct{})
	go func() {
		tr.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	if process.IsAlive(pid) {
		t.Errorf("child %d still alive after Stop", pid)
	}
}

func TestStdio_StopDuringBlockedWrite(t *testing.T) {
	tr := startHelper(t, "deaf", 200*time.Millisecond)

	sent := make(chan error, 1)
	go func() {
		big := strings.Repeat("x", 4<<20)
		_, err := tr.Send(context.Background(), callRequest(t, 1, "echo", map[string]any{"message": big}))
		sent <- err
	}()
	time.Sleep(100 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		tr.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop blocked behind an in-flight write")
	}
	select {
	case err := <-sent:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("in-flight Send = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight Send did not return after Stop")
	}
}

func TestStdio_BadCommand(t *testing.T) {
	tr := NewStdio(StdioConfig{Name: "missing", Command: filepath.Join(t.TempDir(), "nope")})
	if _, err := tr.Start(context.Background()); err == nil {
		t.Fatal("Start should fail for a missing binary")
	}
	if _, err := tr.Send(context.Background(), callRequest(t, 1, "echo", nil)); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Send = %v, want ErrNotStarted", err)
	}
}

func TestSocket(t *testing.T) {
	srv, err := mcp.Listen("tcp", "127.0.0.1:0", newHelperEngine())
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	srv.WaitReady()

	tr := NewSocket("sock", "tcp", srv.Addr().String())
	if _, err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Stop()

	res := callTool(t, tr, "echo", map[string]any{"message": "via tcp"})
	if res.Content != "via tcp" {
		t.Errorf("echo = %+v", res)
	}

	srv.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := tr.Send(context.Background(), callRequest(t, 2, "echo", map[string]any{"message": "x"}))
		if errors.Is(err, ErrClosed) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Send after server close = %v, want ErrClosed", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSocket_DialFailure(t *testing.T) {
	tr := NewSocket("none", "unix", filepath.Join(t.TempDir(), "absent.sock"))
	if _, err := tr.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when nothing listens")
	}
}

func TestFromConfig(t *testing.T) {
	engines := func(backend string) (*mcp.Engine, error) {
		if backend != "shell" {
			return nil, errors.New("no such backend")
		}
		return newHelperEngine(), nil
	}

	tests := []struct {
		name    string
		cfg     config.TransportConfig
		want    string
		wantErr bool
	}{
		{"stdio", config.TransportConfig{Type: config.TransportStdio, Command: "x"}, "*transport.Stdio", false},
		{"socket", config.TransportConfig{Type: config.TransportSocket, Address: "/tmp/x"}, "*transport.Socket", false},
		{"builtin", config.TransportConfig{Type: config.TransportBuiltin, Backend: "shell"}, "*transport.InProcess", false},
		{"unknown builtin", config.TransportConfig{Type: config.TransportBuiltin, Backend: "nope"}, "", true},
		{"unknown type", config.TransportConfig{Type: "carrier-pigeon"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := FromConfig(tt.name, tt.cfg, engines)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromConfig err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := typeName(tr); got != tt.want {
				t.Errorf("type = %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := FromConfig("b", config.TransportConfig{Type: config.TransportBuiltin, Backend: "shell"}, nil); err == nil {
		t.Error("builtin without a factory should fail")
	}
}

func typeName(tr Transport) string {
	switch tr.(type) {
	case *Stdio:
		return "*transport.Stdio"
	case *Socket:
		return "*transport.Socket"
	case *InProcess:
		return "*transport.InProcess"
	}
	return "unknown"
}
