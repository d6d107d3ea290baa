package childproc

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhovanion/proxytester/internal/coreconfig"
	"github.com/rhovanion/proxytester/internal/model"
)

// TestMain re-execs this test binary as a stand-in proxy-core process when
// CHILDPROC_HELPER_PROCESS is set, the same way the corpus's os/exec tests
// avoid depending on a real external binary being present on the host.
func TestMain(m *testing.M) {
	if os.Getenv("CHILDPROC_HELPER_PROCESS") == "1" {
		runHelperCore()
		return
	}
	os.Exit(m.Run())
}

func runHelperCore() {
	// args: [run -c <path>]
	args := os.Args
	var configPath string
	for i, a := range args {
		if a == "-c" && i+1 < len(args) {
			configPath = args[i+1]
		}
	}
	body, err := os.ReadFile(configPath)
	if err != nil {
		os.Exit(1)
	}
	var doc struct {
		Inbounds []struct {
			ListenPort int `json:"listen_port"`
		} `json:"inbounds"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || len(doc.Inbounds) == 0 {
		os.Exit(1)
	}
	ln, err := net.Listen("tcp", (&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: doc.Inbounds[0].ListenPort}).String())
	if err != nil {
		os.Exit(1)
	}
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

func withHelperEnv(t *testing.T) {
	t.Helper()
	require.NoError(t, os.Setenv("CHILDPROC_HELPER_PROCESS", "1"))
	t.Cleanup(func() { os.Unsetenv("CHILDPROC_HELPER_PROCESS") })
}

func TestStartWaitsForReadinessThenStop(t *testing.T) {
	withHelperEnv(t)

	cp := New(Options{
		CorePath:  os.Args[0],
		WorkDir:   t.TempDir(),
		ReadyWait: 2 * time.Second,
		PollEvery: 10 * time.Millisecond,
	}, coreconfig.Default{}, model.ProxyConfig{Type: model.ProtocolSocks, Server: "127.0.0.1:1"}, freeTestPort(t))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, cp.Start(ctx))
	cp.Stop()
}

func TestStartFailsWhenCoreNeverBinds(t *testing.T) {
	// No helper env set: os.Args[0] (the test binary) runs as a normal
	// test binary ("run" ends its flag parsing, so it runs this package's
	// tests instead of serving), never binds the leased port, and is
	// killed once ReadyWait elapses.
	cp := New(Options{
		CorePath:  os.Args[0],
		WorkDir:   t.TempDir(),
		ReadyWait: 200 * time.Millisecond,
		PollEvery: 10 * time.Millisecond,
	}, coreconfig.Default{}, model.ProxyConfig{Type: model.ProtocolSocks, Server: "127.0.0.1:1"}, freeTestPort(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := cp.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestStartFailsWhenCoreBinaryMissing(t *testing.T) {
	cp := New(Options{
		CorePath:  "/nonexistent/proxy-core-binary",
		WorkDir:   t.TempDir(),
		ReadyWait: 200 * time.Millisecond,
		PollEvery: 10 * time.Millisecond,
	}, coreconfig.Default{}, model.ProxyConfig{Type: model.ProtocolSocks, Server: "127.0.0.1:1"}, freeTestPort(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := cp.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunchFailed)
}

func freeTestPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
