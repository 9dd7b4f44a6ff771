package transport

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/musterhq/muster/pkg/engine"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeRunner records commands and uploads, and serves canned probe output
type fakeRunner struct {
	mu       sync.Mutex
	cmds     []string
	uploads  map[string][]byte
	probeOut string
	runErr   error
	dlErr    map[string]error
	dlCopied []string
	closed   bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{uploads: make(map[string][]byte), dlErr: make(map[string]error)}
}

func (r *fakeRunner) run(cmd string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	if r.runErr != nil {
		return "", r.runErr
	}
	return r.probeOut, nil
}

func (r *fakeRunner) upload(dir, name string, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads[dir+"/"+name] = content
	return nil
}

func (r *fakeRunner) download(remote, local string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.dlErr[remote]; ok {
		return err
	}
	r.dlCopied = append(r.dlCopied, remote)
	return nil
}

func (r *fakeRunner) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func testRegistry(t *testing.T) *engine.Registry {
	t.Helper()
	reg, err := engine.NewRegistry([]types.Engine{
		{
			Name:        "abinit",
			InputFiles:  []string{"in.dat"},
			OutputFiles: []string{"a", "b", "c"},
			Spawn:       "cd {path} && abinit-run -n {ncpus}",
			RunMarker:   "abinit-run",
			CheckCmd:    "pgrep -fl abinit-run",
		},
	})
	require.NoError(t, err)
	return reg
}

func testPool(t *testing.T, runners map[string]*fakeRunner) *Pool {
	t.Helper()
	p := &Pool{
		cfg:      Config{User: "muster", ConnectTimeout: time.Second},
		registry: testRegistry(t),
		logger:   log.WithComponent("transport"),
		conns:    make(map[string]runner),
		open: func(ip string, timeout time.Duration) (runner, error) {
			r, ok := runners[ip]
			if !ok {
				return nil, fmt.Errorf("dial tcp %s:22: connection refused", ip)
			}
			return r, nil
		},
	}
	return p
}

func TestReconcile(t *testing.T) {
	runners := map[string]*fakeRunner{
		"10.0.0.1": newFakeRunner(),
		"10.0.0.2": newFakeRunner(),
	}
	pool := testPool(t, runners)

	pool.Reconcile([]string{"10.0.0.1", "10.0.0.2"})
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, pool.IPs())

	// Dropping a node closes its session
	pool.Reconcile([]string{"10.0.0.1"})
	assert.Equal(t, []string{"10.0.0.1"}, pool.IPs())
	assert.True(t, runners["10.0.0.2"].closed)
	assert.False(t, runners["10.0.0.1"].closed)
}

func TestReconcileBrokenEntry(t *testing.T) {
	pool := testPool(t, map[string]*fakeRunner{"10.0.0.1": newFakeRunner()})

	// 10.0.0.9 refuses the dial but still enters the pool
	pool.Reconcile([]string{"10.0.0.1", "10.0.0.9"})
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.9"}, pool.IPs())

	eng, _ := pool.registry.Get("abinit")
	err := pool.StageAndSpawn("10.0.0.9", 4, eng, map[string]string{
		types.MetaRemoteFolder: "/data/x",
		"in.dat":               "hello",
	})
	assert.ErrorContains(t, err, "connection refused")
}

func TestStageAndSpawn(t *testing.T) {
	fr := newFakeRunner()
	pool := testPool(t, map[string]*fakeRunner{"10.0.0.1": fr})
	pool.Reconcile([]string{"10.0.0.1"})

	eng, _ := pool.registry.Get("abinit")
	metadata := map[string]string{
		types.MetaEngine:       "abinit",
		types.MetaRemoteFolder: "/data/20260801_120000_abcd",
		"in.dat":               "hello",
	}

	require.NoError(t, pool.StageAndSpawn("10.0.0.1", 4, eng, metadata))

	require.Len(t, fr.cmds, 2)
	assert.Equal(t, "mkdir -p /data/20260801_120000_abcd", fr.cmds[0])
	// The spawn is detached so the session returns while the job runs
	assert.Equal(t,
		"nohup sh -c 'cd /data/20260801_120000_abcd && abinit-run -n 4' >/dev/null 2>&1 &",
		fr.cmds[1])
	assert.Equal(t, []byte("hello"), fr.uploads["/data/20260801_120000_abcd/in.dat"])
}

func TestStageAndSpawnMissingFolder(t *testing.T) {
	fr := newFakeRunner()
	pool := testPool(t, map[string]*fakeRunner{"10.0.0.1": fr})
	pool.Reconcile([]string{"10.0.0.1"})

	eng, _ := pool.registry.Get("abinit")
	err := pool.StageAndSpawn("10.0.0.1", 4, eng, map[string]string{"in.dat": "x"})
	assert.ErrorContains(t, err, "no remote folder")
	assert.Empty(t, fr.cmds)
}

func TestIsTaskLive(t *testing.T) {
	tests := []struct {
		name     string
		probeOut string
		runErr   error
		want     bool
	}{
		{name: "marker present", probeOut: "12345 abinit-run -n 8", want: true},
		{name: "idle host", probeOut: "", want: false},
		{name: "probe error treated as not live", runErr: errors.New("ssh: broken pipe"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := newFakeRunner()
			fr.probeOut = tt.probeOut
			fr.runErr = tt.runErr
			pool := testPool(t, map[string]*fakeRunner{"10.0.0.1": fr})
			pool.Reconcile([]string{"10.0.0.1"})

			assert.Equal(t, tt.want, pool.IsTaskLive("10.0.0.1"))
		})
	}
}

func TestIsTaskLiveNodeAbsent(t *testing.T) {
	pool := testPool(t, nil)
	assert.False(t, pool.IsTaskLive("10.0.0.1"))
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		name     string
		runner   *fakeRunner
		haveHost bool
		want     bool
	}{
		{name: "reachable and idle", runner: newFakeRunner(), haveHost: true, want: true},
		{
			name: "busy host rejected",
			runner: func() *fakeRunner {
				r := newFakeRunner()
				r.probeOut = "999 abinit-run -n 16"
				return r
			}(),
			haveHost: true,
			want:     false,
		},
		{name: "unreachable host rejected", haveHost: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runners := map[string]*fakeRunner{}
			if tt.haveHost {
				runners["10.0.0.5"] = tt.runner
			}
			pool := testPool(t, runners)

			assert.Equal(t, tt.want, pool.Admit("10.0.0.5"))
			if tt.haveHost {
				// Admission sessions are one-shot
				assert.True(t, tt.runner.closed)
			}
		})
	}
}

func TestFetchOutputs(t *testing.T) {
	fr := newFakeRunner()
	pool := testPool(t, map[string]*fakeRunner{"10.0.0.1": fr})
	pool.Reconcile([]string{"10.0.0.1"})

	eng, _ := pool.registry.Get("abinit")
	require.NoError(t, pool.FetchOutputs("10.0.0.1", eng, "/data/x", t.TempDir(), true))

	assert.Equal(t, []string{"/data/x/a", "/data/x/b", "/data/x/c"}, fr.dlCopied)
	assert.Equal(t, []string{"rm -rf /data/x"}, fr.cmds)
}

func TestFetchOutputsSkipsFailedFile(t *testing.T) {
	fr := newFakeRunner()
	fr.dlErr["/data/x/b"] = errors.New("file does not exist")
	pool := testPool(t, map[string]*fakeRunner{"10.0.0.1": fr})
	pool.Reconcile([]string{"10.0.0.1"})

	eng, _ := pool.registry.Get("abinit")
	require.NoError(t, pool.FetchOutputs("10.0.0.1", eng, "/data/x", t.TempDir(), false))

	// b is skipped, c is still attempted
	assert.Equal(t, []string{"/data/x/a", "/data/x/c"}, fr.dlCopied)
	assert.Empty(t, fr.cmds)
}

func TestFetchOutputsTimeoutAborts(t *testing.T) {
	fr := newFakeRunner()
	fr.dlErr["/data/x/b"] = errors.New("read tcp: connection timed out")
	pool := testPool(t, map[string]*fakeRunner{"10.0.0.1": fr})
	pool.Reconcile([]string{"10.0.0.1"})

	eng, _ := pool.registry.Get("abinit")
	require.NoError(t, pool.FetchOutputs("10.0.0.1", eng, "/data/x", t.TempDir(), true))

	// A timed-out file abandons the remaining files; only "a" made it
	assert.Equal(t, []string{"/data/x/a"}, fr.dlCopied)
	// The remote folder is still removed
	assert.Equal(t, []string{"rm -rf /data/x"}, fr.cmds)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
