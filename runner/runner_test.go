package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osjudge/osjudge/supervisor"
	"github.com/osjudge/osjudge/types"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordUpdater struct {
	mu      sync.Mutex
	updates []types.Result
	err     error
}

func (u *recordUpdater) Update(_ context.Context, _ int64, r types.Result) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, r)
	return u.err
}

func (u *recordUpdater) results() []types.Result {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]types.Result(nil), u.updates...)
}

type fakeSupervisor struct {
	mu     sync.Mutex
	procs  []supervisor.Process
	finds  []string
	killed []int
}

func (f *fakeSupervisor) Find(name string) ([]supervisor.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds = append(f.finds, name)
	return f.procs, nil
}

func (f *fakeSupervisor) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return nil
}

// makeWorkDir creates <tmp>/os/run.sh with script as content
func makeWorkDir(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "os"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "os", "run.sh"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testProfile() Profile {
	p := DefaultProfile()
	p.Command = "sh run.sh"
	p.Timeout = 10 * time.Second
	return p
}

func newTestRunner(t *testing.T, p Profile, u *recordUpdater, sup supervisor.Supervisor, observer func([]supervisor.Process)) *Runner {
	t.Helper()
	r, err := New(Config{
		Profile:         p,
		Supervisor:      sup,
		Updater:         u,
		CleanupObserver: observer,
		Logger:          zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestExecutePassed(t *testing.T) {
	dir := makeWorkDir(t, `read line
echo "got $line"
echo "$RUSTUP_TOOLCHAIN"
echo "Usertests passed!"
sleep 30
`)
	u := &recordUpdater{}
	r := newTestRunner(t, testProfile(), u, nil, nil)

	start := time.Now()
	res, err := r.Execute(context.Background(), types.Job{ID: 1, Owner: "alice", WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.StatusPassed {
		t.Fatalf("expected passed, got %v: %+v", res.Status, res)
	}
	if res.Error != "" {
		t.Errorf("expected no error, got %q", res.Error)
	}
	for _, s := range []string{"got usertests", "nightly-2024-04-29", "Usertests passed!"} {
		if !strings.Contains(res.Output, s) {
			t.Errorf("output %q does not contain %q", res.Output, s)
		}
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("remaining process was not killed, took %v", d)
	}
	if len(u.results()) == 0 {
		t.Error("expected running updates")
	}
}

func TestExecuteFailureMarker(t *testing.T) {
	dir := makeWorkDir(t, "echo 'test sbrk FAILED'\nsleep 30\n")
	r := newTestRunner(t, testProfile(), &recordUpdater{}, nil, nil)

	res, err := r.Execute(context.Background(), types.Job{ID: 2, WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.StatusFailed {
		t.Fatalf("expected failed, got %v", res.Status)
	}
	if !strings.Contains(res.Output, "FAILED") {
		t.Errorf("unexpected output %q", res.Output)
	}
}

func TestExecuteEOF(t *testing.T) {
	dir := makeWorkDir(t, "echo booting\necho 'panic: out of memory' >&2\n")
	r := newTestRunner(t, testProfile(), &recordUpdater{}, nil, nil)

	res, err := r.Execute(context.Background(), types.Job{ID: 3, WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.StatusFailed {
		t.Fatalf("expected failed, got %v", res.Status)
	}
	if res.Output != "booting\n" {
		t.Errorf("unexpected output %q", res.Output)
	}
	if !strings.Contains(res.Error, "out of memory") {
		t.Errorf("expected stderr in error, got %q", res.Error)
	}
}

func TestExecuteMissingDir(t *testing.T) {
	tmp := t.TempDir()
	marker := filepath.Join(tmp, "spawned")
	p := testProfile()
	p.Command = "touch " + marker

	tests := []struct {
		name    string
		workDir string
		reason  string
	}{
		{name: "WorkDir", workDir: filepath.Join(tmp, "missing"), reason: reasonNoWorkDir},
		{name: "BuildDir", workDir: tmp, reason: reasonNoBuildDir},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := &recordUpdater{}
			r := newTestRunner(t, p, u, nil, nil)

			res, err := r.Execute(context.Background(), types.Job{ID: 2, WorkDir: tc.workDir})
			if err != nil {
				t.Fatal(err)
			}
			if res.Status != types.StatusError {
				t.Fatalf("expected error status, got %v", res.Status)
			}
			if !strings.Contains(res.Error, tc.reason) {
				t.Errorf("expected %q in %q", tc.reason, res.Error)
			}
			if len(u.results()) != 0 {
				t.Errorf("unexpected updates: %v", u.results())
			}
			if _, err := os.Stat(marker); !os.IsNotExist(err) {
				t.Error("command was spawned")
			}
		})
	}
}

func TestExecuteSpawnError(t *testing.T) {
	dir := makeWorkDir(t, "")
	p := testProfile()
	p.Command = filepath.Join(dir, "no-such-command")
	r := newTestRunner(t, p, &recordUpdater{}, nil, nil)

	res, err := r.Execute(context.Background(), types.Job{ID: 4, WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.StatusError || !strings.Contains(res.Error, "进程启动失败") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteTimeout(t *testing.T) {
	dir := makeWorkDir(t, "echo start\nsleep 30\n")
	p := testProfile()
	p.Timeout = 200 * time.Millisecond
	p.CleanupScope = string(supervisor.ScopeHost)

	sup := &fakeSupervisor{procs: []supervisor.Process{{PID: 1 << 30, Name: p.Emulator}}}
	var observed []supervisor.Process
	r := newTestRunner(t, p, &recordUpdater{}, sup, func(ps []supervisor.Process) {
		observed = append(observed, ps...)
	})

	start := time.Now()
	res, err := r.Execute(context.Background(), types.Job{ID: 5, WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.StatusError || !strings.Contains(res.Error, "测试执行超时") {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Output != "start\n" {
		t.Errorf("unexpected output %q", res.Output)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("timeout not enforced, took %v", d)
	}
	if len(sup.finds) != 1 || sup.finds[0] != p.Emulator {
		t.Errorf("unexpected sweep %v", sup.finds)
	}
	if len(sup.killed) != 1 || sup.killed[0] != 1<<30 {
		t.Errorf("unexpected kills %v", sup.killed)
	}
	if len(observed) != 1 {
		t.Errorf("unexpected observed cleanup %v", observed)
	}
}

func TestExecuteGroupScope(t *testing.T) {
	dir := makeWorkDir(t, "echo FAILED\n")
	sup := &fakeSupervisor{procs: []supervisor.Process{{PID: 1 << 30, PGID: 1 << 30, Name: "qemu-system-riscv64"}}}
	r := newTestRunner(t, testProfile(), &recordUpdater{}, sup, nil)

	if _, err := r.Execute(context.Background(), types.Job{ID: 6, WorkDir: dir}); err != nil {
		t.Fatal(err)
	}
	if len(sup.finds) != 1 {
		t.Errorf("expected exactly one sweep, got %d", len(sup.finds))
	}
	if len(sup.killed) != 0 {
		t.Errorf("process outside the job group was killed: %v", sup.killed)
	}
}

func TestExecuteIncrementalOutput(t *testing.T) {
	dir := makeWorkDir(t, "printf A\nsleep 0.1\nprintf B\nsleep 0.1\nprintf C\n")
	u := &recordUpdater{}
	r := newTestRunner(t, testProfile(), u, nil, nil)

	res, err := r.Execute(context.Background(), types.Job{ID: 7, WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "ABC" {
		t.Fatalf("unexpected output %q", res.Output)
	}
	updates := u.results()
	if len(updates) == 0 {
		t.Fatal("expected running updates")
	}
	prev := ""
	for _, up := range updates {
		if up.Status != types.StatusRunning {
			t.Errorf("unexpected status %v", up.Status)
		}
		if !strings.HasPrefix(up.Output, prev) || len(up.Output) <= len(prev) {
			t.Errorf("update %q does not extend %q", up.Output, prev)
		}
		prev = up.Output
	}
	if prev != "ABC" {
		t.Errorf("last update %q", prev)
	}
}

func TestExecuteUpdateFailure(t *testing.T) {
	dir := makeWorkDir(t, "echo 'Usertests passed!'\n")
	u := &recordUpdater{err: errors.New("disk full")}
	r := newTestRunner(t, testProfile(), u, nil, nil)

	res, err := r.Execute(context.Background(), types.Job{ID: 8, WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.StatusPassed {
		t.Fatalf("expected passed, got %v", res.Status)
	}
}

func TestExecuteInterrupted(t *testing.T) {
	dir := makeWorkDir(t, "echo start\nsleep 30\n")
	r := newTestRunner(t, testProfile(), &recordUpdater{}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res, err := r.Execute(ctx, types.Job{ID: 9, WorkDir: dir})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected interrupted, got %v", err)
	}
	if res.Status != types.StatusError {
		t.Errorf("unexpected status %v", res.Status)
	}
}

func TestExecuteInvalidUTF8(t *testing.T) {
	dir := makeWorkDir(t, `printf 'ok \377\376 Usertests passed!'`)
	r := newTestRunner(t, testProfile(), &recordUpdater{}, nil, nil)

	res, err := r.Execute(context.Background(), types.Job{ID: 10, WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.StatusPassed {
		t.Fatalf("expected passed, got %v", res.Status)
	}
	if !strings.HasPrefix(res.Output, "ok ") || !strings.Contains(res.Output, "�") {
		t.Errorf("unexpected output %q", res.Output)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{Profile: DefaultProfile()}); err == nil {
		t.Error("expected missing updater error")
	}
	p := DefaultProfile()
	p.Timeout = 0
	if _, err := New(Config{Profile: p, Updater: &recordUpdater{}}); err == nil {
		t.Error("expected invalid profile error")
	}
	if _, err := New(Config{Profile: DefaultProfile(), Updater: &recordUpdater{}}); err != nil {
		t.Error(err)
	}
}

func TestExecuteTTY(t *testing.T) {
	dir := makeWorkDir(t, "read line\necho \"got $line\"\necho 'Usertests passed!'\n")
	p := testProfile()
	p.TTY = true
	r := newTestRunner(t, p, &recordUpdater{}, nil, nil)

	res, err := r.Execute(context.Background(), types.Job{ID: 11, WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.StatusPassed {
		t.Fatalf("expected passed, got %v: %q", res.Status, res.Output)
	}
	if !strings.Contains(res.Output, "got usertests") {
		t.Errorf("trigger not received through terminal: %q", res.Output)
	}
}
