package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/dropguard/dropguard/pkg/cloud"
	sshx "github.com/dropguard/dropguard/pkg/transports/ssh"
)

const finishedLine = "cc_final_message.py[DEBUG]: Cloud-init v. 22.4.2 finished at Sat, 30 Aug 2026 10:00:00 +0000"

// fakeCloud scripts the provider client per call number.
type fakeCloud struct {
	mu          sync.Mutex
	createCalls int
	getCalls    int
	createFn    func(call int) (cloud.ResourceState, error)
	getFn       func(call int) (cloud.ResourceState, error)
}

func (f *fakeCloud) CreateResource(ctx context.Context, spec cloud.ResourceSpec) (cloud.ResourceState, error) {
	f.mu.Lock()
	f.createCalls++
	call := f.createCalls
	f.mu.Unlock()
	return f.createFn(call)
}

func (f *fakeCloud) GetResource(ctx context.Context, id string) (cloud.ResourceState, error) {
	f.mu.Lock()
	f.getCalls++
	call := f.getCalls
	f.mu.Unlock()
	return f.getFn(call)
}

func (f *fakeCloud) ListRegions(ctx context.Context) ([]cloud.Region, error) { return nil, nil }
func (f *fakeCloud) ListImages(ctx context.Context) ([]cloud.Image, error)   { return nil, nil }
func (f *fakeCloud) ListKeys(ctx context.Context) ([]cloud.SSHKey, error)    { return nil, nil }

// fakeDialer scripts connection attempts per attempt number.
type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	dialFn   func(attempt int) (sshx.Session, error)
}

func (f *fakeDialer) Dial(ctx context.Context, cfg *sshx.Config) (sshx.Session, error) {
	f.mu.Lock()
	f.attempts++
	attempt := f.attempts
	f.mu.Unlock()
	return f.dialFn(attempt)
}

// fakeShell scripts probe results and artifact content.
type fakeShell struct {
	mu       sync.Mutex
	runCalls int
	closes   int
	runFn    func(call int) (sshx.ExecResult, error)
	content  []byte
	fetchErr error
}

func (f *fakeShell) Run(ctx context.Context, cmd string) (sshx.ExecResult, error) {
	f.mu.Lock()
	f.runCalls++
	call := f.runCalls
	f.mu.Unlock()
	if f.runFn == nil {
		return sshx.ExecResult{Stdout: finishedLine}, nil
	}
	return f.runFn(call)
}

func (f *fakeShell) Fetch(ctx context.Context, remotePath, localPath string) (int64, error) {
	if f.fetchErr != nil {
		return 0, f.fetchErr
	}
	if err := os.WriteFile(localPath, f.content, 0o600); err != nil {
		return 0, err
	}
	return int64(len(f.content)), nil
}

func (f *fakeShell) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func activeState() cloud.ResourceState {
	return cloud.ResourceState{
		ID:            "42",
		Name:          "dropguard",
		Status:        cloud.StatusActive,
		PublicAddress: "203.0.113.7",
	}
}

func requestedState() cloud.ResourceState {
	return cloud.ResourceState{ID: "42", Name: "dropguard", Status: cloud.StatusRequested}
}

func testSpec() cloud.ResourceSpec {
	return cloud.ResourceSpec{
		Name:     "dropguard",
		Region:   "fra1",
		Size:     "s-1vcpu-512mb-10gb",
		Image:    "debian-11-x64",
		SSHKeys:  []string{"12345678"},
		UserData: "#cloud-config\n",
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		CreateAttempts: 3,
		CreateBackoff:  time.Millisecond,
		Active:         StagePolicy{Interval: time.Millisecond, Ceiling: 500 * time.Millisecond},
		Reachable:      StagePolicy{Interval: time.Millisecond, Ceiling: 500 * time.Millisecond},
		Configured:     StagePolicy{Interval: time.Millisecond, Ceiling: 500 * time.Millisecond},
		ProbeCommand:   "tail -n 1 /var/log/cloud-init-output.log",
		ArtifactPath:   "/etc/wireguard/wg0-client.conf",
		OutputPath:     filepath.Join(t.TempDir(), "dropguard.conf"),
	}
}

func refusedDial() error {
	return &sshx.TransportError{
		Op:          "connect",
		Err:         fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED),
		IsTemporary: true,
	}
}

func TestRunHappyPath(t *testing.T) {
	content := []byte("[Interface]\nPrivateKey = abc\n")
	shell := &fakeShell{content: content}

	const requestedPolls = 3
	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) { return requestedState(), nil },
		getFn: func(call int) (cloud.ResourceState, error) {
			if call <= requestedPolls {
				return requestedState(), nil
			}
			return activeState(), nil
		},
	}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) { return shell, nil }}

	cfg := testConfig(t)
	o := New(client, dialer, cfg)

	result, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if client.getCalls != requestedPolls+1 {
		t.Errorf("expected exactly %d status polls, got %d", requestedPolls+1, client.getCalls)
	}
	if result.ResourceID != "42" {
		t.Errorf("expected resource id '42', got %q", result.ResourceID)
	}
	if result.Address != "203.0.113.7" {
		t.Errorf("expected the resource address, got %q", result.Address)
	}
	if result.ArtifactBytes != int64(len(content)) {
		t.Errorf("expected %d bytes, got %d", len(content), result.ArtifactBytes)
	}

	got, err := os.ReadFile(cfg.OutputPath)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("artifact content mismatch: got %q, want %q", got, content)
	}

	if shell.closes == 0 {
		t.Error("expected the shell session to be closed after the run")
	}
}

func TestCreateAuthErrorIsFatal(t *testing.T) {
	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) {
			return cloud.ResourceState{}, &cloud.APIError{Kind: cloud.KindAuth, Op: "create"}
		},
	}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) {
		t.Fatal("no shell connection attempt may happen after a fatal create failure")
		return nil, nil
	}}

	o := New(client, dialer, testConfig(t))
	_, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"})

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Kind != KindAuth || perr.Stage != StageRequesting {
		t.Errorf("expected auth failure at requesting, got %s at %s", perr.Kind, perr.Stage)
	}
	if perr.ResourceID != "" {
		t.Errorf("no resource was created, but failure names %q", perr.ResourceID)
	}
	if client.createCalls != 1 {
		t.Errorf("auth errors must not be retried, got %d attempts", client.createCalls)
	}
	if dialer.attempts != 0 {
		t.Errorf("expected zero shell attempts, got %d", dialer.attempts)
	}
}

func TestCreateQuotaErrorIsFatal(t *testing.T) {
	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) {
			return cloud.ResourceState{}, &cloud.APIError{Kind: cloud.KindQuota, Op: "create"}
		},
	}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) { return nil, nil }}

	o := New(client, dialer, testConfig(t))
	_, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"})

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Kind != KindQuota || perr.Stage != StageRequesting {
		t.Errorf("expected quota failure at requesting, got %s at %s", perr.Kind, perr.Stage)
	}
	if client.createCalls != 1 {
		t.Errorf("quota errors must not be retried, got %d attempts", client.createCalls)
	}
	if dialer.attempts != 0 {
		t.Errorf("expected zero shell attempts, got %d", dialer.attempts)
	}
}

func TestCreateRetriesTransientFailures(t *testing.T) {
	client := &fakeCloud{
		createFn: func(call int) (cloud.ResourceState, error) {
			if call < 3 {
				return cloud.ResourceState{}, &cloud.APIError{Kind: cloud.KindTransient, Op: "create", StatusCode: 503}
			}
			return activeState(), nil
		},
		getFn: func(int) (cloud.ResourceState, error) { return activeState(), nil },
	}
	shell := &fakeShell{content: []byte("conf")}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) { return shell, nil }}

	o := New(client, dialer, testConfig(t))
	if _, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if client.createCalls != 3 {
		t.Errorf("expected 3 create attempts, got %d", client.createCalls)
	}
}

func TestCreateTransientBudgetExhausted(t *testing.T) {
	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) {
			return cloud.ResourceState{}, &cloud.APIError{Kind: cloud.KindTransient, Op: "create", StatusCode: 503}
		},
	}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) { return nil, nil }}

	cfg := testConfig(t)
	o := New(client, dialer, cfg)
	_, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"})

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Kind != KindTransient || perr.Stage != StageRequesting {
		t.Errorf("expected transient failure at requesting, got %s at %s", perr.Kind, perr.Stage)
	}
	if uint(client.createCalls) != cfg.CreateAttempts {
		t.Errorf("expected %d create attempts, got %d", cfg.CreateAttempts, client.createCalls)
	}
}

func TestWaitActiveTimeoutSurfacesDanglingResource(t *testing.T) {
	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) { return requestedState(), nil },
		getFn:    func(int) (cloud.ResourceState, error) { return requestedState(), nil },
	}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) { return nil, nil }}

	cfg := testConfig(t)
	cfg.Active = StagePolicy{Interval: time.Millisecond, Ceiling: 20 * time.Millisecond}

	o := New(client, dialer, cfg)

	start := time.Now()
	_, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"})
	elapsed := time.Since(start)

	if !IsTimeout(err) {
		t.Fatalf("expected timeout classification, got %v", err)
	}
	var perr *Error
	errors.As(err, &perr)
	if perr.Stage != StageWaitingActive {
		t.Errorf("expected failure at waiting_active, got %s", perr.Stage)
	}

	id, ok := DanglingResource(err)
	if !ok || id != "42" {
		t.Errorf("expected dangling resource '42' in failure record, got %q (ok=%v)", id, ok)
	}

	// The stage must terminate within ceiling + one poll interval, with
	// some slack for the scheduler.
	if elapsed > cfg.Active.Ceiling+cfg.Active.Interval+200*time.Millisecond {
		t.Errorf("stage took %v, expected ceiling + one interval", elapsed)
	}
	if dialer.attempts != 0 {
		t.Errorf("expected zero shell attempts after timeout, got %d", dialer.attempts)
	}
}

func TestResourceErroredIsFatal(t *testing.T) {
	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) { return requestedState(), nil },
		getFn: func(int) (cloud.ResourceState, error) {
			return cloud.ResourceState{ID: "42", Status: cloud.StatusErrored}, nil
		},
	}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) { return nil, nil }}

	o := New(client, dialer, testConfig(t))
	_, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"})

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Kind != KindProvider || perr.Stage != StageWaitingActive {
		t.Errorf("expected provider failure at waiting_active, got %s at %s", perr.Kind, perr.Stage)
	}
	if dialer.attempts != 0 {
		t.Errorf("an errored resource must never see shell attempts, got %d", dialer.attempts)
	}
}

func TestWaitReachableRetriesRefusedConnections(t *testing.T) {
	const refusals = 4
	shell := &fakeShell{content: []byte("conf")}

	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) { return requestedState(), nil },
		getFn:    func(int) (cloud.ResourceState, error) { return activeState(), nil },
	}
	dialer := &fakeDialer{dialFn: func(attempt int) (sshx.Session, error) {
		if attempt <= refusals {
			return nil, refusedDial()
		}
		return shell, nil
	}}

	o := New(client, dialer, testConfig(t))
	if _, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dialer.attempts != refusals+1 {
		t.Errorf("expected exactly %d connection attempts, got %d", refusals+1, dialer.attempts)
	}
}

func TestWaitReachableTimeout(t *testing.T) {
	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) { return requestedState(), nil },
		getFn:    func(int) (cloud.ResourceState, error) { return activeState(), nil },
	}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) { return nil, refusedDial() }}

	cfg := testConfig(t)
	cfg.Reachable = StagePolicy{Interval: time.Millisecond, Ceiling: 20 * time.Millisecond}

	o := New(client, dialer, cfg)
	_, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"})

	if !IsTimeout(err) {
		t.Fatalf("expected timeout classification, got %v", err)
	}
	var perr *Error
	errors.As(err, &perr)
	if perr.Stage != StageWaitingReachable {
		t.Errorf("expected failure at waiting_reachable, got %s", perr.Stage)
	}
	if id, ok := DanglingResource(err); !ok || id != "42" {
		t.Errorf("expected dangling resource '42', got %q", id)
	}
}

func TestWaitReachableAuthRejectionIsFatal(t *testing.T) {
	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) { return requestedState(), nil },
		getFn:    func(int) (cloud.ResourceState, error) { return activeState(), nil },
	}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) {
		return nil, &sshx.TransportError{
			Op:          "connect",
			Err:         errors.New("ssh: unable to authenticate"),
			IsAuthError: true,
		}
	}}

	o := New(client, dialer, testConfig(t))
	_, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"})

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Kind != KindAuth || perr.Stage != StageWaitingReachable {
		t.Errorf("expected auth failure at waiting_reachable, got %s at %s", perr.Kind, perr.Stage)
	}
	if dialer.attempts != 1 {
		t.Errorf("auth rejection must not be retried, got %d attempts", dialer.attempts)
	}
}

func TestWaitConfiguredPollsUntilMarker(t *testing.T) {
	shell := &fakeShell{
		content: []byte("conf"),
		runFn: func(call int) (sshx.ExecResult, error) {
			switch {
			case call <= 2:
				// Log file does not exist yet.
				return sshx.ExecResult{ExitCode: 1, Stderr: "tail: cannot open"}, nil
			case call == 3:
				return sshx.ExecResult{Stdout: "Setting up wireguard (1.0.20210223-1) ..."}, nil
			default:
				return sshx.ExecResult{Stdout: finishedLine}, nil
			}
		},
	}

	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) { return requestedState(), nil },
		getFn:    func(int) (cloud.ResourceState, error) { return activeState(), nil },
	}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) { return shell, nil }}

	o := New(client, dialer, testConfig(t))
	if _, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if shell.runCalls != 4 {
		t.Errorf("expected 4 probe runs, got %d", shell.runCalls)
	}
}

func TestWaitConfiguredSessionDropIsFatal(t *testing.T) {
	shell := &fakeShell{
		runFn: func(int) (sshx.ExecResult, error) {
			return sshx.ExecResult{}, &sshx.TransportError{
				Op:          "execute",
				Err:         errors.New("connection lost"),
				IsTemporary: true,
			}
		},
	}

	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) { return requestedState(), nil },
		getFn:    func(int) (cloud.ResourceState, error) { return activeState(), nil },
	}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) { return shell, nil }}

	o := New(client, dialer, testConfig(t))
	_, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"})

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Kind != KindTransient || perr.Stage != StageWaitingConfigured {
		t.Errorf("expected transient failure at waiting_configured, got %s at %s", perr.Kind, perr.Stage)
	}
	if shell.runCalls != 1 {
		t.Errorf("a dropped session must not be re-probed, got %d runs", shell.runCalls)
	}
	if shell.closes == 0 {
		t.Error("expected the session to be closed on failure")
	}
}

func TestCancellationDuringWaitActive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) { return requestedState(), nil },
		getFn: func(call int) (cloud.ResourceState, error) {
			if call == 2 {
				cancel()
			}
			return requestedState(), nil
		},
	}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) { return nil, nil }}

	o := New(client, dialer, testConfig(t))
	_, err := o.Run(ctx, testSpec(), &sshx.Config{User: "root"})

	if !IsCancelled(err) {
		t.Fatalf("expected cancelled classification, got %v", err)
	}
	if IsTimeout(err) {
		t.Error("cancellation must not be classified as timeout")
	}
	if id, ok := DanglingResource(err); !ok || id != "42" {
		t.Errorf("expected dangling resource '42' in cancellation record, got %q", id)
	}
}

func TestCancellationBeforeRequesting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeCloud{createFn: func(int) (cloud.ResourceState, error) {
		t.Fatal("no create call may happen after cancellation")
		return cloud.ResourceState{}, nil
	}}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) { return nil, nil }}

	o := New(client, dialer, testConfig(t))
	_, err := o.Run(ctx, testSpec(), &sshx.Config{User: "root"})

	if !IsCancelled(err) {
		t.Fatalf("expected cancelled classification, got %v", err)
	}
	if _, ok := DanglingResource(err); ok {
		t.Error("no resource existed, failure record must not name one")
	}
}

func TestRetrieveMissingArtifactIsFatal(t *testing.T) {
	shell := &fakeShell{
		fetchErr: &sshx.TransportError{
			Op:         "fetch",
			Err:        errors.New("file does not exist"),
			IsNotFound: true,
		},
	}

	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) { return requestedState(), nil },
		getFn:    func(int) (cloud.ResourceState, error) { return activeState(), nil },
	}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) { return shell, nil }}

	cfg := testConfig(t)
	o := New(client, dialer, cfg)
	_, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"})

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Kind != KindNotFound || perr.Stage != StageRetrieving {
		t.Errorf("expected not_found failure at retrieving, got %s at %s", perr.Kind, perr.Stage)
	}
	if _, statErr := os.Stat(cfg.OutputPath); !os.IsNotExist(statErr) {
		t.Error("no file may be left at the destination after a failed retrieval")
	}
}

func TestRetrieveEmptyArtifactIsFatal(t *testing.T) {
	shell := &fakeShell{content: []byte{}}

	client := &fakeCloud{
		createFn: func(int) (cloud.ResourceState, error) { return requestedState(), nil },
		getFn:    func(int) (cloud.ResourceState, error) { return activeState(), nil },
	}
	dialer := &fakeDialer{dialFn: func(int) (sshx.Session, error) { return shell, nil }}

	cfg := testConfig(t)
	o := New(client, dialer, cfg)
	_, err := o.Run(context.Background(), testSpec(), &sshx.Config{User: "root"})

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Kind != KindIO || perr.Stage != StageRetrieving {
		t.Errorf("expected io failure at retrieving, got %s at %s", perr.Kind, perr.Stage)
	}
	if _, statErr := os.Stat(cfg.OutputPath); !os.IsNotExist(statErr) {
		t.Error("an empty artifact must not be left at the destination")
	}
}
