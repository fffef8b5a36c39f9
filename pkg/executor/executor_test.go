package executor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaneisley/powernap/pkg/logging"
	"github.com/shaneisley/powernap/pkg/sshcmd"
)

// FakeWakeSender records broadcast attempts
type FakeWakeSender struct {
	CallCount int
	MACs      []string
	Err       error
}

func (f *FakeWakeSender) Send(mac string) error {
	f.CallCount++
	f.MACs = append(f.MACs, mac)
	return f.Err
}

// FakeRemoteCommander records remote invocations
type FakeRemoteCommander struct {
	CallCount int
	Commands  []string
	ExitCode  int
	Output    string
	Err       error
}

func (f *FakeRemoteCommander) Run(ctx context.Context, target sshcmd.Target, command string) (int, string, error) {
	f.CallCount++
	f.Commands = append(f.Commands, command)
	return f.ExitCode, f.Output, f.Err
}

// FakeProber returns canned reachability answers
type FakeProber struct {
	ReachableResult bool
	WaitResult      bool
	ReachableCalls  int
	WaitCalls       int
}

func (f *FakeProber) Reachable(ctx context.Context, addr string) bool {
	f.ReachableCalls++
	return f.ReachableResult
}

func (f *FakeProber) WaitReachable(ctx context.Context, addr string) bool {
	f.WaitCalls++
	return f.WaitResult
}

// FakeRewriter records schedule mirror calls
type FakeRewriter struct {
	ApplyCalls   int
	ResetCalls   int
	LastDeadline time.Time
	Err          error
}

func (f *FakeRewriter) Apply(deadline time.Time) error {
	f.ApplyCalls++
	f.LastDeadline = deadline
	return f.Err
}

func (f *FakeRewriter) Reset() error {
	f.ResetCalls++
	return f.Err
}

func testExecutor(wake *FakeWakeSender, remote *FakeRemoteCommander, prober *FakeProber, rewriter ScheduleRewriter) *Executor {
	logger := logging.NewLoggerWithWriter(io.Discard, "executor", logging.LogLevelError)
	return NewExecutor(wake, remote, prober, rewriter, logger)
}

func primaryHost() Host {
	return Host{
		Name: "nas",
		MAC:  "aa:bb:cc:dd:ee:ff",
		Addr: "192.168.1.10:22",
		Shutdown: &ShutdownCommand{
			Target:  sshcmd.Target{Host: "192.168.1.10", User: "root", Password: "secret"},
			Command: "poweroff",
		},
	}
}

func TestExecutor_DryRunInvokesNoCapabilities(t *testing.T) {
	// Given an executor in dry-run mode
	wake := &FakeWakeSender{}
	remote := &FakeRemoteCommander{}
	prober := &FakeProber{ReachableResult: true}
	rewriter := &FakeRewriter{}
	exec := testExecutor(wake, remote, prober, rewriter)
	exec.DryRun = true

	// When every action kind is executed
	kinds := []ActionKind{
		ActionWakePrimary, ActionWakeExtra,
		ActionShutdownPrimary, ActionShutdownExtra,
		ActionExtendSchedule, ActionResetSchedule,
	}
	for _, kind := range kinds {
		outcome := exec.Execute(context.Background(), Request{Kind: kind, Targets: []Host{primaryHost()}})

		// Then each reports dry-run success without a real side effect
		assert.True(t, outcome.Success, "kind %s", kind)
		assert.Equal(t, "dry-run", outcome.Detail, "kind %s", kind)
		assert.False(t, outcome.ActionTaken, "kind %s", kind)
	}
	assert.Zero(t, wake.CallCount)
	assert.Zero(t, remote.CallCount)
	assert.Zero(t, prober.ReachableCalls)
	assert.Zero(t, rewriter.ApplyCalls)
	assert.Zero(t, rewriter.ResetCalls)
}

func TestExecutor_WakeSendsMagicPacket(t *testing.T) {
	// Given a host that is currently down
	wake := &FakeWakeSender{}
	prober := &FakeProber{ReachableResult: false}
	exec := testExecutor(wake, &FakeRemoteCommander{}, prober, nil)

	// When the wake action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionWakePrimary, Targets: []Host{primaryHost()}})

	// Then a packet is broadcast for the host's MAC
	assert.True(t, outcome.Success)
	assert.True(t, outcome.ActionTaken)
	require.Len(t, wake.MACs, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", wake.MACs[0])
	assert.Contains(t, outcome.Detail, "packet sent")
}

func TestExecutor_WakeSkipsReachableHost(t *testing.T) {
	// Given a host that already answers its probe
	wake := &FakeWakeSender{}
	prober := &FakeProber{ReachableResult: true}
	exec := testExecutor(wake, &FakeRemoteCommander{}, prober, nil)

	// When the wake action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionWakePrimary, Targets: []Host{primaryHost()}})

	// Then no packet is sent and no action is recorded
	assert.True(t, outcome.Success)
	assert.False(t, outcome.ActionTaken)
	assert.Zero(t, wake.CallCount)
	assert.Contains(t, outcome.Detail, "already running")
}

func TestExecutor_WakeWithoutProbeAddrAlwaysSends(t *testing.T) {
	// Given a host with no probe endpoint
	wake := &FakeWakeSender{}
	prober := &FakeProber{ReachableResult: true}
	exec := testExecutor(wake, &FakeRemoteCommander{}, prober, nil)
	host := Host{Name: "beamer", MAC: "11:22:33:44:55:66"}

	// When the wake action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionWakeExtra, Targets: []Host{host}})

	// Then the packet goes out unconditionally
	assert.True(t, outcome.ActionTaken)
	assert.Equal(t, 1, wake.CallCount)
	assert.Zero(t, prober.ReachableCalls)
	assert.True(t, outcome.Success)
}

func TestExecutor_WakeFailureReported(t *testing.T) {
	// Given a broken broadcast socket
	wake := &FakeWakeSender{Err: errors.New("network is unreachable")}
	prober := &FakeProber{ReachableResult: false}
	exec := testExecutor(wake, &FakeRemoteCommander{}, prober, nil)

	// When the wake action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionWakePrimary, Targets: []Host{primaryHost()}})

	// Then the outcome carries the failure and no action is claimed
	assert.False(t, outcome.Success)
	assert.False(t, outcome.ActionTaken)
	assert.Contains(t, outcome.Detail, "wake failed")
}

func TestExecutor_ConfirmWakeNeverFailsTheWake(t *testing.T) {
	// Given wake confirmation enabled and a host that stays silent
	wake := &FakeWakeSender{}
	prober := &FakeProber{ReachableResult: false, WaitResult: false}
	exec := testExecutor(wake, &FakeRemoteCommander{}, prober, nil)
	exec.ConfirmWake = true

	// When the wake action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionWakePrimary, Targets: []Host{primaryHost()}})

	// Then the wake still succeeds; confirmation is informational
	assert.True(t, outcome.Success)
	assert.True(t, outcome.ActionTaken)
	assert.Equal(t, 1, prober.WaitCalls)
	assert.Contains(t, outcome.Detail, "not yet reachable")
}

func TestExecutor_ConfirmWakeReportsReachable(t *testing.T) {
	// Given wake confirmation enabled and a host that comes up
	wake := &FakeWakeSender{}
	prober := &FakeProber{ReachableResult: false, WaitResult: true}
	exec := testExecutor(wake, &FakeRemoteCommander{}, prober, nil)
	exec.ConfirmWake = true

	// When the wake action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionWakePrimary, Targets: []Host{primaryHost()}})

	// Then the detail confirms the host answered
	assert.True(t, outcome.Success)
	assert.Contains(t, outcome.Detail, "woken, reachable")
}

func TestExecutor_ShutdownRunsRemoteCommand(t *testing.T) {
	// Given a reachable host with a shutdown command
	remote := &FakeRemoteCommander{ExitCode: 0}
	prober := &FakeProber{ReachableResult: true}
	exec := testExecutor(&FakeWakeSender{}, remote, prober, nil)

	// When the shutdown action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionShutdownPrimary, Targets: []Host{primaryHost()}})

	// Then the configured command is executed remotely
	assert.True(t, outcome.Success)
	assert.True(t, outcome.ActionTaken)
	require.Len(t, remote.Commands, 1)
	assert.Equal(t, "poweroff", remote.Commands[0])
	assert.Contains(t, outcome.Detail, "shutdown command sent")
}

func TestExecutor_ShutdownSkipsUnreachableHost(t *testing.T) {
	// Given a host that is already off
	remote := &FakeRemoteCommander{}
	prober := &FakeProber{ReachableResult: false}
	exec := testExecutor(&FakeWakeSender{}, remote, prober, nil)

	// When the shutdown action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionShutdownPrimary, Targets: []Host{primaryHost()}})

	// Then nothing is executed and no action is recorded
	assert.True(t, outcome.Success)
	assert.False(t, outcome.ActionTaken)
	assert.Zero(t, remote.CallCount)
	assert.Contains(t, outcome.Detail, "already down")
}

func TestExecutor_ShutdownWithoutCommandFails(t *testing.T) {
	// Given a host with no shutdown command configured
	remote := &FakeRemoteCommander{}
	prober := &FakeProber{ReachableResult: true}
	exec := testExecutor(&FakeWakeSender{}, remote, prober, nil)
	host := primaryHost()
	host.Shutdown = nil

	// When the shutdown action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionShutdownPrimary, Targets: []Host{host}})

	// Then the outcome reports the gap without touching the network
	assert.False(t, outcome.Success)
	assert.False(t, outcome.ActionTaken)
	assert.Zero(t, remote.CallCount)
	assert.Contains(t, outcome.Detail, "no shutdown command configured")
}

func TestExecutor_ShutdownNonZeroExitFails(t *testing.T) {
	// Given a shutdown command that exits with an error
	remote := &FakeRemoteCommander{ExitCode: 1, Output: "permission denied"}
	prober := &FakeProber{ReachableResult: true}
	exec := testExecutor(&FakeWakeSender{}, remote, prober, nil)

	// When the shutdown action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionShutdownPrimary, Targets: []Host{primaryHost()}})

	// Then the command counts as attempted but the outcome fails
	assert.False(t, outcome.Success)
	assert.True(t, outcome.ActionTaken)
	assert.Contains(t, outcome.Detail, "exited 1")
}

func TestExecutor_ShutdownTransportErrorFails(t *testing.T) {
	// Given an unreachable SSH endpoint
	remote := &FakeRemoteCommander{Err: errors.New("connection refused")}
	prober := &FakeProber{ReachableResult: true}
	exec := testExecutor(&FakeWakeSender{}, remote, prober, nil)

	// When the shutdown action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionShutdownPrimary, Targets: []Host{primaryHost()}})

	// Then the failure shows up without claiming an action
	assert.False(t, outcome.Success)
	assert.False(t, outcome.ActionTaken)
	assert.Contains(t, outcome.Detail, "shutdown failed")
}

func TestExecutor_MixedTargetsAggregateDetails(t *testing.T) {
	// Given one host already running and one that needs waking
	wake := &FakeWakeSender{}
	prober := &FakeProber{ReachableResult: false}
	exec := testExecutor(wake, &FakeRemoteCommander{}, prober, nil)
	up := primaryHost()
	down := Host{Name: "beamer", MAC: "11:22:33:44:55:66"}

	// When both are woken in one request
	outcome := exec.Execute(context.Background(), Request{Kind: ActionWakeExtra, Targets: []Host{up, down}})

	// Then the detail reports each host by name
	assert.True(t, outcome.Success)
	assert.Contains(t, outcome.Detail, "nas:")
	assert.Contains(t, outcome.Detail, "beamer:")
	assert.Contains(t, outcome.Detail, "; ")
}

func TestExecutor_ExtendAppliesDeadlineToRewriter(t *testing.T) {
	// Given a schedule mirror
	rewriter := &FakeRewriter{}
	exec := testExecutor(&FakeWakeSender{}, &FakeRemoteCommander{}, &FakeProber{}, rewriter)
	deadline := time.Date(2026, 8, 19, 23, 30, 0, 0, time.UTC)

	// When the extend action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionExtendSchedule, Deadline: deadline})

	// Then the new deadline reaches the mirror
	assert.True(t, outcome.Success)
	assert.True(t, outcome.ActionTaken)
	assert.Equal(t, 1, rewriter.ApplyCalls)
	assert.Equal(t, deadline, rewriter.LastDeadline)
	assert.Contains(t, outcome.Detail, "23:30")
}

func TestExecutor_ExtendWithoutRewriterSucceeds(t *testing.T) {
	// Given no schedule mirror configured
	exec := testExecutor(&FakeWakeSender{}, &FakeRemoteCommander{}, &FakeProber{}, nil)

	// When the extend action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionExtendSchedule, Deadline: time.Now()})

	// Then the state deadline still counts as extended
	assert.True(t, outcome.Success)
	assert.True(t, outcome.ActionTaken)
	assert.Contains(t, outcome.Detail, "not configured")
}

func TestExecutor_ExtendRewriteFailure(t *testing.T) {
	// Given a mirror that cannot be written
	rewriter := &FakeRewriter{Err: errors.New("read-only file system")}
	exec := testExecutor(&FakeWakeSender{}, &FakeRemoteCommander{}, &FakeProber{}, rewriter)

	// When the extend action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionExtendSchedule, Deadline: time.Now()})

	// Then the failure propagates so no credit is burned upstream
	assert.False(t, outcome.Success)
	assert.False(t, outcome.ActionTaken)
	assert.Contains(t, outcome.Detail, "schedule rewrite failed")
}

func TestExecutor_ResetRestoresDefaultSchedule(t *testing.T) {
	// Given a schedule mirror
	rewriter := &FakeRewriter{}
	exec := testExecutor(&FakeWakeSender{}, &FakeRemoteCommander{}, &FakeProber{}, rewriter)

	// When the reset action runs
	outcome := exec.Execute(context.Background(), Request{Kind: ActionResetSchedule})

	// Then the mirror is restored to its default line
	assert.True(t, outcome.Success)
	assert.Equal(t, 1, rewriter.ResetCalls)
	assert.Contains(t, outcome.Detail, "restored to default")
}

func TestExecutor_UnknownActionKindFails(t *testing.T) {
	// Given a request with a bogus kind
	exec := testExecutor(&FakeWakeSender{}, &FakeRemoteCommander{}, &FakeProber{}, nil)

	// When it is executed
	outcome := exec.Execute(context.Background(), Request{Kind: ActionKind("reboot-the-moon")})

	// Then the executor refuses it
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Detail, "unknown action kind")
}
