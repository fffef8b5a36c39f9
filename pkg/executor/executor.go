package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shaneisley/powernap/pkg/logging"
	"github.com/shaneisley/powernap/pkg/sshcmd"
)

// ActionKind names the side effect an ActionRequest asks for.
type ActionKind string

const (
	ActionWakePrimary     ActionKind = "wake-primary"
	ActionWakeExtra       ActionKind = "wake-extra"
	ActionShutdownPrimary ActionKind = "shutdown-primary"
	ActionShutdownExtra   ActionKind = "shutdown-extra"
	ActionExtendSchedule  ActionKind = "extend-schedule"
	ActionResetSchedule   ActionKind = "reset-schedule"
)

// Host is a resolved action target.
type Host struct {
	Name string
	// MAC is the hardware address magic packets are built from.
	MAC string
	// Addr is the host:port endpoint probed for reachability.
	Addr string
	// Shutdown describes how to bring the host down. Nil when the host
	// has no shutdown command configured.
	Shutdown *ShutdownCommand
}

// ShutdownCommand is the remote invocation that powers a host off.
type ShutdownCommand struct {
	Target  sshcmd.Target
	Command string
}

// Request is one validated action to perform.
type Request struct {
	Kind    ActionKind
	Targets []Host
	// Deadline is the new shutdown time for schedule actions.
	Deadline time.Time
}

// Outcome reports what an action did. ActionTaken distinguishes a real
// side effect from a short circuit; credits burn only on real effects.
type Outcome struct {
	Success     bool
	Detail      string
	ActionTaken bool
}

// WakeSender broadcasts a wake signal for a hardware address.
type WakeSender interface {
	Send(mac string) error
}

// RemoteCommander runs a command on a remote host.
type RemoteCommander interface {
	Run(ctx context.Context, target sshcmd.Target, command string) (int, string, error)
}

// Prober checks host reachability.
type Prober interface {
	Reachable(ctx context.Context, addr string) bool
	WaitReachable(ctx context.Context, addr string) bool
}

// ScheduleRewriter mirrors the shutdown deadline into the system scheduler.
type ScheduleRewriter interface {
	Apply(deadline time.Time) error
	Reset() error
}

// Executor performs action requests through the capability set. In dry-run
// mode no capability is invoked and every request reports success.
type Executor struct {
	Wake     WakeSender
	Remote   RemoteCommander
	Prober   Prober
	Rewriter ScheduleRewriter

	// ConfirmWake re-probes targets after a wake to report whether they
	// actually came up. Confirmation is informational; a host that stays
	// unreachable does not fail the wake.
	ConfirmWake bool
	DryRun      bool

	Logger *logging.Logger
}

// NewExecutor creates an executor over the given capabilities.
func NewExecutor(wake WakeSender, remote RemoteCommander, prober Prober, rewriter ScheduleRewriter, logger *logging.Logger) *Executor {
	return &Executor{
		Wake:     wake,
		Remote:   remote,
		Prober:   prober,
		Rewriter: rewriter,
		Logger:   logger,
	}
}

// Execute performs the side effects for one request.
func (e *Executor) Execute(ctx context.Context, req Request) Outcome {
	if e.DryRun {
		return Outcome{Success: true, Detail: "dry-run"}
	}

	switch req.Kind {
	case ActionWakePrimary, ActionWakeExtra:
		return e.executeWake(ctx, req)
	case ActionShutdownPrimary, ActionShutdownExtra:
		return e.executeShutdown(ctx, req)
	case ActionExtendSchedule:
		return e.executeExtend(req)
	case ActionResetSchedule:
		return e.executeReset()
	default:
		return Outcome{Success: false, Detail: fmt.Sprintf("unknown action kind %q", req.Kind)}
	}
}

func (e *Executor) executeWake(ctx context.Context, req Request) Outcome {
	var details []string
	fired := false
	failed := false

	for _, target := range req.Targets {
		if target.Addr != "" && e.Prober.Reachable(ctx, target.Addr) {
			details = append(details, fmt.Sprintf("%s: already running", target.Name))
			continue
		}

		if err := e.Wake.Send(target.MAC); err != nil {
			failed = true
			details = append(details, fmt.Sprintf("%s: wake failed: %v", target.Name, err))
			e.Logger.LogCapabilityError("wake", err, "host", target.Name)
			continue
		}
		fired = true

		if e.ConfirmWake && target.Addr != "" {
			if e.Prober.WaitReachable(ctx, target.Addr) {
				details = append(details, fmt.Sprintf("%s: woken, reachable", target.Name))
			} else {
				details = append(details, fmt.Sprintf("%s: packet sent, not yet reachable", target.Name))
			}
		} else {
			details = append(details, fmt.Sprintf("%s: packet sent", target.Name))
		}
	}

	return Outcome{
		Success:     !failed,
		Detail:      strings.Join(details, "; "),
		ActionTaken: fired,
	}
}

func (e *Executor) executeShutdown(ctx context.Context, req Request) Outcome {
	var details []string
	fired := false
	failed := false

	for _, target := range req.Targets {
		if target.Shutdown == nil {
			failed = true
			details = append(details, fmt.Sprintf("%s: no shutdown command configured", target.Name))
			continue
		}
		if target.Addr != "" && !e.Prober.Reachable(ctx, target.Addr) {
			details = append(details, fmt.Sprintf("%s: already down", target.Name))
			continue
		}

		exitCode, output, err := e.Remote.Run(ctx, target.Shutdown.Target, target.Shutdown.Command)
		if err != nil {
			failed = true
			details = append(details, fmt.Sprintf("%s: shutdown failed: %v", target.Name, err))
			e.Logger.LogCapabilityError("shutdown", err, "host", target.Name)
			continue
		}
		fired = true
		if exitCode != 0 {
			failed = true
			details = append(details, fmt.Sprintf("%s: shutdown command exited %d", target.Name, exitCode))
			e.Logger.Warn("shutdown command returned non-zero",
				"host", target.Name, "exit_code", exitCode, "output", strings.TrimSpace(output))
			continue
		}
		details = append(details, fmt.Sprintf("%s: shutdown command sent", target.Name))
	}

	return Outcome{
		Success:     !failed,
		Detail:      strings.Join(details, "; "),
		ActionTaken: fired,
	}
}

func (e *Executor) executeExtend(req Request) Outcome {
	if e.Rewriter == nil {
		return Outcome{Success: true, Detail: "schedule mirror not configured", ActionTaken: true}
	}
	if err := e.Rewriter.Apply(req.Deadline); err != nil {
		e.Logger.LogCapabilityError("schedule-rewrite", err)
		return Outcome{Success: false, Detail: fmt.Sprintf("schedule rewrite failed: %v", err)}
	}
	return Outcome{
		Success:     true,
		Detail:      fmt.Sprintf("shutdown rescheduled to %s", req.Deadline.Format("15:04")),
		ActionTaken: true,
	}
}

func (e *Executor) executeReset() Outcome {
	if e.Rewriter == nil {
		return Outcome{Success: true, Detail: "schedule mirror not configured", ActionTaken: true}
	}
	if err := e.Rewriter.Reset(); err != nil {
		e.Logger.LogCapabilityError("schedule-rewrite", err)
		return Outcome{Success: false, Detail: fmt.Sprintf("schedule reset failed: %v", err)}
	}
	return Outcome{Success: true, Detail: "schedule restored to default", ActionTaken: true}
}
