package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaneisley/powernap/pkg/audit"
	"github.com/shaneisley/powernap/pkg/config"
	"github.com/shaneisley/powernap/pkg/executor"
	"github.com/shaneisley/powernap/pkg/logging"
	"github.com/shaneisley/powernap/pkg/notify"
	"github.com/shaneisley/powernap/pkg/policy"
	"github.com/shaneisley/powernap/pkg/state"
)

// Replier sends an outcome notice back to the address that triggered an
// action.
type Replier interface {
	Reply(ctx context.Context, to, subject, body string) error
}

// Notifier pushes a notification to the operator.
type Notifier interface {
	Send(ctx context.Context, msg notify.Message) error
}

// Deps carries everything a processor needs. Replier and Notifier are
// optional; a nil value disables that channel.
type Deps struct {
	Config     *config.Config
	Classifier *policy.Classifier
	Store      *state.Store
	Executor   *executor.Executor
	Audit      *audit.Log
	Replier    Replier
	Notifier   Notifier
	Logger     *logging.Logger
	Primary    executor.Host
	Extras     []executor.Host
	Now        func() time.Time
}

// Processor drives one trigger at a time through classification,
// authorization, quota, execution, and auditing. All state access happens
// under the store lock; the lock is held for the whole of a single
// trigger and released before the processor returns.
type Processor struct {
	cfg        *config.Config
	classifier *policy.Classifier
	store      *state.Store
	exec       *executor.Executor
	auditLog   *audit.Log
	replier    Replier
	notifier   Notifier
	logger     *logging.Logger
	primary    executor.Host
	extras     []executor.Host
	now        func() time.Time
}

// NewProcessor creates a processor from its dependencies.
func NewProcessor(deps Deps) *Processor {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewLogger("processor", logging.LogLevelInfo)
	}
	return &Processor{
		cfg:        deps.Config,
		classifier: deps.Classifier,
		store:      deps.Store,
		exec:       deps.Executor,
		auditLog:   deps.Audit,
		replier:    deps.Replier,
		notifier:   deps.Notifier,
		logger:     logger,
		primary:    deps.Primary,
		extras:     deps.Extras,
		now:        now,
	}
}

// Process consumes one trigger end to end and returns the audit entry
// recorded for it. Policy rejections and capability failures are absorbed
// into the entry; the returned error is reserved for faults that must stop
// the invocation, like unreadable state or a failed audit write.
func (p *Processor) Process(ctx context.Context, trig Trigger) (audit.Entry, error) {
	entry, err := p.handle(ctx, trig)
	entry.Trigger = trig.Summary()
	entry.DryRun = p.cfg.DryRun
	if entry.Timestamp.IsZero() {
		entry.Timestamp = p.now()
	}

	if auditErr := p.auditLog.Append(entry); auditErr != nil {
		if err == nil {
			err = fmt.Errorf("failed to write audit entry: %w", auditErr)
		}
	}
	return entry, err
}

func (p *Processor) handle(ctx context.Context, trig Trigger) (audit.Entry, error) {
	release, err := p.store.Acquire(ctx)
	if err != nil {
		if errors.Is(err, state.ErrLockTimeout) {
			// Another invocation holds the state. Fail closed rather than
			// act on numbers that may be stale.
			p.logger.Warn("state is locked by another invocation, failing closed",
				"timeout", p.cfg.State.LockTimeout)
			return audit.Entry{Decision: audit.DecisionError, Reason: "state lock timeout"}, nil
		}
		return audit.Entry{Decision: audit.DecisionError, Reason: "state lock failed"}, err
	}
	defer release()

	st, err := p.store.Load()
	if err != nil {
		return audit.Entry{Decision: audit.DecisionError, Reason: "state unreadable"}, err
	}

	ledger := state.NewLedger(st, p.classifier.WeeklyGrants(), p.cfg.WeekStartDay(), p.now)
	defaultHour, defaultMinute := p.cfg.Schedule.DefaultClock()
	window := state.NewWindow(st, defaultHour, defaultMinute, p.cfg.Extension.Default, p.cfg.Extension.Max, p.now)

	if ledger.ResetIfNewWeek() {
		p.logger.Info("weekly credits reset", "week", st.LastResetWeek)
	}

	var entry audit.Entry
	switch t := trig.(type) {
	case TimerTick:
		entry = p.handleTick(ctx, t, window)
	case InboundMessage:
		entry = p.handleMessage(ctx, t, ledger, window)
	default:
		return audit.Entry{Decision: audit.DecisionError, Reason: "unknown trigger"},
			fmt.Errorf("unknown trigger type %T", trig)
	}

	if !p.cfg.DryRun {
		if err := p.store.Save(st); err != nil {
			return entry, fmt.Errorf("failed to persist state: %w", err)
		}
	}
	return entry, nil
}

func (p *Processor) handleTick(ctx context.Context, tick TimerTick, window *state.Window) audit.Entry {
	if !p.cfg.Enabled {
		p.logger.Info("automation disabled, ignoring timer", "tick", string(tick.Kind))
		return audit.Entry{Decision: audit.DecisionRejected, Reason: "disabled"}
	}

	var outcome executor.Outcome
	switch tick.Kind {
	case TickWake:
		outcome = p.exec.Execute(ctx, executor.Request{
			Kind:    executor.ActionWakePrimary,
			Targets: []executor.Host{p.primary},
		})
		if len(p.extras) > 0 {
			outcome = mergeOutcomes(outcome, p.exec.Execute(ctx, executor.Request{
				Kind:    executor.ActionWakeExtra,
				Targets: p.extras,
			}))
		}
		p.notifyAction(ctx, outcome, "Wake (timer)")

	case TickShutdown:
		outcome = p.exec.Execute(ctx, executor.Request{
			Kind:    executor.ActionShutdownPrimary,
			Targets: []executor.Host{p.primary},
		})
		if len(p.extras) > 0 {
			outcome = mergeOutcomes(outcome, p.exec.Execute(ctx, executor.Request{
				Kind:    executor.ActionShutdownExtra,
				Targets: p.extras,
			}))
		}
		// The cycle is over; the next deadline is the daily default again.
		outcome = mergeOutcomes(outcome, p.exec.Execute(ctx, executor.Request{
			Kind: executor.ActionResetSchedule,
		}))
		window.Reset()
		p.notifyAction(ctx, outcome, "Shutdown (timer)")

	default:
		return audit.Entry{Decision: audit.DecisionError, Reason: fmt.Sprintf("unknown tick kind %q", tick.Kind)}
	}

	return audit.Entry{
		Decision: audit.DecisionAccepted,
		Reason:   "scheduled",
		Outcome:  outcome.Detail,
	}
}

func (p *Processor) handleMessage(ctx context.Context, msg InboundMessage, ledger *state.Ledger, window *state.Window) audit.Entry {
	intent := p.classifier.Classify(msg.Subject, msg.Body)
	if intent == policy.IntentNone {
		return audit.Entry{Decision: audit.DecisionRejected, Reason: "no keyword match"}
	}
	if !p.classifier.Authorize(intent, msg.Sender) {
		p.logger.Warn("unauthorized sender", "sender", msg.Sender, "intent", string(intent))
		return audit.Entry{Decision: audit.DecisionRejected, Reason: "unauthorized sender"}
	}
	if !p.cfg.Enabled {
		p.reply(ctx, msg, "automation is switched off, nothing was done")
		return audit.Entry{Decision: audit.DecisionRejected, Reason: "disabled"}
	}
	if policy.QuotaApplies(intent) && ledger.Remaining(msg.Sender) <= 0 {
		p.reply(ctx, msg, fmt.Sprintf("your weekly credits are used up (%d of %d)",
			ledger.Consumed(msg.Sender), ledger.Grant(msg.Sender)))
		return audit.Entry{Decision: audit.DecisionRejected, Reason: "quota exhausted"}
	}

	var outcome executor.Outcome
	var replyBody string
	switch intent {
	case policy.IntentPowerOn:
		outcome = p.exec.Execute(ctx, executor.Request{
			Kind:    executor.ActionWakePrimary,
			Targets: []executor.Host{p.primary},
		})
		replyBody = p.wakeReply(outcome)
		p.notifyAction(ctx, outcome, fmt.Sprintf("Power on by %s", msg.Sender))

	case policy.IntentPowerOff:
		outcome = p.exec.Execute(ctx, executor.Request{
			Kind:    executor.ActionShutdownPrimary,
			Targets: []executor.Host{p.primary},
		})
		replyBody = p.shutdownReply(outcome)
		p.notifyAction(ctx, outcome, fmt.Sprintf("Power off by %s", msg.Sender))

	case policy.IntentExtend:
		deadline := window.PlanExtension(0)
		outcome = p.exec.Execute(ctx, executor.Request{
			Kind:     executor.ActionExtendSchedule,
			Deadline: deadline,
		})
		if outcome.Success {
			window.Commit(deadline)
			replyBody = fmt.Sprintf("%s stays on until %s", p.primary.Name, deadline.Format("15:04"))
		} else {
			replyBody = "the shutdown schedule could not be adjusted"
		}
		p.notifyAction(ctx, outcome, fmt.Sprintf("Extension by %s", msg.Sender))
	}

	if policy.QuotaApplies(intent) && outcome.Success && outcome.ActionTaken {
		ledger.Consume(msg.Sender)
		replyBody = fmt.Sprintf("%s, %d credits left this week", replyBody, ledger.Remaining(msg.Sender))
	}

	p.reply(ctx, msg, replyBody)
	return audit.Entry{
		Decision: audit.DecisionAccepted,
		Reason:   "authorized",
		Outcome:  outcome.Detail,
	}
}

func (p *Processor) wakeReply(outcome executor.Outcome) string {
	switch {
	case outcome.ActionTaken:
		return fmt.Sprintf("%s is being woken, give it a minute", p.primary.Name)
	case outcome.Success:
		return fmt.Sprintf("%s is already awake", p.primary.Name)
	default:
		return fmt.Sprintf("could not wake %s", p.primary.Name)
	}
}

func (p *Processor) shutdownReply(outcome executor.Outcome) string {
	switch {
	case outcome.ActionTaken && outcome.Success:
		return fmt.Sprintf("%s is shutting down", p.primary.Name)
	case outcome.Success:
		return fmt.Sprintf("%s is already off", p.primary.Name)
	default:
		return fmt.Sprintf("could not shut down %s", p.primary.Name)
	}
}

// reply sends an outcome notice to the trigger sender. Best effort, and
// suppressed entirely in dry-run mode.
func (p *Processor) reply(ctx context.Context, msg InboundMessage, body string) {
	if p.replier == nil || msg.Sender == "" || body == "" {
		return
	}
	if p.cfg.DryRun {
		p.logger.Info("dry-run: reply suppressed", "to", msg.Sender, "body", body)
		return
	}
	subject := "Re: " + msg.Subject
	if err := p.replier.Reply(ctx, msg.Sender, subject, body); err != nil {
		p.logger.Warn("reply failed", "to", msg.Sender, "error", err)
	}
}

// notifyAction pushes an operator notification when an action actually
// fired. Best effort, and suppressed entirely in dry-run mode.
func (p *Processor) notifyAction(ctx context.Context, outcome executor.Outcome, title string) {
	if p.notifier == nil || !outcome.ActionTaken {
		return
	}
	if p.cfg.DryRun {
		p.logger.Info("dry-run: notification suppressed", "title", title)
		return
	}
	err := p.notifier.Send(ctx, notify.Message{Title: title, Text: outcome.Detail})
	if err != nil {
		p.logger.Warn("notification failed", "title", title, "error", err)
	}
}

func mergeOutcomes(a, b executor.Outcome) executor.Outcome {
	detail := a.Detail
	if b.Detail != "" {
		if detail != "" {
			detail += "; "
		}
		detail += b.Detail
	}
	return executor.Outcome{
		Success:     a.Success && b.Success,
		Detail:      detail,
		ActionTaken: a.ActionTaken || b.ActionTaken,
	}
}

// MailMarker reads the stored mailbox marker under the state lock.
func (p *Processor) MailMarker(ctx context.Context) (string, error) {
	release, err := p.store.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	st, err := p.store.Load()
	if err != nil {
		return "", err
	}
	return st.MailMarker, nil
}

// UpdateMailMarker persists the mailbox marker after a poll has been fully
// handled. A no-op in dry-run mode.
func (p *Processor) UpdateMailMarker(ctx context.Context, marker string) error {
	if p.cfg.DryRun {
		return nil
	}
	release, err := p.store.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	st, err := p.store.Load()
	if err != nil {
		return err
	}
	if st.MailMarker == marker {
		return nil
	}
	st.MailMarker = marker
	return p.store.Save(st)
}

// CreditStatus is one principal's ledger line.
type CreditStatus struct {
	Principal string
	Consumed  int
	Grant     int
}

// Status is a read-only snapshot of the engine state.
type Status struct {
	Enabled       bool
	DryRun        bool
	Deadline      time.Time
	Overridden    bool
	CurrentWeek   string
	LastResetWeek string
	Credits       []CreditStatus
	MailMarker    string
}

// Status reads the persisted state under the lock without modifying it.
func (p *Processor) Status(ctx context.Context) (*Status, error) {
	release, err := p.store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := p.store.Load()
	if err != nil {
		return nil, err
	}

	ledger := state.NewLedger(st, p.classifier.WeeklyGrants(), p.cfg.WeekStartDay(), p.now)
	defaultHour, defaultMinute := p.cfg.Schedule.DefaultClock()
	window := state.NewWindow(st, defaultHour, defaultMinute, p.cfg.Extension.Default, p.cfg.Extension.Max, p.now)

	status := &Status{
		Enabled:       p.cfg.Enabled,
		DryRun:        p.cfg.DryRun,
		Deadline:      window.Deadline(),
		Overridden:    window.Overridden(),
		CurrentWeek:   state.WeekID(p.now(), p.cfg.WeekStartDay()),
		LastResetWeek: st.LastResetWeek,
		MailMarker:    st.MailMarker,
	}
	for _, principal := range ledger.Principals() {
		status.Credits = append(status.Credits, CreditStatus{
			Principal: principal,
			Consumed:  ledger.Consumed(principal),
			Grant:     ledger.Grant(principal),
		})
	}
	return status, nil
}
