package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaneisley/powernap/pkg/audit"
	"github.com/shaneisley/powernap/pkg/backoff"
	"github.com/shaneisley/powernap/pkg/config"
	"github.com/shaneisley/powernap/pkg/cron"
	"github.com/shaneisley/powernap/pkg/executor"
	"github.com/shaneisley/powernap/pkg/logging"
	"github.com/shaneisley/powernap/pkg/mailbox"
	"github.com/shaneisley/powernap/pkg/notify"
	"github.com/shaneisley/powernap/pkg/policy"
	"github.com/shaneisley/powernap/pkg/probe"
	"github.com/shaneisley/powernap/pkg/sshcmd"
	"github.com/shaneisley/powernap/pkg/state"
	"github.com/shaneisley/powernap/pkg/trigger"
	"github.com/shaneisley/powernap/pkg/ui"
	"github.com/shaneisley/powernap/pkg/wol"
)

var (
	flagConfig  config.Config
	configFile  string
	debugConfig bool
	quiet       bool
)

var rootCmd = &cobra.Command{
	Use:   "powernap <command>",
	Short: "Keep an always-off fleet awake exactly as long as someone needs it",
	Long: `powernap powers a home-lab fleet up and down on a schedule, with
mail-triggered overrides guarded by sender allowlists and weekly credits.

Each invocation processes one trigger: a scheduled wake or shutdown tick
(run it from cron), or a mailbox poll that turns trigger mails into wake,
shutdown, and extension actions. Every trigger leaves one line in the
audit log, whether it was accepted or not.

Configuration precedence (highest to lowest):
1. CLI flags
2. Environment variables (POWERNAP_*)
3. Configuration file
4. Default values

Configuration is loaded from a TOML file. The tool looks for configuration
files in the following order:
1. File specified by --config flag
2. .powernap.toml / powernap.toml in current directory
3. .powernap.toml / powernap.toml in home directory

Environment variables:
- POWERNAP_ENABLED: Master switch for all automation ("true" or "false")
- POWERNAP_DRY_RUN: Rehearse without side effects ("true" or "false")
- POWERNAP_VERBOSE: Debug logging ("true" or "false")
- POWERNAP_STATE_DIR: Directory holding state, lock, and audit files
- POWERNAP_MAIL_SERVER: IMAP/SMTP server for the trigger mailbox
- POWERNAP_MAIL_LOGIN: Mailbox account
- POWERNAP_MAIL_PASSWORD: Mailbox password
- POWERNAP_SSH_PASSWORD: Password for the primary host shutdown account
- POWERNAP_PUSHOVER_TOKEN: Pushover application token
- POWERNAP_PUSHOVER_USER_KEY: Pushover recipient key

EXAMPLES:
  # Morning wake from cron
  30 7 * * 1-5 powernap wake

  # Evening shutdown with a backstop hour
  30 23,2 * * * powernap shutdown

  # Poll the trigger mailbox every five minutes
  */5 * * * * powernap mail

  # Rehearse a shutdown without side effects
  powernap shutdown --dry-run

  # Inspect the deadline and credit ledger
  powernap status`,
	Args: cobra.NoArgs,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debugConfig, "debug-config", false, "Show configuration resolution debug information")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress progress output")

	// CLI flags (these will override config file and environment values)
	rootCmd.PersistentFlags().BoolVarP(&flagConfig.DryRun, "dry-run", "n", false, "Classify and authorize but perform no action")
	rootCmd.PersistentFlags().BoolVarP(&flagConfig.Verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().StringVar(&flagConfig.State.Dir, "state-dir", "", "Directory holding state, lock, and audit files")

	rootCmd.AddCommand(createWakeCommand())
	rootCmd.AddCommand(createShutdownCommand())
	rootCmd.AddCommand(createMailCommand())
	rootCmd.AddCommand(createStatusCommand())
	rootCmd.AddCommand(createVersionCommand())
}

// loadConfiguration loads configuration with full precedence support
func loadConfiguration(cmd *cobra.Command) (*config.Config, error) {
	// Determine config file to use
	var configPath string
	if configFile != "" {
		configPath = configFile
	} else {
		// Search for config file in standard locations
		cwd, _ := os.Getwd()
		if found := config.FindConfigFile(cwd); found != "" {
			configPath = found
		} else {
			if homeDir, err := os.UserHomeDir(); err == nil {
				if found := config.FindConfigFile(homeDir); found != "" {
					configPath = found
				}
			}
		}
	}

	// Create explicit flags map and flag config
	var effectiveFlagConfig *config.Config
	var explicitFields map[string]bool

	if hasAnyFlagsSet(cmd) {
		effectiveFlagConfig = &flagConfig
		explicitFields = make(map[string]bool)

		// Track which flags were explicitly set
		if cmd.Flags().Changed("dry-run") {
			explicitFields["dry_run"] = true
		}
		if cmd.Flags().Changed("verbose") {
			explicitFields["verbose"] = true
		}
		if cmd.Flags().Changed("state-dir") {
			explicitFields["state.dir"] = true
		}
	}

	finalConfig, debugInfo, err := config.LoadWithPrecedenceAndExplicitFlags(configPath, effectiveFlagConfig, explicitFields, debugConfig)
	if err != nil {
		return nil, err
	}

	if debugConfig && debugInfo != nil {
		debugInfo.PrintDebugInfo()
		fmt.Println()
	}

	return finalConfig, nil
}

// hasAnyFlagsSet checks if any CLI flags were set
func hasAnyFlagsSet(cmd *cobra.Command) bool {
	flagNames := []string{"dry-run", "verbose", "state-dir"}

	for _, flagName := range flagNames {
		if cmd.Flags().Changed(flagName) {
			return true
		}
	}
	return false
}

// buildProcessor wires a trigger processor from the configuration. The
// returned cleanup closes the audit log.
func buildProcessor(cfg *config.Config) (*trigger.Processor, func(), error) {
	logger := logging.NewLogger("powernap", logging.LevelFromVerbose(cfg.Verbose))

	store := state.NewStore(cfg.StateFile(), cfg.LockFile(), cfg.State.LockTimeout)

	auditLog, err := audit.Open(cfg.AuditFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	classifier := policy.NewClassifier(
		ruleFromIntent(cfg.Intents.Extend),
		ruleFromIntent(cfg.Intents.PowerOff),
		ruleFromIntent(cfg.Intents.PowerOn),
	)

	strategy := backoff.ForName(cfg.Probe.Backoff, cfg.Probe.Delay, cfg.Probe.Multiplier, cfg.Probe.MaxDelay)
	prober := probe.New(cfg.Probe.Timeout, cfg.Probe.Retries, strategy)

	var rewriter executor.ScheduleRewriter
	if cfg.Schedule.CronFile != "" {
		defaultHour, defaultMinute := cfg.Schedule.DefaultClock()
		backstopHour, _ := cfg.Schedule.LatestClock()
		rewriter = cron.NewRewriter(cfg.Schedule.CronFile, cfg.Schedule.CronJobMatch, defaultHour, defaultMinute, backstopHour)
	}

	exec := executor.NewExecutor(wol.NewSender(""), sshcmd.NewRunner(), prober, rewriter, logger.WithComponent("executor"))
	exec.ConfirmWake = cfg.Probe.ConfirmWake
	exec.DryRun = cfg.DryRun

	var replier trigger.Replier
	if cfg.Mail.Server != "" {
		from := cfg.Mail.Sender
		if from == "" {
			from = cfg.Mail.Login
		}
		replier = mailbox.NewReplier(cfg.Mail.Server, cfg.Mail.SMTPPort, cfg.Mail.Login, cfg.Mail.Password, from, cfg.Mail.Timeout)
	}

	var notifier trigger.Notifier
	if cfg.Pushover.Token != "" && cfg.Pushover.UserKey != "" {
		notifier = notify.NewNotifier(cfg.Pushover.Token, cfg.Pushover.UserKey, cfg.Pushover.Sound, cfg.Pushover.Device)
	}

	extras := make([]executor.Host, 0, len(cfg.ExtraHosts))
	for i := range cfg.ExtraHosts {
		extras = append(extras, hostFromConfig(&cfg.ExtraHosts[i]))
	}

	proc := trigger.NewProcessor(trigger.Deps{
		Config:     cfg,
		Classifier: classifier,
		Store:      store,
		Executor:   exec,
		Audit:      auditLog,
		Replier:    replier,
		Notifier:   notifier,
		Logger:     logger,
		Primary:    hostFromConfig(&cfg.Host),
		Extras:     extras,
	})

	cleanup := func() {
		if err := auditLog.Close(); err != nil {
			logger.Warn("failed to close audit log", "error", err)
		}
	}
	return proc, cleanup, nil
}

func ruleFromIntent(ic config.IntentConfig) policy.Rule {
	return policy.Rule{
		Keywords:    ic.Keywords,
		Senders:     ic.AllowedSenders,
		WeeklyQuota: ic.WeeklyQuota,
	}
}

func hostFromConfig(h *config.HostConfig) executor.Host {
	host := executor.Host{
		Name: h.Name,
		MAC:  h.MAC,
	}
	if h.IP != "" {
		host.Addr = net.JoinHostPort(h.IP, strconv.Itoa(h.Port))
	}
	if h.Shutdown != nil {
		endpoint := h.IP
		if endpoint == "" {
			endpoint = h.Name
		}
		host.Shutdown = &executor.ShutdownCommand{
			Target: sshcmd.Target{
				Host:     endpoint,
				Port:     h.Shutdown.Port,
				User:     h.Shutdown.User,
				Password: h.Shutdown.Password,
				Timeout:  h.Shutdown.Timeout,
			},
			Command: h.Shutdown.Command,
		}
	}
	return host
}

// runTick handles the wake and shutdown subcommands, which differ only in
// the tick they feed the processor.
func runTick(cmd *cobra.Command, kind trigger.TickKind) error {
	cfg, err := loadConfiguration(cmd)
	if err != nil {
		return err
	}

	proc, cleanup, err := buildProcessor(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	reporter := ui.NewReporter(os.Stdout)
	reporter.SetQuiet(quiet)

	entry, err := proc.Process(context.Background(), trigger.TimerTick{Kind: kind, At: time.Now()})
	reporter.TriggerResult(entry)
	return err
}

func runMail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfiguration(cmd)
	if err != nil {
		return err
	}
	if cfg.Mail.Server == "" {
		return fmt.Errorf("the mail trigger requires mail.server to be configured")
	}

	proc, cleanup, err := buildProcessor(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	logger := logging.NewLogger("powernap", logging.LevelFromVerbose(cfg.Verbose))
	reporter := ui.NewReporter(os.Stdout)
	reporter.SetQuiet(quiet)
	ctx := context.Background()

	source := mailbox.NewSource(cfg.Mail.Server, cfg.Mail.IMAPPort, cfg.Mail.Login, cfg.Mail.Password, cfg.Mail.Mailbox, cfg.Mail.Timeout, logger.WithComponent("mailbox"))
	defer source.Close()

	marker, err := proc.MailMarker(ctx)
	if err != nil {
		if errors.Is(err, state.ErrLockTimeout) {
			logger.Warn("state is locked by another invocation, skipping this poll")
			return nil
		}
		return fmt.Errorf("failed to read mail marker: %w", err)
	}

	messages, nextMarker, err := source.Poll(ctx, marker)
	if err != nil {
		return fmt.Errorf("mailbox poll failed: %w", err)
	}
	reporter.Progress("%d new message(s)", len(messages))

	var handled []string
	clean := true
	for _, m := range messages {
		entry, procErr := proc.Process(ctx, trigger.InboundMessage{
			ID:         m.ID,
			Sender:     m.Sender,
			Subject:    m.Subject,
			Body:       m.Body,
			ReceivedAt: m.ReceivedAt,
		})
		reporter.TriggerResult(entry)
		if procErr != nil {
			return procErr
		}

		switch {
		case entry.Decision == audit.DecisionError:
			// Left in the mailbox and the marker stays put, so the next
			// poll retries it.
			clean = false
		case entry.Decision == audit.DecisionRejected && entry.Reason == "no keyword match":
			// Ordinary mail in a shared inbox. Leave it alone; the marker
			// keeps it from being classified again.
		default:
			handled = append(handled, m.ID)
		}
	}

	if !cfg.DryRun && len(handled) > 0 {
		if err := source.Ack(ctx, handled); err != nil {
			logger.Warn("failed to ack handled messages", "error", err)
		}
	}
	if clean {
		if err := proc.UpdateMailMarker(ctx, nextMarker); err != nil {
			logger.Warn("failed to advance mail marker", "error", err)
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfiguration(cmd)
	if err != nil {
		return err
	}

	proc, cleanup, err := buildProcessor(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	status, err := proc.Status(context.Background())
	if err != nil {
		if errors.Is(err, state.ErrLockTimeout) {
			return fmt.Errorf("state is locked by another invocation, try again")
		}
		return err
	}

	reporter := ui.NewReporter(os.Stdout)
	reporter.Headline("powernap status")

	automation := "enabled"
	if !status.Enabled {
		automation = "disabled"
	}
	if status.DryRun {
		automation += " (dry-run)"
	}
	reporter.StatusLine("Automation", automation)
	reporter.DeadlineLine(status.Deadline, status.Overridden, time.Now())

	lastReset := status.LastResetWeek
	if lastReset == "" {
		lastReset = "never"
	}
	reporter.StatusLine("Credit week", fmt.Sprintf("%s (last reset %s)", status.CurrentWeek, lastReset))
	if status.MailMarker != "" {
		reporter.StatusLine("Mail marker", status.MailMarker)
	}

	if len(status.Credits) > 0 {
		reporter.Headline("Weekly credits")
		for _, c := range status.Credits {
			reporter.StatusLine(c.Principal, fmt.Sprintf("%d of %d used", c.Consumed, c.Grant))
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
