package cmd

import (
	"errors"
	"fmt"
	"time"

	"vuln-lifecycle-tracker/config"
	"vuln-lifecycle-tracker/db"
	"vuln-lifecycle-tracker/logging"
	"vuln-lifecycle-tracker/notifier"
	"vuln-lifecycle-tracker/pipeline"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	verbose bool

	// Version information
	appVersion string
	appCommit  string
	appDate    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vuln-tracker",
	Short: "Vulnerability scan import and lifecycle tracker",
	Long: `vuln-tracker imports vulnerability scanner exports and reconciles them against a
canonical finding inventory stored in SQLite.

Features:
- CSV export normalization with multi-CVE row expansion
- Deduplication keys tolerant of hostname and IP drift
- Lifecycle tracking: active, grace period, resolved and reopened
- Daily severity totals with scan-over-scan change summaries
- Slack notifications and a read-only JSON API`,
	Version:      getVersionString(),
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(version, commit, date string) error {
	appVersion = version
	appCommit = commit
	appDate = date
	rootCmd.Version = getVersionString()

	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./.vuln-tracker.yaml or $HOME/.vuln-tracker.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// getVersionString returns formatted version information
func getVersionString() string {
	if appVersion == "" {
		appVersion = "unknown"
	}
	if appCommit == "" {
		appCommit = "unknown"
	}
	if appDate == "" {
		appDate = "unknown"
	}

	return fmt.Sprintf("%s (commit: %s, date: %s)", appVersion, appCommit, appDate)
}

// app holds the handles shared by every command
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *db.Database
}

// openApp loads configuration, builds the logger and opens the migrated store
func openApp() (*app, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := cfg.Logging
	if verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	database, err := db.NewDatabase(cfg.Database.Driver, cfg.Database.GetDSN(), logger)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Debug("database ready", zap.String("path", cfg.Database.Path))
	return &app{cfg: cfg, logger: logger, db: database}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) pipelineConfig() pipeline.Config {
	pc := a.cfg.Pipeline
	return pipeline.Config{
		BatchSize:            pc.BatchSize,
		BatchYield:           time.Duration(pc.BatchYieldMs) * time.Millisecond,
		MaxBatchRetries:      pc.MaxBatchRetries,
		RetryInitialInterval: time.Duration(pc.RetryInitialIntervalMs) * time.Millisecond,
	}
}

var errSlackDisabled = errors.New("Slack notifications are disabled (notification.slack_enabled)")

// newSlack builds the Slack notifier from the configuration and validates its webhook
func (a *app) newSlack() (*notifier.SlackNotifier, error) {
	nc := a.cfg.Notification
	if !nc.SlackEnabled || nc.SlackWebhookURL == "" {
		return nil, errSlackDisabled
	}
	sn := notifier.NewSlackNotifier(nc.SlackWebhookURL, nc.SlackUsername, nc.SlackChannel, nc.SlackIconEmoji, a.logger)
	if err := sn.ValidateConfiguration(); err != nil {
		return nil, err
	}
	return sn, nil
}

// slack returns the configured Slack notifier, or nil when Slack is disabled or misconfigured
func (a *app) slack() *notifier.SlackNotifier {
	sn, err := a.newSlack()
	if err != nil {
		if !errors.Is(err, errSlackDisabled) {
			a.logger.Warn("Slack notifications disabled", zap.Error(err))
		}
		return nil
	}
	return sn
}

// notifier fans progress out to the log, Slack when enabled, and any extra receivers
func (a *app) notifier(extra ...pipeline.Notifier) pipeline.Notifier {
	notifiers := []pipeline.Notifier{pipeline.NewLogNotifier(a.logger)}
	if s := a.slack(); s != nil {
		notifiers = append(notifiers, s)
	}
	return pipeline.Multi(append(notifiers, extra...)...)
}

// newPipeline builds a pipeline over the app's store. metrics may be nil.
func (a *app) newPipeline(metrics *pipeline.Metrics, extra ...pipeline.Notifier) *pipeline.Pipeline {
	return pipeline.New(a.db, a.logger, a.notifier(extra...), metrics, a.pipelineConfig())
}
