package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vuln-lifecycle-tracker/pipeline"
	"vuln-lifecycle-tracker/web"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the read-only API server",
	Long: `Start the JSON API over the finding inventory and daily totals, with Prometheus
metrics on /metrics. With --inbox, CSV exports dropped into the directory are imported
as they arrive; a leading YYYY-MM-DD in the file name sets the scan date.`,
	RunE: runServer,
}

var (
	serverPort     string
	serverInbox    string
	serverVendor   string
	serverInterval time.Duration
)

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVarP(&serverPort, "port", "p", "", "API server port (default from server.port)")
	serverCmd.Flags().StringVar(&serverInbox, "inbox", "", "Directory watched for CSV exports to import")
	serverCmd.Flags().StringVar(&serverVendor, "vendor", "", "Vendor recorded for inbox imports")
	serverCmd.Flags().DurationVar(&serverInterval, "poll-interval", 30*time.Second, "Inbox poll interval")
}

func runServer(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	port := serverPort
	if port == "" {
		port = a.cfg.Server.Port
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	capture := newSessionCapture()
	p := a.newPipeline(pipeline.NewMetrics(reg), capture)

	server := web.NewServer(a.db, p.Aggregator(), reg, a.logger, port)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serverInbox != "" {
		watcher := &inboxWatcher{
			app:      a,
			pipeline: p,
			capture:  capture,
			dir:      serverInbox,
			vendor:   serverVendor,
			interval: serverInterval,
		}
		go watcher.run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	if err := server.Stop(); err != nil {
		a.logger.Warn("server forced to shutdown", zap.Error(err))
	}
	p.Wait()
	return nil
}
