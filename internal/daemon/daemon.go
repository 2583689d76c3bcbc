// Package daemon implements the relay daemon lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/edirelay/internal/command"
	"firestige.xyz/edirelay/internal/config"
	"firestige.xyz/edirelay/internal/log"
	"firestige.xyz/edirelay/internal/metrics"
	"firestige.xyz/edirelay/internal/redundancy"
	"firestige.xyz/edirelay/internal/relay"
	"firestige.xyz/edirelay/internal/reporter"
	"firestige.xyz/edirelay/internal/sink"
	"firestige.xyz/edirelay/internal/sink/console"
	"firestige.xyz/edirelay/internal/sink/tcp"
	"firestige.xyz/edirelay/internal/sink/udp"
	"firestige.xyz/edirelay/internal/source"
	udpsource "firestige.xyz/edirelay/internal/source/udp"
)

const readyTimeout = 2 * time.Second

// Daemon manages the edi-relay process lifecycle.
type Daemon struct {
	// mu guards config, which is replaced on reload
	mu         sync.Mutex
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string
	pidWritten bool
	overrides  config.Overrides

	// Data path
	sinks    *sink.Fanout
	buffer   *relay.Buffer
	manager  *redundancy.Manager
	reporter *reporter.Reporter // nil if reporters.kafka disabled

	// Control plane
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	rcServer      *command.DatagramServer       // nil if control.rc_socket empty
	kafkaConsumer *command.KafkaCommandConsumer // nil if command channel disabled
	metricsServer *metrics.Server               // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New creates a daemon from the configuration file at configPath. Empty
// socketPath and pidFile fall back to control.socket and control.pid_file.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	return NewWithOverrides(configPath, socketPath, pidFile, config.Overrides{})
}

// NewWithOverrides is New with command line values applied on top of the
// file. The overrides are applied again on every reload.
func NewWithOverrides(configPath, socketPath, pidFile string, o config.Overrides) (*Daemon, error) {
	cfg, err := loadConfig(configPath, o)
	if err != nil {
		return nil, err
	}
	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		overrides:    o,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

func loadConfig(path string, o config.Overrides) (*config.GlobalConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Apply(o); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Config returns the configuration in effect.
func (d *Daemon) Config() *config.GlobalConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Start initializes and starts all daemon components. On error the
// components started so far are stopped again.
func (d *Daemon) Start() error {
	if err := d.start(); err != nil {
		d.Stop()
		return err
	}
	return nil
}

func (d *Daemon) start() error {
	cfg := d.Config()

	// 1. Logging
	if err := d.initLogging(cfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	d.logger().WithFields(map[string]interface{}{
		"version":  command.Version,
		"hostname": cfg.Node.Hostname,
		"config":   d.configPath,
		"socket":   d.socketPath,
	}).Info("starting edi-relay daemon")

	// 2. Startup check
	if err := d.startupCheck(cfg.Control.StartupCheck); err != nil {
		return err
	}

	// 3. PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 4. Metrics server
	if err := d.startMetrics(cfg.Metrics); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 5. Outputs
	sinks, err := buildSinks(cfg.Outputs)
	if err != nil {
		return fmt.Errorf("failed to open outputs: %w", err)
	}
	d.sinks = sinks

	// 6. Relay buffer
	d.buffer, err = relay.New(d.sinks, cfg.Relay.Runtime())
	if err != nil {
		return fmt.Errorf("failed to create relay buffer: %w", err)
	}
	d.buffer.OnSummary(d.logSummary)

	// 7. Inputs and redundancy manager
	d.manager, err = redundancy.New(cfg.RedundancyRuntime(), d.buffer, buildInputs(cfg))
	if err != nil {
		return fmt.Errorf("failed to create redundancy manager: %w", err)
	}

	// 8. Command handler
	d.cmdHandler = command.NewCommandHandler(d.buffer, d.manager, d)
	d.cmdHandler.SetShutdownFunc(func() {
		d.logger().Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})

	// 9. Local control sockets
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	if err := d.serve("uds server", d.udsServer.Start, d.udsServer.Ready()); err != nil {
		return err
	}
	if cfg.Control.RCSocket != "" {
		d.rcServer = command.NewDatagramServer(cfg.Control.RCSocket, d.cmdHandler)
		if err := d.serve("rc socket", d.rcServer.Start, d.rcServer.Ready()); err != nil {
			return err
		}
	}

	// 10. Kafka command consumer
	if cfg.CommandChannel.Enabled && cfg.CommandChannel.Type == "kafka" {
		if err := d.startKafkaConsumer(cfg); err != nil {
			// Non-fatal: daemon can still run with UDS-only control
			d.logger().WithError(err).Error("failed to start kafka consumer")
		}
	}

	// 11. Statistics reporter
	if cfg.Reporters.Kafka.Enabled {
		if err := d.startReporter(cfg); err != nil {
			d.logger().WithError(err).Error("failed to start kafka reporter")
		}
	}

	if err := d.buffer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start relay buffer: %w", err)
	}
	d.goRun("redundancy manager", d.manager.Run)

	if cfg.Control.WatchConfig {
		if err := d.watchConfig(); err != nil {
			d.logger().WithError(err).Warn("config watch disabled")
		}
	}

	d.logger().WithFields(map[string]interface{}{
		"sources": len(cfg.Sources),
		"outputs": d.sinks.Names(),
		"mode":    cfg.Redundancy.Mode,
	}).Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	d.logger().Info("initiating graceful shutdown")

	// 1. No new remote commands
	if d.kafkaConsumer != nil {
		if err := d.kafkaConsumer.Stop(); err != nil {
			d.logger().WithError(err).Error("error stopping kafka consumer")
		}
	}

	// 2. No new local commands
	if d.udsServer != nil {
		if err := d.udsServer.Stop(); err != nil {
			d.logger().WithError(err).Error("error stopping uds server")
		}
	}

	// 3. Inputs, reporter and rc socket exit on cancel
	d.cancel()
	d.wg.Wait()

	// 4. Pending frames are discarded, outputs closed
	if d.buffer != nil {
		d.buffer.Stop()
	}
	if d.sinks != nil {
		if err := d.sinks.Close(); err != nil {
			d.logger().WithError(err).Error("error closing outputs")
		}
	}

	// 5. Metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			d.logger().WithError(err).Error("error stopping metrics server")
		}
	}

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if err := d.removePIDFile(); err != nil {
		d.logger().WithError(err).Error("error removing PID file")
	}

	d.logger().Info("daemon stopped gracefully")
	log.Flush()
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, by the
// daemon_shutdown command or by cancellation. SIGHUP reloads the
// configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	d.logger().Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				d.logger().WithField("signal", sig.String()).Info("received shutdown signal")
				d.Stop()
				return nil
			case syscall.SIGHUP:
				d.logger().Info("received reload signal")
				if err := d.Reload(); err != nil {
					d.logger().WithError(err).Error("failed to reload config")
				}
			}

		case <-d.shutdownChan:
			d.logger().Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// TriggerShutdown asks Run to stop the daemon.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// logger is looked up on every use since Reload may replace the process
// logger.
func (d *Daemon) logger() log.Logger {
	return log.GetLogger().WithField("component", "daemon")
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging(cfg *config.GlobalConfig) error {
	if err := log.Init(cfg.Log); err != nil {
		return err
	}
	d.logger().WithFields(map[string]interface{}{
		"level":  cfg.Log.Level,
		"format": cfg.Log.Format,
	}).Debug("logging initialized")
	return nil
}

// startupCheck runs the configured shell command and refuses to start
// unless it exits with status 0.
func (d *Daemon) startupCheck(cmdline string) error {
	if cmdline == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "sh", "-c", cmdline).CombinedOutput()
	if err != nil {
		return fmt.Errorf("startup check %q failed: %w: %s", cmdline, err, out)
	}
	d.logger().WithField("command", cmdline).Info("startup check passed")
	return nil
}

// serve runs a control server in the background and waits until it
// listens.
func (d *Daemon) serve(name string, start func(context.Context) error, ready <-chan struct{}) error {
	errCh := make(chan error, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := start(d.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger().WithError(err).Errorf("%s failed", name)
		}
		errCh <- err
	}()

	select {
	case <-ready:
		return nil
	case err := <-errCh:
		return fmt.Errorf("failed to start %s: %w", name, err)
	case <-time.After(readyTimeout):
		return fmt.Errorf("%s not ready after %v", name, readyTimeout)
	}
}

// goRun runs fn until the daemon context is cancelled.
func (d *Daemon) goRun(name string, fn func(context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger().WithError(err).Errorf("%s stopped with error", name)
		}
	}()
}

func (d *Daemon) startKafkaConsumer(cfg *config.GlobalConfig) error {
	consumer, err := command.NewKafkaCommandConsumer(cfg.CommandChannel, cfg.Node.Hostname, d.cmdHandler)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	d.kafkaConsumer = consumer
	d.goRun("kafka consumer", consumer.Start)
	return nil
}

func (d *Daemon) startReporter(cfg *config.GlobalConfig) error {
	rep, err := reporter.New(cfg.Reporters.Kafka.Runtime(cfg.Node.Hostname), d.manager.Sources)
	if err != nil {
		return err
	}
	d.reporter = rep
	d.buffer.OnSummary(rep.ObserveSummary)
	d.goRun("kafka reporter", rep.Run)
	return nil
}

func (d *Daemon) startMetrics(cfg config.MetricsConfig) error {
	if !cfg.Enabled {
		d.logger().Info("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(cfg.Listen, cfg.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return err
	}
	d.logger().WithFields(map[string]interface{}{
		"addr": d.metricsServer.Addr(),
		"path": cfg.Path,
	}).Info("metrics server started")
	return nil
}

func (d *Daemon) logSummary(s relay.Summary) {
	d.logger().WithFields(map[string]interface{}{
		"frames":    s.Frames,
		"min_ms":    s.MinMs,
		"max_ms":    s.MaxMs,
		"mean_ms":   s.MeanMs,
		"stdev_ms":  s.StdevMs,
		"late":      s.Late,
		"dropped":   s.Dropped,
		"inhibited": s.Inhibited,
		"tsta_ms":   s.TSTAMs,
	}).Info("buffering time")
}

// buildSinks opens every enabled output. Outputs opened before a failure
// are closed again.
func buildSinks(cfg config.OutputsConfig) (*sink.Fanout, error) {
	var sinks []sink.Sink
	fail := func(err error) (*sink.Fanout, error) {
		if len(sinks) > 0 {
			_ = sink.NewFanout(sinks...).Close()
		}
		return nil, err
	}

	if cfg.UDP.Enabled {
		s, err := udp.New(cfg.UDP.Runtime())
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.TCP.Enabled {
		s, err := tcp.New(cfg.TCP.Runtime())
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Console.Enabled {
		s, err := console.NewSink(cfg.Console.Format, nil)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	return sink.NewFanout(sinks...), nil
}

// buildInputs creates one input per configured source, in order.
func buildInputs(cfg *config.GlobalConfig) []source.Input {
	rt := cfg.Source.Runtime()
	inputs := make([]source.Input, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		src := source.NewSource(sc.Host, sc.Port, source.Kind(sc.Kind), sc.Enabled)
		if src.Kind == source.KindUDP {
			inputs = append(inputs, udpsource.NewListener(src, rt, udpsource.Options{
				Interface: sc.Interface,
				RateLimit: udpsource.RateLimiterConfig{MaxPackets: sc.RateLimit, Window: time.Second},
			}))
			continue
		}
		inputs = append(inputs, source.NewConnection(src, rt))
	}
	return inputs
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	d.pidWritten = true
	d.logger().WithFields(map[string]interface{}{"path": d.pidFile, "pid": pid}).Debug("PID file written")
	return nil
}

func (d *Daemon) removePIDFile() error {
	if !d.pidWritten {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
