// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/core/decoder"
	"firestige.xyz/edirelay/internal/log"
	"firestige.xyz/edirelay/internal/redundancy"
	"firestige.xyz/edirelay/internal/relay"
	"firestige.xyz/edirelay/internal/reporter"
	"firestige.xyz/edirelay/internal/sink/console"
	"firestige.xyz/edirelay/internal/sink/tcp"
	"firestige.xyz/edirelay/internal/sink/udp"
	"firestige.xyz/edirelay/internal/source"
)

// RootKey is the top-level YAML key. Environment variables derive from it,
// e.g. EDI_RELAY_RELAY_DELAY_MS for edi-relay.relay.delay_ms.
const RootKey = "edi-relay"

// GlobalConfig represents the whole relay configuration.
// Maps to the `edi-relay:` root key in YAML.
type GlobalConfig struct {
	Node           NodeConfig           `mapstructure:"node"`
	Control        ControlConfig        `mapstructure:"control"`
	Kafka          GlobalKafkaConfig    `mapstructure:"kafka"`
	CommandChannel CommandChannelConfig `mapstructure:"command_channel"`
	Reporters      ReportersConfig      `mapstructure:"reporters"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Log            log.Config           `mapstructure:"log"`

	// RawSources holds the `sources:` list as written: host:port strings
	// or objects. ValidateAndApplyDefaults parses it into Sources.
	RawSources []any          `mapstructure:"sources"`
	Sources    []SourceConfig `mapstructure:"-"`

	Source     InputConfig      `mapstructure:"source"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Redundancy RedundancyConfig `mapstructure:"redundancy"`
	Outputs    OutputsConfig    `mapstructure:"outputs"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	Hostname string            `mapstructure:"hostname"` // Empty = os.Hostname()
	Tags     map[string]string `mapstructure:"tags"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket       string `mapstructure:"socket"`
	RCSocket     string `mapstructure:"rc_socket"` // unix datagram socket for text commands, empty = off
	PIDFile      string `mapstructure:"pid_file"`
	WatchConfig  bool   `mapstructure:"watch_config"`  // reload on file change
	StartupCheck string `mapstructure:"startup_check"` // shell command that must exit 0 before start
}

// ─── Kafka ───

// GlobalKafkaConfig provides shared Kafka connection defaults.
// command_channel.kafka and reporters.kafka inherit from here when empty.
type GlobalKafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// CommandChannelConfig configures the remote command channel.
type CommandChannelConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	Type       string             `mapstructure:"type"` // "kafka"
	Kafka      CommandKafkaConfig `mapstructure:"kafka"`
	CommandTTL string             `mapstructure:"command_ttl"`

	TTL time.Duration `mapstructure:"-"`
}

// CommandKafkaConfig contains Kafka-specific command channel settings.
type CommandKafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	Topic           string   `mapstructure:"topic"`
	ResponseTopic   string   `mapstructure:"response_topic"` // empty = no replies
	GroupID         string   `mapstructure:"group_id"`
	AutoOffsetReset string   `mapstructure:"auto_offset_reset"`
}

// ReportersConfig holds the statistics reporters.
type ReportersConfig struct {
	Kafka KafkaReporterConfig `mapstructure:"kafka"`
}

// KafkaReporterConfig publishes buffering summaries and source snapshots.
type KafkaReporterConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	Compression  string   `mapstructure:"compression"`
	Encoding     string   `mapstructure:"encoding"` // json | protobuf
	BatchSize    int      `mapstructure:"batch_size"`
	BatchTimeout string   `mapstructure:"batch_timeout"`
	Interval     string   `mapstructure:"interval"`
}

// Runtime returns the reporter configuration. Durations were checked by
// ValidateAndApplyDefaults.
func (c KafkaReporterConfig) Runtime(node string) reporter.Config {
	interval, _ := time.ParseDuration(c.Interval)
	batchTimeout, _ := time.ParseDuration(c.BatchTimeout)
	return reporter.Config{
		Brokers:      c.Brokers,
		Topic:        c.Topic,
		BatchSize:    c.BatchSize,
		BatchTimeout: batchTimeout,
		Compression:  c.Compression,
		Encoding:     c.Encoding,
		Node:         node,
		Interval:     interval,
	}
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Inputs ───

// SourceConfig is one entry of the `sources:` list.
type SourceConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Kind      string `mapstructure:"kind"` // tcp | udp
	Enabled   bool   `mapstructure:"enabled"`
	Interface string `mapstructure:"interface"`  // multicast interface (udp)
	RateLimit int    `mapstructure:"rate_limit"` // datagrams per sender per second (udp), 0 = off
}

// ID returns host:port.
func (s SourceConfig) ID() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// InputConfig holds the settings shared by every source.
type InputConfig struct {
	PollInterval  string           `mapstructure:"poll_interval"`
	Staleness     string           `mapstructure:"staleness"`
	NominalOffset string           `mapstructure:"nominal_offset"`
	MarginPolicy  string           `mapstructure:"margin_policy"` // headroom | deviation
	DialTimeout   string           `mapstructure:"dial_timeout"`
	ReadBuffer    int              `mapstructure:"read_buffer"`
	Reconnect     ReconnectConfig  `mapstructure:"reconnect"`
	Reassembly    ReassemblyConfig `mapstructure:"reassembly"`

	parsed source.Config
}

// ReconnectConfig selects the reconnect policy of TCP sources.
type ReconnectConfig struct {
	Policy   string `mapstructure:"policy"` // fixed | exponential
	Delay    string `mapstructure:"delay"`
	MaxDelay string `mapstructure:"max_delay"`
}

// ReassemblyConfig bounds how long a PFT sequence may stay open.
type ReassemblyConfig struct {
	MaxDelay    int    `mapstructure:"max_delay"` // frames
	FramePeriod string `mapstructure:"frame_period"`
}

// Runtime returns the parsed input settings. Only valid after
// ValidateAndApplyDefaults.
func (c InputConfig) Runtime() source.Config {
	return c.parsed
}

// ─── Relay ───

// RelayConfig configures the timed relay buffer.
type RelayConfig struct {
	DelayMs     int    `mapstructure:"delay_ms"`
	DropLate    bool   `mapstructure:"drop_late"`
	DropDelayMs int    `mapstructure:"drop_delay_ms"`
	Anchor      string `mapstructure:"anchor"` // received | timestamp
	MaxPending  int    `mapstructure:"max_pending"`
	StatsEvery  int    `mapstructure:"stats_every"`
}

// Settings returns the runtime adjustable part.
func (c RelayConfig) Settings() relay.Settings {
	return relay.Settings{
		Delay:     time.Duration(c.DelayMs) * time.Millisecond,
		DropLate:  c.DropLate,
		DropDelay: time.Duration(c.DropDelayMs) * time.Millisecond,
		Anchor:    relay.Anchor(c.Anchor),
	}
}

// Runtime returns the relay buffer configuration.
func (c RelayConfig) Runtime() relay.Config {
	return relay.Config{
		Settings:   c.Settings(),
		MaxPending: c.MaxPending,
		StatsEvery: c.StatsEvery,
	}
}

// ─── Redundancy ───

// RedundancyConfig configures source selection.
type RedundancyConfig struct {
	Mode             string `mapstructure:"mode"` // switch | merge
	BackoffMs        int    `mapstructure:"backoff_ms"`
	UnhealthyTicks   int    `mapstructure:"unhealthy_ticks"`
	EvaluateInterval string `mapstructure:"evaluate_interval"`

	evaluate time.Duration
}

// ─── Outputs ───

// OutputsConfig lists the downstream sinks.
type OutputsConfig struct {
	UDP     UDPOutputConfig     `mapstructure:"udp"`
	TCP     TCPOutputConfig     `mapstructure:"tcp"`
	Console ConsoleOutputConfig `mapstructure:"console"`
}

// UDPOutputConfig configures the EDI/UDP output.
type UDPOutputConfig struct {
	Enabled      bool                `mapstructure:"enabled"`
	Format       string              `mapstructure:"format"` // pft | af
	FEC          int                 `mapstructure:"fec"`
	MaxPayload   int                 `mapstructure:"max_payload"`
	Alignment    int                 `mapstructure:"alignment"`
	Addr         bool                `mapstructure:"addr"`
	SourceAddr   int                 `mapstructure:"source_addr"`
	DestAddr     int                 `mapstructure:"dest_addr"`
	Destinations []DestinationConfig `mapstructure:"destinations"`
}

// DestinationConfig is one UDP receiver.
type DestinationConfig struct {
	Dest      string `mapstructure:"dest"`   // host:port
	Source    string `mapstructure:"source"` // optional local host:port
	TTL       int    `mapstructure:"ttl"`
	Interface string `mapstructure:"interface"`
}

// Runtime returns the UDP sender configuration.
func (c UDPOutputConfig) Runtime() udp.Config {
	dests := make([]udp.Destination, 0, len(c.Destinations))
	for _, d := range c.Destinations {
		dests = append(dests, udp.Destination{Dest: d.Dest, Source: d.Source, TTL: d.TTL, Interface: d.Interface})
	}
	return udp.Config{
		Destinations: dests,
		Format:       c.Format,
		FEC:          c.FEC,
		MaxPayload:   c.MaxPayload,
		Alignment:    c.Alignment,
		Addr:         c.Addr,
		SourceAddr:   uint16(c.SourceAddr),
		DestAddr:     uint16(c.DestAddr),
	}
}

// TCPOutputConfig configures the EDI/TCP server output.
type TCPOutputConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Listen       string `mapstructure:"listen"`
	QueueSize    int    `mapstructure:"queue_size"`
	WriteTimeout string `mapstructure:"write_timeout"`
	Alignment    int    `mapstructure:"alignment"`

	writeTimeout time.Duration
}

// Runtime returns the TCP server configuration.
func (c TCPOutputConfig) Runtime() tcp.Config {
	return tcp.Config{
		Listen:       c.Listen,
		QueueSize:    c.QueueSize,
		WriteTimeout: c.writeTimeout,
		Alignment:    c.Alignment,
	}
}

// ConsoleOutputConfig prints one line per released frame.
type ConsoleOutputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Format  string `mapstructure:"format"` // text | json
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `edi-relay: ...`.
type configRoot struct {
	EDIRelay GlobalConfig `mapstructure:"edi-relay"`
}

// Load loads configuration from file.
// The YAML file uses `edi-relay:` as root key; env vars use the EDI_RELAY_ prefix
// (e.g., EDI_RELAY_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// key "edi-relay.relay.delay_ms" → env "EDI_RELAY_RELAY_DELAY_MS"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v, nil
}

func decode(v *viper.Viper) (*GlobalConfig, error) {
	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.EDIRelay

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func key(k string) string {
	return RootKey + "." + k
}

// setDefaults sets default values for configuration.
// All keys use the "edi-relay." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault(key("control.pid_file"), "/var/run/edi-relay.pid")
	v.SetDefault(key("control.socket"), "/var/run/edi-relay.sock")
	v.SetDefault(key("control.rc_socket"), "")
	v.SetDefault(key("control.watch_config"), false)
	v.SetDefault(key("control.startup_check"), "")

	// Log defaults
	v.SetDefault(key("log.level"), "info")
	v.SetDefault(key("log.format"), "pattern")
	v.SetDefault(key("log.file.enabled"), false)
	v.SetDefault(key("log.file.filename"), "/var/log/edi-relay/edi-relay.log")
	v.SetDefault(key("log.file.max_size"), 100)
	v.SetDefault(key("log.file.max_age"), 30)
	v.SetDefault(key("log.file.max_backups"), 5)
	v.SetDefault(key("log.file.compress"), true)

	// Metrics defaults
	v.SetDefault(key("metrics.enabled"), true)
	v.SetDefault(key("metrics.listen"), ":9201")
	v.SetDefault(key("metrics.path"), "/metrics")

	// Input defaults
	v.SetDefault(key("sources"), []any{})
	v.SetDefault(key("source.poll_interval"), "100ms")
	v.SetDefault(key("source.staleness"), "2s")
	v.SetDefault(key("source.nominal_offset"), "0s")
	v.SetDefault(key("source.margin_policy"), string(redundancy.PolicyHeadroom))
	v.SetDefault(key("source.dial_timeout"), "2s")
	v.SetDefault(key("source.read_buffer"), source.DefaultReadBuffer)
	v.SetDefault(key("source.reconnect.policy"), source.ReconnectFixed)
	v.SetDefault(key("source.reconnect.delay"), "480ms")
	v.SetDefault(key("source.reconnect.max_delay"), "10s")
	v.SetDefault(key("source.reassembly.max_delay"), 10)
	v.SetDefault(key("source.reassembly.frame_period"), "24ms")

	// Relay defaults
	v.SetDefault(key("relay.delay_ms"), int(relay.DefaultDelay/time.Millisecond))
	v.SetDefault(key("relay.drop_late"), false)
	v.SetDefault(key("relay.drop_delay_ms"), 0)
	v.SetDefault(key("relay.anchor"), string(relay.AnchorReceived))
	v.SetDefault(key("relay.max_pending"), relay.DefaultMaxPending)
	v.SetDefault(key("relay.stats_every"), relay.DefaultStatsEvery)

	// Redundancy defaults
	v.SetDefault(key("redundancy.mode"), string(redundancy.ModeSwitch))
	v.SetDefault(key("redundancy.backoff_ms"), int(redundancy.DefaultBackoff/time.Millisecond))
	v.SetDefault(key("redundancy.unhealthy_ticks"), redundancy.DefaultUnhealthyTicks)
	v.SetDefault(key("redundancy.evaluate_interval"), "1s")

	// Output defaults
	v.SetDefault(key("outputs.udp.enabled"), false)
	v.SetDefault(key("outputs.udp.format"), udp.FormatPFT)
	v.SetDefault(key("outputs.udp.fec"), 0)
	v.SetDefault(key("outputs.udp.max_payload"), 1400)
	v.SetDefault(key("outputs.udp.alignment"), udp.DefaultAlignment)
	v.SetDefault(key("outputs.tcp.enabled"), false)
	v.SetDefault(key("outputs.tcp.queue_size"), tcp.DefaultQueueSize)
	v.SetDefault(key("outputs.tcp.write_timeout"), "1s")
	v.SetDefault(key("outputs.tcp.alignment"), udp.DefaultAlignment)
	v.SetDefault(key("outputs.console.enabled"), false)
	v.SetDefault(key("outputs.console.format"), console.FormatText)

	// Command channel defaults
	v.SetDefault(key("command_channel.enabled"), false)
	v.SetDefault(key("command_channel.type"), "kafka")
	v.SetDefault(key("command_channel.kafka.auto_offset_reset"), "latest")
	v.SetDefault(key("command_channel.command_ttl"), "5m")

	// Reporter defaults
	v.SetDefault(key("reporters.kafka.enabled"), false)
	v.SetDefault(key("reporters.kafka.topic"), "edi-relay-stats")
	v.SetDefault(key("reporters.kafka.compression"), "snappy")
	v.SetDefault(key("reporters.kafka.encoding"), "json")
	v.SetDefault(key("reporters.kafka.batch_timeout"), "100ms")
	v.SetDefault(key("reporters.kafka.interval"), "10s")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "pattern", "json", "console":
	default:
		return fmt.Errorf("%w: invalid log format: %s (must be pattern/json/console)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Inputs ──
	sources, err := parseSources(cfg.RawSources)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("%w: no sources given", core.ErrConfigInvalid)
	}
	cfg.Sources = sources
	if err := cfg.Source.parse(); err != nil {
		return err
	}

	// ── Relay ──
	if err := cfg.Relay.Settings().Validate(); err != nil {
		return err
	}
	if cfg.Relay.MaxPending <= 0 {
		cfg.Relay.MaxPending = relay.DefaultMaxPending
	}
	if cfg.Relay.StatsEvery <= 0 {
		cfg.Relay.StatsEvery = relay.DefaultStatsEvery
	}

	// ── Redundancy ──
	switch redundancy.Mode(cfg.Redundancy.Mode) {
	case redundancy.ModeSwitch, redundancy.ModeMerge:
	default:
		return fmt.Errorf("%w: invalid redundancy mode: %s (must be switch/merge)", core.ErrConfigInvalid, cfg.Redundancy.Mode)
	}
	backoff := time.Duration(cfg.Redundancy.BackoffMs) * time.Millisecond
	if backoff < 0 || backoff > redundancy.MaxBackoff {
		return fmt.Errorf("%w: redundancy.backoff_ms %d out of range [0, %d]",
			core.ErrConfigInvalid, cfg.Redundancy.BackoffMs, redundancy.MaxBackoff.Milliseconds())
	}
	if cfg.Redundancy.evaluate, err = parseDuration("redundancy.evaluate_interval", cfg.Redundancy.EvaluateInterval); err != nil {
		return err
	}

	// ── Outputs ──
	if err := cfg.Outputs.validate(); err != nil {
		return err
	}

	// ── Kafka inheritance ──
	applyKafkaInheritance(cfg)

	// ── Command channel validation ──
	if cfg.CommandChannel.TTL, err = parseDuration("command_channel.command_ttl", cfg.CommandChannel.CommandTTL); err != nil {
		return err
	}
	if cfg.CommandChannel.Enabled {
		if cfg.CommandChannel.Type != "kafka" {
			return fmt.Errorf("%w: unsupported command_channel.type: %s (only 'kafka' supported)", core.ErrConfigInvalid, cfg.CommandChannel.Type)
		}
		if len(cfg.CommandChannel.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: command_channel.kafka.brokers is required when command_channel.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.CommandChannel.Kafka.Topic == "" {
			return fmt.Errorf("%w: command_channel.kafka.topic is required when command_channel.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.CommandChannel.Kafka.GroupID == "" {
			cfg.CommandChannel.Kafka.GroupID = "edi-relay-" + cfg.Node.Hostname
		}
	}

	// ── Reporter validation ──
	if rk := cfg.Reporters.Kafka; rk.Enabled {
		if len(rk.Brokers) == 0 {
			return fmt.Errorf("%w: reporters.kafka.brokers is required when reporters.kafka.enabled=true", core.ErrConfigInvalid)
		}
		if _, err := parseDuration("reporters.kafka.interval", rk.Interval); err != nil {
			return err
		}
		if _, err := parseDuration("reporters.kafka.batch_timeout", rk.BatchTimeout); err != nil {
			return err
		}
	}

	return nil
}

func (c *InputConfig) parse() error {
	var err error
	p := source.Config{ReadBuffer: c.ReadBuffer}
	if p.PollInterval, err = parseDuration("source.poll_interval", c.PollInterval); err != nil {
		return err
	}
	if p.Staleness, err = parseDuration("source.staleness", c.Staleness); err != nil {
		return err
	}
	if p.NominalOffset, err = parseDuration("source.nominal_offset", c.NominalOffset); err != nil {
		return err
	}
	if p.DialTimeout, err = parseDuration("source.dial_timeout", c.DialTimeout); err != nil {
		return err
	}

	switch redundancy.MarginPolicy(c.MarginPolicy) {
	case redundancy.PolicyHeadroom, redundancy.PolicyDeviation:
	default:
		return fmt.Errorf("%w: invalid source.margin_policy: %s (must be headroom/deviation)", core.ErrConfigInvalid, c.MarginPolicy)
	}

	switch c.Reconnect.Policy {
	case source.ReconnectFixed, source.ReconnectExponential:
	default:
		return fmt.Errorf("%w: invalid source.reconnect.policy: %s (must be fixed/exponential)", core.ErrConfigInvalid, c.Reconnect.Policy)
	}
	p.Reconnect.Policy = c.Reconnect.Policy
	if p.Reconnect.Delay, err = parseDuration("source.reconnect.delay", c.Reconnect.Delay); err != nil {
		return err
	}
	if p.Reconnect.MaxDelay, err = parseDuration("source.reconnect.max_delay", c.Reconnect.MaxDelay); err != nil {
		return err
	}

	if c.Reassembly.MaxDelay < 0 {
		return fmt.Errorf("%w: source.reassembly.max_delay must not be negative", core.ErrConfigInvalid)
	}
	p.Reassembly = decoder.ReassemblerConfig{MaxDelay: c.Reassembly.MaxDelay}
	if p.Reassembly.FramePeriod, err = parseDuration("source.reassembly.frame_period", c.Reassembly.FramePeriod); err != nil {
		return err
	}

	c.parsed = p
	return nil
}

func (o *OutputsConfig) validate() error {
	if !o.UDP.Enabled && !o.TCP.Enabled && !o.Console.Enabled {
		return fmt.Errorf("%w: no outputs enabled", core.ErrConfigInvalid)
	}
	if o.UDP.Enabled {
		if len(o.UDP.Destinations) == 0 {
			return fmt.Errorf("%w: outputs.udp.destinations is required when outputs.udp.enabled=true", core.ErrConfigInvalid)
		}
		if o.UDP.Format != udp.FormatPFT && o.UDP.Format != udp.FormatAF {
			return fmt.Errorf("%w: invalid outputs.udp.format: %s (must be pft/af)", core.ErrConfigInvalid, o.UDP.Format)
		}
		if o.UDP.SourceAddr < 0 || o.UDP.SourceAddr > 0xFFFF || o.UDP.DestAddr < 0 || o.UDP.DestAddr > 0xFFFF {
			return fmt.Errorf("%w: outputs.udp source_addr and dest_addr must fit 16 bits", core.ErrConfigInvalid)
		}
	}
	if o.TCP.Enabled {
		if o.TCP.Listen == "" {
			return fmt.Errorf("%w: outputs.tcp.listen is required when outputs.tcp.enabled=true", core.ErrConfigInvalid)
		}
		var err error
		if o.TCP.writeTimeout, err = parseDuration("outputs.tcp.write_timeout", o.TCP.WriteTimeout); err != nil {
			return err
		}
	}
	if o.Console.Enabled && o.Console.Format != console.FormatText && o.Console.Format != console.FormatJSON {
		return fmt.Errorf("%w: invalid outputs.console.format: %s (must be text/json)", core.ErrConfigInvalid, o.Console.Format)
	}
	return nil
}

// RedundancyRuntime returns the redundancy manager configuration.
func (cfg *GlobalConfig) RedundancyRuntime() redundancy.Config {
	return redundancy.Config{
		Mode:             redundancy.Mode(cfg.Redundancy.Mode),
		MarginPolicy:     redundancy.MarginPolicy(cfg.Source.MarginPolicy),
		EvaluateInterval: cfg.Redundancy.evaluate,
		UnhealthyTicks:   cfg.Redundancy.UnhealthyTicks,
		Backoff:          time.Duration(cfg.Redundancy.BackoffMs) * time.Millisecond,
		PollInterval:     cfg.Source.parsed.PollInterval,
	}
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q: %v", core.ErrConfigInvalid, name, s, err)
	}
	return d, nil
}

// applyKafkaInheritance fills empty broker lists from the global kafka block.
func applyKafkaInheritance(cfg *GlobalConfig) {
	if len(cfg.CommandChannel.Kafka.Brokers) == 0 {
		cfg.CommandChannel.Kafka.Brokers = cfg.Kafka.Brokers
	}
	if len(cfg.Reporters.Kafka.Brokers) == 0 {
		cfg.Reporters.Kafka.Brokers = cfg.Kafka.Brokers
	}
	if cfg.Log.Kafka.Enabled && len(cfg.Log.Kafka.Brokers) == 0 {
		cfg.Log.Kafka.Brokers = cfg.Kafka.Brokers
	}
}
