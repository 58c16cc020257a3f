// Package config loads the phonecheck configuration from a YAML file and
// PHONECHECK_ environment variables using viper.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/opd-ai/phonecheck/av"
	"github.com/opd-ai/phonecheck/av/rtp"
	"github.com/opd-ai/phonecheck/logging"
	"github.com/opd-ai/phonecheck/sip"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PHONECHECK_SIP_SERVER.
const EnvPrefix = "PHONECHECK"

// MaxListenDuration is the longest accepted media window.
const MaxListenDuration = 300 * time.Second

// Validation errors.
var (
	// ErrMissingField is returned when a required setting is empty
	ErrMissingField = errors.New("required setting missing")
	// ErrOutOfRange is returned when a numeric setting is outside its bounds
	ErrOutOfRange = errors.New("setting out of range")
)

// Config is the top-level configuration.
type Config struct {
	SIP     SIPConfig      `mapstructure:"sip" yaml:"sip"`
	Media   MediaConfig    `mapstructure:"media" yaml:"media"`
	STUN    STUNConfig     `mapstructure:"stun" yaml:"stun"`
	Monitor MonitorConfig  `mapstructure:"monitor" yaml:"monitor"`
	Log     logging.Config `mapstructure:"log" yaml:"log"`
}

// SIPConfig holds the account, the callee and signaling timers.
type SIPConfig struct {
	Server      string `mapstructure:"server" yaml:"server"`
	Port        int    `mapstructure:"port" yaml:"port"`
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password"`
	DisplayName string `mapstructure:"display_name" yaml:"display_name,omitempty"`
	Domain      string `mapstructure:"domain" yaml:"domain,omitempty"`
	Target      string `mapstructure:"target" yaml:"target"`
	LocalPort   int    `mapstructure:"local_port" yaml:"local_port"`

	T1         time.Duration `mapstructure:"t1" yaml:"t1"`
	T2         time.Duration `mapstructure:"t2" yaml:"t2"`
	TimerB     time.Duration `mapstructure:"timer_b" yaml:"timer_b"`
	TimerD     time.Duration `mapstructure:"timer_d" yaml:"timer_d"`
	ByeTimeout time.Duration `mapstructure:"bye_timeout" yaml:"bye_timeout"`
}

// MediaConfig shapes the RTP side of a call.
type MediaConfig struct {
	BindAddress       string        `mapstructure:"bind_address" yaml:"bind_address,omitempty"`
	RTPPort           int           `mapstructure:"rtp_port" yaml:"rtp_port"`
	ListenDuration    time.Duration `mapstructure:"listen_duration" yaml:"listen_duration"`
	MinAudioDuration  time.Duration `mapstructure:"min_audio_duration" yaml:"min_audio_duration"`
	JitterDepth       int           `mapstructure:"jitter_depth" yaml:"jitter_depth"`
	JitterMaxDelay    time.Duration `mapstructure:"jitter_max_delay" yaml:"jitter_max_delay"`
	JitterMaxPackets  int           `mapstructure:"jitter_max_packets" yaml:"jitter_max_packets"`
	PunchCount        int           `mapstructure:"punch_count" yaml:"punch_count"`
	PunchInterval     time.Duration `mapstructure:"punch_interval" yaml:"punch_interval"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
	Retry             bool          `mapstructure:"retry" yaml:"retry"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// STUNConfig selects the STUN server. An empty server skips discovery.
type STUNConfig struct {
	Server  string        `mapstructure:"server" yaml:"server,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MonitorConfig schedules repeated checks. ActiveFrom equal to
// ActiveUntil allows every hour.
type MonitorConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	ActiveFrom  int           `mapstructure:"active_from" yaml:"active_from"`
	ActiveUntil int           `mapstructure:"active_until" yaml:"active_until"`
	Timezone    string        `mapstructure:"timezone" yaml:"timezone,omitempty"`
	History     int           `mapstructure:"history" yaml:"history"`
}

// Default returns the configuration used when neither file nor
// environment sets a value.
func Default() *Config {
	timers := sip.DefaultTimerConfig()
	media := rtp.DefaultReceiverConfig()
	return &Config{
		SIP: SIPConfig{
			Port:       sip.DefaultPort,
			T1:         timers.T1,
			T2:         timers.T2,
			TimerB:     timers.TimerB,
			TimerD:     timers.TimerD,
			ByeTimeout: sip.DefaultByeTimeout,
		},
		Media: MediaConfig{
			ListenDuration:   av.DefaultListenDuration,
			MinAudioDuration: av.DefaultMinAudioDuration,
			JitterDepth:      media.Jitter.TargetDepth,
			JitterMaxDelay:   media.Jitter.MaxDelay,
			JitterMaxPackets: media.Jitter.MaxPackets,
			PunchCount:       media.PunchCount,
			PunchInterval:    media.PunchInterval,
			Retry:            true,
			RetryDelay:       av.DefaultRetryDelay,
		},
		STUN: STUNConfig{
			Timeout: 1500 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			Interval:    time.Hour,
			ActiveFrom:  8,
			ActiveUntil: 17,
			History:     av.DefaultMaxHistory,
		},
		Log: logging.DefaultConfig(),
	}
}

// setDefaults registers every key with viper so that environment
// variables can override keys the file does not mention.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("sip.server", d.SIP.Server)
	v.SetDefault("sip.port", d.SIP.Port)
	v.SetDefault("sip.username", d.SIP.Username)
	v.SetDefault("sip.password", d.SIP.Password)
	v.SetDefault("sip.display_name", d.SIP.DisplayName)
	v.SetDefault("sip.domain", d.SIP.Domain)
	v.SetDefault("sip.target", d.SIP.Target)
	v.SetDefault("sip.local_port", d.SIP.LocalPort)
	v.SetDefault("sip.t1", d.SIP.T1)
	v.SetDefault("sip.t2", d.SIP.T2)
	v.SetDefault("sip.timer_b", d.SIP.TimerB)
	v.SetDefault("sip.timer_d", d.SIP.TimerD)
	v.SetDefault("sip.bye_timeout", d.SIP.ByeTimeout)

	v.SetDefault("media.bind_address", d.Media.BindAddress)
	v.SetDefault("media.rtp_port", d.Media.RTPPort)
	v.SetDefault("media.listen_duration", d.Media.ListenDuration)
	v.SetDefault("media.min_audio_duration", d.Media.MinAudioDuration)
	v.SetDefault("media.jitter_depth", d.Media.JitterDepth)
	v.SetDefault("media.jitter_max_delay", d.Media.JitterMaxDelay)
	v.SetDefault("media.jitter_max_packets", d.Media.JitterMaxPackets)
	v.SetDefault("media.punch_count", d.Media.PunchCount)
	v.SetDefault("media.punch_interval", d.Media.PunchInterval)
	v.SetDefault("media.keepalive_interval", d.Media.KeepaliveInterval)
	v.SetDefault("media.retry", d.Media.Retry)
	v.SetDefault("media.retry_delay", d.Media.RetryDelay)

	v.SetDefault("stun.server", d.STUN.Server)
	v.SetDefault("stun.timeout", d.STUN.Timeout)

	v.SetDefault("monitor.interval", d.Monitor.Interval)
	v.SetDefault("monitor.active_from", d.Monitor.ActiveFrom)
	v.SetDefault("monitor.active_until", d.Monitor.ActiveUntil)
	v.SetDefault("monitor.timezone", d.Monitor.Timezone)
	v.SetDefault("monitor.history", d.Monitor.History)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

// New returns a viper instance with defaults and environment overrides
// registered. Callers may bind command-line flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if not empty) and the environment into a Config.
// The result is not validated.
func Load(path string) (*Config, error) {
	return LoadFrom(New(), path)
}

// LoadFrom is Load with a caller-prepared viper instance.
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.SIP.Server) == "" {
		errs = append(errs, fmt.Errorf("%w: sip.server", ErrMissingField))
	}
	if c.SIP.Username == "" {
		errs = append(errs, fmt.Errorf("%w: sip.username", ErrMissingField))
	}
	if c.SIP.Password == "" {
		errs = append(errs, fmt.Errorf("%w: sip.password", ErrMissingField))
	}
	if strings.TrimSpace(c.SIP.Target) == "" {
		errs = append(errs, fmt.Errorf("%w: sip.target", ErrMissingField))
	}
	if c.SIP.Port < 1 || c.SIP.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: sip.port %d", ErrOutOfRange, c.SIP.Port))
	}
	if c.Media.ListenDuration < time.Second || c.Media.ListenDuration > MaxListenDuration {
		errs = append(errs, fmt.Errorf("%w: media.listen_duration %s must be between 1s and %s",
			ErrOutOfRange, c.Media.ListenDuration, MaxListenDuration))
	}
	if c.Media.MinAudioDuration < 0 || c.Media.MinAudioDuration > c.Media.ListenDuration {
		errs = append(errs, fmt.Errorf("%w: media.min_audio_duration %s exceeds listen window",
			ErrOutOfRange, c.Media.MinAudioDuration))
	}

	return errors.Join(errs...)
}

// ServerAddress returns the SIP server as host:port.
func (c *Config) ServerAddress() string {
	host := c.SIP.Server
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	port := c.SIP.Port
	if port == 0 {
		port = sip.DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Options converts the configuration into the engine's call snapshot.
func (c *Config) Options() av.Options {
	return av.Options{
		Server:      c.ServerAddress(),
		Target:      c.SIP.Target,
		Username:    c.SIP.Username,
		Password:    c.SIP.Password,
		DisplayName: c.SIP.DisplayName,
		Domain:      c.SIP.Domain,

		STUNServer:  c.STUN.Server,
		STUNTimeout: c.STUN.Timeout,

		BindAddress: c.Media.BindAddress,
		SIPPort:     c.SIP.LocalPort,
		RTPPort:     c.Media.RTPPort,

		ListenDuration:   c.Media.ListenDuration,
		MinAudioDuration: c.Media.MinAudioDuration,

		Timers: sip.TimerConfig{
			T1:     c.SIP.T1,
			T2:     c.SIP.T2,
			TimerB: c.SIP.TimerB,
			TimerD: c.SIP.TimerD,
		},
		ByeTimeout: c.SIP.ByeTimeout,

		Jitter: rtp.JitterConfig{
			TargetDepth: c.Media.JitterDepth,
			MaxDelay:    c.Media.JitterMaxDelay,
			MaxPackets:  c.Media.JitterMaxPackets,
		},
		PunchCount:        c.Media.PunchCount,
		PunchInterval:     c.Media.PunchInterval,
		KeepaliveInterval: c.Media.KeepaliveInterval,

		RetryDelay: c.Media.RetryDelay,
	}
}

// Schedule converts the monitor settings. An unknown timezone is an error.
func (c *Config) Schedule() (av.Schedule, error) {
	location := time.Local
	if c.Monitor.Timezone != "" {
		loc, err := time.LoadLocation(c.Monitor.Timezone)
		if err != nil {
			return av.Schedule{}, fmt.Errorf("monitor.timezone: %w", err)
		}
		location = loc
	}
	schedule := av.Schedule{
		Interval:    c.Monitor.Interval,
		ActiveFrom:  c.Monitor.ActiveFrom,
		ActiveUntil: c.Monitor.ActiveUntil,
		Location:    location,
	}
	if err := schedule.Validate(); err != nil {
		return av.Schedule{}, err
	}
	return schedule, nil
}

// Redacted returns a copy with the password masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.SIP.Password != "" {
		out.SIP.Password = "********"
	}
	return &out
}

// Write encodes c as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
