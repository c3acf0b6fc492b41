package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/secmem"
	"github.com/castlink/cast-agent/internal/sink"
	"github.com/castlink/cast-agent/internal/storage"
)

const (
	configName = "cast-agent"
	envPrefix  = "CAST_AGENT"
	redacted   = "[REDACTED]"
)

type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Listen   string         `mapstructure:"listen" yaml:"listen"`
	Video    VideoConfig    `mapstructure:"video" yaml:"video"`
	Audio    AudioConfig    `mapstructure:"audio" yaml:"audio"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Grant    GrantConfig    `mapstructure:"grant" yaml:"grant"`
	Preview  PreviewConfig  `mapstructure:"preview" yaml:"preview"`
	WebRTC   WebRTCConfig   `mapstructure:"webrtc" yaml:"webrtc"`
	Record   RecordConfig   `mapstructure:"record" yaml:"record"`
	Upload   UploadConfig   `mapstructure:"upload" yaml:"upload"`
	Adaptive AdaptiveConfig `mapstructure:"adaptive" yaml:"adaptive"`
	Codec    CodecConfig    `mapstructure:"codec" yaml:"codec"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// VideoConfig selects the frame source and the initial encoder settings.
type VideoConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Source is "screen" or "pattern".
	Source           string        `mapstructure:"source" yaml:"source"`
	Display          int           `mapstructure:"display" yaml:"display"`
	Width            int           `mapstructure:"width" yaml:"width"`
	Height           int           `mapstructure:"height" yaml:"height"`
	FrameRate        int           `mapstructure:"frame_rate" yaml:"frame_rate"`
	Codec            string        `mapstructure:"codec" yaml:"codec"`
	BitrateBits      int           `mapstructure:"bitrate_bits" yaml:"bitrate_bits"`
	MinBitrateBits   int           `mapstructure:"min_bitrate_bits" yaml:"min_bitrate_bits"`
	MaxBitrateBits   int           `mapstructure:"max_bitrate_bits" yaml:"max_bitrate_bits"`
	KeyFrameInterval time.Duration `mapstructure:"key_frame_interval" yaml:"key_frame_interval"`
}

// AudioConfig selects the sample source and the initial encoder settings.
type AudioConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Source is "microphone" or "tone".
	Source string `mapstructure:"source" yaml:"source"`
	// Device is a platform capture endpoint id; empty is the default device.
	Device         string  `mapstructure:"device" yaml:"device,omitempty"`
	ToneHz         float64 `mapstructure:"tone_hz" yaml:"tone_hz"`
	SampleRate     int     `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels       int     `mapstructure:"channels" yaml:"channels"`
	Codec          string  `mapstructure:"codec" yaml:"codec"`
	BitrateBits    int     `mapstructure:"bitrate_bits" yaml:"bitrate_bits"`
	MinBitrateBits int     `mapstructure:"min_bitrate_bits" yaml:"min_bitrate_bits"`
	MaxBitrateBits int     `mapstructure:"max_bitrate_bits" yaml:"max_bitrate_bits"`
}

type PipelineConfig struct {
	DrainTimeout        time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	JoinGrace           time.Duration `mapstructure:"join_grace" yaml:"join_grace"`
	DrainPoll           time.Duration `mapstructure:"drain_poll" yaml:"drain_poll"`
	AudioAcquireTimeout time.Duration `mapstructure:"audio_acquire_timeout" yaml:"audio_acquire_timeout"`
	AudioBlock          time.Duration `mapstructure:"audio_block" yaml:"audio_block"`
}

// GrantConfig controls capture consent. An empty Token means a local grant
// is issued at startup.
type GrantConfig struct {
	TTL   time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Token string        `mapstructure:"token" yaml:"token,omitempty"`
}

type PreviewConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowControl   bool     `mapstructure:"allow_control" yaml:"allow_control"`
	ClientQueue    int      `mapstructure:"client_queue" yaml:"client_queue"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`
}

type WebRTCConfig struct {
	Enabled       bool             `mapstructure:"enabled" yaml:"enabled"`
	ICEServers    []sink.ICEServer `mapstructure:"ice_servers" yaml:"ice_servers"`
	MaxPeers      int              `mapstructure:"max_peers" yaml:"max_peers"`
	GatherTimeout time.Duration    `mapstructure:"gather_timeout" yaml:"gather_timeout"`
}

type RecordConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Dir             string        `mapstructure:"dir" yaml:"dir"`
	SegmentDuration time.Duration `mapstructure:"segment_duration" yaml:"segment_duration"`
	MinFreeMB       uint64        `mapstructure:"min_free_mb" yaml:"min_free_mb"`
}

// UploadConfig selects a storage provider for finished segments. Secret
// fields are plain strings only until StorageConfig wraps them.
type UploadConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	Provider          string `mapstructure:"provider" yaml:"provider"`
	Prefix            string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	DeleteAfterUpload bool   `mapstructure:"delete_after_upload" yaml:"delete_after_upload"`
	Workers           int    `mapstructure:"workers" yaml:"workers"`
	QueueSize         int    `mapstructure:"queue_size" yaml:"queue_size"`
	MaxRetries        int    `mapstructure:"max_retries" yaml:"max_retries"`

	Path             string `mapstructure:"path" yaml:"path,omitempty"`
	Bucket           string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Region           string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint         string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKeyID      string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey  string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	SessionToken     string `mapstructure:"session_token" yaml:"session_token,omitempty"`
	CredentialsFile  string `mapstructure:"credentials_file" yaml:"credentials_file,omitempty"`
	AccountName      string `mapstructure:"account_name" yaml:"account_name,omitempty"`
	AccountKey       string `mapstructure:"account_key" yaml:"account_key,omitempty"`
	ConnectionString string `mapstructure:"connection_string" yaml:"connection_string,omitempty"`
	KeyID            string `mapstructure:"key_id" yaml:"key_id,omitempty"`
	ApplicationKey   string `mapstructure:"application_key" yaml:"application_key,omitempty"`
}

// AdaptiveConfig tunes the RTCP-driven video bitrate loop.
type AdaptiveConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

type CodecConfig struct {
	// FFmpegPath overrides the PATH lookup for the h264 backend.
	FFmpegPath string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path,omitempty"`
}

func Default() *Config {
	timing := capture.DefaultTiming()
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Listen: "127.0.0.1:8090",
		Video: VideoConfig{
			Enabled:          true,
			Source:           "screen",
			Width:            1280,
			Height:           720,
			FrameRate:        capture.DefaultFrameRate,
			BitrateBits:      capture.DefaultVideoBitrateBits,
			MinBitrateBits:   capture.DefaultVideoBitrate.Min,
			MaxBitrateBits:   capture.DefaultVideoBitrate.Max,
			KeyFrameInterval: capture.DefaultKeyFrameInterval,
		},
		Audio: AudioConfig{
			Enabled:        true,
			Source:         "microphone",
			ToneHz:         440,
			SampleRate:     capture.DefaultSampleRate,
			Channels:       capture.DefaultChannels,
			BitrateBits:    capture.DefaultAudioBitrateBits,
			MinBitrateBits: capture.DefaultAudioBitrate.Min,
			MaxBitrateBits: capture.DefaultAudioBitrate.Max,
		},
		Pipeline: PipelineConfig{
			DrainTimeout:        timing.DrainTimeout,
			JoinGrace:           timing.JoinGrace,
			DrainPoll:           timing.DrainPoll,
			AudioAcquireTimeout: timing.AudioAcquireTimeout,
			AudioBlock:          timing.AudioBlock,
		},
		Grant: GrantConfig{TTL: 8 * time.Hour},
		Preview: PreviewConfig{
			Enabled:      true,
			AllowControl: true,
			ClientQueue:  32,
		},
		WebRTC: WebRTCConfig{
			Enabled:       true,
			ICEServers:    []sink.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			MaxPeers:      4,
			GatherTimeout: 20 * time.Second,
		},
		Record: RecordConfig{
			Dir:             filepath.Join(dataDir(), "recordings"),
			SegmentDuration: time.Minute,
			MinFreeMB:       512,
		},
		Upload: UploadConfig{
			Provider:   storage.Local,
			Workers:    2,
			QueueSize:  256,
			MaxRetries: 3,
		},
		Adaptive: AdaptiveConfig{
			Enabled:  true,
			Cooldown: 2 * time.Second,
		},
	}
}

// Load reads cfgFile, or cast-agent.yaml from the default search path when
// cfgFile is empty. A missing default file is not an error. Environment
// variables like CAST_AGENT_VIDEO_CODEC override file values.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// newViper returns an isolated viper instance with every key of defaults
// registered, so AutomaticEnv can resolve nested keys without a file.
func newViper(defaults *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	data, err := yaml.Marshal(defaults)
	if err == nil {
		var tree map[string]any
		if yaml.Unmarshal(data, &tree) == nil {
			setDefaults(v, "", tree)
		}
	}
	// Keys omitted from the defaults because they are empty. Registering
	// them lets environment variables reach them.
	for _, key := range []string{
		"logging.file", "grant.token", "audio.device", "preview.allowed_origins", "codec.ffmpeg_path",
		"upload.prefix", "upload.path", "upload.bucket", "upload.region", "upload.endpoint",
		"upload.access_key_id", "upload.secret_access_key", "upload.session_token",
		"upload.credentials_file", "upload.account_name", "upload.account_key",
		"upload.connection_string", "upload.key_id", "upload.application_key",
	} {
		v.SetDefault(key, nil)
	}
	return v
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg as YAML. Secrets are written as they are, so the file
// is restricted to its owner.
func SaveTo(cfg *Config, cfgFile string) error {
	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), configName+".yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(cfgPath, 0o600)
}

// Redacted returns a copy of cfg with every secret replaced, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.WebRTC.ICEServers = make([]sink.ICEServer, len(c.WebRTC.ICEServers))
	for i, s := range c.WebRTC.ICEServers {
		if s.Credential != "" {
			s.Credential = redacted
		}
		out.WebRTC.ICEServers[i] = s
	}
	for _, p := range []*string{
		&out.Grant.Token,
		&out.Upload.SecretAccessKey,
		&out.Upload.SessionToken,
		&out.Upload.AccountKey,
		&out.Upload.ConnectionString,
		&out.Upload.ApplicationKey,
	} {
		if *p != "" {
			*p = redacted
		}
	}
	return &out
}

// Timing converts the pipeline section for the controller.
func (c *Config) Timing() capture.Timing {
	t := capture.DefaultTiming()
	t.DrainTimeout = c.Pipeline.DrainTimeout
	t.JoinGrace = c.Pipeline.JoinGrace
	t.DrainPoll = c.Pipeline.DrainPoll
	t.AudioAcquireTimeout = c.Pipeline.AudioAcquireTimeout
	t.AudioBlock = c.Pipeline.AudioBlock
	return t
}

// SessionConfig builds the initial session settings for media.
func (c *Config) SessionConfig(media capture.MediaType) capture.SessionConfig {
	if media == capture.Video {
		return capture.SessionConfig{
			Codec:            c.Video.Codec,
			Video:            capture.VideoParams{Width: c.Video.Width, Height: c.Video.Height, FrameRate: c.Video.FrameRate},
			BitrateBits:      c.Video.BitrateBits,
			KeyFrameInterval: c.Video.KeyFrameInterval,
		}
	}
	return capture.SessionConfig{
		Codec:       c.Audio.Codec,
		Audio:       capture.AudioParams{SampleRate: c.Audio.SampleRate, Channels: c.Audio.Channels},
		BitrateBits: c.Audio.BitrateBits,
	}
}

// BitrateRange returns the configured clamp bounds for media.
func (c *Config) BitrateRange(media capture.MediaType) capture.BitrateRange {
	if media == capture.Video {
		return capture.BitrateRange{Min: c.Video.MinBitrateBits, Max: c.Video.MaxBitrateBits}
	}
	return capture.BitrateRange{Min: c.Audio.MinBitrateBits, Max: c.Audio.MaxBitrateBits}
}

// StorageConfig wraps the upload section for storage.New and clears the
// plain-text secrets from u.
func (u *UploadConfig) StorageConfig() storage.Config {
	sc := storage.Config{
		Provider:         u.Provider,
		Path:             u.Path,
		Bucket:           u.Bucket,
		Region:           u.Region,
		Endpoint:         u.Endpoint,
		AccessKeyID:      u.AccessKeyID,
		SecretAccessKey:  wrapSecret(&u.SecretAccessKey),
		SessionToken:     wrapSecret(&u.SessionToken),
		CredentialsFile:  u.CredentialsFile,
		AccountName:      u.AccountName,
		AccountKey:       wrapSecret(&u.AccountKey),
		ConnectionString: wrapSecret(&u.ConnectionString),
		KeyID:            u.KeyID,
		ApplicationKey:   wrapSecret(&u.ApplicationKey),
	}
	return sc
}

func wrapSecret(s *string) *secmem.SecureString {
	if *s == "" {
		return nil
	}
	sec := secmem.NewSecureString(*s)
	*s = ""
	return sec
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "CastAgent")
	case "darwin":
		return "/Library/Application Support/CastAgent"
	default:
		return "/etc/cast-agent"
	}
}

func dataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "CastAgent")
	case "darwin":
		return "/Library/Application Support/CastAgent"
	default:
		return "/var/lib/cast-agent"
	}
}

// Path returns the file Load would read when no --config is given.
func Path() string {
	return filepath.Join(configDir(), configName+".yaml")
}
