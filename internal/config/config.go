package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Source    SourceConfig    `mapstructure:"source"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Speed     SpeedConfig     `mapstructure:"speed"`
	Violation ViolationConfig `mapstructure:"violation"`
	Evidence  EvidenceConfig  `mapstructure:"evidence"`
	Plate     PlateConfig     `mapstructure:"plate"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
	// AdminUser/AdminPassword gate the protected API group; leaving them
	// empty disables login entirely.
	AdminUser     string `mapstructure:"admin_user"`
	AdminPassword string `mapstructure:"admin_password"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type SourceConfig struct {
	Path string `mapstructure:"path"`
	// FPS overrides the container's declared rate when > 0. Timestamps are
	// always frame_index / fps, never wall clock.
	FPS  float64 `mapstructure:"fps"`
	Loop bool    `mapstructure:"loop"`
}

type DetectorConfig struct {
	ModelPath  string  `mapstructure:"model_path"`
	ConfigPath string  `mapstructure:"config_path"`
	Backend    string  `mapstructure:"backend"`
	MinConf    float64 `mapstructure:"min_confidence"`
	// Every Nth frame is offered to the detector; intermediate frames still
	// feed the preview and evidence buffers.
	Frequency int `mapstructure:"frequency"`
	// Scale < 1 downsizes the detection copy; boxes are mapped back.
	Scale float64 `mapstructure:"scale"`
}

type TrackerConfig struct {
	MatchThreshold float64 `mapstructure:"match_threshold"`
	NewTrackConf   float64 `mapstructure:"new_track_confidence"`
	MaxAge         int     `mapstructure:"max_age"`
	MinHits        int     `mapstructure:"min_hits"`
}

type SpeedConfig struct {
	// PixelToMeter is the calibration factor for the camera geometry.
	PixelToMeter float64 `mapstructure:"pixel_to_meter"`
	Smoothing    float64 `mapstructure:"smoothing"`
	HistorySize  int     `mapstructure:"history_size"`
}

type ViolationConfig struct {
	SpeedLimit float64       `mapstructure:"speed_limit"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

type EvidenceConfig struct {
	BaseDir       string        `mapstructure:"base_dir"`
	PreSeconds    float64       `mapstructure:"pre_seconds"`
	PostSeconds   float64       `mapstructure:"post_seconds"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BufferTimeout time.Duration `mapstructure:"buffer_timeout"`
	FFmpegPath    string        `mapstructure:"ffmpeg_path"`
}

type PlateConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Pattern  string        `mapstructure:"pattern"`
	MinConf  float64       `mapstructure:"min_confidence"`
}

type NotifyConfig struct {
	// URLs are shoutrrr service URLs, e.g. telegram://token@telegram?chats=id.
	URLs    []string      `mapstructure:"urls"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "speedcam")
	v.SetDefault("database.name", "speedcam")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("source.fps", 0)
	v.SetDefault("source.loop", false)
	v.SetDefault("detector.min_confidence", 0.25)
	v.SetDefault("detector.frequency", 1)
	v.SetDefault("detector.scale", 1.0)
	v.SetDefault("detector.backend", "cpu")
	v.SetDefault("tracker.match_threshold", 0.3)
	v.SetDefault("tracker.new_track_confidence", 0.4)
	v.SetDefault("tracker.max_age", 30)
	v.SetDefault("tracker.min_hits", 3)
	v.SetDefault("speed.pixel_to_meter", 0.13)
	v.SetDefault("speed.smoothing", 0.75)
	v.SetDefault("speed.history_size", 8)
	v.SetDefault("violation.speed_limit", 40)
	v.SetDefault("violation.cooldown", 3*time.Second)
	v.SetDefault("evidence.base_dir", "violations")
	v.SetDefault("evidence.pre_seconds", 2.0)
	v.SetDefault("evidence.post_seconds", 3.0)
	v.SetDefault("evidence.buffer_size", 90)
	v.SetDefault("evidence.buffer_timeout", 5*time.Second)
	v.SetDefault("evidence.ffmpeg_path", "ffmpeg")
	v.SetDefault("plate.timeout", 5*time.Second)
	v.SetDefault("plate.pattern", `^[0-9]{2}[A-Z][0-9]{5}$`)
	v.SetDefault("plate.min_confidence", 0.5)
	v.SetDefault("notify.timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads configuration from the given file (optional), then the working
// directory, with SPEEDCAM_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SPEEDCAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("speedcam")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/speedcam")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
