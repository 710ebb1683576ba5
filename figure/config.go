package figure

import (
	"fmt"
	"os"
	"time"

	"github.com/guseggert/goplotly/browser"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variables read by LoadConfig, e.g. PLOTLY_CALL_TIMEOUT.
const EnvPrefix = "PLOTLY"

type Config struct {
	// CallTimeout bounds each command's wait for a reply.
	CallTimeout time.Duration `yaml:"callTimeout" envconfig:"CALL_TIMEOUT"`
	// LaunchTimeout bounds how long the browser may take to become reachable.
	LaunchTimeout time.Duration `yaml:"launchTimeout" envconfig:"LAUNCH_TIMEOUT"`
	// ConnectTimeout bounds how long the launched page may take to open its websocket.
	ConnectTimeout time.Duration `yaml:"connectTimeout" envconfig:"CONNECT_TIMEOUT"`
	// GracePeriod is how long the browser gets to exit before it is killed.
	GracePeriod     time.Duration `yaml:"gracePeriod" envconfig:"GRACE_PERIOD"`
	DownloadTimeout time.Duration `yaml:"downloadTimeout" envconfig:"DOWNLOAD_TIMEOUT"`

	BindAddr    string `yaml:"bindAddr" envconfig:"BIND_ADDR"`
	WebappDir   string `yaml:"webappDir" envconfig:"WEBAPP_DIR"`
	BrowserPath string `yaml:"browserPath" envconfig:"BROWSER_PATH"`
	// Launcher is "local" or "docker".
	Launcher    string `yaml:"launcher" envconfig:"LAUNCHER"`
	DockerImage string `yaml:"dockerImage" envconfig:"DOCKER_IMAGE"`
	DownloadDir string `yaml:"downloadDir" envconfig:"DOWNLOAD_DIR"`
	LogLevel    string `yaml:"logLevel" envconfig:"LOG_LEVEL"`
}

func DefaultConfig() Config {
	return Config{
		CallTimeout:     5 * time.Second,
		LaunchTimeout:   browser.DefaultLaunchTimeout,
		ConnectTimeout:  10 * time.Second,
		GracePeriod:     browser.DefaultGracePeriod,
		DownloadTimeout: 5 * time.Second,
		BindAddr:        "127.0.0.1:0",
		Launcher:        "local",
		DockerImage:     browser.DefaultDockerImage,
		LogLevel:        "info",
	}
}

// LoadConfig starts from DefaultConfig, applies the YAML file at path if path is not empty,
// and then applies PLOTLY_* environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		err = yaml.Unmarshal(b, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	err := envconfig.Process(EnvPrefix, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("reading config from environment: %w", err)
	}
	_, err = cfg.level()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) level() (zapcore.Level, error) {
	if c.LogLevel == "" {
		return zapcore.InfoLevel, nil
	}
	l, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
