package env

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ucp-ntfy/eredis/client"
)

// Config is shared by every command. Values are layered: the defaults, then
// an optional YAML file, then the environment (.env.local included).
type Config struct {
	Host     string `yaml:"host" env:"EREDIS_HOST"`
	Port     int    `yaml:"port" env:"EREDIS_PORT"`
	Database int    `yaml:"database" env:"EREDIS_DATABASE"`

	// Password is only ever read, it's never logged
	Password     string `yaml:"password" env:"EREDIS_PASSWORD"`
	PasswordFile string `yaml:"passwordFile" env:"EREDIS_PASSWORD_FILE"`

	ReconnectSleep time.Duration `yaml:"reconnectSleep" env:"EREDIS_RECONNECT_SLEEP"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" env:"EREDIS_CONNECT_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"writeTimeout" env:"EREDIS_WRITE_TIMEOUT"`

	LogLevel  string `yaml:"logLevel" env:"EREDIS_LOG_LEVEL"`
	DebugHTTP bool   `yaml:"debugHttp" env:"EREDIS_DEBUG_HTTP"`
}

func DefaultConfig() Config {
	return Config{
		Host:           client.DefaultHost,
		Port:           client.DefaultPort,
		ReconnectSleep: 100 * time.Millisecond,
		ConnectTimeout: client.DefaultConnectTimeout,
		WriteTimeout:   client.DefaultWriteTimeout,
		LogLevel:       "info",
	}
}

// LoadConfig builds the config. path may be empty, in which case no file is
// read.
func LoadConfig(ctx context.Context, path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		if err := loadFile(path, &config); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("Failed to load .env.local: %w", err)
		}
	}

	// Only variables that are set override what we have so far, zero values
	// included.
	lookuper := &recordingLookuper{
		Lookuper: envconfig.OsLookuper(),
		found:    map[string]bool{},
	}

	var fromEnv Config
	if err := envconfig.ProcessWith(ctx, &fromEnv, lookuper); err != nil {
		return nil, err
	}

	config.merge(fromEnv, lookuper.found)

	return &config, nil
}

func loadFile(path string, config *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("Failed to open config file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	if err := decoder.Decode(config); err != nil {
		return fmt.Errorf("Failed to parse config file %s: %w", path, err)
	}

	return nil
}

// recordingLookuper remembers which variables were set to something.
type recordingLookuper struct {
	envconfig.Lookuper
	found map[string]bool
}

func (l *recordingLookuper) Lookup(key string) (string, bool) {
	value, ok := l.Lookuper.Lookup(key)
	if !ok || value == "" {
		return "", false
	}

	l.found[key] = true
	return value, true
}

// merge copies the fields of o whose variable was found.
func (c *Config) merge(o Config, found map[string]bool) {
	from := reflect.ValueOf(o)
	to := reflect.ValueOf(c).Elem()

	for i := 0; i < from.NumField(); i++ {
		key := strings.Split(from.Type().Field(i).Tag.Get("env"), ",")[0]
		if found[key] {
			to.Field(i).Set(from.Field(i))
		}
	}
}

// ClientOptions turns the config into options for client.Connect. A password
// file takes precedence over a static password.
func (c *Config) ClientOptions() client.Options {
	opts := client.Options{
		Host:           c.Host,
		Port:           c.Port,
		Database:       c.Database,
		Password:       c.Password,
		ReconnectSleep: c.ReconnectSleep,
		ConnectTimeout: c.ConnectTimeout,
		WriteTimeout:   c.WriteTimeout,
	}

	if c.PasswordFile != "" {
		opts.Credentials = client.FilePassword(c.PasswordFile)
	}

	return opts
}
