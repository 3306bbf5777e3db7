package config

import (
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by the server.
const EnvPrefix = "PIPING"

// ServerConfig holds configuration for the server binary.
type ServerConfig struct {
	HTTPPort    int
	EnableHTTPS bool
	HTTPSPort   int
	CrtPath     string
	KeyPath     string
	SelfSigned  bool
	EnableHTTP3 bool

	LogLevel  string
	LogFormat string

	PairingTimeout  time.Duration
	BufferSize      datasize.ByteSize
	MaxReceivers    int
	MaxPaths        int
	RequestsPerMin  int
	RequestsBurst   int
	CountParam      string
	MetricsAddr     string
	ShutdownTimeout time.Duration

	ConfigFile  string
	ShowVersion bool
}

// ParseServerConfig parses server configuration from, in increasing order
// of precedence, defaults, an optional config file, PIPING_* environment
// variables and command line flags.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(pflag.CommandLine, os.Args[1:], afero.NewOsFs())
}

// parseServerConfigWithFlagSet is an internal helper for testing with
// isolated flag sets and filesystems.
func parseServerConfigWithFlagSet(fs *pflag.FlagSet, args []string, afs afero.Fs) (ServerConfig, error) {
	fs.Int("http-port", 8080, "HTTP port")
	fs.Bool("enable-https", false, "enable HTTPS")
	fs.Int("https-port", 0, "HTTPS port")
	fs.String("crt-path", "", "certificate path")
	fs.String("key-path", "", "private key path")
	fs.Bool("self-signed", false, "serve HTTPS with a generated self-signed certificate")
	fs.Bool("enable-http3", false, "also serve HTTP/3 on the HTTPS port (UDP)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "json", "log format (json, console)")
	fs.Duration("pairing-timeout", 5*time.Minute, "how long a path may wait for its counterpart (0 disables)")
	fs.String("buffer-size", "16KB", "relay chunk size")
	fs.Int("max-receivers", 0, "max receivers per path (0 = unlimited)")
	fs.Int("max-paths", 0, "max concurrently claimed paths (0 = unlimited)")
	fs.Int("requests-per-min", 0, "max requests per minute per IP (0 = unlimited)")
	fs.Int("requests-burst", 10, "request burst per IP")
	fs.String("count-param", "n", "query parameter carrying the receiver count")
	fs.String("metrics-addr", "", "address of the metrics listener (empty disables)")
	fs.Duration("shutdown-timeout", 10*time.Second, "how long running transfers may finish on shutdown")
	fs.String("config", "", "config file (yaml, json or toml)")
	fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	v := viper.New()
	v.SetFs(afs)
	if err := v.BindPFlags(fs); err != nil {
		return ServerConfig{}, errors.Wrap(err, "bind flags")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return ServerConfig{}, errors.Wrapf(err, "read config %s", file)
		}
	}

	cfg := ServerConfig{
		HTTPPort:        v.GetInt("http-port"),
		EnableHTTPS:     v.GetBool("enable-https"),
		HTTPSPort:       v.GetInt("https-port"),
		CrtPath:         v.GetString("crt-path"),
		KeyPath:         v.GetString("key-path"),
		SelfSigned:      v.GetBool("self-signed"),
		EnableHTTP3:     v.GetBool("enable-http3"),
		LogLevel:        v.GetString("log-level"),
		LogFormat:       v.GetString("log-format"),
		PairingTimeout:  v.GetDuration("pairing-timeout"),
		MaxReceivers:    v.GetInt("max-receivers"),
		MaxPaths:        v.GetInt("max-paths"),
		RequestsPerMin:  v.GetInt("requests-per-min"),
		RequestsBurst:   v.GetInt("requests-burst"),
		CountParam:      v.GetString("count-param"),
		MetricsAddr:     v.GetString("metrics-addr"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
		ConfigFile:      v.GetString("config"),
		ShowVersion:     v.GetBool("version"),
	}
	if err := cfg.BufferSize.UnmarshalText([]byte(v.GetString("buffer-size"))); err != nil {
		return ServerConfig{}, errors.Wrapf(err, "parse buffer-size %q", v.GetString("buffer-size"))
	}
	return cfg, nil
}

// Validate checks option combinations that flag parsing cannot.
func (c ServerConfig) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return errors.Errorf("invalid http-port %d", c.HTTPPort)
	}
	if c.EnableHTTPS {
		if c.HTTPSPort < 1 || c.HTTPSPort > 65535 {
			return errors.Errorf("--enable-https requires a valid --https-port, got %d", c.HTTPSPort)
		}
		if !c.SelfSigned && (c.CrtPath == "" || c.KeyPath == "") {
			return errors.New("--enable-https requires --crt-path and --key-path, or --self-signed")
		}
	}
	if c.EnableHTTP3 && !c.EnableHTTPS {
		return errors.New("--enable-http3 requires --enable-https")
	}
	if c.PairingTimeout < 0 {
		return errors.Errorf("negative pairing-timeout %s", c.PairingTimeout)
	}
	if c.BufferSize < datasize.B || c.BufferSize > 16*datasize.MB {
		return errors.Errorf("buffer-size %s out of range [1B, 16MB]", c.BufferSize.HR())
	}
	if c.MaxReceivers < 0 || c.MaxPaths < 0 || c.RequestsPerMin < 0 {
		return errors.New("limits must not be negative")
	}
	if c.CountParam == "" {
		return errors.New("count-param must not be empty")
	}
	return nil
}
