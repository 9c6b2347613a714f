// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Serial  SerialConfig  `mapstructure:"serial"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Network NetworkConfig `mapstructure:"network"`
	USB     USBConfig     `mapstructure:"usb"`
	Loop    LoopConfig    `mapstructure:"loop"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Logging LoggingConfig `mapstructure:"logging"`
	App     AppConfig     `mapstructure:"app"`
}

// SerialConfig represents the UART the bridge talks to
type SerialConfig struct {
	Port     string        `mapstructure:"port" validate:"required"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	StopBits int           `mapstructure:"stop_bits"`
	Parity   string        `mapstructure:"parity"`
	RxBuffer int           `mapstructure:"rx_buffer"`
	ReadPoll time.Duration `mapstructure:"read_poll"`
}

// BridgeConfig represents the TCP listener and reply framing
type BridgeConfig struct {
	Listen         string        `mapstructure:"listen" validate:"required"`
	StartByte      string        `mapstructure:"start_byte"`
	Terminator     string        `mapstructure:"terminator"`
	BufferSize     int           `mapstructure:"buffer_size"`
	StartTimeout   time.Duration `mapstructure:"start_timeout"`
	CollectTimeout time.Duration `mapstructure:"collect_timeout"`
	ErrorPayload   string        `mapstructure:"error_payload"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// NetworkConfig represents the USB network interface descriptor
type NetworkConfig struct {
	MAC             string        `mapstructure:"mac"`
	MACAuto         bool          `mapstructure:"mac_auto"`
	IP              string        `mapstructure:"ip" validate:"required"`
	Mask            string        `mapstructure:"mask" validate:"required"`
	DHCPServer      bool          `mapstructure:"dhcp_server"`
	QueueSize       int           `mapstructure:"queue_size"`
	MTU             int           `mapstructure:"mtu"`
	TransmitTimeout time.Duration `mapstructure:"transmit_timeout"`
	LeaseTime       time.Duration `mapstructure:"lease_time"`
}

// USBConfig represents the USB bulk pipe carrying network frames
type USBConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	VendorID    string        `mapstructure:"vendor_id"`
	ProductID   string        `mapstructure:"product_id"`
	Config      int           `mapstructure:"config"`
	Interface   int           `mapstructure:"interface"`
	AltSetting  int           `mapstructure:"alt_setting"`
	InEndpoint  int           `mapstructure:"in_endpoint"`
	OutEndpoint int           `mapstructure:"out_endpoint"`
	Framing     string        `mapstructure:"framing"`
	MaxTransfer int           `mapstructure:"max_transfer"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Debug       bool          `mapstructure:"debug"`
}

// LoopConfig represents event loop timing
type LoopConfig struct {
	PollSlice time.Duration `mapstructure:"poll_slice"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// HTTPConfig represents the status API server
type HTTPConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	EchoEnabled    bool          `mapstructure:"echo_enabled"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// MQTTConfig represents the optional event exporter
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Topic          string        `mapstructure:"topic"`
	QoS            int           `mapstructure:"qos"`
	Encoding       string        `mapstructure:"encoding"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
}

// BindFlags registers command line flags that override the config file
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("serial.port", "", "serial device path")
	fs.Int("serial.baud_rate", 0, "serial baud rate")
	fs.String("bridge.listen", "", "TCP listen address of the bridge")
	fs.String("logging.level", "", "log level (debug, info, warn, error, fatal)")
}

// Load loads configuration from defaults, an optional file, environment
// variables and flags, in increasing priority
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("RNDIS_BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if fs != nil {
		if err := bindChangedFlags(v, fs); err != nil {
			return nil, fmt.Errorf("unable to bind flags: %w", err)
		}
	}

	path := v.GetString("config")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rndis-bridge")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Running on defaults is fine unless a file was asked for explicitly
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// bindChangedFlags binds only the flags set on the command line so that
// zero-valued flag defaults never shadow file or environment values
func bindChangedFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var bindErr error
	fs.Visit(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(f.Name, f)
	})
	return bindErr
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Serial defaults: 100 kbaud 8N1, no flow control
	v.SetDefault("serial.port", "/dev/ttyAMA1")
	v.SetDefault("serial.baud_rate", 100000)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.rx_buffer", 256)
	v.SetDefault("serial.read_poll", "20ms")

	// Bridge defaults
	v.SetDefault("bridge.listen", "0.0.0.0:8888")
	v.SetDefault("bridge.start_byte", "$")
	v.SetDefault("bridge.terminator", ":")
	v.SetDefault("bridge.buffer_size", 100)
	v.SetDefault("bridge.start_timeout", "100ms")
	v.SetDefault("bridge.collect_timeout", "1s")
	v.SetDefault("bridge.error_payload", "2;:")
	v.SetDefault("bridge.write_timeout", "5s")

	// Network interface defaults
	v.SetDefault("network.mac", "02:00:01:02:03:77")
	v.SetDefault("network.mac_auto", false)
	v.SetDefault("network.ip", "192.168.20.206")
	v.SetDefault("network.mask", "255.255.255.0")
	v.SetDefault("network.dhcp_server", true)
	v.SetDefault("network.queue_size", 4096)
	v.SetDefault("network.mtu", 1500)
	v.SetDefault("network.transmit_timeout", "50ms")
	v.SetDefault("network.lease_time", "1h")

	// USB defaults
	v.SetDefault("usb.enabled", true)
	v.SetDefault("usb.vendor_id", "0xcafe")
	v.SetDefault("usb.product_id", "0x4020")
	v.SetDefault("usb.config", 1)
	v.SetDefault("usb.interface", 1)
	v.SetDefault("usb.alt_setting", 0)
	v.SetDefault("usb.in_endpoint", 1)
	v.SetDefault("usb.out_endpoint", 2)
	v.SetDefault("usb.framing", "rndis")
	v.SetDefault("usb.max_transfer", 2048)
	v.SetDefault("usb.timeout", "5s")
	v.SetDefault("usb.debug", false)

	// Event loop defaults
	v.SetDefault("loop.poll_slice", "1ms")
	v.SetDefault("loop.heartbeat", "500ms")

	// HTTP defaults
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.echo_enabled", false)
	v.SetDefault("http.allowed_origins", []string{})

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "rndis-bridge")
	v.SetDefault("mqtt.topic", "rndis-bridge/events")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.encoding", "json")
	v.SetDefault("mqtt.connect_timeout", "5s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 7)
	v.SetDefault("logging.compress", true)

	// App defaults
	v.SetDefault("app.name", "rndis-bridge")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if config.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive")
	}
	if config.Bridge.Listen == "" {
		return fmt.Errorf("bridge.listen is required")
	}
	if len(config.Bridge.StartByte) != 1 {
		return fmt.Errorf("bridge.start_byte must be a single byte")
	}
	if len(config.Bridge.Terminator) != 1 {
		return fmt.Errorf("bridge.terminator must be a single byte")
	}
	if config.Bridge.BufferSize < 2 {
		return fmt.Errorf("bridge.buffer_size must be at least 2")
	}
	if config.Bridge.ErrorPayload == "" {
		return fmt.Errorf("bridge.error_payload is required")
	}
	if config.Network.IP == "" || config.Network.Mask == "" {
		return fmt.Errorf("network.ip and network.mask are required")
	}
	if config.Network.QueueSize <= 0 {
		return fmt.Errorf("network.queue_size must be positive")
	}

	validFramings := []string{"raw", "rndis"}
	if !contains(validFramings, config.USB.Framing) {
		return fmt.Errorf("usb.framing must be one of: %v", validFramings)
	}

	validEncodings := []string{"json", "cbor"}
	if !contains(validEncodings, config.MQTT.Encoding) {
		return fmt.Errorf("mqtt.encoding must be one of: %v", validEncodings)
	}
	if config.MQTT.QoS < 0 || config.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

// GetHTTPAddr returns the status API address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf("%s:%s", c.HTTP.Host, c.HTTP.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}
