package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// DefaultOptionsPath is the daemon configuration file.
const DefaultOptionsPath = "/etc/flow-sensor/flow-sensor.toml"

// Options configures the daemon itself. Operator-editable values live in Settings.
type Options struct {
	SerialDevice string        `toml:"serial_device"`
	Baudrate     uint          `toml:"baudrate"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	SettleDelay  time.Duration `toml:"settle_delay"`
	GPIOChip     string        `toml:"gpio_chip"`

	Interval     time.Duration `toml:"interval"`
	SettingsPath string        `toml:"settings_path"`
	HistoryPath  string        `toml:"history_path"` // empty disables run history

	HTTPAddr string `toml:"http_addr"` // empty disables the web server
	Broker   string `toml:"broker"`    // empty disables MQTT
	ClientID string `toml:"client_id"`
}

// DefaultOptions returns the options used when no file exists.
func DefaultOptions() Options {
	return Options{
		SerialDevice: "/dev/ttyACM0",
		Baudrate:     9600,
		ReadTimeout:  time.Second,
		SettleDelay:  200 * time.Millisecond,
		GPIOChip:     "gpiochip0",
		Interval:     3 * time.Second,
		SettingsPath: DefaultSettingsPath,
		HistoryPath:  "./data/flow_history.db",
		HTTPAddr:     ":8080",
		Broker:       "tcp://localhost:1883",
		ClientID:     "flow-sensor",
	}
}

// LoadOptions reads the TOML file at path over the defaults.
// A missing file yields the defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		log.Infof("config: no options file at %s, using defaults", path)
		return opts, nil
	}
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return DefaultOptions(), &Error{Kind: LoadFailure, Path: path, Err: err}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	return opts, nil
}
