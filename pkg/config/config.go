package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// PCMProfile describes one fixed hardware PCM configuration
type PCMProfile struct {
	Device      int `yaml:"device"`
	Channels    int `yaml:"channels"`
	Rate        int `yaml:"rate"`
	PeriodSize  int `yaml:"period_size"`
	PeriodCount int `yaml:"period_count"`
}

// Config represents the pcmhald configuration
type Config struct {
	Card struct {
		// ALSA card index holding the codec
		Index int `yaml:"index"`
		// Backend selects the transport: "alsa" or "mock"
		Backend string `yaml:"backend"`
	} `yaml:"card"`

	Profiles struct {
		MainOut PCMProfile `yaml:"main_out"`
		SCO     PCMProfile `yaml:"sco"`
		MainIn  PCMProfile `yaml:"main_in"`

		OutShortPeriodCount int `yaml:"out_short_period_count"`
		OutLongPeriodCount  int `yaml:"out_long_period_count"`
		MinWriteSleepUs     int `yaml:"min_write_sleep_us"`
		ResamplerQuality    int `yaml:"resampler_quality"`
	} `yaml:"profiles"`

	Routing struct {
		PathsFile    string `yaml:"paths_file"`
		OutputDevice uint32 `yaml:"output_device"`
		InputDevice  uint32 `yaml:"input_device"`
		Orientation  string `yaml:"orientation"`
	} `yaml:"routing"`

	Web struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
	} `yaml:"web"`

	API struct {
		UnixSocket string `yaml:"unix_socket"`
	} `yaml:"api"`

	Storage struct {
		DatabasePath string `yaml:"database_path"`
		MaxEvents    int    `yaml:"max_events"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		Console    bool   `yaml:"console"`
		Structured bool   `yaml:"structured"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Card.Backend == "" {
		c.Card.Backend = "alsa"
	}

	defaultProfile(&c.Profiles.MainOut, PCMProfile{Device: 0, Channels: 2, Rate: 44100, PeriodSize: 512, PeriodCount: 8})
	defaultProfile(&c.Profiles.SCO, PCMProfile{Device: 2, Channels: 1, Rate: 8000, PeriodSize: 256, PeriodCount: 4})
	defaultProfile(&c.Profiles.MainIn, PCMProfile{Device: 0, Channels: 2, Rate: 44100, PeriodSize: 1024, PeriodCount: 2})

	if c.Profiles.OutShortPeriodCount == 0 {
		c.Profiles.OutShortPeriodCount = 2
	}
	if c.Profiles.OutLongPeriodCount == 0 {
		c.Profiles.OutLongPeriodCount = 8
	}
	if c.Profiles.MinWriteSleepUs == 0 {
		c.Profiles.MinWriteSleepUs = 2000
	}
	if c.Profiles.ResamplerQuality == 0 {
		c.Profiles.ResamplerQuality = 4
	}

	if c.Routing.OutputDevice == 0 {
		c.Routing.OutputDevice = 0x2 // speaker
	}
	if c.Routing.InputDevice == 0 {
		c.Routing.InputDevice = 0x80000004 // built-in mic
	}
	if c.Routing.Orientation == "" {
		c.Routing.Orientation = "undefined"
	}

	if c.Web.Port == 0 {
		c.Web.Port = 8090
	}
	if c.Web.BindAddress == "" {
		c.Web.BindAddress = "127.0.0.1"
	}
	if c.API.UnixSocket == "" {
		c.API.UnixSocket = "/tmp/pcmhald.sock"
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./pcmhal.db"
	}
	if c.Storage.MaxEvents == 0 {
		c.Storage.MaxEvents = 5000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 28
	}
}

func defaultProfile(p *PCMProfile, def PCMProfile) {
	if p.Channels == 0 {
		p.Channels = def.Channels
	}
	if p.Rate == 0 {
		p.Rate = def.Rate
	}
	if p.PeriodSize == 0 {
		p.PeriodSize = def.PeriodSize
	}
	if p.PeriodCount == 0 {
		p.PeriodCount = def.PeriodCount
	}
	if p.Device == 0 {
		p.Device = def.Device
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Card.Backend != "alsa" && c.Card.Backend != "mock" {
		return fmt.Errorf("unknown card backend %q", c.Card.Backend)
	}

	profiles := map[string]PCMProfile{
		"main_out": c.Profiles.MainOut,
		"sco":      c.Profiles.SCO,
		"main_in":  c.Profiles.MainIn,
	}
	for name, p := range profiles {
		if p.Channels < 1 || p.Channels > 2 {
			return fmt.Errorf("profile %s: channels must be 1 or 2, got %d", name, p.Channels)
		}
		if p.PeriodSize%4 != 0 {
			return fmt.Errorf("profile %s: period size %d is not a multiple of 4", name, p.PeriodSize)
		}
	}

	if c.Profiles.OutShortPeriodCount > c.Profiles.OutLongPeriodCount {
		return fmt.Errorf("short period count %d exceeds long period count %d",
			c.Profiles.OutShortPeriodCount, c.Profiles.OutLongPeriodCount)
	}
	if c.Profiles.OutLongPeriodCount > c.Profiles.MainOut.PeriodCount {
		return fmt.Errorf("long period count %d exceeds main_out period count %d",
			c.Profiles.OutLongPeriodCount, c.Profiles.MainOut.PeriodCount)
	}
	if c.Profiles.ResamplerQuality < 0 || c.Profiles.ResamplerQuality > 10 {
		return fmt.Errorf("resampler quality must be between 0 and 10")
	}

	switch c.Routing.Orientation {
	case "landscape", "portrait", "square", "undefined":
	default:
		return fmt.Errorf("unknown orientation %q", c.Routing.Orientation)
	}
	return nil
}
