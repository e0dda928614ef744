package cmn

import (
	"os"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the explicit, immutable-once-loaded configuration value.
// There is no process-wide config singleton (contrast with the teacher's
// ais.globalConfig/configOwner, which this replaces per the Design Notes'
// "replace global runtime-config singleton" directive): a caller builds
// one Config, passes it to simloop.New by pointer, and hands sections of
// it to other constructors (Weed to reweight.New, Backend.Blocksize to
// workmgr.NewLocal).
type Config struct {
	Limits     LimitsConfig     `json:"limits"`
	Backend    BackendConfig    `json:"backend"`
	Weed       WeedConfig       `json:"weed"`
	Data       DataConfig       `json:"data"`
	Bins       BinsConfig       `json:"bins"`
	Wemd       WemdConfig       `json:"wemd"`
}

type LimitsConfig struct {
	MaxIterations uint64        `json:"max_iterations"`
	MaxWallclock  time.Duration `json:"max_wallclock"` // parsed from "H:M:S"
}

// UnmarshalJSON reads max_wallclock as an "H:M:S" string (see ParseHMS).
func (l *LimitsConfig) UnmarshalJSON(b []byte) error {
	var raw struct {
		MaxIterations uint64 `json:"max_iterations"`
		MaxWallclock  string `json:"max_wallclock"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d, err := ParseHMS(raw.MaxWallclock)
	if err != nil {
		return err
	}
	l.MaxIterations, l.MaxWallclock = raw.MaxIterations, d
	return nil
}

type BackendConfig struct {
	Blocksize int `json:"blocksize"` // default 1
}

type WeedConfig struct {
	DoEquilibriumReweighting bool   `json:"do_equilibrium_reweighting"`
	WindowSize               string `json:"window_size"` // "0.5" (fraction) or "50" (fixed)
	MaxWindowSize            int    `json:"max_window_size"`
	ReweightPeriod           int    `json:"reweight_period"`
	Priority                 int    `json:"priority"`
}

type DataConfig struct {
	State string `json:"state"` // path to checkpoint blob, required
}

type BinsConfig struct {
	Type           string `json:"type"`
	SourcePcoords  string `json:"source_pcoords"`
}

type WemdConfig struct {
	InitialParticles int     `json:"initial_particles"`
	InitialPcoord    []float64 `json:"initial_pcoord"`
}

// WindowKind is the parsed form of WeedConfig.WindowSize.
type WindowKind int

const (
	WindowFixed WindowKind = iota
	WindowFraction
)

// Window returns the parsed window kind and value. A string containing "."
// is a fraction in (0,1]; otherwise it is a fixed integer window. This is
// the Go-native reading of the original westext.weed windowsize parsing
// (a string sniffed for a decimal point).
func (w WeedConfig) Window() (kind WindowKind, value float64, err error) {
	s := strings.TrimSpace(w.WindowSize)
	if s == "" {
		return WindowFraction, 0.5, nil
	}
	if strings.Contains(s, ".") {
		f, perr := strconv.ParseFloat(s, 64)
		if perr != nil {
			return 0, 0, Wrapf(ErrConfig, "invalid weed.window_size %q: %v", s, perr)
		}
		if f <= 0 || f > 1 {
			return 0, 0, Wrapf(ErrConfig, "weed.window_size fraction must be in (0,1], got %v", f)
		}
		return WindowFraction, f, nil
	}
	n, perr := strconv.Atoi(s)
	if perr != nil {
		return 0, 0, Wrapf(ErrConfig, "invalid weed.window_size %q: %v", s, perr)
	}
	return WindowFixed, float64(n), nil
}

// Validate enforces the "required unless noted" rules from spec §6.
func (c *Config) Validate() error {
	if c.Limits.MaxIterations == 0 {
		return Wrap(ErrConfig, "limits.max_iterations is required and must be positive")
	}
	if c.Data.State == "" {
		return Wrap(ErrConfig, "data.state is required")
	}
	if c.Backend.Blocksize <= 0 {
		c.Backend.Blocksize = 1
	}
	if c.Weed.ReweightPeriod < 0 {
		return Wrap(ErrConfig, "weed.reweight_period must be non-negative")
	}
	return nil
}

// LoadConfig reads and validates a Config from a JSON file at path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, Wrapf(ErrConfig, "reading config %s: %v", path, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, Wrapf(ErrConfig, "parsing config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseHMS parses an "H:M:S" wallclock budget, as accepted by
// limits.max_wallclock.
func ParseHMS(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, Wrapf(ErrConfig, "invalid H:M:S wallclock %q", s)
	}
	var hms [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, Wrapf(ErrConfig, "invalid H:M:S wallclock %q: %v", s, err)
		}
		hms[i] = v
	}
	d := time.Duration(hms[0]*3600+hms[1]*60+hms[2]) * time.Second
	return d, nil
}
