package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/Zereker/tapproxy"
)

const envPrefix = "TAPDUMP_"

// Capture and output file names inside the working directory.
const (
	ClientStream = "client.stream"
	ServerStream = "server.stream"
	ClientDump   = "client.txt"
	ServerDump   = "server.txt"
)

// Config holds the tapdump settings.
type Config struct {
	ConfigFile  string
	Definitions string
	Logic       string
	WorkingDir  string
	Hex         bool
	JSON        bool
	LogLevel    string
	Taps        []TapSpec
	Key         string
	Nonce       string
	Metrics     string
	MaxInflated int
}

// TapSpec selects a message, and optionally one field of it, for the tap log.
type TapSpec struct {
	Message string // name or numeric id
	Field   string
}

// ParseTapSpec parses "message[:field]".
func ParseTapSpec(v string) (TapSpec, error) {
	msg, field, _ := strings.Cut(strings.TrimSpace(v), ":")
	if msg == "" {
		return TapSpec{}, errors.Errorf("bad tap %q: want message[:field]", v)
	}
	return TapSpec{Message: msg, Field: field}, nil
}

func (s TapSpec) String() string {
	if s.Field == "" {
		return s.Message
	}
	return s.Message + ":" + s.Field
}

// tapdump config.toml key mapping.
type fileConfig struct {
	Definitions string   `toml:"definitions"`
	Logic       string   `toml:"logic"`
	WorkingDir  string   `toml:"working_dir"`
	Hex         bool     `toml:"hex"`
	JSON        bool     `toml:"json"`
	LogLevel    string   `toml:"log_level"`
	Taps        []string `toml:"taps"`
	Key         string   `toml:"key"`
	Nonce       string   `toml:"nonce"`
	Metrics     string   `toml:"metrics"`
	MaxInflated int      `toml:"max_inflated"`
}

// fileKeys maps config file keys to the flags that override them.
var fileKeys = map[string][]string{
	"definitions":  {"d", "definitions"},
	"logic":        {"l", "logic"},
	"working_dir":  {"w", "working-dir"},
	"hex":          {"hex"},
	"json":         {"json"},
	"log_level":    {"log-level"},
	"taps":         {"tap"},
	"key":          {"key"},
	"nonce":        {"nonce"},
	"metrics":      {"metrics"},
	"max_inflated": {"max-inflated"},
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return def
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags to fs.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	c.ConfigFile = getEnv("CONFIG_FILE", "")
	c.Definitions = getEnv("DEFINITIONS", "")
	c.Logic = getEnv("LOGIC", "")
	c.WorkingDir = getEnv("WORKING_DIR", ".")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.Key = getEnv("KEY", "")
	c.Nonce = getEnv("NONCE", "nonce")
	c.Metrics = getEnv("METRICS", "")

	fs.StringVar(&c.ConfigFile, "c", c.ConfigFile, "config file (shorthand)")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "TOML config file path")
	fs.StringVar(&c.Definitions, "d", c.Definitions, "definition directory (shorthand)")
	fs.StringVar(&c.Definitions, "definitions", c.Definitions, "directory or file to load message definitions from; built-in set when empty")
	fs.StringVar(&c.Logic, "l", c.Logic, "logic path (shorthand)")
	fs.StringVar(&c.Logic, "logic", c.Logic, "directory or apk to load game logic csv files from")
	fs.StringVar(&c.WorkingDir, "w", c.WorkingDir, "working directory (shorthand)")
	fs.StringVar(&c.WorkingDir, "working-dir", c.WorkingDir, "directory holding client.stream and server.stream")
	fs.BoolVar(&c.Hex, "hex", c.Hex, "dump messages as hex")
	fs.BoolVar(&c.JSON, "json", c.JSON, "dump messages as json")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.Func("tap", "log a message or one of its fields as message[:field]; repeatable", func(v string) error {
		spec, err := ParseTapSpec(v)
		if err != nil {
			return err
		}
		c.Taps = append(c.Taps, spec)
		return nil
	})
	fs.StringVar(&c.Key, "key", c.Key, "payload cipher key; payloads are read in clear when empty")
	fs.StringVar(&c.Nonce, "nonce", c.Nonce, "payload cipher nonce")
	fs.StringVar(&c.Metrics, "metrics", c.Metrics, "write prometheus metrics to this file at exit, - for stdout")
	fs.IntVar(&c.MaxInflated, "max-inflated", c.MaxInflated, "largest inflated zipstring in bytes; 0 for the default")
}

// Parse parses args and overlays the config file, if any, for every key
// that was not given on the command line.
func (c *Config) Parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.ConfigFile == "" {
		return nil
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return c.LoadFile(c.ConfigFile, set)
}

// LoadFile overlays keys defined in a TOML file, skipping keys whose flags
// are in skip.
func (c *Config) LoadFile(path string, skip map[string]bool) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return errors.Wrap(err, "load tapdump config")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("load tapdump config: unknown key %s", undecoded[0])
	}

	use := func(key string) bool {
		if !meta.IsDefined(key) {
			return false
		}
		for _, name := range fileKeys[key] {
			if skip[name] {
				return false
			}
		}
		return true
	}

	if use("definitions") {
		c.Definitions = strings.TrimSpace(raw.Definitions)
	}
	if use("logic") {
		c.Logic = strings.TrimSpace(raw.Logic)
	}
	if use("working_dir") {
		c.WorkingDir = strings.TrimSpace(raw.WorkingDir)
	}
	if use("hex") {
		c.Hex = raw.Hex
	}
	if use("json") {
		c.JSON = raw.JSON
	}
	if use("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if use("taps") {
		c.Taps = nil
		for _, v := range raw.Taps {
			spec, err := ParseTapSpec(v)
			if err != nil {
				return errors.Wrap(err, "load tapdump config")
			}
			c.Taps = append(c.Taps, spec)
		}
	}
	if use("key") {
		c.Key = raw.Key
	}
	if use("nonce") {
		c.Nonce = raw.Nonce
	}
	if use("metrics") {
		c.Metrics = strings.TrimSpace(raw.Metrics)
	}
	if use("max_inflated") {
		c.MaxInflated = raw.MaxInflated
	}
	return nil
}

// Validate performs the pre-flight checks: the working directory and both
// captures must exist, as must the definition and logic paths when given.
// JSON output is enabled when no output mode is selected.
func (c *Config) Validate() error {
	if !c.Hex && !c.JSON {
		c.JSON = true
	}
	if c.WorkingDir == "" {
		c.WorkingDir = "."
	}
	if err := mustExist("working directory", c.WorkingDir, true); err != nil {
		return err
	}
	for _, name := range []string{ClientStream, ServerStream} {
		if err := mustExist("capture", c.Path(name), false); err != nil {
			return err
		}
	}
	if c.Definitions != "" {
		if err := mustExist("definitions", c.Definitions, false); err != nil {
			return err
		}
	}
	if c.Logic != "" {
		if err := mustExist("logic", c.Logic, false); err != nil {
			return err
		}
	}
	if c.MaxInflated < 0 {
		return errors.Errorf("max-inflated must not be negative, got %d", c.MaxInflated)
	}
	if c.Key != "" {
		if _, err := tapproxy.RC4([]byte(c.Key), []byte(c.Nonce)); err != nil {
			return errors.WithMessage(err, "key and nonce must be 1 to 256 bytes together")
		}
	}
	return nil
}

// Path returns name inside the working directory.
func (c *Config) Path(name string) string {
	return filepath.Join(c.WorkingDir, name)
}

func mustExist(what, path string, dir bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "%s %s", what, path)
	}
	if dir && !info.IsDir() {
		return errors.Errorf("%s %s: not a directory", what, path)
	}
	return nil
}
