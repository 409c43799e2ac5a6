// Package config loads relay settings from an optional TOML file and
// command-line flags. Flags given explicitly win over the file.
package config

import (
	"flag"

	"github.com/mojo333/broadcast-relay/internal/logger"
	"github.com/mojo333/broadcast-relay/internal/relay"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

type Settings struct {
	Port       int        `koanf:"port"`
	EchoMarker int        `koanf:"echo_marker"`
	Left       Attachment `koanf:"left"`
	Right      Attachment `koanf:"right"`
	Log        Log        `koanf:"log"`
	Metrics    Metrics    `koanf:"metrics"`
}

type Attachment struct {
	Interface string `koanf:"interface"`
	Src       string `koanf:"src"`
	Dst       string `koanf:"dst"`
}

type Log struct {
	Verbose    bool   `koanf:"verbose"`
	Foreground bool   `koanf:"foreground"`
	File       string `koanf:"file"`
}

type Metrics struct {
	Listen string `koanf:"listen"`
}

// flagKeys maps each command-line flag to its configuration key.
var flagKeys = map[string]string{
	"port":        "port",
	"echo-marker": "echo_marker",
	"left":        "left.interface",
	"left-src":    "left.src",
	"left-dst":    "left.dst",
	"right":       "right.interface",
	"right-src":   "right.src",
	"right-dst":   "right.dst",
	"verbose":     "log.verbose",
	"debug":       "log.verbose",
	"foreground":  "log.foreground",
	"logfile":     "log.file",
	"metrics":     "metrics.listen",
}

// RegisterFlags adds the relay flags to fs and returns the location of the
// --config value.
func RegisterFlags(fs *flag.FlagSet) *string {
	path := fs.String("config", "", "Read settings from this TOML file.")
	fs.Int("port", 0, "UDP port to relay (1-65535).")
	fs.Int("echo-marker", 0, "TTL used to mark relayed packets (1-255); required when a source is \"unchanged\".")
	fs.String("left", "", "Left interface.")
	fs.String("left-src", "", "Source address on left: unchanged, ifaddr or A.B.C.D.")
	fs.String("left-dst", "", "Destination address on left: broadcast or A.B.C.D.")
	fs.String("right", "", "Right interface.")
	fs.String("right-src", "", "Source address on right: unchanged, ifaddr or A.B.C.D.")
	fs.String("right-dst", "", "Destination address on right: broadcast or A.B.C.D.")
	fs.Bool("verbose", false, "Log every packet.")
	fs.Bool("debug", false, "Same as --verbose.")
	fs.Bool("foreground", false, "Also log to stdout.")
	fs.String("logfile", "", "Append logs to this file.")
	fs.String("metrics", "", "Serve Prometheus metrics on this address, e.g. 127.0.0.1:9137.")
	return path
}

// Overrides returns the configuration values of the flags that were set on
// the command line.
func Overrides(fs *flag.FlagSet) map[string]any {
	out := make(map[string]any)
	fs.Visit(func(f *flag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if g, ok := f.Value.(flag.Getter); ok {
			out[key] = g.Get()
		} else {
			out[key] = f.Value.String()
		}
	})
	return out
}

// Load reads path, when not empty, and applies overrides on top.
func Load(path string, overrides map[string]any) (*Settings, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "load config file %s", path)
		}
	}
	for key, v := range overrides {
		if err := k.Set(key, v); err != nil {
			return nil, errors.Wrapf(err, "set %s", key)
		}
	}

	var s Settings
	if err := k.UnmarshalWithConf("", &s, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, errors.Wrap(err, "config unmarshal")
	}
	return &s, nil
}

// LoggerOptions returns the logger setup selected by the log section.
func (s *Settings) LoggerOptions() logger.Options {
	return logger.Options{
		Foreground: s.Log.Foreground,
		LogFile:    s.Log.File,
		Verbose:    s.Log.Verbose,
	}
}

// Relay converts the settings into a relay configuration. Missing policies are
// left unset for relay.Config.Validate to report.
func (s *Settings) Relay() (relay.Config, error) {
	cfg := relay.Config{
		Port:       s.Port,
		EchoMarker: s.EchoMarker,
	}
	var err error
	if cfg.Left, err = s.Left.relay("left"); err != nil {
		return relay.Config{}, err
	}
	if cfg.Right, err = s.Right.relay("right"); err != nil {
		return relay.Config{}, err
	}
	return cfg, nil
}

func (a Attachment) relay(side string) (relay.AttachmentConfig, error) {
	ac := relay.AttachmentConfig{Interface: a.Interface}
	if a.Dst != "" {
		dst, err := relay.ParseDestPolicy(a.Dst)
		if err != nil {
			return ac, errors.Wrapf(err, "%s", side)
		}
		ac.Dest = dst
	}
	if a.Src != "" {
		src, err := relay.ParseSourcePolicy(a.Src)
		if err != nil {
			return ac, errors.Wrapf(err, "%s", side)
		}
		ac.Source = src
	}
	return ac, nil
}
