// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the TOML configuration of the logic analyzer.
package config // import "github.com/go-lpc/qla/internal/config"

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-lpc/qla/capture"
	"github.com/go-lpc/qla/internal/alert"
	"github.com/go-lpc/qla/internal/frontend"
	"github.com/spf13/viper"
)

// Config is the configuration of a logic analyzer.
type Config struct {
	Layout   Layout   `mapstructure:"layout"`
	Capture  Capture  `mapstructure:"capture"`
	Frontend Frontend `mapstructure:"frontend"`
	Catalog  Catalog  `mapstructure:"catalog"`
	Alert    Alert    `mapstructure:"alert"`
}

// Layout describes the bits of the sample words.
type Layout struct {
	Mask     uint32   `mapstructure:"mask"`
	Reserved uint32   `mapstructure:"reserved"`
	Channels []uint32 `mapstructure:"channels"`
}

// Capture configures the capture device.
type Capture struct {
	DevMem   string `mapstructure:"devmem"`   // memory device, empty to simulate the hardware
	Source   string `mapstructure:"source"`   // raw samples replayed by the simulated hardware
	Capacity int    `mapstructure:"capacity"` // size of the encoded buffer in bytes
	FIFO     uint32 `mapstructure:"fifo"`     // bus address of the ping-pong buffer
	Dir      string `mapstructure:"dir"`      // output directory of capture files
}

// Frontend configures the analog comparator thresholds.
type Frontend struct {
	Bus  int   `mapstructure:"bus"`
	Addr uint8 `mapstructure:"addr"` // zero when there is no threshold DAC

	frontend.Thresholds `mapstructure:",squash"`
}

// Catalog configures the sessions database.
type Catalog struct {
	DSN string `mapstructure:"dsn"` // empty to disable the catalog
}

// Alert configures the reporters of fatal errors.
type Alert struct {
	Mail   alert.MailConfig `mapstructure:"mail"`
	Serial Serial           `mapstructure:"serial"`
}

// Serial configures the serial debug console.
type Serial struct {
	Port string `mapstructure:"port"` // empty to disable the console
	Baud int    `mapstructure:"baud"`
}

func setDefaults(v *viper.Viper) {
	lay := capture.DSOQuad
	v.SetDefault("layout.mask", lay.Mask)
	v.SetDefault("layout.reserved", lay.Reserved)
	v.SetDefault("layout.channels", lay.Channels[:])

	v.SetDefault("capture.devmem", "")
	v.SetDefault("capture.source", "")
	v.SetDefault("capture.capacity", capture.DefaultCapacity)
	v.SetDefault("capture.fifo", 0)
	v.SetDefault("capture.dir", ".")

	v.SetDefault("frontend.bus", 1)
	v.SetDefault("frontend.addr", 0)
	v.SetDefault("frontend.a", 0x80)
	v.SetDefault("frontend.b", 0x80)

	v.SetDefault("alert.mail.port", 587)
	v.SetDefault("alert.serial.baud", 115200)
}

// Default returns the default configuration: a simulated DSO Quad.
func Default() Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	err := v.Unmarshal(&cfg)
	if err != nil {
		panic(fmt.Errorf("config: could not decode defaults: %w", err))
	}
	return cfg
}

// Load reads the configuration from fname.
// When fname is empty, Load looks for a "qla.toml" file in /opt and then
// in the current directory, and falls back to the defaults when none exists.
func Load(fname string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	switch fname {
	case "":
		v.SetConfigName("qla")
		v.AddConfigPath("/opt")
		v.AddConfigPath(".")
	default:
		v.SetConfigFile(fname)
	}

	var cfg Config
	err := v.ReadInConfig()
	if err != nil {
		var nf viper.ConfigFileNotFoundError
		if fname != "" || !errors.As(err, &nf) {
			return cfg, fmt.Errorf("config: could not read configuration: %w", err)
		}
	}

	err = v.Unmarshal(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: could not decode configuration: %w", err)
	}

	_, err = cfg.Layout.Capture()
	if err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Capture returns the capture layout.
func (lay Layout) Capture() (capture.Layout, error) {
	var o capture.Layout
	if got, want := len(lay.Channels), capture.NumChannels; got != want {
		return o, fmt.Errorf("config: invalid number of channels (got=%d, want=%d)", got, want)
	}
	o.Mask = lay.Mask
	o.Reserved = lay.Reserved
	copy(o.Channels[:], lay.Channels)

	err := o.Validate()
	if err != nil {
		return o, fmt.Errorf("config: %w", err)
	}
	return o, nil
}

// Options returns the options configuring a capture device.
func (cfg Config) Options() ([]capture.Option, error) {
	lay, err := cfg.Layout.Capture()
	if err != nil {
		return nil, err
	}

	opts := []capture.Option{capture.WithLayout(lay)}
	if cfg.Capture.Capacity > 0 {
		opts = append(opts, capture.WithCapacity(cfg.Capture.Capacity))
	}
	if cfg.Capture.FIFO != 0 {
		opts = append(opts, capture.WithFIFOAddr(cfg.Capture.FIFO))
	}
	return opts, nil
}

// Reporter returns the reporter of fatal errors described by the [alert]
// section. Fatal errors are always logged.
// The returned closer waits for pending mail alerts and releases the
// serial console, if any.
func (cfg Config) Reporter() (capture.Reporter, io.Closer, error) {
	var (
		reps = []capture.Reporter{alert.Log(log.New(os.Stdout, "qla: ", 0))}
		done closers
	)

	if port := cfg.Alert.Serial.Port; port != "" {
		c, err := alert.OpenSerial(port, cfg.Alert.Serial.Baud)
		if err != nil {
			return nil, done, fmt.Errorf("config: could not open alert console: %w", err)
		}
		reps = append(reps, c)
		done = append(done, c)
	}

	if cfg.Alert.Mail.Host != "" {
		m := newMailer(cfg.Alert.Mail)
		reps = append(reps, m)
		done = append(done, m)
	}

	return alert.Multi(reps...), done, nil
}

var newMailer = alert.Mail

// closers closes its elements in reverse order.
type closers []io.Closer

func (cs closers) Close() error {
	var err error
	for i := len(cs) - 1; i >= 0; i-- {
		e := cs[i].Close()
		if e != nil && err == nil {
			err = e
		}
	}
	return err
}
