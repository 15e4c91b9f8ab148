// Copyright 2025 The Agim Authors
// This file is part of agim.
//
// agim is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// agim is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with agim. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"bufio"
	"errors"
	"os"
	"reflect"

	"github.com/naoina/toml"
	"gopkg.in/urfave/cli.v1"

	"github.com/hyourindev/agim/params"
	"github.com/hyourindev/agim/sched"
)

// These settings ensure that TOML keys use the same names as Go struct
// fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
}

// agimConfig is the on-disk configuration: scheduler tuning plus the default
// per-block limits.
type agimConfig struct {
	Sched  sched.Config
	Limits params.Limits
}

func defaultConfig() agimConfig {
	return agimConfig{
		Sched: sched.Config{
			MaxBlocks:         params.DefaultMaxBlocks,
			DefaultReductions: params.DefaultReductions,
			NumWorkers:        4,
			EnableStealing:    true,
		},
		Limits: params.DefaultLimits(),
	}
}

func loadConfig(file string, cfg *agimConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig resolves defaults, optional config file, and CLI flag
// overrides, in that order.
func makeConfig(ctx *cli.Context) (agimConfig, error) {
	cfg := defaultConfig()
	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if ctx.GlobalIsSet(workersFlag.Name) {
		cfg.Sched.NumWorkers = ctx.GlobalInt(workersFlag.Name)
	}
	if ctx.GlobalIsSet(stealingFlag.Name) {
		cfg.Sched.EnableStealing = ctx.GlobalBool(stealingFlag.Name)
	}
	if ctx.GlobalIsSet(reductionsFlag.Name) {
		cfg.Sched.DefaultReductions = uint64(ctx.GlobalInt(reductionsFlag.Name))
		cfg.Limits.MaxReductions = cfg.Sched.DefaultReductions
	}
	return cfg, nil
}
