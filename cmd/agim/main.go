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

// agim is the command-line runner for the Agim runtime: it loads a bytecode
// image, spawns the main block, and drives the scheduler to quiescence.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/edsrzf/mmap-go"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/urfave/cli.v1"

	"github.com/hyourindev/agim/core/vm"
	"github.com/hyourindev/agim/params"
	"github.com/hyourindev/agim/proc"
	"github.com/hyourindev/agim/sched"
)

var (
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	workersFlag = cli.IntFlag{
		Name:  "workers",
		Usage: "Number of scheduler workers (0 = inline single-threaded)",
		Value: 4,
	}
	stealingFlag = cli.BoolTFlag{
		Name:  "stealing",
		Usage: "Enable work stealing between workers",
	}
	reductionsFlag = cli.IntFlag{
		Name:  "reductions",
		Usage: "Reduction budget per block slice",
		Value: params.DefaultReductions,
	}
	verbosityFlag = cli.BoolFlag{
		Name:  "verbose",
		Usage: "Enable debug logging",
	}
	capsFlag = cli.StringFlag{
		Name:  "caps",
		Usage: "Capability set for the main block (none|all)",
		Value: "all",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "agim"
	app.Version = params.Version
	app.Usage = "the Agim runtime"
	app.Flags = []cli.Flag{
		configFileFlag, workersFlag, stealingFlag, reductionsFlag,
		verbosityFlag, capsFlag,
	}
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "Execute a bytecode image",
			ArgsUsage: "<image>",
			Action:    runImage,
		},
		{
			Name:      "disasm",
			Usage:     "Disassemble a bytecode image",
			ArgsUsage: "<image>",
			Action:    disasmImage,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("agim: %v", err))
		os.Exit(1)
	}
}

// loadImage maps the image file read-only and decodes the program. The
// mapping is released before return; chunks own their copied code.
func loadImage(path string) (*vm.Bytecode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer m.Unmap()

	return vm.DecodeImage(m)
}

func newLogger(ctx *cli.Context) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if ctx.GlobalBool(verbosityFlag.Name) {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func runImage(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: agim run <image>")
	}
	prog, err := loadImage(ctx.Args().First())
	if err != nil {
		return err
	}
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := newLogger(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	sched.SetLogger(logger)

	s := sched.New(cfg.Sched)
	defer s.Free()
	if err := s.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.Warnw("metrics registration failed", "err", err)
	}

	caps := proc.CapNone
	if ctx.GlobalString(capsFlag.Name) == "all" {
		caps = proc.CapAll
	}
	pid := s.SpawnEx(prog, "main", caps, &cfg.Limits, sched.PIDInvalid)
	if pid == sched.PIDInvalid {
		return fmt.Errorf("spawn failed: block budget exhausted")
	}
	s.Run()

	blk := s.Lookup(pid)
	if blk != nil {
		if exit := blk.Exited(); exit != nil && exit.Abnormal() {
			printStats(s)
			return fmt.Errorf("main block crashed: %s", exit.Reason)
		}
	}
	printStats(s)
	return nil
}

func disasmImage(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: agim disasm <image>")
	}
	prog, err := loadImage(ctx.Args().First())
	if err != nil {
		return err
	}
	digest := prog.Digest()
	fmt.Printf("; digest %x\n", digest[:8])
	fmt.Println("; main")
	fmt.Print(vm.Disassemble(prog.Main))
	for i, fn := range prog.Funcs {
		fmt.Printf("; fn[%d] %s/%d\n", i, fn.Name, fn.Arity)
		fmt.Print(vm.Disassemble(fn))
	}
	return nil
}

func printStats(s *sched.Scheduler) {
	st := s.StatsSnapshot()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	rows := [][]string{
		{"blocks spawned", strconv.FormatUint(st.BlocksTotal, 10)},
		{"blocks dead", strconv.FormatUint(st.BlocksDead, 10)},
		{"blocks alive", strconv.FormatUint(st.BlocksAlive, 10)},
		{"reductions", strconv.FormatUint(st.TotalReductions, 10)},
		{"context switches", strconv.FormatUint(st.ContextSwitches, 10)},
		{"steals attempted", strconv.FormatUint(st.StealsAttempted, 10)},
		{"steals succeeded", strconv.FormatUint(st.StealsSucceeded, 10)},
	}
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}
