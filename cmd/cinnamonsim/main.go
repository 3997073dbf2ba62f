// Command cinnamonsim drives the chiplet/network core against one trace
// file per chiplet and prints the resulting per-chiplet statistics.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cinnamon/pkg/chiplet"
	"cinnamon/pkg/config"
	"cinnamon/pkg/funcunit"
	"cinnamon/pkg/network"
	"cinnamon/pkg/queue"
	"cinnamon/pkg/sim"
)

// backendLatency is the FixedLatencyBackend's fixed round-trip cycle count.
// A real DRAM/HBM timing model is out of scope; this keeps the driver's
// stand-in backend simple and deterministic.
const backendLatency = 20

func main() {
	log := logrus.New()

	var cfgFile string
	var traceFiles []string
	var maxCycles int

	rootCmd := &cobra.Command{
		Use:   "cinnamonsim",
		Short: "Cycle-accurate chiplet/network core simulator",
	}

	v := viper.New()
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one trace per chiplet to completion and report statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(log, v, cfgFile, traceFiles, maxCycles)
		},
	}
	runCmd.Flags().StringVar(&cfgFile, "config", "", "path to a YAML/JSON/TOML configuration file")
	runCmd.Flags().StringArrayVar(&traceFiles, "trace", nil, "trace file for one chiplet; repeat once per chiplet")
	runCmd.Flags().IntVar(&maxCycles, "max-cycles", 10_000_000, "cycle budget before giving up on draining")
	if err := config.BindFlags(runCmd, v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rootCmd.AddCommand(runCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSimulation(log *logrus.Logger, v *viper.Viper, cfgFile string, traceFiles []string, maxCycles int) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "cinnamonsim: read config %s", cfgFile)
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	configureLogLevel(log, cfg.Verbose)

	if len(traceFiles) == 0 {
		return errors.New("cinnamonsim: at least one --trace is required")
	}
	if cfg.NumChiplets != len(traceFiles) {
		log.WithFields(logrus.Fields{
			"num_chiplets": cfg.NumChiplets,
			"trace_files":  len(traceFiles),
		}).Warn("num_chiplets does not match the number of trace files; using one chiplet per trace file")
	}

	chipletCfg := chiplet.Config{
		VecDepth:             cfg.VecDepth,
		NumVectorRegs:        cfg.NumVectorRegs,
		NumScalarRegs:        cfg.NumScalarRegs,
		NumBcuVRegs:          cfg.NumBcuVRegs,
		NumBcuBuffs:          cfg.NumBcuBuffs,
		UsePRNG:              cfg.UsePRNG,
		MemoryRequestWidth:   cfg.MemoryRequestWidth,
		NumConcurrentMemReqs: cfg.NumConcurrentMemReqs,
	}
	lat := queue.DefaultLatencies(cfg.VecDepth)

	net := network.NewNetwork(cfg.LinkBW, cfg.Hops)

	chiplets := make([]*chiplet.Chiplet, 0, len(traceFiles))
	backends := make([]*sim.FixedLatencyBackend, 0, len(traceFiles))
	for i, path := range traceFiles {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "cinnamonsim: open trace %s", path)
		}
		defer f.Close()

		units := buildUnits(cfg, lat)
		backend := sim.NewFixedLatencyBackend(backendLatency)
		entry := log.WithField("chiplet", i)
		c := chiplet.New(i, chipletCfg, f, units, backend, net, entry)

		chiplets = append(chiplets, c)
		backends = append(backends, backend)
	}

	s := sim.New(chiplets, backends, net, log.WithField("component", "sim"))

	cycles, err := s.Run(maxCycles)
	if err != nil {
		return err
	}

	report := s.Report(cycles)
	printReport(report)
	return nil
}

// buildUnits constructs the functional-unit pools for one chiplet, keyed
// by the queue-family class names, from the configured unit counts.
func buildUnits(cfg *config.Config, lat queue.Latencies) map[string][]*funcunit.Unit {
	mk := func(class string, n, latency int) []*funcunit.Unit {
		units := make([]*funcunit.Unit, n)
		for i := range units {
			units[i] = funcunit.NewUnit(fmt.Sprintf("%s%d", class, i), latency, cfg.VecDepth, nil)
		}
		return units
	}
	units := map[string][]*funcunit.Unit{
		"add": mk("add", cfg.NumAddUnits, lat.Add),
		"mul": mk("mul", cfg.NumMulUnits, lat.Mul),
		"evg": mk("evg", cfg.NumEvgUnits, lat.Evg),
		"rsv": mk("rsv", 1, lat.Rsv),
		"mod": mk("mod", 1, lat.Mod),
		"ntt": mk("ntt", cfg.NumNttUnits, lat.NTT),
		"rot": mk("rot", cfg.NumRotUnits, lat.Rot),
		"tra": mk("tra", cfg.NumTraUnits, lat.Transpose),
		"bcu": mk("bcu", cfg.NumBcuUnits, lat.BcuRead),
	}
	return units
}

func configureLogLevel(log *logrus.Logger, verbose int) {
	switch {
	case verbose >= 2:
		log.SetLevel(logrus.DebugLevel)
	case verbose == 1:
		log.SetLevel(logrus.InfoLevel)
	default:
		log.SetLevel(logrus.WarnLevel)
	}
}

func printReport(r sim.Report) {
	fmt.Printf("cycles run: %d\n", r.CyclesRun)
	for i, s := range r.Chiplets {
		fmt.Printf("chiplet %d: dispatched=%d reads=%d writes=%d loads=%d stores=%d\n",
			i, s.InstructionsDispatched, s.RegisterReads, s.RegisterWrites, s.LoadsIssued, s.StoresIssued)
	}
}
