// Package config loads the simulator's configuration surface through
// viper, backed by cobra flags on the driver's command.
package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full recognized parameter surface, plus the
// numConcurrentMemRequests addition promoting the reference model's
// hard-coded "2" to a real parameter.
type Config struct {
	Verbose            int    `mapstructure:"verbose"`
	Clock              string `mapstructure:"clock"`
	VecDepth            int    `mapstructure:"vec_depth"`
	NumChiplets         int    `mapstructure:"num_chiplets"`
	NumVectorRegs       int    `mapstructure:"numVectorRegs"`
	NumScalarRegs       int    `mapstructure:"numScalarRegs"`
	NumBcuVRegs         int    `mapstructure:"numBcuVRegs"`
	NumAddUnits         int    `mapstructure:"numAddUnits"`
	NumMulUnits         int    `mapstructure:"numMulUnits"`
	NumNttUnits         int    `mapstructure:"numNttUnits"`
	NumRotUnits         int    `mapstructure:"numRotUnits"`
	NumTraUnits         int    `mapstructure:"numTraUnits"`
	NumBcuUnits         int    `mapstructure:"numBcuUnits"`
	NumBcuBuffs         int    `mapstructure:"numBcuBuffs"`
	NumEvgUnits         int    `mapstructure:"numEvgUnits"`
	UsePRNG             bool   `mapstructure:"usePRNG"`
	MemoryRequestWidth  int    `mapstructure:"memoryRequestWidth"`
	Hops                int    `mapstructure:"hops"`
	LinkBW              int    `mapstructure:"linkBW"`
	NumConcurrentMemReqs int   `mapstructure:"numConcurrentMemRequests"`
}

// defaults mirrors the configuration surface's defaults exactly.
var defaults = map[string]any{
	"verbose":                  0,
	"clock":                    "1GHz",
	"vec_depth":                64,
	"num_chiplets":             1,
	"numVectorRegs":            1024,
	"numScalarRegs":            64,
	"numBcuVRegs":              64,
	"numAddUnits":              5,
	"numMulUnits":              5,
	"numNttUnits":              2,
	"numRotUnits":              1,
	"numTraUnits":              2,
	"numBcuUnits":              2,
	"numBcuBuffs":              2,
	"numEvgUnits":              1,
	"usePRNG":                  true,
	"memoryRequestWidth":       1024,
	"hops":                     2,
	"linkBW":                   1,
	"numConcurrentMemRequests": 2,
}

// BindFlags registers the configuration surface as persistent flags on cmd
// and binds each to the given viper instance, so CLI flags override
// config-file values which override the defaults above.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.PersistentFlags()
	flags.Int("verbose", 0, "log verbosity (0=warn,1=info,2=debug)")
	flags.String("clock", "1GHz", "chiplet clock rate")
	flags.Int("vec-depth", 64, "vector depth")
	flags.Int("num-chiplets", 1, "number of chiplets")
	flags.Int("num-vector-regs", 1024, "vector physical register count")
	flags.Int("num-scalar-regs", 64, "scalar physical register count")
	flags.Int("num-bcu-vregs", 64, "base-conversion virtual register count")
	flags.Int("num-add-units", 5, "add functional units")
	flags.Int("num-mul-units", 5, "mul functional units")
	flags.Int("num-ntt-units", 2, "NTT functional units")
	flags.Int("num-rot-units", 1, "rotation functional units")
	flags.Int("num-tra-units", 2, "transpose functional units")
	flags.Int("num-bcu-units", 2, "base-conversion units")
	flags.Int("num-bcu-buffs", 2, "base-conversion buffers per chiplet")
	flags.Int("num-evg-units", 1, "evaluation-key-gen functional units")
	flags.Bool("use-prng", true, "evaluate EvkGen as a PRNG op instead of a memory load")
	flags.Int("memory-request-width", 1024, "backend chunk size, bytes")
	flags.Int("hops", 2, "network topology hop parameter")
	flags.Int("link-bw", 1, "per-link bandwidth, packets per clock tick")
	flags.Int("num-concurrent-mem-requests", 2, "concurrent in-flight memory requests per queue")

	for flagName, key := range map[string]string{
		"verbose":                     "verbose",
		"clock":                       "clock",
		"vec-depth":                   "vec_depth",
		"num-chiplets":                "num_chiplets",
		"num-vector-regs":             "numVectorRegs",
		"num-scalar-regs":             "numScalarRegs",
		"num-bcu-vregs":               "numBcuVRegs",
		"num-add-units":               "numAddUnits",
		"num-mul-units":               "numMulUnits",
		"num-ntt-units":               "numNttUnits",
		"num-rot-units":               "numRotUnits",
		"num-tra-units":               "numTraUnits",
		"num-bcu-units":               "numBcuUnits",
		"num-bcu-buffs":               "numBcuBuffs",
		"num-evg-units":               "numEvgUnits",
		"use-prng":                    "usePRNG",
		"memory-request-width":       "memoryRequestWidth",
		"hops":                        "hops",
		"link-bw":                     "linkBW",
		"num-concurrent-mem-requests": "numConcurrentMemRequests",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flagName)); err != nil {
			return errors.Wrapf(err, "config: bind flag %s", flagName)
		}
	}
	return nil
}

// Load reads the bound configuration into a Config, applying defaults for
// anything neither a flag nor a config file set. A malformed or
// out-of-range value is a configuration error, surfaced once at
// construction per the error taxonomy.
func Load(v *viper.Viper) (*Config, error) {
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configuration surfaces that would make the simulator
// unable to ever make progress: a non-positive vector depth, chiplet
// count, register-file size, concurrent-request count or request width.
// Functional-unit and buffer counts are not checked.
func (c *Config) Validate() error {
	if c.VecDepth <= 0 {
		return errors.New("config: vec_depth must be positive")
	}
	if c.NumChiplets <= 0 {
		return errors.New("config: num_chiplets must be positive")
	}
	if c.NumVectorRegs <= 0 || c.NumScalarRegs <= 0 || c.NumBcuVRegs <= 0 {
		return errors.New("config: register file sizes must be positive")
	}
	if c.NumConcurrentMemReqs <= 0 {
		return errors.New("config: numConcurrentMemRequests must be positive")
	}
	if c.MemoryRequestWidth <= 0 {
		return errors.New("config: memoryRequestWidth must be positive")
	}
	return nil
}
