package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// WHAT: Load with an unbound, freshly constructed viper instance falls back
// to every default in the defaults map.
// WHY: BindFlags is a separate call from Load in main.go (cobra owns the
// flag parsing, config owns the unmarshal); Load must not silently require
// BindFlags to have run first.
func TestLoadAppliesDefaultsWithNoFlagsBound(t *testing.T) {
	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VecDepth != 64 {
		t.Errorf("VecDepth = %d, want 64", cfg.VecDepth)
	}
	if cfg.NumChiplets != 1 {
		t.Errorf("NumChiplets = %d, want 1", cfg.NumChiplets)
	}
	if cfg.NumConcurrentMemReqs != 2 {
		t.Errorf("NumConcurrentMemReqs = %d, want 2", cfg.NumConcurrentMemReqs)
	}
	if !cfg.UsePRNG {
		t.Error("UsePRNG = false, want true")
	}
}

// WHAT: a flag explicitly set on the command overrides the corresponding
// default once BindFlags has wired it to viper.
func TestBindFlagsOverridesDefault(t *testing.T) {
	v := viper.New()
	cmd := &cobra.Command{Use: "run"}
	if err := BindFlags(cmd, v); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := cmd.PersistentFlags().Set("num-chiplets", "4"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.NumChiplets != 4 {
		t.Errorf("NumChiplets = %d, want 4", cfg.NumChiplets)
	}
	// an untouched flag still falls back to its default.
	if cfg.VecDepth != 64 {
		t.Errorf("VecDepth = %d, want 64", cfg.VecDepth)
	}
}

func TestValidateRejectsNonPositiveFields(t *testing.T) {
	base := func() Config {
		return Config{
			VecDepth:             64,
			NumChiplets:          1,
			NumVectorRegs:        1024,
			NumScalarRegs:        64,
			NumBcuVRegs:          64,
			NumConcurrentMemReqs: 2,
			MemoryRequestWidth:   1024,
		}
	}

	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"vec depth", func(c *Config) { c.VecDepth = 0 }},
		{"num chiplets", func(c *Config) { c.NumChiplets = -1 }},
		{"vector regs", func(c *Config) { c.NumVectorRegs = 0 }},
		{"scalar regs", func(c *Config) { c.NumScalarRegs = 0 }},
		{"bcu vregs", func(c *Config) { c.NumBcuVRegs = 0 }},
		{"concurrent mem reqs", func(c *Config) { c.NumConcurrentMemReqs = 0 }},
		{"memory request width", func(c *Config) { c.MemoryRequestWidth = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mut(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected an error, got nil")
			}
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
