package main

import (
	"fmt"

	"github.com/notargets/meshhalo/cells"
	"github.com/notargets/meshhalo/config"
	"github.com/notargets/meshhalo/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// options are the command line settings layered over the config file
type options struct {
	configPath string
	cellType   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{cfg: config.Default()}
	root := &cobra.Command{
		Use:          "halorun",
		Short:        "Distributed particle-mesh halo exchange",
		SilenceUsage: true,
	}
	addConfigFlags(root.PersistentFlags(), opts)

	root.AddCommand(newRunCmd(opts), newPlanCmd(opts))
	return root
}

func addConfigFlags(flags *pflag.FlagSet, opts *options) {
	c := opts.cfg
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML or TOML config file")
	flags.IntVarP(&c.Ranks, "ranks", "n", c.Ranks, "number of ranks")
	flags.IntSliceP("grid", "g", nil, "process grid, 3 entries, 0 chooses automatically")
	flags.Float64Slice("box", nil, "box lengths, 3 entries")
	flags.IntSlice("mesh", nil, "global mesh points, 3 entries")
	flags.IntVar(&c.CAO, "cao", c.CAO, "charge assignment order")
	flags.StringVar(&opts.cellType, "cells", c.Cells.Type.String(), "cell structure: regular, nsquare or hybrid")
	flags.Float64Var(&c.Cells.Cutoff, "cutoff", c.Cells.Cutoff, "short-range cutoff")
	flags.IntVarP(&c.Particles, "particles", "p", c.Particles, "number of particles")
	flags.Uint64Var(&c.Seed, "seed", c.Seed, "random seed")
	flags.IntVarP(&c.Steps, "steps", "s", c.Steps, "number of steps")
	flags.StringVar(&c.Transport, "transport", c.Transport, "local or websocket")
	flags.IntVar(&c.Rank, "rank", c.Rank, "rank of this process (websocket)")
	flags.StringSliceVar(&c.Peers, "peers", c.Peers, "host:port of every rank (websocket)")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
}

// resolve loads the config file and applies the flags the user set on top
func (o *options) resolve(flags *pflag.FlagSet) (*config.Config, error) {
	cfg := *o.cfg
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
		// Explicit flags win over the file
		flags.Visit(func(f *pflag.Flag) {
			switch f.Name {
			case "ranks":
				cfg.Ranks = o.cfg.Ranks
			case "cao":
				cfg.CAO = o.cfg.CAO
			case "cutoff":
				cfg.Cells.Cutoff = o.cfg.Cells.Cutoff
			case "particles":
				cfg.Particles = o.cfg.Particles
			case "seed":
				cfg.Seed = o.cfg.Seed
			case "steps":
				cfg.Steps = o.cfg.Steps
			case "transport":
				cfg.Transport = o.cfg.Transport
			case "rank":
				cfg.Rank = o.cfg.Rank
			case "peers":
				cfg.Peers = o.cfg.Peers
			case "log-level":
				cfg.LogLevel = o.cfg.LogLevel
			}
		})
	}

	if flags.Changed("cells") || o.configPath == "" {
		t, err := cells.ParseCellStructureType(o.cellType)
		if err != nil {
			return nil, err
		}
		cfg.Cells.Type = t
	}
	if err := tripleFlag(flags, "grid", func(v [3]int) { cfg.Grid = v }); err != nil {
		return nil, err
	}
	if err := tripleFlag(flags, "mesh", func(v [3]int) { cfg.Mesh = v }); err != nil {
		return nil, err
	}
	if flags.Changed("box") {
		box, err := flags.GetFloat64Slice("box")
		if err != nil {
			return nil, err
		}
		if len(box) != 3 {
			return nil, fmt.Errorf("--box needs 3 values, got %d", len(box))
		}
		cfg.Box = [3]float64{box[0], box[1], box[2]}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func tripleFlag(flags *pflag.FlagSet, name string, set func([3]int)) error {
	if !flags.Changed(name) {
		return nil
	}
	v, err := flags.GetIntSlice(name)
	if err != nil {
		return err
	}
	if len(v) != 3 {
		return fmt.Errorf("--%s needs 3 values, got %d", name, len(v))
	}
	set([3]int{v[0], v[1], v[2]})
	return nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	return utils.NewLogger(cfg.LogLevel)
}
