package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/notargets/meshhalo/comm"
	"github.com/notargets/meshhalo/config"
	"github.com/notargets/meshhalo/halo"
	"github.com/notargets/meshhalo/mesh"
	"github.com/notargets/meshhalo/topology"
	"github.com/spf13/cobra"
)

func newPlanCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the halo exchange blocks of every rank",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve(cmd.Flags())
			if err != nil {
				return err
			}
			return printPlans(cmd.OutOrStdout(), cfg)
		},
	}
}

// printPlans plans the mesh halo of every rank in this process and writes the
// blocks in rank order
func printPlans(w io.Writer, cfg *config.Config) error {
	dims, err := cfg.ProcessGrid()
	if err != nil {
		return err
	}
	reports := make([]string, cfg.Ranks)
	var mu sync.Mutex
	err = comm.NewWorld(cfg.Ranks).Run(func(c comm.Communicator) error {
		topo, err := topology.NewCartesian(dims, c.Rank())
		if err != nil {
			return err
		}
		lm, err := mesh.FromCAO(cfg.Mesh, cfg.CAO, topo)
		if err != nil {
			return err
		}
		sm := halo.NewSendMesh(nil)
		if err := sm.Resize(c, topo, lm); err != nil {
			return err
		}

		s := fmt.Sprintf("rank %d coords %v mesh %s\n", c.Rank(), topo.CoordsOf(c.Rank()), lm)
		for _, d := range topology.Directions {
			s += fmt.Sprintf("  %-6s neighbor %3d  send %-28s recv %s\n",
				d, topo.Neighbor(d), sm.Send[d], sm.Recv[d])
		}
		mu.Lock()
		reports[c.Rank()] = s
		mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	for _, s := range reports {
		if _, err := io.WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}
