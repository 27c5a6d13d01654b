package main

import (
	"context"
	"fmt"

	"github.com/notargets/meshhalo/comm"
	"github.com/notargets/meshhalo/comm/wsnet"
	"github.com/notargets/meshhalo/config"
	"github.com/notargets/meshhalo/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the particle-mesh step loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve(cmd.Flags())
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	log.WithFields(logrus.Fields{
		"ranks":     cfg.Ranks,
		"transport": cfg.Transport,
		"cells":     cfg.Cells.Type,
		"steps":     cfg.Steps,
	}).Info("starting run")

	switch cfg.Transport {
	case config.TransportLocal:
		return runLocal(ctx, cfg, log, nil)
	case config.TransportWebsocket:
		return runWebsocket(ctx, cfg, log)
	}
	return fmt.Errorf("unknown transport %q", cfg.Transport)
}

// runLocal runs every rank in this process
func runLocal(ctx context.Context, cfg *config.Config, log *logrus.Logger, report func(rank int, r StepReport)) error {
	world := comm.NewWorld(cfg.Ranks)
	stop := context.AfterFunc(ctx, world.Abort)
	defer stop()
	return world.Run(func(c comm.Communicator) error {
		var fn func(StepReport)
		if report != nil {
			fn = func(r StepReport) { report(c.Rank(), r) }
		}
		return rankLoop(ctx, c, cfg, utils.RankLogger(log, c.Rank()), fn)
	})
}

// runWebsocket runs the single rank cfg.Rank of a group spread over processes
func runWebsocket(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	entry := utils.RankLogger(log, cfg.Rank)
	c, err := wsnet.Listen(cfg.Rank, cfg.Peers, entry)
	if err != nil {
		return err
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	return rankLoop(ctx, c, cfg, entry, nil)
}
