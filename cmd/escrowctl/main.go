package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"escrowflow/app"
	"escrowflow/config"
	"escrowflow/logging"
)

// opener builds the collaborators for one command and returns their cleanup.
type opener func(ctx context.Context) (*app.App, func(), error)

func main() {
	if err := newCLI(openFromEnv, os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "escrowctl: %v\n", err)
		os.Exit(1)
	}
}

func openFromEnv(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.LogMode)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return a, func() { _ = a.Close() }, nil
}

func newCLI(open opener, out io.Writer) *cli.App {
	c := &commands{open: open, out: out}
	return &cli.App{
		Name:   "escrowctl",
		Usage:  "drive escrow deals and disputes from the command line",
		Writer: out,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "attempts",
				Usage: "attempts for operations rejected with a busy lock or transient failure",
				Value: 5,
			},
		},
		Commands: []*cli.Command{
			c.createDealCmd(),
			c.addTrackingCmd(),
			c.confirmDeliveryCmd(),
			c.openDisputeCmd(),
			c.cancelCmd(),
			c.resolveCmd(),
			c.getCmd(),
			c.historyCmd(),
			c.disputesCmd(),
			c.auditCmd(),
			c.schemaCmd(),
		},
	}
}
