package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"escrowflow/app"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/pgstore"
	"escrowflow/retry"
)

type dealCreator interface {
	CreateDeal(ctx context.Context, d escrow.Deal) (escrow.Deal, error)
}

type commands struct {
	open opener
	out  io.Writer
}

// with opens the app, runs fn with retry on retryable failures and prints
// the result as JSON.
func (c *commands) with(cctx *cli.Context, fn func(ctx context.Context, a *app.App) (any, error)) error {
	ctx := cctx.Context
	a, cleanup, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cctx.Int("attempts")
	policy.Log = a.Log

	var result any
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx, a)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w (%s)", err, escrow.Kind(err))
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func dealFlag() *cli.StringFlag {
	return &cli.StringFlag{Name: "deal", Usage: "deal id", Required: true}
}

func (c *commands) createDealCmd() *cli.Command {
	return &cli.Command{
		Name:  "create-deal",
		Usage: "insert a deal (normally done by deal initiation upstream)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "deal id; generated when empty"},
			&cli.StringFlag{Name: "buyer", Required: true},
			&cli.StringFlag{Name: "supplier", Required: true},
			&cli.StringFlag{Name: "amount", Required: true},
			&cli.StringFlag{Name: "status", Value: string(escrow.StatusCreated)},
		},
		Action: func(cctx *cli.Context) error {
			amount, err := decimal.NewFromString(cctx.String("amount"))
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			return c.with(cctx, func(ctx context.Context, a *app.App) (any, error) {
				creator, ok := a.Store.(dealCreator)
				if !ok {
					return nil, fmt.Errorf("store %T cannot create deals", a.Store)
				}
				return creator.CreateDeal(ctx, escrow.Deal{
					ID:                cctx.String("id"),
					BuyerCompanyID:    cctx.String("buyer"),
					SupplierCompanyID: cctx.String("supplier"),
					TotalAmount:       amount,
					Status:            escrow.Status(cctx.String("status")),
				})
			})
		},
	}
}

func (c *commands) addTrackingCmd() *cli.Command {
	return &cli.Command{
		Name:  "add-tracking",
		Usage: "record shipment tracking and move a PAID deal to SHIPPED",
		Flags: []cli.Flag{
			dealFlag(),
			&cli.StringFlag{Name: "number", Required: true},
			&cli.StringFlag{Name: "carrier", Required: true},
		},
		Action: func(cctx *cli.Context) error {
			return c.with(cctx, func(ctx context.Context, a *app.App) (any, error) {
				return a.Deals.AddTracking(ctx, deal.AddTrackingRequest{
					DealID:         cctx.String("deal"),
					TrackingNumber: cctx.String("number"),
					Carrier:        cctx.String("carrier"),
				})
			})
		},
	}
}

func (c *commands) confirmDeliveryCmd() *cli.Command {
	return &cli.Command{
		Name:  "confirm-delivery",
		Usage: "complete a SHIPPED deal and release funds to the supplier",
		Flags: []cli.Flag{dealFlag(), &cli.StringFlag{Name: "actor"}},
		Action: func(cctx *cli.Context) error {
			return c.with(cctx, func(ctx context.Context, a *app.App) (any, error) {
				return a.Deals.ConfirmDelivery(ctx, deal.ConfirmDeliveryRequest{
					DealID:         cctx.String("deal"),
					ActorCompanyID: cctx.String("actor"),
				})
			})
		},
	}
}

func (c *commands) openDisputeCmd() *cli.Command {
	return &cli.Command{
		Name:  "open-dispute",
		Usage: "move a PAID or SHIPPED deal into arbitration",
		Flags: []cli.Flag{
			dealFlag(),
			&cli.StringFlag{Name: "initiator", Usage: "claimant company id", Required: true},
			&cli.StringFlag{Name: "reason", Required: true},
			&cli.StringFlag{Name: "demands"},
		},
		Action: func(cctx *cli.Context) error {
			return c.with(cctx, func(ctx context.Context, a *app.App) (any, error) {
				return a.Deals.OpenDispute(ctx, deal.OpenDisputeRequest{
					DealID:             cctx.String("deal"),
					InitiatorCompanyID: cctx.String("initiator"),
					Reason:             cctx.String("reason"),
					Demands:            cctx.String("demands"),
				})
			})
		},
	}
}

func (c *commands) cancelCmd() *cli.Command {
	return &cli.Command{
		Name:  "cancel",
		Usage: "cancel a CREATED or AGREED deal",
		Flags: []cli.Flag{dealFlag(), &cli.StringFlag{Name: "actor"}},
		Action: func(cctx *cli.Context) error {
			return c.with(cctx, func(ctx context.Context, a *app.App) (any, error) {
				return a.Deals.Cancel(ctx, deal.CancelRequest{
					DealID:         cctx.String("deal"),
					ActorCompanyID: cctx.String("actor"),
				})
			})
		},
	}
}

func (c *commands) resolveCmd() *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "close an open dispute with a refund split",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dispute", Required: true},
			&cli.StringFlag{Name: "decision", Required: true},
			&cli.StringFlag{Name: "refund", Usage: "amount refunded to the buyer", Required: true},
			&cli.StringFlag{Name: "winner", Required: true},
			&cli.StringFlag{Name: "arbiter"},
		},
		Action: func(cctx *cli.Context) error {
			refund, err := decimal.NewFromString(cctx.String("refund"))
			if err != nil {
				return fmt.Errorf("refund: %w", err)
			}
			return c.with(cctx, func(ctx context.Context, a *app.App) (any, error) {
				return a.Disputes.Resolve(ctx, dispute.ResolveRequest{
					DisputeID:       cctx.String("dispute"),
					DecisionText:    cctx.String("decision"),
					RefundAmount:    refund,
					WinnerCompanyID: cctx.String("winner"),
					ArbiterID:       cctx.String("arbiter"),
				})
			})
		},
	}
}

func (c *commands) getCmd() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "show a deal",
		Flags: []cli.Flag{dealFlag()},
		Action: func(cctx *cli.Context) error {
			return c.with(cctx, func(ctx context.Context, a *app.App) (any, error) {
				return a.Deals.Get(ctx, cctx.String("deal"))
			})
		},
	}
}

func (c *commands) historyCmd() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "list a deal's ledger entries in creation order",
		Flags: []cli.Flag{dealFlag()},
		Action: func(cctx *cli.Context) error {
			return c.with(cctx, func(ctx context.Context, a *app.App) (any, error) {
				return a.Deals.History(ctx, cctx.String("deal"))
			})
		},
	}
}

func (c *commands) disputesCmd() *cli.Command {
	return &cli.Command{
		Name:  "disputes",
		Usage: "list open disputes, oldest first",
		Flags: []cli.Flag{&cli.IntFlag{Name: "limit", Value: 50}},
		Action: func(cctx *cli.Context) error {
			return c.with(cctx, func(ctx context.Context, a *app.App) (any, error) {
				return a.Disputes.ListOpen(ctx, cctx.Int("limit"))
			})
		},
	}
}

func (c *commands) auditCmd() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "list settled deals whose ledger does not conserve the deal amount",
		Action: func(cctx *cli.Context) error {
			return c.with(cctx, func(ctx context.Context, a *app.App) (any, error) {
				ids, err := app.NewAuditor(a.Audit, a.Metrics, a.Log, 0).Check(ctx)
				if ids == nil {
					ids = []string{}
				}
				return ids, err
			})
		},
	}
}

func (c *commands) schemaCmd() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "print the PostgreSQL schema",
		Action: func(cctx *cli.Context) error {
			sql, err := pgstore.Schema()
			if err != nil {
				return err
			}
			_, err = io.WriteString(c.out, sql)
			return err
		},
	}
}
