package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dishlens/dishlens/pkg/enums/orderstatus"
	"github.com/spf13/cobra"
)

func newStaffCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staff",
		Short: "Kitchen and floor operations, authenticated with --token",
	}

	var statuses []string
	orders := &cobra.Command{
		Use:   "orders <restaurant-id>",
		Short: "List restaurant orders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []orderstatus.Status
			for _, name := range statuses {
				s := orderstatus.ByName(name)
				if s == nil {
					return fmt.Errorf("unknown order status %q", name)
				}
				filter = append(filter, *s)
			}
			list, err := c.client().ListOrders(cmd.Context(), args[0], filter...)
			if err != nil {
				return fmt.Errorf("list orders: %w", err)
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTABLE\tSTATUS\tTOTAL\tNEXT")
			for _, o := range list {
				var next []string
				for _, s := range orderstatus.Next(o.Status) {
					next = append(next, s.Code())
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.ID, o.TableNumber, o.Status.Code(), formatCents(o.TotalCents), strings.Join(next, ","))
			}
			return tw.Flush()
		},
	}
	orders.Flags().StringSliceVar(&statuses, "status", nil, "Only orders in these statuses")

	status := &cobra.Command{
		Use:   "status <restaurant-id> <order-id> <status>",
		Short: "Move an order to a new status",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := orderstatus.ByName(args[2])
			if target == nil {
				return fmt.Errorf("unknown order status %q", args[2])
			}
			order, err := c.client().UpdateOrderStatus(cmd.Context(), args[0], args[1], *target)
			if err != nil {
				return fmt.Errorf("update order status: %w", err)
			}
			c.printf("Order %s is now %s\n", order.ID, order.Status.Label())
			return nil
		},
	}

	tables := &cobra.Command{
		Use:   "tables <restaurant-id>",
		Short: "List tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := c.client().ListTables(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("list tables: %w", err)
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNUMBER\tSTATUS")
			for _, t := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Number, t.Status)
			}
			return tw.Flush()
		},
	}

	calls := &cobra.Command{
		Use:   "calls <restaurant-id>",
		Short: "List open waiter calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := c.client().ListWaiterCalls(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("list waiter calls: %w", err)
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTABLE\tREASON")
			for _, wc := range list {
				if wc.Acknowledged {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", wc.ID, wc.TableNumber, wc.Reason)
			}
			return tw.Flush()
		},
	}

	ack := &cobra.Command{
		Use:   "ack <restaurant-id> <call-id>",
		Short: "Acknowledge a waiter call",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wc, err := c.client().AcknowledgeWaiterCall(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("acknowledge waiter call: %w", err)
			}
			c.printf("Acknowledged call from table %s\n", wc.TableNumber)
			return nil
		},
	}

	cmd.AddCommand(orders, status, tables, calls, ack)
	return cmd
}

func newPlatformCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platform",
		Short: "Platform administration, authenticated with --token",
	}

	restaurants := &cobra.Command{
		Use:   "restaurants",
		Short: "List restaurants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := c.client().ListRestaurants(cmd.Context())
			if err != nil {
				return fmt.Errorf("list restaurants: %w", err)
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSLUG\tNAME\tPLAN\tACTIVE")
			for _, r := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", r.ID, r.Slug, r.Name, r.PlanID, r.Active)
			}
			return tw.Flush()
		},
	}

	plans := &cobra.Command{
		Use:   "plans",
		Short: "List subscription plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := c.client().ListPlans(cmd.Context())
			if err != nil {
				return fmt.Errorf("list plans: %w", err)
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPRICE\tTABLES\tWAITERS")
			for _, p := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", p.ID, p.Name, formatCents(p.PriceCents), p.MaxTables, p.MaxWaiters)
			}
			return tw.Flush()
		},
	}

	var limit int
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := c.client().ListAuditLogs(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list audit logs: %w", err)
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tACTOR\tACTION\tTARGET")
			for _, l := range list {
				when := ""
				if l.CreatedAt != nil {
					when = l.CreatedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\n", when, l.Actor, l.Action, l.TargetType, l.TargetID)
			}
			return tw.Flush()
		},
	}
	audit.Flags().IntVar(&limit, "limit", 50, "Maximum entries")

	cmd.AddCommand(restaurants, plans, audit)
	return cmd
}
