package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dishlens/dishlens/pkg/api"
	"github.com/dishlens/dishlens/pkg/cart"
	"github.com/dishlens/dishlens/pkg/session"
	"github.com/dishlens/dishlens/pkg/tracking"
	"github.com/spf13/cobra"
)

func newSessionCmd(c *cli) *cobra.Command {
	var params session.Params
	var forget bool

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Resolve the table session for this device",
		Long: `Resolve the table session for this device.

With --t the QR token is exchanged for a session. With --table a guest
session is started for that table. Without either the stored session is
reused, or renewed when it has expired.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, err := c.restaurant()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			r := c.resolver()

			if forget {
				r.Clear(ctx, slug)
				c.printf("Forgot table session for %s\n", slug)
				return nil
			}

			ts, src, err := r.ResolveWithSource(ctx, slug, params)
			if err != nil {
				if errors.Is(err, session.ErrRescanRequired) {
					return session.ErrRescanRequired
				}
				return err
			}

			c.printf("Table %s (session %s, via %s)\n", ts.TableNumber, ts.TableSessionID, src)
			if ts.ExpiresAt != nil {
				c.printf("Expires %s\n", ts.ExpiresAt.Local().Format(time.RFC1123))
			}
			if !ts.CanOrder() {
				c.printf("This session can browse the menu but cannot place orders\n")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&params.Token, "t", "", "Token from the table QR code")
	cmd.Flags().StringVar(&params.Table, "table", "", "Table number for a guest session")
	cmd.Flags().BoolVar(&forget, "forget", false, "Forget the stored session")
	return cmd
}

func newMenuCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "menu",
		Short: "Show the restaurant menu",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, err := c.restaurant()
			if err != nil {
				return err
			}
			menu, err := c.client().GetMenu(cmd.Context(), slug)
			if err != nil {
				return fmt.Errorf("load menu: %w", err)
			}

			c.printf("%s\n", menu.RestaurantName)
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			for _, cat := range menu.Categories {
				fmt.Fprintf(tw, "\n%s\n", cat.Name)
				for _, item := range cat.Items {
					note := ""
					if !item.IsAvailable() {
						note = "unavailable"
					}
					fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", item.ID, item.Name, item.Price.StringFixed(2), note)
				}
			}
			return tw.Flush()
		},
	}
}

type modifierFlags struct {
	spice    string
	onSide   bool
	avoid    []string
	note     string
	quantity int
}

func (m *modifierFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&m.spice, "spice", "", "Spice level")
	cmd.Flags().BoolVar(&m.onSide, "on-side", false, "Serve the spice on the side")
	cmd.Flags().StringSliceVar(&m.avoid, "avoid", nil, "Allergens to avoid, comma separated")
	cmd.Flags().StringVar(&m.note, "note", "", "Special instructions")
}

func (m *modifierFlags) modifiers() *cart.Modifiers {
	if m.spice == "" && !m.onSide && len(m.avoid) == 0 && m.note == "" {
		return nil
	}
	return &cart.Modifiers{
		SpiceLevel:          m.spice,
		SpiceOnSide:         m.onSide,
		AllergensAvoid:      m.avoid,
		SpecialInstructions: m.note,
	}
}

// patch only carries the flags the user actually set.
func (m *modifierFlags) patch(cmd *cobra.Command) cart.ModifierPatch {
	var p cart.ModifierPatch
	if cmd.Flags().Changed("spice") {
		p.SpiceLevel = &m.spice
	}
	if cmd.Flags().Changed("on-side") {
		p.SpiceOnSide = &m.onSide
	}
	if cmd.Flags().Changed("avoid") {
		p.AllergensAvoid = &m.avoid
	}
	if cmd.Flags().Changed("note") {
		p.SpecialInstructions = &m.note
	}
	return p
}

func (c *cli) openCart(cmd *cobra.Command) (*session.TableSession, *cart.Cart, error) {
	slug, err := c.restaurant()
	if err != nil {
		return nil, nil, err
	}
	ts, err := c.currentSession(cmd.Context(), slug)
	if err != nil {
		return nil, nil, err
	}
	return ts, cart.Load(cmd.Context(), c.stateStore(), slug, ts.TableSessionID, c.logger), nil
}

// lineRef accepts either the 1-based position shown by `cart show` or a
// line key.
func lineRef(c *cart.Cart, ref string) (string, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		lines := c.Lines()
		if n < 1 || n > len(lines) {
			return "", fmt.Errorf("no cart line %d", n)
		}
		return lines[n-1].Key, nil
	}
	if _, ok := c.Line(ref); !ok {
		return "", cart.ErrLineNotFound
	}
	return ref, nil
}

func newCartCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cart",
		Short: "Build the order for your table",
	}

	var addFlags modifierFlags
	add := &cobra.Command{
		Use:   "add <menu-item-id>",
		Short: "Add an item, merging with an identical line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ct, err := c.openCart(cmd)
			if err != nil {
				return err
			}
			menu, err := c.client().GetMenu(cmd.Context(), ct.Slug())
			if err != nil {
				return fmt.Errorf("load menu: %w", err)
			}
			item, ok := menu.FindItem(args[0])
			if !ok {
				return fmt.Errorf("menu item %s not found", args[0])
			}
			if !item.IsAvailable() {
				return fmt.Errorf("%s is not available right now", item.Name)
			}
			mods := addFlags.modifiers()
			var m cart.Modifiers
			if mods != nil {
				m = *mods
			}
			_, existed := ct.Line(cart.LineKey(item.ID, m))

			line, ok := ct.Add(cmd.Context(), cart.ItemFromMenu(item), addFlags.quantity, mods)
			if !ok {
				return errors.New("quantity must be positive")
			}
			verb := "Added"
			if existed {
				verb = "Updated"
			}
			c.printf("%s %dx %s, cart total %s\n", verb, line.Quantity, line.Name, ct.Total().StringFixed(2))
			return nil
		},
	}
	add.Flags().IntVarP(&addFlags.quantity, "qty", "q", 1, "Quantity")
	addFlags.bind(add)

	show := &cobra.Command{
		Use:   "show",
		Short: "Show cart lines and total",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ct, err := c.openCart(cmd)
			if err != nil {
				return err
			}
			if ct.IsEmpty() {
				c.printf("Cart is empty\n")
				return nil
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			for i, l := range ct.Lines() {
				fmt.Fprintf(tw, "%d\t%dx\t%s\t%s\t%s\n", i+1, l.Quantity, l.Name, l.Subtotal().StringFixed(2), describe(l.Modifiers))
			}
			fmt.Fprintf(tw, "\t%d\tTotal\t%s\t\n", ct.Count(), ct.Total().StringFixed(2))
			return tw.Flush()
		},
	}

	set := &cobra.Command{
		Use:   "set <line> <qty>",
		Short: "Set a line quantity, 0 removes it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ct, err := c.openCart(cmd)
			if err != nil {
				return err
			}
			key, err := lineRef(ct, args[0])
			if err != nil {
				return err
			}
			qty, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid quantity %q", args[1])
			}
			if err := ct.SetQty(cmd.Context(), key, qty); err != nil {
				return err
			}
			c.printf("Cart total %s\n", ct.Total().StringFixed(2))
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <line>",
		Short: "Remove a line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ct, err := c.openCart(cmd)
			if err != nil {
				return err
			}
			key, err := lineRef(ct, args[0])
			if err != nil {
				return err
			}
			if err := ct.Remove(cmd.Context(), key); err != nil {
				return err
			}
			c.printf("Cart total %s\n", ct.Total().StringFixed(2))
			return nil
		},
	}

	var editFlags modifierFlags
	edit := &cobra.Command{
		Use:   "edit <line>",
		Short: "Change the modifiers of a line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ct, err := c.openCart(cmd)
			if err != nil {
				return err
			}
			key, err := lineRef(ct, args[0])
			if err != nil {
				return err
			}
			newKey, err := ct.EditLine(cmd.Context(), key, editFlags.patch(cmd))
			if err != nil {
				return err
			}
			line, _ := ct.Line(newKey)
			c.printf("%dx %s %s\n", line.Quantity, line.Name, describe(line.Modifiers))
			return nil
		},
	}
	editFlags.bind(edit)

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Empty the cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ct, err := c.openCart(cmd)
			if err != nil {
				return err
			}
			ct.Clear(cmd.Context())
			c.printf("Cart cleared\n")
			return nil
		},
	}

	cmd.AddCommand(add, show, set, remove, edit, clearCmd)
	return cmd
}

func describe(m cart.Modifiers) string {
	var parts []string
	if m.SpiceLevel != "" {
		s := "spice " + m.SpiceLevel
		if m.SpiceOnSide {
			s += " on the side"
		}
		parts = append(parts, s)
	}
	if len(m.AllergensAvoid) > 0 {
		parts = append(parts, "no "+strings.Join(m.AllergensAvoid, ", "))
	}
	if m.SpecialInstructions != "" {
		parts = append(parts, fmt.Sprintf("%q", m.SpecialInstructions))
	}
	return strings.Join(parts, "; ")
}

func newOrderCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Place and follow orders",
	}

	submit := &cobra.Command{
		Use:   "submit",
		Short: "Send the cart to the kitchen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ts, ct, err := c.openCart(cmd)
			if err != nil {
				return err
			}
			if !ts.CanOrder() {
				return errors.New("this table session cannot place orders, scan the QR code on your table")
			}
			if ct.IsEmpty() {
				return errors.New("cart is empty")
			}

			store := c.stateStore()
			order, err := c.client().CreateOrder(ctx, ct.Slug(), api.CreateOrderRequest{
				TableSessionID: ts.TableSessionID,
				SessionSecret:  ts.SessionSecret,
				DeviceID:       session.NewStoredDeviceID(store, c.logger).DeviceID(ctx),
				Lines:          ct.OrderLines(),
			})
			if err != nil {
				return fmt.Errorf("place order: %w", err)
			}

			ct.Clear(ctx)
			rec := tracking.Record{OrderID: order.ID, OrderToken: order.OrderToken}
			if err := tracking.SaveRecord(ctx, store, ct.Slug(), rec); err != nil {
				c.logger.Info("cannot persist order tracking record", "order_id", order.ID, "error", err)
			}

			c.printf("Order %s placed: %s, total %s\n", order.ID, order.Status.Label(), formatCents(order.TotalCents))
			return nil
		},
	}

	var interval time.Duration
	track := &cobra.Command{
		Use:   "track [order-id token]",
		Short: "Follow an order until it is served or cancelled",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return errors.New("pass both order id and token, or neither to track the last order")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			slug, err := c.restaurant()
			if err != nil {
				return err
			}

			target := tracking.Target{Slug: slug}
			if len(args) == 2 {
				target.OrderID, target.Token = args[0], args[1]
			} else {
				rec, err := tracking.LoadRecord(ctx, c.stateStore(), slug)
				if err != nil {
					return err
				}
				if rec == nil {
					return errors.New("no order to track, submit one first")
				}
				target.OrderID, target.Token = rec.OrderID, rec.OrderToken
			}

			poller := tracking.NewPoller(c.client(), target,
				tracking.WithInterval(interval),
				tracking.WithLogger(c.logger),
				tracking.WithListener(func(prev, next *api.Order) {
					if prev == nil || prev.Status != next.Status {
						c.printf("%s  %s\n", time.Now().Format("15:04:05"), next.Status.Label())
					}
				}),
			)
			if err := poller.Run(ctx); err != nil {
				return err
			}
			if latest, ok := poller.Latest(); ok {
				c.printf("Order %s is %s\n", latest.ID, strings.ToLower(latest.Status.Label()))
			}
			return nil
		},
	}
	track.Flags().DurationVar(&interval, "interval", tracking.DefaultInterval, "Polling interval")

	cmd.AddCommand(submit, track)
	return cmd
}

func newWaiterCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "waiter",
		Short: "Ask for table service",
	}

	var reason string
	call := &cobra.Command{
		Use:   "call",
		Short: "Call a waiter to your table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, err := c.restaurant()
			if err != nil {
				return err
			}
			ts, err := c.currentSession(cmd.Context(), slug)
			if err != nil {
				return err
			}
			if !ts.CanOrder() {
				return errors.New("this table session cannot call a waiter")
			}
			wc, err := c.client().CallWaiter(cmd.Context(), slug, api.CallWaiterRequest{
				TableSessionID: ts.TableSessionID,
				SessionSecret:  ts.SessionSecret,
				Reason:         strings.TrimSpace(reason),
			})
			if err != nil {
				return fmt.Errorf("call waiter: %w", err)
			}
			c.printf("A waiter is on the way to table %s\n", wc.TableNumber)
			return nil
		},
	}
	call.Flags().StringVar(&reason, "reason", "", "What you need")

	cmd.AddCommand(call)
	return cmd
}
