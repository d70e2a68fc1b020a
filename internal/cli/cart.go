package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/config"
	"github.com/roach88/cartsync/internal/engine"
	"github.com/roach88/cartsync/internal/identity"
	"github.com/roach88/cartsync/internal/policy"
	"github.com/roach88/cartsync/internal/transport"
)

// CartOptions holds flags shared by the cart subcommands.
type CartOptions struct {
	*RootOptions

	// add
	Quantity int
	Size     string
	Color    string
	Variant  string
	Name     string
	Price    string
}

// NewCartCommand creates the cart command and its subcommands.
func NewCartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cart",
		Short: "Inspect and change the remote cart",
		Long: `Drive the sync engine against a cart backend.

Each subcommand observes the configured identity (client.user_id and
client.role), hydrates the cart, performs one operation, and prints the
resulting cart. A rejected mutation exits with status 1 and the
normalized message.

Examples:
  cartsync cart show
  cartsync cart add P1 --size M --qty 2
  cartsync cart update P1@M 3
  cartsync cart remove P1@M
  cartsync cart clear --format json`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "show",
		Short:         "Print the cart",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCart(opts, cmd, nil)
		},
	})

	add := &cobra.Command{
		Use:           "add <product-id>",
		Short:         "Add a product to the cart",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			price := decimal.Zero
			if opts.Price != "" {
				p, err := decimal.NewFromString(opts.Price)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --price", err)
				}
				price = p
			}
			product := cart.Product{ID: args[0], Name: opts.Name, UnitPrice: price}
			return runCart(opts, cmd, func(ctx context.Context, e *engine.Engine) engine.Result {
				return e.Add(ctx, product, opts.Quantity, cart.Options{
					Size:      opts.Size,
					Color:     opts.Color,
					VariantID: opts.Variant,
				})
			})
		},
	}
	add.Flags().IntVarP(&opts.Quantity, "qty", "q", 1, "quantity to add")
	add.Flags().StringVar(&opts.Size, "size", "", "size option")
	add.Flags().StringVar(&opts.Color, "color", "", "color option")
	add.Flags().StringVar(&opts.Variant, "variant", "", "backend variant id")
	add.Flags().StringVar(&opts.Name, "name", "", "product name shown until the next hydration")
	add.Flags().StringVar(&opts.Price, "price", "", "unit price shown until the next hydration")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:           "remove <line-id>",
		Short:         "Remove a line from the cart",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCart(opts, cmd, func(ctx context.Context, e *engine.Engine) engine.Result {
				return e.Remove(ctx, args[0])
			})
		},
	})

	update := &cobra.Command{
		Use:           "update <line-id> <quantity>",
		Short:         "Set a line's quantity (0 removes it)",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := strconv.Atoi(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid quantity", err)
			}
			return runCart(opts, cmd, func(ctx context.Context, e *engine.Engine) engine.Result {
				return e.UpdateQuantity(ctx, args[0], qty, opts.Variant)
			})
		},
	}
	update.Flags().StringVar(&opts.Variant, "variant", "", "backend variant id")
	cmd.AddCommand(update)

	cmd.AddCommand(&cobra.Command{
		Use:           "clear",
		Short:         "Empty the cart",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCart(opts, cmd, func(ctx context.Context, e *engine.Engine) engine.Result {
				return e.Clear(ctx)
			})
		},
	})

	return cmd
}

// cartOp performs one mutation. A nil cartOp only prints the cart.
type cartOp func(ctx context.Context, e *engine.Engine) engine.Result

func runCart(opts *CartOptions, cmd *cobra.Command, op cartOp) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}

	eng, err := newClientEngine(opts.RootOptions, cmd, cfg)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer eng.Stop()

	ctx := cmd.Context()
	sig := signalFor(cfg.Client)
	formatter.VerboseLog("observing identity %s", sig)
	if err := eng.Observe(ctx, sig); err != nil {
		_ = formatter.Error(ErrCodeHydration, "failed to load cart", err.Error())
		return WrapExitError(ExitCommandError, "failed to load cart", err)
	}

	if op == nil {
		return formatter.Success(CartView{Cart: eng.State()})
	}

	res := op(ctx, eng)
	if !res.Success {
		details := map[string]string{"request": res.Request}
		if res.Err != nil {
			details["cause"] = res.Err.Error()
		}
		code := ErrCodeRejected
		if res.Kind != "" {
			code = string(res.Kind)
		}
		_ = formatter.Error(code, res.Message, details)
		return NewExitError(ExitFailure, res.Message)
	}

	// Pick up server-assigned line ids and authoritative prices.
	if err := eng.Refresh(ctx); err != nil {
		formatter.VerboseLog("refresh after mutation failed: %v", err)
	}
	return formatter.Success(CartView{Message: res.Message, Cart: eng.State()})
}

// newClientEngine wires an engine to the configured HTTP backend.
func newClientEngine(opts *RootOptions, cmd *cobra.Command, cfg config.Config) (*engine.Engine, error) {
	logger := opts.logger(cmd.ErrOrStderr(), cfg)

	pol, err := policy.Load(cfg.Policy)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load policy", err)
	}

	client, err := transport.NewHTTPClient(cfg.Client.BaseURL,
		transport.WithToken(cfg.Client.Token),
		transport.WithTimeout(cfg.Client.Timeout),
		transport.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid base URL %q", cfg.Client.BaseURL), err)
	}

	return engine.New(client,
		engine.WithPolicy(pol),
		engine.WithLogger(logger)), nil
}

// signalFor maps the client config to an identity signal. No user id
// means anonymous.
func signalFor(c config.ClientConfig) identity.Signal {
	if c.UserID == "" {
		return identity.Anonymous()
	}
	return identity.Identified(c.UserID, c.Role)
}
