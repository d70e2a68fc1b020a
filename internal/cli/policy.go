package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cartsync/internal/policy"
)

// PolicyView is the printed form of an effective policy.
type PolicyView struct {
	Source string         `json:"source"`
	Policy *policy.Policy `json:"policy"`
}

func (v PolicyView) String() string {
	p := v.Policy
	var b strings.Builder
	fmt.Fprintf(&b, "Policy: %s\n", v.Source)
	fmt.Fprintf(&b, "Non-purchasing roles: %s\n", strings.Join(p.NonPurchasingRoles, ", "))
	fmt.Fprintf(&b, "Default stock ceiling: %d\n", p.DefaultStockCeiling)
	fmt.Fprintf(&b, "Placeholder image: %s\n", p.PlaceholderImage)
	b.WriteString("Messages:\n")
	for _, m := range []struct{ key, val string }{
		{"duplicate_line", p.Messages.DuplicateLine},
		{"ownership_violation", p.Messages.OwnershipViolation},
		{"unauthenticated", p.Messages.Unauthenticated},
		{"transport_failure", p.Messages.TransportFailure},
		{"added", p.Messages.Added},
		{"removed", p.Messages.Removed},
		{"updated", p.Messages.Updated},
		{"cleared", p.Messages.Cleared},
	} {
		fmt.Fprintf(&b, "  %-20s %s\n", m.key+":", m.val)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// NewPolicyCommand creates the policy command.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy [file]",
		Short: "Validate a cart policy and print the effective values",
		Long: `Compile a CUE cart policy against the built-in schema and print the
effective policy. Without a file argument the configured policy (or the
embedded default) is shown.

Examples:
  cartsync policy strict.cue
  cartsync policy --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicy(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runPolicy(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := opts.loadConfig()
		if err != nil {
			_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
			return err
		}
		path = cfg.Policy
	}

	p, err := policy.Load(path)
	if err != nil {
		var cerr *policy.CompileError
		if errors.As(err, &cerr) {
			details := map[string]any{"field": cerr.Field}
			if cerr.Pos.IsValid() {
				details["line"] = cerr.Pos.Line()
				details["column"] = cerr.Pos.Column()
			}
			_ = formatter.Error(ErrCodePolicy, err.Error(), details)
			return WrapExitError(ExitFailure, "invalid policy", err)
		}
		_ = formatter.Error(ErrCodePolicy, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load policy", err)
	}

	source := path
	if source == "" {
		source = "(embedded default)"
	}
	formatter.VerboseLog("compiled policy from %s", source)
	return formatter.Success(PolicyView{Source: source, Policy: p})
}
