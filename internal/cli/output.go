package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/roach88/cartsync/internal/cart"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Rejected mutation, failed scenario, invalid policy
	ExitCommandError = 2 // Command error (bad config, unreachable backend, missing paths)
)

// Error codes reported in CLIError.Code.
const (
	ErrCodeConfig         = "E_CONFIG"
	ErrCodeHydration      = "E_HYDRATION"
	ErrCodeRejected       = "E_REJECTED"
	ErrCodePolicy         = "E_POLICY"
	ErrCodeScenarioFailed = "E_SCENARIO_FAILED"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format. Text
// output uses data's String method when it has one.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(CLIResponse{Status: "ok", Data: data})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// It goes to ErrWriter when set so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// CartView is the printed form of a cart after a command.
type CartView struct {
	Message string     `json:"message,omitempty"`
	Cart    cart.State `json:"cart"`
}

// String renders the cart as an aligned table.
//
//	Shirt [M/red] (P1@M#red)  2 x 19.99 = 39.98
//	Items: 2  Total: 39.98
func (v CartView) String() string {
	var b strings.Builder
	if v.Message != "" {
		b.WriteString(v.Message)
		b.WriteByte('\n')
	}
	if v.Cart.IsEmpty() {
		b.WriteString("Cart is empty")
		return b.String()
	}
	for _, l := range v.Cart.Lines {
		name := l.Product.Name
		if name == "" {
			name = l.Product.ID
		}
		if opts := variantLabel(l); opts != "" {
			name += " [" + opts + "]"
		}
		fmt.Fprintf(&b, "%s (%s)  %d x %s = %s\n",
			name, l.ID, l.Quantity, l.Product.UnitPrice.StringFixed(2), l.Subtotal().StringFixed(2))
	}
	fmt.Fprintf(&b, "Items: %d  Total: %s", v.Cart.ItemCount, v.Cart.Total.StringFixed(2))
	return b.String()
}

func variantLabel(l cart.Line) string {
	switch {
	case l.Size != "" && l.Color != "":
		return l.Size + "/" + l.Color
	case l.Size != "":
		return l.Size
	default:
		return l.Color
	}
}
