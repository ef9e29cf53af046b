package cli

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/corral/internal/exchange"
)

// KeysResult lists in-progress correlation keys.
type KeysResult struct {
	Repository string   `json:"repository"`
	Keys       []string `json:"keys"`
}

// RenderText prints one key per line.
func (r KeysResult) RenderText(w io.Writer) error {
	if len(r.Keys) == 0 {
		fmt.Fprintf(w, "No in-progress aggregates in %s\n", r.Repository)
		return nil
	}
	for _, k := range r.Keys {
		fmt.Fprintln(w, keyStyle.Sprint(k))
	}
	return nil
}

// ExchangeView is the printable form of a stored exchange.
type ExchangeView struct {
	ExchangeID string         `json:"exchange_id"`
	Key        string         `json:"key"`
	Version    int64          `json:"version,omitempty"`
	Body       any            `json:"body"`
	Headers    map[string]any `json:"headers,omitempty"`
}

func newExchangeView(key string, ex *exchange.Exchange) ExchangeView {
	return ExchangeView{
		ExchangeID: ex.ID,
		Key:        key,
		Version:    ex.Version,
		Body:       ex.Body,
		Headers:    ex.Headers,
	}
}

// RenderText prints labelled fields, headers sorted by name.
func (v ExchangeView) RenderText(w io.Writer) error {
	body, _ := exchange.TextOf(v.Body)
	fmt.Fprintf(w, "%-13s%s\n", "Key:", keyStyle.Sprint(v.Key))
	fmt.Fprintf(w, "%-13s%s\n", "Exchange ID:", v.ExchangeID)
	if v.Version > 0 {
		fmt.Fprintf(w, "%-13s%d\n", "Version:", v.Version)
	}
	fmt.Fprintf(w, "%-13s%s\n", "Body:", body)
	if len(v.Headers) == 0 {
		return nil
	}
	fmt.Fprintln(w, "Headers:")
	names := make([]string, 0, len(v.Headers))
	for name := range v.Headers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %v\n", name, v.Headers[name])
	}
	return nil
}

// CompletedRow is one line of the completed listing.
type CompletedRow struct {
	ExchangeID    string    `json:"exchange_id"`
	Key           string    `json:"key"`
	DeliveryCount int       `json:"delivery_count"`
	InstanceID    string    `json:"instance_id"`
	StoredAt      time.Time `json:"stored_at"`
}

// CompletedResult lists completed, unconfirmed exchanges.
type CompletedResult struct {
	Repository string         `json:"repository"`
	Completed  []CompletedRow `json:"completed"`
}

// RenderText prints an aligned table.
func (r CompletedResult) RenderText(w io.Writer) error {
	if len(r.Completed) == 0 {
		fmt.Fprintf(w, "No completed exchanges awaiting confirmation in %s\n", r.Repository)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EXCHANGE ID\tKEY\tDELIVERIES\tINSTANCE\tSTORED AT")
	for _, row := range r.Completed {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			row.ExchangeID,
			row.Key,
			row.DeliveryCount,
			row.InstanceID,
			row.StoredAt.UTC().Format(time.RFC3339Nano),
		)
	}
	return tw.Flush()
}

// ConfirmResult reports a confirm.
type ConfirmResult struct {
	ExchangeID string `json:"exchange_id"`
	Confirmed  bool   `json:"confirmed"`
}

// RenderText prints whether a row was removed.
func (r ConfirmResult) RenderText(w io.Writer) error {
	if r.Confirmed {
		fmt.Fprintf(w, "%s %s\n", okStyle.Sprint("Confirmed"), r.ExchangeID)
		return nil
	}
	fmt.Fprintf(w, "%s was not awaiting confirmation\n", r.ExchangeID)
	return nil
}

// NewKeysCommand creates the keys command.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List in-progress correlation keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			keys, err := s.repo.Keys(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list keys", err)
			}
			if keys == nil {
				keys = []string{}
			}
			return newFormatter(cmd, rootOpts).Success(KeysResult{Repository: s.repo.Name(), Keys: keys})
		},
	}
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Show the in-progress aggregate for a correlation key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			f := newFormatter(cmd, rootOpts)
			ex, err := s.repo.Get(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read aggregate", err)
			}
			if ex == nil {
				_ = f.Error(ErrCodeNotFound, fmt.Sprintf("no aggregate for key %q", args[0]), nil)
				return NewExitError(ExitFailure, fmt.Sprintf("no aggregate for key %q", args[0]))
			}
			return f.Success(newExchangeView(args[0], ex))
		},
	}
}

// NewCompletedCommand creates the completed command.
func NewCompletedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "completed",
		Short: "List completed exchanges awaiting confirmation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			rows, err := s.repo.ListCompleted(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list completed exchanges", err)
			}
			result := CompletedResult{Repository: s.repo.Name(), Completed: make([]CompletedRow, len(rows))}
			for i, row := range rows {
				result.Completed[i] = CompletedRow{
					ExchangeID:    row.ExchangeID,
					Key:           row.Key,
					DeliveryCount: row.DeliveryCount,
					InstanceID:    row.InstanceID,
					StoredAt:      row.StoredAt,
				}
			}
			return newFormatter(cmd, rootOpts).Success(result)
		},
	}
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <exchange-id>",
		Short: "Show a completed exchange without confirming it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			f := newFormatter(cmd, rootOpts)
			ex, err := s.repo.Recover(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to recover exchange", err)
			}
			if ex == nil {
				_ = f.Error(ErrCodeNotFound, fmt.Sprintf("no completed exchange %q", args[0]), nil)
				return NewExitError(ExitFailure, fmt.Sprintf("no completed exchange %q", args[0]))
			}
			key, _ := ex.Property(exchange.PropertyCorrelationKey)
			keyText, _ := key.(string)
			return f.Success(newExchangeView(keyText, ex))
		},
	}
}

// NewConfirmCommand creates the confirm command.
func NewConfirmCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <exchange-id>",
		Short: "Confirm a completed exchange so it is never redelivered",
		Long: `Confirm a completed exchange so it is never redelivered.

Confirming an exchange that is not awaiting confirmation is not an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			deleted, err := s.repo.ConfirmWithResult(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to confirm exchange", err)
			}
			return newFormatter(cmd, rootOpts).Success(ConfirmResult{ExchangeID: args[0], Confirmed: deleted})
		},
	}
}
