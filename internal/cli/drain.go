package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/corral/internal/exchange"
)

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions
	To string
}

// DrainFailure is one exchange that could not be drained.
type DrainFailure struct {
	ExchangeID string `json:"exchange_id"`
	Error      string `json:"error"`
}

// DrainResult reports a drain.
type DrainResult struct {
	Endpoint string         `json:"endpoint"`
	Drained  []string       `json:"drained"`
	Failed   []DrainFailure `json:"failed,omitempty"`
}

// RenderText prints a summary line and one line per failure.
func (r DrainResult) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "Drained %d exchange(s) to %s\n", len(r.Drained), r.Endpoint)
	for _, f := range r.Failed {
		fmt.Fprintf(w, "%s %s: %s\n", warnStyle.Sprint("failed"), f.ExchangeID, f.Error)
	}
	return nil
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain --to <uri>",
		Short: "Send every completed exchange to an endpoint and confirm it",
		Long: `Send every completed exchange to an endpoint and confirm it.

Each exchange is confirmed only after the endpoint accepted it, so an
interrupted drain can be repeated. Supported endpoints:

  table:<name>          dead-letter table in the same database
  redis://host:port/<list>
  s3://bucket/prefix
  log:<name>

Example:
  corral drain --config corral.yaml --to table:aggregation_dlq`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.To, "to", "", "endpoint URI to drain to (required)")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func runDrain(cmd *cobra.Command, opts *DrainOptions) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	producer, err := s.resolve(ctx, opts.To)
	if err != nil {
		return err
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Warn("error closing endpoint", "endpoint", opts.To, "error", err)
		}
	}()

	rows, err := s.repo.ListCompleted(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list completed exchanges", err)
	}

	result := DrainResult{Endpoint: opts.To, Drained: []string{}}
	fail := func(id string, err error) {
		slog.Warn("drain failed", "exchange_id", id, "error", err)
		result.Failed = append(result.Failed, DrainFailure{ExchangeID: id, Error: err.Error()})
	}

	for _, row := range rows {
		ex, err := s.repo.Recover(ctx, row.ExchangeID)
		if err != nil {
			fail(row.ExchangeID, err)
			continue
		}
		if ex == nil {
			continue
		}
		ex.SetHeader(exchange.HeaderRedeliveryCounter, int64(row.DeliveryCount))

		if err := producer.Send(ctx, row.Key, ex); err != nil {
			fail(row.ExchangeID, err)
			continue
		}
		if err := s.repo.Confirm(ctx, row.ExchangeID); err != nil {
			fail(row.ExchangeID, err)
			continue
		}
		result.Drained = append(result.Drained, row.ExchangeID)
	}

	if err := newFormatter(cmd, opts.RootOptions).Success(result); err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d exchange(s) could not be drained", len(result.Failed)))
	}
	return nil
}
