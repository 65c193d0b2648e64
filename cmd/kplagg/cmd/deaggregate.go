/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssargent/kinesisagg/pkg/deaggregator"
	"github.com/ssargent/kinesisagg/pkg/envelope"
	"github.com/ssargent/kinesisagg/pkg/spool"
)

func newDeaggregateCmd(c *cli) *cobra.Command {
	var (
		fromSpool bool
		drain     bool
		noVerify  bool
	)

	cmd := &cobra.Command{
		Use:   "deaggregate [file]",
		Short: "Recover user records from Kinesis records",
		Long: `Read a Kinesis event and print every user record it carries as JSON
lines, in the field-name convention of the input.

The input is either a Lambda event ({"Records":[{"kinesis":{...}}]}) or a
JSON array of Kinesis records. Records that are not aggregated pass through
unchanged. With --from-spool, every spooled container is deaggregated instead.

Examples:
  kplagg deaggregate event.json
  kplagg deaggregate --from-spool --drain`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if noVerify {
				c.cfg.Deaggregation.VerifyChecksum = false
			}
			d := deaggregator.New(
				deaggregator.WithVerifyChecksum(c.cfg.Deaggregation.VerifyChecksum),
				deaggregator.WithLogger(c.logger),
			)

			if fromSpool {
				sp, err := spool.Open(c.cfg.Spool.Dir, spool.WithLogger(c.logger))
				if err != nil {
					return err
				}
				defer sp.Close()
				return c.deaggregateSpool(cmd.OutOrStdout(), d, sp, drain)
			}

			in, err := openInput(cmd, args)
			if err != nil {
				return err
			}
			defer in.Close()

			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			records, conv, err := envelope.ParseEvent(data)
			if err != nil {
				return err
			}
			return c.deaggregate(cmd.OutOrStdout(), d, records, conv)
		},
	}

	cmd.Flags().BoolVar(&fromSpool, "from-spool", false, "Deaggregate every spooled container")
	cmd.Flags().BoolVar(&drain, "drain", false, "Delete spooled containers once deaggregated (with --from-spool)")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip MD5 checksum verification")

	return cmd
}

func (c *cli) deaggregate(out io.Writer, d *deaggregator.Deaggregator, records []envelope.Record, conv envelope.Convention) error {
	enc := json.NewEncoder(out)
	var errs []error

	for i, rec := range records {
		if err := d.Deaggregate(rec, c.printer(enc, conv, &errs)); err != nil {
			errs = append(errs, fmt.Errorf("record %d (sequence %s): %w", i, rec.SequenceNumber, err))
		}
	}
	return errors.Join(errs...)
}

func (c *cli) deaggregateSpool(out io.Writer, d *deaggregator.Deaggregator, sp *spool.Spool, drain bool) error {
	enc := json.NewEncoder(out)
	var (
		errs    []error
		drained []spool.Entry
	)

	err := sp.Iterate(func(e spool.Entry) error {
		rec := envelope.Record{
			Data:                        e.Container.Data,
			PartitionKey:                e.Container.PartitionKey,
			ExplicitHashKey:             e.Container.ExplicitHashKey,
			SequenceNumber:              e.ID.String(),
			ApproximateArrivalTimestamp: timePtr(e.SpooledAt()),
		}
		before := len(errs)
		if err := d.Deaggregate(rec, c.printer(enc, envelope.LowerCamel, &errs)); err != nil {
			errs = append(errs, fmt.Errorf("spool entry %s: %w", e.ID, err))
		}
		if len(errs) == before {
			drained = append(drained, e)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if drain {
		for _, e := range drained {
			if err := sp.Delete(e.ID); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete spool entry %s: %w", e.ID, err))
			}
		}
		c.logger.Info("drained spool", "entries", len(drained))
	}
	return errors.Join(errs...)
}

// printer writes recovered records as JSON lines and collects failures.
func (c *cli) printer(enc *json.Encoder, conv envelope.Convention, errs *[]error) deaggregator.Handler {
	return deaggregator.HandlerFuncs{
		Record: func(u deaggregator.UserRecord) error {
			return enc.Encode(u.Map(conv))
		},
		RecordError: func(e *deaggregator.SubRecordError) {
			c.logger.Warn("failed to emit sub-record", "sub_sequence_number", e.SubSequenceNumber, "error", e.Err)
			*errs = append(*errs, e)
		},
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
