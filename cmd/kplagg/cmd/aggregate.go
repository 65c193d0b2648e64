/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ssargent/kinesisagg/pkg/aggregator"
	"github.com/ssargent/kinesisagg/pkg/envelope"
	"github.com/ssargent/kinesisagg/pkg/pipeline"
	"github.com/ssargent/kinesisagg/pkg/spool"
)

func newAggregateCmd(c *cli) *cobra.Command {
	var (
		useSpool    bool
		maxBytes    int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "aggregate [file]",
		Short: "Pack user records into aggregated containers",
		Long: `Read user records and pack them into KPL aggregated containers.

Input is a JSON array or a stream of JSON objects, each with a partitionKey,
an optional explicitHashKey and base64 data. Upper-camel field names
(PartitionKey, Data) are accepted too. Containers are written to stdout as
JSON lines in the same convention, or stored in the spool with --spool.

Examples:
  kplagg aggregate records.json
  cat records.jsonl | kplagg aggregate --spool`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(cmd, args)
			if err != nil {
				return err
			}
			defer in.Close()

			records, conv, err := readUserRecords(in)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("max-bytes") {
				c.cfg.Aggregation.MaxBytes = maxBytes
			}
			if cmd.Flags().Changed("concurrency") {
				c.cfg.Aggregation.MaxConcurrentDeliveries = concurrency
			}

			var sp *spool.Spool
			if useSpool {
				sp, err = spool.Open(c.cfg.Spool.Dir, spool.WithLogger(c.logger))
				if err != nil {
					return err
				}
				defer sp.Close()
			}

			return c.aggregate(cmd.Context(), cmd.OutOrStdout(), records, conv, sp)
		},
	}

	cmd.Flags().BoolVar(&useSpool, "spool", false, "Store containers in the spool instead of printing them")
	cmd.Flags().IntVar(&maxBytes, "max-bytes", 0, "Container byte budget (overrides config)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Maximum outstanding deliveries (overrides config)")

	return cmd
}

func (c *cli) aggregate(ctx context.Context, out io.Writer, records []aggregator.UserRecord, conv envelope.Convention, sp *spool.Spool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		enc         = json.NewEncoder(out)
		packingErrs int
		failures    []error
	)

	deliver := func(_ context.Context, container *aggregator.Container, done pipeline.DoneFunc) {
		if sp != nil {
			id, err := sp.Put(container)
			if err == nil {
				err = enc.Encode(map[string]any{"id": id.String(), "records": container.NumRecords})
			}
			done(err)
			return
		}
		done(enc.Encode(container.Map(conv)))
	}
	onError := func(err error, container *aggregator.Container) {
		switch {
		case container != nil:
			failures = append(failures, err)
		case errors.Is(err, pipeline.ErrNoRecordsProduced):
			failures = append(failures, err)
		default:
			packingErrs++
		}
	}

	a := aggregator.New(
		aggregator.WithMaxBytes(c.cfg.Aggregation.MaxBytes),
		aggregator.WithLogger(c.logger),
	)
	pipeline.Run(ctx, records, deliver, nil, onError,
		pipeline.WithAggregator(a),
		pipeline.WithMaxConcurrentDeliveries(c.cfg.Aggregation.MaxConcurrentDeliveries),
		pipeline.WithLogger(c.logger),
	)

	if packingErrs > 0 {
		c.logger.Warn("some records were not aggregated", "rejected", packingErrs, "total", len(records))
	}
	return errors.Join(failures...)
}

// readUserRecords accepts a JSON array or a stream of JSON objects. The
// convention of the first record is returned.
func readUserRecords(r io.Reader) ([]aggregator.UserRecord, envelope.Convention, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, envelope.LowerCamel, fmt.Errorf("failed to read input: %w", err)
	}

	var raws []json.RawMessage
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, envelope.LowerCamel, fmt.Errorf("failed to parse input: %w", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		for {
			var raw json.RawMessage
			if err := dec.Decode(&raw); errors.Is(err, io.EOF) {
				break
			} else if err != nil {
				return nil, envelope.LowerCamel, fmt.Errorf("failed to parse input: %w", err)
			}
			raws = append(raws, raw)
		}
	}

	conv := envelope.LowerCamel
	records := make([]aggregator.UserRecord, 0, len(raws))
	for i, raw := range raws {
		rec, rc, err := envelope.Parse(raw)
		if err != nil {
			return nil, envelope.LowerCamel, fmt.Errorf("record %d: %w", i, err)
		}
		if i == 0 {
			conv = rc
		}
		records = append(records, aggregator.UserRecord{
			PartitionKey:    rec.PartitionKey,
			ExplicitHashKey: rec.ExplicitHashKey,
			Data:            rec.Data,
		})
	}
	return records, conv, nil
}
