package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ssargent/kinesisagg/pkg/aggregator"
	"github.com/ssargent/kinesisagg/pkg/deaggregator"
	"github.com/ssargent/kinesisagg/pkg/envelope"
	"github.com/ssargent/kinesisagg/pkg/pipeline"
)

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, HealthResponse{Status: "ok", Spool: s.spool != nil})
}

// handleAggregate packs the request records into containers.
// POST /api/v1/aggregate
func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req AggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Spool && s.spool == nil {
		sendError(w, "Spooling is not enabled on this server", http.StatusBadRequest)
		return
	}

	conv := envelope.LowerCamel
	records := make([]aggregator.UserRecord, 0, len(req.Records))
	for i, raw := range req.Records {
		rec, c, err := envelope.Parse(raw)
		if err != nil {
			sendError(w, fmt.Sprintf("Invalid record %d: %v", i, err), http.StatusBadRequest)
			return
		}
		if i == 0 {
			conv = c
		}
		records = append(records, aggregator.UserRecord{
			PartitionKey:    rec.PartitionKey,
			ExplicitHashKey: rec.ExplicitHashKey,
			Data:            rec.Data,
		})
	}

	resp := AggregateResponse{Containers: []map[string]any{}}
	var deliveryErr error

	deliver := func(_ context.Context, c *aggregator.Container, done pipeline.DoneFunc) {
		if req.Spool {
			id, err := s.spool.Put(c)
			if err != nil {
				done(err)
				return
			}
			resp.SpoolIDs = append(resp.SpoolIDs, id.String())
		}
		resp.Containers = append(resp.Containers, c.Map(conv))
		done(nil)
	}
	onError := func(err error, c *aggregator.Container) {
		if c != nil {
			deliveryErr = err
			return
		}
		resp.Errors = append(resp.Errors, err.Error())
	}

	pipeline.Run(r.Context(), records, deliver, nil, onError,
		pipeline.WithAggregator(aggregator.New(
			aggregator.WithMaxBytes(s.config.MaxBytes),
			aggregator.WithLogger(s.logger),
			aggregator.WithMetrics(s.recorder),
		)),
		pipeline.WithMaxConcurrentDeliveries(s.config.MaxConcurrentDeliveries),
		pipeline.WithMetrics(s.recorder),
		pipeline.WithLogger(s.logger),
	)

	if deliveryErr != nil {
		s.logger.Error("failed to deliver container", "error", deliveryErr)
		sendError(w, "Failed to store container: "+deliveryErr.Error(), http.StatusInternalServerError)
		return
	}
	if len(resp.Containers) == 0 {
		sendError(w, strings.Join(resp.Errors, "; "), http.StatusUnprocessableEntity)
		return
	}

	sendSuccess(w, resp)
}

// handleDeaggregate recovers the user records of a Kinesis event.
// POST /api/v1/deaggregate
func (s *Server) handleDeaggregate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		sendError(w, "Failed to read request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	recs, conv, err := envelope.ParseEvent(body)
	if err != nil {
		sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := DeaggregateResponse{Records: []map[string]any{}}
	for _, rec := range recs {
		err := s.deaggregator.Deaggregate(rec, deaggregator.HandlerFuncs{
			Record: func(u deaggregator.UserRecord) error {
				resp.Records = append(resp.Records, u.Map(conv))
				return nil
			},
			RecordError: func(e *deaggregator.SubRecordError) {
				resp.Errors = append(resp.Errors, fmt.Sprintf("sequence %s: %v", rec.SequenceNumber, e))
			},
		})
		if err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("sequence %s: %v", rec.SequenceNumber, err))
		}
	}

	sendSuccess(w, resp)
}
