// Package inbound consumes customer messages from Kafka and routes them.
package inbound

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/order-dispatch/internal/queue"
	inboundsvc "github.com/acme/order-dispatch/internal/service/inbound"
)

// Reader is the subset of kafka.Reader the worker needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Router is satisfied by inbound.Router.
type Router interface {
	Route(ctx context.Context, evt queue.InboundEvent) (inboundsvc.Result, error)
}

// Worker consumes inbound events and hands them to the router.
type Worker struct {
	reader Reader
	router Router
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a new inbound worker.
func New(reader Reader, router Router, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{reader: reader, router: router, logger: logger, tracer: otel.Tracer("orderdispatch.inboundworker")}
}

// Run processes inbound events until the context is cancelled. A message is
// committed once routed; routing failures leave it uncommitted so it is
// redelivered after a rebalance or restart.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("inbound worker: fetch", zap.Error(err))
			continue
		}

		if err := w.handle(ctx, msg); err != nil {
			w.logger.Error("inbound worker: route", zap.Error(err), zap.Int64("offset", msg.Offset))
			continue
		}

		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			w.logger.Error("inbound worker: commit", zap.Error(err))
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) error {
	var evt queue.InboundEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		// poison message, skip it
		w.logger.Error("inbound worker: unmarshal", zap.Error(err), zap.Int64("offset", msg.Offset))
		return nil
	}

	sctx, span := w.tracer.Start(ctx, "inbound.route", trace.WithAttributes(
		attribute.String("source.id", evt.SourceID),
		attribute.Bool("from_me", evt.FromMe),
	))
	defer span.End()

	res, err := w.router.Route(sctx, evt)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("route", string(res.Route)))
	w.logger.Debug("inbound worker: routed", zap.String("source_id", evt.SourceID), zap.String("route", string(res.Route)))
	return nil
}
