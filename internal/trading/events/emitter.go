package events

import (
	"context"
	"time"

	"github.com/Aidin1998/xtconnector/pkg/metrics"
	"go.uber.org/zap"
)

// Emitter fans each event out to its sinks, in registration order. Sink
// failures are logged and never reported back to the caller.
type Emitter struct {
	logger *zap.Logger
	sinks  []Sink
	now    func() time.Time
}

// NewEmitter creates an emitter over sinks.
func NewEmitter(logger *zap.Logger, sinks ...Sink) *Emitter {
	return &Emitter{logger: logger.Named("events"), sinks: sinks, now: time.Now}
}

// Emit publishes event to every sink.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	metrics.OrderEvents.WithLabelValues(string(event.Kind)).Inc()
	for _, sink := range e.sinks {
		if err := sink.Handle(ctx, event); err != nil {
			e.logger.Warn("Event sink failed",
				zap.String("kind", string(event.Kind)),
				zap.String("client_order_id", event.ClientOrderID),
				zap.Error(err),
			)
		}
	}
}

// LogSink writes every event to a logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Handle implements Sink.
func (s *LogSink) Handle(_ context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("kind", string(event.Kind)),
		zap.String("client_order_id", event.ClientOrderID),
		zap.String("exchange_order_id", event.ExchangeOrderID),
		zap.String("trading_pair", event.TradingPair),
	}
	switch event.Kind {
	case KindOrderFilled:
		fields = append(fields,
			zap.String("price", event.Price.String()),
			zap.String("amount", event.Amount.String()),
			zap.String("fee", event.Fee.String()),
			zap.String("trade_id", event.TradeID),
		)
	case KindOrderCompleted:
		fields = append(fields,
			zap.String("executed_amount_base", event.ExecutedBase.String()),
			zap.String("executed_amount_quote", event.ExecutedQuote.String()),
			zap.String("fee_paid", event.FeePaid.String()),
		)
	case KindOrderFailed:
		fields = append(fields, zap.String("reason", event.Reason))
	}
	s.logger.Info("Order event", fields...)
	return nil
}
