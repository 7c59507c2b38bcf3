package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/driverduty/libs/db"
	"github.com/md-rashed-zaman/driverduty/libs/kafkax"
	otelx "github.com/md-rashed-zaman/driverduty/libs/otel"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	pool      *db.Pool
	repo      *Repository
	logger    *slog.Logger
	brokers   []string
	pollEvery time.Duration
	batchSize int
	retention time.Duration
	newWriter func(brokers []string) MessageWriter
}

type PublisherConfig struct {
	Brokers   string
	PollEvery time.Duration
	BatchSize int
	// Retention keeps published rows this long for replay; zero keeps them forever.
	Retention time.Duration
}

const pruneEvery = time.Hour

func NewPublisher(pool *db.Pool, repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		pool:      pool,
		repo:      repo,
		logger:    logger,
		brokers:   kafkax.SplitBrokers(cfg.Brokers),
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
		retention: cfg.Retention,
		newWriter: func(brokers []string) MessageWriter {
			return &kafka.Writer{
				Addr:                   kafka.TCP(brokers...),
				Balancer:               &kafka.Hash{},
				AllowAutoTopicCreation: true,
			}
		},
	}
}

func (p *Publisher) Run(ctx context.Context) {
	if len(p.brokers) == 0 {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}

	writer := p.newWriter(p.brokers)
	defer writer.Close()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	prune := time.NewTicker(pruneEvery)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			p.prune(ctx)
		case <-ticker.C:
			n, err := p.publishBatch(ctx, writer)
			if err != nil {
				p.logger.Error("outbox publish failed", "err", err)
				continue
			}
			if n > 0 {
				pending, err := p.repo.Pending(ctx)
				if err != nil {
					p.logger.Warn("outbox pending count failed", "err", err)
				}
				p.logger.Debug("outbox batch published", "events", n, "pending", pending)
			}
		}
	}
}

func (p *Publisher) prune(ctx context.Context) {
	if p.retention <= 0 {
		return
	}
	n, err := p.repo.Prune(ctx, time.Now().Add(-p.retention))
	if err != nil {
		p.logger.Warn("outbox prune failed", "err", err)
		return
	}
	if n > 0 {
		p.logger.Info("outbox pruned", "rows", n, "retention", p.retention.String())
	}
}

func (p *Publisher) publishBatch(ctx context.Context, writer MessageWriter) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := p.repo.FetchUnpublished(ctx, tx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, tx.Commit(ctx)
	}

	msgs := make([]kafka.Message, 0, len(records))
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, toMessage(ctx, r))
		ids = append(ids, r.ID)
	}
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return 0, err
	}
	if err := p.repo.MarkPublished(ctx, tx, ids); err != nil {
		return 0, err
	}
	return len(records), tx.Commit(ctx)
}

// toMessage keys by aggregate so all events of one shift land on one partition
// in commit order.
func toMessage(ctx context.Context, r Record) kafka.Message {
	msgCtx := otelx.TraceContext{Traceparent: r.Traceparent, Tracestate: r.Tracestate}.Attach(ctx)
	msg := kafka.Message{
		Topic: r.EventType,
		Key:   []byte(r.AggregateID),
		Value: r.Payload,
		Headers: []kafka.Header{
			{Key: kafkax.HeaderEventID, Value: []byte(r.EventID)},
			{Key: kafkax.HeaderEventType, Value: []byte(r.EventType)},
			{Key: kafkax.HeaderAggregateType, Value: []byte(r.AggregateType)},
		},
	}
	msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
	return msg
}
