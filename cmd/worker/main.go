package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RhizApp/rhizproto/internal/ingest"
	"github.com/RhizApp/rhizproto/internal/storage"
	"github.com/RhizApp/rhizproto/internal/util"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/RhizApp/rhizproto/pkg/common"
	"github.com/RhizApp/rhizproto/pkg/conviction"
	pgdb "github.com/RhizApp/rhizproto/pkg/db/pgx"
	"github.com/RhizApp/rhizproto/pkg/graphstore"
	"github.com/RhizApp/rhizproto/pkg/identity"
	"github.com/RhizApp/rhizproto/pkg/leaselock"
	"github.com/RhizApp/rhizproto/pkg/logger"
	"github.com/RhizApp/rhizproto/pkg/logger/console"
	"github.com/RhizApp/rhizproto/pkg/signature"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	// Init s3 client
	s3Client := storage.NewS3Client(ctx)

	// Init pgx client
	pgConn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	// Init rabbitmq
	conn := ingest.Init()
	defer conn.Close()

	// Init rabbitmq queues if not exist
	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := ingest.SetupQueues(ch); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	store := pgdb.New(pgConn)
	graph := graphstore.NewIndex()
	resolver := identity.NewHTTPResolver(util.GetEnv("DIRECTORY_URL"))
	verifier := signature.NewVerifier(resolver)
	kappa := util.GetEnvNumeric("CONVICTION_SATURATION", 0)
	engine := conviction.New(kappa)

	pipeline := ingest.NewPipeline(store, graph, verifier, engine)

	// A full index rebuild must not race another worker's rebuild, so it
	// runs under a lease.
	locks := leaselock.New(pgConn)
	err = locks.WithLease(ctx, "graph_index_rebuild", leaselock.Options{Wait: true}, func(ctx context.Context) error {
		if err := pipeline.LoadIndex(ctx); err != nil {
			return err
		}
		// Catch up on recomputes a previous run persisted attestations
		// for but never finished.
		return pipeline.ReconcileConvictions(ctx)
	})
	if err != nil {
		logger.Fatal("Failed to load graph index", "err", err)
	}

	sink := ingest.NewDeadLetterSink(ch, s3Client, store)
	queueSize := int(util.GetEnvNumeric("INGEST_QUEUE_SIZE", 1024))
	ingestor := ingest.NewIngestor(ingest.Config{
		Workers:       int(util.GetEnvNumeric("INGEST_WORKERS", 4)),
		QueueSize:     queueSize,
		FillThreshold: int(util.GetEnvNumeric("INGEST_FILL_THRESHOLD", 0)),
	}, store, pipeline, sink)
	ingestor.Start(ctx)

	logger.Info("Listening for messages")

	// Create a single consumer channel shared across all queues. Deliveries
	// stay unacked until the op reaches a terminal disposition, so the
	// prefetch window has to cover the ingestor's lane capacity.
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	err = consumerCh.Qos(queueSize, 0, true)
	if err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	type queuedMessage struct {
		msg       amqp.Delivery
		queueName string
	}

	messageChan := make(chan queuedMessage)

	for _, queueName := range ingest.Queues {
		go func(qName string) {
			msgs, err := consumerCh.Consume(qName, qName+"_consumer", false, false, false, false, nil)
			if err != nil {
				logger.Fatal("Failed to register consumer", "queue", qName, "err", err)
			}
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					messageChan <- queuedMessage{msg: msg, queueName: qName}
				}
			}
		}(queueName)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case qm := <-messageChan:
				handleDelivery(ctx, ingestor, sink, qm.msg, qm.queueName)
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining ingestor")
	if err := ingestor.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Ingestor stopped with error", "err", err)
	}
	pipeline.WaitRecomputes()
}

// handleDelivery admits one log record into the ingestor. Retries and
// dead-lettering for processing failures happen inside the ingestor; this
// layer only deals with envelopes that cannot be decoded and with
// backpressure rejections.
func handleDelivery(ctx context.Context, ingestor *ingest.Ingestor, sink *ingest.DeadLetterSink, msg amqp.Delivery, queueName string) {
	var op common.Operation
	if err := json.Unmarshal(msg.Body, &op); err != nil {
		logger.Error("Undecodable message", "queue", queueName, "err", err)
		op = common.Operation{Source: queueName, Record: msg.Body}
		if dlErr := sink.DeadLetter(ctx, op, err); dlErr != nil {
			logger.Error("Failed to dead-letter message", "queue", queueName, "err", dlErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	ack := func() {
		if ackErr := msg.Ack(false); ackErr != nil {
			logger.Error("Failed to ack message", "queue", queueName, "seq", op.Seq, "err", ackErr)
		}
	}
	err := ingestor.SubmitWithAck(ctx, op, ack)
	if errors.Is(err, common.ErrStaleCursor) {
		// The source restarted its log from seq 1. Drop the committed
		// cursor and admit the op against the fresh log.
		logger.Warn("Source log reset, resyncing", "queue", queueName, "source", op.Source)
		if rsErr := ingestor.Resync(ctx, op.Source); rsErr != nil {
			logger.Error("Failed to resync cursor", "source", op.Source, "err", rsErr)
			msg.Nack(false, true)
			return
		}
		err = ingestor.SubmitWithAck(ctx, op, ack)
	}
	if errors.Is(err, common.ErrQueueSaturated) {
		// Leave the record on the broker and let redelivery pace the flow.
		logger.Warn("Ingest queue saturated, requeueing", "queue", queueName, "seq", op.Seq)
		time.Sleep(time.Second)
		msg.Nack(false, true)
		return
	}
	if errors.Is(err, common.ErrMalformedRecord) {
		logger.Error("Rejected message", "queue", queueName, "seq", op.Seq, "err", err)
		if dlErr := sink.DeadLetter(ctx, op, err); dlErr != nil {
			logger.Error("Failed to dead-letter message", "queue", queueName, "err", dlErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}
	if err != nil {
		// Transient admission failure, typically the cursor lookup. Let the
		// broker redeliver.
		logger.Error("Failed to admit message", "queue", queueName, "seq", op.Seq, "err", err)
		msg.Nack(false, true)
	}
	// Admitted: the ingestor acks once the op reaches a terminal
	// disposition, so a crash before then leaves the delivery on the broker.
}
