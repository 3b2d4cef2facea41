package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/RhizApp/rhizproto/internal/storage"
	pgdb "github.com/RhizApp/rhizproto/pkg/db/pgx"

	"github.com/RhizApp/rhizproto/pkg/common"
	"github.com/RhizApp/rhizproto/pkg/logger"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rabbitmq/amqp091-go"
)

// DeadLetterSink is where ops land after exhausting their retry budget.
// Each op is published to the collection's DLQ for operator tooling, its
// raw payload archived to S3, and a row written for inspection queries.
// None of the three legs is allowed to block the others: a failed archive
// still leaves the DLQ copy and the db row.
type DeadLetterSink struct {
	ch    *amqp091.Channel
	s3    *awss3.Client
	store Store
}

func NewDeadLetterSink(ch *amqp091.Channel, s3Client *awss3.Client, store Store) *DeadLetterSink {
	return &DeadLetterSink{ch: ch, s3: s3Client, store: store}
}

func (s *DeadLetterSink) DeadLetter(ctx context.Context, op common.Operation, cause error) error {
	payload, err := json.Marshal(op)
	if err != nil {
		payload = op.Record
	}

	if s.ch != nil {
		dlqName := queueFor(op.Collection) + "_dlq"
		if err := PublishFIFO(s.ch, dlqName, payload); err != nil {
			logger.Error("[Ingest] Failed to publish to DLQ", "dlq", dlqName, "rid", op.RID, "err", err)
		}
	}

	archiveKey := ""
	if s.s3 != nil {
		key := fmt.Sprintf("dead_letters/%s/%d.json", op.Source, op.Seq)
		if err := storage.ArchivePayload(ctx, s.s3, key, payload); err != nil {
			logger.Error("[Ingest] Failed to archive dead letter", "key", key, "rid", op.RID, "err", err)
		} else {
			archiveKey = key
		}
	}

	if _, err := s.store.InsertDeadLetter(ctx, pgdb.InsertDeadLetterParams{
		Source:     op.Source,
		Seq:        op.Seq,
		Collection: string(op.Collection),
		Rid:        op.RID,
		Cid:        op.CID,
		Reason:     cause.Error(),
		Payload:    payload,
		ArchiveKey: archiveKey,
	}); err != nil {
		return fmt.Errorf("failed to record dead letter for %s: %w", op.RID, err)
	}

	return nil
}

func queueFor(c common.Collection) string {
	switch c {
	case common.CollectionRelationship:
		return RelationshipQueue
	case common.CollectionAttestation:
		return AttestationQueue
	default:
		return ProfileQueue
	}
}
