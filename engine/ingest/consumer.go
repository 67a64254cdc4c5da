package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/datastax/cohere-basic-astradb-integration/engine/domain"
)

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Record  domain.Record `json:"record"`
	Error   string        `json:"error"`
	Retries int           `json:"retries"`
}

// StartConsumer subscribes to the records subject and runs each record
// through the ingestion pipeline with retry and DLQ support.
func StartConsumer(nc *nats.Conn, deps Deps) (*nats.Subscription, error) {
	pipeline := NewPipeline(deps)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	return nc.Subscribe(RecordsSubject, func(msg *nats.Msg) {
		var rec domain.Record
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			log.Error("ingest: unmarshal failed", "error", err)
			return
		}

		ctx := context.Background()

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get("X-Retry-Count"); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		// Retried messages skip the duplicate check: the record failed
		// before it landed in the store, even if a side write saw it.
		if retries == 0 && deps.DeduplicateF != nil {
			docID := DocumentID(rec)
			exists, err := deps.DeduplicateF(ctx, docID)
			if err != nil {
				log.Warn("ingest: dedup check failed", "error", err)
			} else if exists {
				log.Info("ingest: skipping duplicate", "doc_id", docID)
				if msg.Reply != "" {
					_ = msg.Ack()
				}
				return
			}
		}

		result := pipeline(ctx, []domain.Record{rec})
		if result.IsErr() {
			_, pipeErr := result.Unwrap()
			retries++
			log.Error("ingest: pipeline failed",
				"error", pipeErr,
				"record_id", rec.ID,
				"retry", retries,
			)

			if retries >= MaxRetries {
				dlq := dlqMessage{
					Record:  rec,
					Error:   pipeErr.Error(),
					Retries: retries,
				}
				data, _ := json.Marshal(dlq)
				if err := nc.Publish(DLQSubject, data); err != nil {
					log.Error("ingest: DLQ publish failed", "error", err)
				}
			} else {
				retryMsg := nats.NewMsg(RecordsSubject)
				retryMsg.Data = msg.Data
				retryMsg.Header = nats.Header{}
				retryMsg.Header.Set("X-Retry-Count", fmt.Sprintf("%d", retries))
				if err := nc.PublishMsg(retryMsg); err != nil {
					log.Error("ingest: retry publish failed", "error", err)
				}
			}
		} else {
			report, _ := result.Unwrap()
			log.Info("ingest: success", "record_id", rec.ID, "inserted", report.Inserted())
		}

		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}
