package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
)

// Dead letter sources.
const (
	SourceNotification = "notification"
	SourceJob          = "job"
)

// DeadLetter is the operator-facing record of work that exhausted its
// retries.
type DeadLetter struct {
	Source        string          `json:"source"`
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	Target        string          `json:"target"`
	Attempts      int             `json:"attempts"`
	Reason        string          `json:"reason"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	At            time.Time       `json:"at"`
}

// EnvelopeDeadLetter builds the record for a dead envelope.
func EnvelopeDeadLetter(env Envelope, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		Source:        SourceNotification,
		ID:            env.ID,
		CorrelationID: env.CorrelationID,
		Target:        env.RateKey(),
		Attempts:      env.Attempt,
		Reason:        reason,
		Payload:       env.Payload,
		At:            at,
	}
}

type DeadLetterIndex interface {
	IndexDeadLetter(ctx context.Context, dl DeadLetter) error
}

// ElasticDeadLetterIndex writes dead letters to an Elasticsearch index so
// operators can search them.
type ElasticDeadLetterIndex struct {
	client *elasticsearch.Client
	index  string
}

func NewElasticDeadLetterIndex(client *elasticsearch.Client, index string) (*ElasticDeadLetterIndex, error) {
	if client == nil {
		return nil, fmt.Errorf("elasticsearch client is required")
	}
	if index == "" {
		index = "backcheck-dead-letters"
	}
	return &ElasticDeadLetterIndex{client: client, index: index}, nil
}

func (x *ElasticDeadLetterIndex) IndexDeadLetter(ctx context.Context, dl DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	res, err := x.client.Index(
		x.index,
		bytes.NewReader(body),
		x.client.Index.WithDocumentID(dl.Source+"-"+dl.ID),
		x.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index dead letter %s: %w", dl.ID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index dead letter %s: %s", dl.ID, res.Status())
	}
	return nil
}
