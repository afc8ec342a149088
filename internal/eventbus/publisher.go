package eventbus

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/indexpilot/indexpilot/internal/tuner"
)

const (
	recommendationSubject = "tuning.recommendations"
	rejectionSubject      = "sql.rejections"
)

// Publisher publishes tuning and validation events to NATS. A nil Publisher
// is valid and publishes nothing, so the event bus stays optional.
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher connects to NATS with retry.
func NewPublisher(natsURL string) (*Publisher, error) {
	conn, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	log.Printf("Connected to NATS at %s", natsURL)
	return &Publisher{conn: conn}, nil
}

// Rejection records one statement the validator refused.
type Rejection struct {
	Statement string `json:"statement"`
	Mode      string `json:"mode"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// PublishRecommendation publishes a completed tuning recommendation.
func (p *Publisher) PublishRecommendation(rec *tuner.Recommendation) error {
	if p == nil || p.conn == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(recommendationSubject, data); err != nil {
		return err
	}
	log.Printf("Published recommendation: %d indexes, improvement %.1f%%",
		len(rec.Configuration), rec.ImprovementRatio*100)
	return nil
}

// PublishRejection publishes a validator rejection.
func (p *Publisher) PublishRejection(rej *Rejection) error {
	if p == nil || p.conn == nil {
		return nil
	}
	data, err := json.Marshal(rej)
	if err != nil {
		return err
	}
	return p.conn.Publish(rejectionSubject, data)
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p != nil && p.conn != nil {
		p.conn.Close()
		log.Println("Disconnected from NATS")
	}
}
