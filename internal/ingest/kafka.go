package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/errand-dispatch/internal/models"
)

// LocationProducer publishes runner location events for the consumer
// pipeline that keeps the registry warm.
type LocationProducer struct {
	writer *kafka.Writer
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &LocationProducer{writer: w}
}

func (p *LocationProducer) PublishLocation(r models.Runner) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(r.ID), Value: b})
}

func (p *LocationProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// ReviewProducer emits review triggers for the downstream rating collector.
type ReviewProducer struct {
	writer *kafka.Writer
}

func NewReviewProducer(brokers []string, topic string) *ReviewProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &ReviewProducer{writer: w}
}

func (p *ReviewProducer) TriggerReview(ctx context.Context, rt models.ReviewTrigger) error {
	b, err := json.Marshal(rt)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.writer.WriteMessages(wctx, kafka.Message{Key: []byte(rt.JobID), Value: b})
}

func (p *ReviewProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
