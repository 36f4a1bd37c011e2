package monitor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

const (
	KafkaBatchInterval  = 1 * time.Second
	KafkaRequestTimeout = 60 * time.Second
	KafkaBatchSize      = 100
	KafkaChannelSize    = 100
)

// Lifecycle event types mirrored to Kafka.
const (
	EventStreamStarted     = "stream_started"
	EventStreamStopped     = "stream_stopped"
	EventSegmentStored     = "segment_stored"
	EventManifestPublished = "manifest_published"
	EventStreamLive        = "stream_live"
	EventStreamVOD         = "stream_vod"
	EventPipelineError     = "pipeline_error"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer   messageWriter
	topic    string
	events   chan IngestEvent
	nodeID   string
	stop     chan struct{}
	finished chan struct{}
}

type IngestEvent struct {
	ID        *string `json:"id,omitempty"`
	Type      *string `json:"type"`
	Timestamp *string `json:"timestamp"`
	Node      *string `json:"node,omitempty"`
	Data      any     `json:"data"`
}

type StreamEventData struct {
	StreamPath string `json:"stream_path"`
	SessionID  string `json:"session_id"`
	MediaType  string `json:"media_type,omitempty"`
}

type SegmentEventData struct {
	StreamPath string  `json:"stream_path"`
	Segment    string  `json:"segment"`
	Address    string  `json:"address"`
	Size       int     `json:"size"`
	UploadMs   int64   `json:"upload_ms"`
	Duration   float64 `json:"duration"`
}

type ManifestEventData struct {
	StreamPath string `json:"stream_path"`
	Playlist   string `json:"playlist"`
	Address    string `json:"address"`
	FeedIndex  uint64 `json:"feed_index"`
}

type ErrorEventData struct {
	Where string `json:"where"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

var kafkaProducer *KafkaProducer

func InitKafkaProducer(bootstrapServers, user, password, topic, nodeID string) error {
	producer, err := newKafkaProducer(bootstrapServers, user, password, topic, nodeID)
	if err != nil {
		return err
	}
	kafkaProducer = producer
	go producer.processEvents()
	return nil
}

// StopKafkaProducer flushes buffered events and closes the writer.
func StopKafkaProducer(ctx context.Context) {
	p := kafkaProducer
	if p == nil {
		return
	}
	kafkaProducer = nil
	close(p.stop)
	select {
	case <-p.finished:
	case <-ctx.Done():
		glog.Warningf("kafka producer did not flush in time, topic=%s", p.topic)
	}
	if err := p.writer.Close(); err != nil {
		glog.Errorf("error closing kafka writer, err=%v", err)
	}
}

func newKafkaProducer(bootstrapServers, user, password, topic, nodeID string) (*KafkaProducer, error) {
	if bootstrapServers == "" || topic == "" {
		return nil, fmt.Errorf("kafka bootstrap servers and topic are required")
	}
	dialer := &kafka.Dialer{
		Timeout:   KafkaRequestTimeout,
		DualStack: true,
	}

	if user != "" && password != "" {
		tls := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		sasl := &plain.Mechanism{
			Username: user,
			Password: password,
		}
		dialer.SASLMechanism = sasl
		dialer.TLS = tls
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  []string{bootstrapServers},
		Topic:    topic,
		Balancer: kafka.CRC32Balancer{},
		Dialer:   dialer,
	})

	return newProducerWithWriter(writer, topic, nodeID), nil
}

func newProducerWithWriter(w messageWriter, topic, nodeID string) *KafkaProducer {
	return &KafkaProducer{
		writer:   w,
		topic:    topic,
		events:   make(chan IngestEvent, KafkaChannelSize),
		nodeID:   nodeID,
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (p *KafkaProducer) processEvents() {
	defer close(p.finished)
	ticker := time.NewTicker(KafkaBatchInterval)
	defer ticker.Stop()

	var eventsBatch []kafka.Message
	add := func(event IngestEvent) {
		value, err := json.Marshal(event)
		if err != nil {
			glog.Errorf("error while marshalling ingest event to Kafka, err=%v", err)
			return
		}
		eventsBatch = append(eventsBatch, kafka.Message{
			Key:   []byte(*event.ID),
			Value: value,
		})
	}

	for {
		select {
		case event := <-p.events:
			add(event)
			// Send batch if it reaches the defined size
			if len(eventsBatch) >= KafkaBatchSize {
				p.sendBatch(eventsBatch)
				eventsBatch = nil
			}

		case <-ticker.C:
			if len(eventsBatch) > 0 {
				p.sendBatch(eventsBatch)
				eventsBatch = nil
			}

		case <-p.stop:
		drain:
			for {
				select {
				case event := <-p.events:
					add(event)
				default:
					break drain
				}
			}
			if len(eventsBatch) > 0 {
				p.sendBatch(eventsBatch)
			}
			return
		}
	}
}

func (p *KafkaProducer) sendBatch(eventsBatch []kafka.Message) {
	// We retry sending messages to Kafka in case of a failure
	kafkaWriteRetries := 3
	var writeErr error
	for i := 0; i < kafkaWriteRetries; i++ {
		writeErr = p.writer.WriteMessages(context.Background(), eventsBatch...)
		if writeErr == nil {
			return
		}
		glog.Warningf("error while sending ingest event batch to Kafka, retrying, topic=%s, try=%d, err=%v", p.topic, i, writeErr)
	}
	if writeErr != nil {
		glog.Errorf("error while sending ingest event batch to Kafka, the events are lost, err=%v", writeErr)
	}
}

func (p *KafkaProducer) enqueue(eventType string, data any) {
	randomID := uuid.New().String()
	timestampMs := time.Now().UnixMilli()

	event := IngestEvent{
		ID:        stringPtr(randomID),
		Node:      stringPtr(p.nodeID),
		Type:      &eventType,
		Timestamp: stringPtr(fmt.Sprint(timestampMs)),
		Data:      data,
	}

	select {
	case p.events <- event:
	default:
		glog.Warningf("kafka producer event queue is full, dropping event %q", eventType)
	}
}

// SendQueueEventAsync never blocks. Events are dropped when no producer is
// configured or its queue is full.
func SendQueueEventAsync(eventType string, data any) {
	p := kafkaProducer
	if p == nil {
		return
	}
	p.enqueue(eventType, data)
}

func stringPtr(s string) *string {
	return &s
}
