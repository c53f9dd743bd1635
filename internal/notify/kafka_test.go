package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafka_Send(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got map[string]any
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got["video_id"] != "vid1" {
			return errors.New("unexpected video_id")
		}
		return nil
	})

	k := newKafka(producer, "summaries", quietLogger())
	if err := k.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if err := k.Close(); err != nil {
		t.Errorf("Close error: %v", err)
	}
}

func TestKafka_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotEnoughReplicas)

	k := newKafka(producer, "summaries", quietLogger())
	err := k.Send(context.Background(), testMessage())
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
	if !errors.Is(err, sarama.ErrNotEnoughReplicas) {
		t.Errorf("err = %v, want cause preserved", err)
	}
	k.Close()
}

func TestKafka_CanceledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	k := newKafka(producer, "summaries", quietLogger())
	defer k.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := k.Send(ctx, testMessage()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestProducerConfig(t *testing.T) {
	cfg := ProducerConfig("digest")
	if !cfg.Producer.Idempotent || cfg.Producer.RequiredAcks != sarama.WaitForAll {
		t.Errorf("producer not idempotent with acks=all: %+v", cfg.Producer)
	}
	if cfg.Net.MaxOpenRequests != 1 {
		t.Errorf("MaxOpenRequests = %d, want 1", cfg.Net.MaxOpenRequests)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}
