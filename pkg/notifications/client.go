// Package notifications emits a CloudEvents message on the configured
// Kafka topic whenever an upload session completes. It is a silent
// no-op when no Kafka bootstrap servers are configured.
package notifications

import (
	"context"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/cloudevents/sdk-go/protocol/kafka_sarama/v2"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cainmagi/dash-uploader/pkg/api"
	"github.com/cainmagi/dash-uploader/pkg/config"
)

const (
	eventSource        = "urn:dash-uploader:service"
	eventTypeCompleted = "com.github.dashuploader.session.completed"
)

// SendSessionCompleted publishes the final UploadStatus of a completed
// session. Delivery failures are logged, never propagated: losing a
// notification must not fail the upload that triggered it.
func SendSessionCompleted(status api.UploadStatus) {
	kafkaServers := []string{}

	if config.Get().Kafka.Servers != "" {
		kafkaServers = strings.Split(config.Get().Kafka.Servers, ",")
	}
	if len(kafkaServers) == 0 {
		return
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_0_0_0

	protocol, err := kafka_sarama.NewSender(kafkaServers, saramaConfig, config.Get().Kafka.Topic)
	if err != nil {
		log.Error().Err(err).Msg("failed to create kafka_sarama protocol")
		return
	}
	ctx := cloudevents.WithEncodingStructured(context.Background())
	defer protocol.Close(ctx)

	c, err := cloudevents.NewClient(protocol, cloudevents.WithTimeNow(), cloudevents.WithUUIDs())
	if err != nil {
		log.Error().Err(err).Msg("failed to create cloudevents client")
		return
	}

	newUUID, _ := uuid.NewRandom()
	e := cloudevents.NewEvent()
	e.SetSource(eventSource)
	e.SetID(newUUID.String())
	e.SetType(eventTypeCompleted)
	e.SetSubject(status.UploadID)
	e.SetTime(time.Now())

	if err = e.SetData(cloudevents.ApplicationJSON, status); err != nil {
		log.Error().Err(err).Msg("failed to encode completion event")
		return
	}

	if result := c.Send(ctx, e); cloudevents.IsUndelivered(result) {
		log.Error().Err(result).Msg("Completion notification failed to send")
		return
	} else {
		log.Debug().Msgf("Completion notification accepted: %t", cloudevents.IsACK(result))
	}
}
