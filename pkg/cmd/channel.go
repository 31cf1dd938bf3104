package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/loadbay/loadbay/pkg/channels/gochannel"
	"github.com/loadbay/loadbay/pkg/channels/kafka"
)

// NewChannel creates the dispatch transport. "kafka" requires a broker list;
// "memory" (the default) keeps submission and execution in one process.
func NewChannel(queueType, kafkaBrokers, serviceName string, logger *slog.Logger) (message.Publisher, message.Subscriber, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch queueType {
	case "kafka":
		brokers := strings.Split(kafkaBrokers, ",")

		return kafka.CreateChannel(wmLogger, brokers, serviceName)
	case "", "memory":
		return gochannel.CreateChannel(wmLogger)
	default:
		return nil, nil, fmt.Errorf("unsupported queue type: %q", queueType)
	}
}
