package ingest

import (
	"context"
	"encoding/json"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/shareledger/pkg/errors"
	"github.com/bardlex/shareledger/pkg/log"
)

// BlockWatch subscribes to the coordinator's ZMQ block discovery feed and
// feeds each announcement to the consumer. It complements the Kafka block
// topic with a lower-latency path.
type BlockWatch struct {
	socket   *zmq.Socket
	endpoint string
	consumer *Consumer
	logger   *log.Logger
}

// NewBlockWatch creates a block watcher for the given ZMQ endpoint.
func NewBlockWatch(endpoint string, consumer *Consumer, logger *log.Logger) (*BlockWatch, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_socket",
			"failed to create ZMQ socket")
	}

	return &BlockWatch{
		socket:   socket,
		endpoint: endpoint,
		consumer: consumer,
		logger:   logger.WithComponent("blockwatch"),
	}, nil
}

// Connect connects to the endpoint and subscribes to the block feed.
func (w *BlockWatch) Connect() error {
	if err := w.socket.SetSubscribe(ZMQTopicBlockFound); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_subscribe",
			"failed to subscribe to block feed").
			WithContext("topic", ZMQTopicBlockFound)
	}
	if err := w.socket.Connect(w.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_connect",
			"failed to connect to ZMQ endpoint").
			WithContext("endpoint", w.endpoint)
	}
	w.logger.Info("connected to block feed", "endpoint", w.endpoint, "topic", ZMQTopicBlockFound)
	return nil
}

// Listen receives block announcements until the context is cancelled.
func (w *BlockWatch) Listen(ctx context.Context) error {
	w.logger.Info("starting block feed listener")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("block feed listener stopping")
			return ctx.Err()
		default:
		}

		msg, err := w.socket.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			if err.Error() == "resource temporarily unavailable" {
				// No message available
				time.Sleep(10 * time.Millisecond)
				continue
			}
			w.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		if len(msg) < 2 {
			w.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if topic != ZMQTopicBlockFound {
			w.logger.Warn("unknown ZMQ topic", "topic", topic)
			continue
		}

		var ev BlockEvent
		if err := json.Unmarshal(msg[1], &ev); err != nil {
			w.logger.WithError(err).Error("failed to decode block announcement", "size", len(msg[1]))
			continue
		}

		if err := w.consumer.HandleBlock(ctx, &ev); err != nil {
			w.logger.WithError(err).Error("failed to record announced block", "hash", ev.Hash)
		}
	}
}

// Close closes the ZMQ socket.
func (w *BlockWatch) Close() error {
	if w.socket != nil {
		return w.socket.Close()
	}
	return nil
}
