// Package rabbitsink forwards log events to a RabbitMQ exchange.
//
// A Client owns the broker connection and publishes serialized events to one
// exchange with a fixed routing key. A Sink sits in front of it, queueing
// events from any number of goroutines and posting them in batches from a
// single worker, so callers never block on the broker and events keep the
// order they were emitted in.
//
// Log frontends plug into a Sink:
//
//	client, err := rabbitsink.NewClient(rabbitsink.ClientConfig{
//	    Hostnames:          []string{"localhost"},
//	    Username:           "guest",
//	    Password:           "guest",
//	    Exchange:           "logs",
//	    AutoCreateExchange: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	sink := rabbitsink.NewSink(client, rabbitsink.SinkConfig{})
//	defer sink.Close(context.Background())
//
//	logger := slog.New(rabbitsink.NewHandler(sink, nil))
//	logger.Info("started", "service", "billing")
//
// NewHook adapts the sink for logrus, NewZerologWriter for zerolog and
// NewWriter for anything that writes one event per Write call.
package rabbitsink
