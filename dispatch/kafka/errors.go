package kafka

import "errors"

var (
	// ErrWriterRequired is returned when a transport is built without a
	// writer.
	ErrWriterRequired = errors.New("kafka writer is required")

	// ErrReaderRequired is returned when a consumer is built without a
	// reader.
	ErrReaderRequired = errors.New("kafka reader is required")

	// ErrProcessorRequired is returned when a consumer is built without a
	// delivery processor.
	ErrProcessorRequired = errors.New("kafka delivery processor is required")

	// ErrBrokersRequired is returned when a writer or reader is built
	// without broker addresses.
	ErrBrokersRequired = errors.New("kafka broker addresses are required")

	// ErrTopicRequired is returned when a writer or reader is built without
	// a topic.
	ErrTopicRequired = errors.New("kafka topic is required")

	// ErrConsumerRequired is returned when lifecycle methods are called on a
	// nil consumer.
	ErrConsumerRequired = errors.New("kafka consumer is required")

	// ErrConsumerRunning is returned when Run is called on a consumer that
	// is already running.
	ErrConsumerRunning = errors.New("kafka consumer already running")
)
