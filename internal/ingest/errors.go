package ingest

import "errors"

var (
	ErrInvalidKafkaConfig     = errors.New("invalid Kafka configuration provided")
	ErrKafkaFetchFailed       = errors.New("failed to fetch message from Kafka")
	ErrConsumerCreationFailed = errors.New("failed to create consumer")
	ErrConsumerRunFailed      = errors.New("consumer component failed")
	ErrWriterRunFailed        = errors.New("writer component failed")
	ErrJSONUnmarshalFailed    = errors.New("failed to unmarshal JSON message")
	ErrMissingField           = errors.New("datum message missing required field")
)
