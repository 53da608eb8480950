package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solarnetwork/datumagg/internal/config"
	"github.com/solarnetwork/datumagg/internal/datum"
	"github.com/solarnetwork/datumagg/internal/store"
)

// StaleProcessor recomputes aggregates for stale buckets. Implemented
// by the query engine.
type StaleProcessor interface {
	ProcessStale(ctx context.Context, limit int) (int, error)
}

// Pipeline orchestrates the ingest stages: consumer, parsing, writing,
// and periodic stale bucket recomputation.
type Pipeline struct {
	cfg       *config.Config
	consumer  *Consumer
	writer    *Writer
	processor StaleProcessor
	logger    *zap.Logger

	rawMessages  chan []byte
	parsedDatums chan datum.Datum
}

// New creates and wires up a new ingest pipeline.
func New(cfg *config.Config, st store.Store, processor StaleProcessor, logger *zap.Logger) (*Pipeline, error) {
	initLogger := logger.Named("pipeline.init")
	initLogger.Debug("Creating pipeline components...")

	const channelBufferSize = 100
	rawMessages := make(chan []byte, channelBufferSize)
	parsedDatums := make(chan datum.Datum, channelBufferSize)
	initLogger.Debug("Channels created", zap.Int("bufferSize", channelBufferSize))

	consumerLogger := logger.Named("consumer")
	consumerInstance, err := NewConsumer(cfg.Kafka, rawMessages, consumerLogger)
	if err != nil {
		initLogger.Error("Failed to create consumer", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrConsumerCreationFailed, err)
	}
	initLogger.Debug("Consumer created")

	writerLogger := logger.Named("writer")
	writerInstance := NewWriter(st, parsedDatums, writerLogger)
	initLogger.Debug("Writer created")

	p := &Pipeline{
		cfg:          cfg,
		consumer:     consumerInstance,
		writer:       writerInstance,
		processor:    processor,
		logger:       logger.Named("pipeline"),
		rawMessages:  rawMessages,
		parsedDatums: parsedDatums,
	}

	initLogger.Info("Pipeline instance created successfully")
	return p, nil
}

// Run starts all pipeline components and waits for them to complete or
// context cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	sugar := p.logger.Sugar()
	var wg sync.WaitGroup
	pipelineErr := make(chan error, 3) // consumer, writer, stale processor

	sugar.Info("Pipeline Run: Starting components...")

	wg.Add(4)
	go p.runConsumer(ctx, &wg, pipelineErr)
	go p.runParser(ctx, &wg)
	go p.runWriter(ctx, &wg, pipelineErr)
	go p.runStaleProcessor(ctx, &wg, pipelineErr)

	var firstErr error
	select {
	case <-ctx.Done():
		sugar.Info("Pipeline Run: Context cancelled. Waiting for components to finish...")
		firstErr = ctx.Err()
	case err := <-pipelineErr:
		sugar.Errorw("Pipeline Run: Received error from a component, initiating shutdown...", zap.Error(err))
		firstErr = err
	}

	sugar.Debug("Pipeline Run: Waiting on WaitGroup...")
	wg.Wait()
	sugar.Info("Pipeline Run: All components finished.")

	if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
		return firstErr
	}
	return nil
}

// runConsumer executes the consumer component logic in a goroutine.
func (p *Pipeline) runConsumer(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()
	defer func() {
		close(p.rawMessages)
		p.logger.Debug("Raw messages channel closed")
	}()

	p.logger.Debug("Starting consumer goroutine...")
	if err := p.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("Consumer component exited with error", zap.Error(err))
		errCh <- fmt.Errorf("%w: %w", ErrConsumerRunFailed, err)
	} else if err == nil {
		p.logger.Debug("Consumer goroutine finished normally")
	} else {
		p.logger.Debug("Consumer goroutine cancelled gracefully")
	}
}

// runParser executes the parsing logic in a goroutine.
func (p *Pipeline) runParser(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		close(p.parsedDatums)
		p.logger.Debug("Parsed datums channel closed")
	}()

	parserLogger := p.logger.Named("parser").Sugar()
	parserLogger.Debug("Starting parser goroutine...")

	for {
		select {
		case rawMsg, ok := <-p.rawMessages:
			if !ok {
				parserLogger.Debug("Parser finished (raw message channel closed).")
				return
			}

			d, err := ParseDatumJSON(rawMsg)
			if err != nil {
				parseErrors.Inc()
				parserLogger.Warnw("Failed to parse datum message, skipping", zap.Error(err))
				continue
			}

			select {
			case p.parsedDatums <- d:

			case <-ctx.Done():
				parserLogger.Debug("Parser context cancelled during send.", zap.Error(ctx.Err()))
				return
			}

		case <-ctx.Done():
			parserLogger.Debug("Parser context cancelled while waiting for raw message.", zap.Error(ctx.Err()))
			return
		}
	}
}

// runWriter executes the writer component logic in a goroutine.
func (p *Pipeline) runWriter(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()

	p.logger.Debug("Starting writer goroutine...")
	if err := p.writer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("Writer component exited with error", zap.Error(err))
		errCh <- fmt.Errorf("%w: %w", ErrWriterRunFailed, err)
	} else if err == nil {
		p.logger.Debug("Writer goroutine finished normally")
	} else {
		p.logger.Debug("Writer goroutine cancelled gracefully")
	}
}

// runStaleProcessor periodically drains the stale bucket queue.
func (p *Pipeline) runStaleProcessor(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()

	if p.processor == nil {
		p.logger.Debug("No stale processor configured, skipping")
		return
	}

	interval := p.cfg.Engine.StaleInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := p.cfg.Engine.StaleBatchSize
	if batch <= 0 {
		batch = 50
	}

	staleLogger := p.logger.Named("stale").Sugar()
	staleLogger.Infow("Starting stale processor loop...",
		"interval", interval,
		"batch_size", batch,
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := p.processor.ProcessStale(ctx, batch)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				staleLogger.Errorw("Stale processing pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				staleLogger.Debugw("Stale processing pass complete", "recomputed", n)
			}

		case <-ctx.Done():
			staleLogger.Debug("Stale processor context cancelled.")
			return
		}
	}
}

// Close is kept for potential future explicit cleanup needs outside the Run cycle.
func (p *Pipeline) Close() error {
	p.logger.Debug("Pipeline Close called (most cleanup handled by Run/context).")
	return nil
}
