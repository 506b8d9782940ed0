package data

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchProcessor fans manifest entries out to workers a batch at a time.
type BatchProcessor struct {
	batchSize int
	workers   int
}

func NewBatchProcessor(batchSize, workers int) *BatchProcessor {
	if batchSize < 1 {
		batchSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &BatchProcessor{batchSize: batchSize, workers: workers}
}

// ProcessBatches calls processFn for every entry with its index. Batches run
// one after another; entries inside a batch run concurrently. The first error
// stops the remaining batches.
func (bp *BatchProcessor) ProcessBatches(ctx context.Context, entries []ManifestEntry, processFn func(ctx context.Context, i int, e ManifestEntry) error) error {
	for start := 0; start < len(entries); start += bp.batchSize {
		end := min(start+bp.batchSize, len(entries))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(bp.workers)
		for i := start; i < end; i++ {
			g.Go(func() error {
				return processFn(gctx, i, entries[i])
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (bp *BatchProcessor) SetBatchSize(size int) {
	if size > 0 {
		bp.batchSize = size
	}
}

func (bp *BatchProcessor) GetBatchSize() int {
	return bp.batchSize
}
