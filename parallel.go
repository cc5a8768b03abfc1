// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Parallel iteration: the file iterator produces chunk work units, a
// bounded worker pool parses them independently, and a single reorder
// consumer flushes completed chunks to the output channel in file order.
// Workers share no mutable state; every work unit owns a private copy of
// its chunk bytes and builds its own caches.

// chunkWork is one owned unit of work for a chunk worker.
type chunkWork struct {
	index      int
	fileOffset int64
	data       []byte
}

// chunkResult is a fully parsed and serialized chunk.
type chunkResult struct {
	index int
	items []RecordResult
	// err is the chunk-level failure, reported after the items.
	err error
}

// parseChunkUnit runs one work unit to completion. A panic inside the
// parsers is contained here and reported as a typed chunk error so
// sibling workers keep running.
func parseChunkUnit(unit chunkWork, opts *Options,
	rend renderer) (res chunkResult) {

	res.index = unit.index
	defer func() {
		if e := recover(); e != nil {
			res.err = parseErr(fmt.Errorf("%w: panic: %v",
				ErrFailedToParseChunkHeader, e), unit.fileOffset,
				unit.index, 0)
		}
	}()

	c, err := NewChunk(unit.data, unit.index, unit.fileOffset, opts)
	if err != nil {
		res.err = err
		return res
	}
	res.items, res.err = c.parseRecords(rend)
	return res
}

func (f *File) parallelRecords(ctx context.Context,
	out chan<- RecordResult) {

	workers := f.opts.NumThreads

	// At most `workers` chunks are outstanding between the producer and
	// the reorder buffer; the producer blocks on the semaphore until the
	// consumer releases a flushed chunk.
	sem := make(chan struct{}, workers)
	work := make(chan chunkWork)
	results := make(chan chunkResult, workers)

	g, gctx := errgroup.WithContext(ctx)
	consumerCtx, stop := context.WithCancel(gctx)
	defer stop()

	// Producer: owned copies of the chunk bytes, in file order.
	g.Go(func() error {
		defer close(work)
		for i := 0; i < f.chunkCount; i++ {
			select {
			case sem <- struct{}{}:
			case <-consumerCtx.Done():
				return nil
			}

			src := f.chunkData(i)
			owned := make([]byte, len(src))
			copy(owned, src)

			select {
			case work <- chunkWork{index: i, fileOffset: chunkOffset(i),
				data: owned}:
			case <-consumerCtx.Done():
				return nil
			}
		}
		return nil
	})

	// Workers: parse and serialize, no shared caches. The cooperative
	// shutdown flag is checked between chunks and between records via
	// the context handed to emit by the consumer.
	workersDone := make(chan struct{})
	var wg errgroup.Group
	for w := 0; w < workers; w++ {
		wg.Go(func() error {
			rend := newRenderer(f.opts)
			for unit := range work {
				res := parseChunkUnit(unit, f.opts, rend)
				select {
				case results <- res:
				case <-consumerCtx.Done():
					return nil
				}
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(workersDone)
		close(results)
	}()

	// Reorder consumer: single writer to the ordered sink.
	pending := make(map[int]chunkResult)
	next := 0
	flush := func(res chunkResult) bool {
		for _, item := range res.items {
			if !emit(ctx, out, item) {
				return false
			}
		}
		if res.err != nil {
			if !emit(ctx, out, RecordResult{ChunkIndex: res.index,
				Err: res.err}) {
				return false
			}
			if f.opts.RecoveryMode == RecoveryStrict {
				return false
			}
		}
		<-sem
		return true
	}

	for res := range results {
		pending[res.index] = res
		for {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			if !flush(r) {
				stop()
				// Drain so the workers can exit.
				for range results {
				}
				g.Wait()
				return
			}
			next++
		}
	}

	g.Wait()
	<-workersDone
}
