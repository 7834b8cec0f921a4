package data

import (
	"fmt"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
)

// Batches is a lazy, finite iterator over collated batches of a single pass
// through a slice of examples. A fresh call to NewBatches starts a fresh pass.
//
// Usage:
//
//	batches := data.NewBatches(examples, batchSize, collateFn, doShard, numDevices, "Training (epoch 0)")
//	for batches.Next() {
//		batch := batches.Batch()
//		...
//		batches.SetPostfix(metrics)
//	}
//	if err := batches.Err(); err != nil { ... }
type Batches[T any] struct {
	examples   []T
	batchSize  int
	collateFn  CollateFn[T]
	doShard    bool
	numDevices int
	desc       string

	pos     int
	current Batch
	err     error
	bar     *progressbar.ProgressBar
}

// NewBatches groups examples into chunks of batchSize, collates each chunk on
// demand and -- when doShard is set -- reshapes each field's leading dimension
// into (numDevices, batchSize/numDevices, ...) so a replicated execution layer
// can map over the device axis.
//
// It emits a progress indicator described by desc. Empty input produces zero
// batches, not an error. Examples beyond the last whole chunk are dropped;
// HostExamples already pads the sequence so there are none.
func NewBatches[T any](examples []T, batchSize int, collateFn CollateFn[T],
	doShard bool, numDevices int, desc string) *Batches[T] {
	numBatches := len(examples) / batchSize
	return &Batches[T]{
		examples:   examples,
		batchSize:  batchSize,
		collateFn:  collateFn,
		doShard:    doShard,
		numDevices: numDevices,
		desc:       desc,
		bar:        newBatchesBar(numBatches, desc),
	}
}

// Len returns the total number of batches of the pass.
func (b *Batches[T]) Len() int {
	return len(b.examples) / b.batchSize
}

// Next advances to the next batch. It returns false when the pass is over or
// an error occurred -- check Err after the loop.
func (b *Batches[T]) Next() bool {
	if b.err != nil || b.pos+b.batchSize > len(b.examples) {
		b.Close()
		return false
	}
	chunk := b.examples[b.pos : b.pos+b.batchSize]
	b.pos += b.batchSize

	batch, err := b.collateFn(chunk)
	if err != nil {
		b.err = err
		b.Close()
		return false
	}
	if b.err = validateBatch(batch, b.batchSize); b.err != nil {
		b.Close()
		return false
	}
	if b.doShard {
		batch, b.err = shardBatch(batch, b.numDevices)
		if b.err != nil {
			b.Close()
			return false
		}
	}
	b.current = batch
	_ = b.bar.Add(1)
	return true
}

// Batch returns the current batch. Only valid after Next returned true.
func (b *Batches[T]) Batch() Batch {
	return b.current
}

// Err returns the first error encountered during iteration, if any.
func (b *Batches[T]) Err() error {
	return b.err
}

// SetPostfix updates the progress indicator with live metric values, e.g.
// the current loss.
func (b *Batches[T]) SetPostfix(metrics map[string]float64) {
	if len(metrics) == 0 {
		return
	}
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteString(b.desc)
	sb.WriteString(" [")
	for i, name := range names {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s=%.5g", name, metrics[name])
	}
	sb.WriteString("]")
	b.bar.Describe(sb.String())
}

// Close finishes the progress indicator. Next calls it automatically at the
// end of the pass; explicit calls are only needed when abandoning a pass early.
func (b *Batches[T]) Close() {
	_ = b.bar.Finish()
}

func newBatchesBar(numBatches int, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: ".",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
