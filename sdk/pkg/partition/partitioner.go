// Package partition maps aggregate identifiers onto a fixed set of queue partitions.
package partition

import (
	"fmt"
	"hash/fnv"
)

// Partitioner hashes a key to one of count partitions.
//
// The count must stay fixed for the lifetime of a deployment: changing it
// reshuffles aggregates between partitions and breaks per-aggregate ordering
// for messages already enqueued.
type Partitioner struct {
	count int
}

// New returns a partitioner over count partitions.
func New(count int) (*Partitioner, error) {
	if count <= 0 {
		return nil, fmt.Errorf("partition count must be positive, got %d", count)
	}
	return &Partitioner{count: count}, nil
}

// PartitionFor returns the partition index in [0, Count) for key.
// Same key, same partition, on every process.
func (p *Partitioner) PartitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.count))
}

func (p *Partitioner) Count() int {
	return p.count
}

// Partitions lists every partition index, handy for starting one consumer per partition.
func (p *Partitioner) Partitions() []int {
	out := make([]int, p.count)
	for i := range out {
		out[i] = i
	}
	return out
}
