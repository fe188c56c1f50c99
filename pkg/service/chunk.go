package service

import (
	"github.com/m-mizutani/intelbatch"
	"github.com/m-mizutani/intelbatch/pkg/errors"
)

type chunkBuilder struct {
	chunk    *intelbatch.Chunk
	count    int
	bytes    int64
	maxCount int
	maxBytes int64
}

// full is true when either bound is reached. Non-positive bound means no limit.
func (x *chunkBuilder) full() bool {
	return (x.maxCount > 0 && x.count >= x.maxCount) ||
		(x.maxBytes > 0 && x.bytes >= x.maxBytes)
}

func (x *chunkBuilder) measure(xid string, record intelbatch.WireRecord) error {
	size, err := wireSize(record)
	if err != nil {
		return errors.Wrap(err).With("xid", xid)
	}
	x.count++
	x.bytes += size
	return nil
}

// NextChunk drains records into a chunk of at most maxCount records and maxBytes serialized bytes.
// A group is emitted together with every group reachable through its associations, so one closure
// may push the chunk over the bounds; bounds are checked only between closures. Indicators follow
// once all groups are drained.
//
// If reading the persistent container fails, the records extracted so far are returned with the
// error so that they are not lost.
func (x *EntityStore) NextChunk(maxCount int, maxBytes int64) (*intelbatch.Chunk, error) {
	b := &chunkBuilder{
		chunk:    intelbatch.NewChunk(),
		maxCount: maxCount,
		maxBytes: maxBytes,
	}

	groupXids, err := x.groupSnapshot()
	if err != nil {
		return b.chunk, err
	}
	for _, seed := range groupXids {
		if err := x.drainClosure(b, seed); err != nil {
			return b.chunk, err
		}
		if b.full() {
			return b.chunk, nil
		}
	}

	indicatorXids, err := x.indicatorSnapshot()
	if err != nil {
		return b.chunk, err
	}
	for _, xid := range indicatorXids {
		indicator, err := x.takeIndicator(xid)
		if err != nil {
			return b.chunk, err
		}
		if indicator == nil {
			continue
		}

		record := indicator.Wire()
		if err := b.measure(xid, record); err != nil {
			return b.chunk, err
		}
		b.chunk.Indicators = append(b.chunk.Indicators, record)
		if b.full() {
			return b.chunk, nil
		}
	}

	return b.chunk, nil
}

// drainClosure moves the group and all groups reachable from it into the chunk, breadth first.
// A group is removed from its container when dequeued, so cycles terminate.
func (x *EntityStore) drainClosure(b *chunkBuilder, seed string) error {
	queue := []string{seed}
	for len(queue) > 0 {
		xid := queue[0]
		queue = queue[1:]

		group, err := x.takeGroup(xid)
		if err != nil {
			return err
		}
		if group == nil {
			continue
		}

		if group.Attachment != nil {
			b.chunk.Files[group.Xid] = group.Attachment
		}
		record := group.Wire()
		if err := b.measure(xid, record); err != nil {
			return err
		}
		b.chunk.Groups = append(b.chunk.Groups, record)
		queue = append(queue, group.AssociatedGroupXids...)
	}
	return nil
}

func (x *EntityStore) groupSnapshot() ([]string, error) {
	persistent, err := x.persistentKeys(groupKeyPrefix)
	if err != nil {
		return nil, err
	}
	return append(x.groups.snapshot(), persistent...), nil
}

func (x *EntityStore) indicatorSnapshot() ([]string, error) {
	persistent, err := x.persistentKeys(indicatorKeyPrefix)
	if err != nil {
		return nil, err
	}
	return append(x.indicators.snapshot(), persistent...), nil
}
