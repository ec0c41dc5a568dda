// pkg/batch/read.go

package batch

import (
	"github.com/pkg/errors"

	"github.com/shicheng0829/torchsnapshot/pkg/ioreq"
	"github.com/shicheng0829/torchsnapshot/pkg/manifest"
)

type readGroup struct {
	covering manifest.ByteRange
	reqs     []*ioreq.ReadReq
}

// BatchReadRequests merges the ranged reads of each location into a single read of the
// smallest range covering all of them. Bytes in holes between the requested ranges are read
// and dropped. Whole-object reads are returned first, unchanged; merged reads follow in the
// order their location was first seen.
func BatchReadRequests(readReqs []*ioreq.ReadReq) ([]*ioreq.ReadReq, error) {
	var batched []*ioreq.ReadReq
	var order []string
	groups := make(map[string]*readGroup)

	for _, rr := range readReqs {
		if rr.ByteRange == nil {
			batched = append(batched, rr)
			continue
		}
		br := *rr.ByteRange
		if !br.Valid() {
			return nil, errors.Errorf("invalid byte range %s for %s", br, rr.Path)
		}
		g, ok := groups[rr.Path]
		if !ok {
			g = &readGroup{covering: br}
			groups[rr.Path] = g
			order = append(order, rr.Path)
		}
		g.reqs = append(g.reqs, rr)
		g.covering.Lower = min(g.covering.Lower, br.Lower)
		g.covering.Upper = max(g.covering.Upper, br.Upper)
	}

	merged := 0
	for _, location := range order {
		g := groups[location]
		parts := make([]ConsumerPart, 0, len(g.reqs))
		for _, rr := range g.reqs {
			// Offsets within the object become offsets within the merged buffer.
			parts = append(parts, ConsumerPart{
				ByteRange: rr.ByteRange.Shift(g.covering.Lower),
				Consumer:  rr.BufferConsumer,
			})
		}
		consumer, err := NewBatchedBufferConsumer(parts, g.covering.Len())
		if err != nil {
			return nil, errors.WithMessagef(err, "merge reads of %s", location)
		}
		covering := g.covering
		batched = append(batched, &ioreq.ReadReq{
			Path:           location,
			BufferConsumer: consumer,
			ByteRange:      &covering,
		})
		merged += len(g.reqs)
	}

	logger.Debugf("merged %d ranged read requests into %d", merged, len(order))
	return batched, nil
}
