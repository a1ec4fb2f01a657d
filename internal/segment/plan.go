package segment

// Span is one planned chunk, in seconds from track start.
type Span struct {
	Start float64
	End   float64
}

func (s Span) Duration() float64 {
	return s.End - s.Start
}

// PlanCuts walks the silence-end timestamps greedily and returns the chunk
// spans for a track of totalSeconds. Whenever the distance from the current
// start to the next silence point would exceed maxChunk, the cut lands on the
// latest silence point that is still at least minChunk past the start. Taking
// the latest valid silence instead of the earliest keeps the chunk count low
// and avoids cutting mid-sentence.
//
// A window with no usable silence point is cut hard at start+maxChunk. A
// trailing segment shorter than minChunk is merged into the previous chunk.
// With no silence points at all the plan degrades to fixed maxChunk intervals.
func PlanCuts(silenceEnds []float64, totalSeconds, maxChunk, minChunk float64) []Span {
	if totalSeconds <= 0 {
		return nil
	}
	if totalSeconds <= maxChunk {
		return []Span{{Start: 0, End: totalSeconds}}
	}

	spans := make([]Span, 0)
	start := 0.0
	for totalSeconds-start > maxChunk {
		cut := -1.0
		for _, p := range silenceEnds {
			if p <= start {
				continue
			}
			if p > start+maxChunk {
				break
			}
			if p-start >= minChunk && p > cut {
				cut = p
			}
		}
		if cut < 0 {
			cut = start + maxChunk
		}
		spans = append(spans, Span{Start: start, End: cut})
		start = cut
	}

	tail := totalSeconds - start
	if tail > 0 {
		if tail < minChunk && len(spans) > 0 {
			spans[len(spans)-1].End = totalSeconds
		} else {
			spans = append(spans, Span{Start: start, End: totalSeconds})
		}
	}
	return spans
}
