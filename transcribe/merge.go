package transcribe

import "strings"

// Merged is the transcript of a whole segment.
type Merged struct {
	Text     string
	Segments []TimedSegment
	Language string
	// Chunks is the number of chunk slots accounted for, placeholders included.
	Chunks       int
	Placeholders []int
}

// Merge concatenates ordered chunk results and re-bases their sub-segments
// onto the segment timeline.
//
// The offset advances by a chunk's Duration when it is known. Otherwise it
// moves to the end of the chunk's last sub-segment, and a chunk without any
// sub-segments leaves it unchanged.
func Merge(results []ChunkResult) Merged {
	merged := Merged{Chunks: len(results)}

	texts := make([]string, 0, len(results))
	offset := 0.0
	last := 0.0
	for _, r := range results {
		if r.Placeholder {
			merged.Placeholders = append(merged.Placeholders, r.Index)
		}
		if t := strings.TrimSpace(r.Text); t != "" {
			texts = append(texts, t)
		}
		if merged.Language == "" {
			merged.Language = r.Language
		}

		chunkEnd := offset
		for _, s := range r.Segments {
			start := max(s.Start+offset, last)
			end := max(s.End+offset, start)
			merged.Segments = append(merged.Segments, TimedSegment{
				Start: start,
				End:   end,
				Text:  strings.TrimSpace(s.Text),
			})
			last = end
			chunkEnd = end
		}

		if r.Duration > 0 {
			offset += r.Duration
		} else {
			offset = chunkEnd
		}
	}

	merged.Text = strings.TrimSpace(strings.Join(texts, " "))
	return merged
}
