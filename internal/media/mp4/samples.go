package mp4

import "fmt"

// sample is one entry of a track's expanded sample table. Times are in the
// track timescale.
type sample struct {
	offset   int64
	size     uint32
	dts      int64
	cts      int64
	duration uint32
	sync     bool
}

// buildSamples expands the progressive sample tables and appends the
// samples of every fragment run.
func (t *track) buildSamples() error {
	samples, err := t.progressiveSamples()
	if err != nil {
		return err
	}

	var next int64
	if n := len(samples); n > 0 {
		next = samples[n-1].dts + int64(samples[n-1].duration)
	}
	for _, run := range t.fragments {
		dts := next
		if run.hasBaseTime {
			dts = int64(run.baseTime)
		}
		offset := run.dataOffset
		for _, e := range run.entries {
			samples = append(samples, sample{
				offset:   offset,
				size:     e.size,
				dts:      dts,
				cts:      dts + e.ctsOff,
				duration: e.duration,
				sync:     e.flags&sampleIsNonSync == 0,
			})
			offset += int64(e.size)
			dts += int64(e.duration)
		}
		next = dts
	}
	if t.handler != handlerVideo {
		// audio samples are all independently decodable
		for i := range samples {
			samples[i].sync = true
		}
	}
	t.samples = samples
	return nil
}

func (t *track) progressiveSamples() ([]sample, error) {
	count := int(t.sampleCount)
	if count == 0 && len(t.entrySizes) > 0 {
		count = len(t.entrySizes)
	}
	if count == 0 {
		return nil, nil
	}
	if t.sampleSize == 0 && len(t.entrySizes) < count {
		return nil, fmt.Errorf("track %d: stsz has %d entries for %d samples", t.id, len(t.entrySizes), count)
	}
	if len(t.stsc) == 0 || len(t.chunks) == 0 {
		return nil, fmt.Errorf("track %d: missing stsc or chunk offsets", t.id)
	}

	samples := make([]sample, count)

	// sizes and offsets
	idx := 0
	for ci := 0; ci < len(t.chunks) && idx < count; ci++ {
		chunkNumber := uint32(ci + 1)
		perChunk := uint32(0)
		for _, e := range t.stsc {
			if e.FirstChunk > chunkNumber {
				break
			}
			perChunk = e.SamplesPerChunk
		}
		offset := int64(t.chunks[ci])
		for k := uint32(0); k < perChunk && idx < count; k++ {
			size := t.sampleSize
			if size == 0 {
				size = t.entrySizes[idx]
			}
			samples[idx].offset = offset
			samples[idx].size = size
			offset += int64(size)
			idx++
		}
	}
	if idx < count {
		return nil, fmt.Errorf("track %d: chunk tables cover %d of %d samples", t.id, idx, count)
	}

	// decode times
	idx = 0
	var dts int64
	for _, e := range t.stts {
		for k := uint32(0); k < e.SampleCount && idx < count; k++ {
			samples[idx].dts = dts
			samples[idx].duration = e.SampleDelta
			dts += int64(e.SampleDelta)
			idx++
		}
	}
	for ; idx < count; idx++ {
		samples[idx].dts = dts
	}

	// composition offsets
	idx = 0
	for _, e := range t.ctts {
		off := int64(e.SampleOffsetV0)
		if t.cttsVersion == 1 {
			off = int64(e.SampleOffsetV1)
		}
		for k := uint32(0); k < e.SampleCount && idx < count; k++ {
			samples[idx].cts = samples[idx].dts + off
			idx++
		}
	}
	for ; idx < count; idx++ {
		samples[idx].cts = samples[idx].dts
	}

	// sync samples; no stss means every sample is sync
	if !t.hasStss {
		for i := range samples {
			samples[i].sync = true
		}
	} else {
		for _, n := range t.stss {
			if n >= 1 && int(n) <= count {
				samples[n-1].sync = true
			}
		}
	}
	return samples, nil
}

// sampleDuration is the sum of sample durations in track timescale units.
func (t *track) sampleDuration() uint64 {
	var d uint64
	for _, s := range t.samples {
		d += uint64(s.duration)
	}
	return d
}

// presentationOffset is the edit list media time; negative values, such
// as empty edits, count as no offset.
func (t *track) presentationOffset() int64 {
	if !t.hasEdit || t.editMediaTime < 0 {
		return 0
	}
	return t.editMediaTime
}

// timeUs converts track timescale units into microseconds.
func (t *track) timeUs(v int64) int64 {
	if t.timescale == 0 {
		return 0
	}
	return v * 1_000_000 / int64(t.timescale)
}

// presentationUs is the presentation time of a sample in microseconds.
func (t *track) presentationUs(s *sample) int64 {
	return t.timeUs(s.cts - t.presentationOffset())
}

// seekIndex returns the last sync sample whose presentation time is at or
// before startUs, or the first sync sample.
func (t *track) seekIndex(startUs int64) int {
	best := -1
	for i := range t.samples {
		s := &t.samples[i]
		if !s.sync {
			continue
		}
		if t.presentationUs(s) > startUs {
			if best < 0 {
				best = i
			}
			break
		}
		best = i
	}
	if best < 0 {
		return 0
	}
	return best
}
