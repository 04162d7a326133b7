package mediatest

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
)

// BuildFragmentedMP4 writes an init segment followed by the given parts.
// Sequence numbers are assigned in order.
func BuildFragmentedMP4(tracks []*fmp4.InitTrack, parts ...*fmp4.Part) ([]byte, error) {
	init := fmp4.Init{Tracks: tracks}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshaling init: %w", err)
	}
	out := append([]byte(nil), buf.Bytes()...)

	for i, p := range parts {
		p.SequenceNumber = uint32(i + 1)
		var pb seekablebuffer.Buffer
		if err := p.Marshal(&pb); err != nil {
			return nil, fmt.Errorf("marshaling part %d: %w", i, err)
		}
		out = append(out, pb.Bytes()...)
	}
	return out, nil
}

// GOP returns n fragment samples of the given duration where every keyEvery-th
// sample, starting with the first, is a sync sample. Payloads are unique.
func GOP(n, keyEvery int, duration uint32) []*fmp4.Sample {
	samples := make([]*fmp4.Sample, n)
	for i := range samples {
		samples[i] = &fmp4.Sample{
			Duration:        duration,
			IsNonSyncSample: keyEvery <= 0 || i%keyEvery != 0,
			Payload:         []byte{0, 0, 0, 2, byte(i >> 8), byte(i)},
		}
	}
	return samples
}
