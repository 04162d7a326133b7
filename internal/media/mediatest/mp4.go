// Package mediatest synthesises small media files for tests.
package mediatest

import (
	"encoding/binary"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
)

// Sample is one synthetic sample of a fixture track.
type Sample struct {
	Data      []byte
	Duration  uint32
	Sync      bool
	CTSOffset uint32
}

// Track describes a fixture track. Entry writes the stsd sample entry.
type Track struct {
	ID        uint32
	Handler   string
	Timescale uint32
	Samples   []Sample
	Matrix    [9]int32
	Width     int
	Height    int
	// EditMediaTime adds an edit list when non-zero.
	EditMediaTime int32
	// AllSync omits stss.
	AllSync bool
	// SamplesPerChunk controls interleaving.
	SamplesPerChunk int
	Entry           func(w *gomp4.Writer) error
}

// MP4Options describe the file layout.
type MP4Options struct {
	Timescale uint32
	// Duration in movie timescale; zero leaves mvhd duration unset.
	Duration uint64
	// MoovFirst writes moov before mdat.
	MoovFirst bool
}

type chunkRef struct {
	track  int
	first  int
	count  int
	offset uint32
}

// BuildMP4 writes a progressive MP4 holding the given tracks. Chunks of the
// tracks are interleaved in mdat.
func BuildMP4(opts MP4Options, tracks ...*Track) ([]byte, error) {
	if opts.Timescale == 0 {
		opts.Timescale = 1000
	}

	// lay chunks out round robin
	var chunks []chunkRef
	next := make([]int, len(tracks))
	for {
		added := false
		for ti, t := range tracks {
			if next[ti] >= len(t.Samples) {
				continue
			}
			per := t.SamplesPerChunk
			if per <= 0 {
				per = 10
			}
			n := per
			if rem := len(t.Samples) - next[ti]; rem < n {
				n = rem
			}
			chunks = append(chunks, chunkRef{track: ti, first: next[ti], count: n})
			next[ti] += n
			added = true
		}
		if !added {
			break
		}
	}
	var mdat []byte
	for i := range chunks {
		c := &chunks[i]
		c.offset = uint32(len(mdat))
		for _, s := range tracks[c.track].Samples[c.first : c.first+c.count] {
			mdat = append(mdat, s.Data...)
		}
	}

	ftyp, err := writeBoxes(func(w *gomp4.Writer) error {
		return writeFtyp(w, "isom")
	})
	if err != nil {
		return nil, err
	}

	var moov []byte
	if opts.MoovFirst {
		probe, err := writeBoxes(func(w *gomp4.Writer) error {
			return writeMoov(w, opts, tracks, chunks, 0)
		})
		if err != nil {
			return nil, err
		}
		base := uint32(len(ftyp) + len(probe) + 8)
		if moov, err = writeBoxes(func(w *gomp4.Writer) error {
			return writeMoov(w, opts, tracks, chunks, base)
		}); err != nil {
			return nil, err
		}
		out := append(append(ftyp, moov...), mdatBox(mdat)...)
		return out, nil
	}

	base := uint32(len(ftyp) + 8)
	if moov, err = writeBoxes(func(w *gomp4.Writer) error {
		return writeMoov(w, opts, tracks, chunks, base)
	}); err != nil {
		return nil, err
	}
	out := append(append(ftyp, mdatBox(mdat)...), moov...)
	return out, nil
}

func mdatBox(payload []byte) []byte {
	b := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(b, uint32(8+len(payload)))
	copy(b[4:], "mdat")
	return append(b, payload...)
}

func writeBoxes(fn func(w *gomp4.Writer) error) ([]byte, error) {
	var buf seekablebuffer.Buffer
	if err := fn(gomp4.NewWriter(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Box writes a box with an optional typed payload and children.
func Box(w *gomp4.Writer, typ gomp4.BoxType, payload gomp4.IImmutableBox, children func() error) error {
	if _, err := w.StartBox(&gomp4.BoxInfo{Type: typ}); err != nil {
		return err
	}
	if payload != nil {
		if _, err := gomp4.Marshal(w, payload, gomp4.Context{}); err != nil {
			return err
		}
	}
	if children != nil {
		if err := children(); err != nil {
			return err
		}
	}
	_, err := w.EndBox()
	return err
}

// RawBox writes a box whose payload is given verbatim.
func RawBox(w *gomp4.Writer, typ string, payload []byte) error {
	if _, err := w.StartBox(&gomp4.BoxInfo{Type: gomp4.StrToBoxType(typ)}); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.EndBox()
	return err
}

func writeFtyp(w *gomp4.Writer, brand string) error {
	var major [4]byte
	copy(major[:], brand)
	return Box(w, gomp4.BoxTypeFtyp(), &gomp4.Ftyp{
		MajorBrand:   major,
		MinorVersion: 0x200,
		CompatibleBrands: []gomp4.CompatibleBrandElem{
			{CompatibleBrand: major},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '1'}},
		},
	}, nil)
}

func identity(m [9]int32) [9]int32 {
	if m == ([9]int32{}) {
		return [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
	}
	return m
}

func writeMoov(w *gomp4.Writer, opts MP4Options, tracks []*Track, chunks []chunkRef, base uint32) error {
	return Box(w, gomp4.BoxTypeMoov(), nil, func() error {
		err := Box(w, gomp4.BoxTypeMvhd(), &gomp4.Mvhd{
			Timescale:   opts.Timescale,
			DurationV0:  uint32(opts.Duration),
			Rate:        0x00010000,
			Volume:      0x0100,
			Matrix:      identity([9]int32{}),
			NextTrackID: uint32(len(tracks) + 1),
		}, nil)
		if err != nil {
			return err
		}
		for ti, t := range tracks {
			if err := writeTrak(w, opts, ti, t, chunks, base); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeTrak(w *gomp4.Writer, opts MP4Options, ti int, t *Track, chunks []chunkRef, base uint32) error {
	var mediaDuration uint64
	for _, s := range t.Samples {
		mediaDuration += uint64(s.Duration)
	}
	movieDuration := uint64(0)
	if t.Timescale > 0 {
		movieDuration = mediaDuration * uint64(opts.Timescale) / uint64(t.Timescale)
	}

	return Box(w, gomp4.BoxTypeTrak(), nil, func() error {
		err := Box(w, gomp4.BoxTypeTkhd(), &gomp4.Tkhd{
			FullBox:    gomp4.FullBox{Flags: [3]byte{0, 0, 3}},
			TrackID:    t.ID,
			DurationV0: uint32(movieDuration),
			Matrix:     identity(t.Matrix),
			Width:      uint32(t.Width) << 16,
			Height:     uint32(t.Height) << 16,
		}, nil)
		if err != nil {
			return err
		}
		if t.EditMediaTime != 0 {
			err := Box(w, gomp4.BoxTypeEdts(), nil, func() error {
				return Box(w, gomp4.BoxTypeElst(), &gomp4.Elst{
					EntryCount: 1,
					Entries: []gomp4.ElstEntry{{
						SegmentDurationV0: uint32(movieDuration),
						MediaTimeV0:       t.EditMediaTime,
						MediaRateInteger:  1,
					}},
				}, nil)
			})
			if err != nil {
				return err
			}
		}
		return Box(w, gomp4.BoxTypeMdia(), nil, func() error {
			err := Box(w, gomp4.BoxTypeMdhd(), &gomp4.Mdhd{
				Timescale:  t.Timescale,
				DurationV0: uint32(mediaDuration),
			}, nil)
			if err != nil {
				return err
			}
			var handler [4]byte
			copy(handler[:], t.Handler)
			if err := Box(w, gomp4.BoxTypeHdlr(), &gomp4.Hdlr{HandlerType: handler, Name: "fixture"}, nil); err != nil {
				return err
			}
			return Box(w, gomp4.BoxTypeMinf(), nil, func() error {
				return Box(w, gomp4.BoxTypeStbl(), nil, func() error {
					return writeStbl(w, ti, t, chunks, base)
				})
			})
		})
	})
}

func writeStbl(w *gomp4.Writer, ti int, t *Track, chunks []chunkRef, base uint32) error {
	err := Box(w, gomp4.BoxTypeStsd(), &gomp4.Stsd{EntryCount: 1}, func() error {
		if t.Entry == nil {
			return nil
		}
		return t.Entry(w)
	})
	if err != nil {
		return err
	}

	var stts []gomp4.SttsEntry
	var ctts []gomp4.CttsEntry
	var stss []uint32
	sizes := make([]uint32, len(t.Samples))
	hasCtts := false
	for i, s := range t.Samples {
		sizes[i] = uint32(len(s.Data))
		if n := len(stts); n > 0 && stts[n-1].SampleDelta == s.Duration {
			stts[n-1].SampleCount++
		} else {
			stts = append(stts, gomp4.SttsEntry{SampleCount: 1, SampleDelta: s.Duration})
		}
		if n := len(ctts); n > 0 && ctts[n-1].SampleOffsetV0 == s.CTSOffset {
			ctts[n-1].SampleCount++
		} else {
			ctts = append(ctts, gomp4.CttsEntry{SampleCount: 1, SampleOffsetV0: s.CTSOffset})
		}
		if s.CTSOffset != 0 {
			hasCtts = true
		}
		if s.Sync {
			stss = append(stss, uint32(i+1))
		}
	}

	var stsc []gomp4.StscEntry
	var offsets []uint32
	chunkNumber := uint32(0)
	for _, c := range chunks {
		if c.track != ti {
			continue
		}
		chunkNumber++
		offsets = append(offsets, base+c.offset)
		if n := len(stsc); n == 0 || stsc[n-1].SamplesPerChunk != uint32(c.count) {
			stsc = append(stsc, gomp4.StscEntry{FirstChunk: chunkNumber, SamplesPerChunk: uint32(c.count), SampleDescriptionIndex: 1})
		}
	}

	if err := Box(w, gomp4.BoxTypeStts(), &gomp4.Stts{EntryCount: uint32(len(stts)), Entries: stts}, nil); err != nil {
		return err
	}
	if hasCtts {
		if err := Box(w, gomp4.BoxTypeCtts(), &gomp4.Ctts{EntryCount: uint32(len(ctts)), Entries: ctts}, nil); err != nil {
			return err
		}
	}
	if !t.AllSync {
		if err := Box(w, gomp4.BoxTypeStss(), &gomp4.Stss{EntryCount: uint32(len(stss)), SampleNumber: stss}, nil); err != nil {
			return err
		}
	}
	if err := Box(w, gomp4.BoxTypeStsz(), &gomp4.Stsz{SampleCount: uint32(len(sizes)), EntrySize: sizes}, nil); err != nil {
		return err
	}
	if err := Box(w, gomp4.BoxTypeStsc(), &gomp4.Stsc{EntryCount: uint32(len(stsc)), Entries: stsc}, nil); err != nil {
		return err
	}
	return Box(w, gomp4.BoxTypeStco(), &gomp4.Stco{EntryCount: uint32(len(offsets)), ChunkOffset: offsets}, nil)
}

// AVC1Entry writes an avc1 sample entry carrying avcC and optionally colr.
func AVC1Entry(width, height int, avcC, colr []byte) func(w *gomp4.Writer) error {
	return visualEntry(gomp4.BoxTypeAvc1(), width, height, "avcC", avcC, colr)
}

// VisualEntry writes a visual sample entry of the given type with one
// config box.
func VisualEntry(entry string, width, height int, configType string, config []byte) func(w *gomp4.Writer) error {
	return visualEntry(gomp4.StrToBoxType(entry), width, height, configType, config, nil)
}

func visualEntry(typ gomp4.BoxType, width, height int, configType string, config, colr []byte) func(w *gomp4.Writer) error {
	return func(w *gomp4.Writer) error {
		entry := &gomp4.VisualSampleEntry{
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox:         gomp4.AnyTypeBox{Type: typ},
				DataReferenceIndex: 1,
			},
			Width:           uint16(width),
			Height:          uint16(height),
			Horizresolution: 0x00480000,
			Vertresolution:  0x00480000,
			FrameCount:      1,
			Depth:           0x0018,
			PreDefined3:     -1,
		}
		return Box(w, typ, entry, func() error {
			if config != nil {
				if err := RawBox(w, configType, config); err != nil {
					return err
				}
			}
			if colr != nil {
				return RawBox(w, "colr", colr)
			}
			return nil
		})
	}
}

// MP4AEntry writes an mp4a sample entry whose esds carries asc.
func MP4AEntry(sampleRate, channels int, objectType byte, asc []byte) func(w *gomp4.Writer) error {
	return func(w *gomp4.Writer) error {
		entry := &gomp4.AudioSampleEntry{
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox:         gomp4.AnyTypeBox{Type: gomp4.BoxTypeMp4a()},
				DataReferenceIndex: 1,
			},
			ChannelCount: uint16(channels),
			SampleSize:   16,
			SampleRate:   uint32(sampleRate) << 16,
		}
		return Box(w, gomp4.BoxTypeMp4a(), entry, func() error {
			return RawBox(w, "esds", esdsPayload(objectType, asc))
		})
	}
}

func esdsPayload(objectType byte, asc []byte) []byte {
	decSpecific := append([]byte{0x05, byte(len(asc))}, asc...)
	decConfig := []byte{0x04, byte(13 + len(decSpecific)), objectType, 0x15, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	decConfig = append(decConfig, decSpecific...)
	sl := []byte{0x06, 0x01, 0x02}
	es := []byte{0x03, byte(3 + len(decConfig) + len(sl)), 0x00, 0x01, 0x00}
	es = append(es, decConfig...)
	es = append(es, sl...)
	return append([]byte{0, 0, 0, 0}, es...)
}
