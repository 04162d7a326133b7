package mp4

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	gomp4 "github.com/abema/go-mp4"
)

var (
	boxAvcC = gomp4.StrToBoxType("avcC")
	boxHvcC = gomp4.StrToBoxType("hvcC")
	boxVpcC = gomp4.StrToBoxType("vpcC")
	boxAv1C = gomp4.StrToBoxType("av1C")
	boxColr = gomp4.StrToBoxType("colr")
	boxEsds = gomp4.StrToBoxType("esds")
)

// tfhd and trun flag bits (ISO/IEC 14496-12 8.8.7, 8.8.8)
const (
	tfhdBaseDataOffsetPresent    = 0x000001
	tfhdDefaultDurationPresent   = 0x000008
	tfhdDefaultSizePresent       = 0x000010
	tfhdDefaultFlagsPresent      = 0x000020
	trunDataOffsetPresent        = 0x000001
	trunFirstSampleFlagsPresent  = 0x000004
	trunSampleDurationPresent    = 0x000100
	trunSampleSizePresent        = 0x000200
	trunSampleFlagsPresent       = 0x000400
	trunCompositionOffsetPresent = 0x000800

	sampleIsNonSync = 0x00010000
)

const (
	descrTagDecoderConfig   = 0x04
	descrTagDecSpecificInfo = 0x05
)

var errStopWalk = errors.New("stop box walk")

func init() {
	// go-mp4 knows avc1 but not the in-band parameter set variant
	gomp4.AddAnyTypeBoxDef(&gomp4.VisualSampleEntry{}, gomp4.StrToBoxType("avc3"))
}

// movie is the typed view of the boxes the demuxer needs. Boxes are
// reduced to plain fields while walking so later stages never deal with
// go-mp4 payload types.
type movie struct {
	timescale  uint32
	duration   uint64
	tracks     []*track
	fragmented bool
	trex       map[uint32]*gomp4.Trex
}

type sampleEntry struct {
	boxType    string
	width      int
	height     int
	channels   int
	sampleRate int

	configType string
	config     []byte
	colr       *gomp4.Colr

	esdsObjectType byte
	asc            []byte
}

type track struct {
	id            uint32
	handler       string
	tkhdDuration  uint64
	matrix        [9]int32
	tkhdWidth     int
	tkhdHeight    int
	timescale     uint32
	mdhdDuration  uint64
	editMediaTime int64
	hasEdit       bool
	entry         *sampleEntry

	stts        []gomp4.SttsEntry
	ctts        []gomp4.CttsEntry
	cttsVersion uint8
	stss        []uint32
	hasStss     bool
	sampleSize  uint32
	entrySizes  []uint32
	sampleCount uint32
	stsc        []gomp4.StscEntry
	chunks      []uint64

	fragments []*fragmentRun

	samples []sample
}

// fragmentRun is one trun of a moof, resolved to absolute offsets.
type fragmentRun struct {
	baseTime    uint64
	hasBaseTime bool
	dataOffset  int64
	entries     []fragmentSample
}

type fragmentSample struct {
	duration uint32
	size     uint32
	flags    uint32
	ctsOff   int64
}

type trafState struct {
	moofOffset uint64
	tfhd       *gomp4.Tfhd
	baseTime   uint64
	hasTfdt    bool
	track      *track
	nextOffset int64
}

type walker struct {
	mov   *movie
	cur   *track
	traf  *trafState
	moof  uint64
	moovs int
}

// readMovie walks the box structure of r. For progressive files the walk
// stops after moov so the media data is never touched here.
func readMovie(r io.ReadSeeker) (*movie, error) {
	w := &walker{mov: &movie{trex: make(map[uint32]*gomp4.Trex)}}
	_, err := gomp4.ReadBoxStructure(r, w.handle)
	if err != nil && !errors.Is(err, errStopWalk) {
		return nil, err
	}
	if w.moovs == 0 {
		return nil, fmt.Errorf("no moov box")
	}
	return w.mov, nil
}

func (w *walker) handle(h *gomp4.ReadHandle) (interface{}, error) {
	switch h.BoxInfo.Type {
	case gomp4.BoxTypeMoov():
		w.moovs++
		if _, err := h.Expand(); err != nil {
			return nil, err
		}
		if !w.mov.fragmented {
			return nil, errStopWalk
		}
		return nil, nil

	case gomp4.BoxTypeTrak():
		w.cur = &track{}
		w.mov.tracks = append(w.mov.tracks, w.cur)
		_, err := h.Expand()
		w.cur = nil
		return nil, err

	case gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(),
		gomp4.BoxTypeEdts(), gomp4.BoxTypeStsd():
		if w.cur == nil {
			return nil, nil
		}
		return h.Expand()

	case gomp4.BoxTypeMvex():
		w.mov.fragmented = true
		return h.Expand()

	case gomp4.BoxTypeMoof():
		w.moof = h.BoxInfo.Offset
		return h.Expand()

	case gomp4.BoxTypeTraf():
		w.traf = &trafState{moofOffset: w.moof}
		_, err := h.Expand()
		w.traf = nil
		return nil, err
	}

	if w.traf != nil {
		return nil, w.handleFragmentBox(h)
	}
	if w.cur != nil {
		return nil, w.handleTrackBox(h)
	}

	switch h.BoxInfo.Type {
	case gomp4.BoxTypeMvhd():
		box, _, err := h.ReadPayload()
		if err != nil {
			return nil, err
		}
		mvhd := box.(*gomp4.Mvhd)
		w.mov.timescale = mvhd.Timescale
		if mvhd.GetVersion() == 1 {
			w.mov.duration = mvhd.DurationV1
		} else {
			w.mov.duration = uint64(mvhd.DurationV0)
		}
	case gomp4.BoxTypeTrex():
		box, _, err := h.ReadPayload()
		if err != nil {
			return nil, err
		}
		trex := box.(*gomp4.Trex)
		w.mov.trex[trex.TrackID] = trex
	}
	return nil, nil
}

func (w *walker) handleTrackBox(h *gomp4.ReadHandle) error {
	t := w.cur
	typ := h.BoxInfo.Type

	// sample entries and their children
	if len(h.Path) >= 2 && h.Path[len(h.Path)-2] == gomp4.BoxTypeStsd() {
		if t.entry != nil {
			return nil
		}
		t.entry = &sampleEntry{boxType: typ.String()}
		if !h.BoxInfo.IsSupportedType() {
			return nil
		}
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		switch e := box.(type) {
		case *gomp4.VisualSampleEntry:
			t.entry.width = int(e.Width)
			t.entry.height = int(e.Height)
		case *gomp4.AudioSampleEntry:
			t.entry.channels = int(e.ChannelCount)
			t.entry.sampleRate = int(e.SampleRate >> 16)
		}
		_, err = h.Expand()
		return err
	}
	if len(h.Path) >= 3 && h.Path[len(h.Path)-3] == gomp4.BoxTypeStsd() {
		return w.handleEntryChild(h)
	}

	switch typ {
	case gomp4.BoxTypeTkhd():
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		tkhd := box.(*gomp4.Tkhd)
		t.id = tkhd.TrackID
		if tkhd.GetVersion() == 1 {
			t.tkhdDuration = tkhd.DurationV1
		} else {
			t.tkhdDuration = uint64(tkhd.DurationV0)
		}
		t.matrix = tkhd.Matrix
		t.tkhdWidth = int(tkhd.Width >> 16)
		t.tkhdHeight = int(tkhd.Height >> 16)

	case gomp4.BoxTypeMdhd():
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		mdhd := box.(*gomp4.Mdhd)
		t.timescale = mdhd.Timescale
		if mdhd.GetVersion() == 1 {
			t.mdhdDuration = mdhd.DurationV1
		} else {
			t.mdhdDuration = uint64(mdhd.DurationV0)
		}

	case gomp4.BoxTypeHdlr():
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		hdlr := box.(*gomp4.Hdlr)
		t.handler = string(hdlr.HandlerType[:])

	case gomp4.BoxTypeElst():
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		elst := box.(*gomp4.Elst)
		if len(elst.Entries) > 0 {
			t.hasEdit = true
			if elst.GetVersion() == 1 {
				t.editMediaTime = elst.Entries[0].MediaTimeV1
			} else {
				t.editMediaTime = int64(elst.Entries[0].MediaTimeV0)
			}
		}

	case gomp4.BoxTypeStts():
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		t.stts = box.(*gomp4.Stts).Entries

	case gomp4.BoxTypeCtts():
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		ctts := box.(*gomp4.Ctts)
		t.ctts = ctts.Entries
		t.cttsVersion = ctts.GetVersion()

	case gomp4.BoxTypeStss():
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		t.hasStss = true
		t.stss = box.(*gomp4.Stss).SampleNumber

	case gomp4.BoxTypeStsz():
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		stsz := box.(*gomp4.Stsz)
		t.sampleSize = stsz.SampleSize
		t.sampleCount = stsz.SampleCount
		t.entrySizes = stsz.EntrySize

	case gomp4.BoxTypeStsc():
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		t.stsc = box.(*gomp4.Stsc).Entries

	case gomp4.BoxTypeStco():
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		for _, off := range box.(*gomp4.Stco).ChunkOffset {
			t.chunks = append(t.chunks, uint64(off))
		}

	case gomp4.BoxTypeCo64():
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		t.chunks = append(t.chunks, box.(*gomp4.Co64).ChunkOffset...)
	}
	return nil
}

func (w *walker) handleEntryChild(h *gomp4.ReadHandle) error {
	e := w.cur.entry
	if e == nil {
		return nil
	}
	switch h.BoxInfo.Type {
	case boxAvcC, boxHvcC, boxVpcC, boxAv1C:
		if _, seen := e.configOrder(h.BoxInfo.Type.String()); seen {
			return nil
		}
		var buf bytes.Buffer
		if _, err := h.ReadData(&buf); err != nil {
			return err
		}
		e.addConfig(h.BoxInfo.Type.String(), buf.Bytes())

	case boxColr:
		box, _, err := h.ReadPayload()
		if err != nil {
			// colour is optional, a broken colr only loses it
			return nil
		}
		e.colr = box.(*gomp4.Colr)

	case boxEsds:
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		for _, d := range box.(*gomp4.Esds).Descriptors {
			switch d.Tag {
			case descrTagDecoderConfig:
				if d.DecoderConfigDescriptor != nil {
					e.esdsObjectType = d.DecoderConfigDescriptor.ObjectTypeIndication
				}
			case descrTagDecSpecificInfo:
				e.asc = d.Data
			}
		}
	}
	return nil
}

// configPriority is the fixed lookup order of video decoder configs.
var configPriority = []string{"avcC", "hvcC", "vpcC", "av1C"}

func (e *sampleEntry) configOrder(typ string) (int, bool) {
	for i, c := range configPriority {
		if c == typ {
			return i, e.configType == typ
		}
	}
	return len(configPriority), false
}

// addConfig keeps the highest priority config box of the entry.
func (e *sampleEntry) addConfig(typ string, data []byte) {
	if e.configType != "" {
		cur, _ := e.configOrder(e.configType)
		next, _ := e.configOrder(typ)
		if next >= cur {
			return
		}
	}
	e.configType = typ
	e.config = data
}

func (w *walker) handleFragmentBox(h *gomp4.ReadHandle) error {
	tf := w.traf
	switch h.BoxInfo.Type {
	case gomp4.BoxTypeTfhd():
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		tf.tfhd = box.(*gomp4.Tfhd)
		for _, t := range w.mov.tracks {
			if t.id == tf.tfhd.TrackID {
				tf.track = t
			}
		}
		tf.nextOffset = int64(tf.moofOffset)
		if tf.tfhd.GetFlags()&tfhdBaseDataOffsetPresent != 0 {
			tf.nextOffset = int64(tf.tfhd.BaseDataOffset)
		}

	case gomp4.BoxTypeTfdt():
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		tfdt := box.(*gomp4.Tfdt)
		tf.hasTfdt = true
		if tfdt.GetVersion() == 1 {
			tf.baseTime = tfdt.BaseMediaDecodeTimeV1
		} else {
			tf.baseTime = uint64(tfdt.BaseMediaDecodeTimeV0)
		}

	case gomp4.BoxTypeTrun():
		if tf.tfhd == nil || tf.track == nil {
			return nil
		}
		box, _, err := h.ReadPayload()
		if err != nil {
			return err
		}
		trun := box.(*gomp4.Trun)
		tf.track.fragments = append(tf.track.fragments, w.resolveRun(trun))
	}
	return nil
}

func (w *walker) resolveRun(trun *gomp4.Trun) *fragmentRun {
	tf := w.traf
	flags := trun.GetFlags()
	tfhdFlags := tf.tfhd.GetFlags()

	var defDuration, defSize, defFlags uint32
	if trex := w.mov.trex[tf.tfhd.TrackID]; trex != nil {
		defDuration = trex.DefaultSampleDuration
		defSize = trex.DefaultSampleSize
		defFlags = trex.DefaultSampleFlags
	}
	if tfhdFlags&tfhdDefaultDurationPresent != 0 {
		defDuration = tf.tfhd.DefaultSampleDuration
	}
	if tfhdFlags&tfhdDefaultSizePresent != 0 {
		defSize = tf.tfhd.DefaultSampleSize
	}
	if tfhdFlags&tfhdDefaultFlagsPresent != 0 {
		defFlags = tf.tfhd.DefaultSampleFlags
	}

	run := &fragmentRun{baseTime: tf.baseTime, hasBaseTime: tf.hasTfdt}
	// only the first run of a traf is anchored by tfdt
	tf.hasTfdt = false

	offset := tf.nextOffset
	if flags&trunDataOffsetPresent != 0 {
		offset = int64(tf.moofOffset) + int64(trun.DataOffset)
		if tfhdFlags&tfhdBaseDataOffsetPresent != 0 {
			offset = int64(tf.tfhd.BaseDataOffset) + int64(trun.DataOffset)
		}
	}
	run.dataOffset = offset

	run.entries = make([]fragmentSample, len(trun.Entries))
	var total int64
	for i, e := range trun.Entries {
		s := fragmentSample{duration: defDuration, size: defSize, flags: defFlags}
		if flags&trunSampleDurationPresent != 0 {
			s.duration = e.SampleDuration
		}
		if flags&trunSampleSizePresent != 0 {
			s.size = e.SampleSize
		}
		if flags&trunSampleFlagsPresent != 0 {
			s.flags = e.SampleFlags
		} else if i == 0 && flags&trunFirstSampleFlagsPresent != 0 {
			s.flags = trun.FirstSampleFlags
		}
		if flags&trunCompositionOffsetPresent != 0 {
			if trun.GetVersion() == 1 {
				s.ctsOff = int64(e.SampleCompositionTimeOffsetV1)
			} else {
				s.ctsOff = int64(e.SampleCompositionTimeOffsetV0)
			}
		}
		run.entries[i] = s
		total += int64(s.size)
	}
	tf.nextOffset = offset + total
	return run
}
