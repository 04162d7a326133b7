package mediatest

import "github.com/bluenviron/mediacommon/v2/pkg/bits"

// VP9KeyFrame returns the start of a VP9 key frame: the uncompressed header
// up to the frame size, followed by padding.
func VP9KeyFrame(profile, bitDepth, width, height int) []byte {
	buf := make([]byte, 16)
	pos := 0
	bits.WriteBitsUnsafe(buf, &pos, 2, 2) // frame marker
	bits.WriteBitsUnsafe(buf, &pos, uint64(profile&1), 1)
	bits.WriteBitsUnsafe(buf, &pos, uint64(profile>>1), 1)
	if profile == 3 {
		bits.WriteFlagUnsafe(buf, &pos, false)
	}
	bits.WriteFlagUnsafe(buf, &pos, false) // show_existing_frame
	bits.WriteFlagUnsafe(buf, &pos, false) // key frame
	bits.WriteFlagUnsafe(buf, &pos, true)  // show_frame
	bits.WriteFlagUnsafe(buf, &pos, false) // error_resilient_mode
	bits.WriteBitsUnsafe(buf, &pos, 0x498342, 24)
	if profile >= 2 {
		bits.WriteFlagUnsafe(buf, &pos, bitDepth == 12)
	}
	bits.WriteBitsUnsafe(buf, &pos, 2, 3) // bt709
	bits.WriteFlagUnsafe(buf, &pos, false) // studio range
	if profile == 1 || profile == 3 {
		bits.WriteBitsUnsafe(buf, &pos, 0, 3)
	}
	bits.WriteBitsUnsafe(buf, &pos, uint64(width-1), 16)
	bits.WriteBitsUnsafe(buf, &pos, uint64(height-1), 16)
	return buf[:(pos+7)/8+1]
}

// VP9InterFrame returns a profile 0 inter frame stub.
func VP9InterFrame(n int) []byte {
	return []byte{0x86, byte(n >> 8), byte(n)}
}
