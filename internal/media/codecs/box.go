package codecs

import (
	"bytes"

	gomp4 "github.com/abema/go-mp4"
)

// unmarshalBox decodes a config record into its go-mp4 box type. WebM
// CodecPrivate carries the same records, so both containers go through here.
func unmarshalBox(payload []byte, dst gomp4.IBox) error {
	_, err := gomp4.Unmarshal(bytes.NewReader(payload), uint64(len(payload)), dst, gomp4.Context{})
	return err
}
