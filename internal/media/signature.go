package media

import "bytes"

// SniffLength is how many leading bytes are read for container detection.
const SniffLength = 64

// FileSignature matches one of several magic byte strings at a fixed offset.
type FileSignature struct {
	Offset       int
	Alternatives [][]byte
}

// Check reports whether header carries any of the alternatives at Offset.
// Headers too short to hold an alternative never match it.
func (s FileSignature) Check(header []byte) bool {
	for _, alt := range s.Alternatives {
		end := s.Offset + len(alt)
		if len(alt) == 0 || end > len(header) {
			continue
		}
		if bytes.Equal(header[s.Offset:end], alt) {
			return true
		}
	}
	return false
}

// MaxLength is the number of header bytes needed to test every alternative.
func (s FileSignature) MaxLength() int {
	n := 0
	for _, alt := range s.Alternatives {
		if l := s.Offset + len(alt); l > n {
			n = l
		}
	}
	return n
}

type registeredSignature struct {
	container ContainerType
	signature FileSignature
}

var signatures = []registeredSignature{
	{
		container: ContainerMP4,
		signature: FileSignature{
			Offset: 4,
			Alternatives: [][]byte{
				[]byte("ftyp"),
				[]byte("moov"),
				[]byte("moof"),
				[]byte("mdat"),
				[]byte("free"),
				[]byte("skip"),
				[]byte("wide"),
			},
		},
	},
	{
		container: ContainerWebM,
		signature: FileSignature{
			Offset:       0,
			Alternatives: [][]byte{{0x1A, 0x45, 0xDF, 0xA3}},
		},
	},
}

// DetectContainer picks the container whose signature matches header.
func DetectContainer(header []byte) (ContainerType, error) {
	for _, s := range signatures {
		if s.signature.Check(header) {
			return s.container, nil
		}
	}
	return "", ErrUnsupportedMediaType
}

// SignatureFor returns the registered signature of a container.
func SignatureFor(c ContainerType) (FileSignature, bool) {
	for _, s := range signatures {
		if s.container == c {
			return s.signature, true
		}
	}
	return FileSignature{}, false
}
