package codecs

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/bits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// DefaultAACCodec is used for mp4a entries without a usable config.
const DefaultAACCodec = "mp4a.40.2"

var aacSampleRates = [13]int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// AudioConfig is the subset of an AudioSpecificConfig the demuxers use.
type AudioConfig struct {
	ObjectType   int
	SampleRate   int
	ChannelCount int
}

// CodecString formats "mp4a.40.<object type>".
func (c *AudioConfig) CodecString() string {
	if c.ObjectType <= 0 {
		return DefaultAACCodec
	}
	return fmt.Sprintf("mp4a.40.%d", c.ObjectType)
}

// ParseAudioSpecificConfig decodes an AudioSpecificConfig. Configs the
// full decoder rejects, for example unusual extension layouts, are retried
// with a plain bit-field read of the leading fields.
func ParseAudioSpecificConfig(asc []byte) (*AudioConfig, error) {
	var conf mpeg4audio.AudioSpecificConfig
	if err := conf.Unmarshal(asc); err == nil {
		return &AudioConfig{
			ObjectType:   int(conf.Type),
			SampleRate:   conf.SampleRate,
			ChannelCount: conf.ChannelCount,
		}, nil
	}
	return parseAudioSpecificConfigFields(asc)
}

func parseAudioSpecificConfigFields(asc []byte) (*AudioConfig, error) {
	pos := 0

	objectType, err := bits.ReadBits(asc, &pos, 5)
	if err != nil {
		return nil, fmt.Errorf("failed to read object type: %w", err)
	}
	if objectType == 31 {
		ext, err := bits.ReadBits(asc, &pos, 6)
		if err != nil {
			return nil, fmt.Errorf("failed to read extended object type: %w", err)
		}
		objectType = 32 + ext
	}

	c := &AudioConfig{ObjectType: int(objectType)}
	index, err := bits.ReadBits(asc, &pos, 4)
	if err != nil {
		return nil, fmt.Errorf("failed to read sampling index: %w", err)
	}
	switch {
	case index == 15:
		rate, err := bits.ReadBits(asc, &pos, 24)
		if err != nil {
			return nil, fmt.Errorf("failed to read sample rate: %w", err)
		}
		c.SampleRate = int(rate)
	case int(index) < len(aacSampleRates):
		c.SampleRate = aacSampleRates[index]
	default:
		return nil, fmt.Errorf("invalid sampling index %d", index)
	}

	channels, err := bits.ReadBits(asc, &pos, 4)
	if err != nil {
		return nil, fmt.Errorf("failed to read channel config: %w", err)
	}
	c.ChannelCount = int(channels)
	if channels == 7 {
		c.ChannelCount = 8
	}
	return c, nil
}
