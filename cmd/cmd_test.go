package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/decode"
	"github.com/babelcloud/gbox/packages/media/internal/media/extract"
	"github.com/babelcloud/gbox/packages/media/internal/media/mediatest"
)

// writeFixture stores two seconds of 25 fps H.264 with a key frame every
// second and returns its path.
func writeFixture(t *testing.T) string {
	t.Helper()
	video := &mediatest.Track{
		ID:        1,
		Handler:   "vide",
		Timescale: 1000,
		Width:     320,
		Height:    240,
		Entry: mediatest.AVC1Entry(320, 240,
			mediatest.AVCC(mediatest.H264SPS, mediatest.H264PPS), nil),
	}
	for i := 0; i < 50; i++ {
		video.Samples = append(video.Samples, mediatest.Sample{
			Data: bytes.Repeat([]byte{byte(i)}, i+1), Duration: 40, Sync: i%25 == 0,
		})
	}
	data, err := mediatest.BuildMP4(mediatest.MP4Options{Timescale: 1000, Duration: 2000, MoovFirst: true}, video)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestProbe_JSON(t *testing.T) {
	path := writeFixture(t)

	out, err := execute(t, "probe", path, "-o", "json")
	require.NoError(t, err)

	var report probeReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, path, report.Source)
	assert.Equal(t, media.ContainerMP4, report.Type)
	assert.InDelta(t, 2.0, report.Duration, 1e-9)
	require.NotNil(t, report.Video)
	assert.Equal(t, 320, report.Video.CodedWidth)
	assert.Equal(t, 240, report.Video.CodedHeight)
	assert.InDelta(t, 25.0, report.Video.FPS, 1e-6)
	assert.Nil(t, report.Audio)
}

func TestProbe_StructuredFormats(t *testing.T) {
	path := writeFixture(t)

	out, err := execute(t, "probe", path, "-o", "yaml")
	require.NoError(t, err)
	var y map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &y))
	assert.Equal(t, "mp4", y["type"])

	out, err = execute(t, "probe", path, "-o", "toml")
	require.NoError(t, err)
	var tm map[string]any
	require.NoError(t, toml.Unmarshal([]byte(out), &tm))
	assert.Equal(t, "mp4", tm["type"])
	assert.Contains(t, tm, "video")

	_, err = execute(t, "probe", path, "-o", "xml")
	assert.ErrorContains(t, err, "unsupported output format")
}

func TestProbe_Text(t *testing.T) {
	path := writeFixture(t)

	out, err := execute(t, "probe", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Container: mp4")
	assert.Contains(t, out, "Size:       320x240")
	assert.Contains(t, out, "No audio track")
	assert.NotContains(t, out, "Audio")
}

func TestProbe_MissingFile(t *testing.T) {
	_, err := execute(t, "probe", filepath.Join(t.TempDir(), "missing.mp4"))
	assert.Error(t, err)
}

func TestChunks_WindowStartsAtKeyFrame(t *testing.T) {
	path := writeFixture(t)

	out, err := execute(t, "chunks", path, "--start", "1.5", "--end", "1.6", "-o", "json")
	require.NoError(t, err)

	var rows []chunkRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.NotEmpty(t, rows)
	assert.Equal(t, "key", rows[0].Type)
	assert.Equal(t, int64(1_000_000), rows[0].TimestampUs)
	assert.Equal(t, 26, rows[0].Size)
	// delta frames run on until the next key frame at or after the end
	require.Len(t, rows, 25)
	assert.Equal(t, int64(1_960_000), rows[24].TimestampUs)
	for i, r := range rows {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, int64(40_000), r.DurationUs)
	}
}

func TestChunks_Limit(t *testing.T) {
	path := writeFixture(t)

	out, err := execute(t, "chunks", path, "--limit", "3")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	// header, rule and three rows
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "TYPE")
	assert.Contains(t, lines[2], "key")
	assert.Contains(t, lines[3], "delta")
}

func TestChunks_Errors(t *testing.T) {
	path := writeFixture(t)

	_, err := execute(t, "chunks", path, "--track", "audio")
	assert.ErrorContains(t, err, "no audio track")

	_, err = execute(t, "chunks", path, "--track", "subtitles")
	assert.ErrorContains(t, err, "unknown track")

	_, err = execute(t, "chunks", path, "--start", "2", "--end", "1")
	assert.Error(t, err)

	_, err = execute(t, "chunks", path, "--start", "-1")
	assert.ErrorContains(t, err, "--start")
}

func TestVersion_JSON(t *testing.T) {
	out, err := execute(t, "version", "-o", "json")
	require.NoError(t, err)

	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "dev", info["version"])
	assert.Contains(t, info, "goVersion")
}

func TestRoot_VersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "gmedia version dev")
}

func TestWriteFrame(t *testing.T) {
	dir := t.TempDir()
	frame := &extract.Frame{
		Index:       3,
		TimestampUs: 120_000,
		Width:       2,
		Height:      1,
		Format:      decode.PixelFormatRGBA,
		Data:        []byte{255, 0, 0, 255, 0, 0, 255, 255},
	}
	require.NoError(t, writeFrame(dir, frame))

	path := framePath(dir, frame)
	assert.Equal(t, "frame-00003-0000120000us.png", filepath.Base(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())
	r, g, b, _ := img.At(1, 0).RGBA()
	assert.Equal(t, []uint32{0, 0, 0xffff}, []uint32{r, g, b})

	frame.Format = decode.PixelFormatI420
	assert.ErrorContains(t, writeFrame(dir, frame), "unsupported pixel format")
}

func TestExtractorOptions_Fallback(t *testing.T) {
	opts := extractorOptions(nil, media.FullWindow, false)
	assert.NotNil(t, opts.Fallback)
	assert.Equal(t, "ffmpeg", opts.Platform.Name())
	assert.Equal(t, 20, opts.HighWaterMark)
	assert.Equal(t, 5, opts.DecodeHighWaterMark)

	opts = extractorOptions(nil, media.FullWindow, true)
	assert.Nil(t, opts.Fallback)
}
