package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("GMEDIA")
	v.AutomaticEnv()
	v.BindEnv("gmedia.home", "GMEDIA_HOME")
	v.BindEnv("media.sniff_bytes", "GMEDIA_SNIFF_BYTES")
	v.BindEnv("media.chunk_high_water_mark", "GMEDIA_CHUNK_HIGH_WATER_MARK")
	v.BindEnv("decode.high_water_mark", "GMEDIA_DECODE_HIGH_WATER_MARK")
	v.BindEnv("extract.high_water_mark", "GMEDIA_EXTRACT_HIGH_WATER_MARK")
	v.BindEnv("extract.broken_decoder_platforms", "GMEDIA_BROKEN_DECODER_PLATFORMS")
	v.BindEnv("http.timeout", "GMEDIA_HTTP_TIMEOUT")
	v.BindEnv("http.user_agent", "GMEDIA_HTTP_USER_AGENT")
	v.BindEnv("ffmpeg.path", "GMEDIA_FFMPEG", "FFMPEG_PATH")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		"$HOME/.gmedia",
		filepath.Join(xdg.ConfigHome, "gmedia"),
		"/etc/gmedia",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gmedia.home", filepath.Join(xdg.Home, ".gmedia"))
	v.SetDefault("media.sniff_bytes", 64)
	v.SetDefault("media.chunk_high_water_mark", 16)
	v.SetDefault("decode.high_water_mark", 5)
	v.SetDefault("extract.high_water_mark", 20)
	v.SetDefault("extract.broken_decoder_platforms", []string{})
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", "gmedia")
	v.SetDefault("ffmpeg.path", "")
}

// GetHome returns the gmedia home directory
func GetHome() string {
	return v.GetString("gmedia.home")
}

// GetSniffBytes is how many leading bytes are read to detect the container
func GetSniffBytes() int {
	return v.GetInt("media.sniff_bytes")
}

// GetChunkHighWaterMark bounds each demuxed chunk stream
func GetChunkHighWaterMark() int {
	return v.GetInt("media.chunk_high_water_mark")
}

// GetDecodeHighWaterMark bounds decoder queues
func GetDecodeHighWaterMark() int {
	return v.GetInt("decode.high_water_mark")
}

// GetExtractHighWaterMark bounds the extracted frames waiting to be read
func GetExtractHighWaterMark() int {
	return v.GetInt("extract.high_water_mark")
}

// GetBrokenDecoderPlatforms lists decoder platforms that must not be used
func GetBrokenDecoderPlatforms() []string {
	return v.GetStringSlice("extract.broken_decoder_platforms")
}

// GetHTTPTimeout returns the timeout for fetching remote sources
func GetHTTPTimeout() time.Duration {
	return v.GetDuration("http.timeout")
}

// GetHTTPUserAgent returns the User-Agent sent when fetching remote sources
func GetHTTPUserAgent() string {
	return v.GetString("http.user_agent")
}

// GetFFmpegPath returns the ffmpeg binary, empty meaning the one on PATH
func GetFFmpegPath() string {
	return v.GetString("ffmpeg.path")
}

// Set overrides a key for the rest of the process, e.g. from a flag.
func Set(key string, value any) {
	v.Set(key, value)
}
