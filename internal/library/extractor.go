package library

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
	"github.com/tcolgate/mp3"

	"despotify/pkg/models"
)

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("despotify:library"))

// hexID derives a stable 32 hex character id from a kind and key.
func hexID(kind, key string) string {
	u := uuid.NewSHA1(idNamespace, []byte(kind+":"+key))
	return hex.EncodeToString(u[:])
}

// TrackID returns the id of the track stored at path.
func TrackID(path string) string {
	return hexID("track", filepath.Clean(path))
}

// AlbumID returns the id shared by all tracks of an artist's album.
func AlbumID(artist, album string) string {
	return hexID("album", strings.ToLower(artist)+"\x00"+strings.ToLower(album))
}

// fileID identifies one version of a file.
func fileID(path string, size int64, modTime time.Time) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s\x00%d\x00%d", filepath.Clean(path), size, modTime.UnixNano())))
	return hex.EncodeToString(sum[:])
}

// audioInfo is what a duration probe learns about a file.
type audioInfo struct {
	duration time.Duration
	bitrate  int
}

// Extractor reads tags and stream info from audio files.
type Extractor struct {
	supportedFormats []string
	logger           *logrus.Entry
}

// NewExtractor creates a metadata extractor for the given extensions.
func NewExtractor(supportedFormats []string, logger *logrus.Logger) *Extractor {
	return &Extractor{
		supportedFormats: supportedFormats,
		logger:           logger.WithField("component", "extractor"),
	}
}

// Extract builds the catalogue row for an audio file.
func (e *Extractor) Extract(filePath string) (models.Track, error) {
	startTime := time.Now()

	file, err := os.Open(filePath)
	if err != nil {
		return models.Track{}, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return models.Track{}, fmt.Errorf("failed to stat audio file: %w", err)
	}

	info, err := e.probe(filePath, stat.Size())
	if err != nil {
		e.logger.WithError(err).WithField("file_path", filePath).Warn("Failed to read stream info, duration unknown")
	}

	track := models.Track{
		TrackID:    TrackID(filePath),
		FileID:     fileID(filePath, stat.Size(), stat.ModTime()),
		Title:      strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath)),
		Artist:     "Unknown Artist",
		Album:      "Unknown Album",
		DurationMS: int(info.duration / time.Millisecond),
		Bitrate:    info.bitrate,
		FilePath:   filePath,
		FileSize:   stat.Size(),
	}

	metadata, err := tag.ReadFrom(file)
	if err != nil {
		e.logger.WithError(err).WithField("file_path", filePath).Debug("No tags, using filename")
	} else {
		if title := metadata.Title(); title != "" {
			track.Title = title
		}
		if artist := metadata.Artist(); artist != "" {
			track.Artist = artist
		}
		if album := metadata.Album(); album != "" {
			track.Album = album
		}
		track.TrackNumber, _ = metadata.Track()
		track.Year = metadata.Year()
		if picture := metadata.Picture(); picture != nil && len(picture.Data) > 0 {
			hash := md5.Sum(picture.Data)
			track.CoverID = hex.EncodeToString(hash[:])
		}
	}
	track.AlbumID = AlbumID(track.Artist, track.Album)

	e.logger.WithFields(logrus.Fields{
		"file_path":       filePath,
		"title":           track.Title,
		"artist":          track.Artist,
		"duration_ms":     track.DurationMS,
		"processing_time": time.Since(startTime),
	}).Debug("Extracted metadata")

	return track, nil
}

// probe reads the duration and bitrate of a file.
func (e *Extractor) probe(filePath string, size int64) (audioInfo, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".mp3":
		return probeMP3(filePath, size)
	case ".flac":
		return probeFLAC(filePath)
	case ".wav":
		return probeWAV(filePath)
	default:
		return audioInfo{}, fmt.Errorf("unsupported format: %s", filepath.Ext(filePath))
	}
}

// probeMP3 sums frame durations; the bitrate is the file average.
func probeMP3(path string, size int64) (audioInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return audioInfo{}, err
	}
	defer f.Close()

	dec := mp3.NewDecoder(f)
	var total time.Duration
	var skipped int
	frames := 0
	for {
		var fr mp3.Frame
		if err := dec.Decode(&fr, &skipped); err != nil {
			if errors.Is(err, io.EOF) || frames > 0 {
				break
			}
			return audioInfo{}, fmt.Errorf("no mp3 frames: %w", err)
		}
		total += fr.Duration()
		frames++
	}
	if total <= 0 {
		return audioInfo{}, fmt.Errorf("mp3 has no playable frames")
	}
	return audioInfo{
		duration: total,
		bitrate:  int(float64(size*8) / total.Seconds()),
	}, nil
}

// probeFLAC reads STREAMINFO.
func probeFLAC(path string) (audioInfo, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return audioInfo{}, err
	}
	defer stream.Close()

	si := stream.Info
	if si.NSamples == 0 || si.SampleRate == 0 {
		return audioInfo{}, fmt.Errorf("flac stream missing sample info")
	}
	secs := float64(si.NSamples) / float64(si.SampleRate)
	return audioInfo{
		duration: time.Duration(secs * float64(time.Second)),
		bitrate:  int(si.SampleRate) * int(si.BitsPerSample) * int(si.NChannels),
	}, nil
}

// probeWAV reads the header and data chunk size.
func probeWAV(path string) (audioInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return audioInfo{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return audioInfo{}, fmt.Errorf("invalid wav file")
	}
	d, err := dec.Duration()
	if err != nil {
		return audioInfo{}, fmt.Errorf("invalid wav header: %w", err)
	}
	return audioInfo{
		duration: d,
		bitrate:  int(dec.SampleRate) * int(dec.BitDepth) * int(dec.NumChans),
	}, nil
}

// IsAudioFile checks if a file is a supported audio format.
func (e *Extractor) IsAudioFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	for _, format := range e.supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// ContentType returns the MIME type for an audio file.
func ContentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
