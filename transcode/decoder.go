package transcode

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RyanBlaney/sonido-tempo/logging"
)

// ErrDecode wraps every failure of the external decoder process.
var ErrDecode = errors.New("decode failed")

// OpenFlags modify how a track is opened for analysis.
type OpenFlags uint8

const (
	// NoLooping plays the file once even if the decoder is configured to loop.
	NoLooping OpenFlags = 1 << iota
	// NoPostProcessing disables configured audio filters so samples reach
	// the analysis untouched.
	NoPostProcessing
)

// Has reports whether all bits of flag are set.
func (f OpenFlags) Has(flag OpenFlags) bool {
	return f&flag == flag
}

// Stream is an open, decodable track.
type Stream interface {
	// Seek positions the stream at seconds from the start. It must be
	// called before the first Read.
	Seek(ctx context.Context, seconds float64) error
	// Read returns the next chunk, or io.EOF once the track is exhausted.
	Read(ctx context.Context) (*Chunk, error)
	Close() error
}

// DecoderConfig holds decoder configuration
type DecoderConfig struct {
	FFmpegPath  string        `json:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath string        `json:"ffprobe_path" yaml:"ffprobe_path"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"` // applies to ffprobe only
	// ChunkFrames is the number of multi-channel frames per Read.
	ChunkFrames int `json:"chunk_frames" yaml:"chunk_frames"`
	// Filters is an ffmpeg -af chain, skipped under NoPostProcessing.
	Filters []string `json:"filters" yaml:"filters"`
	Loop    bool     `json:"loop" yaml:"loop"`
}

// DefaultDecoderConfig returns default decoder configuration
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		FFmpegPath:  "ffmpeg",  // Assume in PATH
		FFprobePath: "ffprobe", // Assume in PATH
		Timeout:     30 * time.Second,
		ChunkFrames: 4096,
	}
}

// AudioMetadata holds detected audio properties from FFprobe
type AudioMetadata struct {
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Codec      string  `json:"codec"`
	Duration   float64 `json:"duration"`
	Bitrate    int     `json:"bitrate"`
	Format     string  `json:"format"`
}

// Decoder opens audio files through ffmpeg at their native sample rate and
// channel layout.
type Decoder struct {
	config DecoderConfig
	logger logging.Logger
}

// NewDecoder creates a new audio decoder
func NewDecoder(config DecoderConfig) *Decoder {
	defaults := DefaultDecoderConfig()
	if config.FFmpegPath == "" {
		config.FFmpegPath = defaults.FFmpegPath
	}
	if config.FFprobePath == "" {
		config.FFprobePath = defaults.FFprobePath
	}
	if config.ChunkFrames <= 0 {
		config.ChunkFrames = defaults.ChunkFrames
	}
	return &Decoder{
		config: config,
		logger: logging.WithFields(logging.Fields{
			"component": "audio_decoder",
		}),
	}
}

// Probe uses ffprobe to read the first audio stream's properties.
func (d *Decoder) Probe(ctx context.Context, path string) (*AudioMetadata, error) {
	args := []string{
		"-v", "quiet", // Suppress verbose output
		"-print_format", "json", // JSON output
		"-show_streams",          // Show stream info
		"-select_streams", "a:0", // First audio stream only
		path,
	}

	if d.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()
	}

	output, err := exec.CommandContext(ctx, d.config.FFprobePath, args...).Output()
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return nil, fmt.Errorf("%w: ffprobe %s: %v, stderr: %s", ErrDecode, path, err, string(exitError.Stderr))
		}
		return nil, fmt.Errorf("%w: ffprobe %s: %v", ErrDecode, path, err)
	}

	metadata, err := parseFFprobeOutput(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}
	return metadata, nil
}

// parseFFprobeOutput parses ffprobe JSON to extract audio metadata
func parseFFprobeOutput(jsonData []byte) (*AudioMetadata, error) {
	var probe struct {
		Streams []struct {
			CodecType     string `json:"codec_type"`
			CodecName     string `json:"codec_name"`
			SampleRate    string `json:"sample_rate"`
			Channels      int    `json:"channels"`
			Duration      string `json:"duration"`
			BitRate       string `json:"bit_rate"`
			CodecLongName string `json:"codec_long_name"`
		} `json:"streams"`
	}

	if err := json.Unmarshal(jsonData, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	if len(probe.Streams) == 0 {
		return nil, fmt.Errorf("no audio streams found")
	}

	stream := probe.Streams[0]
	if stream.CodecType != "audio" {
		return nil, fmt.Errorf("stream is not audio type: %s", stream.CodecType)
	}

	// The native rate decides whether the track is analysable, so no fallback
	sampleRate, err := strconv.Atoi(stream.SampleRate)
	if err != nil || sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %q", stream.SampleRate)
	}

	duration, err := strconv.ParseFloat(stream.Duration, 64)
	if err != nil {
		duration = 0
	}

	bitrate, err := strconv.Atoi(stream.BitRate)
	if err != nil {
		bitrate = 0
	}

	if stream.Channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", stream.Channels)
	}

	return &AudioMetadata{
		SampleRate: sampleRate,
		Channels:   stream.Channels,
		Codec:      stream.CodecName,
		Duration:   duration,
		Bitrate:    bitrate,
		Format:     stream.CodecLongName,
	}, nil
}

// Open probes path and returns a stream that decodes it lazily on the
// first Read.
func (d *Decoder) Open(ctx context.Context, path string, flags OpenFlags) (Stream, error) {
	metadata, err := d.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("Opened audio file", logging.Fields{
		"path":        path,
		"sample_rate": metadata.SampleRate,
		"channels":    metadata.Channels,
		"codec":       metadata.Codec,
		"duration":    metadata.Duration,
	})

	return newFFmpegStream(d, path, flags, metadata), nil
}

// buildArgs assembles the ffmpeg command line for a decode starting at offset seconds.
func (d *Decoder) buildArgs(path string, offset float64, flags OpenFlags) []string {
	args := []string{"-v", "error", "-nostdin"}

	if d.config.Loop && !flags.Has(NoLooping) {
		args = append(args, "-stream_loop", "-1")
	}
	if offset > 0 {
		args = append(args, "-ss", strconv.FormatFloat(offset, 'f', 3, 64))
	}

	args = append(args,
		"-i", path,
		"-map", "0:a:0",
		"-vn",
		"-f", "f64le", // Output raw float64 little-endian
	)

	if len(d.config.Filters) > 0 && !flags.Has(NoPostProcessing) {
		args = append(args, "-af", strings.Join(d.config.Filters, ","))
	}

	return append(args, "pipe:1")
}

// ffmpegStream runs one ffmpeg process per track and reads its stdout in
// fixed-size chunks. Close may be called while a Read is blocked; it kills
// the process first so the Read returns.
type ffmpegStream struct {
	decoder  *Decoder
	path     string
	flags    OpenFlags
	metadata *AudioMetadata
	offset   float64

	// procCtx outlives Read's ctx; cancel is safe to call without mu
	procCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	buf    []byte
	closed bool
}

func (s *ffmpegStream) Seek(ctx context.Context, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: seek on closed stream", ErrDecode)
	}
	if s.cmd != nil {
		return fmt.Errorf("%w: seek after read is not supported", ErrDecode)
	}
	if seconds < 0 || math.IsNaN(seconds) {
		return fmt.Errorf("%w: invalid seek offset %g", ErrDecode, seconds)
	}
	s.offset = seconds
	return ctx.Err()
}

func newFFmpegStream(d *Decoder, path string, flags OpenFlags, metadata *AudioMetadata) *ffmpegStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &ffmpegStream{
		decoder:  d,
		path:     path,
		flags:    flags,
		metadata: metadata,
		procCtx:  ctx,
		cancel:   cancel,
	}
}

func (s *ffmpegStream) start() error {
	args := s.decoder.buildArgs(s.path, s.offset, s.flags)

	cmd := exec.CommandContext(s.procCtx, s.decoder.config.FFmpegPath, args...)
	cmd.Stderr = &s.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}

	s.decoder.logger.Debug("Running ffmpeg command", logging.Fields{
		"args": strings.Join(args, " "),
	})

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffmpeg: %v", ErrDecode, err)
	}

	s.cmd = cmd
	s.stdout = stdout
	s.buf = make([]byte, s.decoder.config.ChunkFrames*s.metadata.Channels*8)
	return nil
}

func (s *ffmpegStream) Read(ctx context.Context) (*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: read on closed stream", ErrDecode)
	}
	if s.cmd == nil {
		if err := s.start(); err != nil {
			return nil, err
		}
	}

	n, err := io.ReadFull(s.stdout, s.buf)
	// Keep whole frames only
	frameBytes := s.metadata.Channels * 8
	n -= n % frameBytes

	if n > 0 {
		return &Chunk{
			Samples:    bytesToFloat64(s.buf[:n]),
			SampleRate: s.metadata.SampleRate,
			Channels:   s.metadata.Channels,
		}, nil
	}

	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		if waitErr := s.wait(); waitErr != nil {
			return nil, waitErr
		}
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("%w: read %s: %v", ErrDecode, s.path, err)
	}
}

// wait reaps the process after stdout hit EOF.
func (s *ffmpegStream) wait() error {
	if s.cmd == nil || s.cmd.ProcessState != nil {
		return nil
	}
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: ffmpeg %s: %v, stderr: %s", ErrDecode, s.path, err, strings.TrimSpace(s.stderr.String()))
	}
	return nil
}

func (s *ffmpegStream) Close() error {
	// kill before locking so a blocked Read sees EOF and releases mu
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.cmd == nil {
		return nil
	}
	if s.cmd.ProcessState == nil {
		// Killed by us, so the exit status is not interesting
		_ = s.cmd.Wait()
	}
	return nil
}

// bytesToFloat64 converts raw float64 bytes to []float64
func bytesToFloat64(data []byte) []float64 {
	if len(data)%8 != 0 {
		// Trim to multiple of 8 bytes
		data = data[:len(data)-(len(data)%8)]
	}

	if len(data) == 0 {
		return nil
	}

	sampleCount := len(data) / 8
	samples := make([]float64, sampleCount)

	for i := range sampleCount {
		// Convert 8 bytes to float64 (little-endian)
		bits := binary.LittleEndian.Uint64(data[i*8 : i*8+8])
		samples[i] = math.Float64frombits(bits)
	}

	return samples
}

// SupportedExtensions returns the file extensions offered for analysis.
func SupportedExtensions() []string {
	return []string{
		".aac", ".aif", ".aiff", ".ape", ".flac", ".m4a", ".mp3",
		".mp4", ".mpc", ".ogg", ".opus", ".wav", ".webm", ".wma", ".wv",
	}
}

// IsSupported reports whether path has one of SupportedExtensions.
func IsSupported(path string) bool {
	return slices.Contains(SupportedExtensions(), strings.ToLower(filepath.Ext(path)))
}

// CheckAvailability verifies that ffmpeg and ffprobe can be executed.
func (d *Decoder) CheckAvailability(ctx context.Context) error {
	if err := exec.CommandContext(ctx, d.config.FFmpegPath, "-version").Run(); err != nil {
		return fmt.Errorf("ffmpeg not found at %s: %w", d.config.FFmpegPath, err)
	}
	if err := exec.CommandContext(ctx, d.config.FFprobePath, "-version").Run(); err != nil {
		return fmt.Errorf("ffprobe not found at %s: %w", d.config.FFprobePath, err)
	}
	return nil
}
