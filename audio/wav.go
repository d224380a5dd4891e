package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/youpy/go-wav"
)

const (
	whisperSampleRate = 16000 // Rate required by Whisper
	formatPCM         = wav.AudioFormatPCM
)

// PCMFormat describes the sample layout of an uncompressed WAV payload.
type PCMFormat struct {
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
}

func (f PCMFormat) BlockAlign() uint16 {
	return f.NumChannels * f.BitsPerSample / 8
}

func (f PCMFormat) ByteRate() uint32 {
	return f.SampleRate * uint32(f.BlockAlign())
}

type WavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WavInfo is what a WAV file's fmt and data chunks say about its payload.
type WavInfo struct {
	Format      PCMFormat
	AudioFormat uint16
	DataSize    int64
	Duration    time.Duration
}

func (i WavInfo) Frames() int64 {
	block := int64(i.Format.BlockAlign())
	if block == 0 {
		return 0
	}
	return i.DataSize / block
}

func (i WavInfo) Seconds() float64 {
	if i.Format.SampleRate == 0 {
		return 0
	}
	return float64(i.Frames()) / float64(i.Format.SampleRate)
}

func WriteWavHeader(w io.Writer, format PCMFormat, dataSize uint32) error {
	header := WavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     dataSize + 36,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   formatPCM,
		NumChannels:   format.NumChannels,
		SampleRate:    format.SampleRate,
		ByteRate:      format.ByteRate(),
		BlockAlign:    format.BlockAlign(),
		BitsPerSample: format.BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	return binary.Write(w, binary.LittleEndian, header)
}

// UpdateWavHeader patches the size fields of a header written by WriteWavHeader.
func UpdateWavHeader(file io.WriteSeeker, dataSize uint32) error {
	// Update ChunkSize (file size - 8)
	if _, err := file.Seek(4, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to ChunkSize: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, uint32(dataSize+36)); err != nil {
		return fmt.Errorf("failed to write ChunkSize: %w", err)
	}

	// Update Subchunk2Size (data size)
	if _, err := file.Seek(40, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to Subchunk2Size: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, dataSize); err != nil {
		return fmt.Errorf("failed to write Subchunk2Size: %w", err)
	}

	return nil
}

// ReadWavInfo reads the format and data size of the WAV file at path.
func ReadWavInfo(path string) (WavInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return WavInfo{}, err
	}
	defer file.Close()

	_, info, err := openWav(file)
	return info, err
}

// openWav returns a go-wav reader positioned at the start of the PCM data.
// Files whose size fields were never patched, or that claim more data than
// they hold, are rejected.
func openWav(file *os.File) (r *wav.Reader, info WavInfo, err error) {
	st, err := file.Stat()
	if err != nil {
		return nil, info, err
	}

	// go-riff panics on short reads instead of returning an error.
	defer func() {
		if p := recover(); p != nil {
			r = nil
			err = fmt.Errorf("malformed wav: %v", p)
		}
	}()

	r = wav.NewReader(file)
	format, err := r.Format()
	if err != nil {
		return nil, info, fmt.Errorf("read wav format: %w", err)
	}
	if format.SampleRate == 0 || format.BlockAlign == 0 {
		return nil, info, errors.New("wav format has zero sample rate or block align")
	}

	d, err := r.Duration()
	if err != nil {
		return nil, info, fmt.Errorf("read wav duration: %w", err)
	}

	info = WavInfo{
		Format: PCMFormat{
			SampleRate:    format.SampleRate,
			NumChannels:   format.NumChannels,
			BitsPerSample: format.BitsPerSample,
		},
		AudioFormat: format.AudioFormat,
		DataSize:    int64(r.WavData.Size),
		Duration:    d,
	}
	if info.DataSize == 0 {
		return nil, info, errors.New("wav data chunk is empty")
	}
	if info.DataSize > st.Size() {
		return nil, info, fmt.Errorf("wav data chunk claims %d bytes in a %d byte file", info.DataSize, st.Size())
	}
	return r, info, nil
}

// IsWhisperReady reports whether path is already 16kHz mono 16-bit PCM.
func IsWhisperReady(path string) bool {
	if !isWav(path) {
		return false
	}
	info, err := ReadWavInfo(path)
	if err != nil {
		return false
	}
	return info.AudioFormat == wav.AudioFormatPCM &&
		info.Format.SampleRate == whisperSampleRate &&
		info.Format.NumChannels == 1 &&
		info.Format.BitsPerSample == 16
}

// ResampleForWhisper converts any input into the 16kHz mono WAV Whisper expects.
func ResampleForWhisper(ctx context.Context, inputPath, outputPath string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-ar", fmt.Sprintf("%d", whisperSampleRate),
		"-ac", "1",
		"-y", // Overwrite output file
		outputPath)

	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("failed to resample audio: %w: %s", err, out)
	}

	return nil
}
