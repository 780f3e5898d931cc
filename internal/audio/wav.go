package audio

import (
	"bytes"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV wraps PCM16 in a WAV container.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	samples, err := BytesToInt16(pcm)
	if err != nil {
		return err
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = int(s)
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// DecodeWAV returns the PCM16 payload of a WAV container together with its
// format. Data without a RIFF header is returned unchanged with ok false so
// callers can fall back to the format they requested.
func DecodeWAV(data []byte) (pcm []byte, sampleRate, channels int, ok bool, err error) {
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		return data, 0, 0, false, nil
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, 0, false, fmt.Errorf("invalid wav container")
	}
	if dec.BitDepth != 16 {
		return nil, 0, 0, false, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, false, fmt.Errorf("decode wav: %w", err)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return Int16ToBytes(samples), int(dec.SampleRate), int(dec.NumChans), true, nil
}
