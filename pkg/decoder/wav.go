package decoder

import (
	"bytes"
	"encoding/binary"
)

// wavBytes encodes normalized float32 PCM samples directly as a mono
// 16-bit WAV container at sampleRate, for the upload-backed decoders
// (Groq, OpenAI) whose APIs expect a file rather than a raw PCM stream.
// Folds the float32->PCM16 conversion and RIFF framing into one pass
// instead of allocating an intermediate []byte through pcm16Bytes.
func wavBytes(samples []float32, sampleRate int) []byte {
	pcmLen := len(samples) * 2
	buf := bytes.NewBuffer(make([]byte, 0, 44+pcmLen))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+pcmLen))
	buf.WriteString("WAVE")

	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16)) // fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))  // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(pcmLen))
	for _, f := range samples {
		v := f * 32768.0
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		var sample [2]byte
		binary.LittleEndian.PutUint16(sample[:], uint16(int16(v)))
		buf.Write(sample[:])
	}

	return buf.Bytes()
}
