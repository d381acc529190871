package decoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const defaultDeepgramURL = "https://api.deepgram.com/v1/listen"

// Deepgram is a Decoder backed by Deepgram's prerecorded (batch) HTTP
// endpoint, generalized to serve both interim and final decodes and to
// return segment-level detail for finals.
type Deepgram struct {
	apiKey     string
	url        string
	sampleRate int
	httpClient *http.Client
}

// NewDeepgram creates a Deepgram decoder. apiKey must be non-empty.
func NewDeepgram(apiKey string, sampleRate int) *Deepgram {
	return &Deepgram{
		apiKey:     apiKey,
		url:        defaultDeepgramURL,
		sampleRate: sampleRate,
		httpClient: http.DefaultClient,
	}
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
				Words      []struct {
					Word  string  `json:"word"`
					Start float64 `json:"start"`
					End   float64 `json:"end"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (d *Deepgram) transcribe(ctx context.Context, audio []float32, lang string) (deepgramResponse, error) {
	var out deepgramResponse

	u, err := url.Parse(d.url)
	if err != nil {
		return out, err
	}
	q := u.Query()
	q.Set("model", "nova-2")
	q.Set("smart_format", "true")
	if lang != "" && lang != "auto" {
		q.Set("language", lang)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(pcm16Bytes(audio)))
	if err != nil {
		return out, err
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d; channels=1", d.sampleRate))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return out, fmt.Errorf("decoder: deepgram error (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// Interim implements Decoder.
func (d *Deepgram) Interim(ctx context.Context, audio []float32, lang string) (string, error) {
	resp, err := d.transcribe(ctx, audio, lang)
	if err != nil {
		return "", err
	}
	return firstTranscript(resp), nil
}

// Final implements Decoder.
func (d *Deepgram) Final(ctx context.Context, audio []float32, lang string) (FinalResult, error) {
	resp, err := d.transcribe(ctx, audio, lang)
	if err != nil {
		return FinalResult{}, err
	}
	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return FinalResult{Language: lang}, nil
	}

	alt := resp.Results.Channels[0].Alternatives[0]
	var segments []Segment
	for _, w := range alt.Words {
		segments = append(segments, Segment{Text: w.Word, Start: w.Start, End: w.End})
	}

	return FinalResult{
		Text:       alt.Transcript,
		Segments:   segments,
		Language:   lang,
		Confidence: alt.Confidence,
	}, nil
}

func firstTranscript(resp deepgramResponse) string {
	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return ""
	}
	return resp.Results.Channels[0].Alternatives[0].Transcript
}

// pcm16Bytes re-encodes normalized float32 samples as little-endian int16
// PCM, the wire format Deepgram's prerecorded endpoint expects.
func pcm16Bytes(audio []float32) []byte {
	out := make([]byte, len(audio)*2)
	for i, f := range audio {
		v := f * 32768.0
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(v)))
	}
	return out
}
