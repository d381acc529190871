package decoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

const defaultGroqURL = "https://api.groq.com/openai/v1/audio/transcriptions"

// Groq is a Decoder backed by Groq's Whisper-compatible transcription
// endpoint, using a multipart file upload. Groq has no structured segment
// output, so Final's Segments is always a single span covering the whole
// clip.
type Groq struct {
	apiKey     string
	model      string
	sampleRate int
	httpClient *http.Client
}

// NewGroq creates a Groq decoder. model defaults to
// "whisper-large-v3-turbo" when empty.
func NewGroq(apiKey, model string, sampleRate int) *Groq {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return &Groq{apiKey: apiKey, model: model, sampleRate: sampleRate, httpClient: http.DefaultClient}
}

func (g *Groq) transcribe(ctx context.Context, audioF32 []float32, lang string) (string, error) {
	wavData := wavBytes(audioF32, g.sampleRate)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("model", g.model); err != nil {
		return "", err
	}
	if lang != "" && lang != "auto" {
		if err := writer.WriteField("language", lang); err != nil {
			return "", err
		}
	}
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, bytes.NewReader(wavData)); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, defaultGroqURL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("decoder: groq error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Text, nil
}

// Interim implements Decoder.
func (g *Groq) Interim(ctx context.Context, audioF32 []float32, lang string) (string, error) {
	return g.transcribe(ctx, audioF32, lang)
}

// Final implements Decoder.
func (g *Groq) Final(ctx context.Context, audioF32 []float32, lang string) (FinalResult, error) {
	text, err := g.transcribe(ctx, audioF32, lang)
	if err != nil {
		return FinalResult{}, err
	}
	var segments []Segment
	if text != "" {
		segments = []Segment{{Text: text, Start: 0, End: float64(len(audioF32)) / float64(g.sampleRate)}}
	}
	return FinalResult{Text: text, Segments: segments, Language: lang}, nil
}
