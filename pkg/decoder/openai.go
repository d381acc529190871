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

const defaultOpenAIURL = "https://api.openai.com/v1/audio/transcriptions"

// OpenAI is a Decoder backed by OpenAI's Whisper transcription endpoint.
type OpenAI struct {
	apiKey     string
	model      string
	sampleRate int
	httpClient *http.Client
}

// NewOpenAI creates an OpenAI decoder. model defaults to "whisper-1" when
// empty.
func NewOpenAI(apiKey, model string, sampleRate int) *OpenAI {
	if model == "" {
		model = "whisper-1"
	}
	return &OpenAI{apiKey: apiKey, model: model, sampleRate: sampleRate, httpClient: http.DefaultClient}
}

func (o *OpenAI) transcribe(ctx context.Context, audioF32 []float32, lang string) (string, error) {
	wavData := wavBytes(audioF32, o.sampleRate)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("model", o.model); err != nil {
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
	if _, err := part.Write(wavData); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, defaultOpenAIURL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("decoder: openai error (status %d): %s", resp.StatusCode, string(respBody))
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
func (o *OpenAI) Interim(ctx context.Context, audioF32 []float32, lang string) (string, error) {
	return o.transcribe(ctx, audioF32, lang)
}

// Final implements Decoder.
func (o *OpenAI) Final(ctx context.Context, audioF32 []float32, lang string) (FinalResult, error) {
	text, err := o.transcribe(ctx, audioF32, lang)
	if err != nil {
		return FinalResult{}, err
	}
	var segments []Segment
	if text != "" {
		segments = []Segment{{Text: text, Start: 0, End: float64(len(audioF32)) / float64(o.sampleRate)}}
	}
	return FinalResult{Text: text, Segments: segments, Language: lang}, nil
}
