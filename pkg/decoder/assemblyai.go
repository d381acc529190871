package decoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrInterimUnsupported is returned by AssemblyAI.Interim: the provider's
// upload-submit-poll flow takes hundreds of milliseconds at best, making
// it unsuitable as a low-latency interim backend. Pair it with a faster
// decoder for interims and use AssemblyAI only as the final model.
var ErrInterimUnsupported = errors.New("decoder: assemblyai does not support low-latency interim decoding")

// AssemblyAI is a Decoder backed by AssemblyAI's asynchronous transcription
// API: upload audio, submit a transcript job, then poll until it completes.
type AssemblyAI struct {
	apiKey     string
	sampleRate int
	httpClient *http.Client
	pollEvery  time.Duration
}

// NewAssemblyAI creates an AssemblyAI decoder.
func NewAssemblyAI(apiKey string, sampleRate int) *AssemblyAI {
	return &AssemblyAI{apiKey: apiKey, sampleRate: sampleRate, httpClient: http.DefaultClient, pollEvery: 500 * time.Millisecond}
}

// Interim implements Decoder but always fails; see ErrInterimUnsupported.
func (a *AssemblyAI) Interim(ctx context.Context, audio []float32, lang string) (string, error) {
	return "", ErrInterimUnsupported
}

// Final implements Decoder by uploading audio, submitting a transcript
// request, and polling until completion or ctx expires.
func (a *AssemblyAI) Final(ctx context.Context, audioF32 []float32, lang string) (FinalResult, error) {
	uploadURL, err := a.upload(ctx, pcm16Bytes(audioF32))
	if err != nil {
		return FinalResult{}, err
	}
	id, err := a.submit(ctx, uploadURL, lang)
	if err != nil {
		return FinalResult{}, err
	}

	ticker := time.NewTicker(a.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return FinalResult{}, ctx.Err()
		case <-ticker.C:
			text, status, err := a.getTranscript(ctx, id)
			if err != nil {
				return FinalResult{}, err
			}
			switch status {
			case "completed":
				var segments []Segment
				if text != "" {
					segments = []Segment{{Text: text, Start: 0, End: float64(len(audioF32)) / float64(a.sampleRate)}}
				}
				return FinalResult{Text: text, Segments: segments, Language: lang}, nil
			case "error":
				return FinalResult{}, fmt.Errorf("decoder: assemblyai transcription failed")
			}
		}
	}
}

func (a *AssemblyAI) upload(ctx context.Context, raw []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.assemblyai.com/v2/upload", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.UploadURL, nil
}

func (a *AssemblyAI) submit(ctx context.Context, uploadURL, lang string) (string, error) {
	payload := map[string]any{"audio_url": uploadURL}
	if lang != "" && lang != "auto" {
		payload["language_code"] = lang
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.assemblyai.com/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func (a *AssemblyAI) getTranscript(ctx context.Context, id string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.assemblyai.com/v2/transcript/"+id, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var result struct {
		Status string `json:"status"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", err
	}
	return result.Text, result.Status, nil
}
