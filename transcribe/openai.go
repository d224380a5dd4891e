package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "whisper-1"
)

// OpenAIProvider talks to any OpenAI-compatible /audio/transcriptions endpoint.
type OpenAIProvider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		// Per-call deadlines come from the context.
		httpClient: &http.Client{},
	}
}

type openAIResp struct {
	Text     string          `json:"text"`
	Language string          `json:"language"`
	Segments []openAISegment `json:"segments"`
}

type openAISegment struct {
	Start decimal.Decimal `json:"start"`
	End   decimal.Decimal `json:"end"`
	Text  string          `json:"text"`
}

func (o *OpenAIProvider) Name() string { return "openai" }

func (o *OpenAIProvider) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	if o.apiKey == "" {
		return Result{}, fmt.Errorf("%w: openai api key is not set", ErrProviderConfig)
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fields := map[string]string{
		"model":           o.model,
		"response_format": "verbose_json",
		"language":        opts.Language,
		"prompt":          opts.Prompt,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return Result{}, err
		}
	}

	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return Result{}, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return Result{}, err
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Result{}, fmt.Errorf("%w: openai rejected the api key", ErrProviderConfig)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("openai http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var or openAIResp
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return Result{}, fmt.Errorf("decode openai response: %w", err)
	}

	res := Result{
		Text:     strings.TrimSpace(or.Text),
		Language: or.Language,
		Segments: make([]TimedSegment, 0, len(or.Segments)),
	}
	for _, s := range or.Segments {
		res.Segments = append(res.Segments, TimedSegment{
			Start: s.Start.Round(3).InexactFloat64(),
			End:   s.End.Round(3).InexactFloat64(),
			Text:  strings.TrimSpace(s.Text),
		})
	}
	return res, nil
}
