package whisper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIEngine transcribes through an OpenAI-compatible audio API.
type OpenAIEngine struct {
	client *openai.Client
}

func NewOpenAIEngine(apiKey, baseURL string) *OpenAIEngine {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &OpenAIEngine{client: openai.NewClientWithConfig(cfg)}
}

func (e *OpenAIEngine) Transcribe(ctx context.Context, req TranscriptionRequest) (string, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return "", errors.New("audio path is required")
	}

	language := strings.TrimSpace(req.Language)
	if language == "auto" {
		language = ""
	}

	resp, err := e.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    req.ModelPath,
		FilePath: req.AudioPath,
		Language: language,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription failed: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// OpenAILoader maps model sizes to remote model ids. Registry names such as
// "small" map to whisper-1; any other value is sent as the model id.
type OpenAILoader struct {
	APIKey  string
	BaseURL string
	Logger  *zap.Logger
}

func (l *OpenAILoader) LoadModel(_ context.Context, size, _ string) (Model, error) {
	if strings.TrimSpace(l.APIKey) == "" {
		return nil, fmt.Errorf("%w: openai engine requires an API key", ErrModelUnavailable)
	}

	modelID := strings.TrimSpace(size)
	if _, known := LookupModel(modelID); known || modelID == "" {
		modelID = openai.Whisper1
	}

	if l.Logger != nil {
		l.Logger.Info("model loaded", zap.String("model", modelID), zap.String("engine", "openai"))
	}
	return NewModel(modelID, modelID, DeviceAuto, NewOpenAIEngine(l.APIKey, l.BaseURL)), nil
}
