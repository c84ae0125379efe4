package annotate

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vbabua/video-map-agent/config"
)

func newOpenAIClient(cfg *config.Config) *openai.Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientConfig)
}

// OpenAITranscriber transcribes audio chunks through the audio transcription
// endpoint of an OpenAI-compatible API.
type OpenAITranscriber struct {
	cli   *openai.Client
	model string
}

func NewOpenAITranscriber(cfg *config.Config) *OpenAITranscriber {
	return &OpenAITranscriber{cli: newOpenAIClient(cfg), model: cfg.TranscriptionModel}
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	var text string
	err := withRetry(ctx, "transcribe "+filepath.Base(audioPath), func() error {
		callCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		resp, err := t.cli.CreateTranscription(callCtx, openai.AudioRequest{
			Model:    t.model,
			FilePath: audioPath,
		})
		if err != nil {
			return err
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	})
	return text, err
}

// OpenAICaptioner describes frames with a vision-capable chat model.
type OpenAICaptioner struct {
	cli    *openai.Client
	model  string
	prompt string
}

func NewOpenAICaptioner(cfg *config.Config) *OpenAICaptioner {
	return &OpenAICaptioner{cli: newOpenAIClient(cfg), model: cfg.CaptionModel, prompt: cfg.CaptionPrompt}
}

func (c *OpenAICaptioner) Caption(ctx context.Context, imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("read frame %s: %w", imagePath, err)
	}
	encoded := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)

	var caption string
	err = withRetry(ctx, "caption "+filepath.Base(imagePath), func() error {
		callCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		resp, err := c.cli.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: c.prompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: encoded}},
				},
			}},
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("no caption choices returned")
		}
		caption = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	})
	return caption, err
}

// OpenAITextEmbedder embeds text through the embeddings endpoint.
type OpenAITextEmbedder struct {
	cli   *openai.Client
	model string
}

func NewOpenAITextEmbedder(cfg *config.Config) *OpenAITextEmbedder {
	return &OpenAITextEmbedder{cli: newOpenAIClient(cfg), model: cfg.TextEmbeddingModel}
}

func (e *OpenAITextEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := withRetry(ctx, "embed text", func() error {
		callCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		resp, err := e.cli.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("no embedding data returned")
		}
		vec = resp.Data[0].Embedding
		return nil
	})
	return vec, err
}

func (e *OpenAITextEmbedder) Model() string { return e.model }
