package annotate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/vbabua/video-map-agent/config"
)

// MultimodalEmbeddingClient calls an OpenAI-compatible multimodal embeddings
// endpoint that accepts text and image inputs in the same vector space, such
// as the doubao-embedding-vision family.
type MultimodalEmbeddingClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

type multimodalInput struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *imageURLObject `json:"image_url,omitempty"`
}

type imageURLObject struct {
	URL string `json:"url"`
}

type multimodalRequest struct {
	Model          string            `json:"model"`
	Input          []multimodalInput `json:"input"`
	EncodingFormat string            `json:"encoding_format,omitempty"`
}

type multimodalResponse struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Object string `json:"object"`
	Data   []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
		Object    string    `json:"object"`
	} `json:"data"`
}

func NewMultimodalEmbeddingClient(cfg *config.Config) *MultimodalEmbeddingClient {
	return &MultimodalEmbeddingClient{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.ImageEmbeddingModel,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *MultimodalEmbeddingClient) EmbedImage(ctx context.Context, imagePath string) ([]float32, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("read frame %s: %w", imagePath, err)
	}
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
	return c.embed(ctx, "embed frame "+filepath.Base(imagePath), multimodalInput{
		Type:     "image_url",
		ImageURL: &imageURLObject{URL: dataURL},
	})
}

func (c *MultimodalEmbeddingClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, "embed text", multimodalInput{Type: "text", Text: text})
}

func (c *MultimodalEmbeddingClient) Model() string { return c.model }

func (c *MultimodalEmbeddingClient) embed(ctx context.Context, op string, input multimodalInput) ([]float32, error) {
	reqBody, err := json.Marshal(multimodalRequest{
		Model:          c.model,
		Input:          []multimodalInput{input},
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	var vec []float32
	err = withRetry(ctx, op, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embeddings", bytes.NewBuffer(reqBody))
		if err != nil {
			return fmt.Errorf("failed to create request: %v", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var embeddingResp multimodalResponse
		if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
			return fmt.Errorf("failed to decode response: %v", err)
		}
		if len(embeddingResp.Data) == 0 {
			return fmt.Errorf("no embeddings returned")
		}
		vec = embeddingResp.Data[0].Embedding
		return nil
	})
	return vec, err
}
