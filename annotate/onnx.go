package annotate

import (
	"context"
	"fmt"
	"sync"

	tokenizer "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/vbabua/video-map-agent/config"
)

// OnnxTextEmbedder runs a BERT-style sentence embedding model locally through
// ONNX Runtime. It keeps indexing usable without network access at the cost
// of a smaller vector space than the API models.
type OnnxTextEmbedder struct {
	tok     *tokenizer.Tokenizer
	session *ort.DynamicAdvancedSession
	model   string

	// one inference at a time per session
	mu sync.Mutex
}

func NewOnnxTextEmbedder(cfg *config.Config) (*OnnxTextEmbedder, error) {
	tok, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	if cfg.OnnxRuntimeLib != "" {
		ort.SetSharedLibraryPath(cfg.OnnxRuntimeLib)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("failed to set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(0); err != nil {
		fmt.Printf("Warning: Failed to set thread count: %v\n", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.OnnxModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &OnnxTextEmbedder{tok: tok, session: session, model: "onnx-local"}, nil
}

func (e *OnnxTextEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := tokenizer.NewSingleEncodeInput(tokenizer.NewInputSequence(text))
	encodings, err := e.tok.EncodeBatch([]tokenizer.EncodeInput{input}, true)
	if err != nil {
		return nil, fmt.Errorf("tokenization failed: %w", err)
	}
	if len(encodings) == 0 {
		return nil, fmt.Errorf("tokenizer produced no encodings")
	}
	enc := encodings[0]

	ids := enc.GetIds()
	mask := enc.GetAttentionMask()
	seqLen := len(ids)
	if seqLen == 0 {
		return nil, fmt.Errorf("tokenizer produced no tokens")
	}

	inputIds := make([]int64, seqLen)
	attentionMask := make([]int64, seqLen)
	tokenTypeIds := make([]int64, seqLen)
	for i := 0; i < seqLen; i++ {
		inputIds[i] = int64(ids[i])
		attentionMask[i] = int64(mask[i])
	}

	shape := ort.NewShape(1, int64(seqLen))
	inputIdsTensor, err := ort.NewTensor(shape, inputIds)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer inputIdsTensor.Destroy()

	attentionMaskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer attentionMaskTensor.Destroy()

	tokenTypeIdsTensor, err := ort.NewTensor(shape, tokenTypeIds)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer tokenTypeIdsTensor.Destroy()

	outputs := make([]ort.Value, 1)

	e.mu.Lock()
	err = e.session.Run([]ort.Value{inputIdsTensor, attentionMaskTensor, tokenTypeIdsTensor}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output tensor is not float32 type")
	}

	// Output: [batch, sequence, hidden]. The [CLS] token is the sentence
	// representation; copy it out before the tensor is destroyed.
	outputShape := outputTensor.GetShape()
	if len(outputShape) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", outputShape)
	}
	hiddenDim := outputShape[2]
	outputData := outputTensor.GetData()
	if int64(len(outputData)) < hiddenDim {
		return nil, fmt.Errorf("output tensor shorter than hidden dimension")
	}

	vec := make([]float32, hiddenDim)
	copy(vec, outputData[:hiddenDim])
	return normalizeL2(vec), nil
}

func (e *OnnxTextEmbedder) Model() string { return e.model }

// Close releases the native session and runtime environment.
func (e *OnnxTextEmbedder) Close() error {
	if e.session != nil {
		e.session.Destroy()
	}
	ort.DestroyEnvironment()
	return nil
}
