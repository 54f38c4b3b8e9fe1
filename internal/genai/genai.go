// Package genai generates the recommended product, the three explanation texts,
// the product image, and share messages using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/GiftExplain/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// Default generation settings
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultImageModel  = "dall-e-3"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 800
	// DefaultTimeout bounds one full Generate call, including the image
	DefaultTimeout = 90 * time.Second
)

var (
	// ErrNoChoicesReturned is returned when the model response carries no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrNoImageReturned is returned when the image endpoint returns no URL.
	ErrNoImageReturned = errors.New("no image returned")
	// ErrMalformedResponse is returned when a JSON answer cannot be used.
	ErrMalformedResponse = errors.New("malformed model response")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// imageService defines minimal interface for image generation.
type imageService interface {
	Generate(ctx context.Context, params openai.ImageGenerateParams) (string, error)
}

type openAIChat struct {
	svc *openai.ChatCompletionService
}

func (c openAIChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type openAIImages struct {
	svc *openai.ImageService
}

func (c openAIImages) Generate(ctx context.Context, params openai.ImageGenerateParams) (string, error) {
	resp, err := c.svc.Generate(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", ErrNoImageReturned
	}
	return resp.Data[0].URL, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey         string
	Model          string
	ImageModel     string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
	DebugMode      bool
	StateDir       string
	ImagesDisabled bool
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithImageModel sets the image model.
func WithImageModel(model string) Option {
	return func(o *Opts) { o.ImageModel = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens sets the completion token limit.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTimeout bounds a full Generate call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithDebugMode writes every request and response under stateDir/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// WithImagesDisabled skips product image generation.
func WithImagesDisabled(disabled bool) Option {
	return func(o *Opts) { o.ImagesDisabled = disabled }
}

// Client wraps the OpenAI chat and image services.
type Client struct {
	chat           chatService
	images         imageService
	model          string
	imageModel     string
	temperature    float64
	maxTokens      int
	timeout        time.Duration
	debugMode      bool
	stateDir       string
	imagesDisabled bool
}

// NewClient creates a client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		ImageModel:  DefaultImageModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI.NewClient: client created", "model", cfg.Model, "imageModel", cfg.ImageModel, "imagesDisabled", cfg.ImagesDisabled)
	return &Client{
		chat:           openAIChat{svc: &cli.Chat.Completions},
		images:         openAIImages{svc: &cli.Images},
		model:          cfg.Model,
		imageModel:     cfg.ImageModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        cfg.Timeout,
		debugMode:      cfg.DebugMode,
		stateDir:       cfg.StateDir,
		imagesDisabled: cfg.ImagesDisabled,
	}, nil
}

// GeneratePromptWithContext sends a system and user prompt and returns the reply text.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
	}
	resp, err := c.chat.Create(ctx, params)
	c.writeDebug("GeneratePromptWithContext", params, resp, err)
	if err != nil {
		slog.Error("GenAI.GeneratePromptWithContext: chat completion failed", "model", c.model, "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// generateJSON asks for a JSON object and returns it for lenient field access.
// Models often wrap JSON in prose or code fences, so only the outermost object is parsed.
func (c *Client) generateJSON(ctx context.Context, userPrompt string) (gjson.Result, string, error) {
	text, err := c.GeneratePromptWithContext(ctx, systemPromptJSON, userPrompt)
	if err != nil {
		return gjson.Result{}, "", err
	}
	obj := extractJSONObject(text)
	if obj == "" || !gjson.Valid(obj) {
		return gjson.Result{}, text, fmt.Errorf("%w: expected a JSON object", ErrMalformedResponse)
	}
	return gjson.Parse(obj), text, nil
}

func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// GenerateProduct recommends one gift for the persona.
func (c *Client) GenerateProduct(ctx context.Context, persona models.Persona) (models.Product, error) {
	res, _, err := c.generateJSON(ctx, productPrompt(persona))
	if err != nil {
		return models.Product{}, fmt.Errorf("product recommendation failed: %w", err)
	}
	product := models.Product{
		Name:        strings.TrimSpace(res.Get("name").String()),
		Price:       int(res.Get("price").Int()),
		Description: strings.TrimSpace(res.Get("description").String()),
	}
	for _, f := range res.Get("features").Array() {
		if s := strings.TrimSpace(f.String()); s != "" {
			product.Features = append(product.Features, s)
		}
	}
	if product.Name == "" {
		return models.Product{}, fmt.Errorf("product recommendation failed: %w: missing name", ErrMalformedResponse)
	}
	if product.Features == nil {
		product.Features = []string{}
	}
	return product, nil
}

// GenerateExplanation writes the explanation for one condition.
func (c *Client) GenerateExplanation(ctx context.Context, condition models.Condition, persona models.Persona, product models.Product) (string, error) {
	prompt, err := explanationPrompt(condition, persona, product)
	if err != nil {
		return "", err
	}
	res, raw, err := c.generateJSON(ctx, prompt)
	if err != nil && !errors.Is(err, ErrMalformedResponse) {
		return "", fmt.Errorf("%s explanation failed: %w", condition, err)
	}
	if text := strings.TrimSpace(res.Get("explanation").String()); text != "" {
		return text, nil
	}
	// the model answered in plain text instead of JSON
	if text := strings.TrimSpace(raw); text != "" && extractJSONObject(text) == "" {
		slog.Warn("GenAI.GenerateExplanation: non-JSON answer used verbatim", "condition", condition)
		return text, nil
	}
	return "", fmt.Errorf("%s explanation failed: %w: missing explanation", condition, ErrMalformedResponse)
}

// GenerateImage renders a product photo and returns its URL.
func (c *Client) GenerateImage(ctx context.Context, product models.Product) (string, error) {
	name, err := c.GeneratePromptWithContext(ctx, systemPromptPlain, translationPrompt(product.Name))
	if err != nil || name == "" {
		slog.Warn("GenAI.GenerateImage: translation failed, using original name", "error", err)
		name = product.Name
	}
	url, err := c.images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:  imagePrompt(name),
		Model:   openai.ImageModel(c.imageModel),
		N:       openai.Int(1),
		Size:    openai.ImageGenerateParamsSize1024x1024,
		Quality: openai.ImageGenerateParamsQualityStandard,
	})
	if err != nil {
		return "", fmt.Errorf("image generation failed: %w", err)
	}
	return url, nil
}

// Generate produces the product first, then the three explanations and the
// image in parallel. Any failure fails the whole call.
func (c *Client) Generate(ctx context.Context, persona models.Persona) (models.GeneratedContent, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	started := time.Now()

	product, err := c.GenerateProduct(ctx, persona)
	if err != nil {
		return models.GeneratedContent{}, err
	}

	var explanations models.Explanations
	var imageURL string
	texts := make([]string, len(models.Conditions))
	g, gctx := errgroup.WithContext(ctx)
	for i, condition := range models.Conditions {
		g.Go(func() error {
			text, err := c.GenerateExplanation(gctx, condition, persona, product)
			if err != nil {
				return err
			}
			texts[i] = text
			return nil
		})
	}
	if !c.imagesDisabled {
		g.Go(func() error {
			url, err := c.GenerateImage(gctx, product)
			if err != nil {
				return err
			}
			imageURL = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("GenAI.Generate: generation failed", "error", err, "elapsed", time.Since(started))
		return models.GeneratedContent{}, err
	}
	// product is shared read-only with the goroutines until Wait returns
	product.ImageURL = imageURL
	for i, condition := range models.Conditions {
		explanations.Set(condition, texts[i])
	}
	slog.Info("GenAI.Generate: content generated", "product", product.Name, "elapsed", time.Since(started))
	return models.GeneratedContent{Product: product, Explanations: explanations}, nil
}

// ShareMessage writes a one or two sentence message for sharing the gift.
func (c *Client) ShareMessage(ctx context.Context, persona models.Persona, product models.Product, preferred models.Condition) (string, error) {
	res, _, err := c.generateJSON(ctx, sharePrompt(persona, product, preferred))
	if err != nil {
		return "", err
	}
	msg := strings.TrimSpace(res.Get("message").String())
	if msg == "" {
		return "", fmt.Errorf("%w: missing message", ErrMalformedResponse)
	}
	return msg, nil
}

type debugEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Method    string      `json:"method"`
	Model     string      `json:"model"`
	Params    interface{} `json:"params"`
	Response  interface{} `json:"response"`
	Error     string      `json:"error,omitempty"`
}

// writeDebug persists one exchange as JSON under stateDir/debug.
func (c *Client) writeDebug(method string, params, resp interface{}, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	entry := debugEntry{Timestamp: time.Now().UTC(), Method: method, Model: c.model, Params: params, Response: resp}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("GenAI.writeDebug: cannot create debug dir", "dir", dir, "error", err)
		return
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("GenAI.writeDebug: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", entry.Timestamp.Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("GenAI.writeDebug: write failed", "error", err)
	}
}
