package description

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sjsage522/listingworker/config"
	"sjsage522/listingworker/internal/crawler"
	"sjsage522/listingworker/pkg/errors"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Supported providers
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const systemPrompt = `You are an automotive copywriter specializing in Japanese used vehicles for export.
Write accurate descriptions for international buyers using only the facts you are given.
Never invent equipment, history or prices.`

// Describer produces marketing text for a listing
type Describer interface {
	Describe(ctx context.Context, record *crawler.ListingRecord) (string, error)
}

// LLMDescriber implements Describer on a langchaingo model
type LLMDescriber struct {
	llm       llms.Model
	modelName string
	timeout   time.Duration
}

var _ Describer = (*LLMDescriber)(nil)

// New creates a describer for the configured provider.
// It returns nil without error when no provider is configured.
func New(cfg config.Config) (Describer, error) {
	var model llms.Model
	var err error

	switch strings.ToLower(cfg.DescriptionProvider) {
	case "":
		return nil, nil

	case ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.DescriptionModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)

	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.NewConfiguration("OPENAI_API_KEY is required for the openai description provider", nil)
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.DescriptionModel),
		)

	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, errors.NewConfiguration("ANTHROPIC_API_KEY is required for the anthropic description provider", nil)
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.DescriptionModel),
		)

	default:
		return nil, errors.NewConfiguration(fmt.Sprintf("unsupported description provider: %s", cfg.DescriptionProvider), nil)
	}
	if err != nil {
		return nil, errors.NewConfiguration("create "+cfg.DescriptionProvider+" model", err)
	}

	return NewLLMDescriber(model, cfg.DescriptionModel, cfg.DescriptionTimeout), nil
}

// NewLLMDescriber wraps an already constructed model
func NewLLMDescriber(model llms.Model, modelName string, timeout time.Duration) *LLMDescriber {
	return &LLMDescriber{llm: model, modelName: modelName, timeout: timeout}
}

// Model returns the model name
func (d *LLMDescriber) Model() string {
	return d.modelName
}

// Describe generates a description, bounded by the configured timeout
func (d *LLMDescriber) Describe(ctx context.Context, record *crawler.ListingRecord) (string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, BuildPrompt(record)),
	}

	response, err := d.llm.GenerateContent(ctx, messages, llms.WithMaxTokens(400), llms.WithTemperature(0.7))
	if err != nil {
		return "", errors.NewDescription(record.SourceID, "generate failed", err)
	}
	if len(response.Choices) == 0 {
		return "", errors.NewDescription(record.SourceID, "no response choices", nil)
	}

	text := strings.TrimSpace(response.Choices[0].Content)
	if text == "" {
		return "", errors.NewDescription(record.SourceID, "empty description", nil)
	}
	return text, nil
}

// BuildPrompt renders the facts known about a listing
func BuildPrompt(r *crawler.ListingRecord) string {
	var b strings.Builder
	b.WriteString("Write a 150-250 word description of this vehicle for potential buyers.\n\nVEHICLE DETAILS:\n")

	line := func(label, value string) {
		if value == "" {
			value = "Not specified"
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, value)
	}

	line("Make/Model", strings.TrimSpace(r.Manufacturer+" "+r.Model))
	line("Title", r.Title)
	if !r.IsDefaulted(crawler.FieldModelYear) {
		line("Year", fmt.Sprint(r.ModelYear))
	} else {
		line("Year", "")
	}
	if !r.IsDefaulted(crawler.FieldOdometer) {
		line("Mileage", fmt.Sprintf("%d km", r.OdometerKm))
	} else {
		line("Mileage", "")
	}
	line("Color", r.Color)
	line("Fuel", r.FuelType)
	line("Transmission", r.Transmission)
	line("Drive", r.DriveType)
	line("Engine", r.Displacement)
	line("Repair history", presence(r.HasRepairHistory))
	line("Warranty", presence(r.HasWarranty))
	line("Dealer", r.DealerName)
	if r.Prefecture != "" {
		line("Location", r.Prefecture)
	} else if r.LocationText != crawler.DefaultLocation {
		line("Location", r.LocationText)
	} else {
		line("Location", "")
	}

	b.WriteString("\nWrite in paragraph form, not bullet points. Focus on what makes this specific vehicle special.")
	return b.String()
}

func presence(v *bool) string {
	switch {
	case v == nil:
		return ""
	case *v:
		return "Yes"
	default:
		return "No"
	}
}
