package report

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// DefaultModelName is the Gemini model used when none is configured.
const DefaultModelName = "gemini-2.5-flash"

// Summarizer turns a rendered report into a short narrative.
type Summarizer interface {
	Summarize(ctx context.Context, r *Report) (string, error)
}

// contentGenerator is the part of *genai.Models the summarizer calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiSummarizer asks a Gemini model to comment on the report tables.
type GeminiSummarizer struct {
	models contentGenerator
	model  string
}

// NewGeminiSummarizer creates a genai client. Credentials come from the
// environment (GOOGLE_API_KEY or Vertex AI settings).
func NewGeminiSummarizer(ctx context.Context, model string) (*GeminiSummarizer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiSummarizer: create genai client: %w", err)
	}
	if model == "" {
		model = DefaultModelName
	}
	return &GeminiSummarizer{models: client.Models, model: model}, nil
}

func (g *GeminiSummarizer) Summarize(ctx context.Context, r *Report) (string, error) {
	prompt, err := summaryPrompt(r)
	if err != nil {
		return "", fmt.Errorf("Summarize: %w", err)
	}

	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		},
	}
	resp, err := g.models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("Summarize: generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("Summarize: empty response from model")
	}
	return text, nil
}

func summaryPrompt(r *Report) (string, error) {
	var tables bytes.Buffer
	if err := Render(&tables, r); err != nil {
		return "", err
	}
	return "You are a retail sales analyst.\n\n" +
		"Below are the sales tables of one store for " + fmt.Sprint(r.Year) + ".\n" +
		"Write a short summary (at most 8 bullet points) of the most relevant findings:\n" +
		"best and worst months, busiest weekdays and hours, concentration of revenue in\n" +
		"few products or customers, and anything unusual.\n" +
		"Use plain text, no Markdown headings. Quote figures from the tables only.\n\n" +
		tables.String(), nil
}
