// Package assist proxies editor prompts to the Gemini API using a
// deployment-wide key managed by admins.
package assist

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Model is fixed; the editor offers a single "help me write this"
// action, not a model picker.
const Model = "gemini-2.0-flash"

type Client struct {
	model string
}

func NewClient() *Client {
	return &Client{model: Model}
}

// Generate sends the prompt and returns the model's text. The key is
// passed per call because admins can rotate it at runtime.
func (c *Client) Generate(ctx context.Context, apiKey, prompt string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("assist client: %w", err)
	}
	resp, err := client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("assist generate: %w", err)
	}
	return resp.Text(), nil
}
