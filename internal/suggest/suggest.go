// Package suggest asks Gemini for categorization rules derived from the
// transactions a user left uncategorized. Suggestions come back as a strict
// JSON array of rule objects and run through the same boundary normalization
// as every other external rule shape.
package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ymori/kakeibo-sync/internal/domain"
)

const maxSampleSize = 50

// Suggester holds the model configuration.
type Suggester struct {
	model string
}

// New creates a suggester for the given model name.
func New(model string) *Suggester {
	return &Suggester{model: model}
}

// Suggest sends a sample of uncategorized transactions to the model and
// returns the suggested rules. The returned rules carry no ids; they are
// drafts for the user to review and save.
func (s *Suggester) Suggest(ctx context.Context, txs []domain.Transaction, categories []string) ([]domain.Rule, error) {
	sample := uncategorized(txs)
	if len(sample) == 0 {
		return nil, nil
	}
	prompt := buildPrompt(sample, categories)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("Suggest: create genai client: %w", err)
	}

	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		},
	}
	resp, err := client.Models.GenerateContent(ctx, s.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("Suggest: generate content: %w", err)
	}
	rawText := resp.Text()
	if rawText == "" {
		return nil, fmt.Errorf("Suggest: empty response from model")
	}
	return parseSuggestions(rawText)
}

// uncategorized filters to transactions with no category, capped so the
// prompt stays a prompt and not a data dump.
func uncategorized(txs []domain.Transaction) []domain.Transaction {
	var out []domain.Transaction
	for _, t := range txs {
		if t.Category != "" {
			continue
		}
		out = append(out, t)
		if len(out) == maxSampleSize {
			break
		}
	}
	return out
}

func buildPrompt(txs []domain.Transaction, categories []string) string {
	var b strings.Builder
	b.WriteString("You suggest categorization rules for a household ledger.\n\n")
	b.WriteString("Task:\n")
	b.WriteString("- Study the uncategorized transactions below.\n")
	b.WriteString("- Propose rules that match recurring merchants or phrases.\n")
	b.WriteString("- Output STRICT JSON only (no comments, no trailing commas, no extra text).\n")
	b.WriteString("- Output a JSON array of objects.\n\n")
	b.WriteString("Each object must have these fields:\n")
	b.WriteString("- \"pattern\": string, the text to match\n")
	b.WriteString("- \"mode\": \"contains\" or \"regex\"\n")
	b.WriteString("- \"target\": \"description\", \"detail\" or \"memo\"\n")
	b.WriteString("- \"kind\": \"income\", \"expense\" or \"both\"\n")
	b.WriteString("- \"category\": string (one of the categories below)\n\n")

	b.WriteString("Use ONLY the following categories:\n")
	for _, c := range categories {
		b.WriteString("- " + c + "\n")
	}

	b.WriteString("\nTransactions:\n")
	for _, t := range txs {
		fmt.Fprintf(&b, "- date=%s amount=%s kind=%s description=%q detail=%q memo=%q\n",
			t.DateString(), t.Amount.String(), t.Kind, t.Description, t.Detail, t.Memo)
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Prefer \"contains\" mode; use \"regex\" only when a plain substring cannot work.\n")
	b.WriteString("- Never invent categories not in the list.\n")
	b.WriteString("- Skip transactions with no recognizable recurring pattern.\n")
	b.WriteString("Return ONLY valid raw JSON.\n")
	b.WriteString("Do NOT wrap the response in code fences.\n")
	b.WriteString("Do NOT use ```json or any Markdown.\n")
	b.WriteString("Output must begin with \"[\" and end with \"]\".\n")
	return b.String()
}

// parseSuggestions cleans the model output and maps it through boundary
// normalization; malformed entries are dropped there, not here.
func parseSuggestions(raw string) ([]domain.Rule, error) {
	clean := cleanModelJSON(raw)

	var raws []domain.RawRule
	if err := json.Unmarshal([]byte(clean), &raws); err != nil {
		return nil, fmt.Errorf("parseSuggestions: unmarshal JSON: %w\nraw response: %s", err, raw)
	}
	return domain.NormalizeRules(raws), nil
}

// cleanModelJSON strips Markdown fences and surrounding junk when the model
// ignored the raw-JSON instruction.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "["); start != -1 {
		if end := strings.LastIndex(s, "]"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}
