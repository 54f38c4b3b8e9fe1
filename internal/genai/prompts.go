package genai

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/GiftExplain/internal/models"
)

const (
	systemPromptJSON  = "You write copy for a gift recommendation study. Reply with a single JSON object and nothing else."
	systemPromptPlain = "You are a precise translator. Reply with the translation only."
)

func productPrompt(p models.Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recommend one gift for a %d-year-old %s.\n", p.Age, p.Gender)
	fmt.Fprintf(&b, "Budget: %s KRW.\n", p.PriceRange)
	if p.EmotionalState != "" {
		fmt.Fprintf(&b, "Reason for the gift: %s\n", p.EmotionalState)
	}
	b.WriteString(`Respond as JSON with the price inside the budget:
{"name": "product name", "price": 30000, "description": "short description", "features": ["feature 1", "feature 2", "feature 3"]}`)
	return b.String()
}

func topFeatures(product models.Product, n int) string {
	features := product.Features
	if len(features) > n {
		features = features[:n]
	}
	return strings.Join(features, ", ")
}

// explanationPrompt returns the instructions for one explanation style.
func explanationPrompt(c models.Condition, p models.Persona, product models.Product) (string, error) {
	switch c {
	case models.ConditionFeatureFocused:
		return fmt.Sprintf(`Write a product explanation following these rules:
1. Output JSON only, with the single key "explanation".
2. Keep it between 180 and 200 characters.
3. Wrap words naming product features in <strong> tags.
4. Stay objective and neutral.

Product: %s
Top features: %s`, product.Name, topFeatures(product, 3)), nil
	case models.ConditionProfileBased:
		return fmt.Sprintf(`Write a product explanation following these rules:
1. Output JSON only, with the single key "explanation".
2. Keep it between 200 and 250 characters.
3. Wrap age, gender, and behavioral indicators in <strong> tags.
4. Use exactly the recipient gender and age group given below.
5. Include a purchase statistic (%%) for that age and gender group.

Product: %s
Top features: %s
Recipient gender: %s
Recipient age group: %ds
Recipient name: %s`, product.Name, topFeatures(product, 3), p.Gender, (p.Age/10)*10, p.Name), nil
	case models.ConditionContextBased:
		return fmt.Sprintf(`Write a product explanation following these rules:
1. Output JSON only, with the single key "explanation".
2. Keep it between 200 and 250 characters, in exactly three sentences.
3. Use <strong> tags on exactly four keywords tied to the gift intention.

Reason for the gift: %s
Product: %s
Features: %s`, p.EmotionalState, product.Name, strings.Join(product.Features, ", ")), nil
	default:
		return "", fmt.Errorf("unknown condition %q", c)
	}
}

func translationPrompt(name string) string {
	return fmt.Sprintf("Translate this product name to English for image generation: %q\n\nReturn only the English product name.", name)
}

func imagePrompt(englishName string) string {
	return fmt.Sprintf("Professional product photography of %s. High-quality commercial product shot with clean white background, studio lighting, centered composition, no text or labels visible.", englishName)
}

func sharePrompt(p models.Persona, product models.Product, preferred models.Condition) string {
	return fmt.Sprintf(`Write a short, friendly message (one or two sentences) sharing this gift recommendation.

Recipient: %s
Product: %s
Explanation style the sender preferred: %s

Respond as JSON: {"message": "share message"}`, p.Name, product.Name, preferred.Label())
}
