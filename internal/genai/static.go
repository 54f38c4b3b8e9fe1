package genai

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/GiftExplain/internal/models"
)

// StaticGenerator returns deterministic content without calling any API. It is
// used when no API key is configured and for local pilots.
type StaticGenerator struct{}

// Generate builds a placeholder product and one explanation per condition from the persona.
func (StaticGenerator) Generate(_ context.Context, p models.Persona) (models.GeneratedContent, error) {
	product := models.Product{
		Name:        "Handmade ceramic mug set",
		Price:       35000,
		Features:    []string{"Two hand-glazed mugs", "Dishwasher safe", "Gift-ready packaging"},
		Description: "A pair of hand-glazed mugs for everyday coffee or tea.",
	}
	reason := strings.TrimSpace(p.EmotionalState)
	if reason == "" {
		reason = "a thoughtful occasion"
	}
	var ex models.Explanations
	ex.Set(models.ConditionFeatureFocused, fmt.Sprintf(
		"The <strong>%s</strong> comes with %s. Each piece is <strong>dishwasher safe</strong> and arrives in <strong>gift-ready packaging</strong>.",
		product.Name, strings.ToLower(product.Features[0])))
	ex.Set(models.ConditionProfileBased, fmt.Sprintf(
		"Many <strong>%s</strong> recipients in their <strong>%ds</strong> choose everyday items like this. It suits %s's age group well.",
		p.Gender, (p.Age/10)*10, p.Name))
	ex.Set(models.ConditionContextBased, fmt.Sprintf(
		"For <strong>%s</strong>, a small daily ritual says a lot. Every cup is a <strong>reminder</strong> of you. It turns a moment into <strong>care</strong> and <strong>connection</strong>.",
		reason))
	return models.GeneratedContent{Product: product, Explanations: ex}, nil
}

// ShareMessage returns a fixed message naming the recipient and product.
func (StaticGenerator) ShareMessage(_ context.Context, p models.Persona, product models.Product, _ models.Condition) (string, error) {
	return fmt.Sprintf("%s, I found %s for you. Take a look!", p.Name, product.Name), nil
}
