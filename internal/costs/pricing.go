package costs

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/recallhq/recall-backend/internal/platform/llm"
)

//go:embed pricing.yaml
var pricingYAML []byte

type chatPrice struct {
	InPer1K  float64 `yaml:"in_per_1k"`
	OutPer1K float64 `yaml:"out_per_1k"`
}

type embedPrice struct {
	EmbedPer1K float64 `yaml:"embed_per_1k"`
}

type whisperPrice struct {
	PerMinute float64 `yaml:"per_minute"`
}

type imagePrice struct {
	PerImage float64 `yaml:"per_image"`
}

type pricingTable struct {
	Chat    map[string]chatPrice    `yaml:"chat"`
	Embed   map[string]embedPrice   `yaml:"embed"`
	Whisper map[string]whisperPrice `yaml:"whisper"`
	Image   map[string]imagePrice   `yaml:"image"`
}

// Pricing resolves provider:model pairs to USD costs. Model aliases
// (date-suffixed releases, SDK-namespaced names) collapse onto table keys.
type Pricing struct {
	table pricingTable
}

func LoadPricing() (*Pricing, error) {
	var table pricingTable
	if err := yaml.Unmarshal(pricingYAML, &table); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	return &Pricing{table: table}, nil
}

// dateSuffixRe matches release-date suffixes like -2024-08-06 or -20250101.
var dateSuffixRe = regexp.MustCompile(`-(\d{4}-\d{2}-\d{2}|\d{8})$`)

// normalizeModel collapses aliases: strip SDK namespaces ("openai/gpt-4o",
// "models/gpt-4o") and date suffixes.
func normalizeModel(model string) string {
	m := strings.TrimSpace(strings.ToLower(model))
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	m = dateSuffixRe.ReplaceAllString(m, "")
	return m
}

func (p *Pricing) key(provider, model string) string {
	return strings.TrimSpace(strings.ToLower(provider)) + ":" + normalizeModel(model)
}

// Cost prices one call event. Unknown models cost zero and are reported so
// the table can be extended.
func (p *Pricing) Cost(ev llm.CallEvent) (float64, bool) {
	key := p.key(ev.Provider, ev.Model)
	switch ev.Kind {
	case llm.KindChat:
		price, ok := p.table.Chat[key]
		if !ok {
			return 0, false
		}
		return float64(ev.InTokens)/1000*price.InPer1K + float64(ev.OutTokens)/1000*price.OutPer1K, true
	case llm.KindEmbed:
		price, ok := p.table.Embed[key]
		if !ok {
			return 0, false
		}
		return float64(ev.TotalTokens) / 1000 * price.EmbedPer1K, true
	case llm.KindWhisper:
		price, ok := p.table.Whisper[key]
		if !ok {
			return 0, false
		}
		return ev.AudioSeconds / 60 * price.PerMinute, true
	case llm.KindImage:
		price, ok := p.table.Image[key]
		if !ok {
			return 0, false
		}
		return price.PerImage, true
	default:
		return 0, false
	}
}
