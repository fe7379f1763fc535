// Package stub provides deterministic AI providers for dev and tests.
package stub

import (
	"fmt"
	"strings"

	"github.com/xjanova/postx-agent/internal/domain"
)

// TextProvider returns canned copy derived from the prompt.
type TextProvider struct {
	// Fail forces every call to return the configured error.
	Fail error
}

// Name implements domain.TextProvider.
func (p *TextProvider) Name() string { return "stub-text" }

// GenerateText implements domain.TextProvider.
func (p *TextProvider) GenerateText(_ domain.Context, prompt string, opts map[string]any) (domain.GeneratedText, error) {
	if p.Fail != nil {
		return domain.GeneratedText{}, p.Fail
	}
	platform, _ := opts["platform"].(string)
	text := fmt.Sprintf("[%s] %s", platform, strings.TrimSpace(prompt))
	return domain.GeneratedText{
		Text:     text,
		Hashtags: []string{"postx"},
		Provider: p.Name(),
	}, nil
}

// ImageProvider returns a deterministic placeholder image reference.
type ImageProvider struct {
	Fail error
}

// Name implements domain.ImageProvider.
func (p *ImageProvider) Name() string { return "stub-image" }

// GenerateImage implements domain.ImageProvider.
func (p *ImageProvider) GenerateImage(_ domain.Context, prompt string, _ map[string]any) (domain.GeneratedImage, error) {
	if p.Fail != nil {
		return domain.GeneratedImage{}, p.Fail
	}
	return domain.GeneratedImage{
		URL:      "stub://image/" + shortHash(prompt),
		Provider: p.Name(),
		Width:    1024,
		Height:   1024,
	}, nil
}

func shortHash(s string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return fmt.Sprintf("%08x", h)
}
