// Package ai selects among text and image providers with ordered fallback.
//
// Providers are tried in preference order (free-first by default); the first
// success wins. Errors from earlier providers are captured but surfaced only
// when every provider fails.
package ai

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/xjanova/postx-agent/internal/adapter/observability"
	"github.com/xjanova/postx-agent/internal/domain"
)

// Tier classifies a provider for ordering purposes.
type Tier int

// Provider tiers.
const (
	TierFree Tier = iota
	TierPaid
)

// TextEntry pairs a text provider with its tier.
type TextEntry struct {
	Provider domain.TextProvider
	Tier     Tier
}

// ImageEntry pairs an image provider with its tier.
type ImageEntry struct {
	Provider domain.ImageProvider
	Tier     Tier
}

// Selector iterates providers in order and returns the first success.
type Selector struct {
	text      []TextEntry
	image     []ImageEntry
	freeFirst bool
}

// NewSelector builds a selector. The entry order within a tier is preserved;
// tiers are reordered according to freeFirst.
func NewSelector(text []TextEntry, image []ImageEntry, freeFirst bool) *Selector {
	return &Selector{text: text, image: image, freeFirst: freeFirst}
}

func (s *Selector) orderedText() []TextEntry {
	out := make([]TextEntry, 0, len(s.text))
	first, second := TierFree, TierPaid
	if !s.freeFirst {
		first, second = TierPaid, TierFree
	}
	for _, e := range s.text {
		if e.Tier == first {
			out = append(out, e)
		}
	}
	for _, e := range s.text {
		if e.Tier == second {
			out = append(out, e)
		}
	}
	return out
}

func (s *Selector) orderedImage() []ImageEntry {
	out := make([]ImageEntry, 0, len(s.image))
	first, second := TierFree, TierPaid
	if !s.freeFirst {
		first, second = TierPaid, TierFree
	}
	for _, e := range s.image {
		if e.Tier == first {
			out = append(out, e)
		}
	}
	for _, e := range s.image {
		if e.Tier == second {
			out = append(out, e)
		}
	}
	return out
}

// GenerateText tries each text provider in order.
func (s *Selector) GenerateText(ctx domain.Context, prompt string, opts map[string]any) (domain.GeneratedText, error) {
	var errs []error
	for _, e := range s.orderedText() {
		out, err := e.Provider.GenerateText(ctx, prompt, opts)
		if err == nil {
			observability.ProviderRequestsTotal.WithLabelValues(e.Provider.Name(), "ok").Inc()
			return out, nil
		}
		observability.ProviderRequestsTotal.WithLabelValues(e.Provider.Name(), "error").Inc()
		slog.Debug("text provider failed, falling back",
			slog.String("provider", e.Provider.Name()), slog.Any("error", err))
		errs = append(errs, fmt.Errorf("%s: %w", e.Provider.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return domain.GeneratedText{}, fmt.Errorf("op=ai.GenerateText: no providers configured: %w", domain.ErrInternal)
	}
	return domain.GeneratedText{}, fmt.Errorf("op=ai.GenerateText: all providers failed: %w", errors.Join(errs...))
}

// GenerateImage tries each image provider in order.
func (s *Selector) GenerateImage(ctx domain.Context, prompt string, opts map[string]any) (domain.GeneratedImage, error) {
	var errs []error
	for _, e := range s.orderedImage() {
		out, err := e.Provider.GenerateImage(ctx, prompt, opts)
		if err == nil {
			observability.ProviderRequestsTotal.WithLabelValues(e.Provider.Name(), "ok").Inc()
			return out, nil
		}
		observability.ProviderRequestsTotal.WithLabelValues(e.Provider.Name(), "error").Inc()
		slog.Debug("image provider failed, falling back",
			slog.String("provider", e.Provider.Name()), slog.Any("error", err))
		errs = append(errs, fmt.Errorf("%s: %w", e.Provider.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return domain.GeneratedImage{}, fmt.Errorf("op=ai.GenerateImage: no providers configured: %w", domain.ErrInternal)
	}
	return domain.GeneratedImage{}, fmt.Errorf("op=ai.GenerateImage: all providers failed: %w", errors.Join(errs...))
}
