// Package mediation pre-screens user utterances into oversight categories.
//
// Category C (legal, negotiation, contract terms) must reach a licensed
// professional. Category B (logistics) needs the user's confirmation.
// Everything else is Category A. The keyword scan is a fast, conservative
// pre-filter; an authoritative classifier may only raise the category.
package mediation

import (
	"fmt"
	"strings"

	"journeygate/internal/config"
	"journeygate/internal/domain"
)

const generalReason = "General information request"

// Tables holds ordered keyword lists per locale.
type Tables struct {
	DefaultLocale string
	ConfidenceA   float64
	ConfidenceB   float64
	ConfidenceC   float64
	Locales       map[string]LocaleTable
}

type LocaleTable struct {
	CategoryC         []string
	CategoryB         []string
	EscalationMessage string
}

type Classifier struct {
	tables Tables
}

func New(tables Tables) *Classifier {
	norm := Tables{
		DefaultLocale: tables.DefaultLocale,
		ConfidenceA:   tables.ConfidenceA,
		ConfidenceB:   tables.ConfidenceB,
		ConfidenceC:   tables.ConfidenceC,
		Locales:       make(map[string]LocaleTable, len(tables.Locales)),
	}
	for locale, lt := range tables.Locales {
		norm.Locales[locale] = LocaleTable{
			CategoryC:         lowerAll(lt.CategoryC),
			CategoryB:         lowerAll(lt.CategoryB),
			EscalationMessage: lt.EscalationMessage,
		}
	}
	return &Classifier{tables: norm}
}

func FromConfig(cfg *config.Config) *Classifier {
	t := Tables{
		DefaultLocale: cfg.Service.DefaultLocale,
		ConfidenceA:   cfg.Mediation.Confidence.A,
		ConfidenceB:   cfg.Mediation.Confidence.B,
		ConfidenceC:   cfg.Mediation.Confidence.C,
		Locales:       map[string]LocaleTable{},
	}
	for locale, lt := range cfg.Mediation.Locales {
		t.Locales[locale] = LocaleTable{
			CategoryC:         lt.CategoryC,
			CategoryB:         lt.CategoryB,
			EscalationMessage: lt.EscalationMessage,
		}
	}
	return New(t)
}

// Classify never fails. Category C keywords are checked before B, each list
// in declared order, and the first substring hit decides.
func (c *Classifier) Classify(message, locale string) domain.MediationResult {
	lt := c.table(locale)
	lower := strings.ToLower(message)
	for _, kw := range lt.CategoryC {
		if strings.Contains(lower, kw) {
			return domain.MediationResult{
				Category:           domain.CategoryC,
				Confidence:         c.tables.ConfidenceC,
				Reason:             fmt.Sprintf("Contains regulated keyword: %q", kw),
				RequiresEscalation: true,
				EscalationMessage:  lt.EscalationMessage,
				MatchedKeyword:     kw,
			}
		}
	}
	for _, kw := range lt.CategoryB {
		if strings.Contains(lower, kw) {
			return domain.MediationResult{
				Category:       domain.CategoryB,
				Confidence:     c.tables.ConfidenceB,
				Reason:         fmt.Sprintf("Contains action keyword: %q", kw),
				MatchedKeyword: kw,
			}
		}
	}
	return domain.MediationResult{
		Category:   domain.CategoryA,
		Confidence: c.tables.ConfidenceA,
		Reason:     generalReason,
	}
}

// EscalationMessage returns the locale's professional hand-off text.
func (c *Classifier) EscalationMessage(locale string) string {
	return c.table(locale).EscalationMessage
}

func (c *Classifier) table(locale string) LocaleTable {
	if lt, ok := c.tables.Locales[locale]; ok {
		return lt
	}
	return c.tables.Locales[c.tables.DefaultLocale]
}

// Reconcile merges the keyword pre-screen with an authoritative result. The
// more cautious category wins, so C is never downgraded.
func (c *Classifier) Reconcile(pre domain.MediationResult, authoritative *domain.MediationResult, locale string) domain.MediationResult {
	if authoritative == nil || authoritative.Category.Rank() < 0 {
		return pre
	}
	out := pre
	if authoritative.Category.Rank() > pre.Category.Rank() {
		out = *authoritative
		if out.Category == domain.CategoryC {
			out.RequiresEscalation = true
			if out.EscalationMessage == "" {
				out.EscalationMessage = c.EscalationMessage(locale)
			}
		}
	}
	if authoritative.RequiresEscalation && !out.RequiresEscalation {
		out.RequiresEscalation = true
		out.Reason = out.Reason + "; escalation requested by orchestrator"
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
