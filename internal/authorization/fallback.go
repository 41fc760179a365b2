package authorization

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// fallbackModelVersion identifies the rule set that produced a result.
	// Bump when the heuristics change in a way that affects decisions.
	fallbackModelVersion = "fallback-rules-v1"

	fallbackBaseConfidence     = 0.6
	fallbackMismatchConfidence = 0.8
	fallbackCleanConfidence    = 0.85

	// maxMedicationQuantity caps any single medication line without an
	// auditor's sign-off.
	maxMedicationQuantity = 30
)

// itemMatchKind classifies the outcome of the keyword heuristics for an item.
type itemMatchKind int

const (
	matchNone itemMatchKind = iota
	matchPositive
	matchMismatch
)

// mismatchRule describes one drug/condition pairing that is rejected outright.
type mismatchRule struct {
	drugCategory      string
	conditionCategory string
	description       string
	suggestedCategory string
}

var mismatchRules = []mismatchRule{
	{
		drugCategory:      drugCardiovascular,
		conditionCategory: conditionOrthopedic,
		description:       "medicamento cardiovascular para una condición ortopédica",
		suggestedCategory: "analgésico o antiinflamatorio",
	},
	{
		drugCategory:      drugAntibiotic,
		conditionCategory: conditionNonInfectious,
		description:       "antibiótico para una condición explícitamente no infecciosa",
		suggestedCategory: "tratamiento sintomático",
	},
	{
		drugCategory:      drugPsychiatric,
		conditionCategory: conditionOrthopedic,
		description:       "medicamento psiquiátrico para una condición puramente física",
		suggestedCategory: "analgésico o tratamiento ortopédico",
	},
}

// FallbackAnalyzer is the deterministic, classifier-independent decision
// engine. Given identical input it always produces identical decisions and
// confidence.
type FallbackAnalyzer struct {
	tables KeywordTables
}

// NewFallbackAnalyzer creates an analyzer over the given keyword tables.
func NewFallbackAnalyzer(tables KeywordTables) *FallbackAnalyzer {
	return &FallbackAnalyzer{tables: tables}
}

// Analyze produces a complete AnalysisResult for the order using only the
// keyword heuristics. Used when the classifier is unreachable or its output
// is unusable.
func (f *FallbackAnalyzer) Analyze(in OrderInput) *AnalysisResult {
	result := &AnalysisResult{
		ID:           uuid.New(),
		OrderID:      in.ID,
		AnalysisType: AnalysisFallback,
		ModelVersion: fallbackModelVersion,
		CreatedAt:    time.Now().UTC(),
	}

	clinicalText := strings.ToLower(in.Justification + " " + in.Diagnosis)

	mismatches := 0
	positives := 0
	for _, item := range in.Items {
		analysis, kind := f.analyzeItem(item, clinicalText)
		result.Items = append(result.Items, analysis)

		switch kind {
		case matchMismatch:
			mismatches++
			result.RiskFactors = append(result.RiskFactors, RiskFactor{
				Type:                 RiskTypeMedicalInconsistency,
				Level:                RiskHigh,
				Description:          analysis.Reasoning,
				ItemIDs:              []uuid.UUID{item.ID},
				ClinicalSignificance: SignificanceContraindicated,
			})
			result.Recommendations = append(result.Recommendations, Recommendation{
				Type:            "substitution",
				Priority:        "high",
				Title:           "Revisar medicamento incompatible",
				Description:     analysis.Reasoning,
				SuggestedAction: "Sustituir por un medicamento acorde al diagnóstico",
				ItemIDs:         []uuid.UUID{item.ID},
			})
		case matchPositive:
			if analysis.Decision == DecisionApproved {
				positives++
			}
		}
	}

	result.Decision = deriveOverallDecision(result.Items)
	result.Confidence = f.overallConfidence(len(in.Items), positives, mismatches)
	result.Reasoning = f.overallReasoning(result.Decision, mismatches)

	return result
}

// AnalyzeItem exposes the per-item heuristics for synthesizing entries the
// classifier omitted. The returned decision defaults to requires_review
// unless the item is a positive antibiotic/infection match, which is the
// clinically expected pairing and synthesized as approved. An entry forced
// to requires_review carries no approved quantity and no reasoning claiming
// a partial approval.
func (f *FallbackAnalyzer) AnalyzeItem(item ItemInput, order OrderInput) ItemAnalysis {
	clinicalText := strings.ToLower(order.Justification + " " + order.Diagnosis)
	analysis, kind := f.analyzeItem(item, clinicalText)
	if kind == matchPositive {
		return analysis
	}
	if analysis.Decision == DecisionPartial {
		analysis.Reasoning = fmt.Sprintf(
			"%s: cantidad solicitada (%d) excede el máximo de %d unidades; requiere revisión manual",
			item.Name, item.RequestedQuantity, maxMedicationQuantity,
		)
	}
	analysis.Decision = DecisionRequiresReview
	analysis.ApprovedQuantity = 0
	return analysis
}

func (f *FallbackAnalyzer) analyzeItem(item ItemInput, clinicalText string) (ItemAnalysis, itemMatchKind) {
	analysis := ItemAnalysis{
		ItemID:                 item.ID,
		Decision:               DecisionRequiresReview,
		ApprovedQuantity:       0,
		MedicalScore:           0.5,
		DosageScore:            0.5,
		CostEffectivenessScore: 0.5,
	}

	text := clinicalText
	if item.Justification != "" {
		text += " " + strings.ToLower(item.Justification)
	}
	name := strings.ToLower(item.Name)

	drugCategory := f.matchCategory(f.tables.DrugCategories, name)
	conditions := f.matchedConditions(text)

	kind := matchNone
	rule := f.mismatch(drugCategory, conditions)
	switch {
	case rule != nil:
		analysis.Decision = DecisionRejected
		analysis.ApprovedQuantity = 0
		analysis.Reasoning = fmt.Sprintf(
			"%s: incompatibilidad detectada (%s); alternativa sugerida: %s",
			item.Name, rule.description, rule.suggestedCategory,
		)
		analysis.MedicalScore = 0.2
		analysis.MedicalInconsistency = true
		kind = matchMismatch

	case drugCategory == drugAntibiotic && conditions[conditionInfectious]:
		analysis.Decision = DecisionApproved
		analysis.ApprovedQuantity = item.RequestedQuantity
		analysis.Reasoning = fmt.Sprintf(
			"%s: antibiótico adecuado para el cuadro infeccioso descrito (%s)",
			item.Name, firstMatch(f.tables.ConditionCategories[conditionInfectious], text),
		)
		analysis.MedicalScore = 0.9
		analysis.DosageScore = 0.8
		analysis.CostEffectivenessScore = 0.8
		kind = matchPositive

	default:
		analysis.Reasoning = fmt.Sprintf(
			"%s: sin coincidencia con las reglas clínicas; requiere revisión manual",
			item.Name,
		)
	}

	// Quantity cap applies regardless of keyword outcome, but a rejection is
	// already stricter than a partial approval.
	if item.ItemType == ItemMedication &&
		item.RequestedQuantity > maxMedicationQuantity &&
		analysis.Decision != DecisionRejected {
		analysis.Decision = DecisionPartial
		analysis.ApprovedQuantity = maxMedicationQuantity
		analysis.DosageConcern = true
		analysis.Reasoning = fmt.Sprintf(
			"%s: cantidad solicitada (%d) excede el máximo de %d unidades; aprobación parcial",
			item.Name, item.RequestedQuantity, maxMedicationQuantity,
		)
	}

	return analysis, kind
}

// mismatch returns the first violated pairing rule, or nil.
func (f *FallbackAnalyzer) mismatch(drugCategory string, conditions map[string]bool) *mismatchRule {
	if drugCategory == "" {
		return nil
	}
	for i := range mismatchRules {
		rule := &mismatchRules[i]
		if rule.drugCategory == drugCategory && conditions[rule.conditionCategory] {
			return rule
		}
	}
	return nil
}

// matchCategory returns the first category whose keyword appears in text.
func (f *FallbackAnalyzer) matchCategory(categories map[string][]string, text string) string {
	for _, category := range []string{drugCardiovascular, drugAntibiotic, drugPsychiatric} {
		if containsAny(text, categories[category]) {
			return category
		}
	}
	return ""
}

// matchedConditions returns every condition category present in the text.
func (f *FallbackAnalyzer) matchedConditions(text string) map[string]bool {
	matched := make(map[string]bool, len(f.tables.ConditionCategories))
	for category, keywords := range f.tables.ConditionCategories {
		if containsAny(text, keywords) {
			matched[category] = true
		}
	}
	return matched
}

func (f *FallbackAnalyzer) overallConfidence(total, positives, mismatches int) float64 {
	switch {
	case mismatches > 0:
		return fallbackMismatchConfidence
	case total > 0 && positives == total:
		return fallbackCleanConfidence
	default:
		return fallbackBaseConfidence
	}
}

func (f *FallbackAnalyzer) overallReasoning(decision Decision, mismatches int) string {
	switch decision {
	case DecisionRejected:
		return fmt.Sprintf(
			"Análisis de reglas clínicas: %d incompatibilidad(es) medicamento-diagnóstico detectada(s)",
			mismatches,
		)
	case DecisionApproved:
		return "Análisis de reglas clínicas: todos los ítems coinciden con el diagnóstico"
	case DecisionPartial:
		return "Análisis de reglas clínicas: aprobación parcial por límites de cantidad"
	default:
		return "Análisis de reglas clínicas: sin coincidencias concluyentes; requiere revisión manual"
	}
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if keyword != "" && strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func firstMatch(keywords []string, text string) string {
	for _, keyword := range keywords {
		if keyword != "" && strings.Contains(text, keyword) {
			return keyword
		}
	}
	return ""
}
