package authorization

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// defaultConfidence replaces any missing or out-of-range confidence score.
	defaultConfidence = 0.5
)

// rawAnalysis mirrors the JSON document the classifier is asked to emit.
// Every field is lenient: json.RawMessage and interface types absorb type
// drift so one malformed field never discards the whole response.
type rawAnalysis struct {
	Decision        string              `json:"decision"`
	Confidence      json.RawMessage     `json:"confidence"`
	Reasoning       string              `json:"reasoning"`
	Items           []rawItemAnalysis   `json:"items"`
	RiskFactors     []rawRiskFactor     `json:"riskFactors"`
	Recommendations []rawRecommendation `json:"recommendations"`
}

type rawItemAnalysis struct {
	ItemID                 string          `json:"itemId"`
	Decision               string          `json:"decision"`
	ApprovedQuantity       json.RawMessage `json:"approvedQuantity"`
	Reasoning              string          `json:"reasoning"`
	MedicalScore           json.RawMessage `json:"medicalScore"`
	DosageScore            json.RawMessage `json:"dosageScore"`
	CostEffectivenessScore json.RawMessage `json:"costEffectivenessScore"`
	DrugInteraction        bool            `json:"drugInteraction"`
	DosageConcern          bool            `json:"dosageConcern"`
	MedicalInconsistency   bool            `json:"medicalInconsistency"`
	CostConcern            bool            `json:"costConcern"`
}

type rawRiskFactor struct {
	Type                 string   `json:"type"`
	Level                string   `json:"level"`
	Description          string   `json:"description"`
	ItemIDs              []string `json:"itemIds"`
	ClinicalSignificance string   `json:"clinicalSignificance"`
}

type rawRecommendation struct {
	Type            string   `json:"type"`
	Priority        string   `json:"priority"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	SuggestedAction string   `json:"suggestedAction"`
	ItemIDs         []string `json:"itemIds"`
}

// ResponseValidator turns raw classifier text into a structurally valid
// AnalysisResult. It never trusts the model: enums are checked, scores
// clamped, unknown items dropped and missing items synthesized with the
// heuristic analyzer so every canonical item has exactly one entry.
type ResponseValidator struct {
	fallback *FallbackAnalyzer
}

// NewResponseValidator creates a validator backed by the given heuristic
// analyzer for synthesizing omitted item entries.
func NewResponseValidator(fallback *FallbackAnalyzer) *ResponseValidator {
	return &ResponseValidator{fallback: fallback}
}

// ValidateResponse parses the classifier completion against the order
// snapshot. When no usable JSON document can be extracted it returns both a
// safe degraded result (requires_review, zero confidence, parsing-error risk
// factor) and a non-nil error; callers that can do better, such as the
// engine falling back to heuristics, should check the error.
func (v *ResponseValidator) ValidateResponse(in OrderInput, raw string, modelVersion string, latency time.Duration) (*AnalysisResult, error) {
	doc, ok := extractJSONObject(raw)
	if !ok {
		return v.degradedResult(in, modelVersion, latency, "no JSON document in completion"),
			fmt.Errorf("classifier response contains no JSON object")
	}

	var parsed rawAnalysis
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return v.degradedResult(in, modelVersion, latency, "malformed JSON document"),
			fmt.Errorf("decode classifier response: %w", err)
	}

	result := &AnalysisResult{
		ID:           uuid.New(),
		OrderID:      in.ID,
		Confidence:   sanitizeScore(parsed.Confidence, defaultConfidence),
		Reasoning:    strings.TrimSpace(parsed.Reasoning),
		AnalysisType: AnalysisAutomatic,
		ModelVersion: modelVersion,
		LatencyMs:    latency.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}
	if result.Reasoning == "" {
		result.Reasoning = "Análisis automático sin justificación textual"
	}

	result.Items = v.sanitizeItems(in, parsed.Items)
	result.RiskFactors = sanitizeRiskFactors(in, parsed.RiskFactors)
	result.Recommendations = sanitizeRecommendations(in, parsed.Recommendations)

	// The declared overall decision is authoritative when valid; anything
	// else, including an absent field, demands a human.
	if declared, ok := ParseDecision(parsed.Decision); ok {
		result.Decision = declared
	} else {
		result.Decision = DecisionRequiresReview
	}

	return result, nil
}

// sanitizeItems matches parsed item entries against the canonical item list.
// Entries for unknown ids are dropped. Items the classifier omitted get a
// heuristic entry so the result always covers the whole order.
func (v *ResponseValidator) sanitizeItems(in OrderInput, parsed []rawItemAnalysis) []ItemAnalysis {
	byID := make(map[uuid.UUID]rawItemAnalysis, len(parsed))
	for _, raw := range parsed {
		id, err := uuid.Parse(strings.TrimSpace(raw.ItemID))
		if err != nil {
			continue
		}
		if _, known := in.itemByID(id); !known {
			continue
		}
		byID[id] = raw
	}

	items := make([]ItemAnalysis, 0, len(in.Items))
	for _, item := range in.Items {
		raw, found := byID[item.ID]
		if !found {
			items = append(items, v.fallback.AnalyzeItem(item, in))
			continue
		}

		analysis := ItemAnalysis{
			ItemID:                 item.ID,
			Reasoning:              strings.TrimSpace(raw.Reasoning),
			MedicalScore:           sanitizeScore(raw.MedicalScore, defaultConfidence),
			DosageScore:            sanitizeScore(raw.DosageScore, defaultConfidence),
			CostEffectivenessScore: sanitizeScore(raw.CostEffectivenessScore, defaultConfidence),
			DrugInteraction:        raw.DrugInteraction,
			DosageConcern:          raw.DosageConcern,
			MedicalInconsistency:   raw.MedicalInconsistency,
			CostConcern:            raw.CostConcern,
		}
		if analysis.Reasoning == "" {
			analysis.Reasoning = fmt.Sprintf("%s: sin justificación del análisis automático", item.Name)
		}

		decision, ok := ParseDecision(raw.Decision)
		if !ok {
			decision = DecisionRequiresReview
		}
		analysis.Decision = decision
		analysis.ApprovedQuantity = approvedQuantityFor(decision, raw.ApprovedQuantity, item.RequestedQuantity)

		items = append(items, analysis)
	}
	return items
}

// approvedQuantityFor derives the effective approved quantity from the
// declared one, bounded by the decision semantics and the requested amount.
// Rejections always carry zero. Any other decision keeps the declared
// quantity clamped to [0, requested]; when the declared value is unusable,
// an approval defaults to the requested amount and everything else to zero.
func approvedQuantityFor(decision Decision, declared json.RawMessage, requested int) int {
	if decision == DecisionRejected {
		return 0
	}

	var f float64
	usable := len(declared) > 0 && string(declared) != "null"
	if usable {
		usable = json.Unmarshal(declared, &f) == nil
	}
	if !usable {
		if decision == DecisionApproved {
			return requested
		}
		return 0
	}
	return clampQuantity(int(f), requested)
}

func sanitizeRiskFactors(in OrderInput, parsed []rawRiskFactor) []RiskFactor {
	var out []RiskFactor
	for _, raw := range parsed {
		if strings.TrimSpace(raw.Type) == "" {
			continue
		}
		out = append(out, RiskFactor{
			Type:                 strings.TrimSpace(raw.Type),
			Level:                sanitizeRiskLevel(raw.Level),
			Description:          strings.TrimSpace(raw.Description),
			ItemIDs:              knownItemIDs(in, raw.ItemIDs),
			ClinicalSignificance: sanitizeSignificance(raw.ClinicalSignificance),
		})
	}
	return out
}

func sanitizeRecommendations(in OrderInput, parsed []rawRecommendation) []Recommendation {
	var out []Recommendation
	for _, raw := range parsed {
		if strings.TrimSpace(raw.Title) == "" && strings.TrimSpace(raw.Description) == "" {
			continue
		}
		out = append(out, Recommendation{
			Type:            strings.TrimSpace(raw.Type),
			Priority:        strings.TrimSpace(raw.Priority),
			Title:           strings.TrimSpace(raw.Title),
			Description:     strings.TrimSpace(raw.Description),
			SuggestedAction: strings.TrimSpace(raw.SuggestedAction),
			ItemIDs:         knownItemIDs(in, raw.ItemIDs),
		})
	}
	return out
}

// knownItemIDs parses the raw ids and keeps only those present on the order.
func knownItemIDs(in OrderInput, raw []string) []uuid.UUID {
	var out []uuid.UUID
	for _, s := range raw {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			continue
		}
		if _, known := in.itemByID(id); known {
			out = append(out, id)
		}
	}
	return out
}

func sanitizeRiskLevel(raw string) RiskLevel {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(raw))) {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return RiskLevel(strings.ToLower(strings.TrimSpace(raw)))
	}
	return RiskMedium
}

func sanitizeSignificance(raw string) ClinicalSignificance {
	switch ClinicalSignificance(strings.ToLower(strings.TrimSpace(raw))) {
	case SignificanceMinor, SignificanceModerate, SignificanceMajor, SignificanceContraindicated:
		return ClinicalSignificance(strings.ToLower(strings.TrimSpace(raw)))
	}
	return SignificanceModerate
}

// sanitizeScore parses a number in [0,1]; a missing, non-numeric or
// out-of-range value becomes the fallback. Out-of-range values are replaced
// rather than clamped because a score like 17 signals the model did not
// follow the contract at all.
func sanitizeScore(raw json.RawMessage, fallback float64) float64 {
	if len(raw) == 0 {
		return fallback
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return fallback
	}
	if f < 0 || f > 1 {
		return fallback
	}
	return f
}

// degradedResult is the safe outcome for an unusable classifier response:
// everything requires review and the parse failure is recorded as a risk
// factor so auditors see why.
func (v *ResponseValidator) degradedResult(in OrderInput, modelVersion string, latency time.Duration, detail string) *AnalysisResult {
	result := &AnalysisResult{
		ID:           uuid.New(),
		OrderID:      in.ID,
		Decision:     DecisionRequiresReview,
		Confidence:   0,
		Reasoning:    "No se pudo interpretar la respuesta del análisis automático; la orden requiere revisión manual",
		AnalysisType: AnalysisAutomatic,
		ModelVersion: modelVersion,
		LatencyMs:    latency.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
		RiskFactors: []RiskFactor{{
			Type:                 RiskTypeParsingError,
			Level:                RiskHigh,
			Description:          "Respuesta del clasificador no interpretable: " + detail,
			ClinicalSignificance: SignificanceMajor,
		}},
	}

	for _, item := range in.Items {
		result.Items = append(result.Items, ItemAnalysis{
			ItemID:                 item.ID,
			Decision:               DecisionRequiresReview,
			ApprovedQuantity:       0,
			Reasoning:              fmt.Sprintf("%s: pendiente de revisión manual por error de interpretación", item.Name),
			MedicalScore:           defaultConfidence,
			DosageScore:            defaultConfidence,
			CostEffectivenessScore: defaultConfidence,
		})
	}
	return result
}

// extractJSONObject finds the first balanced top-level JSON object in text.
// Classifier completions routinely wrap the document in markdown fences or
// prose, so a plain json.Unmarshal of the whole text is not enough.
func extractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
