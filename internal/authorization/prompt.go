package authorization

import (
	"fmt"
	"strings"
)

// BuildPrompt renders the order snapshot into the instruction the classifier
// receives. The expected output contract is spelled out explicitly because
// the response validator parses against exactly this shape.
func BuildPrompt(in OrderInput) string {
	var b strings.Builder

	b.WriteString("Eres un auditor médico experto. Analiza la siguiente orden médica ")
	b.WriteString("y decide si debe ser aprobada, rechazada, aprobada parcialmente o ")
	b.WriteString("derivada a revisión manual.\n\n")

	fmt.Fprintf(&b, "ORDEN MÉDICA\n")
	fmt.Fprintf(&b, "Urgencia: %d (1=programada, 5=emergencia)\n", in.Urgency)
	fmt.Fprintf(&b, "Diagnóstico: %s\n", orDash(in.Diagnosis))
	fmt.Fprintf(&b, "Justificación: %s\n", orDash(in.Justification))
	fmt.Fprintf(&b, "Plan de tratamiento: %s\n", orDash(in.TreatmentPlan))
	fmt.Fprintf(&b, "Costo estimado: %.2f\n\n", in.EstimatedCost)

	b.WriteString("ÍTEMS SOLICITADOS\n")
	for _, item := range in.Items {
		fmt.Fprintf(&b, "- id=%s nombre=%q tipo=%s categoría=%q cantidad=%d costo_unitario=%.2f",
			item.ID, item.Name, item.ItemType, item.Category, item.RequestedQuantity, item.UnitCost)
		if item.Justification != "" {
			fmt.Fprintf(&b, " justificación=%q", item.Justification)
		}
		b.WriteByte('\n')
	}

	b.WriteString(`
Responde ÚNICAMENTE con un objeto JSON con esta estructura exacta:
{
  "decision": "approved" | "rejected" | "partial" | "requires_review",
  "confidence": <número entre 0 y 1>,
  "reasoning": "<explicación en español>",
  "items": [
    {
      "itemId": "<id del ítem>",
      "decision": "approved" | "rejected" | "partial" | "requires_review",
      "approvedQuantity": <entero>,
      "reasoning": "<explicación en español>",
      "medicalScore": <0..1>,
      "dosageScore": <0..1>,
      "costEffectivenessScore": <0..1>,
      "drugInteraction": <bool>,
      "dosageConcern": <bool>,
      "medicalInconsistency": <bool>,
      "costConcern": <bool>
    }
  ],
  "riskFactors": [
    {
      "type": "<código>",
      "level": "low" | "medium" | "high" | "critical",
      "description": "<texto>",
      "itemIds": ["<id>"],
      "clinicalSignificance": "minor" | "moderate" | "major" | "contraindicated"
    }
  ],
  "recommendations": [
    {
      "type": "<código>",
      "priority": "low" | "medium" | "high",
      "title": "<texto>",
      "description": "<texto>",
      "suggestedAction": "<texto>",
      "itemIds": ["<id>"]
    }
  ]
}

Incluye una entrada en "items" por cada ítem solicitado, usando su id exacto.
No agregues texto fuera del objeto JSON.`)

	return b.String()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
