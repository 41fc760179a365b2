package authorization

import (
	"fmt"

	"github.com/google/uuid"
)

// Reconcile aligns item decisions with the final overall decision so the two
// levels never contradict each other once policy has run.
//
// A rejected order rejects every item. An approved order promotes only the
// items still marked requires_review to approved for the requested quantity,
// keeping an explicit partial amount (0 < approved < requested) when one was
// set; rejected, partial and already-approved items keep their decisions,
// quantities and reasoning. Partial and requires_review orders keep their
// item decisions untouched.
//
// The pass is a pure function of the item names, current item decisions and
// the overall reasoning, so running it twice yields the same result.
func Reconcile(in OrderInput, result *AnalysisResult) {
	switch result.Decision {
	case DecisionRejected:
		for i := range result.Items {
			item := &result.Items[i]
			item.Decision = DecisionRejected
			item.ApprovedQuantity = 0
			item.MedicalInconsistency = true
			item.Reasoning = fmt.Sprintf("%s: Rechazado. %s", itemName(in, item.ItemID), result.Reasoning)
		}

	case DecisionApproved:
		for i := range result.Items {
			item := &result.Items[i]
			if item.Decision != DecisionRequiresReview {
				continue
			}
			requested := requestedQuantity(in, item.ItemID)
			item.Decision = DecisionApproved
			if item.ApprovedQuantity <= 0 || item.ApprovedQuantity >= requested {
				item.ApprovedQuantity = requested
			}
			item.Reasoning = fmt.Sprintf("%s: Aprobado. %s", itemName(in, item.ItemID), result.Reasoning)
		}
	}
}

func itemName(in OrderInput, id uuid.UUID) string {
	if item, ok := in.itemByID(id); ok {
		return item.Name
	}
	return id.String()
}

func requestedQuantity(in OrderInput, id uuid.UUID) int {
	if item, ok := in.itemByID(id); ok {
		return item.RequestedQuantity
	}
	return 0
}
