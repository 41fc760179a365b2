package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"medorders_backend/internal/authorization"
	"medorders_backend/platform/apperr"
)

// SaveAnalysis persists the analysis result together with its item analyses,
// risk factors and recommendations. All rows commit or none.
func (r *Repo) SaveAnalysis(ctx context.Context, result *authorization.AnalysisResult) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save analysis: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO order_analyses (
			id, order_id, decision, confidence, reasoning, analysis_type,
			model_version, latency_ms, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		result.ID, result.OrderID, result.Decision, result.Confidence,
		result.Reasoning, result.AnalysisType, result.ModelVersion,
		result.LatencyMs, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}

	for _, item := range result.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_item_analyses (
				analysis_id, item_id, decision, approved_quantity, reasoning,
				medical_score, dosage_score, cost_effectiveness_score,
				drug_interaction, dosage_concern, medical_inconsistency, cost_concern
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			result.ID, item.ItemID, item.Decision, item.ApprovedQuantity,
			item.Reasoning, item.MedicalScore, item.DosageScore,
			item.CostEffectivenessScore, item.DrugInteraction,
			item.DosageConcern, item.MedicalInconsistency, item.CostConcern)
		if err != nil {
			return fmt.Errorf("insert item analysis: %w", err)
		}
	}

	for _, rf := range result.RiskFactors {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_analysis_risk_factors (
				analysis_id, type, level, description, item_ids, clinical_significance
			)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			result.ID, rf.Type, rf.Level, rf.Description,
			uuidSlice(rf.ItemIDs), rf.ClinicalSignificance)
		if err != nil {
			return fmt.Errorf("insert risk factor: %w", err)
		}
	}

	for _, rec := range result.Recommendations {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_analysis_recommendations (
				analysis_id, type, priority, title, description,
				suggested_action, item_ids
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			result.ID, rec.Type, rec.Priority, rec.Title, rec.Description,
			rec.SuggestedAction, uuidSlice(rec.ItemIDs))
		if err != nil {
			return fmt.Errorf("insert recommendation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("save analysis tx: %w", err)
	}
	return nil
}

// GetAnalysis loads one analysis tree by id.
func (r *Repo) GetAnalysis(ctx context.Context, id uuid.UUID) (*authorization.AnalysisResult, error) {
	result, err := r.getAnalysisRow(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if err := r.loadAnalysisChildren(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetCurrentAnalysis loads the analysis the order currently points at.
func (r *Repo) GetCurrentAnalysis(ctx context.Context, orderID uuid.UUID) (*authorization.AnalysisResult, error) {
	result, err := r.getAnalysisRow(ctx, `
		WHERE id = (SELECT current_analysis_id FROM medical_orders WHERE id = $1)`,
		orderID)
	if err != nil {
		return nil, err
	}
	if err := r.loadAnalysisChildren(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListAnalyses returns every analysis ever produced for the order, newest
// first, with children loaded.
func (r *Repo) ListAnalyses(ctx context.Context, orderID uuid.UUID) ([]*authorization.AnalysisResult, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, decision, confidence, reasoning, analysis_type,
			model_version, latency_ms, created_at
		FROM order_analyses
		WHERE order_id = $1
		ORDER BY created_at DESC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var results []*authorization.AnalysisResult
	for rows.Next() {
		var result authorization.AnalysisResult
		if err := rows.Scan(&result.ID, &result.OrderID, &result.Decision,
			&result.Confidence, &result.Reasoning, &result.AnalysisType,
			&result.ModelVersion, &result.LatencyMs, &result.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list analyses rows: %w", err)
	}

	for _, result := range results {
		if err := r.loadAnalysisChildren(ctx, result); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// UpdateAnalysisReconciliation rewrites the reconciled fields of a stored
// analysis in place: the overall decision and reasoning plus each item's
// decision, quantity, reasoning and inconsistency flag.
func (r *Repo) UpdateAnalysisReconciliation(ctx context.Context, result *authorization.AnalysisResult) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin refresh analysis: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE order_analyses
		SET decision = $2, reasoning = $3
		WHERE id = $1`,
		result.ID, result.Decision, result.Reasoning)
	if err != nil {
		return fmt.Errorf("refresh analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(analysisNotFoundMessage)
	}

	for _, item := range result.Items {
		_, err = tx.Exec(ctx, `
			UPDATE order_item_analyses
			SET decision = $3, approved_quantity = $4, reasoning = $5,
				medical_inconsistency = $6
			WHERE analysis_id = $1 AND item_id = $2`,
			result.ID, item.ItemID, item.Decision, item.ApprovedQuantity,
			item.Reasoning, item.MedicalInconsistency)
		if err != nil {
			return fmt.Errorf("refresh item analysis: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("refresh analysis tx: %w", err)
	}
	return nil
}

func (r *Repo) getAnalysisRow(ctx context.Context, where string, arg any) (*authorization.AnalysisResult, error) {
	query := `
		SELECT id, order_id, decision, confidence, reasoning, analysis_type,
			model_version, latency_ms, created_at
		FROM order_analyses ` + where

	var result authorization.AnalysisResult
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&result.ID, &result.OrderID, &result.Decision, &result.Confidence,
		&result.Reasoning, &result.AnalysisType, &result.ModelVersion,
		&result.LatencyMs, &result.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound(analysisNotFoundMessage)
		}
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return &result, nil
}

// loadAnalysisChildren fetches the three child collections concurrently.
func (r *Repo) loadAnalysisChildren(ctx context.Context, result *authorization.AnalysisResult) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		items, err := r.listItemAnalyses(gctx, result.ID)
		if err != nil {
			return err
		}
		result.Items = items
		return nil
	})
	g.Go(func() error {
		factors, err := r.listRiskFactors(gctx, result.ID)
		if err != nil {
			return err
		}
		result.RiskFactors = factors
		return nil
	})
	g.Go(func() error {
		recs, err := r.listRecommendations(gctx, result.ID)
		if err != nil {
			return err
		}
		result.Recommendations = recs
		return nil
	})

	return g.Wait()
}

func (r *Repo) listItemAnalyses(ctx context.Context, analysisID uuid.UUID) ([]authorization.ItemAnalysis, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT item_id, decision, approved_quantity, reasoning,
			medical_score, dosage_score, cost_effectiveness_score,
			drug_interaction, dosage_concern, medical_inconsistency, cost_concern
		FROM order_item_analyses
		WHERE analysis_id = $1
		ORDER BY item_id ASC`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list item analyses: %w", err)
	}
	defer rows.Close()

	var items []authorization.ItemAnalysis
	for rows.Next() {
		var item authorization.ItemAnalysis
		if err := rows.Scan(&item.ItemID, &item.Decision, &item.ApprovedQuantity,
			&item.Reasoning, &item.MedicalScore, &item.DosageScore,
			&item.CostEffectivenessScore, &item.DrugInteraction,
			&item.DosageConcern, &item.MedicalInconsistency, &item.CostConcern); err != nil {
			return nil, fmt.Errorf("scan item analysis: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *Repo) listRiskFactors(ctx context.Context, analysisID uuid.UUID) ([]authorization.RiskFactor, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT type, level, description, item_ids, clinical_significance
		FROM order_analysis_risk_factors
		WHERE analysis_id = $1
		ORDER BY id ASC`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list risk factors: %w", err)
	}
	defer rows.Close()

	var factors []authorization.RiskFactor
	for rows.Next() {
		var rf authorization.RiskFactor
		var itemIDs []uuid.UUID
		if err := rows.Scan(&rf.Type, &rf.Level, &rf.Description,
			&itemIDs, &rf.ClinicalSignificance); err != nil {
			return nil, fmt.Errorf("scan risk factor: %w", err)
		}
		rf.ItemIDs = itemIDs
		factors = append(factors, rf)
	}
	return factors, rows.Err()
}

func (r *Repo) listRecommendations(ctx context.Context, analysisID uuid.UUID) ([]authorization.Recommendation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT type, priority, title, description, suggested_action, item_ids
		FROM order_analysis_recommendations
		WHERE analysis_id = $1
		ORDER BY id ASC`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	defer rows.Close()

	var recs []authorization.Recommendation
	for rows.Next() {
		var rec authorization.Recommendation
		var itemIDs []uuid.UUID
		if err := rows.Scan(&rec.Type, &rec.Priority, &rec.Title,
			&rec.Description, &rec.SuggestedAction, &itemIDs); err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		rec.ItemIDs = itemIDs
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// uuidSlice normalizes a nil slice to an empty one so pgx encodes an empty
// uuid[] instead of NULL.
func uuidSlice(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
