package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"medorders_backend/internal/orders/domain"
	"medorders_backend/platform/apperr"
)

const (
	orderNotFoundMessage    = "medical order not found"
	analysisNotFoundMessage = "analysis not found"
	versionConflictMessage  = "order was modified concurrently"
)

const orderColumns = `
	id, patient_id, provider_id, status, urgency, diagnosis, justification,
	treatment_plan, estimated_cost, current_analysis_id, version,
	authorization_status, authorization_type, authorized_by,
	authorization_notes, authorized_at, created_at, updated_at`

// Repo implements the orders repository on PostgreSQL.
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new orders repository.
func New(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// Compile-time check that Repo implements Repository.
var _ Repository = (*Repo)(nil)

// CreateOrder inserts the order and its items in one transaction and
// records the creation history event.
func (r *Repo) CreateOrder(ctx context.Context, params CreateOrderParams) (MedicalOrder, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return MedicalOrder{}, fmt.Errorf("begin create order: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	estimatedCost := 0.0
	for _, item := range params.Items {
		estimatedCost += item.UnitCost * float64(item.RequestedQuantity)
	}

	query := `
		INSERT INTO medical_orders (
			patient_id, provider_id, status, urgency, diagnosis,
			justification, treatment_plan, estimated_cost, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		RETURNING ` + orderColumns

	order, err := scanOrder(tx.QueryRow(ctx, query,
		params.PatientID, params.ProviderID, domain.StatusPending, params.Urgency,
		params.Diagnosis, params.Justification, params.TreatmentPlan, estimatedCost,
	))
	if err != nil {
		return MedicalOrder{}, fmt.Errorf("create order: %w", err)
	}

	for _, item := range params.Items {
		row, err := insertItem(ctx, tx, order.ID, item)
		if err != nil {
			return MedicalOrder{}, err
		}
		order.Items = append(order.Items, row)
	}

	if err := insertHistory(ctx, tx, HistoryEvent{
		OrderID: order.ID,
		Action:  domain.HistoryOrderCreated,
		Note:    "order created",
	}); err != nil {
		return MedicalOrder{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return MedicalOrder{}, fmt.Errorf("commit create order: %w", err)
	}
	return order, nil
}

// GetOrder loads an order with its items.
func (r *Repo) GetOrder(ctx context.Context, id uuid.UUID) (MedicalOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM medical_orders WHERE id = $1`

	order, err := scanOrder(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MedicalOrder{}, apperr.NotFound(orderNotFoundMessage)
		}
		return MedicalOrder{}, fmt.Errorf("get order: %w", err)
	}

	order.Items, err = r.listItems(ctx, id)
	if err != nil {
		return MedicalOrder{}, err
	}
	return order, nil
}

// ListOrders lists orders with filters and pagination.
func (r *Repo) ListOrders(ctx context.Context, params ListOrdersParams) ([]MedicalOrder, int, error) {
	whereClauses := []string{"TRUE"}
	args := []any{}
	arg := 0

	if params.PatientID != nil {
		arg++
		whereClauses = append(whereClauses, fmt.Sprintf("patient_id = $%d", arg))
		args = append(args, *params.PatientID)
	}
	if params.ProviderID != nil {
		arg++
		whereClauses = append(whereClauses, fmt.Sprintf("provider_id = $%d", arg))
		args = append(args, *params.ProviderID)
	}
	if params.Status != nil {
		arg++
		whereClauses = append(whereClauses, fmt.Sprintf("status = $%d", arg))
		args = append(args, *params.Status)
	}
	where := strings.Join(whereClauses, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM medical_orders WHERE ` + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	limit := params.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM medical_orders WHERE %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, orderColumns, where, arg+1, arg+2)
	args = append(args, limit, params.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []MedicalOrder
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list orders rows: %w", err)
	}
	return orders, total, nil
}

// CommitAnalysis applies the lifecycle outcome of a completed analysis under
// the optimistic version check.
func (r *Repo) CommitAnalysis(ctx context.Context, params CommitAnalysisParams) (MedicalOrder, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return MedicalOrder{}, fmt.Errorf("begin commit analysis: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE medical_orders
		SET status = $3,
			current_analysis_id = $4,
			authorization_status = $5,
			authorization_type = $6,
			authorized_at = CASE WHEN $5::text IS NULL THEN authorized_at ELSE now() END,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING ` + orderColumns

	order, err := scanOrder(tx.QueryRow(ctx, query,
		params.OrderID, params.ExpectedVersion, params.Status, params.AnalysisID,
		params.AuthorizationStatus, params.AuthorizationType,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MedicalOrder{}, r.versionOrNotFound(ctx, params.OrderID)
		}
		return MedicalOrder{}, fmt.Errorf("commit analysis: %w", err)
	}

	if err := updateItemQuantities(ctx, tx, params.OrderID, params.ItemQuantities); err != nil {
		return MedicalOrder{}, err
	}

	params.History.OrderID = params.OrderID
	if err := insertHistory(ctx, tx, params.History); err != nil {
		return MedicalOrder{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return MedicalOrder{}, fmt.Errorf("commit analysis tx: %w", err)
	}

	order.Items, err = r.listItems(ctx, params.OrderID)
	if err != nil {
		return MedicalOrder{}, err
	}
	return order, nil
}

// CommitManualAuthorization records an auditor's decision under the version
// check.
func (r *Repo) CommitManualAuthorization(ctx context.Context, params CommitManualAuthorizationParams) (MedicalOrder, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return MedicalOrder{}, fmt.Errorf("begin manual authorization: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE medical_orders
		SET status = $3,
			authorization_status = $4,
			authorization_type = $5,
			authorized_by = $6,
			authorization_notes = $7,
			authorized_at = now(),
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING ` + orderColumns

	order, err := scanOrder(tx.QueryRow(ctx, query,
		params.OrderID, params.ExpectedVersion, params.Status,
		params.AuthorizationStatus, params.AuthorizationType,
		params.AuthorizedBy, params.Notes,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MedicalOrder{}, r.versionOrNotFound(ctx, params.OrderID)
		}
		return MedicalOrder{}, fmt.Errorf("manual authorization: %w", err)
	}

	if err := updateItemQuantities(ctx, tx, params.OrderID, params.ItemQuantities); err != nil {
		return MedicalOrder{}, err
	}

	params.History.OrderID = params.OrderID
	if err := insertHistory(ctx, tx, params.History); err != nil {
		return MedicalOrder{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return MedicalOrder{}, fmt.Errorf("manual authorization tx: %w", err)
	}

	order.Items, err = r.listItems(ctx, params.OrderID)
	if err != nil {
		return MedicalOrder{}, err
	}
	return order, nil
}

// CommitCorrection reopens the order, applies item corrections and clears
// authorization fields in one transaction.
func (r *Repo) CommitCorrection(ctx context.Context, params CommitCorrectionParams) (MedicalOrder, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return MedicalOrder{}, fmt.Errorf("begin correction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE medical_orders
		SET status = $3,
			diagnosis = COALESCE($4, diagnosis),
			justification = COALESCE($5, justification),
			treatment_plan = COALESCE($6, treatment_plan),
			urgency = COALESCE($7, urgency),
			current_analysis_id = CASE WHEN $8 THEN NULL ELSE current_analysis_id END,
			authorization_status = NULL,
			authorization_type = NULL,
			authorized_by = NULL,
			authorization_notes = NULL,
			authorized_at = NULL,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING ` + orderColumns

	if _, err := scanOrder(tx.QueryRow(ctx, query,
		params.OrderID, params.ExpectedVersion, domain.StatusPending,
		params.Diagnosis, params.Justification, params.TreatmentPlan,
		params.Urgency, params.ClearAnalysis,
	)); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MedicalOrder{}, r.versionOrNotFound(ctx, params.OrderID)
		}
		return MedicalOrder{}, fmt.Errorf("correct order: %w", err)
	}

	for _, correction := range params.Corrections {
		if err := applyItemCorrection(ctx, tx, params.OrderID, correction); err != nil {
			return MedicalOrder{}, err
		}
	}

	for _, suggestion := range params.Suggestions {
		if err := insertSuggestion(ctx, tx, params.OrderID, suggestion); err != nil {
			return MedicalOrder{}, err
		}
	}

	if err := recomputeEstimatedCost(ctx, tx, params.OrderID); err != nil {
		return MedicalOrder{}, err
	}

	params.History.OrderID = params.OrderID
	if err := insertHistory(ctx, tx, params.History); err != nil {
		return MedicalOrder{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return MedicalOrder{}, fmt.Errorf("correction tx: %w", err)
	}

	return r.GetOrder(ctx, params.OrderID)
}

// ListHistory returns the append-only audit trail, oldest first.
func (r *Repo) ListHistory(ctx context.Context, orderID uuid.UUID) ([]HistoryEvent, error) {
	query := `
		SELECT id, order_id, action, actor_id, note, details, created_at
		FROM medical_order_history
		WHERE order_id = $1
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var events []HistoryEvent
	for rows.Next() {
		var event HistoryEvent
		var details []byte
		if err := rows.Scan(&event.ID, &event.OrderID, &event.Action,
			&event.ActorID, &event.Note, &details, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &event.Details); err != nil {
				return nil, fmt.Errorf("decode history details: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ListCorrectionSuggestions returns stored correction pointers, oldest first.
func (r *Repo) ListCorrectionSuggestions(ctx context.Context, orderID uuid.UUID) ([]CorrectionSuggestion, error) {
	query := `
		SELECT id, order_id, item_id, kind, note, created_at
		FROM order_correction_suggestions
		WHERE order_id = $1
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list correction suggestions: %w", err)
	}
	defer rows.Close()

	var suggestions []CorrectionSuggestion
	for rows.Next() {
		var s CorrectionSuggestion
		if err := rows.Scan(&s.ID, &s.OrderID, &s.ItemID, &s.Kind, &s.Note, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan correction suggestion: %w", err)
		}
		suggestions = append(suggestions, s)
	}
	return suggestions, rows.Err()
}

// versionOrNotFound disambiguates a zero-row optimistic update: the order
// either does not exist or moved to another version.
func (r *Repo) versionOrNotFound(ctx context.Context, orderID uuid.UUID) error {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM medical_orders WHERE id = $1)`, orderID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check order existence: %w", err)
	}
	if !exists {
		return apperr.NotFound(orderNotFoundMessage)
	}
	return apperr.Conflict(versionConflictMessage)
}

func (r *Repo) listItems(ctx context.Context, orderID uuid.UUID) ([]MedicalOrderItem, error) {
	query := `
		SELECT id, order_id, name, category, item_type, justification,
			requested_quantity, approved_quantity, unit_cost, created_at, updated_at
		FROM medical_order_items
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()

	var items []MedicalOrderItem
	for rows.Next() {
		var item MedicalOrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.Name, &item.Category,
			&item.ItemType, &item.Justification, &item.RequestedQuantity,
			&item.ApprovedQuantity, &item.UnitCost, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func insertItem(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, params CreateItemParams) (MedicalOrderItem, error) {
	query := `
		INSERT INTO medical_order_items (
			order_id, name, category, item_type, justification,
			requested_quantity, unit_cost
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, order_id, name, category, item_type, justification,
			requested_quantity, approved_quantity, unit_cost, created_at, updated_at`

	var item MedicalOrderItem
	if err := tx.QueryRow(ctx, query, orderID, params.Name, params.Category,
		params.ItemType, params.Justification, params.RequestedQuantity, params.UnitCost,
	).Scan(&item.ID, &item.OrderID, &item.Name, &item.Category, &item.ItemType,
		&item.Justification, &item.RequestedQuantity, &item.ApprovedQuantity,
		&item.UnitCost, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return MedicalOrderItem{}, fmt.Errorf("insert order item: %w", err)
	}
	return item, nil
}

func updateItemQuantities(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, quantities map[uuid.UUID]int) error {
	for itemID, approved := range quantities {
		tag, err := tx.Exec(ctx, `
			UPDATE medical_order_items
			SET approved_quantity = $3, updated_at = now()
			WHERE id = $1 AND order_id = $2`,
			itemID, orderID, approved)
		if err != nil {
			return fmt.Errorf("update item quantity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("order item not found")
		}
	}
	return nil
}

func applyItemCorrection(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, correction ItemCorrection) error {
	switch correction.Action {
	case "remove":
		tag, err := tx.Exec(ctx,
			`DELETE FROM medical_order_items WHERE id = $1 AND order_id = $2`,
			correction.ItemID, orderID)
		if err != nil {
			return fmt.Errorf("remove order item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("order item not found")
		}
		return nil

	case "modify":
		if correction.Replacement == nil {
			return apperr.Validation("modify correction requires item data")
		}
		tag, err := tx.Exec(ctx, `
			UPDATE medical_order_items
			SET name = $3, category = $4, item_type = $5, justification = $6,
				requested_quantity = $7, unit_cost = $8,
				approved_quantity = NULL, updated_at = now()
			WHERE id = $1 AND order_id = $2`,
			correction.ItemID, orderID,
			correction.Replacement.Name, correction.Replacement.Category,
			correction.Replacement.ItemType, correction.Replacement.Justification,
			correction.Replacement.RequestedQuantity, correction.Replacement.UnitCost)
		if err != nil {
			return fmt.Errorf("modify order item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("order item not found")
		}
		return nil

	case "replace":
		if correction.Replacement == nil {
			return apperr.Validation("replace correction requires item data")
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM medical_order_items WHERE id = $1 AND order_id = $2`,
			correction.ItemID, orderID)
		if err != nil {
			return fmt.Errorf("replace order item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("order item not found")
		}
		if _, err := insertItem(ctx, tx, orderID, *correction.Replacement); err != nil {
			return err
		}
		return nil
	}
	return apperr.Validation(fmt.Sprintf("unknown correction action %q", correction.Action))
}

func insertSuggestion(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, s CorrectionSuggestion) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_correction_suggestions (order_id, item_id, kind, note)
		VALUES ($1, $2, $3, $4)`,
		orderID, s.ItemID, s.Kind, s.Note)
	if err != nil {
		return fmt.Errorf("insert correction suggestion: %w", err)
	}
	return nil
}

func recomputeEstimatedCost(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE medical_orders
		SET estimated_cost = COALESCE((
			SELECT SUM(unit_cost * requested_quantity)
			FROM medical_order_items WHERE order_id = $1
		), 0)
		WHERE id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("recompute estimated cost: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, event HistoryEvent) error {
	var details []byte
	if event.Details != nil {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("encode history details: %w", err)
		}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO medical_order_history (order_id, action, actor_id, note, details)
		VALUES ($1, $2, $3, $4, $5)`,
		event.OrderID, event.Action, event.ActorID, event.Note, details)
	if err != nil {
		return fmt.Errorf("insert history event: %w", err)
	}
	return nil
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (MedicalOrder, error) {
	var order MedicalOrder
	err := row.Scan(
		&order.ID, &order.PatientID, &order.ProviderID, &order.Status,
		&order.Urgency, &order.Diagnosis, &order.Justification,
		&order.TreatmentPlan, &order.EstimatedCost, &order.CurrentAnalysisID,
		&order.Version, &order.AuthorizationStatus, &order.AuthorizationType,
		&order.AuthorizedBy, &order.AuthorizationNotes, &order.AuthorizedAt,
		&order.CreatedAt, &order.UpdatedAt,
	)
	return order, err
}
