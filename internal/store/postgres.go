package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/zentra/beacon/internal/models"
	"github.com/zentra/beacon/pkg/database"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

const eventColumns = `id, code, name, description, category, is_active, is_logged,
	log_retention_days, created_at, updated_at`

func scanEvent(row pgx.Row, extra ...any) (*models.EventDefinition, error) {
	e := &models.EventDefinition{}
	dest := []any{
		&e.ID, &e.Code, &e.Name, &e.Description, &e.Category, &e.IsActive, &e.IsLogged,
		&e.LogRetentionDays, &e.CreatedAt, &e.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return e, nil
}

// ---------- Events ----------

func (p *Postgres) GetEventByCode(ctx context.Context, code string) (*models.EventDefinition, error) {
	e, err := scanEvent(p.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE code = $1`, code))
	if err != nil {
		return nil, mapError(err)
	}
	return e, nil
}

func (p *Postgres) GetEvent(ctx context.Context, id uuid.UUID) (*models.EventDefinition, error) {
	e, err := scanEvent(p.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return e, nil
}

func (p *Postgres) ListEvents(ctx context.Context) ([]*models.EventDefinition, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+eventColumns+`,
			(SELECT COUNT(*) FROM event_notification_rules r WHERE r.event_id = events.id),
			(SELECT COUNT(*) FROM event_log l WHERE l.event_id = events.id)
		FROM events
		ORDER BY category, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*models.EventDefinition{}
	for rows.Next() {
		var ruleCount, logCount int64
		e, err := scanEvent(rows, &ruleCount, &logCount)
		if err != nil {
			return nil, err
		}
		e.RuleCount, e.LogCount = ruleCount, logCount
		events = append(events, e)
	}
	return events, rows.Err()
}

func (p *Postgres) CreateEvent(ctx context.Context, e *models.EventDefinition) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := p.db.QueryRow(ctx, `
		INSERT INTO events (id, code, name, description, category, is_active, is_logged, log_retention_days)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		e.ID, e.Code, e.Name, e.Description, e.Category, e.IsActive, e.IsLogged, e.LogRetentionDays,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	return mapError(err)
}

func (p *Postgres) UpdateEvent(ctx context.Context, e *models.EventDefinition) error {
	err := p.db.QueryRow(ctx, `
		UPDATE events SET
			code = $2, name = $3, description = $4, category = $5,
			is_active = $6, is_logged = $7, log_retention_days = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		e.ID, e.Code, e.Name, e.Description, e.Category, e.IsActive, e.IsLogged, e.LogRetentionDays,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	return mapError(err)
}

func (p *Postgres) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------- Occurrence log ----------

func (p *Postgres) AppendOccurrence(ctx context.Context, o *models.EventOccurrence) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.TriggeredAt.IsZero() {
		o.TriggeredAt = time.Now()
	}
	payload, err := json.Marshal(o.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO event_log (id, event_id, user_id, data_json, ip_address, user_agent, triggered_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)`,
		o.ID, o.EventID, o.UserID, string(payload), o.IPAddress, o.UserAgent, o.TriggeredAt,
	)
	return err
}

func scanOccurrence(row pgx.Row, extra ...any) (*models.EventOccurrence, error) {
	o := &models.EventOccurrence{}
	var payload []byte
	dest := []any{&o.ID, &o.EventID, &o.UserID, &payload, &o.IPAddress, &o.UserAgent, &o.TriggeredAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if len(payload) > 0 && string(payload) != "null" {
		_ = json.Unmarshal(payload, &o.Payload)
	}
	return o, nil
}

func (p *Postgres) ListOccurrences(ctx context.Context, f models.OccurrenceFilter) ([]*models.EventOccurrence, int64, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var where []string
	var args []any
	if f.EventID != nil {
		args = append(args, *f.EventID)
		where = append(where, "l.event_id = $"+strconv.Itoa(len(args)))
	}
	if f.UserID != nil {
		args = append(args, *f.UserID)
		where = append(where, "l.user_id = $"+strconv.Itoa(len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM event_log l `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	pageArgs := append(args, f.Limit, f.Offset)
	rows, err := p.db.Query(ctx, fmt.Sprintf(`
		SELECT l.id, l.event_id, l.user_id, l.data_json, l.ip_address, l.user_agent, l.triggered_at, e.code
		FROM event_log l
		JOIN events e ON e.id = l.event_id
		%s
		ORDER BY l.triggered_at DESC
		LIMIT $%d OFFSET $%d`, clause, len(args)+1, len(args)+2),
		pageArgs...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs := []*models.EventOccurrence{}
	for rows.Next() {
		var code string
		o, err := scanOccurrence(rows, &code)
		if err != nil {
			log.Error().Err(err).Msg("Failed to scan event log row")
			continue
		}
		o.EventCode = code
		logs = append(logs, o)
	}
	return logs, total, rows.Err()
}

func (p *Postgres) ExpiredOccurrences(ctx context.Context, now time.Time, limit int) ([]*models.EventOccurrence, error) {
	rows, err := p.db.Query(ctx, `
		SELECT l.id, l.event_id, l.user_id, l.data_json, l.ip_address, l.user_agent, l.triggered_at, e.code
		FROM event_log l
		JOIN events e ON e.id = l.event_id
		WHERE e.is_logged = TRUE
		  AND e.log_retention_days > 0
		  AND l.triggered_at < $1 - make_interval(days => e.log_retention_days)
		ORDER BY l.triggered_at
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []*models.EventOccurrence
	for rows.Next() {
		var code string
		o, err := scanOccurrence(rows, &code)
		if err != nil {
			return nil, err
		}
		o.EventCode = code
		expired = append(expired, o)
	}
	return expired, rows.Err()
}

func (p *Postgres) DeleteOccurrences(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := p.db.Exec(ctx, `DELETE FROM event_log WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ---------- Rules ----------

const ruleColumns = `id, event_id, name, condition_json, target_mode, repeat_policy,
	notification_title, notification_content, notification_type_id, display_mode,
	priority, is_active, created_at, updated_at`

func scanRule(row pgx.Row) (*models.NotificationRule, error) {
	r := &models.NotificationRule{}
	var cond []byte
	err := row.Scan(
		&r.ID, &r.EventID, &r.Name, &cond, &r.TargetMode, &r.RepeatPolicy,
		&r.Title, &r.Content, &r.TypeID, &r.DisplayMode,
		&r.Priority, &r.IsActive, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(cond) > 0 {
		r.Condition = json.RawMessage(cond)
	}
	return r, nil
}

func (p *Postgres) queryRules(ctx context.Context, sql string, args ...any) ([]*models.NotificationRule, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []*models.NotificationRule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (p *Postgres) ActiveRulesForEvent(ctx context.Context, eventID uuid.UUID) ([]*models.NotificationRule, error) {
	return p.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM event_notification_rules
		WHERE event_id = $1 AND is_active = TRUE
		ORDER BY priority DESC, created_at`, eventID)
}

func (p *Postgres) ListRulesForEvent(ctx context.Context, eventID uuid.UUID) ([]*models.NotificationRule, error) {
	rules, err := p.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM event_notification_rules
		WHERE event_id = $1
		ORDER BY priority DESC, created_at`, eventID)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if err := p.loadTargets(ctx, r); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

func (p *Postgres) GetRule(ctx context.Context, id uuid.UUID) (*models.NotificationRule, error) {
	r, err := scanRule(p.db.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM event_notification_rules WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	if err := p.loadTargets(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *Postgres) loadTargets(ctx context.Context, r *models.NotificationRule) error {
	var err error
	if r.TargetUserIDs, err = p.RuleTargetUsers(ctx, r.ID); err != nil {
		return err
	}
	r.TargetGroupIDs, err = p.RuleTargetGroups(ctx, r.ID)
	return err
}

func (p *Postgres) CreateRule(ctx context.Context, r *models.NotificationRule) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return database.WithTransaction(ctx, p.db, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO event_notification_rules
				(id, event_id, name, condition_json, target_mode, repeat_policy,
				 notification_title, notification_content, notification_type_id,
				 display_mode, priority, is_active)
			VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING created_at, updated_at`,
			r.ID, r.EventID, r.Name, nullableJSON(r.Condition), r.TargetMode, r.RepeatPolicy,
			r.Title, r.Content, r.TypeID, r.DisplayMode, r.Priority, r.IsActive,
		).Scan(&r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return mapError(err)
		}
		return replaceTargets(ctx, tx, r)
	})
}

func (p *Postgres) UpdateRule(ctx context.Context, r *models.NotificationRule) error {
	return database.WithTransaction(ctx, p.db, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE event_notification_rules SET
				name = $2, condition_json = $3::jsonb, repeat_policy = $4,
				notification_title = $5, notification_content = $6, notification_type_id = $7,
				display_mode = $8, priority = $9, is_active = $10, updated_at = NOW()
			WHERE id = $1
			RETURNING event_id, target_mode, created_at, updated_at`,
			r.ID, r.Name, nullableJSON(r.Condition), r.RepeatPolicy,
			r.Title, r.Content, r.TypeID, r.DisplayMode, r.Priority, r.IsActive,
		).Scan(&r.EventID, &r.TargetMode, &r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return mapError(err)
		}
		return replaceTargets(ctx, tx, r)
	})
}

// replaceTargets swaps the rule's explicit targets for r.TargetUserIDs and
// r.TargetGroupIDs in one batch of parameterised statements.
func replaceTargets(ctx context.Context, tx pgx.Tx, r *models.NotificationRule) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM event_rule_target_users WHERE rule_id = $1`, r.ID)
	batch.Queue(`DELETE FROM event_rule_target_groups WHERE rule_id = $1`, r.ID)
	for _, userID := range r.TargetUserIDs {
		batch.Queue(`INSERT INTO event_rule_target_users (rule_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, r.ID, userID)
	}
	for _, groupID := range r.TargetGroupIDs {
		batch.Queue(`INSERT INTO event_rule_target_groups (rule_id, group_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, r.ID, groupID)
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to write rule targets: %w", err)
		}
	}
	return results.Close()
}

func (p *Postgres) DeleteRule(ctx context.Context, id uuid.UUID) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM event_notification_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RuleTargetUsers(ctx context.Context, ruleID uuid.UUID) ([]uuid.UUID, error) {
	return p.queryIDs(ctx, `SELECT user_id FROM event_rule_target_users WHERE rule_id = $1`, ruleID)
}

func (p *Postgres) RuleTargetGroups(ctx context.Context, ruleID uuid.UUID) ([]uuid.UUID, error) {
	return p.queryIDs(ctx, `SELECT group_id FROM event_rule_target_groups WHERE rule_id = $1`, ruleID)
}

func (p *Postgres) queryIDs(ctx context.Context, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// ---------- Helpers ----------

func nullableJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

// mapError turns driver errors into package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}
