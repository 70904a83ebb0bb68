package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalis/vitalis/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s not found: %w", what, ErrNotFound)
	}
	return err
}

// =========== Calendar Repository ===========

type calendarRepoPG struct{ pool *pgxpool.Pool }

func NewCalendarRepoPG(pool *pgxpool.Pool) CalendarRepository { return &calendarRepoPG{pool: pool} }

func (r *calendarRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const calendarCols = `id, owner_id, name, description, meeting_duration, slot_interval,
	max_per_day, max_per_slot, buffer_before, buffer_after, created_at, updated_at`

func (r *calendarRepoPG) scanCalendar(row pgx.Row) (*Calendar, error) {
	var c Calendar
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Description, &c.MeetingDuration, &c.SlotInterval,
		&c.MaxPerDay, &c.MaxPerSlot, &c.BufferBefore, &c.BufferAfter, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "calendar")
	}
	return &c, nil
}

func (r *calendarRepoPG) Create(ctx context.Context, c *Calendar) error {
	c.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO calendars (id, owner_id, name, description, meeting_duration, slot_interval,
			max_per_day, max_per_slot, buffer_before, buffer_after)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		c.ID, c.OwnerID, c.Name, c.Description, c.MeetingDuration, c.SlotInterval,
		c.MaxPerDay, c.MaxPerSlot, c.BufferBefore, c.BufferAfter).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *calendarRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Calendar, error) {
	return r.scanCalendar(r.conn(ctx).QueryRow(ctx, `SELECT `+calendarCols+` FROM calendars WHERE id = $1`, id))
}

func (r *calendarRepoPG) Update(ctx context.Context, c *Calendar) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE calendars SET name=$2, description=$3, meeting_duration=$4, slot_interval=$5,
			max_per_day=$6, max_per_slot=$7, buffer_before=$8, buffer_after=$9, updated_at=NOW()
		WHERE id = $1
		RETURNING owner_id, created_at, updated_at`,
		c.ID, c.Name, c.Description, c.MeetingDuration, c.SlotInterval,
		c.MaxPerDay, c.MaxPerSlot, c.BufferBefore, c.BufferAfter).Scan(&c.OwnerID, &c.CreatedAt, &c.UpdatedAt)
	return notFound(err, "calendar")
}

func (r *calendarRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM calendars WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("calendar not found: %w", ErrNotFound)
	}
	return nil
}

func (r *calendarRepoPG) List(ctx context.Context, ownerID *uuid.UUID, limit, offset int) ([]*Calendar, int, error) {
	where := ` WHERE ($1::uuid IS NULL OR owner_id = $1)`
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM calendars`+where, ownerID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+calendarCols+` FROM calendars`+where+` ORDER BY created_at DESC LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Calendar
	for rows.Next() {
		c, err := r.scanCalendar(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *calendarRepoPG) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM calendars ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *calendarRepoPG) Lock(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id.String())
	return err
}

// =========== Block Repository ===========

type blockRepoPG struct{ pool *pgxpool.Pool }

func NewBlockRepoPG(pool *pgxpool.Pool) BlockRepository { return &blockRepoPG{pool: pool} }

func (r *blockRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const blockCols = `id, calendar_id, day_of_week, start_time, end_time, created_at`

func toPGTime(t TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: time.Duration(t).Microseconds(), Valid: true}
}

func fromPGTime(t pgtype.Time) TimeOfDay {
	return TimeOfDay(time.Duration(t.Microseconds) * time.Microsecond)
}

func (r *blockRepoPG) scanBlock(row pgx.Row) (*AvailabilityBlock, error) {
	var b AvailabilityBlock
	var start, end pgtype.Time
	if err := row.Scan(&b.ID, &b.CalendarID, &b.DayOfWeek, &start, &end, &b.CreatedAt); err != nil {
		return nil, notFound(err, "availability block")
	}
	b.StartTime = fromPGTime(start)
	b.EndTime = fromPGTime(end)
	return &b, nil
}

func (r *blockRepoPG) Create(ctx context.Context, b *AvailabilityBlock) error {
	b.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO availability_blocks (id, calendar_id, day_of_week, start_time, end_time)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		b.ID, b.CalendarID, string(b.DayOfWeek), toPGTime(b.StartTime), toPGTime(b.EndTime)).Scan(&b.CreatedAt)
}

func (r *blockRepoPG) ListByCalendar(ctx context.Context, calendarID uuid.UUID) ([]*AvailabilityBlock, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+blockCols+` FROM availability_blocks WHERE calendar_id = $1 ORDER BY created_at, id`, calendarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AvailabilityBlock
	for rows.Next() {
		b, err := r.scanBlock(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *blockRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM availability_blocks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("availability block not found: %w", ErrNotFound)
	}
	return nil
}

// =========== Slot Repository ===========

type slotRepoPG struct{ pool *pgxpool.Pool }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotRepository { return &slotRepoPG{pool: pool} }

func (r *slotRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const slotCols = `id, calendar_id, start_time, end_time, is_booked, created_at`

func (r *slotRepoPG) scanSlot(row pgx.Row) (*AvailabilitySlot, error) {
	var s AvailabilitySlot
	if err := row.Scan(&s.ID, &s.CalendarID, &s.StartTime, &s.EndTime, &s.IsBooked, &s.CreatedAt); err != nil {
		return nil, notFound(err, "slot")
	}
	return &s, nil
}

func (r *slotRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*AvailabilitySlot, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AvailabilitySlot
	for rows.Next() {
		s, err := r.scanSlot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *slotRepoPG) Create(ctx context.Context, s *AvailabilitySlot) error {
	s.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO availability_slots (id, calendar_id, start_time, end_time, is_booked)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		s.ID, s.CalendarID, s.StartTime, s.EndTime, s.IsBooked).Scan(&s.CreatedAt)
}

func (r *slotRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	return r.scanSlot(r.conn(ctx).QueryRow(ctx, `SELECT `+slotCols+` FROM availability_slots WHERE id = $1`, id))
}

func (r *slotRepoPG) ListByCalendar(ctx context.Context, calendarID uuid.UUID) ([]*AvailabilitySlot, error) {
	return r.list(ctx, `SELECT `+slotCols+` FROM availability_slots WHERE calendar_id = $1 ORDER BY start_time, seq`, calendarID)
}

func (r *slotRepoPG) FindByRange(ctx context.Context, calendarID uuid.UUID, start, end time.Time) (*AvailabilitySlot, error) {
	return r.scanSlot(r.conn(ctx).QueryRow(ctx, `
		SELECT `+slotCols+` FROM availability_slots
		WHERE calendar_id = $1 AND start_time = $2 AND end_time = $3
		ORDER BY is_booked, seq
		LIMIT 1`, calendarID, start, end))
}

func (r *slotRepoPG) DeleteReplaceable(ctx context.Context, calendarID uuid.UUID, from time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM availability_slots
		WHERE calendar_id = $1 AND is_booked = false AND start_time >= $2`, calendarID, from)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *slotRepoPG) ListFrom(ctx context.Context, calendarID uuid.UUID, from time.Time) ([]*AvailabilitySlot, error) {
	return r.list(ctx, `SELECT `+slotCols+` FROM availability_slots WHERE calendar_id = $1 AND start_time >= $2 ORDER BY start_time`, calendarID, from)
}

func (r *slotRepoPG) BulkInsert(ctx context.Context, slots []*AvailabilitySlot) (int, error) {
	if len(slots) == 0 {
		return 0, nil
	}
	now := time.Now()
	n, err := r.conn(ctx).CopyFrom(ctx,
		pgx.Identifier{"availability_slots"},
		[]string{"id", "calendar_id", "start_time", "end_time", "is_booked", "created_at"},
		pgx.CopyFromSlice(len(slots), func(i int) ([]interface{}, error) {
			s := slots[i]
			if s.ID == uuid.Nil {
				s.ID = uuid.New()
			}
			s.CreatedAt = now
			return []interface{}{s.ID, s.CalendarID, s.StartTime, s.EndTime, s.IsBooked, s.CreatedAt}, nil
		}))
	if err != nil {
		return 0, fmt.Errorf("copy slots: %w", err)
	}
	return int(n), nil
}

func (r *slotRepoPG) FindFree(ctx context.Context, calendarID uuid.UUID, from, before time.Time, minDuration time.Duration) ([]*AvailabilitySlot, error) {
	return r.list(ctx, `
		SELECT `+slotCols+` FROM availability_slots
		WHERE calendar_id = $1 AND is_booked = false
			AND start_time >= $2 AND end_time < $3
			AND end_time - start_time >= $4::float8 * INTERVAL '1 second'
		ORDER BY seq`, calendarID, from, before, minDuration.Seconds())
}

func (r *slotRepoPG) ListAvailable(ctx context.Context, calendarID uuid.UUID, from, to time.Time) ([]*AvailabilitySlot, error) {
	return r.list(ctx, `
		SELECT `+slotCols+` FROM availability_slots
		WHERE calendar_id = $1 AND is_booked = false
			AND start_time >= $2 AND end_time <= $3
		ORDER BY start_time, seq`, calendarID, from, to)
}

func (r *slotRepoPG) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE availability_slots SET is_booked = true WHERE id = $1 AND is_booked = false`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *slotRepoPG) Release(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE availability_slots SET is_booked = false WHERE id = $1`, id)
	return err
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const apptCols = `id, calendar_id, user_id, slot_id, start_time, end_time, description, status, created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.CalendarID, &a.UserID, &a.SlotID, &a.StartTime, &a.EndTime,
		&a.Description, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "appointment")
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, calendar_id, user_id, slot_id, start_time, end_time, description, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		a.ID, a.CalendarID, a.UserID, a.SlotID, a.StartTime, a.EndTime, a.Description, a.Status).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("slot already booked: %w", ErrConflict)
	}
	return err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) List(ctx context.Context, filter AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE ($1::uuid IS NULL OR calendar_id = $1) AND ($2::uuid IS NULL OR user_id = $2)`
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where,
		filter.CalendarID, filter.UserID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments`+where+
		` ORDER BY start_time LIMIT $3 OFFSET $4`, filter.CalendarID, filter.UserID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status <> 'cancelled'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
