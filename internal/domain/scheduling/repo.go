package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type CalendarRepository interface {
	Create(ctx context.Context, c *Calendar) error
	GetByID(ctx context.Context, id uuid.UUID) (*Calendar, error)
	Update(ctx context.Context, c *Calendar) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, ownerID *uuid.UUID, limit, offset int) ([]*Calendar, int, error)
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
	// Lock serializes regeneration of one calendar until the surrounding
	// transaction ends.
	Lock(ctx context.Context, id uuid.UUID) error
}

type BlockRepository interface {
	Create(ctx context.Context, b *AvailabilityBlock) error
	ListByCalendar(ctx context.Context, calendarID uuid.UUID) ([]*AvailabilityBlock, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type SlotRepository interface {
	Create(ctx context.Context, s *AvailabilitySlot) error
	GetByID(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error)
	ListByCalendar(ctx context.Context, calendarID uuid.UUID) ([]*AvailabilitySlot, error)
	// FindByRange returns the slot with exactly this start and end,
	// preferring an unbooked one.
	FindByRange(ctx context.Context, calendarID uuid.UUID, start, end time.Time) (*AvailabilitySlot, error)
	// DeleteReplaceable removes unbooked slots starting at or after from.
	DeleteReplaceable(ctx context.Context, calendarID uuid.UUID, from time.Time) (int, error)
	// ListFrom returns slots starting at or after from.
	ListFrom(ctx context.Context, calendarID uuid.UUID, from time.Time) ([]*AvailabilitySlot, error)
	BulkInsert(ctx context.Context, slots []*AvailabilitySlot) (int, error)
	// FindFree returns unbooked slots with start >= from, end < before and
	// a duration of at least minDuration, in insertion order.
	FindFree(ctx context.Context, calendarID uuid.UUID, from, before time.Time, minDuration time.Duration) ([]*AvailabilitySlot, error)
	// ListAvailable returns unbooked slots within [from, to] ordered by start.
	ListAvailable(ctx context.Context, calendarID uuid.UUID, from, to time.Time) ([]*AvailabilitySlot, error)
	// Claim flips is_booked from false to true; false means it was taken.
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	Release(ctx context.Context, id uuid.UUID) error
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	List(ctx context.Context, filter AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
	// Cancel marks a live appointment cancelled; false means it already was.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
}

// UserDirectory answers existence checks against the identity domain.
type UserDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}
