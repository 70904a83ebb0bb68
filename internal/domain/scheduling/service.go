package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalis/vitalis/internal/platform/db"
	"github.com/vitalis/vitalis/internal/platform/events"
)

const DefaultHorizonDays = 30

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

type Options struct {
	Location     *time.Location
	HorizonDays  int
	DefaultOwner uuid.UUID
	Clock        Clock
}

type Service struct {
	calendars    CalendarRepository
	blocks       BlockRepository
	slots        SlotRepository
	appointments AppointmentRepository
	users        UserDirectory
	tx           db.TxRunner
	publisher    events.Publisher

	loc          *time.Location
	horizonDays  int
	defaultOwner uuid.UUID
	now          Clock
}

func NewService(cal CalendarRepository, blk BlockRepository, slot SlotRepository, appt AppointmentRepository,
	users UserDirectory, tx db.TxRunner, pub events.Publisher, opts Options) *Service {
	s := &Service{
		calendars: cal, blocks: blk, slots: slot, appointments: appt,
		users: users, tx: tx, publisher: pub,
		loc: opts.Location, horizonDays: opts.HorizonDays, defaultOwner: opts.DefaultOwner, now: opts.Clock,
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.horizonDays <= 0 {
		s.horizonDays = DefaultHorizonDays
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.publisher == nil {
		s.publisher = events.NoopPublisher{}
	}
	return s
}

// Location is the zone in which wall-clock block times and query dates are
// interpreted.
func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) publish(ctx context.Context, eventType string, payload interface{}) {
	if err := s.publisher.Publish(ctx, events.New(eventType, payload)); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("event", eventType).Msg("publish event failed")
	}
}

// -- Calendar --

const defaultMinutes = 60

func (s *Service) CreateCalendar(ctx context.Context, c *Calendar) (*MaterializeResult, error) {
	if c.MeetingDuration == nil {
		d := defaultMinutes
		c.MeetingDuration = &d
	}
	if c.SlotInterval == nil {
		i := defaultMinutes
		c.SlotInterval = &i
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.OwnerID == uuid.Nil {
		c.OwnerID = s.defaultOwner
	}
	if c.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("owner_id is required: %w", ErrInvalidInput)
	}
	ok, err := s.users.Exists(ctx, c.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("check owner: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("owner user not found: %w", ErrNotFound)
	}

	var res *MaterializeResult
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.calendars.Create(ctx, c); err != nil {
			return fmt.Errorf("insert calendar: %w", err)
		}
		r, err := s.materialize(ctx, c.ID)
		res = r
		return err
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("calendar_id", c.ID.String()).Int("slots", res.Inserted).Msg("calendar created")
	s.afterMaterialize(ctx, res)
	return res, nil
}

func (s *Service) GetCalendar(ctx context.Context, id uuid.UUID) (*Calendar, error) {
	return s.calendars.GetByID(ctx, id)
}

func (s *Service) ListCalendars(ctx context.Context, ownerID *uuid.UUID, limit, offset int) ([]*Calendar, int, error) {
	return s.calendars.List(ctx, ownerID, limit, offset)
}

// UpdateCalendar stores new settings. Existing slots are left alone until
// the next materialization.
func (s *Service) UpdateCalendar(ctx context.Context, c *Calendar) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return s.calendars.Update(ctx, c)
}

func (s *Service) DeleteCalendar(ctx context.Context, id uuid.UUID) error {
	return s.calendars.Delete(ctx, id)
}

// -- Availability blocks --

func (s *Service) AddBlocks(ctx context.Context, calendarID uuid.UUID, blocks []*AvailabilityBlock) ([]*AvailabilityBlock, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("at least one block is required: %w", ErrInvalidInput)
	}
	if _, err := s.calendars.GetByID(ctx, calendarID); err != nil {
		return nil, err
	}
	for i, b := range blocks {
		b.CalendarID = calendarID
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		for _, b := range blocks {
			if err := s.blocks.Create(ctx, b); err != nil {
				return fmt.Errorf("insert block: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

func (s *Service) ListBlocks(ctx context.Context, calendarID uuid.UUID) ([]*AvailabilityBlock, error) {
	if _, err := s.calendars.GetByID(ctx, calendarID); err != nil {
		return nil, err
	}
	return s.blocks.ListByCalendar(ctx, calendarID)
}

func (s *Service) DeleteBlock(ctx context.Context, id uuid.UUID) error {
	return s.blocks.Delete(ctx, id)
}

// -- Slots --

// CreateSlot inserts a slot directly, outside materialization.
func (s *Service) CreateSlot(ctx context.Context, sl *AvailabilitySlot) error {
	if sl.StartTime.IsZero() || sl.EndTime.IsZero() {
		return fmt.Errorf("start_time and end_time are required: %w", ErrInvalidInput)
	}
	if !sl.StartTime.Before(sl.EndTime) {
		return fmt.Errorf("start_time must be before end_time: %w", ErrInvalidInput)
	}
	if _, err := s.calendars.GetByID(ctx, sl.CalendarID); err != nil {
		return err
	}
	return s.slots.Create(ctx, sl)
}

func (s *Service) ListSlots(ctx context.Context, calendarID uuid.UUID) ([]*AvailabilitySlot, error) {
	if _, err := s.calendars.GetByID(ctx, calendarID); err != nil {
		return nil, err
	}
	return s.slots.ListByCalendar(ctx, calendarID)
}
