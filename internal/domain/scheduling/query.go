package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FilterFree keeps unbooked slots lasting at least minDuration.
func FilterFree(slots []*AvailabilitySlot, minDuration time.Duration) []TimeRange {
	out := make([]TimeRange, 0, len(slots))
	for _, s := range slots {
		if s.IsBooked || s.Duration() < minDuration {
			continue
		}
		out = append(out, TimeRange{Start: s.StartTime, End: s.EndTime})
	}
	return out
}

// FreeSlots lists free windows between the start of q.StartDate and the end
// of q.EndDate. An unknown calendar has no free slots.
func (s *Service) FreeSlots(ctx context.Context, q FreeSlotQuery) ([]TimeRange, error) {
	if q.MinDuration < 0 {
		return nil, fmt.Errorf("meeting_duration must not be negative: %w", ErrInvalidConfiguration)
	}
	from := HorizonStart(q.StartDate, s.loc)
	before := HorizonStart(q.EndDate, s.loc).AddDate(0, 0, 1)
	if !from.Before(before) {
		return nil, fmt.Errorf("start_date must not be after end_date: %w", ErrInvalidConfiguration)
	}
	minDuration := time.Duration(q.MinDuration) * time.Minute

	slots, err := s.slots.FindFree(ctx, q.CalendarID, from, before, minDuration)
	if err != nil {
		return nil, fmt.Errorf("find free slots: %w", err)
	}
	return FilterFree(slots, minDuration), nil
}

// AvailableSlots lists bookable slots within [from, to] ordered by start.
func (s *Service) AvailableSlots(ctx context.Context, calendarID uuid.UUID, from, to time.Time) ([]*AvailabilitySlot, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("start_date must not be after end_date: %w", ErrInvalidConfiguration)
	}
	if _, err := s.calendars.GetByID(ctx, calendarID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("calendar not found: %w", ErrNotFound)
		}
		return nil, err
	}
	return s.slots.ListAvailable(ctx, calendarID, from, to)
}
