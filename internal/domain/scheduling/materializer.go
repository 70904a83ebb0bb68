package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalis/vitalis/internal/platform/events"
	"github.com/vitalis/vitalis/internal/platform/metrics"
)

// GenerateSlots expands weekly blocks into concrete slots for the days
// [horizonStart, horizonStart+days) in loc. Each block yields slots
// [cursor, cursor+duration) stepping by the slot interval while the slot
// still ends within the block. Blocks with start >= end yield nothing.
func GenerateSlots(cal *Calendar, blocks []*AvailabilityBlock, horizonStart time.Time, days int, loc *time.Location) ([]*AvailabilitySlot, error) {
	if cal.MeetingDuration == nil || cal.SlotInterval == nil {
		return nil, nil
	}
	if *cal.MeetingDuration <= 0 || *cal.SlotInterval <= 0 {
		return nil, fmt.Errorf("meeting_duration %d and slot_interval %d must be positive: %w",
			*cal.MeetingDuration, *cal.SlotInterval, ErrInvalidConfiguration)
	}
	duration := time.Duration(*cal.MeetingDuration) * time.Minute
	interval := time.Duration(*cal.SlotInterval) * time.Minute

	byDay := make(map[Weekday][]*AvailabilityBlock)
	for _, b := range blocks {
		byDay[b.DayOfWeek] = append(byDay[b.DayOfWeek], b)
	}

	y, m, d := horizonStart.In(loc).Date()
	var slots []*AvailabilitySlot
	for i := 0; i < days; i++ {
		date := time.Date(y, m, d+i, 0, 0, 0, 0, loc)
		for _, b := range byDay[WeekdayOf(date)] {
			start, end := b.StartTime.On(date), b.EndTime.On(date)
			for cursor := start; !cursor.Add(duration).After(end); cursor = cursor.Add(interval) {
				slots = append(slots, &AvailabilitySlot{
					CalendarID: cal.ID,
					StartTime:  cursor,
					EndTime:    cursor.Add(duration),
				})
			}
		}
	}
	return slots, nil
}

// HorizonStart is midnight of now's date in loc.
func HorizonStart(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

type slotKey struct{ start, end int64 }

func keyOf(s *AvailabilitySlot) slotKey {
	return slotKey{s.StartTime.UnixNano(), s.EndTime.UnixNano()}
}

// Materialize regenerates the calendar's slots for the rolling horizon.
// Unbooked slots from the start of today onward are replaced; booked and
// past slots are kept, and generated slots that duplicate a kept one are
// skipped.
func (s *Service) Materialize(ctx context.Context, calendarID uuid.UUID) (*MaterializeResult, error) {
	var res *MaterializeResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.materialize(ctx, calendarID)
		res = r
		return err
	})
	if err != nil {
		metrics.ObserveMaterialization(resultLabel(err), 0, 0)
		return nil, err
	}
	s.afterMaterialize(ctx, res)
	return res, nil
}

// MaterializeAll regenerates every calendar, stopping at the first failure.
func (s *Service) MaterializeAll(ctx context.Context) ([]*MaterializeResult, error) {
	ids, err := s.calendars.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	results := make([]*MaterializeResult, 0, len(ids))
	for _, id := range ids {
		res, err := s.Materialize(ctx, id)
		if err != nil {
			return results, fmt.Errorf("calendar %s: %w", id, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// materialize must run inside a transaction.
func (s *Service) materialize(ctx context.Context, calendarID uuid.UUID) (*MaterializeResult, error) {
	if err := s.calendars.Lock(ctx, calendarID); err != nil {
		return nil, fmt.Errorf("lock calendar: %w", err)
	}
	cal, err := s.calendars.GetByID(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	if err := cal.Validate(); err != nil {
		return nil, err
	}

	start := HorizonStart(s.now(), s.loc)
	res := &MaterializeResult{
		CalendarID:   cal.ID,
		HorizonStart: start,
		HorizonEnd:   start.AddDate(0, 0, s.horizonDays),
	}

	res.Deleted, err = s.slots.DeleteReplaceable(ctx, cal.ID, start)
	if err != nil {
		return nil, fmt.Errorf("delete replaceable slots: %w", err)
	}
	if cal.MeetingDuration == nil || cal.SlotInterval == nil {
		return res, nil
	}

	blocks, err := s.blocks.ListByCalendar(ctx, cal.ID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	generated, err := GenerateSlots(cal, blocks, start, s.horizonDays, s.loc)
	if err != nil {
		return nil, err
	}

	kept, err := s.slots.ListFrom(ctx, cal.ID, start)
	if err != nil {
		return nil, fmt.Errorf("list kept slots: %w", err)
	}
	res.Preserved = len(kept)
	taken := make(map[slotKey]bool, len(kept))
	for _, k := range kept {
		taken[keyOf(k)] = true
	}
	fresh := generated[:0]
	for _, g := range generated {
		if !taken[keyOf(g)] {
			fresh = append(fresh, g)
		}
	}

	res.Inserted, err = s.slots.BulkInsert(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("insert slots: %w", err)
	}
	return res, nil
}

func (s *Service) afterMaterialize(ctx context.Context, res *MaterializeResult) {
	metrics.ObserveMaterialization("ok", res.Inserted, res.Deleted)
	zerolog.Ctx(ctx).Info().
		Str("calendar_id", res.CalendarID.String()).
		Int("deleted", res.Deleted).
		Int("preserved", res.Preserved).
		Int("inserted", res.Inserted).
		Msg("slots materialized")
	s.publish(ctx, events.TypeSlotsMaterialized, res)
}
