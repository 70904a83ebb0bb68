package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalis/vitalis/internal/platform/events"
	"github.com/vitalis/vitalis/internal/platform/metrics"
)

// Book claims a slot for a user and records the appointment in one
// transaction. The slot is named by id or by its exact start and end.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	appt, err := s.book(ctx, req)
	metrics.ObserveBooking(bookingResult(err))
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Str("appointment_id", appt.ID.String()).
		Str("slot_id", appt.SlotID.String()).
		Msg("appointment booked")
	s.publish(ctx, events.TypeAppointmentBooked, appt)
	return appt, nil
}

func bookingResult(err error) string {
	if err == nil {
		return "booked"
	}
	return resultLabel(err)
}

func (s *Service) book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if req.SlotID == nil && (req.StartTime == nil || req.EndTime == nil) {
		return nil, fmt.Errorf("slot_id or start_time and end_time are required: %w", ErrInvalidInput)
	}
	if _, err := s.calendars.GetByID(ctx, req.CalendarID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("calendar not found: %w", ErrNotFound)
		}
		return nil, err
	}
	ok, err := s.users.Exists(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("check user: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("user not found: %w", ErrNotFound)
	}

	var appt *Appointment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		slot, err := s.resolveSlot(ctx, req)
		if err != nil {
			return err
		}
		claimed, err := s.slots.Claim(ctx, slot.ID)
		if err != nil {
			return fmt.Errorf("claim slot: %w", err)
		}
		if !claimed {
			return fmt.Errorf("slot already booked: %w", ErrConflict)
		}
		slotID := slot.ID
		appt = &Appointment{
			CalendarID:  req.CalendarID,
			UserID:      req.UserID,
			SlotID:      &slotID,
			StartTime:   slot.StartTime,
			EndTime:     slot.EndTime,
			Description: req.Description,
			Status:      StatusBooked,
		}
		return s.appointments.Create(ctx, appt)
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

func (s *Service) resolveSlot(ctx context.Context, req BookingRequest) (*AvailabilitySlot, error) {
	if req.SlotID != nil {
		slot, err := s.slots.GetByID(ctx, *req.SlotID)
		if errors.Is(err, ErrNotFound) || (err == nil && slot.CalendarID != req.CalendarID) {
			return nil, fmt.Errorf("slot not found: %w", ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		if (req.StartTime != nil && !req.StartTime.Equal(slot.StartTime)) ||
			(req.EndTime != nil && !req.EndTime.Equal(slot.EndTime)) {
			return nil, fmt.Errorf("start_time and end_time do not match slot: %w", ErrInvalidInput)
		}
		return slot, nil
	}
	if !req.StartTime.Before(*req.EndTime) {
		return nil, fmt.Errorf("start_time must be before end_time: %w", ErrInvalidInput)
	}
	slot, err := s.slots.FindByRange(ctx, req.CalendarID, *req.StartTime, *req.EndTime)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("slot not found: %w", ErrNotFound)
	}
	return slot, err
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) ListAppointments(ctx context.Context, filter AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	return s.appointments.List(ctx, filter, limit, offset)
}

// CancelAppointment cancels a live appointment and frees its slot.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var appt *Appointment
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		cancelled, err := s.appointments.Cancel(ctx, id)
		if err != nil {
			return fmt.Errorf("cancel appointment: %w", err)
		}
		if !cancelled {
			return fmt.Errorf("appointment already cancelled: %w", ErrConflict)
		}
		if a.SlotID != nil {
			if err := s.slots.Release(ctx, *a.SlotID); err != nil {
				return fmt.Errorf("release slot: %w", err)
			}
		}
		a.Status = StatusCancelled
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("appointment_id", id.String()).Msg("appointment cancelled")
	s.publish(ctx, events.TypeAppointmentCancelled, appt)
	return appt, nil
}
