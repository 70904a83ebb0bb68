package scheduling

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Calendar is a bookable agenda owned by a single user. Durations are in
// minutes.
type Calendar struct {
	ID              uuid.UUID `db:"id" json:"id"`
	OwnerID         uuid.UUID `db:"owner_id" json:"owner_id"`
	Name            string    `db:"name" json:"name"`
	Description     *string   `db:"description" json:"description,omitempty"`
	MeetingDuration *int      `db:"meeting_duration" json:"meeting_duration"`
	SlotInterval    *int      `db:"slot_interval" json:"slot_interval"`
	MaxPerDay       *int      `db:"max_per_day" json:"max_per_day,omitempty"`
	MaxPerSlot      *int      `db:"max_per_slot" json:"max_per_slot,omitempty"`
	BufferBefore    *int      `db:"buffer_before" json:"buffer_before,omitempty"`
	BufferAfter     *int      `db:"buffer_after" json:"buffer_after,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Validate checks the scheduling parameters. Unset duration or interval is
// allowed; materialization then produces no slots.
func (c *Calendar) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required: %w", ErrInvalidInput)
	}
	if c.MeetingDuration != nil && *c.MeetingDuration <= 0 {
		return fmt.Errorf("meeting_duration must be positive, got %d: %w", *c.MeetingDuration, ErrInvalidConfiguration)
	}
	if c.SlotInterval != nil && *c.SlotInterval <= 0 {
		return fmt.Errorf("slot_interval must be positive, got %d: %w", *c.SlotInterval, ErrInvalidConfiguration)
	}
	for name, v := range map[string]*int{
		"max_per_day": c.MaxPerDay, "max_per_slot": c.MaxPerSlot,
		"buffer_before": c.BufferBefore, "buffer_after": c.BufferAfter,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must not be negative: %w", name, ErrInvalidConfiguration)
		}
	}
	return nil
}

// Weekday is a three-letter lowercase day code.
type Weekday string

const (
	Monday    Weekday = "mon"
	Tuesday   Weekday = "tue"
	Wednesday Weekday = "wed"
	Thursday  Weekday = "thu"
	Friday    Weekday = "fri"
	Saturday  Weekday = "sat"
	Sunday    Weekday = "sun"
)

var weekdayCodes = [...]Weekday{
	time.Sunday: Sunday, time.Monday: Monday, time.Tuesday: Tuesday,
	time.Wednesday: Wednesday, time.Thursday: Thursday, time.Friday: Friday,
	time.Saturday: Saturday,
}

// WeekdayOf returns the code for the calendar date of t in t's location.
func WeekdayOf(t time.Time) Weekday {
	return weekdayCodes[t.Weekday()]
}

func (w Weekday) Valid() bool {
	for _, code := range weekdayCodes {
		if w == code {
			return true
		}
	}
	return false
}

// TimeOfDay is a wall-clock offset from midnight.
type TimeOfDay time.Duration

const fullDay = TimeOfDay(24 * time.Hour)

// ParseTimeOfDay accepts HH:MM and HH:MM:SS. 24:00 is allowed and denotes
// the end of the day, so a block can run up to midnight.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, ErrInvalidInput)
	}
	limits := []int{24, 59, 59}
	var fields [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || len(p) != 2 || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("invalid time of day %q: %w", s, ErrInvalidInput)
		}
		fields[i] = n
	}
	if fields[0] == 24 && fields[1]+fields[2] != 0 {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, ErrInvalidInput)
	}
	d := time.Duration(fields[0])*time.Hour + time.Duration(fields[1])*time.Minute + time.Duration(fields[2])*time.Second
	return TimeOfDay(d), nil
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// On anchors t to the calendar date of d, in d's location.
func (t TimeOfDay) On(d time.Time) time.Time {
	y, mo, dd := d.Date()
	dur := time.Duration(t)
	return time.Date(y, mo, dd,
		int(dur/time.Hour), int((dur%time.Hour)/time.Minute), int((dur%time.Minute)/time.Second),
		0, d.Location())
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time of day must be a string: %w", err)
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// AvailabilityBlock is a weekly recurrence rule: every DayOfWeek between
// StartTime and EndTime.
type AvailabilityBlock struct {
	ID         uuid.UUID `db:"id" json:"id"`
	CalendarID uuid.UUID `db:"calendar_id" json:"calendar_id"`
	DayOfWeek  Weekday   `db:"day_of_week" json:"day_of_week"`
	StartTime  TimeOfDay `db:"start_time" json:"start_time"`
	EndTime    TimeOfDay `db:"end_time" json:"end_time"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

func (b *AvailabilityBlock) Validate() error {
	if !b.DayOfWeek.Valid() {
		return fmt.Errorf("invalid day_of_week %q: %w", b.DayOfWeek, ErrInvalidConfiguration)
	}
	if b.StartTime < 0 || b.EndTime > fullDay {
		return fmt.Errorf("block times must fall within one day: %w", ErrInvalidConfiguration)
	}
	if b.StartTime >= b.EndTime {
		return fmt.Errorf("start_time %s must be before end_time %s: %w", b.StartTime, b.EndTime, ErrInvalidConfiguration)
	}
	return nil
}

// AvailabilitySlot is a concrete, dated occurrence of a block.
type AvailabilitySlot struct {
	ID         uuid.UUID `db:"id" json:"id"`
	CalendarID uuid.UUID `db:"calendar_id" json:"calendar_id"`
	StartTime  time.Time `db:"start_time" json:"start_time"`
	EndTime    time.Time `db:"end_time" json:"end_time"`
	IsBooked   bool      `db:"is_booked" json:"is_booked"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

func (s *AvailabilitySlot) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

const (
	StatusBooked    = "booked"
	StatusCancelled = "cancelled"
)

// Appointment records a user's claim on a slot.
type Appointment struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	CalendarID  uuid.UUID  `db:"calendar_id" json:"calendar_id"`
	UserID      uuid.UUID  `db:"user_id" json:"user_id"`
	SlotID      *uuid.UUID `db:"slot_id" json:"slot_id,omitempty"`
	StartTime   time.Time  `db:"start_time" json:"start_time"`
	EndTime     time.Time  `db:"end_time" json:"end_time"`
	Description *string    `db:"description" json:"description,omitempty"`
	Status      string     `db:"status" json:"status"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// FreeSlotQuery selects unbooked slots between the start of StartDate and
// the end of EndDate lasting at least MinDuration minutes.
type FreeSlotQuery struct {
	CalendarID  uuid.UUID
	StartDate   time.Time
	EndDate     time.Time
	MinDuration int
}

// BookingRequest identifies the slot either by SlotID or by its exact
// start and end.
type BookingRequest struct {
	CalendarID  uuid.UUID  `json:"calendar_id"`
	UserID      uuid.UUID  `json:"user_id"`
	SlotID      *uuid.UUID `json:"slot_id,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Description *string    `json:"description,omitempty"`
}

type AppointmentFilter struct {
	CalendarID *uuid.UUID
	UserID     *uuid.UUID
}

// MaterializeResult summarizes one regeneration run.
type MaterializeResult struct {
	CalendarID   uuid.UUID `json:"calendar_id"`
	HorizonStart time.Time `json:"horizon_start"`
	HorizonEnd   time.Time `json:"horizon_end"`
	Deleted      int       `json:"deleted"`
	Preserved    int       `json:"preserved"`
	Inserted     int       `json:"inserted"`
}
