package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vitalis/vitalis/internal/platform/events"
)

// -- Mock Repositories --

type mockCalendarRepo struct {
	cals map[uuid.UUID]*Calendar
}

func newMockCalendarRepo() *mockCalendarRepo {
	return &mockCalendarRepo{cals: make(map[uuid.UUID]*Calendar)}
}

func (m *mockCalendarRepo) Create(_ context.Context, c *Calendar) error {
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	m.cals[c.ID] = c
	return nil
}

func (m *mockCalendarRepo) GetByID(_ context.Context, id uuid.UUID) (*Calendar, error) {
	c, ok := m.cals[id]
	if !ok {
		return nil, fmt.Errorf("calendar not found: %w", ErrNotFound)
	}
	return c, nil
}

func (m *mockCalendarRepo) Update(_ context.Context, c *Calendar) error {
	existing, ok := m.cals[c.ID]
	if !ok {
		return ErrNotFound
	}
	c.OwnerID = existing.OwnerID
	m.cals[c.ID] = c
	return nil
}

func (m *mockCalendarRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.cals[id]; !ok {
		return ErrNotFound
	}
	delete(m.cals, id)
	return nil
}

func (m *mockCalendarRepo) List(_ context.Context, ownerID *uuid.UUID, _, _ int) ([]*Calendar, int, error) {
	var result []*Calendar
	for _, c := range m.cals {
		if ownerID == nil || c.OwnerID == *ownerID {
			result = append(result, c)
		}
	}
	return result, len(result), nil
}

func (m *mockCalendarRepo) ListIDs(_ context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id := range m.cals {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *mockCalendarRepo) Lock(context.Context, uuid.UUID) error { return nil }

type mockBlockRepo struct {
	blocks []*AvailabilityBlock
}

func (m *mockBlockRepo) Create(_ context.Context, b *AvailabilityBlock) error {
	b.ID = uuid.New()
	b.CreatedAt = time.Now()
	m.blocks = append(m.blocks, b)
	return nil
}

func (m *mockBlockRepo) ListByCalendar(_ context.Context, calendarID uuid.UUID) ([]*AvailabilityBlock, error) {
	var result []*AvailabilityBlock
	for _, b := range m.blocks {
		if b.CalendarID == calendarID {
			result = append(result, b)
		}
	}
	return result, nil
}

func (m *mockBlockRepo) Delete(_ context.Context, id uuid.UUID) error {
	for i, b := range m.blocks {
		if b.ID == id {
			m.blocks = append(m.blocks[:i], m.blocks[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// mockSlotRepo keeps slots in insertion order.
type mockSlotRepo struct {
	slots []*AvailabilitySlot
}

func (m *mockSlotRepo) Create(_ context.Context, s *AvailabilitySlot) error {
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	m.slots = append(m.slots, s)
	return nil
}

func (m *mockSlotRepo) GetByID(_ context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	for _, s := range m.slots {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockSlotRepo) ListByCalendar(_ context.Context, calendarID uuid.UUID) ([]*AvailabilitySlot, error) {
	return m.filter(func(s *AvailabilitySlot) bool { return s.CalendarID == calendarID }), nil
}

func (m *mockSlotRepo) FindByRange(_ context.Context, calendarID uuid.UUID, start, end time.Time) (*AvailabilitySlot, error) {
	var found *AvailabilitySlot
	for _, s := range m.slots {
		if s.CalendarID == calendarID && s.StartTime.Equal(start) && s.EndTime.Equal(end) {
			if found == nil || (found.IsBooked && !s.IsBooked) {
				found = s
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (m *mockSlotRepo) DeleteReplaceable(_ context.Context, calendarID uuid.UUID, from time.Time) (int, error) {
	kept := m.slots[:0]
	deleted := 0
	for _, s := range m.slots {
		if s.CalendarID == calendarID && !s.IsBooked && !s.StartTime.Before(from) {
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	m.slots = kept
	return deleted, nil
}

func (m *mockSlotRepo) ListFrom(_ context.Context, calendarID uuid.UUID, from time.Time) ([]*AvailabilitySlot, error) {
	return m.filter(func(s *AvailabilitySlot) bool {
		return s.CalendarID == calendarID && !s.StartTime.Before(from)
	}), nil
}

func (m *mockSlotRepo) BulkInsert(_ context.Context, slots []*AvailabilitySlot) (int, error) {
	for _, s := range slots {
		s.ID = uuid.New()
		m.slots = append(m.slots, s)
	}
	return len(slots), nil
}

func (m *mockSlotRepo) FindFree(_ context.Context, calendarID uuid.UUID, from, before time.Time, minDuration time.Duration) ([]*AvailabilitySlot, error) {
	return m.filter(func(s *AvailabilitySlot) bool {
		return s.CalendarID == calendarID && !s.IsBooked &&
			!s.StartTime.Before(from) && s.EndTime.Before(before) && s.Duration() >= minDuration
	}), nil
}

func (m *mockSlotRepo) ListAvailable(_ context.Context, calendarID uuid.UUID, from, to time.Time) ([]*AvailabilitySlot, error) {
	result := m.filter(func(s *AvailabilitySlot) bool {
		return s.CalendarID == calendarID && !s.IsBooked && !s.StartTime.Before(from) && !s.EndTime.After(to)
	})
	sort.SliceStable(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	return result, nil
}

func (m *mockSlotRepo) Claim(_ context.Context, id uuid.UUID) (bool, error) {
	for _, s := range m.slots {
		if s.ID == id {
			if s.IsBooked {
				return false, nil
			}
			s.IsBooked = true
			return true, nil
		}
	}
	return false, nil
}

func (m *mockSlotRepo) Release(_ context.Context, id uuid.UUID) error {
	for _, s := range m.slots {
		if s.ID == id {
			s.IsBooked = false
		}
	}
	return nil
}

func (m *mockSlotRepo) filter(keep func(*AvailabilitySlot) bool) []*AvailabilitySlot {
	var result []*AvailabilitySlot
	for _, s := range m.slots {
		if keep(s) {
			result = append(result, s)
		}
	}
	return result
}

type mockAppointmentRepo struct {
	appts map[uuid.UUID]*Appointment
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	for _, existing := range m.appts {
		if a.SlotID != nil && existing.SlotID != nil && *existing.SlotID == *a.SlotID && existing.Status != StatusCancelled {
			return ErrConflict
		}
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.appts[a.ID] = a
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointmentRepo) List(_ context.Context, filter AppointmentFilter, _, _ int) ([]*Appointment, int, error) {
	var result []*Appointment
	for _, a := range m.appts {
		if filter.CalendarID != nil && a.CalendarID != *filter.CalendarID {
			continue
		}
		if filter.UserID != nil && a.UserID != *filter.UserID {
			continue
		}
		result = append(result, a)
	}
	return result, len(result), nil
}

func (m *mockAppointmentRepo) Cancel(_ context.Context, id uuid.UUID) (bool, error) {
	a, ok := m.appts[id]
	if !ok || a.Status == StatusCancelled {
		return false, nil
	}
	a.Status = StatusCancelled
	return true, nil
}

type mockUsers map[uuid.UUID]bool

func (m mockUsers) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	return m[id], nil
}

type mockTx struct{ calls int }

func (m *mockTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// -- Fixture --

// 2024-01-01 is a Monday.
var testNow = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *Service
	cals      *mockCalendarRepo
	blocks    *mockBlockRepo
	slots     *mockSlotRepo
	appts     *mockAppointmentRepo
	users     mockUsers
	tx        *mockTx
	publisher *recordingPublisher
	owner     uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{
		cals:      newMockCalendarRepo(),
		blocks:    &mockBlockRepo{},
		slots:     &mockSlotRepo{},
		appts:     newMockAppointmentRepo(),
		users:     mockUsers{},
		tx:        &mockTx{},
		publisher: &recordingPublisher{},
		owner:     uuid.New(),
	}
	f.users[f.owner] = true
	f.svc = NewService(f.cals, f.blocks, f.slots, f.appts, f.users, f.tx, f.publisher, Options{
		Location:    time.UTC,
		HorizonDays: 30,
		Clock:       func() time.Time { return testNow },
	})
	return f
}

func newTestService() *Service {
	return newFixture().svc
}

func intPtr(v int) *int { return &v }

// calendar stores a calendar directly, bypassing validation.
func (f *fixture) calendar(duration, interval *int) *Calendar {
	c := &Calendar{OwnerID: f.owner, Name: "Clinic", MeetingDuration: duration, SlotInterval: interval}
	f.cals.Create(context.Background(), c)
	return c
}

func (f *fixture) block(cal *Calendar, day Weekday, start, end string) {
	s, _ := ParseTimeOfDay(start)
	e, _ := ParseTimeOfDay(end)
	f.blocks.Create(context.Background(), &AvailabilityBlock{CalendarID: cal.ID, DayOfWeek: day, StartTime: s, EndTime: e})
}

func at(day, hour, minute int) time.Time {
	return time.Date(2024, 1, day, hour, minute, 0, 0, time.UTC)
}

// -- Calendar --

func TestCreateCalendar_DefaultsAndMaterializes(t *testing.T) {
	f := newFixture()
	cal := &Calendar{OwnerID: f.owner, Name: "Dr. Smith"}
	res, err := f.svc.CreateCalendar(context.Background(), cal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *cal.MeetingDuration != 60 || *cal.SlotInterval != 60 {
		t.Errorf("expected 60/60 defaults, got %d/%d", *cal.MeetingDuration, *cal.SlotInterval)
	}
	if res.Inserted != 0 {
		t.Errorf("expected no slots without blocks, got %d", res.Inserted)
	}
	if got := f.publisher.types(); len(got) != 1 || got[0] != events.TypeSlotsMaterialized {
		t.Errorf("expected slots.materialized event, got %v", got)
	}
}

func TestCreateCalendar_PlaceholderOwner(t *testing.T) {
	f := newFixture()
	f.svc.defaultOwner = f.owner
	cal := &Calendar{Name: "Front desk"}
	if _, err := f.svc.CreateCalendar(context.Background(), cal); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cal.OwnerID != f.owner {
		t.Errorf("expected placeholder owner %s, got %s", f.owner, cal.OwnerID)
	}
}

func TestCreateCalendar_Errors(t *testing.T) {
	tests := []struct {
		name string
		cal  func(f *fixture) *Calendar
		want error
	}{
		{"unknown owner", func(f *fixture) *Calendar { return &Calendar{OwnerID: uuid.New(), Name: "x"} }, ErrNotFound},
		{"no owner", func(f *fixture) *Calendar { return &Calendar{Name: "x"} }, ErrInvalidInput},
		{"missing name", func(f *fixture) *Calendar { return &Calendar{OwnerID: f.owner} }, ErrInvalidInput},
		{"zero interval", func(f *fixture) *Calendar {
			return &Calendar{OwnerID: f.owner, Name: "x", SlotInterval: intPtr(0)}
		}, ErrInvalidConfiguration},
		{"negative duration", func(f *fixture) *Calendar {
			return &Calendar{OwnerID: f.owner, Name: "x", MeetingDuration: intPtr(-15)}
		}, ErrInvalidConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.CreateCalendar(context.Background(), tt.cal(f))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if len(f.cals.cals) != 0 {
				t.Error("expected no calendar to be stored")
			}
		})
	}
}

func TestUpdateCalendar_DoesNotRegenerate(t *testing.T) {
	f := newFixture()
	cal := f.calendar(intPtr(30), intPtr(30))
	f.block(cal, Monday, "09:00", "10:00")
	if _, err := f.svc.Materialize(context.Background(), cal.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := len(f.slots.slots)

	upd := &Calendar{ID: cal.ID, Name: "Renamed", MeetingDuration: intPtr(15), SlotInterval: intPtr(15)}
	if err := f.svc.UpdateCalendar(context.Background(), upd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.slots.slots) != before {
		t.Errorf("expected %d slots after update, got %d", before, len(f.slots.slots))
	}
	if err := f.svc.UpdateCalendar(context.Background(), &Calendar{ID: cal.ID, Name: "x", SlotInterval: intPtr(0)}); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration, got %v", err)
	}
}

// -- Blocks --

func TestAddBlocks(t *testing.T) {
	f := newFixture()
	cal := f.calendar(intPtr(30), intPtr(30))
	start, _ := ParseTimeOfDay("09:00")
	end, _ := ParseTimeOfDay("12:00")
	created, err := f.svc.AddBlocks(context.Background(), cal.ID, []*AvailabilityBlock{
		{DayOfWeek: Monday, StartTime: start, EndTime: end},
		{DayOfWeek: Friday, StartTime: start, EndTime: end},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 2 || created[0].CalendarID != cal.ID {
		t.Errorf("unexpected blocks %+v", created)
	}
	listed, _ := f.svc.ListBlocks(context.Background(), cal.ID)
	if len(listed) != 2 {
		t.Errorf("expected 2 blocks, got %d", len(listed))
	}
}

func TestAddBlocks_Rejected(t *testing.T) {
	nine, _ := ParseTimeOfDay("09:00")
	ten, _ := ParseTimeOfDay("10:00")
	tests := []struct {
		name  string
		block AvailabilityBlock
		want  error
	}{
		{"inverted", AvailabilityBlock{DayOfWeek: Monday, StartTime: ten, EndTime: nine}, ErrInvalidConfiguration},
		{"zero length", AvailabilityBlock{DayOfWeek: Monday, StartTime: nine, EndTime: nine}, ErrInvalidConfiguration},
		{"bad weekday", AvailabilityBlock{DayOfWeek: "monday", StartTime: nine, EndTime: ten}, ErrInvalidConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			cal := f.calendar(intPtr(30), intPtr(30))
			b := tt.block
			_, err := f.svc.AddBlocks(context.Background(), cal.ID, []*AvailabilityBlock{&b})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if len(f.blocks.blocks) != 0 {
				t.Error("expected nothing stored")
			}
		})
	}
}

func TestAddBlocks_UnknownCalendar(t *testing.T) {
	nine, _ := ParseTimeOfDay("09:00")
	ten, _ := ParseTimeOfDay("10:00")
	_, err := newTestService().AddBlocks(context.Background(), uuid.New(), []*AvailabilityBlock{
		{DayOfWeek: Monday, StartTime: nine, EndTime: ten},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// -- Materialize --

func TestMaterialize_MondayBlock(t *testing.T) {
	f := newFixture()
	cal := f.calendar(intPtr(30), intPtr(30))
	f.block(cal, Monday, "09:00", "10:00")

	res, err := f.svc.Materialize(context.Background(), cal.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Mondays in [Jan 1, Jan 31): 1, 8, 15, 22, 29.
	if res.Inserted != 10 {
		t.Fatalf("expected 10 slots, got %d", res.Inserted)
	}
	for _, s := range f.slots.slots {
		if WeekdayOf(s.StartTime) != Monday || s.IsBooked {
			t.Errorf("unexpected slot %v", s)
		}
		if s.StartTime.Hour() != 9 || (s.StartTime.Minute() != 0 && s.StartTime.Minute() != 30) {
			t.Errorf("unexpected start %v", s.StartTime)
		}
	}
	if f.tx.calls != 1 {
		t.Errorf("expected one transaction, got %d", f.tx.calls)
	}
}

func TestMaterialize_Idempotent(t *testing.T) {
	f := newFixture()
	cal := f.calendar(intPtr(20), intPtr(15))
	f.block(cal, Wednesday, "13:00", "17:00")

	pairs := func() map[slotKey]bool {
		out := make(map[slotKey]bool)
		for _, s := range f.slots.slots {
			out[keyOf(s)] = true
		}
		return out
	}
	if _, err := f.svc.Materialize(context.Background(), cal.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := pairs()
	res, err := f.svc.Materialize(context.Background(), cal.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := pairs()
	if len(first) != len(second) || len(second) != len(f.slots.slots) {
		t.Fatalf("expected same slot set, got %d then %d", len(first), len(second))
	}
	for k := range first {
		if !second[k] {
			t.Errorf("slot %v missing after regeneration", k)
		}
	}
	if res.Deleted != len(first) {
		t.Errorf("expected %d replaced, got %d", len(first), res.Deleted)
	}
}

func TestMaterialize_PreservesBookedAndPastSlots(t *testing.T) {
	f := newFixture()
	cal := f.calendar(intPtr(30), intPtr(30))
	f.block(cal, Monday, "09:00", "10:00")
	if _, err := f.svc.Materialize(context.Background(), cal.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	booked, _ := f.slots.FindByRange(context.Background(), cal.ID, at(8, 9, 0), at(8, 9, 30))
	booked.IsBooked = true
	past := &AvailabilitySlot{CalendarID: cal.ID, StartTime: at(1, 6, 0).AddDate(0, 0, -3), EndTime: at(1, 7, 0).AddDate(0, 0, -3)}
	f.slots.Create(context.Background(), past)

	res, err := f.svc.Materialize(context.Background(), cal.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Preserved != 1 || res.Inserted != 9 {
		t.Errorf("expected 1 preserved and 9 inserted, got %+v", res)
	}
	count := 0
	for _, s := range f.slots.slots {
		if s.StartTime.Equal(at(8, 9, 0)) {
			count++
			if s.ID != booked.ID || !s.IsBooked {
				t.Error("expected the booked slot to survive")
			}
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one 09:00 slot on Jan 8, got %d", count)
	}
	if _, err := f.slots.GetByID(context.Background(), past.ID); err != nil {
		t.Error("expected the past slot to survive")
	}
}

func TestMaterialize_NullDurationClearsSlots(t *testing.T) {
	f := newFixture()
	cal := f.calendar(nil, intPtr(30))
	f.block(cal, Monday, "09:00", "10:00")
	f.slots.Create(context.Background(), &AvailabilitySlot{CalendarID: cal.ID, StartTime: at(2, 9, 0), EndTime: at(2, 10, 0)})

	res, err := f.svc.Materialize(context.Background(), cal.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Deleted != 1 || res.Inserted != 0 || len(f.slots.slots) != 0 {
		t.Errorf("expected existing slot deleted and none inserted, got %+v", res)
	}
}

func TestMaterialize_InvalidStoredConfiguration(t *testing.T) {
	f := newFixture()
	cal := f.calendar(intPtr(30), intPtr(0))
	f.slots.Create(context.Background(), &AvailabilitySlot{CalendarID: cal.ID, StartTime: at(2, 9, 0), EndTime: at(2, 10, 0)})

	_, err := f.svc.Materialize(context.Background(), cal.ID)
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
	if len(f.slots.slots) != 1 {
		t.Error("expected existing slots untouched")
	}
	if len(f.publisher.events) != 0 {
		t.Error("expected no event on failure")
	}
}

func TestMaterialize_UnknownCalendar(t *testing.T) {
	_, err := newTestService().Materialize(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMaterializeAll(t *testing.T) {
	f := newFixture()
	a := f.calendar(intPtr(30), intPtr(30))
	b := f.calendar(intPtr(60), intPtr(60))
	f.block(a, Monday, "09:00", "10:00")
	f.block(b, Tuesday, "09:00", "11:00")

	results, err := f.svc.MaterializeAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if len(f.slots.slots) != 20 {
		t.Errorf("expected 20 slots, got %d", len(f.slots.slots))
	}
}

// -- Queries --

func TestFreeSlots(t *testing.T) {
	f := newFixture()
	cal := f.calendar(intPtr(30), intPtr(30))
	ctx := context.Background()
	add := func(start, end time.Time, booked bool) {
		f.slots.Create(ctx, &AvailabilitySlot{CalendarID: cal.ID, StartTime: start, EndTime: end, IsBooked: booked})
	}
	add(at(2, 9, 0), at(2, 10, 0), false)   // in range
	add(at(2, 10, 0), at(2, 10, 15), false) // too short
	add(at(3, 9, 0), at(3, 10, 0), true)    // booked
	add(at(3, 23, 0), at(4, 0, 0), false)   // ends at the boundary
	add(at(1, 23, 0), at(2, 0, 0), false)   // starts before range
	add(at(3, 8, 0), at(3, 9, 0), false)    // in range, inserted last

	free, err := f.svc.FreeSlots(ctx, FreeSlotQuery{
		CalendarID: cal.ID, StartDate: at(2, 0, 0), EndDate: at(3, 0, 0), MinDuration: 30,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(free) != 2 {
		t.Fatalf("expected 2 free slots, got %v", free)
	}
	if !free[0].Start.Equal(at(2, 9, 0)) || !free[1].Start.Equal(at(3, 8, 0)) {
		t.Errorf("expected insertion order, got %v", free)
	}
}

func TestFreeSlots_Errors(t *testing.T) {
	svc := newTestService()
	_, err := svc.FreeSlots(context.Background(), FreeSlotQuery{StartDate: at(5, 0, 0), EndDate: at(4, 0, 0)})
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration for inverted range, got %v", err)
	}
	_, err = svc.FreeSlots(context.Background(), FreeSlotQuery{StartDate: at(4, 0, 0), EndDate: at(4, 0, 0), MinDuration: -1})
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration for negative duration, got %v", err)
	}
	free, err := svc.FreeSlots(context.Background(), FreeSlotQuery{CalendarID: uuid.New(), StartDate: at(4, 0, 0), EndDate: at(4, 0, 0)})
	if err != nil || len(free) != 0 {
		t.Errorf("expected empty result for unknown calendar, got %v %v", free, err)
	}
}

func TestFilterFree(t *testing.T) {
	slots := []*AvailabilitySlot{
		{StartTime: at(2, 9, 0), EndTime: at(2, 9, 30)},
		{StartTime: at(2, 9, 30), EndTime: at(2, 10, 30)},
		{StartTime: at(2, 11, 0), EndTime: at(2, 12, 0), IsBooked: true},
	}
	free := FilterFree(slots, 45*time.Minute)
	if len(free) != 1 || !free[0].Start.Equal(at(2, 9, 30)) {
		t.Errorf("unexpected result %v", free)
	}
	for _, r := range FilterFree(slots, 0) {
		if r.Start.Equal(at(2, 11, 0)) {
			t.Error("booked slot returned")
		}
	}
}

func TestAvailableSlots_Ordered(t *testing.T) {
	f := newFixture()
	cal := f.calendar(intPtr(30), intPtr(30))
	ctx := context.Background()
	f.slots.Create(ctx, &AvailabilitySlot{CalendarID: cal.ID, StartTime: at(3, 9, 0), EndTime: at(3, 9, 30)})
	f.slots.Create(ctx, &AvailabilitySlot{CalendarID: cal.ID, StartTime: at(2, 9, 0), EndTime: at(2, 9, 30)})
	f.slots.Create(ctx, &AvailabilitySlot{CalendarID: cal.ID, StartTime: at(2, 8, 0), EndTime: at(2, 8, 30), IsBooked: true})

	slots, err := f.svc.AvailableSlots(ctx, cal.ID, at(1, 0, 0), at(4, 0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 2 || !slots[0].StartTime.Before(slots[1].StartTime) {
		t.Errorf("expected 2 ordered slots, got %v", slots)
	}

	if _, err := f.svc.AvailableSlots(ctx, uuid.New(), at(1, 0, 0), at(4, 0, 0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// -- Booking --

func (f *fixture) bookable() (*Calendar, *AvailabilitySlot, uuid.UUID) {
	cal := f.calendar(intPtr(30), intPtr(30))
	slot := &AvailabilitySlot{CalendarID: cal.ID, StartTime: at(2, 9, 0), EndTime: at(2, 9, 30)}
	f.slots.Create(context.Background(), slot)
	patient := uuid.New()
	f.users[patient] = true
	return cal, slot, patient
}

func TestBook_BySlotID(t *testing.T) {
	f := newFixture()
	cal, slot, patient := f.bookable()

	appt, err := f.svc.Book(context.Background(), BookingRequest{CalendarID: cal.ID, UserID: patient, SlotID: &slot.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slot.IsBooked {
		t.Error("expected slot to be claimed")
	}
	if appt.Status != StatusBooked || *appt.SlotID != slot.ID || !appt.StartTime.Equal(slot.StartTime) {
		t.Errorf("unexpected appointment %+v", appt)
	}
	if got := f.publisher.types(); len(got) != 1 || got[0] != events.TypeAppointmentBooked {
		t.Errorf("expected appointment.booked, got %v", got)
	}
}

func TestBook_ByTimeRange(t *testing.T) {
	f := newFixture()
	cal, slot, patient := f.bookable()
	start, end := slot.StartTime, slot.EndTime

	appt, err := f.svc.Book(context.Background(), BookingRequest{CalendarID: cal.ID, UserID: patient, StartTime: &start, EndTime: &end})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *appt.SlotID != slot.ID {
		t.Errorf("expected slot %s, got %s", slot.ID, appt.SlotID)
	}
}

func TestBook_DoubleBookingConflicts(t *testing.T) {
	f := newFixture()
	cal, slot, patient := f.bookable()
	req := BookingRequest{CalendarID: cal.ID, UserID: patient, SlotID: &slot.ID}
	if _, err := f.svc.Book(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := f.svc.Book(context.Background(), req)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if len(f.appts.appts) != 1 {
		t.Errorf("expected one appointment, got %d", len(f.appts.appts))
	}
}

func TestBook_NotFound(t *testing.T) {
	f := newFixture()
	cal, slot, patient := f.bookable()
	otherCal := f.calendar(intPtr(30), intPtr(30))
	missing := uuid.New()
	start, end := at(2, 15, 0), at(2, 15, 30)

	tests := []struct {
		name string
		req  BookingRequest
	}{
		{"unknown calendar", BookingRequest{CalendarID: uuid.New(), UserID: patient, SlotID: &slot.ID}},
		{"unknown user", BookingRequest{CalendarID: cal.ID, UserID: uuid.New(), SlotID: &slot.ID}},
		{"unknown slot", BookingRequest{CalendarID: cal.ID, UserID: patient, SlotID: &missing}},
		{"slot of another calendar", BookingRequest{CalendarID: otherCal.ID, UserID: patient, SlotID: &slot.ID}},
		{"no slot at time", BookingRequest{CalendarID: cal.ID, UserID: patient, StartTime: &start, EndTime: &end}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Book(context.Background(), tt.req)
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if slot.IsBooked || len(f.appts.appts) != 0 {
				t.Error("expected no side effects")
			}
		})
	}
}

func TestBook_MissingSlotReference(t *testing.T) {
	f := newFixture()
	cal, _, patient := f.bookable()
	_, err := f.svc.Book(context.Background(), BookingRequest{CalendarID: cal.ID, UserID: patient})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCancelAppointment_ReleasesSlot(t *testing.T) {
	f := newFixture()
	cal, slot, patient := f.bookable()
	appt, err := f.svc.Book(context.Background(), BookingRequest{CalendarID: cal.ID, UserID: patient, SlotID: &slot.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancelled, err := f.svc.CancelAppointment(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Status != StatusCancelled || slot.IsBooked {
		t.Errorf("expected cancelled appointment and free slot, got %s booked=%v", cancelled.Status, slot.IsBooked)
	}
	if _, err := f.svc.CancelAppointment(context.Background(), appt.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on second cancel, got %v", err)
	}

	// The slot can be booked again.
	if _, err := f.svc.Book(context.Background(), BookingRequest{CalendarID: cal.ID, UserID: patient, SlotID: &slot.ID}); err != nil {
		t.Errorf("expected rebooking to succeed, got %v", err)
	}
	want := []string{events.TypeAppointmentBooked, events.TypeAppointmentCancelled, events.TypeAppointmentBooked}
	if got := f.publisher.types(); len(got) != len(want) || got[1] != want[1] {
		t.Errorf("expected events %v, got %v", want, got)
	}
}

func TestGetAppointment_NotFound(t *testing.T) {
	_, err := newTestService().GetAppointment(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// -- Slots --

func TestCreateSlot(t *testing.T) {
	f := newFixture()
	cal := f.calendar(intPtr(30), intPtr(30))
	sl := &AvailabilitySlot{CalendarID: cal.ID, StartTime: at(2, 9, 0), EndTime: at(2, 9, 45)}
	if err := f.svc.CreateSlot(context.Background(), sl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inverted := &AvailabilitySlot{CalendarID: cal.ID, StartTime: at(2, 10, 0), EndTime: at(2, 9, 0)}
	if err := f.svc.CreateSlot(context.Background(), inverted); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	orphan := &AvailabilitySlot{CalendarID: uuid.New(), StartTime: at(2, 9, 0), EndTime: at(2, 10, 0)}
	if err := f.svc.CreateSlot(context.Background(), orphan); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	slots, _ := f.svc.ListSlots(context.Background(), cal.ID)
	if len(slots) != 1 {
		t.Errorf("expected 1 slot, got %d", len(slots))
	}
}
