package scheduling

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitalis/vitalis/internal/platform/auth"
	"github.com/vitalis/vitalis/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – any authenticated caller
	api.GET("/calendars", h.ListCalendars)
	api.GET("/calendars/:id", h.GetCalendar)
	api.GET("/calendars/:id/available-slots", h.AvailableSlots)
	api.GET("/availability/calendars/:id/availability", h.ListBlocks)
	api.POST("/availability/free-slots", h.FreeSlots)
	api.GET("/availability_slots", h.ListSlots)
	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)

	// Booking – patients book for themselves
	api.POST("/appointments", h.Book)
	api.POST("/appointments/:id/cancel", h.CancelAppointment)

	// Calendar management – doctor, admin
	manage := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
	manage.POST("/calendars", h.CreateCalendar)
	manage.PUT("/calendars/:id", h.UpdateCalendar)
	manage.DELETE("/calendars/:id", h.DeleteCalendar)
	manage.POST("/availability/calendars/:id/availability", h.AddBlocks)
	manage.DELETE("/availability/blocks/:id", h.DeleteBlock)
	manage.POST("/availability/generate-slots", h.GenerateSlots)
	manage.POST("/availability_slots", h.CreateSlot)
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) *echo.HTTPError {
	for _, m := range []struct {
		target error
		status int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrInvalidConfiguration, http.StatusUnprocessableEntity},
		{ErrConflict, http.StatusConflict},
		{ErrInvalidInput, http.StatusBadRequest},
	} {
		if errors.Is(err, m.target) {
			msg := strings.TrimSuffix(err.Error(), ": "+m.target.Error())
			return echo.NewHTTPError(m.status, msg)
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// localLayouts are the offset-less datetime forms clients send for
// wall-clock times; they are read in the service location.
var localLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04", time.DateTime}

// parseInstant accepts an RFC 3339 timestamp or a local datetime.
func parseInstant(s string, loc *time.Location) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseBound accepts everything parseInstant does plus YYYY-MM-DD dates. A
// bare date used as an upper bound means the end of that day.
func parseBound(s string, loc *time.Location, upper bool) (time.Time, error) {
	if t, ok := parseInstant(s, loc); ok {
		return t, nil
	}
	d, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, YYYY-MM-DDTHH:MM:SS or RFC 3339, got %q", s)
	}
	if upper {
		return d.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
	}
	return d, nil
}

// -- Calendar Handlers --

func (h *Handler) CreateCalendar(c echo.Context) error {
	var cal Calendar
	if err := c.Bind(&cal); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if cal.OwnerID == uuid.Nil {
		if uid, ok := auth.UserUUIDFromContext(ctx); ok {
			cal.OwnerID = uid
		}
	}
	if _, err := h.svc.CreateCalendar(ctx, &cal); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cal)
}

func (h *Handler) GetCalendar(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	cal, err := h.svc.GetCalendar(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cal)
}

func (h *Handler) ListCalendars(c echo.Context) error {
	pg := pagination.FromContext(c)
	var owner *uuid.UUID
	if v := c.QueryParam("owner_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid owner_id")
		}
		owner = &id
	}
	items, total, err := h.svc.ListCalendars(c.Request().Context(), owner, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateCalendar(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var cal Calendar
	if err := c.Bind(&cal); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cal.ID = id
	if err := h.svc.UpdateCalendar(c.Request().Context(), &cal); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cal)
}

func (h *Handler) DeleteCalendar(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteCalendar(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AvailableSlots(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	loc := h.svc.Location()
	from, err := parseBound(c.QueryParam("start_date"), loc, false)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "start_date: "+err.Error())
	}
	to, err := parseBound(c.QueryParam("end_date"), loc, true)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "end_date: "+err.Error())
	}
	slots, err := h.svc.AvailableSlots(c.Request().Context(), id, from, to)
	if err != nil {
		return httpError(err)
	}
	if slots == nil {
		slots = []*AvailabilitySlot{}
	}
	return c.JSON(http.StatusOK, slots)
}

// -- Availability Handlers --

func (h *Handler) AddBlocks(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var blocks []*AvailabilityBlock
	if err := c.Bind(&blocks); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	created, err := h.svc.AddBlocks(ctx, id, blocks)
	if err != nil {
		return httpError(err)
	}
	if c.QueryParam("regenerate") == "true" {
		if _, err := h.svc.Materialize(ctx, id); err != nil {
			return httpError(err)
		}
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) ListBlocks(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	blocks, err := h.svc.ListBlocks(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if blocks == nil {
		blocks = []*AvailabilityBlock{}
	}
	return c.JSON(http.StatusOK, blocks)
}

func (h *Handler) DeleteBlock(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteBlock(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GenerateSlots(c echo.Context) error {
	id, err := uuid.Parse(c.QueryParam("calendar_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid calendar_id")
	}
	res, err := h.svc.Materialize(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"detail":    fmt.Sprintf("Slots generated for calendar %s", id),
		"inserted":  res.Inserted,
		"deleted":   res.Deleted,
		"preserved": res.Preserved,
	})
}

type freeSlotsRequest struct {
	CalendarID      uuid.UUID `json:"calendar_id"`
	StartDate       string    `json:"start_date"`
	EndDate         string    `json:"end_date"`
	MeetingDuration int       `json:"meeting_duration"`
}

func (h *Handler) FreeSlots(c echo.Context) error {
	var req freeSlotsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	loc := h.svc.Location()
	start, err := parseBound(req.StartDate, loc, false)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "start_date: "+err.Error())
	}
	end, err := parseBound(req.EndDate, loc, false)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "end_date: "+err.Error())
	}
	free, err := h.svc.FreeSlots(c.Request().Context(), FreeSlotQuery{
		CalendarID:  req.CalendarID,
		StartDate:   start,
		EndDate:     end,
		MinDuration: req.MeetingDuration,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"free_slots": free})
}

// -- Slot Handlers --

func (h *Handler) CreateSlot(c echo.Context) error {
	var sl AvailabilitySlot
	if err := c.Bind(&sl); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateSlot(c.Request().Context(), &sl); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sl)
}

func (h *Handler) ListSlots(c echo.Context) error {
	id, err := uuid.Parse(c.QueryParam("calendar_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid calendar_id")
	}
	slots, err := h.svc.ListSlots(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if slots == nil {
		slots = []*AvailabilitySlot{}
	}
	return c.JSON(http.StatusOK, slots)
}

// -- Appointment Handlers --

// bookingBody is the wire form of BookingRequest. Times may omit the UTC
// offset, in which case they are wall-clock times in the service location.
type bookingBody struct {
	CalendarID  uuid.UUID  `json:"calendar_id"`
	UserID      uuid.UUID  `json:"user_id"`
	SlotID      *uuid.UUID `json:"slot_id"`
	StartTime   *string    `json:"start_time"`
	EndTime     *string    `json:"end_time"`
	Description *string    `json:"description"`
}

func (b bookingBody) request(loc *time.Location) (BookingRequest, error) {
	req := BookingRequest{
		CalendarID:  b.CalendarID,
		UserID:      b.UserID,
		SlotID:      b.SlotID,
		Description: b.Description,
	}
	for _, f := range []struct {
		name string
		src  *string
		dst  **time.Time
	}{
		{"start_time", b.StartTime, &req.StartTime},
		{"end_time", b.EndTime, &req.EndTime},
	} {
		if f.src == nil {
			continue
		}
		t, ok := parseInstant(*f.src, loc)
		if !ok {
			return req, fmt.Errorf("%s: expected YYYY-MM-DDTHH:MM:SS or RFC 3339, got %q", f.name, *f.src)
		}
		*f.dst = &t
	}
	return req, nil
}

func (h *Handler) Book(c echo.Context) error {
	var body bookingBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := body.request(h.svc.Location())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	caller, authenticated := auth.UserUUIDFromContext(ctx)
	if req.UserID == uuid.Nil && authenticated {
		req.UserID = caller
	}
	if authenticated && req.UserID != caller &&
		!auth.HasAnyRole(auth.RolesFromContext(ctx), auth.RoleDoctor, auth.RoleAdmin) {
		return echo.NewHTTPError(http.StatusForbidden, "patients may only book for themselves")
	}
	appt, err := h.svc.Book(ctx, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	var filter AppointmentFilter
	for param, dst := range map[string]**uuid.UUID{"calendar_id": &filter.CalendarID, "user_id": &filter.UserID} {
		v := c.QueryParam(param)
		if v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
		}
		*dst = &id
	}
	items, total, err := h.svc.ListAppointments(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.svc.CancelAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}
