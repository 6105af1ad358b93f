package dosage

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/pkg/apperror"
	"github.com/hms/hms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the scheduler under api. Every route acts on the
// calling patient's own schedules.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/scheduler", auth.RequireRole(auth.RolePatient))
	g.POST("/import", h.Import)
	g.POST("/mark-taken", h.MarkTaken)
	g.GET("/today", h.Today)
	g.GET("/history", h.History)
	g.GET("/reminders", h.DueReminders)

	g.GET("/schedules", h.ListSchedules)
	g.POST("/schedules", h.CreateSchedule)
	g.GET("/schedules/:id", h.GetSchedule)
	g.POST("/schedules/:id/discontinue", h.Discontinue)
	g.PUT("/schedules/:id/reminders", h.UpdateReminder)
}

func patientID(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func (h *Handler) Import(c echo.Context) error {
	var req ImportRequest
	if err := c.Bind(&req); err != nil {
		return apperror.Validation("invalid request body")
	}
	res, err := h.svc.Import(c.Request().Context(), patientID(c), req)
	if err != nil {
		return err
	}
	if len(res.ScheduleIDs) == 0 {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "no new medications to import",
			"skipped": res.Skipped,
		})
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success":     true,
		"scheduleIds": res.ScheduleIDs,
		"count":       len(res.ScheduleIDs),
		"skipped":     res.Skipped,
		"message":     res.Message,
	})
}

func (h *Handler) MarkTaken(c echo.Context) error {
	var req MarkRequest
	if err := c.Bind(&req); err != nil {
		return apperror.Validation("invalid request body")
	}
	res, err := h.svc.MarkDose(c.Request().Context(), patientID(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":       true,
		"message":       "dose marked as " + res.Entry.Status,
		"entry":         res.Entry,
		"adherenceRate": res.Schedule.AdherenceRate,
		"missedDoses":   res.Schedule.MissedDoses,
	})
}

func (h *Handler) Today(c echo.Context) error {
	proj, err := h.svc.ProjectDay(c.Request().Context(), patientID(c), c.QueryParam("date"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":  true,
		"date":     proj.Date,
		"schedule": proj.Doses,
		"upcoming": proj.Upcoming,
		"stats":    proj.Stats,
	})
}

func (h *Handler) History(c echo.Context) error {
	res, err := h.svc.History(c.Request().Context(), patientID(c), c.QueryParam("range"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":     true,
		"range":       res.Range,
		"history":     res.Entries,
		"weeklyStats": res.WeeklyStats,
		"dateRange":   res.DateRange,
	})
}

func (h *Handler) DueReminders(c echo.Context) error {
	reminders, err := h.svc.DueReminders(c.Request().Context(), patientID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":   true,
		"reminders": reminders,
	})
}

func (h *Handler) ListSchedules(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ListFilter{Limit: pg.Limit, Offset: pg.Offset}
	if v := c.QueryParam("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return apperror.Validation("active must be true or false")
		}
		filter.Active = &active
	}
	items, total, err := h.svc.ListSchedules(c.Request().Context(), patientID(c), filter)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Schedule{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) CreateSchedule(c echo.Context) error {
	var in ScheduleInput
	if err := c.Bind(&in); err != nil {
		return apperror.Validation("invalid request body")
	}
	sch, err := h.svc.CreateSchedule(c.Request().Context(), patientID(c), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"success": true, "schedule": sch})
}

func (h *Handler) GetSchedule(c echo.Context) error {
	sch, err := h.svc.GetSchedule(c.Request().Context(), patientID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "schedule": sch})
}

func (h *Handler) Discontinue(c echo.Context) error {
	sch, err := h.svc.Discontinue(c.Request().Context(), patientID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "schedule": sch})
}

func (h *Handler) UpdateReminder(c echo.Context) error {
	var in ReminderInput
	if err := c.Bind(&in); err != nil {
		return apperror.Validation("invalid request body")
	}
	sch, err := h.svc.UpdateReminder(c.Request().Context(), patientID(c), c.Param("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "schedule": sch})
}
