package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/booking/application/commands"
	"github.com/felixgeelhaar/clinicflow/internal/booking/application/queries"
)

const maxBodyBytes = 64 << 10

// AppointmentHandler serves the booking endpoints.
type AppointmentHandler struct {
	book         *commands.BookAppointmentHandler
	confirm      *commands.ConfirmAppointmentHandler
	cancel       *commands.CancelAppointmentHandler
	get          *queries.GetAppointmentHandler
	availability *queries.SlotAvailabilityHandler
	logger       *slog.Logger
}

// AppointmentHandlerConfig holds dependencies for the appointment handler.
type AppointmentHandlerConfig struct {
	Book         *commands.BookAppointmentHandler
	Confirm      *commands.ConfirmAppointmentHandler
	Cancel       *commands.CancelAppointmentHandler
	Get          *queries.GetAppointmentHandler
	Availability *queries.SlotAvailabilityHandler
	Logger       *slog.Logger
}

// NewAppointmentHandler creates a new appointment handler.
func NewAppointmentHandler(cfg AppointmentHandlerConfig) *AppointmentHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AppointmentHandler{
		book:         cfg.Book,
		confirm:      cfg.Confirm,
		cancel:       cfg.Cancel,
		get:          cfg.Get,
		availability: cfg.Availability,
		logger:       cfg.Logger,
	}
}

type bookRequest struct {
	PatientName  string `json:"patient_name"`
	PatientEmail string `json:"patient_email"`
	PatientPhone string `json:"patient_phone"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	Notes        string `json:"notes"`
}

// bookResponse leaves out the confirmation token; the patient receives it
// only through the confirmation notification.
type bookResponse struct {
	AppointmentID   uuid.UUID   `json:"appointment_id"`
	Status          string      `json:"status"`
	Date            string      `json:"date"`
	Time            string      `json:"time"`
	StartsAt        time.Time   `json:"starts_at"`
	NotificationIDs []uuid.UUID `json:"notification_ids"`
}

// Book handles POST /api/v1/appointments
func (h *AppointmentHandler) Book(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, h.logger, err.Error())
		return
	}

	result, err := h.book.Handle(r.Context(), commands.BookAppointmentCommand{
		PatientName:  req.PatientName,
		PatientEmail: req.PatientEmail,
		PatientPhone: req.PatientPhone,
		Date:         req.Date,
		Time:         req.Time,
		Notes:        req.Notes,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Location", "/api/v1/appointments/"+result.AppointmentID.String())
	writeJSON(w, http.StatusCreated, bookResponse{
		AppointmentID:   result.AppointmentID,
		Status:          string(result.Status),
		Date:            result.Slot.Date,
		Time:            result.Slot.Time,
		StartsAt:        result.Slot.StartsAt,
		NotificationIDs: result.NotificationIDs,
	})
}

// Get handles GET /api/v1/appointments/{appointmentID}
func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	dto, err := h.get.Handle(r.Context(), queries.GetAppointmentQuery{AppointmentID: id})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

type confirmRequest struct {
	Token string `json:"token"`
}

type statusResponse struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Status        string    `json:"status"`
}

// Confirm handles POST /api/v1/appointments/confirm
func (h *AppointmentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, h.logger, err.Error())
		return
	}
	result, err := h.confirm.Handle(r.Context(), commands.ConfirmAppointmentCommand{Token: req.Token})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{AppointmentID: result.AppointmentID, Status: string(result.Status)})
}

// Cancel handles POST /api/v1/appointments/{appointmentID}/cancel
func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	result, err := h.cancel.Handle(r.Context(), commands.CancelAppointmentCommand{AppointmentID: id})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{AppointmentID: result.AppointmentID, Status: string(result.Status)})
}

// Availability handles GET /api/v1/slots/availability?date=YYYY-MM-DD
func (h *AppointmentHandler) Availability(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		badRequest(w, r, h.logger, "query parameter 'date' is required")
		return
	}
	dto, err := h.availability.Handle(r.Context(), queries.SlotAvailabilityQuery{Date: date})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *AppointmentHandler) appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "appointmentID"))
	if err != nil {
		badRequest(w, r, h.logger, "invalid appointment id")
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("malformed JSON body: " + err.Error())
	}
	return nil
}
