package api

import (
	"net/http"

	"github.com/hackgods/therapy-clinic-scheduling/internal/scheduling"
)

func createAvailabilityHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in scheduling.CreateAvailabilityInput
		if !decodeBody(w, r, &in) {
			return
		}

		a, err := svc.CreateAvailability(r.Context(), callerFrom(r.Context()), in)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
	}
}

func deleteAvailabilityHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := svc.DeleteAvailability(r.Context(), callerFrom(r.Context()), id); err != nil {
			handleServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listAvailabilityHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f scheduling.AvailabilityFilter
		var ok bool
		if f.TherapistID, ok = queryUUID(w, r, "therapist_id"); !ok {
			return
		}
		if f.From, ok = queryTime(w, r, "from"); !ok {
			return
		}
		if f.To, ok = queryTime(w, r, "to"); !ok {
			return
		}

		list, err := svc.ListAvailability(r.Context(), callerFrom(r.Context()), f)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ListResponse[scheduling.Availability]{Items: nonNilSlice(list), Count: len(list)})
	}
}

func createAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in scheduling.CreateAppointmentInput
		if !decodeBody(w, r, &in) {
			return
		}

		appt, err := svc.CreateAppointment(r.Context(), callerFrom(r.Context()), in)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, appt)
	}
}

func getAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		appt, err := svc.GetAppointment(r.Context(), callerFrom(r.Context()), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func updateAppointmentStatusHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req UpdateStatusRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, err := svc.UpdateAppointmentStatus(r.Context(), callerFrom(r.Context()), id, req.Status)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func listAppointmentsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f scheduling.AppointmentFilter
		var ok bool
		if f.TherapistID, ok = queryUUID(w, r, "therapist_id"); !ok {
			return
		}
		if f.PatientID, ok = queryUUID(w, r, "patient_id"); !ok {
			return
		}
		if f.From, ok = queryTime(w, r, "from"); !ok {
			return
		}
		if f.To, ok = queryTime(w, r, "to"); !ok {
			return
		}
		if f.Limit, ok = queryInt(w, r, "limit"); !ok {
			return
		}
		if f.Offset, ok = queryInt(w, r, "offset"); !ok {
			return
		}
		if raw := r.URL.Query().Get("status"); raw != "" {
			s := scheduling.AppointmentStatus(raw)
			f.Status = &s
		}

		page, err := svc.ListAppointments(r.Context(), callerFrom(r.Context()), f)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ListResponse[scheduling.Appointment]{
			Items:      nonNilSlice(page.Items),
			Count:      len(page.Items),
			Total:      &page.Total,
			NextOffset: page.NextOffset,
		})
	}
}

func statisticsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Statistics(r.Context(), callerFrom(r.Context()))
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
