package api

import (
	"net/http"

	"github.com/hackgods/therapy-clinic-scheduling/internal/auth"
	"github.com/hackgods/therapy-clinic-scheduling/internal/scheduling"
)

func createPatientHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in scheduling.PatientInput
		if !decodeBody(w, r, &in) {
			return
		}
		p, err := svc.CreatePatient(r.Context(), callerFrom(r.Context()), in)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func updatePatientHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var in scheduling.PatientInput
		if !decodeBody(w, r, &in) {
			return
		}
		p, err := svc.UpdatePatient(r.Context(), callerFrom(r.Context()), id, in)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func deactivatePatientHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		p, err := svc.DeactivatePatient(r.Context(), callerFrom(r.Context()), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func getPatientHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		p, err := svc.GetPatient(r.Context(), callerFrom(r.Context()), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func listPatientsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, ok := queryRecordStatus(w, r)
		if !ok {
			return
		}
		f := scheduling.PatientFilter{Status: status, Search: r.URL.Query().Get("q")}

		list, err := svc.ListPatients(r.Context(), callerFrom(r.Context()), f)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ListResponse[scheduling.Patient]{Items: nonNilSlice(list), Count: len(list)})
	}
}

// therapistInput hashes the optional password. A new therapist without a
// password gets an unusable hash and cannot log in until one is set.
func therapistInput(req TherapistRequest) (scheduling.TherapistInput, error) {
	in := req.TherapistInput
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			return in, err
		}
		in.PasswordHash = hash
	}
	return in, nil
}

func createTherapistHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TherapistRequest
		if !decodeBody(w, r, &req) {
			return
		}
		in, err := therapistInput(req)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		if in.PasswordHash == "" {
			in.PasswordHash = "!"
		}

		t, err := svc.CreateTherapist(r.Context(), callerFrom(r.Context()), in)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

func updateTherapistHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req TherapistRequest
		if !decodeBody(w, r, &req) {
			return
		}
		in, err := therapistInput(req)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		t, err := svc.UpdateTherapist(r.Context(), callerFrom(r.Context()), id, in)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func getTherapistHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		t, err := svc.GetTherapist(r.Context(), callerFrom(r.Context()), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func listTherapistsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, ok := queryRecordStatus(w, r)
		if !ok {
			return
		}
		list, err := svc.ListTherapists(r.Context(), callerFrom(r.Context()), scheduling.TherapistFilter{Status: status})
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ListResponse[scheduling.Therapist]{Items: nonNilSlice(list), Count: len(list)})
	}
}
