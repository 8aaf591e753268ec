package httpservice

import (
	"encoding/json"
	"net/http"

	arkerrors "github.com/arkade-os/custodyd/pkg/errors"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	log "github.com/sirupsen/logrus"
)

func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

// renderErr writes the structured error found in err's chain, anything else is
// reported as an opaque internal error.
func renderErr(w http.ResponseWriter, r *http.Request, err error) {
	structuredErr, ok := arkerrors.As(err)
	if !ok {
		log.WithError(err).WithField("path", r.URL.Path).Error("unexpected error")
		structuredErr = arkerrors.INTERNAL_ERROR.New("internal error")
	}

	status := runtime.HTTPStatusFromCode(structuredErr.GrpcCode())
	if status < http.StatusInternalServerError {
		log.WithField("path", r.URL.Path).Debug(structuredErr.Error())
		renderJSON(w, status, errorJSON{
			Code:     structuredErr.Code(),
			Name:     structuredErr.CodeName(),
			Message:  structuredErr.Error(),
			Metadata: structuredErr.Metadata(),
		})
		return
	}

	structuredErr.Log().WithField("path", r.URL.Path).Error(structuredErr.Error())
	// Key derivation failures are operator alarms, callers only see an internal error.
	if structuredErr.Code() == arkerrors.KEY_DERIVATION_FAILED.Code {
		renderJSON(w, status, errorJSON{
			Code:    arkerrors.INTERNAL_ERROR.Code,
			Name:    arkerrors.INTERNAL_ERROR.Name,
			Message: "internal error",
		})
		return
	}
	renderJSON(w, status, errorJSON{
		Code:     structuredErr.Code(),
		Name:     structuredErr.CodeName(),
		Message:  structuredErr.Error(),
		Metadata: structuredErr.Metadata(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return arkerrors.VALIDATION_FAILED.New("invalid request body: %s", err).
			WithMetadata(arkerrors.ValidationMetadata{Field: "body"})
	}
	return nil
}
