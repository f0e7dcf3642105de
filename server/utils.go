package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/stream-relay/broadcast"
	"github.com/onnwee/stream-relay/telemetry"
)

// maxBodyBytes bounds request bodies on the control routes.
const maxBodyBytes = 64 << 10

// writeJSON writes v as the JSON response body with the given status code.
func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// statusFor maps a broadcast error onto an HTTP status code.
func statusFor(err error) int {
	var ve *broadcast.ValidationError
	if errors.As(err, &ve) {
		if ve.Reason == broadcast.MsgAlreadyActive {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	}
	switch broadcast.Classify(err) {
	case broadcast.ClassTransport, broadcast.ClassRemote:
		return http.StatusBadGateway
	case broadcast.ClassTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
