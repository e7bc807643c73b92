package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/creeklabs/creek/errs"
	"github.com/creeklabs/creek/sqs"
)

// handleSQS dispatches an authenticated SQS-protocol request. The target
// action comes from the X-Amz-Target header, matching the wire protocol
// the AWS SDK clients speak.
func (s *Server) handleSQS(w http.ResponseWriter, r *http.Request) {
	result, ok := authResultFrom(r)
	if !ok {
		writeError(w, errs.New(errs.KindInternalServerError, "missing auth result"))
		return
	}

	action, err := sqs.ParseTarget(r.Header.Get("X-Amz-Target"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.Dispatcher.Dispatch(r.Context(), action, result.Namespace, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-amz-json-1.1")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		writeError(w, errs.Wrap(errs.KindInternalServerError, "encode response", err))
	}
}
