package handler

import (
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/orderdesk/internal/logsink"
)

// ListLogs handles GET /api/logs. Query parameters: limit, order_id and
// severity. Entries are returned oldest first.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := h.cfg.DefaultLogLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, errors.Wrapf(errBadRequest, "invalid limit %q", v))
			return
		}
		limit = n
	}

	var preds []logsink.Predicate
	if id := q.Get("order_id"); id != "" {
		preds = append(preds, logsink.ByOrder(id))
	}
	if v := q.Get("severity"); v != "" {
		sev := logsink.Severity(v)
		if !sev.Valid() {
			writeError(w, r, errors.Wrapf(errBadRequest, "invalid severity %q", v))
			return
		}
		preds = append(preds, logsink.BySeverity(sev))
	}

	var entries []logsink.Entry
	if len(preds) == 0 {
		entries = h.logs.Tail(limit)
	} else {
		entries = h.logs.Filter(logsink.All(preds...))
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, l := range entries {
			encodeLogEntry(e, l)
		}
		e.ArrEnd()
	})
}
