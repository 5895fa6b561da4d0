package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// heartbeatEvery is how many quiet ticks pass before the stream sends a
// comment line to keep proxies from closing it.
const heartbeatEvery = 15

// handleStatsStream pushes the dashboard snapshot as server-sent events. A
// snapshot is only sent when it differs from the previous one.
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	var last []byte
	quiet := 0
	tick := func() error {
		payload, err := json.Marshal(s.pipeline.Snapshot())
		if err != nil {
			return err
		}
		switch {
		case !bytes.Equal(payload, last):
			_, err = fmt.Fprintf(w, "event: stats\ndata: %s\n\n", payload)
			last, quiet = payload, 0
		case quiet+1 >= heartbeatEvery:
			_, err = fmt.Fprint(w, ": keepalive\n\n")
			quiet = 0
		default:
			quiet++
			return nil
		}
		if err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := tick(); err != nil {
		return
	}
	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := tick(); err != nil {
				return
			}
		}
	}
}
