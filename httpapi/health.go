package httpapi

import (
	"net/http"
)

// health reports process liveness plus the video encoder's degraded-mode
// flag (section 9's design note: ffmpeg absence is a warning, not a hard
// startup failure, so health surfaces it rather than refusing to serve).
func (rt *Router) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}

	if rt.deps.Encoder != nil {
		if err := rt.deps.Encoder.Probe(r.Context()); err != nil {
			body["video_encoding"] = "degraded"
			body["video_encoding_error"] = err.Error()
		} else {
			body["video_encoding"] = "ok"
		}
	}

	writeJSON(w, http.StatusOK, body)
}
