package server

import (
	"encoding/json"
	"net/http"

	"github.com/AltairaLabs/llmgateway/logger"
	"github.com/AltairaLabs/llmgateway/types"
)

// streamChunks writes the canonical chunk stream as server-sent events and
// terminates with [DONE]. Headers go out before the first chunk, so upstream
// failures after this point surface as a truncated stream, not a status code.
func streamChunks(w http.ResponseWriter, chunks <-chan types.Chunk) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	for chunk := range chunks {
		payload, err := json.Marshal(chunk)
		if err != nil {
			logger.Error("encoding stream chunk", "error", err)
			continue
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := w.Write(payload); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	w.Write([]byte("data: [DONE]\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}
