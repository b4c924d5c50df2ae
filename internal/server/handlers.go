package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/t-brandt/kapsel/protocol"
	"github.com/t-brandt/kapsel/runtime"
)

// maxActionBody bounds the /execute_action request body; file content
// travels base64-encoded inside it.
const maxActionBody = 32 << 20 // 32 MB

type actionEnvelope struct {
	Action json.RawMessage `json:"action"`
}

// fileResponse is the JSON shape of a file download. Content is a plain
// string when UTF-8, base64 with the encoding field set otherwise.
type fileResponse struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

type fileUpload struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// handleExecuteAction is the single action endpoint. Malformed requests
// are 400; everything that parses comes back 200, with action-level
// failures encoded as error Observations.
func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	var env actionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "parsing request body: "+err.Error())
		return
	}
	if len(env.Action) == 0 {
		writeError(w, http.StatusBadRequest, "missing action")
		return
	}

	act, err := protocol.DecodeAction(env.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	obs := runtime.Dispatch(r.Context(), s.exec, act)
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")

	files, err := s.files.ListFiles(r.Context(), path)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "files": files})
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")

	obs, err := s.files.ReadFile(r.Context(), path)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fileResponse{
		Path:     path,
		Content:  obs.Content,
		Encoding: obs.Encoding,
	})
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")

	var req fileUpload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parsing request body: "+err.Error())
		return
	}

	obs, err := s.files.WriteFile(r.Context(), path, req.Content, req.Encoding)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")

	obs, err := s.files.DeleteFile(r.Context(), path)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, obs)
}
