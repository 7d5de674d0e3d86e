package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"audio-recorder/internal/capture"
	"audio-recorder/internal/protocol"
)

type stopRequest struct {
	Save *bool `json:"save"`
}

func writeSnapshot(w http.ResponseWriter, status int, snap capture.Snapshot) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.RecordingStatePayload{
		AttemptID: snap.AttemptID,
		State:     string(snap.State),
		Elapsed:   snap.Elapsed,
		Time:      snap.Formatted(),
		Acquiring: snap.Acquiring,
	})
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	writeSnapshot(w, http.StatusOK, s.rec.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	// Acquisition outlives the request.
	s.rec.StartRecording(context.WithoutCancel(r.Context()))
	s.broadcastSnapshot()
	writeSnapshot(w, http.StatusAccepted, s.rec.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	save := req.Save == nil || *req.Save
	s.rec.RequestStop(save)
	writeSnapshot(w, http.StatusOK, s.rec.Snapshot())
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	s.rec.TogglePauseResume()
	writeSnapshot(w, http.StatusOK, s.rec.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.rec.Cancel()
	writeSnapshot(w, http.StatusOK, s.rec.Snapshot())
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.DevicesUpdatePayload{Devices: s.listDevices()})
}
