package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"zigbee-arbiter/internal/coordinator"
	"zigbee-arbiter/internal/dispatch"
	"zigbee-arbiter/internal/store"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dev, err := s.coord.GetDevice(id)
	if err != nil {
		s.writeStoreError(w, "get device", id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.coord.RenameDevice(id, req.FriendlyName); err != nil {
		s.writeStoreError(w, "rename device", id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": req.FriendlyName})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coord.RemoveDevice(id); err != nil {
		s.writeStoreError(w, "delete device", id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendCommandRequest struct {
	Capability string `json:"capability"`
	Value      any    `json:"value"`
}

func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Capability == "" || req.Value == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "capability and value are required"})
		return
	}

	if err := s.coord.Send(r.Context(), id, req.Capability, req.Value); err != nil {
		status := commandStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("send command", "device", id, "capability", req.Capability, "err", err)
		}
		s.writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// commandStatus maps dispatch failures onto HTTP status codes.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownDevice), errors.Is(err, dispatch.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrNoActiveTransport):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrAllMethodsFailed):
		return http.StatusBadGateway
	default:
		// unmapped capability or a value the capability cannot encode
		return http.StatusBadRequest
	}
}

func (s *Server) handleAPIListClassifications(w http.ResponseWriter, r *http.Request) {
	learned, err := s.coord.Store().ListClassifications()
	if err != nil {
		s.logger.Error("list classifications", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, learned)
}

func (s *Server) writeStoreError(w http.ResponseWriter, op, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.logger.Error(op, "device", id, "err", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}
