/*
Copyright 2024 Otium Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/otium-labs/opshost/lib/orchestrator"
	"github.com/otium-labs/opshost/lib/registry"
	"github.com/otium-labs/opshost/lib/transport"
)

// server is the thin one-to-one HTTP adapter over the core operations
// enumerated in SPEC_FULL.md §6. It does no business logic of its own:
// every handler decodes a request, calls exactly one core operation, and
// encodes the result or error. Authentication/authorization of user_id is
// assumed to be handled by a reverse proxy in front of this adapter.
type server struct {
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
}

func newServer(reg *registry.Registry, orch *orchestrator.Orchestrator) *server {
	return &server{registry: reg, orchestrator: orch}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", s.handleConnect)
	mux.HandleFunc("/disconnect", s.handleDisconnect)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/submit", s.handleSubmit)
	mux.HandleFunc("/get_plan", s.handleGetPlan)
	mux.HandleFunc("/respond", s.handleRespond)
	mux.HandleFunc("/respond_all", s.handleRespondAll)
	mux.HandleFunc("/chat", s.handleChat)
	return mux
}

type connectRequest struct {
	UserID     string `json:"user_id"`
	Hostname   string `json:"hostname"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey []byte `json:"private_key,omitempty"`
}

type connectResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	port := req.Port
	if port == 0 {
		port = 22
	}
	cred := transport.Credential{Password: req.Password, PrivateKey: req.PrivateKey}
	sessionID, err := s.registry.Connect(r.Context(), req.UserID, req.Hostname, port, req.Username, cred)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{SessionID: sessionID, Status: "connected"})
}

type disconnectRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		s.registry.TerminateUser(req.UserID)
	} else {
		s.registry.Disconnect(req.UserID, req.SessionID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	writeJSON(w, http.StatusOK, s.registry.List(userID))
}

type submitRequest struct {
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	RequestText string `json:"request_text"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.orchestrator.Submit(r.Context(), req.UserID, req.SessionID, req.RequestText)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	planID := r.URL.Query().Get("plan_id")
	p, err := s.orchestrator.Get(userID, planID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type respondRequest struct {
	UserID    string `json:"user_id"`
	PlanID    string `json:"plan_id"`
	StepIndex int    `json:"step_index"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

func (s *server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	outcome, err := s.orchestrator.Respond(r.Context(), req.UserID, req.PlanID, req.StepIndex, req.Approved, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type respondAllRequest struct {
	UserID   string `json:"user_id"`
	PlanID   string `json:"plan_id"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func (s *server) handleRespondAll(w http.ResponseWriter, r *http.Request) {
	var req respondAllRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	summary := s.orchestrator.RespondAll(r.Context(), req.UserID, req.PlanID, req.Approved, req.Reason)
	if summary.Err != nil {
		writeError(w, summary.Err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type chatRequest struct {
	UserID  string `json:"user_id"`
	PlanID  string `json:"plan_id"`
	Message string `json:"message"`
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	exchange, err := s.orchestrator.Chat(r.Context(), req.UserID, req.PlanID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exchange)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, err error) {
	log.WithError(err).Warn("request failed")
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}
