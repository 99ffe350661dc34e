package web

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/mtzanidakis/swarmbridge/internal/store"
)

func (s *Server) secretsEnabled(w http.ResponseWriter) bool {
	if s.store == nil || s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	if !s.secretsEnabled(w) {
		return
	}
	secrets, err := s.store.ListSecrets()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if secrets == nil {
		secrets = []store.Secret{}
	}
	jsonResponse(w, secrets)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	if !s.secretsEnabled(w) {
		return
	}
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Value       string `json:"value"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" || body.Value == "" {
		jsonError(w, "name and value are required", http.StatusBadRequest)
		return
	}

	existing, err := s.store.GetSecretByName(body.Name)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing != nil {
		jsonError(w, "secret already exists", http.StatusConflict)
		return
	}

	sec, err := s.vault.Seal(uuid.NewString(), body.Name, body.Description, []byte(body.Value))
	if err != nil {
		jsonError(w, "encryption failed", http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveSecret(sec); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jsonResponse(w, map[string]any{
		"id":          sec.ID,
		"name":        sec.Name,
		"description": sec.Description,
	})
}

func (s *Server) updateSecret(w http.ResponseWriter, r *http.Request) {
	if !s.secretsEnabled(w) {
		return
	}
	id := r.PathValue("id")
	existing, err := s.store.GetSecret(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "secret not found", http.StatusNotFound)
		return
	}

	var body struct {
		Description *string `json:"description"`
		Value       *string `json:"value"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if body.Description != nil {
		existing.Description = *body.Description
	}
	if body.Value != nil && *body.Value != "" {
		sealed, err := s.vault.Seal(existing.ID, existing.Name, existing.Description, []byte(*body.Value))
		if err != nil {
			jsonError(w, "encryption failed", http.StatusInternalServerError)
			return
		}
		existing = sealed
	}

	if err := s.store.SaveSecret(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{
		"id":          existing.ID,
		"name":        existing.Name,
		"description": existing.Description,
	})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if !s.secretsEnabled(w) {
		return
	}
	if err := s.store.DeleteSecret(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}
