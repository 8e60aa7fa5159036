package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/avrora-labs/opskb/internal/model"
	"github.com/avrora-labs/opskb/internal/store"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title    string `json:"title"`
		Source   string `json:"source"`
		MimeType string `json:"mime_type"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "title and content are required")
		return
	}
	if req.MimeType == "" {
		req.MimeType = "text/plain"
	}

	doc, err := s.store.CreateDocument(r.Context(), model.Document{
		Title:    req.Title,
		Source:   req.Source,
		MimeType: req.MimeType,
		Content:  req.Content,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	filter := store.DocumentFilter{
		Status: model.DocumentStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		Domain: r.URL.Query().Get("domain"),
	}
	docs, err := s.store.ListDocuments(r.Context(), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if docs == nil {
		docs = []model.Document{}
	}
	respondJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRevive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.ReviveDocument(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revived", "id": id})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.orchestrator.Cancel(id) {
		respondError(w, http.StatusNotFound, "no running extraction for document "+id)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "canceling", "id": id})
}

func (s *Server) handleListStaged(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListStagedItems(r.Context(), chi.URLParam(r, "id"), "")
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if items == nil {
		items = []model.StagedItem{}
	}
	respondJSON(w, http.StatusOK, items)
}

type reviewRequest struct {
	ItemIDs []string `json:"item_ids"`
	All     bool     `json:"all"`
}

type stampFunc func(ctx context.Context, documentID string, itemIDs []string, all bool) (int, error)

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.handleReview(w, r, s.committer.Verify, "verified")
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleReview(w, r, s.committer.Reject, "rejected")
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request, stamp stampFunc, action string) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.All && len(req.ItemIDs) == 0 {
		respondError(w, http.StatusBadRequest, "item_ids or all is required")
		return
	}

	n, err := stamp(r.Context(), chi.URLParam(r, "id"), req.ItemIDs, req.All)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{action: n})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	result, err := s.committer.Commit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question  string `json:"question"`
		SessionID string `json:"session_id"`
		Debug     bool   `json:"debug"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		respondError(w, http.StatusBadRequest, "question is required")
		return
	}

	resp, err := s.answerer.Answer(r.Context(), req.Question, req.SessionID, req.Debug)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}
