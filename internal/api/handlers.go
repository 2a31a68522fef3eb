package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/flow"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/messaging"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/registry"
)

// sectionView describes one section of a variant.
type sectionView struct {
	ID                   models.SectionID   `json:"id"`
	Title                string             `json:"title"`
	RequiredFields       []string           `json:"required_fields,omitempty"`
	RequiresConfirmation bool               `json:"requires_confirmation,omitempty"`
	References           []models.SectionID `json:"references,omitempty"`
}

// variantView describes one workflow variant.
type variantView struct {
	Name        string        `json:"name"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Sections    []sectionView `json:"sections"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

func (s *Server) variantsHandler(w http.ResponseWriter, r *http.Request) {
	var views []variantView
	for _, name := range registry.Variants() {
		v, err := registry.Load(name)
		if err != nil {
			slog.Error("Server.variantsHandler: failed to load variant", "variant", name, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load variants"))
			return
		}
		view := variantView{Name: v.Name, Title: v.Title, Description: v.Description}
		for _, sec := range v.Sections {
			view.Sections = append(view.Sections, sectionView{
				ID:                   sec.ID,
				Title:                sec.Title,
				RequiredFields:       sec.RequiredFields,
				RequiresConfirmation: sec.RequiresConfirmation,
				References:           sec.References,
			})
		}
		views = append(views, view)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	var req models.StartRequest
	if !decodeJSON(w, r, "startHandler", &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeWorkflowError(w, "startHandler", err)
		return
	}
	unlock := s.locks.Lock(messaging.ConversationKey(req.UserID, req.ThreadID))
	result, err := s.workflow.Start(r.Context(), req.UserID, req.ThreadID, req.Variant)
	unlock()
	s.writeTurn(w, "startHandler", result, err)
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	var req models.MessageRequest
	if !decodeJSON(w, r, "messageHandler", &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeWorkflowError(w, "messageHandler", err)
		return
	}
	unlock := s.locks.Lock(messaging.ConversationKey(req.UserID, req.ThreadID))
	result, err := s.workflow.HandleUserMessage(r.Context(), req.UserID, req.ThreadID, req.Text)
	unlock()
	s.writeTurn(w, "messageHandler", result, err)
}

func (s *Server) modifyHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ModifyRequest
	if !decodeJSON(w, r, "modifyHandler", &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeWorkflowError(w, "modifyHandler", err)
		return
	}
	unlock := s.locks.Lock(messaging.ConversationKey(req.UserID, req.ThreadID))
	result, err := s.workflow.RequestModify(r.Context(), req.UserID, req.ThreadID, req.Section)
	unlock()
	s.writeTurn(w, "modifyHandler", result, err)
}

// resumeHandler re-runs a pass without new input, e.g. after a halted pass
// whose collaborator has recovered.
func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ConversationKey
	if !decodeJSON(w, r, "resumeHandler", &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeWorkflowError(w, "resumeHandler", err)
		return
	}
	unlock := s.locks.Lock(messaging.ConversationKey(req.UserID, req.ThreadID))
	result, err := s.workflow.Resume(r.Context(), req.UserID, req.ThreadID)
	unlock()
	s.writeTurn(w, "resumeHandler", result, err)
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := queryKey(w, r, "getConversationHandler")
	if !ok {
		return
	}
	state, err := s.workflow.Get(r.Context(), key.UserID, key.ThreadID)
	if err != nil {
		writeWorkflowError(w, "getConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

func (s *Server) sectionsHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := queryKey(w, r, "sectionsHandler")
	if !ok {
		return
	}
	records, err := s.workflow.SectionRecords(r.Context(), key.UserID, key.ThreadID)
	if err != nil {
		writeWorkflowError(w, "sectionsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) resetConversationHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := queryKey(w, r, "resetConversationHandler")
	if !ok {
		return
	}
	unlock := s.locks.Lock(messaging.ConversationKey(key.UserID, key.ThreadID))
	err := s.workflow.Reset(r.Context(), key.UserID, key.ThreadID)
	unlock()
	if err != nil {
		writeWorkflowError(w, "resetConversationHandler", err)
		return
	}
	slog.Info("Server.resetConversationHandler: conversation reset", "user_id", key.UserID, "thread_id", key.ThreadID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation reset", nil))
}

func (s *Server) writeTurn(w http.ResponseWriter, handler string, result *flow.TurnResult, err error) {
	if err != nil {
		writeWorkflowError(w, handler, err)
		return
	}
	slog.Debug("Server."+handler+": turn complete", "route", result.Route.String(), "new_messages", len(result.NewMessages))
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, handler string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Warn("Server."+handler+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

func queryKey(w http.ResponseWriter, r *http.Request, handler string) (models.ConversationKey, bool) {
	key := models.ConversationKey{
		UserID:   r.URL.Query().Get("user_id"),
		ThreadID: r.URL.Query().Get("thread_id"),
	}
	if err := key.Validate(); err != nil {
		writeWorkflowError(w, handler, err)
		return key, false
	}
	return key, true
}
