package app

import (
	"context"
	"fmt"
	"strings"

	"chatd/internal/apperr"
	"chatd/internal/conversation"
	"chatd/internal/supervisor"
	"chatd/pkg/types"
)

func parseRole(s string, def supervisor.Role) (supervisor.Role, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	r, ok := supervisor.ParseRole(strings.ToLower(strings.TrimSpace(s)))
	if !ok {
		return supervisor.RoleNone, apperr.Invalid("server", fmt.Sprintf("unknown role %q", s))
	}
	return r, nil
}

// StartServer launches a server role. With req.Wait it blocks until the
// server is ready or failed.
func (s *Service) StartServer(ctx context.Context, req types.ServerRequest) (types.ServerStatus, error) {
	role, err := parseRole(req.Role, supervisor.RoleMain)
	if err != nil {
		return s.ServerStatus(), err
	}
	if role == supervisor.RoleCaption && !s.Config().Servers.Caption.Enabled {
		return s.ServerStatus(), apperr.Invalid("server", "captioning server is not enabled")
	}
	if req.Model != "" {
		if role != supervisor.RoleMain {
			return s.ServerStatus(), apperr.Invalid("server", "a model can only be chosen for the main server")
		}
		if err := s.SelectModel(req.Model); err != nil {
			return s.ServerStatus(), err
		}
	}
	if req.Wait {
		err = s.sup.StartAndWait(ctx, role, s.launch(role))
	} else {
		err = s.sup.Start(role, s.launch(role))
	}
	return s.ServerStatus(), err
}

// StopServer stops role, or every server when role is empty.
func (s *Service) StopServer(req types.ServerRequest) (types.ServerStatus, error) {
	role, err := parseRole(req.Role, supervisor.RoleNone)
	if err != nil {
		return s.ServerStatus(), err
	}
	s.sup.Stop(role)
	return s.ServerStatus(), nil
}

func (s *Service) ServerStatus() types.ServerStatus {
	st := s.sup.Snapshot()
	return types.ServerStatus{
		Role:      st.Role.String(),
		State:     st.State.String(),
		PID:       st.PID,
		Binary:    st.Binary,
		LogPath:   st.LogPath,
		StartedAt: st.StartedAt,
		ReadyAt:   st.ReadyAt,
		LastError: st.LastError,
	}
}

// Chat runs one turn on the caller's goroutine.
func (s *Service) Chat(ctx context.Context, req types.ChatRequest) (types.ChatResponse, error) {
	turn := conversation.Turn{Message: req.Message, ImagePath: req.ImagePath}
	if req.Temperature != nil || req.MaxTokens > 0 {
		sp := s.sampling()
		if req.Temperature != nil {
			if *req.Temperature < 0 || *req.Temperature > 2 {
				return types.ChatResponse{}, apperr.Invalid("chat", "temperature must be within [0, 2]")
			}
			sp.Temperature = *req.Temperature
		}
		if req.MaxTokens > 0 {
			sp.MaxTokens = req.MaxTokens
		}
		turn.Sampling = &sp
	}
	rep, err := s.chat.Submit(ctx, turn)
	if err != nil {
		return types.ChatResponse{}, err
	}
	return types.ChatResponse{
		Text:      rep.Text,
		Caption:   rep.Caption,
		Tokens:    rep.Tokens,
		ElapsedMS: rep.Elapsed.Milliseconds(),
	}, nil
}

func (s *Service) Transcript() types.TranscriptResponse {
	p := s.chat.Persona()
	entries := s.chat.Transcript()
	out := types.TranscriptResponse{
		UserName: p.UserName,
		AIName:   p.AIName,
		Busy:     s.chat.Busy(),
		Entries:  make([]types.ChatEntry, len(entries)),
	}
	for i, e := range entries {
		out.Entries[i] = types.ChatEntry{Speaker: e.Speaker, Text: e.Text, Image: e.Image, Caption: e.Caption}
	}
	return out
}

func (s *Service) Undo() (types.UndoResponse, error) {
	t, err := s.chat.Undo()
	if err != nil {
		return types.UndoResponse{}, err
	}
	return types.UndoResponse{Message: t.Message, ImagePath: t.ImagePath}, nil
}

func (s *Service) ClearChat() error { return s.chat.Clear() }

// SetPersona updates the chat persona. Names apply from the next turn, the
// system prompt from the next cleared session.
func (s *Service) SetPersona(req types.PersonaRequest) (types.TranscriptResponse, error) {
	s.mu.Lock()
	c := s.cfg.Chat
	if v := strings.TrimSpace(req.UserName); v != "" {
		c.UserName = v
	}
	if v := strings.TrimSpace(req.AIName); v != "" {
		c.AIName = v
	}
	if req.SystemPrompt != "" {
		c.SystemPrompt = req.SystemPrompt
	}
	if req.Compact != nil {
		c.Compact = *req.Compact
	}
	if c.UserName == c.AIName {
		s.mu.Unlock()
		return s.Transcript(), apperr.Invalid("persona", "user and AI names must differ")
	}
	s.cfg.Chat = c
	s.mu.Unlock()
	s.chat.SetPersona(personaOf(c))
	s.log.Info().Str("user", c.UserName).Str("ai", c.AIName).Msg("persona updated")
	return s.Transcript(), nil
}
