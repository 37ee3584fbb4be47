package httpapi

import (
	"context"

	"chatd/internal/apperr"
	"chatd/internal/events"
	"chatd/internal/sysmon"
	"chatd/pkg/types"
)

type mockService struct {
	ready     bool
	models    []types.Model
	modelsErr error
	selected  string
	status    types.StatusResponse

	download    types.DownloadStatus
	downloadErr error
	lastReq     types.DownloadRequest
	resolveErr  error
	resolved    string

	serverReq types.ServerRequest
	serverErr error

	chatErr   error
	chatBlock bool
	chatReq   types.ChatRequest

	bus *events.Bus
}

func (m *mockService) Ready() bool                  { return m.ready }
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Sysinfo(context.Context) (sysmon.Sample, error) {
	return sysmon.Sample{ServerProcs: 1, CPUPercent: 5}, nil
}

func (m *mockService) Models() ([]types.Model, error) { return m.models, m.modelsErr }
func (m *mockService) SelectModel(name string) error {
	if m.modelsErr != nil {
		return m.modelsErr
	}
	m.selected = name
	return nil
}
func (m *mockService) Bundles() []types.Bundle { return []types.Bundle{{Name: "tinyllama-1.1b"}} }

func (m *mockService) StartDownload(req types.DownloadRequest) (types.DownloadStatus, error) {
	m.lastReq = req
	return m.download, m.downloadErr
}
func (m *mockService) Downloads() []types.DownloadStatus { return []types.DownloadStatus{m.download} }
func (m *mockService) Download(id string) (types.DownloadStatus, error) {
	if m.downloadErr != nil {
		return types.DownloadStatus{}, m.downloadErr
	}
	return m.download, nil
}
func (m *mockService) CancelDownload(id string) error { return m.downloadErr }
func (m *mockService) ResolveDownload(id, resolution string) error {
	m.resolved = resolution
	return m.resolveErr
}

func (m *mockService) StartServer(ctx context.Context, req types.ServerRequest) (types.ServerStatus, error) {
	m.serverReq = req
	return types.ServerStatus{Role: "main", State: "starting"}, m.serverErr
}
func (m *mockService) StopServer(req types.ServerRequest) (types.ServerStatus, error) {
	m.serverReq = req
	return types.ServerStatus{Role: "none", State: "stopped"}, m.serverErr
}

func (m *mockService) Chat(ctx context.Context, req types.ChatRequest) (types.ChatResponse, error) {
	m.chatReq = req
	if m.chatBlock {
		<-ctx.Done()
		return types.ChatResponse{}, ctx.Err()
	}
	if m.chatErr != nil {
		return types.ChatResponse{}, m.chatErr
	}
	return types.ChatResponse{Text: " Paris.", Tokens: 2}, nil
}
func (m *mockService) Transcript() types.TranscriptResponse {
	return types.TranscriptResponse{UserName: "User", AIName: "AI Assistant"}
}
func (m *mockService) Undo() (types.UndoResponse, error) {
	return types.UndoResponse{Message: "hi"}, nil
}
func (m *mockService) ClearChat() error { return m.chatErr }

func (m *mockService) SetPersona(req types.PersonaRequest) (types.TranscriptResponse, error) {
	if req.UserName != "" && req.UserName == req.AIName {
		return types.TranscriptResponse{}, apperr.Invalid("persona", "user and AI names must differ")
	}
	return types.TranscriptResponse{UserName: req.UserName, AIName: req.AIName}, nil
}

func (m *mockService) Subscribe() (<-chan events.Event, func()) {
	if m.bus == nil {
		m.bus = events.NewBus(8)
	}
	return m.bus.Subscribe()
}
