package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/camrelay/internal/config"
)

// EndpointsHandler tells the browser player where the stream endpoints
// listen.
type EndpointsHandler struct {
	body EndpointsResponse
}

// EndpointsResponse describes the websocket ports and ICE servers.
type EndpointsResponse struct {
	BroadcastPort int            `json:"broadcast_port" example:"9999"`
	SignalingPort int            `json:"signaling_port" example:"8081"`
	ICEServers    []ICEServerDTO `json:"ice_servers"`
}

// ICEServerDTO matches the browser's RTCIceServer dictionary.
type ICEServerDTO struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// EndpointsOutput is the output for the endpoints operation.
type EndpointsOutput struct {
	Body EndpointsResponse
}

// NewEndpointsHandler builds the response from cfg once.
func NewEndpointsHandler(cfg *config.Config) *EndpointsHandler {
	servers := make([]ICEServerDTO, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, ICEServerDTO{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return &EndpointsHandler{body: EndpointsResponse{
		BroadcastPort: cfg.Broadcast.Port,
		SignalingPort: cfg.Signaling.Port,
		ICEServers:    servers,
	}}
}

// WithPorts overrides the advertised ports with the bound ones.
func (h *EndpointsHandler) WithPorts(broadcast, signaling int) *EndpointsHandler {
	h.body.BroadcastPort = broadcast
	h.body.SignalingPort = signaling
	return h
}

// Register registers the endpoints route with the API.
func (h *EndpointsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getEndpoints",
		Method:      "GET",
		Path:        "/api/endpoints",
		Summary:     "Stream endpoints",
		Description: "Returns the broadcast and signaling websocket ports and the ICE servers for the player",
		Tags:        []string{"Client"},
	}, h.GetEndpoints)
}

// GetEndpoints returns the client configuration.
func (h *EndpointsHandler) GetEndpoints(_ context.Context, _ *struct{}) (*EndpointsOutput, error) {
	return &EndpointsOutput{Body: h.body}, nil
}
