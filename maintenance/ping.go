package maintenance

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/migadu/maintenance/config"
)

// PingRequest is the response the proxy is about to send for a server-list ping.
type PingRequest struct {
	Motd     string `json:"motd"`
	Online   int    `json:"online"`
	Max      int    `json:"max"`
	Protocol int    `json:"protocol"`
	Version  string `json:"version,omitempty"`
}

// PingResponse tells the proxy what to send instead. When Override is false
// the proxy keeps its own response.
type PingResponse struct {
	Override bool     `json:"override"`
	Motd     string   `json:"motd,omitempty"`
	Version  string   `json:"version,omitempty"`
	Protocol int      `json:"protocol"`
	Online   int      `json:"online"`
	Max      int      `json:"max"`
	Hover    []string `json:"hover,omitempty"`
	Favicon  string   `json:"favicon,omitempty"`
}

// PingResponder overrides server-list pings while global maintenance is on.
type PingResponder struct {
	state *State

	mu      sync.RWMutex
	cfg     config.PingConfig
	favicon string
}

func NewPingResponder(state *State, cfg config.PingConfig) *PingResponder {
	return &PingResponder{state: state, cfg: cfg}
}

// Update replaces the ping settings and favicon.
func (p *PingResponder) Update(cfg config.PingConfig, favicon string) {
	p.mu.Lock()
	p.cfg = cfg
	p.favicon = favicon
	p.mu.Unlock()
}

func (p *PingResponder) Favicon() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.favicon
}

func (p *PingResponder) Respond(req PingRequest) PingResponse {
	if !p.state.IsGlobal() {
		return PingResponse{Override: false, Protocol: req.Protocol, Online: req.Online, Max: req.Max}
	}

	p.mu.RLock()
	cfg := p.cfg
	favicon := p.favicon
	p.mu.RUnlock()

	resp := PingResponse{
		Override: true,
		Motd:     req.Motd,
		Version:  Render(cfg.PlayerCountMessage, "", 0),
		// An unknown protocol makes clients render Version instead of the player count.
		Protocol: -1,
		Online:   req.Online,
		Max:      req.Max,
	}
	if n := len(cfg.Messages); n > 0 {
		resp.Motd = Render(cfg.Messages[rand.Intn(n)], "", 0)
	}
	if cfg.PlayerCountHoverMessage != "" {
		resp.Hover = strings.Split(Render(cfg.PlayerCountHoverMessage, "", 0), "\n")
	}
	if cfg.CustomIcon && favicon != "" {
		resp.Favicon = favicon
	}
	return resp
}
