package maintenance

import (
	"strings"

	"github.com/migadu/maintenance/config"
	"github.com/migadu/maintenance/helpers"
)

const (
	placeholderNewline = "%NEWLINE%"
	placeholderServer  = "%SERVER%"
	placeholderTime    = "%TIME%"

	colourChar = '§'
)

const legacyCodes = "0123456789abcdefklmnorABCDEFKLMNOR"

// Messages renders the configured templates into text the proxy can send.
type Messages struct {
	cfg config.MessagesConfig
}

func NewMessages(cfg config.MessagesConfig) *Messages {
	return &Messages{cfg: cfg}
}

// Render substitutes placeholders and translates &-colour codes.
func Render(template, server string, seconds int) string {
	r := strings.NewReplacer(
		placeholderNewline, "\n",
		placeholderServer, server,
		placeholderTime, helpers.FormatCountdown(seconds),
	)
	return translateColours(r.Replace(template))
}

// translateColours swaps '&' for '§' where it introduces a colour or format
// code. Other ampersands are left alone.
func translateColours(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		if s[i] == '&' && i+1 < len(s) && strings.IndexByte(legacyCodes, s[i+1]) >= 0 {
			b.WriteRune(colourChar)
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func (m *Messages) chat(template, server string, seconds int) string {
	return Render(m.cfg.Prefix+template, server, seconds)
}

// Kick is the disconnect reason for global maintenance.
func (m *Messages) Kick() string {
	return Render(m.cfg.KickMessage, "", 0)
}

func (m *Messages) Activated() string   { return m.chat(m.cfg.MaintenanceActivated, "", 0) }
func (m *Messages) Deactivated() string { return m.chat(m.cfg.MaintenanceDeactivated, "", 0) }

func (m *Messages) BackendActivated(server string) string {
	return m.chat(m.cfg.SingleMaintenanceActivated, server, 0)
}

func (m *Messages) BackendDeactivated(server string) string {
	return m.chat(m.cfg.SingleMaintenanceDeactivated, server, 0)
}

// BackendRedirect is sent to a session moved to the fallback backend.
func (m *Messages) BackendRedirect(server string) string {
	return m.chat(m.cfg.SingleMaintenanceKick, server, 0)
}

// BackendKick is the disconnect reason when no usable fallback exists.
func (m *Messages) BackendKick(server string) string {
	return Render(m.cfg.SingleMaintenanceKickComplete, server, 0)
}

func (m *Messages) StartTimer(seconds int) string {
	return m.chat(m.cfg.StartTimerBroadcast, "", seconds)
}

func (m *Messages) EndTimer(seconds int) string {
	return m.chat(m.cfg.EndTimerBroadcast, "", seconds)
}
