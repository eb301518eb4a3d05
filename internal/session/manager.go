// Package session maintains the websocket progress connection for one
// analysis session: it dials the analysis endpoint, consumes server progress
// updates into a stage table, keeps the connection alive with pings, and
// reconnects with linear backoff after abnormal closes.
package session

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/histolab/capture-agent/internal/observability"
	"github.com/histolab/capture-agent/internal/resilience"
)

// Status is the connection lifecycle state
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Known analysis stages reported over the progress connection. Unknown
// stages are stored as-is so new server stages surface without a client
// update.
const (
	StageVision        = "vision_analysis"
	StageTranscription = "transcription"
	StageExtraction    = "data_extraction"
	StageReport        = "report_generation"
)

// Outbound command types understood by the analysis endpoint
const (
	CommandStartVisionAnalysis   = "start_vision_analysis"
	CommandStartTranscription    = "start_transcription"
	CommandStartCompleteAnalysis = "start_complete_analysis"
	CommandGetSessionStatus      = "get_session_status"
	commandPing                  = "ping"
)

// StageProgress is the latest reported state of one analysis stage
type StageProgress struct {
	Status    string
	Percent   float64
	Payload   map[string]interface{}
	UpdatedAt time.Time
}

// UpdateKind identifies manager notifications
type UpdateKind string

const (
	UpdateStatus      UpdateKind = "status"
	UpdateProgress    UpdateKind = "progress"
	UpdateServerError UpdateKind = "server_error"
)

// Update is a manager notification delivered on the Updates channel
type Update struct {
	Kind     UpdateKind
	Status   Status        // Set on UpdateStatus
	Stage    string        // Set on UpdateProgress
	Progress StageProgress // Set on UpdateProgress
	Message  string        // Set on UpdateServerError
}

// serverMessage is the inbound envelope on the progress connection
type serverMessage struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	Step      string                 `json:"step"`
	Progress  float64                `json:"progress"`
	Status    string                 `json:"status"`
	Data      map[string]interface{} `json:"data"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error"`
}

// ManagerConfig configures a progress connection
type ManagerConfig struct {
	SessionID            string
	URL                  string
	KeepAliveInterval    time.Duration // 30s when zero
	MaxReconnectAttempts int           // 5 when zero
	ReconnectBackoff     time.Duration // Linear backoff unit, 2s when zero
	Dialer               *websocket.Dialer
}

// Manager owns one progress connection. It starts connecting immediately on
// construction; callers observe state through Status, Snapshot, and the
// Updates channel.
type Manager struct {
	sessionID string
	url       string
	dialer    *websocket.Dialer
	logger    zerolog.Logger

	keepAlive   time.Duration
	maxAttempts int
	backoffUnit time.Duration

	mu             sync.RWMutex
	conn           *websocket.Conn
	status         Status
	lastError      string
	stages         map[string]StageProgress
	attempt        int
	closed         bool
	reconnectTimer *time.Timer

	writeMu sync.Mutex

	updates chan Update
	done    chan struct{}
}

// NewManager creates a progress connection manager and begins dialing. The
// returned manager is already in the connecting state.
func NewManager(cfg ManagerConfig, logger zerolog.Logger) *Manager {
	keepAlive := cfg.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	backoff := cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	m := &Manager{
		sessionID:   cfg.SessionID,
		url:         cfg.URL,
		dialer:      dialer,
		logger:      logger.With().Str("session_id", cfg.SessionID).Logger(),
		keepAlive:   keepAlive,
		maxAttempts: maxAttempts,
		backoffUnit: backoff,
		status:      StatusConnecting,
		stages:      make(map[string]StageProgress),
		updates:     make(chan Update, 64),
		done:        make(chan struct{}),
	}

	go m.dial()
	return m
}

// AnalysisURL builds the analysis endpoint URL for a session
func AnalysisURL(wsBase, sessionID, token string) string {
	base := strings.TrimRight(wsBase, "/")
	u := fmt.Sprintf("%s/ws/analysis/%s", base, sessionID)
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// SessionID returns the analysis session this manager is bound to
func (m *Manager) SessionID() string { return m.sessionID }

// Status returns the current connection status
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// LastError returns the most recent server-reported or connection error
func (m *Manager) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Updates returns the notification channel. Notifications are dropped rather
// than blocking the connection when the consumer lags.
func (m *Manager) Updates() <-chan Update { return m.updates }

// Done is closed when the manager is disconnected for good
func (m *Manager) Done() <-chan struct{} { return m.done }

// Snapshot returns a deep copy of the per-stage progress table
func (m *Manager) Snapshot() map[string]StageProgress {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]StageProgress, len(m.stages))
	for stage, p := range m.stages {
		copied := p
		if p.Payload != nil {
			payload := make(map[string]interface{}, len(p.Payload))
			for k, v := range p.Payload {
				payload[k] = v
			}
			copied.Payload = payload
		}
		out[stage] = copied
	}
	return out
}

// Send writes a command envelope to the server. It fails when the connection
// is not currently established; commands are not queued across reconnects.
func (m *Manager) Send(msgType string, fields map[string]interface{}) error {
	m.mu.RLock()
	conn := m.conn
	status := m.status
	m.mu.RUnlock()

	if status != StatusConnected || conn == nil {
		return fmt.Errorf("progress connection is %s, cannot send %s", status, msgType)
	}

	envelope := map[string]interface{}{
		"type":       msgType,
		"session_id": m.sessionID,
	}
	for k, v := range fields {
		envelope[k] = v
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(envelope); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}
	return nil
}

// StartVisionAnalysis asks the server to begin vision analysis
func (m *Manager) StartVisionAnalysis() error {
	return m.Send(CommandStartVisionAnalysis, nil)
}

// StartTranscription asks the server to begin transcription
func (m *Manager) StartTranscription() error {
	return m.Send(CommandStartTranscription, nil)
}

// StartCompleteAnalysis asks the server to run every stage
func (m *Manager) StartCompleteAnalysis() error {
	return m.Send(CommandStartCompleteAnalysis, nil)
}

// RequestStatus asks the server for a full session status report
func (m *Manager) RequestStatus() error {
	return m.Send(CommandGetSessionStatus, nil)
}

// Disconnect closes the connection for good: a normal close is sent, no
// reconnect is scheduled, and repeated calls are no-ops.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.setStatusLocked(StatusDisconnected)
	close(m.done)
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		if err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session complete"), deadline); err != nil {
			m.logger.Debug().Err(err).Msg("Failed to send close message")
		}
		m.writeMu.Unlock()
		conn.Close()
	}

	m.logger.Info().Msg("Progress connection closed")
}

// dial attempts to establish the websocket connection once; failures feed
// the reconnect schedule.
func (m *Manager) dial() {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}

	conn, resp, err := m.dialer.Dial(m.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to connect progress websocket")
		m.handleConnectionLoss(err)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.attempt = 0 // A successful connect resets the reconnect budget
	m.setStatusLocked(StatusConnected)
	m.mu.Unlock()

	m.logger.Info().Msg("Progress connection established")

	connDone := make(chan struct{})
	go m.keepAliveLoop(connDone)
	go m.readLoop(conn, connDone)
}

// readLoop consumes server messages until the connection drops
func (m *Manager) readLoop(conn *websocket.Conn, connDone chan struct{}) {
	defer close(connDone)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.mu.RLock()
			closed := m.closed
			m.mu.RUnlock()
			if closed {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Warn().Err(err).Msg("Progress websocket read error")
			}
			m.handleConnectionLoss(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			m.logger.Error().Err(err).Msg("Failed to parse progress message")
			continue
		}
		m.handleMessage(msg)
	}
}

// handleMessage dispatches one inbound envelope
func (m *Manager) handleMessage(msg serverMessage) {
	switch msg.Type {
	case "connection_established":
		m.logger.Info().Msg("Analysis session acknowledged")

	case "progress_update":
		m.applyProgress(msg)

	case "session_status":
		// A full status report carries per-stage states in data
		m.applyStatusReport(msg)

	case "pong":
		m.logger.Debug().Msg("Keep-alive acknowledged")

	case "error":
		// Server-side errors are recorded but do not drop the connection
		text := msg.Error
		if text == "" {
			text = msg.Message
		}
		m.logger.Warn().Str("error", text).Msg("Analysis server reported an error")
		m.mu.Lock()
		m.lastError = text
		m.mu.Unlock()
		m.publish(Update{Kind: UpdateServerError, Message: text})

	default:
		m.logger.Debug().Str("type", msg.Type).Msg("Unknown progress message type")
	}
}

// applyProgress upserts one stage row from a progress_update
func (m *Manager) applyProgress(msg serverMessage) {
	if msg.Step == "" {
		m.logger.Debug().Msg("Progress update without a step, ignoring")
		return
	}

	progress := StageProgress{
		Status:    msg.Status,
		Percent:   msg.Progress,
		Payload:   msg.Data,
		UpdatedAt: time.Now(),
	}

	m.mu.Lock()
	m.stages[msg.Step] = progress
	m.mu.Unlock()

	m.logger.Debug().
		Str("stage", msg.Step).
		Str("status", msg.Status).
		Float64("percent", msg.Progress).
		Msg("Stage progress updated")

	m.publish(Update{Kind: UpdateProgress, Stage: msg.Step, Progress: progress})
}

// applyStatusReport merges a session_status response into the stage table
func (m *Manager) applyStatusReport(msg serverMessage) {
	if msg.Data == nil {
		return
	}

	for stage, raw := range msg.Data {
		fields, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		progress := StageProgress{UpdatedAt: time.Now()}
		if status, ok := fields["status"].(string); ok {
			progress.Status = status
		}
		if pct, ok := fields["progress"].(float64); ok {
			progress.Percent = pct
		}
		if data, ok := fields["data"].(map[string]interface{}); ok {
			progress.Payload = data
		}

		m.mu.Lock()
		m.stages[stage] = progress
		m.mu.Unlock()

		m.publish(Update{Kind: UpdateProgress, Stage: stage, Progress: progress})
	}
}

// keepAliveLoop sends periodic pings so intermediaries keep the connection
// open during long analysis stages
func (m *Manager) keepAliveLoop(connDone chan struct{}) {
	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-connDone:
			return
		case <-ticker.C:
			if err := m.Send(commandPing, nil); err != nil {
				m.logger.Debug().Err(err).Msg("Keep-alive send failed")
				return
			}
		}
	}
}

// handleConnectionLoss runs the reconnect schedule after an abnormal drop
func (m *Manager) handleConnectionLoss(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.lastError = cause.Error()
	m.attempt++
	attempt := m.attempt

	if attempt > m.maxAttempts {
		m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		m.logger.Error().
			Int("attempts", attempt-1).
			Msg("Reconnect attempts exhausted, giving up")
		return
	}

	backoff := resilience.LinearBackoff(attempt, m.backoffUnit, 0)
	m.setStatusLocked(StatusConnecting)
	m.reconnectTimer = time.AfterFunc(backoff, m.dial)
	m.mu.Unlock()

	observability.RecordReconnect()
	m.logger.Info().
		Int("attempt", attempt).
		Int("max_attempts", m.maxAttempts).
		Dur("backoff", backoff).
		Msg("Scheduling progress websocket reconnect")
}

// setStatusLocked updates the status and notifies subscribers; callers must
// hold the write lock.
func (m *Manager) setStatusLocked(status Status) {
	if m.status == status {
		return
	}
	m.status = status
	m.publish(Update{Kind: UpdateStatus, Status: status})
}

func (m *Manager) publish(update Update) {
	select {
	case m.updates <- update:
	default:
		m.logger.Debug().Str("kind", string(update.Kind)).Msg("Updates channel full, dropping notification")
	}
}
