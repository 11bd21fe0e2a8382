// Package elm327 drives an ELM327-dialect adapter's text protocol: the
// initialization handshake, command transmission, UDS request framing,
// the adapter response parser, and the tester-present keep-alive. All
// adapter I/O goes through one connection.Connection under a single
// command lock.
package elm327

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vlink/obdcore/pkg/connection"
	"github.com/vlink/obdcore/pkg/isotp"
	"github.com/vlink/obdcore/pkg/logger"
	"github.com/vlink/obdcore/pkg/metrics"
)

// Sentinel errors not already covered by the connection package's
// IoError/Timeout/NotOpen set.
var (
	ErrProtocol = errors.New("elm327: service echo does not match request|0x40")
	ErrParse    = errors.New("elm327: malformed adapter output")
)

// NoResponseError wraps one of the adapter's error tokens (NO DATA, ERROR,
// UNABLE TO CONNECT, ...); Token carries the exact text.
type NoResponseError struct{ Token string }

func (e *NoResponseError) Error() string {
	return fmt.Sprintf("elm327: adapter reported %q", e.Token)
}

// NegativeResponseError wraps a UDS negative response (0x7F); NRC is the
// negative response code byte, preserved unchanged.
type NegativeResponseError struct{ NRC byte }

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("elm327: negative response, nrc=%#02x", e.NRC)
}

// errorTokens fail parsing immediately; informational tokens are discarded
// when they stand alone. Both lists are verbatim from the adapter dialect
// this package targets.
var errorTokens = []string{
	"NO DATA", "ERROR", "?", "STOPPED", "UNABLE TO CONNECT", "CAN ERROR", "BUFFER FULL",
}

var informationalTokens = map[string]bool{
	"SEARCHING...": true,
	"BUS INIT...":  true,
	"OK":           true,
}

func matchErrorToken(line string) (string, bool) {
	if strings.HasPrefix(line, "<DATA ERROR") {
		return line, true
	}
	for _, tok := range errorTokens {
		if line == tok {
			return tok, true
		}
	}
	return "", false
}

// splitLines splits raw adapter text on \r, \n, and \r\r, trimming the
// trailing prompt byte and discarding empty segments.
func splitLines(raw string) []string {
	raw = strings.TrimSuffix(raw, ">")
	raw = strings.ReplaceAll(raw, "\r\n", "\r")
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' })
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			lines = append(lines, f)
		}
	}
	return lines
}

// UdsResponse is the decoded result of one UDS request.
type UdsResponse struct {
	ServiceEcho    byte
	DataIdentifier uint16
	HasDID         bool
	Payload        []byte
}

// Engine drives one ELM327-dialect connection. The command lock serializes
// SendCommand, SendUDSMessage, and tester-present ticks, and also guards
// the cached active ATSH header.
type Engine struct {
	conn connection.Connection
	log  *logger.Logger

	promptTimeout time.Duration

	mu              sync.Mutex
	activeHeader    uint16
	hasActiveHeader bool

	testerStop     chan struct{}
	testerWG       sync.WaitGroup
	testerRunning  bool
	testerDisabled bool
}

// New creates an Engine over an already-constructed connection. It does not
// open the connection or run the handshake; call Initialize for that.
func New(conn connection.Connection, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Global()
	}
	return &Engine{conn: conn, log: log, promptTimeout: 2 * time.Second}
}

// initCommands is the handshake, in order. ATZ's banner is deliberately
// ignored; ATH1 is the one required step without which the frame parser
// cannot identify per-frame CAN IDs.
var initCommands = []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH1", "ATSP0"}

// Initialize runs the initialization handshake.
func (e *Engine) Initialize(ctx context.Context) error {
	for _, cmd := range initCommands {
		resp, err := e.SendCommand(ctx, cmd)
		if err != nil {
			return fmt.Errorf("elm327: initialize %s: %w", cmd, err)
		}
		if cmd == "ATZ" {
			continue
		}
		if tok, bad := matchErrorToken(strings.TrimSpace(resp)); bad {
			return fmt.Errorf("elm327: initialize %s: %w", cmd, &NoResponseError{Token: tok})
		}
	}
	return nil
}

// SendCommand writes cmd+"\r", reads until the prompt byte, and returns
// the trimmed response text. No flush is needed beforehand: the previous
// ReadUntil already consumed through the prompt.
func (e *Engine) SendCommand(ctx context.Context, cmd string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendCommandLocked(ctx, cmd)
}

func (e *Engine) sendCommandLocked(ctx context.Context, cmd string) (string, error) {
	if err := e.conn.Write(ctx, []byte(cmd+"\r")); err != nil {
		metrics.IncCommand(cmd, metrics.StatusFailed)
		return "", err
	}
	raw, err := e.conn.ReadUntil(ctx, '>', e.promptTimeout)
	if err != nil {
		metrics.IncCommand(cmd, metrics.StatusFailed)
		return "", err
	}
	metrics.IncCommand(cmd, metrics.StatusOK)
	resp := strings.TrimSpace(strings.TrimSuffix(string(raw), ">"))
	return resp, nil
}

// parseResponse turns raw adapter text (ending at the prompt) into an
// ordered list of per-frame hex strings with the 3-digit CAN ID prefix
// stripped. It accepts both the spaced (ATS1) and compact (ATS0) adapter
// dialects transparently.
func parseResponse(raw string) ([]string, error) {
	lines := splitLines(raw)
	frames := make([]string, 0, len(lines))
	for _, line := range lines {
		if informationalTokens[line] {
			continue
		}
		if tok, bad := matchErrorToken(line); bad {
			return nil, &NoResponseError{Token: tok}
		}
		compact := strings.ReplaceAll(line, " ", "")
		if len(compact) < 3 {
			return nil, fmt.Errorf("%w: line %q too short for a CAN ID", ErrParse, line)
		}
		if _, err := hex.DecodeString(compact[:3] + "0"); err != nil {
			return nil, fmt.Errorf("%w: invalid CAN ID in %q", ErrParse, line)
		}
		frames = append(frames, compact[3:])
	}
	return frames, nil
}

// SendUDSMessage sends one UDS request to targetCANID and returns the
// reassembled, validated response. The ATSH header is only re-sent when
// the target changes.
func (e *Engine) SendUDSMessage(ctx context.Context, targetCANID uint16, service byte, data []byte) (UdsResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasActiveHeader || e.activeHeader != targetCANID {
		resp, err := e.sendCommandLocked(ctx, fmt.Sprintf("ATSH%03X", targetCANID))
		if err != nil {
			return UdsResponse{}, err
		}
		if tok, bad := matchErrorToken(strings.TrimSpace(resp)); bad {
			return UdsResponse{}, &NoResponseError{Token: tok}
		}
		e.activeHeader = targetCANID
		e.hasActiveHeader = true
	}

	payload := append([]byte{service}, data...)
	raw, err := e.sendCommandLocked(ctx, strings.ToUpper(hex.EncodeToString(payload)))
	if err != nil {
		metrics.IncUDSRequest(fmt.Sprintf("%#02x", service), metrics.StatusFailed)
		return UdsResponse{}, err
	}

	frames, err := parseResponse(raw)
	if err != nil {
		metrics.IncUDSRequest(fmt.Sprintf("%#02x", service), metrics.StatusFailed)
		return UdsResponse{}, err
	}

	assembled, err := isotp.ParseFrames(frames)
	if err != nil {
		metrics.IncIsoTpError("reassembly")
		metrics.IncUDSRequest(fmt.Sprintf("%#02x", service), metrics.StatusFailed)
		return UdsResponse{}, err
	}
	if len(assembled) == 0 {
		metrics.IncUDSRequest(fmt.Sprintf("%#02x", service), metrics.StatusFailed)
		return UdsResponse{}, fmt.Errorf("%w: empty payload", ErrParse)
	}

	if assembled[0] == 0x7F {
		metrics.IncUDSRequest(fmt.Sprintf("%#02x", service), metrics.StatusFailed)
		nrc := byte(0)
		if len(assembled) > 2 {
			nrc = assembled[2]
		}
		return UdsResponse{}, &NegativeResponseError{NRC: nrc}
	}
	if assembled[0] != service|0x40 {
		metrics.IncUDSRequest(fmt.Sprintf("%#02x", service), metrics.StatusFailed)
		return UdsResponse{}, fmt.Errorf("%w: got %#02x, want %#02x", ErrProtocol, assembled[0], service|0x40)
	}

	out := UdsResponse{ServiceEcho: assembled[0]}
	rest := assembled[1:]
	if service == 0x22 || service == 0x62 {
		if len(rest) < 2 {
			return UdsResponse{}, fmt.Errorf("%w: response too short for a DID", ErrParse)
		}
		out.DataIdentifier = uint16(rest[0])<<8 | uint16(rest[1])
		out.HasDID = true
		rest = rest[2:]
	}
	out.Payload = rest

	metrics.IncUDSRequest(fmt.Sprintf("%#02x", service), metrics.StatusOK)
	return out, nil
}

// StartTesterPresent begins sending UDS service 0x3E (tester present) to
// the currently active header every period, ignoring response content. It
// is mutually exclusive with foreground commands via the same command
// lock; a tick that cannot acquire the lock is skipped, not queued,
// since keep-alive is idempotent. Calling it while already running is a
// no-op.
func (e *Engine) StartTesterPresent(period time.Duration) {
	e.mu.Lock()
	if e.testerRunning {
		e.mu.Unlock()
		return
	}
	e.testerRunning = true
	e.testerDisabled = false
	stop := make(chan struct{})
	e.testerStop = stop
	e.mu.Unlock()

	e.testerWG.Add(1)
	go e.testerPresentLoop(period, stop)
}

func (e *Engine) testerPresentLoop(period time.Duration, stop chan struct{}) {
	defer e.testerWG.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !e.mu.TryLock() {
				metrics.IncTesterPresentTick("skipped")
				continue
			}
			if e.testerDisabled || !e.hasActiveHeader {
				e.mu.Unlock()
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), e.promptTimeout)
			_, err := e.sendCommandLocked(ctx, "3E00")
			cancel()
			if err != nil {
				e.testerDisabled = true
				e.log.Warn("tester-present tick failed, disabling keep-alive", "error", err)
				metrics.IncTesterPresentTick("error")
			} else {
				metrics.IncTesterPresentTick("ok")
			}
			e.mu.Unlock()
		}
	}
}

// StopTesterPresent stops the tester-present task and waits for it to
// quiesce before returning. Calling it when not running is a no-op.
func (e *Engine) StopTesterPresent() {
	e.mu.Lock()
	if !e.testerRunning {
		e.mu.Unlock()
		return
	}
	close(e.testerStop)
	e.testerRunning = false
	e.mu.Unlock()

	e.testerWG.Wait()
}
