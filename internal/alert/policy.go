// Package alert derives the user-facing alert text from detection
// responses and gates the speech and vibration side effects behind
// content and cooldown rules.
package alert

import (
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/visionguard/detection-client/internal/logger"
	"github.com/visionguard/detection-client/pkg/types"
)

// PathClear is shown when the service reports an empty scene.
const PathClear = "Path Clear"

// priorityMarker gates vibration: server alerts for priority objects
// always carry it ("Warning! person close in front").
const priorityMarker = "Warning"

// maxSpokenObjects bounds how many distinct object names make it into
// the derived text before it is truncated.
const maxSpokenObjects = 2

// Policy owns lastAlertText and lastSpeechAt. It is driven only from the
// stream loop goroutine and must not be shared for concurrent use.
type Policy struct {
	speaker  Speaker
	vibrator Vibrator
	cooldown time.Duration
	clock    clock.Clock

	lastText     string
	lastSpeechAt time.Time
}

// NewPolicy creates an alert policy. A nil clock falls back to the wall
// clock.
func NewPolicy(speaker Speaker, vibrator Vibrator, cooldown time.Duration, clk clock.Clock) *Policy {
	if clk == nil {
		clk = clock.New()
	}
	return &Policy{
		speaker:  speaker,
		vibrator: vibrator,
		cooldown: cooldown,
		clock:    clk,
	}
}

// Derive computes the alert text for a response.
//
// Precedence: an explicit server alert is used verbatim; otherwise the
// distinct object names (in order of first appearance) are joined, with
// an ellipsis suffix when more than two are present; an empty scene is
// "Path Clear".
func Derive(resp *types.DetectionResponse) string {
	if resp.Alert != "" {
		return resp.Alert
	}
	if len(resp.Objects) == 0 {
		return PathClear
	}

	seen := make(map[string]struct{}, len(resp.Objects))
	distinct := make([]string, 0, len(resp.Objects))
	for _, name := range resp.Objects {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		distinct = append(distinct, name)
	}

	if len(distinct) > maxSpokenObjects {
		return strings.Join(distinct[:maxSpokenObjects], ", ") + "…detected"
	}
	return strings.Join(distinct, ", ") + " detected"
}

// Apply derives the alert text for resp and fires the side effects the
// content calls for. It returns the derived text and whether it differs
// from the previous one; an unchanged text fires nothing.
func (p *Policy) Apply(resp *types.DetectionResponse) (string, bool) {
	text := Derive(resp)
	if text == p.lastText {
		return text, false
	}
	p.lastText = text

	if strings.Contains(text, priorityMarker) {
		if err := p.vibrator.Vibrate(); err != nil {
			logger.Warn("Alert", "Vibrate failed: %v", err)
		}
	}

	// Speech is reserved for explicit server alerts and throttled by the
	// cooldown so back-to-back warnings do not talk over each other.
	if resp.Alert != "" && p.cooldownElapsed() {
		p.speak(text)
	}

	return text, true
}

// SetText replaces the alert text without firing actuators. The stream
// loop uses it for the transient "Reconnecting..." indicator.
func (p *Policy) SetText(text string) bool {
	if text == p.lastText {
		return false
	}
	p.lastText = text
	return true
}

// Announce replaces the alert text and speaks it unconditionally,
// bypassing the cooldown. Used for the terminal connection-lost
// notification, which must reach the user exactly once.
func (p *Policy) Announce(text string) {
	p.lastText = text
	p.speak(text)
}

// LastText returns the current alert text.
func (p *Policy) LastText() string { return p.lastText }

// StopSpeech cancels any utterance in progress.
func (p *Policy) StopSpeech() { p.speaker.Stop() }

// Reset clears the text and cooldown state for a fresh run.
func (p *Policy) Reset() {
	p.lastText = ""
	p.lastSpeechAt = time.Time{}
}

func (p *Policy) cooldownElapsed() bool {
	return p.lastSpeechAt.IsZero() || p.clock.Now().Sub(p.lastSpeechAt) >= p.cooldown
}

func (p *Policy) speak(text string) {
	p.speaker.Stop()
	if err := p.speaker.Speak(text); err != nil {
		logger.Warn("Alert", "Speak failed: %v", err)
		return
	}
	p.lastSpeechAt = p.clock.Now()
}
