package alert

import (
	"os/exec"
	"sync"

	"github.com/visionguard/detection-client/internal/logger"
	"github.com/visionguard/detection-client/internal/metrics"
)

// Speaker voices alert text. Implementations are fire-and-forget: Speak
// returns once the utterance has been handed off, not when it finishes.
type Speaker interface {
	Speak(text string) error
	// Stop cancels the utterance currently playing, if any.
	Stop()
}

// Vibrator triggers a short haptic pulse.
type Vibrator interface {
	Vibrate() error
}

// CommandSpeaker speaks by spawning an external TTS command (espeak,
// say, pico2wave wrappers) with the text appended as the final argument.
// Starting a new utterance kills the previous process: last alert wins.
type CommandSpeaker struct {
	command string
	args    []string

	mu      sync.Mutex
	current *exec.Cmd
}

// NewCommandSpeaker creates a speaker backed by the given command.
func NewCommandSpeaker(command string, args []string) *CommandSpeaker {
	return &CommandSpeaker{command: command, args: args}
}

// Speak starts a new utterance, interrupting the current one.
func (s *CommandSpeaker) Speak(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	argv := append(append([]string{}, s.args...), text)
	cmd := exec.Command(s.command, argv...)
	if err := cmd.Start(); err != nil {
		return err
	}
	s.current = cmd

	// Reap the process so it does not linger as a zombie.
	go func() {
		_ = cmd.Wait()
		s.mu.Lock()
		if s.current == cmd {
			s.current = nil
		}
		s.mu.Unlock()
	}()

	return nil
}

// Stop kills the currently playing utterance.
func (s *CommandSpeaker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *CommandSpeaker) stopLocked() {
	if s.current != nil && s.current.Process != nil {
		_ = s.current.Process.Kill()
		s.current = nil
	}
}

// LogSpeaker logs utterances instead of voicing them. Used when no TTS
// command is configured and in development.
type LogSpeaker struct{}

// Speak logs the utterance.
func (LogSpeaker) Speak(text string) error {
	logger.Info("Speaker", "Speak: %s", text)
	return nil
}

// Stop is a no-op for the logging speaker.
func (LogSpeaker) Stop() {}

// LogVibrator logs vibration pulses. The mobile presentation layer owns
// the real haptics; the client only records that the pulse fired.
type LogVibrator struct{}

// Vibrate logs the pulse.
func (LogVibrator) Vibrate() error {
	logger.Info("Vibrator", "Vibrate")
	return nil
}

// WithMetrics wraps the actuators so every fired side effect is counted.
func WithMetrics(s Speaker, v Vibrator, m *metrics.Metrics) (Speaker, Vibrator) {
	return &meteredSpeaker{inner: s, m: m}, &meteredVibrator{inner: v, m: m}
}

type meteredSpeaker struct {
	inner Speaker
	m     *metrics.Metrics
}

func (s *meteredSpeaker) Speak(text string) error {
	if err := s.inner.Speak(text); err != nil {
		return err
	}
	s.m.AlertsSpoken.Add(1)
	return nil
}

func (s *meteredSpeaker) Stop() { s.inner.Stop() }

type meteredVibrator struct {
	inner Vibrator
	m     *metrics.Metrics
}

func (v *meteredVibrator) Vibrate() error {
	if err := v.inner.Vibrate(); err != nil {
		return err
	}
	v.m.Vibrations.Add(1)
	return nil
}
