package encoder

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// AudioMode selects which audio sources accompany the video track.
type AudioMode string

const (
	AudioNone   AudioMode = "none"
	AudioSystem AudioMode = "system"
	AudioMic    AudioMode = "mic"
	AudioBoth   AudioMode = "both"
)

func ParseAudioMode(s string) (AudioMode, error) {
	switch AudioMode(strings.ToLower(strings.TrimSpace(s))) {
	case AudioNone, "":
		return AudioNone, nil
	case AudioSystem:
		return AudioSystem, nil
	case AudioMic:
		return AudioMic, nil
	case AudioBoth:
		return AudioBoth, nil
	}
	return "", fmt.Errorf("invalid audio mode: %q", s)
}

// AudioSourceProvider resolves the platform's default audio devices at
// record-start time. Platforms without device tooling supply a stub.
type AudioSourceProvider interface {
	// DefaultMonitor returns the loopback source carrying system audio.
	DefaultMonitor(ctx context.Context) (string, error)
	// DefaultInput returns the default microphone source.
	DefaultInput(ctx context.Context) (string, error)
}

// PulseAudioProvider queries PulseAudio defaults via pactl.
type PulseAudioProvider struct {
	BinaryPath string
}

func NewPulseAudioProvider(binaryPath string) *PulseAudioProvider {
	if binaryPath == "" {
		binaryPath = "pactl"
	}
	return &PulseAudioProvider{BinaryPath: binaryPath}
}

func (p *PulseAudioProvider) DefaultMonitor(ctx context.Context) (string, error) {
	sink, err := p.query(ctx, "get-default-sink")
	if err != nil {
		return "", fmt.Errorf("failed to resolve default sink: %w", err)
	}
	return sink + ".monitor", nil
}

func (p *PulseAudioProvider) DefaultInput(ctx context.Context) (string, error) {
	source, err := p.query(ctx, "get-default-source")
	if err != nil {
		return "", fmt.Errorf("failed to resolve default source: %w", err)
	}
	return source, nil
}

func (p *PulseAudioProvider) query(ctx context.Context, subcommand string) (string, error) {
	out, err := exec.CommandContext(ctx, p.BinaryPath, subcommand).Output()
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(string(out))
	if name == "" {
		return "", fmt.Errorf("pactl %s returned no device", subcommand)
	}
	return name, nil
}

// StaticAudioProvider returns fixed device names.
type StaticAudioProvider struct {
	Monitor string
	Input   string
}

func (p *StaticAudioProvider) DefaultMonitor(ctx context.Context) (string, error) {
	if p.Monitor == "" {
		return "", fmt.Errorf("no monitor device configured")
	}
	return p.Monitor, nil
}

func (p *StaticAudioProvider) DefaultInput(ctx context.Context) (string, error) {
	if p.Input == "" {
		return "", fmt.Errorf("no input device configured")
	}
	return p.Input, nil
}
