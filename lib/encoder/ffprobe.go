package encoder

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

type probeFormat struct {
	Duration string `json:"duration"`
	Size     string `json:"size"`
}

type probeResult struct {
	Format probeFormat `json:"format"`
}

// probeDurationSeconds inspects the finished output with ffprobe and returns
// the container duration.
func probeDurationSeconds(ctx context.Context, binary string, path string) (float64, error) {
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe inspect: %w", err)
	}

	var result probeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return 0, fmt.Errorf("ffprobe parse: %w", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(result.Format.Duration), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration parse: %w", err)
	}
	return duration, nil
}
