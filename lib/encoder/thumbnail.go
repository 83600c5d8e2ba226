package encoder

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GenerateThumbnail extracts a single representative frame from the video.
// Callers treat failures as non-fatal.
func GenerateThumbnail(ctx context.Context, binary string, videoPath string, thumbnailPath string) error {
	args := []string{
		"-i", videoPath,
		"-vf", "thumbnail,scale=480:-2",
		"-frames:v", "1",
		"-y",
		thumbnailPath,
	}

	out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
	if err != nil {
		tail := strings.TrimSpace(string(out))
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		return fmt.Errorf("thumbnail generation failed: %w: %s", err, tail)
	}
	return nil
}
