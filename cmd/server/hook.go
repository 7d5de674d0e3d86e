package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"audio-recorder/internal/capture"
)

const hookTimeout = 30 * time.Second

// runCompleteHook pipes a saved recording into the configured shell command.
func runCompleteHook(ctx context.Context, hook string, a capture.Artifact) error {
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", hook)
	cmd.Stdin = bytes.NewReader(a.Data)
	cmd.Env = append(os.Environ(),
		"AUDIO_MIME_TYPE="+a.MIMEType,
		"AUDIO_SIZE="+strconv.Itoa(a.Size()),
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("complete hook: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}
