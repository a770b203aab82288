package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
)

// ytdlpFormat caps resolution; frames are downscaled for detection anyway.
const ytdlpFormat = "best[height<=1080][protocol!=dash]/best[height<=1080]"

// ResolveYouTubeURL uses yt-dlp to get the direct media URL of a YouTube video
// or live broadcast.
func ResolveYouTubeURL(ctx context.Context, youtubeURL string) (string, error) {
	cmd := exec.CommandContext(ctx, "yt-dlp",
		"--get-url",
		"--format", ytdlpFormat,
		"--no-playlist",
		"--no-warnings",
		youtubeURL,
	)

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("yt-dlp failed: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("yt-dlp failed: %w", err)
	}

	direct := firstURL(string(output))
	if direct == "" {
		return "", fmt.Errorf("yt-dlp returned empty URL")
	}
	return direct, nil
}

// firstURL returns the first non-empty line. yt-dlp prints separate video and
// audio URLs for split formats and the video comes first.
func firstURL(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// IsYouTubeURL reports whether raw points at YouTube and needs resolving.
func IsYouTubeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	switch strings.ToLower(u.Hostname()) {
	case "youtube.com", "www.youtube.com", "m.youtube.com", "youtu.be":
		return true
	}
	return false
}
