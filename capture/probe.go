package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeInfo is the subset of ffprobe stream metadata a file capture needs.
type ProbeInfo struct {
	Width  int
	Height int
	FPS    float64
	Frames int
}

type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// Probe runs ffprobe against the first video stream of url.
func Probe(ctx context.Context, ffprobePath, url string) (ProbeInfo, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames,nb_read_packets",
		"-of", "json",
		url,
	)
	out, err := cmd.Output()
	if err != nil {
		return ProbeInfo{}, fmt.Errorf("ffprobe %s: %w", url, err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (ProbeInfo, error) {
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return ProbeInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(parsed.Streams) == 0 {
		return ProbeInfo{}, fmt.Errorf("no video stream found")
	}
	s := parsed.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return ProbeInfo{}, fmt.Errorf("invalid frame size %dx%d", s.Width, s.Height)
	}

	fps := parseRate(s.RFrameRate)
	if fps <= 0 {
		fps = parseRate(s.AvgFrameRate)
	}

	// nb_frames is missing for many containers (mkv, webm).
	frames, _ := strconv.Atoi(s.NbFrames)
	if frames <= 0 {
		frames, _ = strconv.Atoi(s.NbReadPackets)
	}

	return ProbeInfo{Width: s.Width, Height: s.Height, FPS: fps, Frames: frames}, nil
}

// parseRate parses ffprobe rationals such as "30000/1001".
func parseRate(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	if !ok {
		f, _ := strconv.ParseFloat(rate, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
