package video

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strings"
)

// Codec families accepted in Spec.Codec
const (
	CodecH264 = "h264"
	CodecHEVC = "hevc"
	CodecVP9  = "vp9"
	CodecAV1  = "av1"
)

const (
	MinBitrateKbps = 500
	MaxBitrateKbps = 100_000
)

// bits per pixel per frame for each quality tier
var bppByQuality = map[string]float64{
	"low":    0.05,
	"medium": 0.08,
	"high":   0.12,
	"ultra":  0.2,
}

// newer codecs reach the same quality with fewer bits
var codecEfficiency = map[string]float64{
	CodecH264: 1.0,
	CodecHEVC: 0.65,
	CodecVP9:  0.7,
	CodecAV1:  0.55,
}

var audioBitrates = map[string]string{
	"low":    "96k",
	"medium": "128k",
	"high":   "192k",
	"ultra":  "320k",
}

// VideoBitrate estimates the target bitrate in kbps: pixels × fps × bpp, scaled by codec
// efficiency and clamped to [MinBitrateKbps, MaxBitrateKbps].
func VideoBitrate(width, height, fps int, quality, codec string) int {
	bpp, ok := bppByQuality[quality]
	if !ok {
		bpp = bppByQuality["high"]
	}
	eff, ok := codecEfficiency[codec]
	if !ok {
		eff = 1
	}
	kbps := float64(width) * float64(height) * float64(fps) * bpp * eff / 1000
	return int(math.Max(MinBitrateKbps, math.Min(MaxBitrateKbps, math.Round(kbps))))
}

// AudioBitrate maps an audio quality tier to an encoder bitrate argument.
func AudioBitrate(quality string) string {
	if b, ok := audioBitrates[quality]; ok {
		return b
	}
	return audioBitrates["high"]
}

// Приоритет: аппаратные энкодеры, затем программный
var encoderPriority = map[string][]string{
	CodecH264: {"h264_videotoolbox", "h264_nvenc", "h264_qsv", "libx264"},
	CodecHEVC: {"hevc_videotoolbox", "hevc_nvenc", "hevc_qsv", "libx265"},
	CodecVP9:  {"libvpx-vp9"},
	CodecAV1:  {"libsvtav1", "libaom-av1"},
}

func softwareEncoder(codec string) string {
	switch codec {
	case CodecHEVC:
		return "libx265"
	case CodecVP9:
		return "libvpx-vp9"
	case CodecAV1:
		return "libaom-av1"
	default:
		return "libx264"
	}
}

func isHardware(enc string) bool {
	return strings.HasSuffix(enc, "_videotoolbox") || strings.HasSuffix(enc, "_nvenc") || strings.HasSuffix(enc, "_qsv")
}

// pickEncoder chooses the first available encoder for codec. Hardware encoders are
// considered only when hw is set; the software encoder is the fallback even when the
// listing does not mention it.
func pickEncoder(codec string, available map[string]bool, hw bool) string {
	for _, name := range encoderPriority[codec] {
		if isHardware(name) && !hw {
			continue
		}
		if available[name] {
			return name
		}
	}
	return softwareEncoder(codec)
}

// listEncoders runs `ffmpeg -encoders` and returns the encoder names it reports.
func listEncoders(ctx context.Context, binary string) (map[string]bool, error) {
	out, err := exec.CommandContext(ctx, binary, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders: %w", err)
	}
	return parseEncoders(string(out)), nil
}

// parseEncoders reads lines like " V....D libx264   libx264 H.264 ..." and skips the legend.
func parseEncoders(out string) map[string]bool {
	res := make(map[string]bool)
	sc := bufio.NewScanner(strings.NewReader(out))
	inList := false
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		// Разделитель " ------" состоит из одного поля
		if len(fields) == 1 && fields[0] == "------" {
			inList = true
			continue
		}
		if !inList || len(fields) < 2 {
			continue
		}
		res[fields[1]] = true
	}
	return res
}

// rateArgs returns the rate control arguments for an encoder at kbps.
func rateArgs(encoder string, kbps int) []string {
	b := fmt.Sprintf("%dk", kbps)
	maxrate := fmt.Sprintf("%dk", kbps*3/2)
	bufsize := fmt.Sprintf("%dk", kbps*2)

	switch {
	case strings.HasSuffix(encoder, "_videotoolbox"):
		// VideoToolbox управляется только битрейтом
		return []string{"-b:v", b}
	case strings.HasSuffix(encoder, "_nvenc"):
		return []string{"-rc", "vbr", "-b:v", b, "-maxrate", maxrate, "-bufsize", bufsize, "-preset", "p5"}
	case strings.HasSuffix(encoder, "_qsv"):
		return []string{"-b:v", b, "-maxrate", maxrate, "-preset", "medium"}
	case encoder == "libvpx-vp9":
		return []string{"-b:v", b, "-deadline", "good", "-cpu-used", "4", "-row-mt", "1"}
	case encoder == "libaom-av1":
		return []string{"-b:v", b, "-cpu-used", "6", "-row-mt", "1"}
	case encoder == "libsvtav1":
		return []string{"-b:v", b, "-preset", "8"}
	default: // libx264, libx265
		return []string{"-b:v", b, "-maxrate", maxrate, "-bufsize", bufsize, "-preset", "medium"}
	}
}
