package command

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"mediaforged/pkg/models"
)

// ErrInvalidParameters marks caller errors: missing or malformed transform
// parameters, or paths escaping the allowed root. Jobs failing here are fatal
// without ever spawning a process.
var ErrInvalidParameters = errors.New("invalid parameters")

var (
	scalePattern   = regexp.MustCompile(`^[1-9][0-9]{1,4}x[1-9][0-9]{1,4}$`)
	bitratePattern = regexp.MustCompile(`^[1-9][0-9]*[kKmM]?$`)
	timePattern    = regexp.MustCompile(`^(\d{1,2}:)?[0-5]?\d:[0-5]\d(\.\d{1,3})?$|^\d+(\.\d{1,3})?$`)
	// Codec and format names are passed straight to the tool; restrict them to
	// a charset that can never be read as a flag or shell metacharacter.
	tokenPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
)

// Config controls how invocations are produced.
type Config struct {
	// FFmpegPath is the tool binary; a bare name is resolved via PATH at
	// execution time, not here.
	FFmpegPath string

	// AllowedRoot is the directory all input and output paths must resolve
	// under. Checked lexically; the builder performs no I/O.
	AllowedRoot string
}

// Builder translates a Job's declarative transform request into a concrete
// argument vector. Build is a pure function: the same Job and the same
// Config produce a byte-identical Invocation every time.
type Builder struct {
	cfg Config
}

func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build validates the job and produces its Invocation.
func (b *Builder) Build(job models.Job) (models.Invocation, error) {
	var inv models.Invocation

	input, err := b.resolvePath(job.InputPath, "input_path")
	if err != nil {
		return inv, err
	}

	p := job.Params
	if p == (models.TransformParams{}) {
		return inv, fmt.Errorf("%w: no transform requested", ErrInvalidParameters)
	}

	output := job.OutputPath
	if output == "" {
		if p.Format == "" {
			return inv, fmt.Errorf("%w: output_path or format required", ErrInvalidParameters)
		}
		stem := strings.TrimSuffix(job.InputPath, filepath.Ext(job.InputPath))
		output = stem + ".out." + p.Format
	}
	output, err = b.resolvePath(output, "output_path")
	if err != nil {
		return inv, err
	}
	if output == input {
		return inv, fmt.Errorf("%w: output_path equals input_path", ErrInvalidParameters)
	}

	if err := validateParams(p); err != nil {
		return inv, err
	}

	// Fixed emission order keeps invocations deterministic and comparable.
	args := []string{"-hide_banner", "-nostdin", "-y"}
	if p.StartOffset != "" {
		args = append(args, "-ss", p.StartOffset)
	}
	args = append(args, "-i", input)
	if p.ClipDuration != "" {
		args = append(args, "-t", p.ClipDuration)
	}
	if p.Scale != "" {
		wh := strings.SplitN(p.Scale, "x", 2)
		args = append(args, "-vf", "scale="+wh[0]+":"+wh[1])
	}
	if p.VideoCodec != "" {
		args = append(args, "-c:v", p.VideoCodec)
	}
	if p.VideoBitrate != "" {
		args = append(args, "-b:v", p.VideoBitrate)
	}
	if p.CRF != nil {
		args = append(args, "-crf", strconv.Itoa(*p.CRF))
	}
	if p.StripAudio {
		args = append(args, "-an")
	} else {
		if p.AudioCodec != "" {
			args = append(args, "-c:a", p.AudioCodec)
		}
		if p.AudioBitrate != "" {
			args = append(args, "-b:a", p.AudioBitrate)
		}
	}
	if p.Format != "" {
		args = append(args, "-f", p.Format)
	}
	args = append(args, output)

	return models.Invocation{
		Path:    b.cfg.FFmpegPath,
		Args:    args,
		WorkDir: b.cfg.AllowedRoot,
	}, nil
}

// ResolveInput applies the traversal guard to a caller-supplied input path
// and returns its resolved form. Like Build it performs no I/O; callers that
// want to stat the input do so on the returned path.
func (b *Builder) ResolveInput(path string) (string, error) {
	return b.resolvePath(path, "input_path")
}

// resolvePath normalizes a path and enforces the traversal guard.
func (b *Builder) resolvePath(path, field string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidParameters, field)
	}
	root := filepath.Clean(b.cfg.AllowedRoot)
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes allowed root", ErrInvalidParameters, field)
	}
	return resolved, nil
}

func validateParams(p models.TransformParams) error {
	if p.Format != "" && !tokenPattern.MatchString(p.Format) {
		return fmt.Errorf("%w: malformed format %q", ErrInvalidParameters, p.Format)
	}
	if p.VideoCodec != "" && !tokenPattern.MatchString(p.VideoCodec) {
		return fmt.Errorf("%w: malformed video_codec %q", ErrInvalidParameters, p.VideoCodec)
	}
	if p.AudioCodec != "" && !tokenPattern.MatchString(p.AudioCodec) {
		return fmt.Errorf("%w: malformed audio_codec %q", ErrInvalidParameters, p.AudioCodec)
	}
	if p.VideoBitrate != "" && !bitratePattern.MatchString(p.VideoBitrate) {
		return fmt.Errorf("%w: malformed video_bitrate %q", ErrInvalidParameters, p.VideoBitrate)
	}
	if p.AudioBitrate != "" && !bitratePattern.MatchString(p.AudioBitrate) {
		return fmt.Errorf("%w: malformed audio_bitrate %q", ErrInvalidParameters, p.AudioBitrate)
	}
	if p.Scale != "" && !scalePattern.MatchString(p.Scale) {
		return fmt.Errorf("%w: malformed scale %q, want WxH", ErrInvalidParameters, p.Scale)
	}
	if p.StartOffset != "" && !timePattern.MatchString(p.StartOffset) {
		return fmt.Errorf("%w: malformed start_offset %q", ErrInvalidParameters, p.StartOffset)
	}
	if p.ClipDuration != "" && !timePattern.MatchString(p.ClipDuration) {
		return fmt.Errorf("%w: malformed clip_duration %q", ErrInvalidParameters, p.ClipDuration)
	}
	if p.CRF != nil && (*p.CRF < 0 || *p.CRF > 51) {
		return fmt.Errorf("%w: crf %d out of range 0-51", ErrInvalidParameters, *p.CRF)
	}
	return nil
}
