package hwdecode

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"maps"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Profile        VideoCodecProfile    `json:"profile,omitempty"         yaml:"profile,omitempty"`
	PictureBuffers PictureBuffersConfig `json:"picture_buffers,omitempty" yaml:"picture_buffers,omitempty"`
	Session        SessionConfig        `json:"session,omitempty"         yaml:"session,omitempty"`
}

type PictureBuffersConfig struct {
	Count int  `json:"count,omitempty" yaml:"count,omitempty"`
	Size  Size `json:"size,omitempty"  yaml:"size,omitempty"`
}

type SessionConfig struct {
	Backend       SessionBackend `json:"backend,omitempty" yaml:"backend,omitempty"`
	CustomOptions CustomOptions  `json:"-"                 yaml:"-"`
}

func (cfg SessionConfig) GetCustomOptions() CustomOptions {
	return cfg.CustomOptions
}

type sessionConfigSerializable struct {
	Backend sessionBackendSerializable `json:"backend,omitempty" yaml:"backend,omitempty"`
}

func (c SessionConfig) serializable() sessionConfigSerializable {
	var s sessionConfigSerializable
	if c.Backend != nil {
		s.Backend = c.Backend.serializable()
	}
	return s
}

func (c *SessionConfig) fromSerializable(s sessionConfigSerializable) error {
	backend, err := s.Backend.Convert()
	if err != nil {
		return fmt.Errorf("unable to convert the 'backend' field: %w", err)
	}
	c.Backend = backend
	return nil
}

func (c SessionConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.serializable())
}

func (c *SessionConfig) UnmarshalJSON(b []byte) error {
	var s sessionConfigSerializable
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unable to un-JSON-ize: %w", err)
	}
	return c.fromSerializable(s)
}

func (c SessionConfig) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(c.serializable())
}

func (c *SessionConfig) UnmarshalYAML(b []byte) error {
	var s sessionConfigSerializable
	if err := yaml.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unable to unmarshal SessionConfig: %w", err)
	}
	return c.fromSerializable(s)
}

type SessionBackend interface {
	sessionBackend()
	typeName() string
	serializable() sessionBackendSerializable
	setValues(in sessionBackendSerializable) error
}

// SessionBackendLoopback selects the software loopback session, which
// synthesizes pictures instead of decoding them.
type SessionBackendLoopback struct {
	Latency       time.Duration
	ReorderWindow int
}

func (SessionBackendLoopback) typeName() string {
	return "loopback"
}

func (SessionBackendLoopback) sessionBackend() {}

func (b SessionBackendLoopback) serializable() sessionBackendSerializable {
	return sessionBackendSerializable{
		"type":           b.typeName(),
		"latency":        b.Latency.String(),
		"reorder_window": b.ReorderWindow,
	}
}

func (b *SessionBackendLoopback) setValues(in sessionBackendSerializable) error {
	if latencyR, ok := in["latency"]; ok {
		latencyS, ok := latencyR.(string)
		if !ok {
			return fmt.Errorf("have not found string value using key 'latency' in %#+v, found %T, instead", in, latencyR)
		}
		latency, err := time.ParseDuration(latencyS)
		if err != nil {
			return fmt.Errorf("unable to parse latency '%s': %w", latencyS, err)
		}
		b.Latency = latency
	}
	if windowR, ok := in["reorder_window"]; ok {
		window, err := toInt(windowR)
		if err != nil {
			return fmt.Errorf("unable to parse 'reorder_window': %w", err)
		}
		b.ReorderWindow = window
	}
	return nil
}

// SessionBackendLibav selects the libav hardware decoding session.
type SessionBackendLibav struct {
	HardwareDeviceType HardwareDeviceTypeName
	HardwareDeviceName HardwareDeviceName
	CodecName          CodecName
}

type HardwareDeviceTypeName string
type HardwareDeviceName string
type CodecName string

func (SessionBackendLibav) typeName() string {
	return "libav"
}

func (SessionBackendLibav) sessionBackend() {}

func (b SessionBackendLibav) serializable() sessionBackendSerializable {
	return sessionBackendSerializable{
		"type":                 b.typeName(),
		"hardware_device_type": string(b.HardwareDeviceType),
		"hardware_device_name": string(b.HardwareDeviceName),
		"codec_name":           string(b.CodecName),
	}
}

func (b *SessionBackendLibav) setValues(in sessionBackendSerializable) error {
	for key, dst := range map[string]*string{
		"hardware_device_type": (*string)(&b.HardwareDeviceType),
		"hardware_device_name": (*string)(&b.HardwareDeviceName),
		"codec_name":           (*string)(&b.CodecName),
	} {
		v, ok := in[key]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("have not found string value using key '%s' in %#+v, found %T, instead", key, in, v)
		}
		*dst = s
	}
	return nil
}

type sessionBackendSerializable map[string]any

func (sessionBackendSerializable) sessionBackend() {}

func (b sessionBackendSerializable) typeName() string {
	result, _ := b["type"].(string)
	return result
}

func (b sessionBackendSerializable) serializable() sessionBackendSerializable {
	return b
}

func (b sessionBackendSerializable) setValues(in sessionBackendSerializable) error {
	for k := range b {
		delete(b, k)
	}
	maps.Copy(b, in)
	return nil
}

func (b sessionBackendSerializable) Convert() (SessionBackend, error) {
	typeName, ok := b["type"].(string)
	if !ok {
		return nil, nil
	}

	var r SessionBackend
	for _, sample := range []SessionBackend{
		&SessionBackendLoopback{},
		&SessionBackendLibav{},
	} {
		if sample.typeName() == typeName {
			r = sample
			break
		}
	}
	if r == nil {
		return nil, fmt.Errorf("unknown session backend type '%s'", typeName)
	}

	if err := r.setValues(b); err != nil {
		return nil, fmt.Errorf("unable to convert the value (backend): %w", err)
	}
	return r, nil
}

func toInt(v any) (int, error) {
	switch v := v.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		return int(v), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

type VideoCodecProfile uint

const (
	VideoCodecProfileUndefined = VideoCodecProfile(iota)
	VideoCodecProfileH264Baseline
	VideoCodecProfileH264Main
	VideoCodecProfileH264Extended
	VideoCodecProfileH264High
	VideoCodecProfileHEVCMain
	VideoCodecProfileVP9Profile0
	VideoCodecProfileAV1Main
	EndOfVideoCodecProfile
)

func (p VideoCodecProfile) String() string {
	switch p {
	case VideoCodecProfileUndefined:
		return "<undefined>"
	case VideoCodecProfileH264Baseline:
		return "h264_baseline"
	case VideoCodecProfileH264Main:
		return "h264_main"
	case VideoCodecProfileH264Extended:
		return "h264_extended"
	case VideoCodecProfileH264High:
		return "h264_high"
	case VideoCodecProfileHEVCMain:
		return "hevc_main"
	case VideoCodecProfileVP9Profile0:
		return "vp9_profile0"
	case VideoCodecProfileAV1Main:
		return "av1_main"
	}
	return fmt.Sprintf("unexpected_video_codec_profile_%d", uint(p))
}

func (p VideoCodecProfile) IsH264() bool {
	return p >= VideoCodecProfileH264Baseline && p <= VideoCodecProfileH264High
}

// VideoCodecProfileFromH264ProfileIDC maps the profile_idc field of an H.264
// SPS to a VideoCodecProfile.
func VideoCodecProfileFromH264ProfileIDC(profileIDC uint32) VideoCodecProfile {
	switch profileIDC {
	case 66:
		return VideoCodecProfileH264Baseline
	case 77:
		return VideoCodecProfileH264Main
	case 88:
		return VideoCodecProfileH264Extended
	case 100:
		return VideoCodecProfileH264High
	}
	return VideoCodecProfileUndefined
}

func ParseVideoCodecProfile(s string) (VideoCodecProfile, error) {
	s = strings.ToLower(strings.Trim(s, `"`))
	for cmp := VideoCodecProfileUndefined; cmp < EndOfVideoCodecProfile; cmp++ {
		if cmp.String() == s {
			return cmp, nil
		}
	}
	return VideoCodecProfileUndefined, fmt.Errorf("unknown value of the VideoCodecProfile: '%s'", s)
}

func (p VideoCodecProfile) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *VideoCodecProfile) UnmarshalText(b []byte) error {
	if p == nil {
		return fmt.Errorf("VideoCodecProfile is nil")
	}
	v, err := ParseVideoCodecProfile(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Set implements pflag.Value.
func (p *VideoCodecProfile) Set(s string) error {
	return p.UnmarshalText([]byte(s))
}

// Type implements pflag.Value.
func (p *VideoCodecProfile) Type() string {
	return "profile"
}
