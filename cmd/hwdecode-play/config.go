package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/hwdecode/session/libav"
	"github.com/xaionaro-go/hwdecode/session/loopback"
	"github.com/xaionaro-go/hwdecode/source"
	"github.com/xaionaro-go/hwdecode/source/flv"
	libavsource "github.com/xaionaro-go/hwdecode/source/libav"
	"github.com/xaionaro-go/hwdecode/source/mp4"
)

const defaultPictureBufferCount = 4

func defaultConfig() hwdecode.Config {
	return hwdecode.Config{
		PictureBuffers: hwdecode.PictureBuffersConfig{
			Count: defaultPictureBufferCount,
		},
		Session: hwdecode.SessionConfig{
			Backend: &hwdecode.SessionBackendLoopback{},
		},
	}
}

func readConfig(path string) (hwdecode.Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to read '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse '%s': %w", path, err)
	}
	if cfg.Session.Backend == nil {
		cfg.Session.Backend = &hwdecode.SessionBackendLoopback{}
	}
	return cfg, nil
}

func newSessionFactory(
	ctx context.Context,
	cfg hwdecode.SessionConfig,
) (hwdecode.SessionFactory, error) {
	switch backend := cfg.Backend.(type) {
	case *hwdecode.SessionBackendLoopback:
		return loopback.NewFactory(*backend), nil
	case *hwdecode.SessionBackendLibav:
		return newLibavFactory(ctx, *backend, cfg.GetCustomOptions())
	}
	return nil, fmt.Errorf("unsupported session backend %T", cfg.Backend)
}

func newLibavFactory(
	ctx context.Context,
	backend hwdecode.SessionBackendLibav,
	customOptions hwdecode.CustomOptions,
) (hwdecode.SessionFactory, error) {
	f, err := libav.NewFactory(ctx, backend, customOptions)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// openSource opens MP4 and FLV files natively; everything else (including
// network URLs) is left to libavformat.
func openSource(
	ctx context.Context,
	path string,
	inputOptions []string,
) (source.Source, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if strings.Contains(path, "://") || len(inputOptions) > 0 {
		ext = ""
	}
	switch ext {
	case ".mp4", ".m4v", ".mov":
		r, err := mp4.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return r, nil
	case ".flv":
		r, err := flv.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		var cfg libavsource.InputConfig
		for _, opt := range inputOptions {
			key, value, err := parseKeyValue(opt)
			if err != nil {
				return nil, fmt.Errorf("invalid input option: %w", err)
			}
			cfg.CustomOptions = append(cfg.CustomOptions, libavsource.DictionaryItem{Key: key, Value: value})
		}
		r, err := libavsource.Open(ctx, path, cfg)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

func parseKeyValue(s string) (string, string, error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("'%s' is not in the 'key=value' format", s)
	}
	return key, value, nil
}

func parseCodecOptions(in []string) (libav.CodecOptions, error) {
	var result libav.CodecOptions
	for _, opt := range in {
		key, value, err := parseKeyValue(opt)
		if err != nil {
			return nil, fmt.Errorf("invalid codec option: %w", err)
		}
		result = append(result, libav.CodecOption{Key: key, Value: value})
	}
	return result, nil
}
