package maintenance

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"os"
)

const iconSize = 64

// LoadIcon reads a 64x64 PNG and returns it as a favicon data URI.
func LoadIcon(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read icon: %w", err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("icon is not a valid PNG: %w", err)
	}
	if cfg.Width != iconSize || cfg.Height != iconSize {
		return "", fmt.Errorf("icon must be %dx%d pixels, got %dx%d", iconSize, iconSize, cfg.Width, cfg.Height)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}
