package notify

import (
	"fmt"
	"strings"

	"github.com/dstockto/labprep/runner"
	"github.com/lucasb-eyer/go-colorful"
)

// Default status light colours, matching the robot button light conventions.
var DefaultLights = map[string]string{
	"running":  "#800080",
	"paused":   "#FF0000",
	"finished": "#00FF00",
}

// ParseLight converts a hex colour ("#800080" or "800080") to 0..1 RGB.
func ParseLight(hex string) ([]float64, error) {
	h := strings.TrimSpace(hex)
	if !strings.HasPrefix(h, "#") {
		h = "#" + h
	}
	c, err := colorful.Hex(h)
	if err != nil {
		return nil, fmt.Errorf("invalid light colour %q: %w", hex, err)
	}
	return []float64{c.R, c.G, c.B}, nil
}

// Lights builds runner light settings from configured hex colours. Missing
// entries fall back to DefaultLights; the value "off" disables a status light.
func Lights(configured map[string]string) (runner.Lights, error) {
	pick := func(status string) ([]float64, error) {
		v, ok := configured[status]
		if !ok || v == "" {
			v = DefaultLights[status]
		}
		if strings.EqualFold(v, "off") {
			return nil, nil
		}
		return ParseLight(v)
	}

	var out runner.Lights
	var err error
	if out.Running, err = pick("running"); err != nil {
		return out, err
	}
	if out.Paused, err = pick("paused"); err != nil {
		return out, err
	}
	if out.Finished, err = pick("finished"); err != nil {
		return out, err
	}
	return out, nil
}
