package protocol

import (
	"math"
	"regexp"
	"strings"
)

// Spawn describes an entity placement inside a world patch.
type Spawn struct {
	Type string `json:"type"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

// WorldPatch is a validated world-state mutation request.
type WorldPatch struct {
	Effect    string `json:"effect"`
	Color     string `json:"color"`
	Intensity int    `json:"intensity"`
	Spawn     *Spawn `json:"spawn"`
	Caption   string `json:"caption"`
}

var hexColorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// ValidateWorldPatch checks every constraint on a raw patch and returns
// all violations, never just the first. An empty slice means valid.
func ValidateWorldPatch(patch map[string]any) []string {
	if patch == nil {
		return []string{"patch must be an object"}
	}

	var errs []string

	effect, ok := patch["effect"].(string)
	if !ok || strings.TrimSpace(effect) == "" {
		errs = append(errs, "effect must be a non-empty string")
	}

	color, ok := patch["color"].(string)
	if !ok || !hexColorPattern.MatchString(color) {
		errs = append(errs, "color must be a valid 6-character hex string")
	}

	if intensity, ok := asInteger(patch["intensity"]); !ok || intensity < 0 || intensity > 100 {
		errs = append(errs, "intensity must be an integer between 0 and 100")
	}

	if spawn := patch["spawn"]; spawn != nil {
		spawnObj, ok := spawn.(map[string]any)
		if !ok {
			spawnObj = map[string]any{}
		}
		spawnType, ok := spawnObj["type"].(string)
		if !ok || strings.TrimSpace(spawnType) == "" {
			errs = append(errs, "spawn.type must be a non-empty string")
		}
		_, xOK := asInteger(spawnObj["x"])
		_, yOK := asInteger(spawnObj["y"])
		if !xOK || !yOK {
			errs = append(errs, "spawn.x and spawn.y must be integers")
		}
	}

	if _, ok := patch["caption"].(string); !ok {
		errs = append(errs, "caption must be a string")
	}

	return errs
}

// PatchFromMap validates and builds the typed patch. The violation
// slice is non-empty exactly when validation failed.
func PatchFromMap(patch map[string]any) (WorldPatch, []string) {
	if errs := ValidateWorldPatch(patch); len(errs) > 0 {
		return WorldPatch{}, errs
	}

	intensity, _ := asInteger(patch["intensity"])
	built := WorldPatch{
		Effect:    patch["effect"].(string),
		Color:     patch["color"].(string),
		Intensity: intensity,
		Caption:   patch["caption"].(string),
	}
	if spawn, ok := patch["spawn"].(map[string]any); ok {
		x, _ := asInteger(spawn["x"])
		y, _ := asInteger(spawn["y"])
		built.Spawn = &Spawn{Type: spawn["type"].(string), X: x, Y: y}
	}
	return built, nil
}

// asInteger accepts the numeric types a JSON decode can produce and
// reports whether the value is a whole number.
func asInteger(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}
