package assets

import "encoding/base64"

// minimalFallbackSVG is a 32x32 gray tile with a question mark, used
// when no per-type placeholder exists.
const minimalFallbackSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="32" height="32"><rect width="32" height="32" fill="#9aa0a6"/><text x="16" y="22" font-size="18" text-anchor="middle" fill="#ffffff">?</text></svg>`

// SpriteStore serves inline placeholder sprites as data URLs. Per-type
// sprites override the default.
type SpriteStore struct {
	perType    map[string]string
	defaultURL string
}

// NewSpriteStore creates a store with the built-in default sprite and
// no per-type overrides.
func NewSpriteStore() *SpriteStore {
	return &SpriteStore{
		perType:    make(map[string]string),
		defaultURL: svgDataURL(minimalFallbackSVG),
	}
}

// Register installs a per-type sprite data URL.
func (s *SpriteStore) Register(entityType, dataURL string) {
	s.perType[entityType] = dataURL
}

// FallbackSprite returns the placeholder for an entity type.
func (s *SpriteStore) FallbackSprite(entityType string) string {
	if sprite, ok := s.perType[entityType]; ok {
		return sprite
	}
	return s.defaultURL
}

func svgDataURL(svg string) string {
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))
}
