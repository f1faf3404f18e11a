// Package kiosksconfig loads the static roster of provisioned kiosks
// the Server seeds its Registry with at startup: kiosk ID, display
// name, enabled flag, and an HMAC-signed credential (spec §3, §4.1 —
// the original provisions kiosks one at a time via its Telegram
// /add_kiosk command; this is the same "kiosk_id, display name,
// enabled" record expressed as a file a non-interactive Server process
// can load on boot) . Grounded on the teacher's routing.Config /
// Load(path) shape for "read YAML file, validate, return an immutable
// value".
package kiosksconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kioskbridge/tunnel/internal/registry"
)

// Entry is one kiosk's provisioning record as it appears in the YAML file.
type Entry struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Enabled     bool   `yaml:"enabled"`
	Credential  string `yaml:"credential"` // "<kioskID>.<hmac-hex>", see auth.HMACVerifier.Sign
}

type rawFile struct {
	Kiosks []Entry `yaml:"kiosks"`
}

// Load reads path and returns the registry.Kiosk records to seed a
// Registry with. A missing file is not an error: the Server starts
// with an empty roster, and kiosks can be registered later through
// whatever administrative surface replaces this reference loader.
func Load(path string) ([]registry.Kiosk, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("kiosksconfig: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds the kiosk roster from raw YAML bytes.
func Parse(data []byte) ([]registry.Kiosk, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("kiosksconfig: invalid YAML: %w", err)
	}

	seen := make(map[string]bool, len(raw.Kiosks))
	kiosks := make([]registry.Kiosk, 0, len(raw.Kiosks))
	for _, e := range raw.Kiosks {
		if e.ID == "" {
			return nil, fmt.Errorf("kiosksconfig: kiosk entry missing id")
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("kiosksconfig: duplicate kiosk id %q", e.ID)
		}
		seen[e.ID] = true
		if e.Credential == "" {
			return nil, fmt.Errorf("kiosksconfig: kiosk %q missing credential", e.ID)
		}
		kiosks = append(kiosks, registry.Kiosk{
			ID:               e.ID,
			DisplayName:      e.DisplayName,
			Enabled:          e.Enabled,
			StoredCredential: []byte(e.Credential),
		})
	}
	return kiosks, nil
}
