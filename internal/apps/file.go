package apps

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// inventoryFile is the on-disk shape of an app inventory:
//
//	apps:
//	  - package: com.mojang.minecraftpe
//	    label: Minecraft
//	    network: true
type inventoryFile struct {
	Apps []App `yaml:"apps"`
}

// LoadFile reads a YAML inventory exported by the host.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading app inventory: %w", err)
	}
	var inv inventoryFile
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parsing app inventory %s: %w", path, err)
	}
	for i, a := range inv.Apps {
		if a.Package == "" {
			return nil, fmt.Errorf("app inventory %s: entry %d has no package", path, i)
		}
	}
	return NewStatic(inv.Apps...), nil
}

// Reload re-reads path into s.  On error s keeps its old inventory.
func (s *Static) Reload(path string) error {
	fresh, err := LoadFile(path)
	if err != nil {
		return err
	}
	s.Replace(fresh.List())
	return nil
}
