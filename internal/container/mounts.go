package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// buildBinds validates host:container[:ro] mount entries and resolves
// relative host paths against the working directory.
func buildBinds(mounts []string) ([]string, error) {
	cwd, _ := os.Getwd()
	var binds []string

	for _, m := range mounts {
		parts := strings.Split(m, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid mount %q", m)
		}
		if len(parts) == 3 && parts[2] != "ro" && parts[2] != "rw" {
			return nil, fmt.Errorf("invalid mount mode %q in %q", parts[2], m)
		}
		if !strings.HasPrefix(parts[1], "/") {
			return nil, fmt.Errorf("mount target %q must be absolute", parts[1])
		}

		source := parts[0]
		if !filepath.IsAbs(source) {
			source = filepath.Join(cwd, source)
		}
		bind := fmt.Sprintf("%s:%s", source, parts[1])
		if len(parts) == 3 {
			bind += ":" + parts[2]
		}
		binds = append(binds, bind)
	}
	return binds, nil
}
