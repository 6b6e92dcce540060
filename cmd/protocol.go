package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dstockto/labprep/models"
	"github.com/dstockto/labprep/protocols"
)

type DiscoveredProtocol struct {
	Path        string
	DisplayName string
	Protocol    *models.ProtocolFile
}

func protocolsDir() string {
	if Cfg == nil || Cfg.ProtocolsDir == "" {
		return ""
	}
	return expandHome(Cfg.ProtocolsDir)
}

// FormatProtocolPath shortens a protocol path relative to the current
// directory or the configured protocols directory.
func FormatProtocolPath(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	// Check if it's in the current directory
	if cwd, err := os.Getwd(); err == nil {
		if rel, ok := relativeTo(cwd, absPath); ok {
			return "./" + rel
		}
	}

	// Check if it's in the global protocols directory
	if dir := protocolsDir(); dir != "" {
		if rel, ok := relativeTo(dir, absPath); ok {
			return "<protocols>/" + rel
		}
	}

	return absPath
}

func relativeTo(dir, absPath string) (string, bool) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	if !strings.HasPrefix(absPath, absDir) {
		return "", false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return rel, true
}

// discoverProtocols finds protocol files in the current directory and the
// configured protocols directory. Files that fail to parse are reported and
// skipped; YAML files without steps are ignored.
func discoverProtocols() ([]DiscoveredProtocol, error) {
	var found []DiscoveredProtocol
	fileMap := make(map[string]bool)

	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	} else {
		// Log warning but continue if CWD is inaccessible
		_, _ = fmt.Fprintf(os.Stderr, "Warning: failed to get current working directory: %v\n", err)
	}
	if dir := protocolsDir(); dir != "" {
		dirs = append(dirs, dir)
	}

	for _, dir := range dirs {
		// Evaluate symlinks for the root directory
		if evalDir, err := filepath.EvalSymlinks(dir); err == nil {
			dir = evalDir
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // skip errors for a single directory
		}

		for _, d := range entries {
			if d.IsDir() {
				continue
			}

			path := filepath.Join(dir, d.Name())
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}

			absPath, err := filepath.Abs(path)
			if err != nil {
				absPath = path
			}
			if fileMap[absPath] {
				continue
			}
			fileMap[absPath] = true

			p, err := protocols.Load(path)
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "Warning: failed to parse %s: %v\n", path, err)
				continue
			}
			if len(p.Steps) == 0 {
				continue
			}
			found = append(found, DiscoveredProtocol{
				Path:        absPath,
				DisplayName: FormatProtocolPath(absPath),
				Protocol:    p,
			})
		}
	}
	return found, nil
}

// resolveProtocol loads the protocol named by args, or discovers one. With
// several candidates the operator picks one when interaction is allowed.
func resolveProtocol(args []string, nonInteractive bool) (DiscoveredProtocol, error) {
	if len(args) > 0 {
		p, err := protocols.Load(args[0])
		if err != nil {
			return DiscoveredProtocol{}, fmt.Errorf("failed to load protocol %s: %w", args[0], err)
		}
		return DiscoveredProtocol{Path: args[0], DisplayName: FormatProtocolPath(args[0]), Protocol: p}, nil
	}

	found, err := discoverProtocols()
	if err != nil {
		return DiscoveredProtocol{}, err
	}
	switch {
	case len(found) == 0:
		return DiscoveredProtocol{}, fmt.Errorf("no protocols found; pass a protocol file or run 'labprep new'")
	case len(found) == 1:
		return found[0], nil
	case !isInteractiveAllowed(nonInteractive):
		return DiscoveredProtocol{}, fmt.Errorf("%d protocols found; pass one explicitly", len(found))
	}

	chosen, canceled, err := selectProtocolInteractively(found)
	if err != nil {
		return DiscoveredProtocol{}, err
	}
	if canceled {
		return DiscoveredProtocol{}, fmt.Errorf("no protocol selected")
	}
	return chosen, nil
}
