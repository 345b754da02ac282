// Package project detects what kind of project lives in a directory and
// how to run its development server.
package project

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// ProjectType is the detected language family.
type ProjectType string

const (
	ProjectGo      ProjectType = "go"
	ProjectNode    ProjectType = "node"
	ProjectPython  ProjectType = "python"
	ProjectUnknown ProjectType = "unknown"
)

// Defaults used when nothing more specific is found.
const (
	DefaultCommand = "npm run dev"
	DefaultPort    = 3000
)

// Project describes a detected project.
type Project struct {
	Type ProjectType `json:"type"`
	// Label is the human-facing kind, e.g. "Vite", "Django" or
	// "Node.js (pnpm)".
	Label          string            `json:"projectType"`
	Name           string            `json:"name,omitempty"`
	Path           string            `json:"path"`
	Command        string            `json:"command"`
	Port           int               `json:"port"`
	Venv           string            `json:"venv,omitempty"`
	PackageManager string            `json:"package_manager,omitempty"`
	Commands       []CommandDef      `json:"commands,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

var venvDirs = []string{".venv", "venv", "env"}

// Detect inspects dir. It returns os.ErrInvalid when dir is a file.
// Python markers win over package.json, matching how mixed projects are
// usually served.
func Detect(dir string) (*Project, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrInvalid
	}

	proj := &Project{
		Type:     ProjectUnknown,
		Label:    "Unknown",
		Path:     dir,
		Command:  DefaultCommand,
		Port:     DefaultPort,
		Metadata: map[string]string{},
	}

	switch {
	case exists(dir, "go.mod"):
		detectGo(dir, proj)
	case exists(dir, "package.json"):
		detectNode(dir, proj)
	}

	for _, v := range venvDirs {
		if isDir(filepath.Join(dir, v)) {
			proj.Venv = v
			break
		}
	}
	detectPython(dir, proj)

	return proj, nil
}

func detectGo(dir string, proj *Project) {
	proj.Type = ProjectGo
	proj.Label = "Go"
	proj.Command = "go run ."
	proj.Port = 8080
	proj.Commands = goCommands()
	if mod := readModulePath(filepath.Join(dir, "go.mod")); mod != "" {
		proj.Name = mod[strings.LastIndex(mod, "/")+1:]
		proj.Metadata["module"] = mod
	}
}

type packageJSON struct {
	Name    string            `json:"name"`
	Scripts map[string]string `json:"scripts"`
}

func detectNode(dir string, proj *Project) {
	proj.Type = ProjectNode
	proj.PackageManager = "npm"
	switch {
	case exists(dir, "yarn.lock"):
		proj.PackageManager = "yarn"
	case exists(dir, "pnpm-lock.yaml"):
		proj.PackageManager = "pnpm"
	case exists(dir, "bun.lockb"):
		proj.PackageManager = "bun"
	}
	proj.Commands = nodeCommands(proj.PackageManager, nil)

	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		proj.Metadata["error"] = "invalid package.json"
		return
	}
	proj.Name = pkg.Name
	proj.Commands = nodeCommands(proj.PackageManager, pkg.Scripts)

	label, command := "", ""
	if dev, ok := pkg.Scripts["dev"]; ok {
		label, command = "Node.js (npm)", "npm run dev"
		if strings.Contains(strings.ToLower(dev), "vite") {
			label = "Vite"
			proj.Port = 5173
		}
	} else if _, ok := pkg.Scripts["start"]; ok {
		label, command = "Node.js (npm)", "npm start"
	}
	if label == "" {
		proj.Label = "Node.js"
		return
	}
	if pm := proj.PackageManager; pm == "yarn" || pm == "pnpm" {
		label = strings.Replace(label, "npm", pm, 1)
		command = strings.Replace(command, "npm", pm, 1)
	}
	proj.Label, proj.Command = label, command
}

func detectPython(dir string, proj *Project) {
	entry := ""
	switch {
	case exists(dir, "manage.py"):
		entry = "manage.py"
		proj.Label = "Django"
		proj.Command = pythonBin(proj.Venv) + " manage.py runserver"
		proj.Port = 8000
	case exists(dir, "app.py") || exists(dir, "main.py"):
		entry = "main.py"
		if exists(dir, "app.py") {
			entry = "app.py"
		}
		proj.Label = "Python (Flask/FastAPI)"
		proj.Command = pythonBin(proj.Venv) + " " + entry
		proj.Port = 5000
	case exists(dir, "pyproject.toml") || exists(dir, "requirements.txt"):
		if proj.Type != ProjectUnknown {
			return
		}
		proj.Label = "Python"
	default:
		return
	}

	proj.Type = ProjectPython
	proj.PackageManager = ""
	proj.Commands = pythonCommands(proj.Venv, entry, exists(dir, "requirements.txt"))
	name, linter := readPyproject(filepath.Join(dir, "pyproject.toml"))
	if name != "" {
		proj.Name = name
	}
	if linter != "" {
		proj.Metadata["linter"] = linter
	}
}

// readModulePath returns the module directive of a go.mod file.
func readModulePath(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, "module "); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`)
		}
	}
	return ""
}

// readPyproject pulls the project name and a known linter out of a
// pyproject.toml by scanning its tables.
func readPyproject(path string) (name, linter string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	table := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			table = strings.Trim(line, "[] ")
			switch {
			case table == "tool.ruff" || strings.HasPrefix(table, "tool.ruff."):
				linter = "ruff"
			case linter == "" && table == "tool.flake8":
				linter = "flake8"
			}
			continue
		}
		if (table == "project" || table == "tool.poetry") && name == "" {
			key, value, ok := strings.Cut(line, "=")
			if ok && strings.TrimSpace(key) == "name" {
				name = strings.Trim(strings.TrimSpace(value), `"'`)
			}
		}
	}
	return name, linter
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
