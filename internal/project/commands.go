package project

import (
	"runtime"
	"sort"
	"strings"
)

// CommandDef is a runnable command for a detected project.
type CommandDef struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	// Persistent marks long-running processes such as dev servers.
	Persistent bool `json:"persistent,omitempty"`
}

// String renders the command line.
func (c CommandDef) String() string {
	return strings.Join(append([]string{c.Command}, c.Args...), " ")
}

// serverScripts are package.json scripts that start a server.
var serverScripts = map[string]bool{"dev": true, "start": true, "serve": true, "preview": true}

func goCommands() []CommandDef {
	return []CommandDef{
		{Name: "run", Description: "Run the main package", Command: "go", Args: []string{"run", "."}, Persistent: true},
		{Name: "test", Description: "Run Go tests", Command: "go", Args: []string{"test", "./..."}},
		{Name: "build", Description: "Build the Go project", Command: "go", Args: []string{"build", "./..."}},
		{Name: "vet", Description: "Run go vet", Command: "go", Args: []string{"vet", "./..."}},
	}
}

// nodeCommands lists install plus every script package.json declares,
// invoked through pm.
func nodeCommands(pm string, scripts map[string]string) []CommandDef {
	if pm == "" {
		pm = "npm"
	}
	cmds := []CommandDef{{Name: "install", Description: "Install dependencies", Command: pm, Args: []string{"install"}}}

	names := make([]string, 0, len(scripts))
	for name := range scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		args := []string{"run", name}
		// yarn and pnpm run scripts without "run"; npm only special-cases start.
		if pm == "yarn" || pm == "pnpm" || (pm == "npm" && name == "start") {
			args = []string{name}
		}
		cmds = append(cmds, CommandDef{
			Name:        name,
			Description: scripts[name],
			Command:     pm,
			Args:        args,
			Persistent:  serverScripts[name],
		})
	}
	return cmds
}

// pythonCommands builds commands for a Python project. entry is manage.py
// for Django, the app module for Flask/FastAPI, or empty.
func pythonCommands(venv, entry string, requirements bool) []CommandDef {
	py := pythonBin(venv)
	var cmds []CommandDef
	if requirements {
		cmds = append(cmds, CommandDef{Name: "install", Description: "Install requirements", Command: py, Args: []string{"-m", "pip", "install", "-r", "requirements.txt"}})
	}
	switch entry {
	case "manage.py":
		cmds = append(cmds,
			CommandDef{Name: "runserver", Description: "Start the Django development server", Command: py, Args: []string{"manage.py", "runserver"}, Persistent: true},
			CommandDef{Name: "migrate", Description: "Apply Django migrations", Command: py, Args: []string{"manage.py", "migrate"}},
			CommandDef{Name: "test", Description: "Run Django tests", Command: py, Args: []string{"manage.py", "test"}},
		)
		return cmds
	case "":
	default:
		cmds = append(cmds, CommandDef{Name: "run", Description: "Run " + entry, Command: py, Args: []string{entry}, Persistent: true})
	}
	return append(cmds, CommandDef{Name: "test", Description: "Run pytest", Command: py, Args: []string{"-m", "pytest"}})
}

// pythonBin returns the interpreter, preferring the project's venv.
func pythonBin(venv string) string {
	switch {
	case venv == "":
		return "python"
	case runtime.GOOS == "windows":
		return venv + `\Scripts\python.exe`
	default:
		return venv + "/bin/python"
	}
}

// Lookup finds a command by name.
func Lookup(proj *Project, name string) *CommandDef {
	for i := range proj.Commands {
		if proj.Commands[i].Name == name {
			return &proj.Commands[i]
		}
	}
	return nil
}

// HasCommand reports whether the project has a command with the given name.
func HasCommand(proj *Project, name string) bool {
	return Lookup(proj, name) != nil
}

// CommandNames returns the project's command names in order.
func CommandNames(proj *Project) []string {
	names := make([]string, len(proj.Commands))
	for i, cmd := range proj.Commands {
		names[i] = cmd.Name
	}
	return names
}
