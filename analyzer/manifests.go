package analyzer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"

	"github.com/devctx/contextcache/types"
	"github.com/devctx/contextcache/utils"
)

var manifestNames = []string{
	"package.json",
	"go.mod",
	"go.sum",
	"requirements.txt",
	"Cargo.toml",
	"pom.xml",
	"Gemfile",
	"package-lock.json",
	"yarn.lock",
	"tsconfig.json",
	"Dockerfile",
	"docker-compose.yml",
}

type packageJSON struct {
	Name            string            `json:"name"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func (a *Analyzer) parseManifests(ctx context.Context, root string) ([]types.Dependency, []string, error) {
	var deps []types.Dependency
	var found []string

	for _, name := range manifestNames {
		select {
		case <-ctx.Done():
			return nil, nil, types.WrapError(ctx.Err(), "manifest parse cancelled")
		default:
		}

		path := filepath.Join(root, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		found = append(found, name)

		switch name {
		case "package.json":
			parsed, err := parsePackageJSON(path)
			if err != nil {
				continue
			}
			deps = append(deps, parsed...)
		case "go.mod":
			parsed, err := parseGoMod(path)
			if err != nil {
				continue
			}
			deps = append(deps, parsed...)
		case "requirements.txt":
			parsed, err := parseRequirements(path)
			if err != nil {
				continue
			}
			deps = append(deps, parsed...)
		}
	}

	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })

	return deps, found, nil
}

func parsePackageJSON(path string) ([]types.Dependency, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pkg packageJSON
	if err := utils.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}

	deps := make([]types.Dependency, 0, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for name, version := range pkg.Dependencies {
		deps = append(deps, types.Dependency{Name: name, Version: version})
	}
	for name, version := range pkg.DevDependencies {
		deps = append(deps, types.Dependency{Name: name, Version: version})
	}
	return deps, nil
}

func parseGoMod(path string) ([]types.Dependency, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	file, err := modfile.Parse(path, data, nil)
	if err != nil {
		return nil, err
	}

	deps := make([]types.Dependency, 0, len(file.Require))
	for _, req := range file.Require {
		if req.Indirect {
			continue
		}
		deps = append(deps, types.Dependency{Name: req.Mod.Path, Version: req.Mod.Version})
	}
	return deps, nil
}

func parseRequirements(path string) ([]types.Dependency, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var deps []types.Dependency
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}

		name, version := line, ""
		for _, sep := range []string{"==", ">=", "<=", "~=", ">"} {
			if idx := strings.Index(line, sep); idx > 0 {
				name = line[:idx]
				version = line[idx+len(sep):]
				break
			}
		}
		deps = append(deps, types.Dependency{
			Name:    strings.TrimSpace(name),
			Version: strings.TrimSpace(version),
		})
	}
	return deps, nil
}

var frameworkDeps = map[string]string{
	"react":                       "react",
	"react-dom":                   "react",
	"vue":                         "vue",
	"@angular/core":               "angular",
	"svelte":                      "svelte",
	"next":                        "nextjs",
	"express":                     "express",
	"fastify":                     "fastify",
	"django":                      "django",
	"flask":                       "flask",
	"fastapi":                     "fastapi",
	"github.com/gin-gonic/gin":    "gin",
	"github.com/valyala/fasthttp": "fasthttp",
	"github.com/labstack/echo/v4": "echo",
	"github.com/gofiber/fiber/v2": "fiber",
}

func detectTechnologies(deps []types.Dependency, manifests []string, extCounts map[string]int) []string {
	seen := make(map[string]bool)
	add := func(tech string) {
		if tech != "" && !seen[tech] {
			seen[tech] = true
		}
	}

	for _, m := range manifests {
		switch m {
		case "package.json":
			add("node")
		case "go.mod":
			add("go")
		case "requirements.txt":
			add("python")
		case "Cargo.toml":
			add("rust")
		case "pom.xml":
			add("java")
		case "Gemfile":
			add("ruby")
		case "tsconfig.json":
			add("typescript")
		case "Dockerfile", "docker-compose.yml":
			add("docker")
		}
	}

	for _, dep := range deps {
		add(frameworkDeps[dep.Name])
	}

	for ext, lang := range extLanguages {
		if extCounts[ext] > 0 {
			add(lang)
		}
	}

	techs := make([]string, 0, len(seen))
	for tech := range seen {
		techs = append(techs, tech)
	}
	sort.Strings(techs)
	return techs
}
