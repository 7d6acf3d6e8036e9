package orchestration

import (
	"strings"

	"github.com/chiscode/orchestrator/internal/models"
)

// Advise inspects the shape of the generated files and returns deployment
// platform recommendations. Pure: no I/O, no stored state, same input always
// yields the same output.
func Advise(files models.GenerationResult) models.DeploymentOptions {
	opts := models.DeploymentOptions{
		Recommended: []string{},
		Supported:   []string{},
	}

	recommend := func(platform string) {
		opts.Recommended = appendUnique(opts.Recommended, platform)
	}
	support := func(platforms ...string) {
		for _, p := range platforms {
			opts.Supported = appendUnique(opts.Supported, p)
		}
	}

	_, hasNextConfig := files["next.config.js"]
	if !hasNextConfig {
		_, hasNextConfig = files["next.config.ts"]
	}
	pkgJSON, hasPackageJSON := files["package.json"]
	_, hasManagePy := files["manage.py"]

	if hasNextConfig {
		recommend("vercel")
		support("netlify", "railway")
	} else if hasPackageJSON && strings.Contains(pkgJSON, "react") {
		recommend("netlify")
		support("vercel", "render")
	}

	if hasManagePy || containsFastAPI(files) {
		recommend("railway")
		support("render", "fly.io", "aws")
	}

	return opts
}

func containsFastAPI(files models.GenerationResult) bool {
	// Any file content counts, not just .py sources: requirements.txt and
	// Dockerfiles name the framework too.
	for _, content := range files {
		if strings.Contains(content, "fastapi") {
			return true
		}
	}
	return false
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
