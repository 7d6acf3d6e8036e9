package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chiscode/orchestrator/internal/models"
)

func TestAdvise(t *testing.T) {
	tests := []struct {
		name        string
		files       models.GenerationResult
		recommended []string
		supported   []string
	}{
		{
			name: "nextjs_project",
			files: models.GenerationResult{
				"next.config.js": "module.exports = {}",
				"package.json":   `{"dependencies":{"react":"^18.0.0","next":"^14.0.0"}}`,
			},
			recommended: []string{"vercel"},
			supported:   []string{"netlify", "railway"},
		},
		{
			name: "nextjs_typescript_config",
			files: models.GenerationResult{
				"next.config.ts": "export default {}",
			},
			recommended: []string{"vercel"},
			supported:   []string{"netlify", "railway"},
		},
		{
			name: "plain_react_project",
			files: models.GenerationResult{
				"package.json": `{"dependencies":{"react":"^18.0.0"}}`,
			},
			recommended: []string{"netlify"},
			supported:   []string{"vercel", "render"},
		},
		{
			name: "django_project",
			files: models.GenerationResult{
				"manage.py": "#!/usr/bin/env python",
			},
			recommended: []string{"railway"},
			supported:   []string{"render", "fly.io", "aws"},
		},
		{
			name: "fastapi_project",
			files: models.GenerationResult{
				"main.py": "from fastapi import FastAPI",
			},
			recommended: []string{"railway"},
			supported:   []string{"render", "fly.io", "aws"},
		},
		{
			name: "fullstack_next_and_fastapi",
			files: models.GenerationResult{
				"next.config.js": "module.exports = {}",
				"api/main.py":    "from fastapi import FastAPI",
			},
			recommended: []string{"vercel", "railway"},
			supported:   []string{"netlify", "railway", "render", "fly.io", "aws"},
		},
		{
			name:        "unknown_shape",
			files:       models.GenerationResult{"README.md": "# hello"},
			recommended: []string{},
			supported:   []string{},
		},
		{
			name:        "empty_result",
			files:       models.GenerationResult{},
			recommended: []string{},
			supported:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Advise(tt.files)
			assert.Equal(t, tt.recommended, opts.Recommended)
			assert.Equal(t, tt.supported, opts.Supported)
		})
	}
}

func TestAdvise_Deterministic(t *testing.T) {
	files := models.GenerationResult{
		"next.config.js": "module.exports = {}",
		"api/main.py":    "from fastapi import FastAPI",
		"package.json":   `{"dependencies":{"react":"^18.0.0"}}`,
	}

	first := Advise(files)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Advise(files))
	}
}

func TestAdvise_FastAPIDetectedInAnyFile(t *testing.T) {
	// The framework shows up in requirements.txt long before any .py file
	// imports it; content matching is file-name agnostic.
	opts := Advise(models.GenerationResult{
		"requirements.txt": "fastapi==0.110.0\nuvicorn==0.29.0",
	})
	assert.Equal(t, []string{"railway"}, opts.Recommended)
	assert.Equal(t, []string{"render", "fly.io", "aws"}, opts.Supported)
}
