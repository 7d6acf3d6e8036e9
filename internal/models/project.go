package models

import (
	"time"
)

// Requirements is the structured intent extracted from the user's request.
// Immutable once produced by the analysis stage.
type Requirements struct {
	ProjectName string   `json:"project_name"`
	Features    []string `json:"features"`
	Constraints string   `json:"constraints,omitempty"`
}

// StackChoice is one selected technology plus the engine's rationale.
type StackChoice struct {
	Name      string `json:"name"`
	Rationale string `json:"rationale,omitempty"`
}

// TechStack is the selected technology combination. Immutable once the user
// confirms it.
type TechStack struct {
	Frontend StackChoice `json:"frontend"`
	Backend  StackChoice `json:"backend"`
	Database StackChoice `json:"database"`
	Styling  StackChoice `json:"styling"`
}

// GenerationResult maps relative file paths to generated content. It is
// built incrementally while the generation stream runs; later writes to the
// same path overwrite earlier ones.
type GenerationResult map[string]string

// Clone returns an independent copy of the result.
func (g GenerationResult) Clone() GenerationResult {
	out := make(GenerationResult, len(g))
	for path, content := range g {
		out[path] = content
	}
	return out
}

// Diagnostic is a single validation finding.
type Diagnostic struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// ValidationReport is the validator service's verdict on a GenerationResult.
type ValidationReport struct {
	Valid  bool         `json:"valid"`
	Errors []Diagnostic `json:"errors,omitempty"`
}

// Project is the durable result of one completed run. It is attached to the
// session at run completion and superseded, not merged, by the next run.
type Project struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Stack       TechStack        `json:"stack"`
	Files       GenerationResult `json:"files"`
	PreviewURL  string           `json:"preview_url,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// DeploymentOptions is the advisor's ranked platform recommendation derived
// from the shape of the generated output.
type DeploymentOptions struct {
	Recommended []string `json:"recommended"`
	Supported   []string `json:"supported"`
}

// RunResult is the published outcome of a completed run.
type RunResult struct {
	Project           *Project          `json:"project,omitempty"`
	DeploymentOptions DeploymentOptions `json:"deployment_options"`
	Validation        *ValidationReport `json:"validation,omitempty"`
	Diagnostics       []string          `json:"diagnostics,omitempty"`
}
