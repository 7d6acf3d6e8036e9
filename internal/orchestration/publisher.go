package orchestration

import (
	"github.com/chiscode/orchestrator/internal/models"
)

// Publish assembles the final RunResult from the pipeline's outputs. The
// project's files are cloned so the published result stays stable even if a
// later run mutates session state.
func Publish(project *models.Project, opts models.DeploymentOptions, validation *models.ValidationReport, diagnostics []string) *models.RunResult {
	published := *project
	published.Files = project.Files.Clone()

	return &models.RunResult{
		Project:           &published,
		DeploymentOptions: opts,
		Validation:        validation,
		Diagnostics:       diagnostics,
	}
}
