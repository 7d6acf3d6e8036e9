package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// TemplateCatalog lists the frameworks and technologies the generation engine
// can build with, grouped by concern.
type TemplateCatalog struct {
	Frontend []TemplateEntry `json:"frontend"`
	Backend  []TemplateEntry `json:"backend"`
	Styling  []string        `json:"styling"`
	Database []string        `json:"database"`
}

// TemplateEntry names one framework and what it is for.
type TemplateEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var templateCatalog = TemplateCatalog{
	Frontend: []TemplateEntry{
		{Name: "React", Description: "Component-based UI library"},
		{Name: "Next.js", Description: "React framework with SSR and routing"},
		{Name: "Vue.js", Description: "Progressive JavaScript framework"},
		{Name: "Angular", Description: "Full-featured TypeScript framework"},
	},
	Backend: []TemplateEntry{
		{Name: "FastAPI", Description: "Modern Python API framework"},
		{Name: "Django", Description: "Full-stack Python framework"},
		{Name: "Flask", Description: "Lightweight Python framework"},
		{Name: "Express", Description: "Node.js web framework"},
		{Name: "Chainlit", Description: "Python framework for AI chat applications"},
	},
	Styling:  []string{"Tailwind CSS", "Material-UI", "Bootstrap", "Styled Components"},
	Database: []string{"PostgreSQL", "MongoDB", "MySQL", "SQLite"},
}

// ListTemplates godoc
// @Summary List available frameworks and templates
// @Description Return the static catalog of frameworks the engine generates with
// @Tags templates
// @Produce json
// @Success 200 {object} TemplateCatalog
// @Router /templates [get]
func (h *Handler) ListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, templateCatalog)
}
