package cli

import (
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mark3labs/mcp-go/mcp"
)

// descriptionLimit caps the description column width.
const descriptionLimit = 80

// RenderToolTable writes the aggregated catalog as a table, sorted the
// way the gateway returns it (by namespaced name, so one backend's tools
// sit together).
func RenderToolTable(out io.Writer, tools []mcp.Tool) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"TOOL", "DESCRIPTION"})

	for _, tool := range tools {
		t.AppendRow(table.Row{tool.Name, flatten(tool.Description)})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "DESCRIPTION", WidthMax: descriptionLimit, WidthMaxEnforcer: text.WrapSoft},
	})
	t.Render()
}

func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
