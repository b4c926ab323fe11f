package orient

import (
	"context"
	"errors"
	"strings"
	"text/template"

	"github.com/ehrlich-b/duckpond/internal/kv"
)

var systemPromptTmpl = template.Must(template.New("system").Parse(`{{.Base}}

<duckpond-present>
Machine: {{.Machine.Name}}, {{.Machine.Cores}} cores, {{.Machine.RAM}}
{{- with .Machine.GPU}}, {{.}}{{end}}, up {{.Machine.Uptime}}, {{.Machine.DiskFree}}.
{{- with .Weather}}
Weather: {{.}}
{{- end}}
</duckpond-present>
{{- with .Today}}

<duckpond-today header="{{$.TodayHeader}}">
{{.}}
</duckpond-today>
{{- end}}
{{- if or .Calendar .Todos}}

<duckpond-ahead>
{{- with .Calendar}}
Calendar:
{{.}}
{{- end}}
{{- with .Todos}}
Todos:
{{.}}
{{- end}}
</duckpond-ahead>
{{- end}}
`))

type promptData struct {
	Base        string
	Machine     Machine
	Weather     string
	Today       string
	TodayHeader string
	Calendar    string
	Todos       string
}

// SystemPrompt renders the system prompt for a new runtime connection:
// base followed by the machine, the HUD values collectors left in the
// store, and today's running summary. Missing values are left out.
func (b *Builder) SystemPrompt(ctx context.Context, base string) string {
	now := b.now().In(b.loc)
	data := promptData{
		Base:        strings.TrimSpace(base),
		Machine:     b.machineInfo(),
		Weather:     b.hud(ctx, kv.HUDWeather),
		Today:       b.hud(ctx, kv.HUDToday),
		TodayHeader: now.Format("Monday Jan 2 2006") + " so far",
		Calendar:    b.hud(ctx, kv.HUDCalendar),
		Todos:       b.hud(ctx, kv.HUDTodos),
	}
	var sb strings.Builder
	if err := systemPromptTmpl.Execute(&sb, data); err != nil {
		b.log.Warn("system prompt render failed", "error", err)
		return base
	}
	return strings.TrimSpace(sb.String())
}

func (b *Builder) hud(ctx context.Context, key string) string {
	v, err := b.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNil) {
			b.log.Warn("hud lookup failed", "key", key, "error", err)
		}
		return ""
	}
	return strings.TrimSpace(v)
}

func (b *Builder) machineInfo() Machine {
	b.machineOnce.Do(func() {
		if b.machine == nil {
			m := DetectMachine(b.hostname)
			b.machine = &m
		}
	})
	return *b.machine
}
