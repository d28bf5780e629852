package api

import (
	"context"
	"io"
	"net/http"

	"github.com/a-h/templ"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/mirra/pkg/metrics"
)

// accessCode is the fragment swapped into the provisioning page after a gateway is added.
func accessCode(code string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<ul><li>Access code : "+templ.EscapeString(code)+"</li></ul>")
		return err
	})
}

// renderAccessCode renders the access code fragment.
func renderAccessCode(ctx context.Context, w http.ResponseWriter, code string, m *metrics.APIMetrics) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return trackTemplateRender(m, "access_code", func() error {
		return accessCode(code).Render(ctx, w)
	})
}

// trackTemplateRender wraps template rendering with metrics tracking.
func trackTemplateRender(m *metrics.APIMetrics, templateName string, renderFunc func() error) error {
	if m == nil {
		return renderFunc()
	}

	timer := prometheus.NewTimer(m.TemplateRenderTime.WithLabelValues(templateName))
	defer timer.ObserveDuration()

	if err := renderFunc(); err != nil {
		m.TemplateRenderErrors.WithLabelValues(templateName).Inc()
		return err
	}

	return nil
}
