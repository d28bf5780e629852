package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"procodus.dev/mirra/internal/identity"
	"procodus.dev/mirra/internal/provision"
	"procodus.dev/mirra/internal/store"
	"procodus.dev/mirra/pkg/macaddr"
)

// Headers sent by a gateway when it claims its access code.
const (
	HeaderGateway    = "mirra-gateway"
	HeaderAccessCode = "mirra-access-code"
)

type moduleResponse struct {
	CreatedAt time.Time  `json:"created_at"`
	GatewayID *uint      `json:"gateway_id,omitempty"`
	Kind      store.Kind `json:"kind"`
	MAC       string     `json:"mac"`
	ID        uint       `json:"id"`
}

// handleGatewayAdd issues an access code for the posted gateway MAC.
func (s *Server) handleGatewayAdd(w http.ResponseWriter, r *http.Request) {
	addr, err := macaddr.Parse(r.FormValue("gateway_mac"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	code, err := s.provisioner.Issue(addr)
	if err != nil {
		s.logger.Error("failed to issue access code", "error", err, "gateway_mac", addr.String())
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("access code issued", "gateway_mac", addr.String())

	if err := renderAccessCode(r.Context(), w, code, s.metrics); err != nil {
		s.logger.Error("failed to render access code", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// handleGatewayCode is called by a gateway to exchange its access code for a PSK.
func (s *Server) handleGatewayCode(w http.ResponseWriter, r *http.Request) {
	addr, err := macaddr.Parse(r.Header.Get(HeaderGateway))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	psk, err := s.provisioner.Verify(r.Context(), addr, r.Header.Get(HeaderAccessCode))
	switch {
	case errors.Is(err, provision.ErrAccessCodeNotFound):
		http.Error(w, "no pending access code", http.StatusNotFound)
		return
	case errors.Is(err, provision.ErrAccessCodeMismatch):
		http.Error(w, "access code mismatch", http.StatusUnauthorized)
		return
	case err != nil:
		s.logger.Error("failed to verify access code", "error", err, "gateway_mac", addr.String())
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write([]byte(psk)); err != nil {
		s.logger.Error("failed to write psk response", "error", err)
	}
}

// handleGatewayDelete revokes a gateway and removes its data.
func (s *Server) handleGatewayDelete(w http.ResponseWriter, r *http.Request) {
	addr, err := macaddr.Parse(r.PathValue("mac"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	if err := s.registry.RemoveGateway(r.Context(), addr); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			http.Error(w, "gateway not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to remove gateway", "error", err, "gateway_mac", addr.String())
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleModule returns the current module bound to a MAC address.
func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	addr, err := macaddr.Parse(r.PathValue("mac"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	m, err := s.registry.CurrentModule(r.Context(), addr)
	if err != nil {
		s.logger.Error("failed to look up module", "error", err, "mac", addr.String())
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if m == nil {
		http.Error(w, "module not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(moduleResponse{
		CreatedAt: m.CreatedAt,
		GatewayID: m.GatewayID,
		Kind:      m.Kind(),
		MAC:       addr.String(),
		ID:        m.ID,
	}); err != nil {
		s.logger.Error("failed to write module response", "error", err)
	}
}

// handleExportRedirect sends bare export requests to today's canonical filename.
func (s *Server) handleExportRedirect(w http.ResponseWriter, r *http.Request) {
	format := r.PathValue("format")
	if !validFormat(format) {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/export/"+format+"/"+store.ExportFilename(s.now(), format), http.StatusFound)
}

// handleExport streams the measurement table. Any filename other than today's canonical
// one is redirected to it.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.PathValue("format")
	if !validFormat(format) {
		http.NotFound(w, r)
		return
	}

	canonical := store.ExportFilename(s.now(), format)
	if r.PathValue("filename") != canonical {
		http.Redirect(w, r, "/export/"+format+"/"+canonical, http.StatusFound)
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+canonical+`"`)

	var err error
	switch format {
	case store.FormatCSV:
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		err = s.exporter.WriteCSV(r.Context(), w)
	case store.FormatXLSX:
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		err = s.exporter.WriteXLSX(r.Context(), w)
	}

	if s.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.ExportsTotal.WithLabelValues(format, status).Inc()
	}

	if err != nil {
		// Headers may already be sent; the truncated body is all we can signal.
		s.logger.Error("failed to export measurements", "error", err, "format", format)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// handleHealth serves health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		s.logger.Error("failed to write health response", "error", err)
	}
}

func validFormat(format string) bool {
	return format == store.FormatCSV || format == store.FormatXLSX
}
