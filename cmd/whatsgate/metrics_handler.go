package main

import (
	"encoding/json"
	"net/http"

	"whatsgate/internal/tracing"

	"github.com/sirupsen/logrus"
)

// handleMetrics returns a JSON snapshot of the metrics registry
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(s.metrics.GetAllMetrics()); err != nil {
			s.logger.WithFields(logrus.Fields(tracing.LogFields(r.Context()))).
				WithError(err).Error("Failed to encode metrics response")
		}
	}
}
