package labs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/genomic-gateway/internal/platform/auth"
	"github.com/ehr/genomic-gateway/internal/platform/upstream"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/fetch_patient_data/:patient_id", h.FetchPatientData)
	api.GET("/fetch_beaker_reports/:patient_id", h.FetchBeakerReports)
	api.GET("/export/beaker_report/:patient_id", h.ExportBeakerReport)
	api.GET("/digital_twin/:patient_id", h.GetDigitalTwin)
}

func (h *Handler) FetchPatientData(c echo.Context) error {
	ctx := c.Request().Context()
	return respond(c, h.svc.FetchPatient(ctx, auth.SessionKeyFromContext(ctx), c.Param("patient_id")))
}

func (h *Handler) FetchBeakerReports(c echo.Context) error {
	ctx := c.Request().Context()
	return respond(c, h.svc.FetchLabReport(ctx, auth.SessionKeyFromContext(ctx), c.Param("patient_id")))
}

func (h *Handler) ExportBeakerReport(c echo.Context) error {
	ctx := c.Request().Context()
	patientID := c.Param("patient_id")
	t, err := h.svc.ExportLabReportCSV(ctx, auth.SessionKeyFromContext(ctx), patientID)
	if err != nil {
		return failure(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="beaker_report_%s.csv"`, sanitizeFilename(patientID)))
	c.Response().WriteHeader(http.StatusOK)
	return t.WriteCSV(c.Response())
}

func (h *Handler) GetDigitalTwin(c echo.Context) error {
	ctx := c.Request().Context()
	twin, err := h.svc.DigitalTwin(ctx, auth.SessionKeyFromContext(ctx), c.Param("patient_id"))
	if err != nil {
		return failure(c, err)
	}
	return c.JSON(http.StatusOK, twin)
}

// respond writes the upstream document untouched on success.
func respond(c echo.Context, res upstream.Result) error {
	if !res.OK() {
		return failure(c, res.Err())
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, res.Payload)
}

func failure(c echo.Context, err error) error {
	var f *upstream.Failure
	if errors.As(err, &f) {
		return c.JSON(f.HTTPStatus(), map[string]string{"error": f.Message})
	}
	return err
}

func sanitizeFilename(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
