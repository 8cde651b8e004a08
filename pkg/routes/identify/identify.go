package identify

import (
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/identify"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var validate = validator.New()

// Register registers identify routes
func Register(g *echo.Group) {
	g.POST("", Identify)
}

// Identify resolves the contact cluster for an email and/or phone number and
// returns the consolidated view of that cluster.
func Identify(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "identify_handler.Identify")
	defer span.End()

	var req models.IdentifyRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	normalize(&req)
	if !req.HasEmail() && !req.HasPhoneNumber() {
		return httperror.NewHTTPError(http.StatusBadRequest, "at least one of email or phoneNumber is required")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, engine, err := ectoinject.GetContext[*identify.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	start := time.Now()
	result, err := engine.Identify(ctx, req.Email, req.PhoneNumber)
	if err != nil {
		return err
	}
	metrics.RecordIdentify(string(result.Outcome), time.Since(start), result.ClusterSize)

	ctx, emitter, err := ectoinject.GetContext[*events.Emitter](ctx)
	if err == nil && emitter != nil {
		emitter.EmitResolution(ctx, result)
	}

	return c.JSON(http.StatusOK, models.IdentifyResponse{Contact: result.Contact})
}

// normalize trims surrounding whitespace and collapses empty strings to nil so
// "" and an absent field mean the same thing downstream.
func normalize(req *models.IdentifyRequest) {
	if req.Email != nil {
		trimmed := strings.TrimSpace(*req.Email)
		if trimmed == "" {
			req.Email = nil
		} else {
			req.Email = &trimmed
		}
	}
	if req.PhoneNumber != nil {
		trimmed := strings.TrimSpace(*req.PhoneNumber)
		if trimmed == "" {
			req.PhoneNumber = nil
		} else {
			req.PhoneNumber = &trimmed
		}
	}
}
