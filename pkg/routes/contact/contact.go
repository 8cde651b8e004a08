package contact

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/internal/repositories/contact"
	"github.com/Ramsey-B/clover/pkg/faults"
	"github.com/Ramsey-B/clover/pkg/identify"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Register registers contact routes
func Register(g *echo.Group) {
	g.GET("", List)
	g.GET("/:id", Get)
	g.GET("/:id/identity", GetIdentity)
}

// List returns a page of contacts, optionally filtered by exact email or
// phone number
func List(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "contact_handler.List")
	defer span.End()

	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	var email, phoneNumber *string
	if v := c.QueryParam("email"); v != "" {
		email = &v
	}
	if v := c.QueryParam("phone_number"); v != "" {
		phoneNumber = &v
	}

	ctx, repo, err := ectoinject.GetContext[*contact.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	items, totalCount, err := repo.List(ctx, email, phoneNumber, page, pageSize)
	if err != nil {
		return err
	}
	if items == nil {
		items = []models.Contact{}
	}

	return c.JSON(http.StatusOK, models.ContactListResponse{
		Items:      items,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	})
}

// Get returns a single contact row by id
func Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "contact_handler.Get")
	defer span.End()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid contact id")
	}

	ctx, repo, err := ectoinject.GetContext[*contact.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	found, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if found == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "contact not found")
	}

	return c.JSON(http.StatusOK, found)
}

// GetIdentity returns the consolidated view of the cluster the contact
// belongs to, without writing anything.
func GetIdentity(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "contact_handler.GetIdentity")
	defer span.End()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid contact id")
	}

	ctx, repo, err := ectoinject.GetContext[*contact.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	found, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if found == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "contact not found")
	}

	primaryID := found.ID
	if !found.IsPrimary() {
		if found.LinkedID == nil {
			return faults.Invariantf("secondary contact %d has no linked primary", found.ID)
		}
		primaryID = *found.LinkedID
	}

	cluster, err := repo.GetClusterView(ctx, []int64{primaryID})
	if err != nil {
		return err
	}

	consolidated, err := identify.Consolidate(cluster)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.IdentifyResponse{Contact: *consolidated})
}
