package deadletter

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Register registers dead letter routes
func Register(g *echo.Group) {
	g.GET("", List)
	g.POST("/:id/retry", Retry)
	g.DELETE("/:id", Delete)
}

// ListResponse is the response body for listing dead letters
type ListResponse struct {
	Items      []redis.DLQMessage `json:"items"`
	TotalCount int64              `json:"total_count"`
}

// List returns the most recent dead lettered events
func List(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "deadletter_handler.List")
	defer span.End()

	count, _ := strconv.ParseInt(c.QueryParam("count"), 10, 64)

	ctx, dlq, err := ectoinject.GetContext[*redis.DeadLetterQueue](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	items, err := dlq.List(ctx, count)
	if err != nil {
		return err
	}
	total, err := dlq.Count(ctx)
	if err != nil {
		return err
	}
	if items == nil {
		items = []redis.DLQMessage{}
	}

	return c.JSON(http.StatusOK, ListResponse{Items: items, TotalCount: total})
}

// Retry re-publishes a dead lettered event to Kafka and removes it from the
// stream on success
func Retry(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "deadletter_handler.Retry")
	defer span.End()

	messageID := c.Param("id")

	ctx, dlq, err := ectoinject.GetContext[*redis.DeadLetterQueue](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entry, err := dlq.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if entry == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "dead letter not found")
	}

	ctx, producer, err := ectoinject.GetContext[*kafka.Producer](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "event publishing is not enabled")
	}

	if err := dlq.Retry(ctx, messageID, producer); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

// Delete drops a dead lettered event without re-publishing it
func Delete(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "deadletter_handler.Delete")
	defer span.End()

	messageID := c.Param("id")

	ctx, dlq, err := ectoinject.GetContext[*redis.DeadLetterQueue](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entry, err := dlq.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if entry == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "dead letter not found")
	}

	if err := dlq.Delete(ctx, messageID); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}
