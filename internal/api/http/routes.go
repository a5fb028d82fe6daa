package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/i474232898/weather-feature-pipeline/internal/store"
	"github.com/i474232898/weather-feature-pipeline/internal/weather"
)

var validate = validator.New()

// Runner executes one pipeline run. *weather.Service satisfies it.
type Runner interface {
	Run(ctx context.Context, req weather.RunRequest) (weather.RunReport, error)
}

// RunReader exposes recorded runs and features.
type RunReader interface {
	Latest() (weather.RunReport, error)
	List() []weather.RunReport
	LatestFeatures(city string) (weather.FeatureTable, error)
}

// RegisterRoutes wires the HTTP handlers into the Fiber app. metrics may be nil.
func RegisterRoutes(app *fiber.App, runner Runner, runs RunReader, metrics http.Handler) {
	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics))
	}

	v1 := app.Group("/api/v1")

	v1.Post("/runs", func(c *fiber.Ctx) error {
		var body runRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
			}
		}
		req, err := body.toRunRequest()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		report, err := runner.Run(c.UserContext(), req)
		switch {
		case err == nil:
			return c.Status(fiber.StatusCreated).JSON(report)
		case errors.Is(err, weather.ErrRunInProgress):
			return fiber.NewError(fiber.StatusConflict, err.Error())
		default:
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
				"report":  report,
			})
		}
	})

	v1.Get("/runs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"runs": runs.List()})
	})

	v1.Get("/runs/latest", func(c *fiber.Ctx) error {
		report, err := runs.Latest()
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no pipeline runs recorded yet")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read run history")
		}
		return c.JSON(report)
	})

	v1.Get("/features", func(c *fiber.Ctx) error {
		city := c.Query("city")
		rows, err := runs.LatestFeatures(city)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no features for requested city")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read features")
		}
		return c.JSON(fiber.Map{
			"city":     city,
			"count":    len(rows),
			"features": rows,
		})
	})
}

// runRequest is the body of POST /api/v1/runs. Both dates are optional.
type runRequest struct {
	StartDate string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
}

func (r runRequest) toRunRequest() (weather.RunRequest, error) {
	if err := validate.Struct(r); err != nil {
		return weather.RunRequest{}, err
	}
	req := weather.RunRequest{Trigger: "api"}
	if r.StartDate == "" {
		if r.EndDate != "" {
			return req, errors.New("end_date requires start_date")
		}
		return req, nil
	}
	dates, err := weather.NewDateRange(r.StartDate, r.EndDate)
	if err != nil {
		return req, err
	}
	req.Dates = dates
	return req, nil
}
