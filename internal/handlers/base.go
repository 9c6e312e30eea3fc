package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// bind reads path, query and body values into req and validates it.
func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return BadRequest("invalid request")
	}
	if err := validate.Struct(req); err != nil {
		return BadRequest(validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s=%s'", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed '%s'", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// GetUserID returns the authenticated user set by the authentication middleware.
func GetUserID(c echo.Context) (string, error) {
	userID := appctx.GetUserID(c.Request().Context())
	if userID == "" {
		return "", Unauthorized("authentication required")
	}
	return userID, nil
}

func parseProvider(value string) (models.Provider, error) {
	provider, err := models.ParseProvider(value)
	if err != nil {
		return "", BadRequest(err.Error())
	}
	return provider, nil
}

func parseUUID(value, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid %s: must be a valid UUID", name)
	}
	return id, nil
}

func SuccessResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}

func CreatedResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusCreated, data)
}

func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

func Unauthorized(message string) error {
	return httperror.NewHTTPError(http.StatusUnauthorized, message)
}
