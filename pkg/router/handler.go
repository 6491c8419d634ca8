package router

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// HttpErrorHandler renders errors that escape the handlers in the standard
// response envelope, so clients never see a bare text body.
func HttpErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	logError(c, code, message)
	return c.Status(code).JSON(Response{
		Status:  false,
		Code:    code,
		Message: message,
		Error:   message,
	})
}
